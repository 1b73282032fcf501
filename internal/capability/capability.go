// Package capability tracks the ESMTP extensions a session advertises in
// its EHLO reply: an ordered, mutable set of capability names, each with an
// optional detail string (e.g. "SIZE" with detail "1048576", or "AUTH" with
// detail "PLAIN LOGIN CRAM-MD5").
//
// The set starts out populated the way a freshly greeted session advertises
// capabilities and is mutated at runtime -- most notably, STARTTLS removes
// itself from the set once TLS has been negotiated, and AUTH only appears
// once the transport is secure.
package capability

import "strings"

// Registry holds an ordered set of capability names.
type Registry struct {
	order  []string
	detail map[string]string
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{detail: map[string]string{}}
}

// Add declares name as a supported capability, with an optional detail
// string rendered after it on the EHLO line. Adding a name that is already
// present updates its detail in place without changing its position.
func (r *Registry) Add(name string, detail string) {
	key := strings.ToUpper(name)
	if _, ok := r.detail[key]; !ok {
		r.order = append(r.order, key)
	}
	r.detail[key] = detail
}

// Remove drops name from the set, if present.
func (r *Registry) Remove(name string) {
	key := strings.ToUpper(name)
	if _, ok := r.detail[key]; !ok {
		return
	}
	delete(r.detail, key)
	for i, n := range r.order {
		if n == key {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Has reports whether name is currently in the set, case-insensitively.
func (r *Registry) Has(name string) bool {
	_, ok := r.detail[strings.ToUpper(name)]
	return ok
}

// Lines returns the capability set's entries as EHLO reply lines, in
// declaration order, each as "NAME" or "NAME detail".
func (r *Registry) Lines() []string {
	lines := make([]string, 0, len(r.order))
	for _, name := range r.order {
		if d := r.detail[name]; d != "" {
			lines = append(lines, name+" "+d)
		} else {
			lines = append(lines, name)
		}
	}
	return lines
}

// Clone returns an independent copy of the registry.
func (r *Registry) Clone() *Registry {
	c := New()
	c.order = append([]string(nil), r.order...)
	for k, v := range r.detail {
		c.detail[k] = v
	}
	return c
}
