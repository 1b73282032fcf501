// Package address parses the RFC 5321 "Path" form used by MAIL FROM and
// RCPT TO: an address optionally wrapped in angle brackets, with an optional
// source route, a bareword or quoted local part, and an optional trailing
// remainder of service extensions (SIZE=..., BODY=..., etc).
package address

import (
	"fmt"
	"strings"

	"golang.org/x/net/idna"
)

// maxLocalLen is the maximum accumulated length of a local part we'll
// accept, per spec.
const maxLocalLen = 129

// ParseError is returned for any syntactically invalid path.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("bad address syntax: %s", e.Reason)
}

// Parse decodes a Path. It returns the bare mailbox address (source routes
// stripped, brackets removed) and the remainder of the line following the
// address -- the service extensions on a MAIL FROM/RCPT TO line -- with
// leading spaces trimmed.
//
// <> parses to the empty address, which is only valid as a MAIL FROM
// reverse-path; callers must reject it themselves for RCPT TO.
func Parse(s string) (addr string, rest string, err error) {
	s = strings.Trim(s, " ")

	if strings.HasPrefix(s, "<") {
		end, ferr := findUnquotedByte(s, '>')
		if ferr != nil || end == -1 {
			return "", "", &ParseError{"unterminated or asymmetric '<...>'"}
		}
		inner := s[1:end]
		rest = strings.TrimLeft(s[end+1:], " ")
		addr, err = parsePath(inner)
		return addr, rest, err
	}

	// Bareword form: no enclosing brackets. Consume permitted address
	// characters from the start; whatever follows (starting at the first
	// character that is not one of them, such as a space or '>') is the
	// remainder.
	i := 0
	for i < len(s) && isBarewordChar(rune(s[i])) {
		i++
	}
	addr = s[:i]
	rest = strings.TrimLeft(s[i:], " ")
	if err = checkLocalLen(addr); err != nil {
		return "", "", err
	}
	return addr, rest, nil
}

// Render formats addr (already in local@domain form, or empty) back into
// its <...> Path wire form, the inverse of Parse for the common case (no
// source route, no quoting).
func Render(addr string) string {
	return "<" + addr + ">"
}

// parsePath handles the content between the angle brackets: an optional
// source route, then a local part (quoted or bareword) and optional
// "@domain".
func parsePath(inner string) (string, error) {
	if inner == "" {
		return "", nil
	}

	if strings.HasPrefix(inner, "@") {
		idx := strings.IndexByte(inner, ':')
		if idx == -1 {
			return "", &ParseError{"source route missing ':'"}
		}
		inner = inner[idx+1:]
	}

	var local, remainder string
	if strings.HasPrefix(inner, `"`) {
		var sb strings.Builder
		j := 1
		closed := false
		for j < len(inner) {
			c := inner[j]
			if c == '\\' && j+1 < len(inner) {
				sb.WriteByte(inner[j+1])
				j += 2
				continue
			}
			if c == '"' {
				j++
				closed = true
				break
			}
			sb.WriteByte(c)
			j++
		}
		if !closed {
			return "", &ParseError{"unterminated quoted local part"}
		}
		local = sb.String()
		remainder = inner[j:]
	} else {
		k := 0
		for k < len(inner) && inner[k] != '@' {
			if !isBarewordLocalChar(rune(inner[k])) {
				return "", &ParseError{"invalid local-part character"}
			}
			k++
		}
		local = inner[:k]
		remainder = inner[k:]
	}

	if err := checkLocalLen(local); err != nil {
		return "", err
	}

	if !strings.HasPrefix(remainder, "@") {
		return local, nil
	}

	domain, err := normalizeDomain(remainder[1:])
	if err != nil {
		return "", err
	}

	return local + "@" + domain, nil
}

// normalizeDomain accepts either an ASCII domain or a Unicode (IDNA) one
// and returns its ASCII (A-label) form, so the rest of the session only
// ever deals with one representation of a recipient domain. A domain
// already restricted to the bareword character set round-trips unchanged.
func normalizeDomain(domain string) (string, error) {
	for _, c := range domain {
		if c > 127 {
			ascii, err := idna.Lookup.ToASCII(domain)
			if err != nil {
				return "", &ParseError{"invalid IDNA domain"}
			}
			return ascii, nil
		}
	}
	for _, c := range domain {
		if !isBarewordChar(c) {
			return "", &ParseError{"invalid domain character"}
		}
	}
	return domain, nil
}

func checkLocalLen(addr string) error {
	local := addr
	if i := strings.IndexByte(addr, '@'); i != -1 {
		local = addr[:i]
	}
	if len(local) > maxLocalLen {
		return &ParseError{"local part too long"}
	}
	return nil
}

// findUnquotedByte returns the index of the first occurrence of b that is
// not inside a double-quoted run, or -1 if not found. It returns an error
// only if a quoted run is left unterminated before b could be found.
func findUnquotedByte(s string, b byte) (int, error) {
	inQuote := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\\' && inQuote && i+1 < len(s) {
			i++
			continue
		}
		if c == '"' {
			inQuote = !inQuote
			continue
		}
		if !inQuote && c == b {
			return i, nil
		}
	}
	if inQuote {
		return -1, &ParseError{"unterminated quoted string"}
	}
	return -1, nil
}

func isBarewordChar(c rune) bool {
	switch {
	case c >= '0' && c <= '9':
		return true
	case c >= 'A' && c <= 'Z':
		return true
	case c >= 'a' && c <= 'z':
		return true
	case c == '@', c == '-', c == '.', c == '_':
		return true
	}
	return false
}

func isBarewordLocalChar(c rune) bool {
	if c == '@' {
		return false
	}
	return isBarewordChar(c)
}
