package main

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/smtpsessd/smtpsessd/internal/auth"
	"github.com/smtpsessd/smtpsessd/internal/bodyrecv"
	"github.com/smtpsessd/smtpsessd/internal/log"
	"github.com/smtpsessd/smtpsessd/internal/session"
)

// accountStore is a tiny in-memory bcrypt-backed credential store, standing
// in for whatever real user database a production handler would consult.
// It is intentionally not persisted: restarting the daemon forgets
// accounts added at runtime, leaving only the ones seeded at startup.
type accountStore struct {
	mu   sync.Mutex
	hash map[string][]byte
}

func newAccountStore() *accountStore {
	return &accountStore{hash: map[string][]byte{}}
}

func (a *accountStore) Set(user, password string) error {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hash[user] = h
	return nil
}

// Check verifies a PLAIN/LOGIN password against the stored bcrypt hash; a
// CRAM-MD5 (challenge, digest) credential always fails. bcrypt only verifies a plaintext
// password, so CRAM-MD5 needs the plaintext; in a store backed by bcrypt
// hashes there's no way to do that without keeping the plaintext around,
// which defeats the point of hashing it. This demo store therefore only
// supports PLAIN/LOGIN; a production CRAM-MD5 backend would need a
// reversible-or-raw password store instead, as spec.md §4.5 notes.
func (a *accountStore) Check(user string, cred auth.Credential) bool {
	a.mu.Lock()
	h, ok := a.hash[user]
	a.mu.Unlock()
	if !ok {
		return false
	}
	if cred.Password == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword(h, []byte(cred.Password)) == nil
}

// demoHandler is the example session.Handler wired into this daemon: it
// accepts every sender and recipient, authenticates against accountStore,
// and "delivers" by logging the envelope -- there is no queue or courier
// behind it, per the Non-goals this repository carries forward from the
// teacher.
type demoHandler struct {
	info     session.ConnInfo
	accounts *accountStore

	seq *uint64
}

func newDemoHandlerFactory(accounts *accountStore, seq *uint64) session.Factory {
	return func(info session.ConnInfo) session.Handler {
		return &demoHandler{info: info, accounts: accounts, seq: seq}
	}
}

func (h *demoHandler) Init(info session.ConnInfo) session.InitResult {
	log.Infof("session %d: accepted from %s", info.SessionCount, info.PeerAddress)
	return session.InitResult{}
}

func (h *demoHandler) HandleHELO(hostname string) session.Reply {
	return session.OK()
}

func (h *demoHandler) HandleEHLO(hostname string, builtinExtensions []string) session.EHLOReply {
	return session.EHLOReply{Ok: true, Extensions: builtinExtensions}
}

func (h *demoHandler) HandleMAIL(address string) session.Reply {
	return session.OK()
}

func (h *demoHandler) HandleMAILExtension(token string) bool {
	return true
}

func (h *demoHandler) HandleRCPT(address string) session.Reply {
	return session.OK()
}

func (h *demoHandler) HandleRCPTExtension(token string) bool {
	return true
}

func (h *demoHandler) HandleDATA(from string, to []string, headers []bodyrecv.Header, body []byte) session.DataReply {
	ref := fmt.Sprintf("%s-%d", h.info.PeerAddress, time.Now().UnixNano())
	log.Infof("session %d: delivering %s -> %v (%d header(s), %d body byte(s)) as %s",
		h.info.SessionCount, from, to, len(headers), len(body), ref)
	return session.DataReply{Ok: true, Reference: ref}
}

func (h *demoHandler) HandleRSET() {}

func (h *demoHandler) HandleVRFY(arg string) session.Reply {
	return session.Err(252, "Cannot VRFY; just send some mail")
}

func (h *demoHandler) HandleAUTH(mechanism, username string, cred auth.Credential) bool {
	return h.accounts.Check(username, cred)
}

func (h *demoHandler) HandleOther(verb, arg string) session.Reply {
	if verb == "HELP" {
		return session.OKf("See https://tools.ietf.org/html/rfc5321")
	}
	return session.Err(500, "Command unrecognized")
}

func (h *demoHandler) Terminate(reason string) {
	log.Infof("session %d: closed (%s)", h.info.SessionCount, reason)
}
