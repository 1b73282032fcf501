// Package session implements the per-connection SMTP protocol state
// machine: command dispatch, envelope assembly, STARTTLS and AUTH
// handling, and DATA ingestion, mediated by an application-supplied
// Handler.
//
// The dispatch loop and its reply-writing helpers are the renamed and
// generalized successor to the teacher's smtpsrv.Conn/conn.go: same
// Handle-loop shape (deadline per command, trace every line, close after
// three consecutive errors, detect cross-protocol probes), but envelope
// decisions go through the Handler interface instead of a hardcoded
// relay/queue/alias policy.
package session

import (
	"fmt"

	"github.com/smtpsessd/smtpsessd/internal/auth"
	"github.com/smtpsessd/smtpsessd/internal/bodyrecv"
)

// ConnInfo describes the accepted connection a Handler is being created
// for.
type ConnInfo struct {
	Hostname     string
	SessionCount int64
	PeerAddress  string
}

// Factory creates one Handler per accepted connection. Serve calls it
// exactly once, before speaking to the client, so a Factory is free to do
// connection-scoped setup (e.g. open a per-connection log context).
type Factory func(ConnInfo) Handler

// InitResult is the outcome of Handler.Init.
type InitResult struct {
	// Stop, set true, rejects the connection outright: GoodbyeLine (or a
	// default) is sent as a 421 and the transport is closed without ever
	// reading a command.
	Stop        bool
	Reason      string
	GoodbyeLine string

	// BannerLine overrides the text of the initial 220 greeting. Empty
	// means the session's default "<hostname> ESMTP" banner.
	BannerLine string
}

// Reply is the generic accept/reject outcome most Handler callbacks
// return. Ok true means the session emits its own reply text for the
// command in question (for MAIL, RCPT, VRFY and verbs routed to
// HandleOther, Message, if set, overrides the canned text; HELO always
// answers with the hostname); Ok false means Code/Message is sent to the
// client verbatim.
type Reply struct {
	Ok      bool
	Code    int
	Message string
}

// OK is the zero-effort accept reply.
func OK() Reply { return Reply{Ok: true} }

// OKf accepts with custom reply text.
func OKf(format string, args ...interface{}) Reply {
	return Reply{Ok: true, Message: fmt.Sprintf(format, args...)}
}

// Err rejects with the given SMTP reply code and text.
func Err(code int, format string, args ...interface{}) Reply {
	return Reply{Code: code, Message: fmt.Sprintf(format, args...)}
}

// EHLOReply is the outcome of Handler.HandleEHLO.
type EHLOReply struct {
	Ok bool

	// Extensions, when Ok, is the complete set of extension lines ("NAME"
	// or "NAME detail") to advertise. The session's built-ins (SIZE,
	// 8BITMIME, PIPELINING, SMTPUTF8, ENHANCEDSTATUSCODES, and
	// STARTTLS/AUTH as applicable) are advertised only if they appear
	// here. A handler with nothing to add returns the builtinExtensions
	// slice it was passed, unmodified.
	Extensions []string

	Code    int
	Message string
}

// DataReply is the outcome of Handler.HandleDATA.
type DataReply struct {
	Ok bool

	// Reference, when Ok, is the queue/storage identifier echoed back to
	// the client in "250 queued as <reference>".
	Reference string

	Code    int
	Message string
}

// Handler is the application-supplied policy module the session delegates
// envelope decisions to. One Handler is created per connection (see
// Factory) and owns whatever per-session state it needs; the session
// engine never inspects that state, only calls these methods in the
// order HELO|EHLO -> [AUTH...] -> MAIL -> RCPT+ -> DATA.
type Handler interface {
	// Init is called once, before the greeting is written.
	Init(info ConnInfo) InitResult

	HandleHELO(hostname string) Reply
	HandleEHLO(hostname string, builtinExtensions []string) EHLOReply

	HandleMAIL(address string) Reply
	// HandleMAILExtension judges one MAIL FROM service extension token
	// the core doesn't itself understand (anything but SIZE=/BODY=).
	HandleMAILExtension(token string) bool

	HandleRCPT(address string) Reply
	// HandleRCPTExtension judges one RCPT TO service extension token.
	HandleRCPTExtension(token string) bool

	HandleDATA(from string, to []string, headers []bodyrecv.Header, body []byte) DataReply

	// HandleRSET notifies the handler that a client RSET is discarding
	// the envelope. The envelope and auth reset after a successful
	// STARTTLS does not call it. It has no reply of its own: RSET always
	// answers "250 Ok".
	HandleRSET()

	HandleVRFY(arg string) Reply

	// HandleAUTH judges one authentication attempt. mechanism is
	// "PLAIN", "LOGIN" or "CRAM-MD5"; cred carries whatever the
	// mechanism collected (see auth.Credential). A Handler with no
	// authentication of its own should simply always return false --
	// the session replies 535 either way, per spec section 4.5's "If
	// the application has not implemented the auth callback, fail with
	// 535."
	HandleAUTH(mechanism, username string, cred auth.Credential) bool

	// HandleOther answers any verb the session doesn't special-case,
	// including HELP: the teacher hardcodes a flavor-text HELP
	// responder, but nothing in the wire protocol requires the core to
	// special-case it, so it is routed here like any other verb.
	HandleOther(verb, arg string) Reply

	// Terminate is called exactly once, as the session is about to
	// release the transport, for any reason (QUIT, idle timeout,
	// transport error, or Init's Stop).
	Terminate(reason string)
}
