package session

import (
	"bufio"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/smtpsessd/smtpsessd/internal/address"
	"github.com/smtpsessd/smtpsessd/internal/auth"
	"github.com/smtpsessd/smtpsessd/internal/bodyrecv"
	"github.com/smtpsessd/smtpsessd/internal/capability"
	"github.com/smtpsessd/smtpsessd/internal/command"
	"github.com/smtpsessd/smtpsessd/internal/framer"
	"github.com/smtpsessd/smtpsessd/internal/metrics"
	"github.com/smtpsessd/smtpsessd/internal/trace"
)

// Defaults for Config fields left unset.
const (
	DefaultMaxMessageSize = 10485760
	DefaultIdleTimeout    = 180 * time.Second
)

// maxCommandLine is the RFC 5321 section 4.5.3.1.6 practical line length
// cap; a longer line gets a 554 reply and ends the session.
const maxCommandLine = 1000

// Config holds the per-listener settings a Session is built with.
type Config struct {
	// Hostname is the greeting name; also used as the default EHLO
	// response line and, if the client never sets one via SNI, the name
	// this session presents as.
	Hostname string

	// MaxMessageSize is the effective SIZE cap, in bytes, applied across
	// the headers and body of a single message.
	MaxMessageSize int64

	// IdleTimeout bounds how long the session will wait for a line from
	// the client before giving up with 421.
	IdleTimeout time.Duration

	// TLSConfig, if non-nil, enables STARTTLS (and, once negotiated,
	// AUTH). A nil TLSConfig means the session never offers STARTTLS and
	// AUTH always replies 503.
	TLSConfig *tls.Config
}

func (c Config) withDefaults() Config {
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	return c
}

// Session drives one client conversation: command parsing, envelope
// state, STARTTLS and AUTH, and DATA ingestion, over a single net.Conn.
type Session struct {
	cfg     Config
	factory Factory
	handler Handler

	conn net.Conn
	fr   *framer.Framer
	bw   *bufio.Writer
	tr   *trace.Trace
	rng  *rand.Rand

	remoteAddr string

	caps      *capability.Registry
	tlsActive bool
	tlsState  *tls.ConnectionState

	ehloDomain string
	isESMTP    bool

	mailSet  bool
	mailFrom string
	rcptTo   []string

	completedAuth bool
	authUser      string
}

// New wraps conn in a Session that will, once Serve is called, instantiate
// one Handler (via factory) and drive the SMTP conversation to completion.
func New(conn net.Conn, cfg Config, factory Factory) *Session {
	return &Session{
		cfg:        cfg.withDefaults(),
		factory:    factory,
		conn:       conn,
		fr:         framer.New(conn),
		bw:         bufio.NewWriter(conn),
		remoteAddr: conn.RemoteAddr().String(),
	}
}

// Serve runs the session to completion: greeting, command loop, and
// cleanup. It always closes the underlying transport before returning.
// sessionCount is an ever-increasing per-process connection counter, used
// both as ConnInfo.SessionCount and to seed this session's CRAM-MD5
// challenge randomness.
func (s *Session) Serve(sessionCount int64) {
	defer s.conn.Close()

	s.tr = trace.New("SMTP.Conn", s.remoteAddr)
	defer s.tr.Finish()
	s.rng = auth.NewChallengeRand(sessionCount)

	info := ConnInfo{
		Hostname:     s.cfg.Hostname,
		SessionCount: sessionCount,
		PeerAddress:  s.remoteAddr,
	}
	s.handler = s.factory(info)
	metrics.SessionCount.Inc()

	s.conn.SetDeadline(time.Now().Add(s.cfg.IdleTimeout))

	init := s.handler.Init(info)
	if init.Stop {
		goodbye := init.GoodbyeLine
		if goodbye == "" {
			goodbye = "Service not available"
		}
		s.tr.Errorf("handler refused connection: %s", init.Reason)
		s.writeResponse(421, goodbye)
		s.handler.Terminate(init.Reason)
		return
	}

	reason := "unknown"
	defer func() { s.handler.Terminate(reason) }()

	banner := init.BannerLine
	if banner == "" {
		banner = s.cfg.Hostname + " ESMTP"
	}
	if err := s.writeResponse(220, banner); err != nil {
		reason = fmt.Sprintf("error writing greeting: %v", err)
		return
	}

	s.caps = capability.New()

	errCount := 0
loop:
	for {
		s.conn.SetDeadline(time.Now().Add(s.cfg.IdleTimeout))

		line, err := s.fr.ReadLine(0)
		if err != nil {
			reason = s.describeReadErr(err)
			if isTimeoutErr(err) {
				s.writeResponse(421, "Error: timeout exceeded")
			}
			break
		}

		trimmed := strings.TrimRight(line, "\r\n")
		if len(trimmed) > maxCommandLine {
			s.writeResponse(554, "Error: line too long")
			reason = "line too long"
			break
		}

		p := command.Parse(trimmed)
		if p.Verb == "AUTH" {
			s.tr.Debugf("-> AUTH <redacted>")
		} else {
			s.tr.Debugf("-> %s %s", p.Verb, p.Arg)
		}
		metrics.CommandCount.WithLabelValues(verbLabel(p.Verb)).Inc()

		if p.Verb == "QUIT" {
			s.writeResponse(221, "Bye")
			reason = "quit"
			break loop
		}
		if s.rejectForeignProtocol(p.Verb) {
			reason = "cross-protocol probe"
			break loop
		}

		code, msg := s.dispatch(p)
		if code == 0 {
			// STARTTLS success: the 220 ack and the handshake already
			// happened; there is nothing further to write.
			continue
		}

		s.tr.Debugf("<- %d %s", code, msg)
		if code >= 400 {
			s.tr.Errorf("%s failed: %d %s", p.Verb, code, msg)

			// Close the connection after 3 consecutive errors. This
			// helps deter cross-protocol and credential-stuffing probes.
			// https://tools.ietf.org/html/rfc5321#section-4.3.2
			errCount++
			if errCount >= 3 {
				metrics.LoopsDetected.WithLabelValues("too_many_errors").Inc()
				s.writeResponse(421, "Too many errors, bye")
				reason = "too many errors"
				break
			}
		} else {
			errCount = 0
		}

		if err := s.writeResponse(code, msg); err != nil {
			reason = fmt.Sprintf("write error: %v", err)
			break
		}
	}
}

func (s *Session) describeReadErr(err error) string {
	if errors.Is(err, io.EOF) {
		return "client closed the connection"
	}
	if isTimeoutErr(err) {
		return "idle timeout"
	}
	return fmt.Sprintf("read error: %v", err)
}

func isTimeoutErr(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// rejectForeignProtocol detects the opening verb of an HTTP request
// (GET/POST/CONNECT) arriving on what's supposed to be an SMTP socket --
// the signature of a cross-protocol smuggling probe, such as the ALPACA
// attack (https://alpaca-attack.com/) -- and closes the connection if so.
func (s *Session) rejectForeignProtocol(verb string) bool {
	switch verb {
	case "GET", "POST", "CONNECT":
		metrics.LoopsDetected.WithLabelValues("cross_protocol").Inc()
		s.tr.Errorf("cross-protocol probe, closing connection")
		s.writeResponse(502, "Command not recognized")
		return true
	default:
		return false
	}
}

// dispatch runs one parsed command and returns its reply. A code of 0
// means "no reply": only STARTTLS uses this, since its 220 ack is written
// before the handshake and nothing follows it on success.
func (s *Session) dispatch(p command.Parsed) (int, string) {
	switch p.Verb {
	case "HELO":
		return s.cmdHELO(p.Arg)
	case "EHLO":
		return s.cmdEHLO(p.Arg)
	case "HELP":
		r := s.handler.HandleOther(p.Verb, p.Arg)
		return replyOr(r, 500, "Command unrecognized")
	case "NOOP":
		return 250, "Ok"
	case "RSET":
		return s.cmdRSET()
	case "VRFY":
		return s.cmdVRFY(p.Arg)
	case "MAIL":
		return s.cmdMAIL(p.Arg)
	case "RCPT":
		return s.cmdRCPT(p.Arg)
	case "DATA":
		return s.cmdDATA()
	case "STARTTLS":
		return s.cmdSTARTTLS(p.Arg)
	case "AUTH":
		return s.cmdAUTH(p.Arg)
	default:
		r := s.handler.HandleOther(p.Verb, p.Arg)
		return replyOr(r, 500, "Command unrecognized")
	}
}

// replyOr turns a generic Reply into (code, msg), using defaultCode when
// the handler rejected without setting one.
func replyOr(r Reply, defaultCode int, defaultMsg string) (int, string) {
	if r.Ok {
		if r.Message != "" {
			return 250, r.Message
		}
		return 250, defaultMsg
	}
	code := r.Code
	if code == 0 {
		code = defaultCode
	}
	msg := r.Message
	if msg == "" {
		msg = defaultMsg
	}
	return code, msg
}

func (s *Session) cmdHELO(arg string) (int, string) {
	host := strings.TrimSpace(arg)
	if host == "" {
		return 501, "Syntax: HELO hostname"
	}

	r := s.handler.HandleHELO(host)
	if !r.Ok {
		return errCode(r, 550), r.Message
	}

	s.ehloDomain = host
	s.isESMTP = false
	return 250, s.cfg.Hostname
}

func (s *Session) cmdEHLO(arg string) (int, string) {
	host := strings.TrimSpace(arg)
	if host == "" {
		return 501, "Syntax: EHLO hostname"
	}

	builtin := s.builtinExtensions()
	r := s.handler.HandleEHLO(host, builtin)
	if !r.Ok {
		return orCode(r.Code, 550), r.Message
	}

	s.ehloDomain = host
	s.isESMTP = true

	s.caps = capability.New()
	for _, line := range r.Extensions {
		name, detail := splitCapLine(line)
		s.caps.Add(name, detail)
	}

	lines := append([]string{s.cfg.Hostname}, s.caps.Lines()...)
	return 250, strings.Join(lines, "\n")
}

// builtinExtensions is the capability set offered to Handler.HandleEHLO,
// before the handler adds anything of its own: 8BITMIME, PIPELINING,
// SMTPUTF8, ENHANCEDSTATUSCODES and SIZE unconditionally, plus STARTTLS
// (pre-TLS) or AUTH (post-TLS) when a TLSConfig is configured at all.
func (s *Session) builtinExtensions() []string {
	ext := []string{
		"8BITMIME",
		"PIPELINING",
		"SMTPUTF8",
		"ENHANCEDSTATUSCODES",
		fmt.Sprintf("SIZE %d", s.cfg.MaxMessageSize),
	}
	if s.cfg.TLSConfig != nil {
		if s.tlsActive {
			ext = append(ext, "AUTH PLAIN LOGIN CRAM-MD5")
		} else {
			ext = append(ext, "STARTTLS")
		}
	}
	return ext
}

func splitCapLine(line string) (name, detail string) {
	if i := strings.IndexByte(line, ' '); i != -1 {
		return line[:i], line[i+1:]
	}
	return line, ""
}

func (s *Session) cmdRSET() (int, string) {
	s.handler.HandleRSET()
	s.resetEnvelope()
	return 250, "Ok"
}

func (s *Session) resetEnvelope() {
	s.mailSet = false
	s.mailFrom = ""
	s.rcptTo = nil
}

func (s *Session) cmdVRFY(arg string) (int, string) {
	r := s.handler.HandleVRFY(arg)
	if r.Ok {
		msg := r.Message
		if msg == "" {
			msg = "Ok"
		}
		return 250, msg
	}
	return errCode(r, 502), orDefault(r.Message, "Command not implemented")
}

func errCode(r Reply, def int) int {
	if r.Code != 0 {
		return r.Code
	}
	return def
}

func orCode(code, def int) int {
	if code != 0 {
		return code
	}
	return def
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// cmdMAIL handles "MAIL FROM:<addr> [opts]".
func (s *Session) cmdMAIL(arg string) (int, string) {
	if s.ehloDomain == "" {
		return 503, "Error: send HELO/EHLO first"
	}
	if s.mailSet {
		return 503, "Error: Nested MAIL command"
	}
	if !strings.HasPrefix(strings.ToUpper(arg), "FROM:") {
		return 501, "Syntax: MAIL FROM:<address>"
	}

	rest := strings.TrimSpace(arg[len("FROM:"):])
	addr, extArg, err := address.Parse(rest)
	if err != nil {
		return 501, "Bad sender address syntax"
	}

	if code, msg, ok := s.checkMailExtensions(extArg); !ok {
		return code, msg
	}

	r := s.handler.HandleMAIL(addr)
	if !r.Ok {
		return errCode(r, 550), r.Message
	}

	s.mailFrom = addr
	s.mailSet = true
	return 250, orDefault(r.Message, "sender Ok")
}

// checkMailExtensions tokenizes the MAIL FROM service-extension remainder
// on whitespace and uppercases each token, per spec: SIZE=n is checked
// against the effective cap, BODY=... requires 8BITMIME in the currently
// advertised extension set (empty after HELO, or after STARTTLS until the
// next EHLO), and anything else is probed through
// Handler.HandleMAILExtension.
func (s *Session) checkMailExtensions(rest string) (code int, msg string, ok bool) {
	for _, tok := range strings.Fields(rest) {
		upper := strings.ToUpper(tok)
		switch {
		case strings.HasPrefix(upper, "SIZE="):
			n, err := strconv.ParseInt(upper[len("SIZE="):], 10, 64)
			if err != nil {
				return 501, "Syntax error in SIZE parameter", false
			}
			if n > s.cfg.MaxMessageSize {
				return 552, fmt.Sprintf(
					"Estimated message length %d exceeds limit of %d",
					n, s.cfg.MaxMessageSize), false
			}
		case strings.HasPrefix(upper, "BODY="):
			if !s.caps.Has("8BITMIME") {
				return 555, "Unsupported option BODY", false
			}
		default:
			if !s.handler.HandleMAILExtension(tok) {
				return 555, "Unsupported option: " + tok, false
			}
		}
	}
	return 0, "", true
}

// cmdRCPT handles "RCPT TO:<addr> [opts]".
func (s *Session) cmdRCPT(arg string) (int, string) {
	if !s.mailSet {
		return 503, "Error: need MAIL command"
	}
	if !strings.HasPrefix(strings.ToUpper(arg), "TO:") {
		return 501, "Syntax: RCPT TO:<address>"
	}

	rest := strings.TrimSpace(arg[len("TO:"):])
	addr, extArg, err := address.Parse(rest)
	if err != nil || addr == "" {
		return 501, "Bad recipient address syntax"
	}

	for _, tok := range strings.Fields(extArg) {
		if !s.handler.HandleRCPTExtension(tok) {
			return 555, "Unsupported option: " + tok
		}
	}

	r := s.handler.HandleRCPT(addr)
	if !r.Ok {
		return errCode(r, 550), r.Message
	}

	s.rcptTo = append(s.rcptTo, addr)
	return 250, orDefault(r.Message, "recipient Ok")
}

// bodyResult is the single completion message the DATA worker sends back;
// trailing is kept for parity with the worker's conceptual contract
// (spec.md section 9's "(body_bytes, trailing_bytes)" pair) even though
// this framer implementation already buffers anything past the sentinel
// for the next ReadLine, so trailing is always empty here.
type bodyResult struct {
	res      *bodyrecv.Result
	trailing []byte
	err      error
}

func (s *Session) receiveBody() (*bodyrecv.Result, error) {
	ch := make(chan bodyResult, 1)
	go func() {
		res, err := bodyrecv.Receive(s.fr, s.cfg.MaxMessageSize)
		ch <- bodyResult{res: res, err: err}
	}()

	// The session processes no new commands until this single message
	// arrives; that is the entire extent of its concurrency.
	r := <-ch
	return r.res, r.err
}

func (s *Session) cmdDATA() (int, string) {
	if s.ehloDomain == "" {
		return 503, "Error: send HELO/EHLO first"
	}
	if !s.mailSet {
		return 503, "Error: need MAIL command"
	}
	if len(s.rcptTo) == 0 {
		return 503, "Error: need RCPT command"
	}

	if err := s.writeResponse(354, "enter mail, end with line containing only '.'"); err != nil {
		return 554, fmt.Sprintf("Error writing DATA response: %v", err)
	}

	// Extend the deadline to cover the whole transfer: the per-command
	// timeout shouldn't interfere with a large upload.
	s.conn.SetDeadline(time.Now().Add(s.cfg.IdleTimeout))

	result, err := s.receiveBody()
	if err != nil {
		if errors.Is(err, bodyrecv.ErrTooLarge) {
			s.resetEnvelope()
			return 552, "Message too large"
		}
		return 554, fmt.Sprintf("Error reading DATA: %v", err)
	}

	reply := s.handler.HandleDATA(s.mailFrom, s.rcptTo, result.Headers, result.Body)
	s.resetEnvelope()

	if !reply.Ok {
		return orCode(reply.Code, 554), reply.Message
	}
	return 250, "queued as " + reply.Reference
}

func (s *Session) cmdSTARTTLS(arg string) (int, string) {
	if strings.TrimSpace(arg) != "" {
		return 501, "Syntax error (no parameters allowed)"
	}
	if s.tlsActive {
		return 500, "TLS already negotiated"
	}
	if s.cfg.TLSConfig == nil {
		return 454, "TLS not available"
	}

	if err := s.writeResponse(220, "Ready to start TLS"); err != nil {
		return 554, fmt.Sprintf("Error writing STARTTLS response: %v", err)
	}

	tlsConn := tls.Server(s.conn, s.cfg.TLSConfig)
	if err := tlsConn.Handshake(); err != nil {
		metrics.TLSCount.WithLabelValues("failure").Inc()
		return 454, fmt.Sprintf("TLS negotiation failed: %v", err)
	}

	s.conn = tlsConn
	s.fr.Reset(tlsConn)
	s.bw = bufio.NewWriter(tlsConn)

	state := tlsConn.ConnectionState()
	s.tlsState = &state
	s.tlsActive = true
	if name := state.ServerName; name != "" {
		s.cfg.Hostname = name
	}

	// Clients must start over after switching to TLS: envelope, auth and
	// the extension list (STARTTLS drops out, AUTH becomes available) all
	// reset.
	s.resetEnvelope()
	s.completedAuth = false
	s.authUser = ""
	s.caps = capability.New()

	metrics.TLSCount.WithLabelValues("success").Inc()
	return 0, ""
}

func (s *Session) readContinuation() (string, error) {
	line, err := s.fr.ReadLine(s.cfg.IdleTimeout)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// cmdAUTH drives one AUTH exchange for PLAIN, LOGIN or CRAM-MD5, then asks
// the handler to judge the collected (username, credential) pair.
func (s *Session) cmdAUTH(arg string) (int, string) {
	if s.ehloDomain == "" {
		return 503, "Error: send EHLO first"
	}
	if !s.tlsActive {
		return 503, "Error: must issue STARTTLS first"
	}
	if s.completedAuth {
		// https://tools.ietf.org/html/rfc4954#section-4
		return 503, "Error: already authenticated"
	}

	sp := strings.SplitN(arg, " ", 2)
	mech := strings.ToUpper(sp[0])

	var user string
	var cred auth.Credential

	switch mech {
	case "PLAIN":
		response := ""
		if len(sp) == 2 {
			response = sp[1]
		} else {
			if err := s.writeResponse(334, ""); err != nil {
				return 554, fmt.Sprintf("Error writing AUTH prompt: %v", err)
			}
			line, err := s.readContinuation()
			if err != nil {
				return 554, fmt.Sprintf("Error reading AUTH response: %v", err)
			}
			response = line
		}

		u, pass, err := auth.DecodePlain(response)
		if err != nil {
			// Malformed payload: a soft failure, not a protocol error.
			metrics.AuthCount.WithLabelValues(mech, "failure").Inc()
			return 535, "Authentication failed."
		}
		user, cred = u, auth.Credential{Password: pass}

	case "LOGIN":
		if err := s.writeResponse(334, auth.EncodePrompt("Username:")); err != nil {
			return 554, fmt.Sprintf("Error writing AUTH prompt: %v", err)
		}
		userLine, err := s.readContinuation()
		if err != nil {
			return 554, fmt.Sprintf("Error reading AUTH username: %v", err)
		}
		decodedUser, err := auth.DecodeBase64Line(userLine)
		if err != nil {
			return 501, fmt.Sprintf("Error decoding AUTH response: %v", err)
		}

		if err := s.writeResponse(334, auth.EncodePrompt("Password:")); err != nil {
			return 554, fmt.Sprintf("Error writing AUTH prompt: %v", err)
		}
		passLine, err := s.readContinuation()
		if err != nil {
			return 554, fmt.Sprintf("Error reading AUTH password: %v", err)
		}
		pass, err := auth.DecodeBase64Line(passLine)
		if err != nil {
			return 501, fmt.Sprintf("Error decoding AUTH response: %v", err)
		}

		user = auth.NormalizeUser(decodedUser)
		cred = auth.Credential{Password: pass}

	case "CRAM-MD5":
		challenge, encoded := auth.NewCRAMChallenge(s.rng, s.cfg.Hostname)
		if err := s.writeResponse(334, encoded); err != nil {
			return 554, fmt.Sprintf("Error writing AUTH challenge: %v", err)
		}
		line, err := s.readContinuation()
		if err != nil {
			return 554, fmt.Sprintf("Error reading AUTH response: %v", err)
		}
		u, digest, err := auth.ParseCRAMResponse(line)
		if err != nil {
			return 501, fmt.Sprintf("Error decoding AUTH response: %v", err)
		}
		user = u
		cred = auth.Credential{Challenge: challenge, Digest: digest}

	default:
		return 504, "Unrecognized authentication type"
	}

	ok, _ := auth.TimingSafe(100*time.Millisecond, func() (bool, error) {
		return s.handler.HandleAUTH(mech, user, cred), nil
	})
	if ok {
		s.completedAuth = true
		s.authUser = user
		metrics.AuthCount.WithLabelValues(mech, "success").Inc()
		return 235, "Authentication successful."
	}

	metrics.AuthCount.WithLabelValues(mech, "failure").Inc()
	return 535, "Authentication failed."
}

var knownVerbs = map[string]bool{
	"HELO": true, "EHLO": true, "MAIL": true, "RCPT": true, "DATA": true,
	"RSET": true, "NOOP": true, "VRFY": true, "STARTTLS": true, "AUTH": true,
	"QUIT": true, "HELP": true,
}

// verbLabel bounds the command-count metric's cardinality: anything the
// core doesn't recognize as a verb of its own is folded into "OTHER"
// rather than creating a label per garbage input.
func verbLabel(verb string) string {
	if knownVerbs[verb] {
		return verb
	}
	return "OTHER"
}

// writeResponse writes a (possibly multi-line) SMTP reply and flushes it.
// This is the writing counterpart of textproto.Reader.ReadResponse: all
// but the last line of msg use "<code>-text", the last uses "<code> text".
func (s *Session) writeResponse(code int, msg string) error {
	defer s.bw.Flush()
	metrics.ResponseCodeCount.WithLabelValues(strconv.Itoa(code)).Inc()

	lines := strings.Split(msg, "\n")
	for i := 0; i < len(lines)-1; i++ {
		if _, err := fmt.Fprintf(s.bw, "%d-%s\r\n", code, lines[i]); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(s.bw, "%d %s\r\n", code, lines[len(lines)-1])
	return err
}
