// Package bodyrecv implements the two-phase DATA body receiver: a headers
// phase that splits folded RFC 5322 header lines, followed by a body phase
// that dot-unstuffs the message and detects the terminating "\r\n.\r\n"
// sentinel while enforcing a running size cap across both phases.
//
// The sentinel/dot-unstuffing scanner is a byte-at-a-time state machine in
// the same style as a textproto dot reader: it tracks the last four bytes
// seen to recognize the sentinel split across arbitrarily small reads, and
// keeps consuming past the size cap rather than stopping early, so a
// too-large message can't desynchronize the command stream that follows.
package bodyrecv

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/smtpsessd/smtpsessd/internal/framer"
	"github.com/smtpsessd/smtpsessd/internal/tlsconst"
)

// ReceivedInfo carries the session facts needed to synthesize a Received
// trace header, independent of how the caller tracks session state.
type ReceivedInfo struct {
	RemoteAddr string
	EHLODomain string
	LocalHost  string
	IsESMTP    bool
	TLSActive  bool
	TLSVersion uint16
	TLSCipher  uint16
	Authed     bool
	MailFrom   string
}

// SynthesizeReceived builds an RFC 5321 section 4.4 style Received header
// value (without the leading "Received: ") describing how this message
// arrived.
func SynthesizeReceived(info ReceivedInfo) string {
	var v string

	if info.Authed {
		// Authenticated senders: show only the EHLO domain they gave,
		// explicitly hiding their network address.
		v += fmt.Sprintf("from %s\n", info.EHLODomain)
	} else {
		v += fmt.Sprintf("from [%s] (%s)\n", info.RemoteAddr, info.EHLODomain)
	}

	v += fmt.Sprintf("by %s ", info.LocalHost)

	with := "SMTP"
	if info.IsESMTP {
		with = "ESMTP"
	}
	if info.TLSActive {
		with += "S"
	}
	if info.Authed {
		with += "A"
	}
	v += fmt.Sprintf("with %s\n", with)

	if info.TLSActive {
		v += fmt.Sprintf("tls %s\n", tlsconst.CipherSuiteName(info.TLSCipher))
		v += fmt.Sprintf("(version=%s, ", tlsconst.VersionName(info.TLSVersion))
	} else {
		v += "(plain text, "
	}

	// Must NOT include the recipient list here; that would leak BCCs.
	v += fmt.Sprintf("envelope from %q)\n", info.MailFrom)

	// Per RFC 5322 section 3.6.7, the date goes last; ";" is mandatory.
	v += fmt.Sprintf("; %s", time.Now().Format(time.RFC1123Z))
	return v
}

// ErrTooLarge is returned when headers + body exceed the configured cap.
// The caller is expected to reply 552 and discard the envelope.
var ErrTooLarge = errors.New("message too large")

// ErrInvalidLineEnding is returned when the peer sends a bare CR or LF
// not part of a CRLF pair.
var ErrInvalidLineEnding = errors.New("invalid line ending")

// Header is one parsed header field; folded continuation lines are already
// joined into Value.
type Header struct {
	Name  string
	Value string
}

// Result is the outcome of a successful Receive.
type Result struct {
	Headers []Header
	Body    []byte
}

// Receive drives the headers phase followed by the body phase over fr,
// enforcing maxSize as the combined byte cap. On ErrTooLarge the caller
// should reply 552 and reset to command mode; Receive has already drained
// the remainder of the DATA dialog up to and including the sentinel, so the
// framer is correctly positioned at the next command either way.
func Receive(fr *framer.Framer, maxSize int64) (*Result, error) {
	var headers []Header
	var total int64

	for {
		line, err := fr.ReadLine(0)
		if err != nil {
			return nil, err
		}
		if !strings.HasSuffix(line, "\r\n") {
			return nil, ErrInvalidLineEnding
		}

		total += int64(len(line))
		if total > maxSize {
			if _, _, serr := scanBody(fr, []byte(line), maxSize); serr != nil && serr != ErrTooLarge {
				return nil, serr
			}
			return nil, ErrTooLarge
		}

		if line == "\r\n" {
			// Blank line: headers end, body begins fresh.
			body, _, err := scanBody(fr, nil, maxSize-total)
			if err != nil {
				return nil, err
			}
			return &Result{Headers: headers, Body: body}, nil
		}

		if line[0] == ' ' || line[0] == '\t' {
			if len(headers) == 0 {
				// No header to fold onto: treat as first body content.
				body, _, err := scanBody(fr, []byte(line), maxSize-total+int64(len(line)))
				if err != nil {
					return nil, err
				}
				return &Result{Headers: headers, Body: body}, nil
			}
			folded := strings.TrimRight(line, "\r\n")
			last := &headers[len(headers)-1]
			last.Value += " " + strings.TrimSpace(folded)
			continue
		}

		name, value, ok := splitHeaderLine(line)
		if !ok {
			body, _, err := scanBody(fr, []byte(line), maxSize-total+int64(len(line)))
			if err != nil {
				return nil, err
			}
			return &Result{Headers: headers, Body: body}, nil
		}
		headers = append(headers, Header{Name: name, Value: value})
	}
}

// splitHeaderLine splits line (including its trailing CRLF) at the first
// ':'. The name must be non-empty and made up only of printable bytes
// excluding ':' (33-126 minus ':'), per RFC 5322 field-name syntax.
func splitHeaderLine(line string) (name, value string, ok bool) {
	body := strings.TrimRight(line, "\r\n")
	i := strings.IndexByte(body, ':')
	if i <= 0 {
		return "", "", false
	}
	for j := 0; j < i; j++ {
		c := body[j]
		if c <= 32 || c >= 127 {
			return "", "", false
		}
	}
	return body[:i], strings.TrimSpace(body[i+1:]), true
}

// scanBody runs the dot-unstuffing, sentinel-detecting byte scanner over
// prefix (bytes already read off the wire, replayed through the same state
// machine from scratch) followed by fr. It returns the assembled body (dot
// byte stripped from each stuffed line), the number of raw bytes consumed,
// and ErrTooLarge if that count exceeds max -- in which case it still
// consumes through to the sentinel before returning, so the framer ends up
// correctly positioned at the next command.
func scanBody(fr *framer.Framer, prefix []byte, max int64) ([]byte, int64, error) {
	next := byteSource(prefix, fr)

	buf := make([]byte, 0, 1024)
	var n int64

	const (
		prevOther = iota
		prevCR
		prevCRLF
	)
	prev := prevCRLF
	last4 := make([]byte, 4)
	skip := false

loop:
	for {
		b, err := next()
		if err == io.EOF {
			return buf, n, io.ErrUnexpectedEOF
		} else if err != nil {
			return buf, n, err
		}
		n++

		switch b {
		case '\r':
			if prev == prevCR {
				return buf, n, ErrInvalidLineEnding
			}
			prev = prevCR
			skip = true
		case '\n':
			if prev != prevCR {
				return buf, n, ErrInvalidLineEnding
			}
			if string(last4) == "\r\n.\r" {
				break loop
			}
			if n == 3 && string(last4) == "\x00\x00.\r" {
				return []byte{}, n, nil
			}
			prev = prevCRLF
		default:
			if prev == prevCR {
				return buf, n, ErrInvalidLineEnding
			}
			if b == '.' && prev == prevCRLF {
				skip = true
			}
			prev = prevOther
		}

		copy(last4, last4[1:])
		last4[3] = b

		if int64(len(buf)) < max && !skip {
			buf = append(buf, b)
		}
		skip = false
	}

	if n > max {
		return buf, n, ErrTooLarge
	}
	return buf, n, nil
}

// byteSource returns a function that yields prefix's bytes first, then
// falls back to reading fresh bytes from fr.
func byteSource(prefix []byte, fr *framer.Framer) func() (byte, error) {
	i := 0
	return func() (byte, error) {
		if i < len(prefix) {
			b := prefix[i]
			i++
			return b, nil
		}
		return fr.ReadByte()
	}
}
