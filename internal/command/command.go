// Package command implements the minimal SMTP command-line parser: splitting
// one input line into an uppercased verb and its argument remainder.
//
// This deliberately does not attempt the richer colon/address parsing that
// MAIL FROM and RCPT TO need -- that lives in internal/address, since the
// grammar around "FROM:<...>" is a different beast from a plain verb line.
package command

import "strings"

// Parsed is the result of splitting one command line.
type Parsed struct {
	Verb string
	Arg  string
}

// Parse splits a line (with the trailing CRLF already stripped) into a verb
// and an argument.
//
// The verb is the leading whitespace-delimited token, uppercased. The
// argument is everything after it, with leading spaces trimmed, case
// preserved. An empty (or all-whitespace) line yields a zero Parsed.
//
// QUIT and DATA are recognized specifically even with no trailing space;
// any other bare single-token input is returned as the verb with an empty
// argument, so that callers in the middle of an AUTH exchange can treat it
// as an opaque base64 continuation line instead of an unrecognized verb.
func Parse(line string) Parsed {
	line = strings.Trim(line, " \t")
	if line == "" {
		return Parsed{}
	}

	i := strings.IndexAny(line, " \t")
	if i == -1 {
		// A bare single token. QUIT and DATA are recognized regardless of
		// case, as real verbs. Anything else is handed back verbatim --
		// case and all -- since the session may be mid-AUTH and expecting
		// a base64 continuation line, which is case sensitive.
		switch strings.ToUpper(line) {
		case "QUIT", "DATA":
			return Parsed{Verb: strings.ToUpper(line)}
		default:
			return Parsed{Verb: line}
		}
	}

	verb := strings.ToUpper(line[:i])
	arg := strings.TrimLeft(line[i+1:], " \t")
	return Parsed{Verb: verb, Arg: arg}
}
