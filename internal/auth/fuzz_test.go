package auth

import "testing"

// FuzzDecodePlain checks that a malformed PLAIN payload is rejected
// cleanly rather than panicking, matching the "soft error that silently
// resets auth" behavior the session relies on.
func FuzzDecodePlain(f *testing.F) {
	seeds := []string{
		b64("user\x00secret"),
		b64("authz\x00user\x00secret"),
		b64(""),
		b64("\x00\x00"),
		"not-base64",
	}
	for _, s := range seeds {
		f.Add(s)
	}

	f.Fuzz(func(t *testing.T, in string) {
		_, _, _ = DecodePlain(in)
	})
}

// FuzzParseCRAMResponse checks that an arbitrary CRAM-MD5 response line
// never panics the parser.
func FuzzParseCRAMResponse(f *testing.F) {
	seeds := []string{
		b64("alice d41d8cd98f00b204e9800998ecf8427e"),
		b64("no-space-here"),
		b64(""),
		"not-base64",
	}
	for _, s := range seeds {
		f.Add(s)
	}

	f.Fuzz(func(t *testing.T, in string) {
		_, _, _ = ParseCRAMResponse(in)
	})
}
