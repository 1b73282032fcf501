package address

import "testing"

// FuzzParse just checks that Parse never panics, on arbitrary input.
func FuzzParse(f *testing.F) {
	seeds := []string{
		"<>",
		"<user@domain.com>",
		"<@route:user@domain.com>",
		`<"quoted local"@domain.com>`,
		"bareword@domain.com SIZE=10",
		"<unterminated",
	}
	for _, s := range seeds {
		f.Add(s)
	}

	f.Fuzz(func(t *testing.T, in string) {
		_, _, _ = Parse(in)
	})
}
