package tlsconst

import (
	"crypto/tls"
	"testing"
)

func TestVersionName(t *testing.T) {
	cases := []struct {
		ver      uint16
		expected string
	}{
		{0x0302, "TLS-1.1"},
		{0x0304, "TLS-1.3"},
		{0x1234, "TLS-0x1234"},
	}
	for _, c := range cases {
		got := VersionName(c.ver)
		if got != c.expected {
			t.Errorf("VersionName(%x) = %q, expected %q",
				c.ver, got, c.expected)
		}
	}
}

func TestCipherSuiteName(t *testing.T) {
	// Delegates to crypto/tls, so just check it recognizes a suite we know
	// the runtime supports, and doesn't return an empty string for an
	// unknown one.
	if got := CipherSuiteName(tls.TLS_AES_128_GCM_SHA256); got == "" {
		t.Errorf("CipherSuiteName(TLS_AES_128_GCM_SHA256) returned empty string")
	}
	if got := CipherSuiteName(0x1234); got == "" {
		t.Errorf("CipherSuiteName(0x1234) returned empty string")
	}
}
