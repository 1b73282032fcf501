package auth

import (
	"encoding/base64"
	"math/rand"
	"testing"
	"time"
)

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func TestDecodePlain(t *testing.T) {
	cases := []struct {
		payload      string
		wantUser     string
		wantPassword string
		wantErr      bool
	}{
		{b64("user\x00secret"), "user", "secret", false},
		{b64("authz\x00user\x00secret"), "user", "secret", false},
		{b64("nosep"), "", "", true},
		{"not-base64!!", "", "", true},
	}

	for _, c := range cases {
		user, pass, err := DecodePlain(c.payload)
		if c.wantErr {
			if err == nil {
				t.Errorf("DecodePlain(%q): expected error", c.payload)
			}
			continue
		}
		if err != nil {
			t.Errorf("DecodePlain(%q): unexpected error: %v", c.payload, err)
			continue
		}
		if user != c.wantUser || pass != c.wantPassword {
			t.Errorf("DecodePlain(%q) = (%q, %q), want (%q, %q)", c.payload, user, pass, c.wantUser, c.wantPassword)
		}
	}
}

func TestLoginRoundTrip(t *testing.T) {
	prompt := EncodePrompt("Username:")
	if prompt != "VXNlcm5hbWU6" {
		t.Fatalf("EncodePrompt(Username:) = %q, want VXNlcm5hbWU6", prompt)
	}

	user, err := DecodeBase64Line(b64("alice"))
	if err != nil || user != "alice" {
		t.Fatalf("DecodeBase64Line = (%q, %v), want (alice, nil)", user, err)
	}
}

func TestCRAMMD5RoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	plain, encoded := NewCRAMChallenge(rng, "mail.example.com")

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || string(decoded) != plain {
		t.Fatalf("challenge encoding mismatch: %v %q vs %q", err, decoded, plain)
	}

	digest := ComputeCRAMDigest(plain, "hunter2")
	response := b64("alice " + digest)

	user, gotDigest, err := ParseCRAMResponse(response)
	if err != nil {
		t.Fatalf("ParseCRAMResponse: %v", err)
	}
	if user != "alice" || gotDigest != digest {
		t.Fatalf("ParseCRAMResponse = (%q, %q), want (alice, %q)", user, gotDigest, digest)
	}
}

func TestTimingSafeEnforcesFloor(t *testing.T) {
	start := time.Now()
	ok, err := TimingSafe(30*time.Millisecond, func() (bool, error) {
		return true, nil
	})
	elapsed := time.Since(start)

	if !ok || err != nil {
		t.Fatalf("TimingSafe returned (%v, %v)", ok, err)
	}
	if elapsed < 30*time.Millisecond {
		t.Fatalf("TimingSafe returned after %v, want >= 30ms", elapsed)
	}
}
