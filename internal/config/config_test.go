package config

import (
	"io"
	"io/ioutil"
	"os"
	"testing"

	"github.com/smtpsessd/smtpsessd/internal/log"
	"github.com/smtpsessd/smtpsessd/internal/testlib"
)

func mustCreateConfig(t *testing.T, contents string) (string, string) {
	tmpDir := testlib.MustTempDir(t)
	err := ioutil.WriteFile(tmpDir+"/smtpsessd.yaml", []byte(contents), 0600)
	if err != nil {
		t.Fatalf("Failed to write tmp config: %v", err)
	}

	return tmpDir, tmpDir + "/smtpsessd.yaml"
}

func TestEmptyConfig(t *testing.T) {
	tmpDir, path := mustCreateConfig(t, "")
	defer testlib.RemoveIfOk(t, tmpDir)
	c, err := Load(path, "")
	if err != nil {
		t.Fatalf("error loading empty config: %v", err)
	}

	hostname, _ := os.Hostname()
	if c.Hostname == "" || c.Hostname != hostname {
		t.Errorf("invalid hostname %q, should be: %q", c.Hostname, hostname)
	}
	if c.MaxMessageSizeBytes != 10485760 {
		t.Errorf("max message size != 10485760: %d", c.MaxMessageSizeBytes)
	}
	if c.IdleTimeoutSeconds != 180 {
		t.Errorf("idle timeout != 180: %d", c.IdleTimeoutSeconds)
	}
	if c.ListenAddress != "systemd" {
		t.Errorf("unexpected listen address default: %q", c.ListenAddress)
	}

	testLogConfig(c)
}

func TestFullConfig(t *testing.T) {
	confStr := `
listen_address: ":1234"
hostname: "joust"
max_message_size_bytes: 2048
idle_timeout_seconds: 30
tls_cert_path: "/etc/smtpsessd/cert.pem"
tls_key_path: "/etc/smtpsessd/key.pem"
handler_module: "example"
`
	tmpDir, path := mustCreateConfig(t, confStr)
	defer testlib.RemoveIfOk(t, tmpDir)

	c, err := Load(path, "")
	if err != nil {
		t.Fatalf("error loading config: %v", err)
	}

	if c.Hostname != "joust" {
		t.Errorf("hostname %q != 'joust'", c.Hostname)
	}
	if c.ListenAddress != ":1234" {
		t.Errorf("listen address %q != ':1234'", c.ListenAddress)
	}
	if c.MaxMessageSizeBytes != 2048 {
		t.Errorf("max message size != 2048: %d", c.MaxMessageSizeBytes)
	}
	if c.IdleTimeoutSeconds != 30 {
		t.Errorf("idle timeout != 30: %d", c.IdleTimeoutSeconds)
	}
	if c.TLSCertPath != "/etc/smtpsessd/cert.pem" {
		t.Errorf("unexpected tls cert path: %q", c.TLSCertPath)
	}

	testLogConfig(c)
}

func TestOverrides(t *testing.T) {
	tmpDir, path := mustCreateConfig(t, `hostname: "filehost"`)
	defer testlib.RemoveIfOk(t, tmpDir)

	c, err := Load(path, `hostname: "overridehost"`)
	if err != nil {
		t.Fatalf("error loading config: %v", err)
	}
	if c.Hostname != "overridehost" {
		t.Errorf("hostname %q != 'overridehost'", c.Hostname)
	}
}

func TestErrorLoading(t *testing.T) {
	c, err := Load("/does/not/exist", "")
	if err == nil {
		t.Fatalf("loaded a non-existent config: %v", c)
	}
}

func TestBrokenConfig(t *testing.T) {
	tmpDir, path := mustCreateConfig(t, "not: [valid: yaml")
	defer testlib.RemoveIfOk(t, tmpDir)

	c, err := Load(path, "")
	if err == nil {
		t.Fatalf("loaded an invalid config: %v", c)
	}
}

// Run LogConfig, overriding the default logger first. This exercises the
// code; we don't validate output, just that it doesn't panic.
func testLogConfig(c *Config) {
	l := log.New(nopWCloser{ioutil.Discard})
	log.Default = l
	LogConfig(c)
}

type nopWCloser struct {
	io.Writer
}

func (nopWCloser) Close() error { return nil }
