// Package config implements smtpsessd's YAML configuration, following the
// teacher's "defaults, then file, then command-line overrides" load order,
// but with a plain YAML document in place of a generated protobuf message.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/smtpsessd/smtpsessd/internal/log"
)

// Config is the daemon's runtime configuration.
type Config struct {
	ListenAddress       string `yaml:"listen_address"`
	Hostname            string `yaml:"hostname"`
	MaxMessageSizeBytes int64  `yaml:"max_message_size_bytes"`
	IdleTimeoutSeconds  int    `yaml:"idle_timeout_seconds"`
	TLSCertPath         string `yaml:"tls_cert_path"`
	TLSKeyPath          string `yaml:"tls_key_path"`
	HandlerModule       string `yaml:"handler_module"`
	MonitoringAddress   string `yaml:"monitoring_address"`
}

var defaultConfig = Config{
	ListenAddress:       "systemd",
	MaxMessageSizeBytes: 10485760,
	IdleTimeoutSeconds:  180,
}

// IdleTimeout returns IdleTimeoutSeconds as a time.Duration.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

// Load reads the config at path and applies overrides (a YAML document
// fragment, typically built from command-line flags) on top of it.
func Load(path, overrides string) (*Config, error) {
	c := defaultConfig

	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config at %q: %v", path, err)
	}

	fromFile := Config{}
	if err := yaml.Unmarshal(buf, &fromFile); err != nil {
		return nil, fmt.Errorf("parsing config: %v", err)
	}
	override(&c, &fromFile)

	if overrides != "" {
		fromOverrides := Config{}
		if err := yaml.Unmarshal([]byte(overrides), &fromOverrides); err != nil {
			return nil, fmt.Errorf("parsing override: %v", err)
		}
		override(&c, &fromOverrides)
	}

	if c.Hostname == "" {
		c.Hostname, err = os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("could not get hostname: %v", err)
		}
	}

	if c.MaxMessageSizeBytes <= 0 {
		return nil, fmt.Errorf("invalid max_message_size_bytes: %d", c.MaxMessageSizeBytes)
	}
	if c.IdleTimeoutSeconds <= 0 {
		return nil, fmt.Errorf("invalid idle_timeout_seconds: %d", c.IdleTimeoutSeconds)
	}

	return &c, nil
}

// override applies every non-zero field set in o onto c.
func override(c, o *Config) {
	if o.ListenAddress != "" {
		c.ListenAddress = o.ListenAddress
	}
	if o.Hostname != "" {
		c.Hostname = o.Hostname
	}
	if o.MaxMessageSizeBytes > 0 {
		c.MaxMessageSizeBytes = o.MaxMessageSizeBytes
	}
	if o.IdleTimeoutSeconds > 0 {
		c.IdleTimeoutSeconds = o.IdleTimeoutSeconds
	}
	if o.TLSCertPath != "" {
		c.TLSCertPath = o.TLSCertPath
	}
	if o.TLSKeyPath != "" {
		c.TLSKeyPath = o.TLSKeyPath
	}
	if o.HandlerModule != "" {
		c.HandlerModule = o.HandlerModule
	}
	if o.MonitoringAddress != "" {
		c.MonitoringAddress = o.MonitoringAddress
	}
}

// LogConfig logs the given configuration, in a human-friendly way.
func LogConfig(c *Config) {
	log.Infof("Configuration:")
	log.Infof("  Listen address: %q", c.ListenAddress)
	log.Infof("  Hostname: %q", c.Hostname)
	log.Infof("  Max message size (bytes): %d", c.MaxMessageSizeBytes)
	log.Infof("  Idle timeout: %s", c.IdleTimeout())
	log.Infof("  TLS cert/key: %q %q", c.TLSCertPath, c.TLSKeyPath)
	log.Infof("  Handler module: %q", c.HandlerModule)
	log.Infof("  Monitoring address: %q", c.MonitoringAddress)
}
