package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
user:
  public_uri: "sip:+79001234567@ims.example.com"
  private_id: "250011234567890@ims.example.com"
  password: "secret"
  realm: "ims.example.com"
  home_domain: "ims.example.com"
networks:
  mobile:
    proxy_addr: "pcscf.ims.example.com"
    protocol: "udp"
    auth_mode: "DIGEST"
  wifi:
    proxy_addr: "192.0.2.10"
    proxy_port: 5060
    protocol: "tcp"
default_network: "wifi"
registration:
  expires: 600000
  retry_base: 10s
  retry_max: 5m
services:
  ip_call:
    enabled: false
  instant_messaging:
    enabled: true
    max_sessions: 4
  features:
    - "+g.oma.sip-im"
log:
  level: "debug"
  format: "json"
storage:
  path: ":memory:"
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(validYAML))
	require.NoError(t, err)

	assert.Equal(t, "sip:+79001234567@ims.example.com", cfg.User.PublicURI)
	assert.Equal(t, "wifi", cfg.DefaultNetwork)
	require.NotNil(t, cfg.Networks.WiFi)
	assert.Equal(t, 5060, cfg.Networks.WiFi.ProxyPort)
	assert.Equal(t, 600000, cfg.Registration.Expires)
	assert.Equal(t, 10*time.Second, cfg.Registration.RetryBase)
	assert.Equal(t, 5*time.Minute, cfg.Registration.RetryMax)
	assert.False(t, cfg.Services.IPCall.Enabled)
	assert.Equal(t, 4, cfg.Services.InstantMessaging.MaxSessions)
	assert.Equal(t, []string{"+g.oma.sip-im"}, cfg.Services.Features)

	// значения по умолчанию сохраняются для незаданных полей
	assert.Equal(t, 30*time.Second, cfg.Registration.TransactionTimeout)
	assert.True(t, cfg.Registration.GRUU)
	assert.True(t, cfg.Services.Presence.Enabled)
	assert.Equal(t, "127.0.0.1:9180", cfg.Metrics.Listen)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ims.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ims.example.com", cfg.User.HomeDomain)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(c *Config)
		errorMsg string
	}{
		{"empty public uri", func(c *Config) { c.User.PublicURI = "" }, "user.public_uri"},
		{"no networks", func(c *Config) { c.Networks = NetworksConfig{} }, "at least one network"},
		{"default network without profile", func(c *Config) { c.DefaultNetwork = "wifi" }, "default_network wifi"},
		{"unknown default network", func(c *Config) { c.DefaultNetwork = "lte" }, "invalid default_network"},
		{"bad protocol", func(c *Config) { c.Networks.Mobile.Protocol = "sctp" }, "invalid protocol"},
		{"bad auth mode", func(c *Config) { c.Networks.Mobile.AuthMode = "AKA" }, "invalid auth_mode"},
		{"retry base above max", func(c *Config) { c.Registration.RetryBase = time.Hour }, "retry_base"},
		{"negative capacity", func(c *Config) { c.Services.FileTransfer.MaxSessions = -1 }, "file_transfer.max_sessions"},
		{"bad metrics listen", func(c *Config) { c.Metrics.Listen = "9180" }, "metrics.listen"},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }, "invalid log.level"},
		{"bad dscp", func(c *Config) { c.Transport.DSCP = 64 }, "transport.dscp"},
		{"empty storage", func(c *Config) { c.Storage.Path = " " }, "storage.path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.User.PublicURI = "sip:alice@ims.example.com"
			cfg.User.HomeDomain = "ims.example.com"
			cfg.Networks.Mobile = &NetworkConfig{ProxyAddr: "pcscf.ims.example.com"}
			require.NoError(t, cfg.Validate())

			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errorMsg)
		})
	}
}

func TestParseRejectsInvalidYAML(t *testing.T) {
	_, err := Parse([]byte("user: [unclosed"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config")
}
