package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, TypeAgent, cfg.Node.Type)
	assert.Equal(t, 60*time.Second, cfg.Transport.RetryDelay)
	assert.NotEmpty(t, cfg.DefaultServices())
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pzone.yaml")
	yaml := `
node:
  type: pzh
  name: hub.example.org_alice
  root: /tmp/zone
cert:
  orgname: Example
ports:
  provider: 7443
transport:
  dialTimeout: 3s
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := NewLoader(WithConfigFile(path), WithEnvPrefix("PZONE_TEST_UNSET_")).Load()
	require.NoError(t, err)

	assert.Equal(t, TypeHub, cfg.Node.Type)
	assert.Equal(t, "hub.example.org_alice", cfg.Node.Name)
	assert.Equal(t, "Example", cfg.Cert.OrgName)
	assert.Equal(t, "UK", cfg.Cert.Country)
	assert.Equal(t, 7443, cfg.Ports.Provider)
	assert.Equal(t, 9443, cfg.Ports.ProviderWebServer)
	assert.Equal(t, 3*time.Second, cfg.Transport.DialTimeout)
	assert.Equal(t, cfg.Services.Pzh, cfg.DefaultServices())
}

func TestLoadEnvOverridesFile(t *testing.T) {
	t.Setenv("PZONE_LOG_LEVEL", "debug")
	t.Setenv("PZONE_NODE_ROOT", "/var/lib/zone")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "/var/lib/zone", cfg.Node.Root)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad type", func(c *Config) { c.Node.Type = "relay" }},
		{"no root", func(c *Config) { c.Node.Root = "" }},
		{"bad port", func(c *Config) { c.Ports.PzpTLS = 70000 }},
		{"no retry", func(c *Config) { c.Transport.RetryDelay = 0 }},
		{"no timeout", func(c *Config) { c.Transport.DialTimeout = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDefaultFriendlyName(t *testing.T) {
	cfg := Default()
	cfg.Node.FriendlyName = "Kitchen tablet"
	assert.Equal(t, "Kitchen tablet", cfg.DefaultFriendlyName())

	cfg.Node.FriendlyName = ""
	cfg.Node.Type = TypeHub
	cfg.Node.Name = "hub_alice"
	assert.Equal(t, "hub_alice", cfg.DefaultFriendlyName())
}
