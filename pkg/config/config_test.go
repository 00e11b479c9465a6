package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
servers:
  - hostname: news.example.com
    port: 563
    use_ssl: true
    username: u
    password: p
    max_connections: 8
`), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, int64(768000), cfg.SegmentSize)
	assert.Equal(t, int64(50000), cfg.PackThreshold)
	assert.Equal(t, 2, cfg.RedundancyFactor)
	assert.Equal(t, "bolt", cfg.Storage.Backend)
	require.Len(t, cfg.Servers, 1)
	assert.Equal(t, "news.example.com:563", cfg.Servers[0].Address())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"default", func(c *Config) {}, true},
		{"zero segment size", func(c *Config) { c.SegmentSize = 0 }, false},
		{"pack threshold above segment size", func(c *Config) { c.PackThreshold = c.SegmentSize + 1 }, false},
		{"redundancy too low", func(c *Config) { c.RedundancyFactor = 0 }, false},
		{"redundancy too high", func(c *Config) { c.RedundancyFactor = 6 }, false},
		{"redundancy max", func(c *Config) { c.RedundancyFactor = 5 }, true},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "sqlite" }, false},
		{"postgres without shards", func(c *Config) { c.Storage.Backend = "postgres" }, false},
		{"postgres with shards", func(c *Config) {
			c.Storage.Backend = "postgres"
			c.Storage.ShardDSNs = []string{"postgres://localhost/nv"}
		}, true},
		{"server missing hostname", func(c *Config) {
			c.Servers = []NNTPServer{{Port: 119}}
		}, false},
		{"server missing port", func(c *Config) {
			c.Servers = []NNTPServer{{Hostname: "news.example.com"}}
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")
	cfg := Default()
	cfg.DefaultNewsgroup = "alt.binaries.test"
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "alt.binaries.test", loaded.DefaultNewsgroup)
}
