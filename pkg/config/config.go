package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// NNTPServer describes one upstream news server.
type NNTPServer struct {
	Hostname       string `yaml:"hostname"`
	Port           int    `yaml:"port"`
	UseSSL         bool   `yaml:"use_ssl"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	MaxConnections int    `yaml:"max_connections"`
	Priority       int    `yaml:"priority"` // lower is preferred
}

// Address returns the host:port dial target.
func (s NNTPServer) Address() string {
	return fmt.Sprintf("%s:%d", s.Hostname, s.Port)
}

// Storage selects and parameterizes the data store backend.
type Storage struct {
	// Backend is "bolt" or "postgres".
	Backend string `yaml:"backend"`
	// ShardDSNs lists postgres connection strings, one per shard.
	ShardDSNs []string `yaml:"shard_dsns"`
}

// Config is the machine-readable configuration file.
type Config struct {
	DataDir string  `yaml:"data_dir"`
	TempDir string  `yaml:"temp_dir"`
	Storage Storage `yaml:"storage"`

	Servers          []NNTPServer `yaml:"servers"`
	DefaultNewsgroup string       `yaml:"default_newsgroup"`
	FromHeader       string       `yaml:"from_header"`
	MessageIDSuffix  string       `yaml:"message_id_suffix"`

	SegmentSize      int64 `yaml:"segment_size"`
	PackThreshold    int64 `yaml:"pack_threshold"`
	RedundancyFactor int   `yaml:"redundancy_factor"`

	MemoryCapBytes int64 `yaml:"memory_cap_bytes"`
	TempDirCap     int64 `yaml:"temp_dir_cap_bytes"`

	UploadWorkers   int `yaml:"upload_workers"`
	DownloadWorkers int `yaml:"download_workers"`
	IndexWorkers    int `yaml:"index_workers"`

	PostsPerSecond     float64 `yaml:"posts_per_second"`
	BytesPerSecondConn int64   `yaml:"bytes_per_second_per_connection"`

	IdleTimeout time.Duration `yaml:"idle_timeout"`
	MaxLifetime time.Duration `yaml:"max_lifetime"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

// Default returns a config with the documented defaults applied.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		DataDir:            filepath.Join(home, ".nntpvault"),
		TempDir:            os.TempDir(),
		Storage:            Storage{Backend: "bolt"},
		DefaultNewsgroup:   "alt.binaries.misc",
		FromHeader:         "poster <poster@nowhere.invalid>",
		MessageIDSuffix:    "ngPost",
		SegmentSize:        768000,
		PackThreshold:      50000,
		RedundancyFactor:   2,
		MemoryCapBytes:     2 << 30,
		TempDirCap:         10 << 30,
		UploadWorkers:      4,
		DownloadWorkers:    4,
		IndexWorkers:       4,
		PostsPerSecond:     10,
		BytesPerSecondConn: 0, // unlimited
		IdleTimeout:        5 * time.Minute,
		MaxLifetime:        time.Hour,
		LogLevel:           "info",
	}
}

// Load reads a YAML config file, applying defaults for absent fields.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field ranges that would otherwise fail deep inside
// the pipelines.
func (c *Config) Validate() error {
	if c.SegmentSize <= 0 {
		return fmt.Errorf("segment_size must be positive, got %d", c.SegmentSize)
	}
	if c.PackThreshold < 0 || c.PackThreshold > c.SegmentSize {
		return fmt.Errorf("pack_threshold must be in [0, segment_size], got %d", c.PackThreshold)
	}
	if c.RedundancyFactor < 1 || c.RedundancyFactor > 5 {
		return fmt.Errorf("redundancy_factor must be in [1, 5], got %d", c.RedundancyFactor)
	}
	switch c.Storage.Backend {
	case "bolt":
	case "postgres":
		if len(c.Storage.ShardDSNs) == 0 {
			return fmt.Errorf("postgres backend requires at least one shard DSN")
		}
	default:
		return fmt.Errorf("unknown storage backend: %s", c.Storage.Backend)
	}
	for i, srv := range c.Servers {
		if srv.Hostname == "" {
			return fmt.Errorf("server %d: hostname is required", i)
		}
		if srv.Port == 0 {
			return fmt.Errorf("server %d: port is required", i)
		}
	}
	return nil
}

// Save writes the config back to disk, for `nntpvault init`.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}
