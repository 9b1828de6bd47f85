package edge

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPort is the edge listener port when PORT is unset.
const DefaultPort = 3001

// Config holds the edge server configuration.
type Config struct {
	Listen ListenConfig `yaml:"listen"`
	Tunnel TunnelConfig `yaml:"tunnel"`
}

// ListenConfig specifies the address to bind on.
type ListenConfig struct {
	Addr string `yaml:"addr"`
}

// TunnelConfig controls tunnel behaviour.
type TunnelConfig struct {
	Path           string        `yaml:"path"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	ChunkSize      int           `yaml:"chunk_size"`
}

// DefaultConfig returns the built-in defaults: the PORT environment variable
// selects the listener port (3001 when unset), requests are abandoned after
// 30 seconds, and bodies stream in 32 KiB chunks.
func DefaultConfig() *Config {
	return &Config{
		Listen: ListenConfig{Addr: fmt.Sprintf(":%d", DefaultPort)},
		Tunnel: TunnelConfig{
			Path:           "/connect",
			RequestTimeout: 30 * time.Second,
			ChunkSize:      32 * 1024,
		},
	}
}

// LoadConfig builds the configuration from defaults, an optional yaml file,
// and the PORT environment variable, in increasing order of precedence.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	if port := os.Getenv("PORT"); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil || n <= 0 || n > 65535 {
			return nil, fmt.Errorf("invalid PORT value %q", port)
		}
		cfg.Listen.Addr = fmt.Sprintf(":%d", n)
	}

	if cfg.Tunnel.RequestTimeout <= 0 {
		cfg.Tunnel.RequestTimeout = 30 * time.Second
	}
	if cfg.Tunnel.ChunkSize <= 0 {
		cfg.Tunnel.ChunkSize = 32 * 1024
	}
	return cfg, nil
}
