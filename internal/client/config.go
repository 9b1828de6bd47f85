package client

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config is the persisted client configuration created by the init command.
type Config struct {
	Domain    string    `json:"domain"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Status is the runtime connection record, written while a tunnel is up and
// removed when it closes.
type Status struct {
	Connected   bool      `json:"connected"`
	ConnectedAt time.Time `json:"connectedAt"`
	Port        int       `json:"port"`
	Domain      string    `json:"domain"`
}

// ConfigDir returns the directory holding the client's persisted state.
func ConfigDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolving user config dir: %w", err)
	}
	return filepath.Join(base, "locallink"), nil
}

func configPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

func statusPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "status.json"), nil
}

// Init validates the edge URL and persists it. Re-running init updates the
// domain but keeps the original creation time.
func Init(rawURL string) (*Config, error) {
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		return nil, fmt.Errorf("edge URL must start with http:// or https://")
	}
	rawURL = strings.TrimRight(rawURL, "/")
	if _, err := url.Parse(rawURL); err != nil {
		return nil, fmt.Errorf("invalid edge URL: %w", err)
	}

	now := time.Now().UTC()
	cfg := &Config{Domain: rawURL, CreatedAt: now, UpdatedAt: now}
	if existing, err := Load(); err == nil {
		cfg.CreatedAt = existing.CreatedAt
	}

	if err := save(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func save(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// Load reads the persisted configuration. A missing file means the client has
// not been initialised.
func Load() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if cfg.Domain == "" {
		return nil, fmt.Errorf("config has no edge URL; run init first")
	}
	return &cfg, nil
}

// WriteStatus records an active connection.
func WriteStatus(port int, domain string) error {
	path, err := statusPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	st := Status{
		Connected:   true,
		ConnectedAt: time.Now().UTC(),
		Port:        port,
		Domain:      domain,
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding status: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing status: %w", err)
	}
	return nil
}

// ClearStatus removes the connection record. Missing files are fine.
func ClearStatus() error {
	path, err := statusPath()
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing status: %w", err)
	}
	return nil
}

// LoadStatus reads the connection record, or returns nil when no tunnel has
// recorded itself.
func LoadStatus() (*Status, error) {
	path, err := statusPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var st Status
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parsing status: %w", err)
	}
	return &st, nil
}
