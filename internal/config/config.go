// Package config loads and validates the peer configuration file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
)

type Config struct {
	Identity Identity `json:"identity"`
	Network  Network  `json:"network"`
	Tokens   Tokens   `json:"tokens"`
	Paths    Paths    `json:"paths"`
	Metrics  Metrics  `json:"metrics"`
	Verbose  bool     `json:"verbose"`
}

type Identity struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
}

type Network struct {
	Port int `json:"port"`
}

type Tokens struct {
	TTLSec     int `json:"ttl_seconds"`
	PostTTLSec int `json:"post_ttl_seconds"`
}

type Paths struct {
	// DataDir is the root for downloads, the avatar cache, and the inbox
	// database; the per-identity subtree lives under it.
	DataDir string `json:"data_dir"`

	// FilesDir is where sendfile resolves relative paths.
	FilesDir string `json:"files_dir"`

	// AvatarPath points at the local avatar image; empty disables avatars.
	AvatarPath string `json:"avatar_path"`
}

type Metrics struct {
	// Addr enables the Prometheus /metrics listener when non-empty,
	// e.g. "127.0.0.1:9109".
	Addr string `json:"addr"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			DisplayName: "Anonymous",
		},
		Network: Network{
			Port: 50999,
		},
		Tokens: Tokens{
			TTLSec:     600,
			PostTTLSec: 3600,
		},
		Paths: Paths{
			DataDir:  "lsnp_data",
			FilesDir: ".",
		},
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Identity.Username) == "" {
		return errors.New("identity.username is required")
	}
	if strings.ContainsAny(c.Identity.Username, "@|, ") {
		return errors.New("identity.username must not contain '@', '|', ',' or spaces")
	}
	if c.Network.Port < 1 || c.Network.Port > 65535 {
		return errors.New("network.port must be 1..65535")
	}
	if c.Tokens.TTLSec <= 0 {
		return errors.New("tokens.ttl_seconds must be > 0")
	}
	if c.Tokens.PostTTLSec <= 0 {
		return errors.New("tokens.post_ttl_seconds must be > 0")
	}
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		return errors.New("paths.data_dir is required")
	}
	if a := strings.TrimSpace(c.Metrics.Addr); a != "" {
		if _, _, err := net.SplitHostPort(a); err != nil {
			return fmt.Errorf("metrics.addr: %w", err)
		}
	}
	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

// Ensure loads config if it exists; otherwise writes cfg as the initial file.
// Returns (config, createdNew, err).
func Ensure(path string, cfg Config) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		loaded, err := Load(path)
		return loaded, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
