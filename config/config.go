// Package config loads an overlay node's TOML configuration file, the
// same ambient role the teacher's directory.Cache plays for on-disk
// state: a thin struct plus a load function, no framework (spec.md §4.I,
// ambient).
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Config is an overlay-node's on-disk configuration.
type Config struct {
	ListenAddr string `toml:"listen_addr"`
	ListenPort uint16 `toml:"listen_port"`

	IdentityPath string `toml:"identity_path"`
	DataDir      string `toml:"data_dir"`

	BootstrapPeers []string `toml:"bootstrap_peers"`
	Networks       []string `toml:"networks"`

	LogLevel string `toml:"log_level"`
	LogFile  string `toml:"log_file"`

	RendezvousKeepalive bool `toml:"rendezvous_keepalive"`

	// DebugListenAddr, if set, serves the expvar/pprof default mux
	// (SPEC_FULL.md §4.J).
	DebugListenAddr string `toml:"debug_listen_addr"`
}

// Default returns a Config with the values a freshly-initialized node
// should start from.
func Default() Config {
	return Config{
		ListenAddr:   "0.0.0.0",
		ListenPort:   7800,
		IdentityPath: "identity.pem",
		DataDir:      ".",
		LogLevel:     "info",
	}
}

// Load reads and parses a TOML config file at path, filling any field a
// default was not set for.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path as TOML, creating the file if needed.
func Save(path string, cfg Config) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("config: create %s: %w", path, err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("config: encode %s: %w", path, err)
	}
	return nil
}
