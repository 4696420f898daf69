// Package daemon manages the pmkt daemon lifecycle and configuration.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/proofmarket/pmkt/internal/infra/verifier"
)

// Config holds all daemon configuration.
type Config struct {
	Node      NodeConfig       `toml:"node"`
	API       APIConfig        `toml:"api"`
	Store     StoreConfig      `toml:"store"`
	Admin     AdminConfig      `toml:"admin"`
	Bank      BankConfig       `toml:"bank"`
	Verifiers VerifiersConfig  `toml:"verifiers"`
	Protocols []ProtocolConfig `toml:"protocols"`
	Logging   LoggingConfig    `toml:"logging"`
	Telemetry TelemetryConfig  `toml:"telemetry"`
}

// NodeConfig identifies this node.
type NodeConfig struct {
	ID string `toml:"id"`
}

// APIConfig controls the HTTP API server.
type APIConfig struct {
	Host           string `toml:"host"`
	Port           int    `toml:"port"`
	RequestTimeout string `toml:"request_timeout"`

	// Mutating requests must carry an ed25519 signature of their caller.
	RequireSignatures bool   `toml:"require_signatures"`
	SignatureSkew     string `toml:"signature_skew"`
}

// StoreConfig selects where market state lives.
type StoreConfig struct {
	Backend string `toml:"backend"` // "sqlite" or "memory"
	Dir     string `toml:"dir"`
}

// AdminConfig lists the addresses allowed to administer the registry.
type AdminConfig struct {
	Addresses []string `toml:"addresses"`
}

// BankConfig controls the external holdings collaborator.
type BankConfig struct {
	Backend string `toml:"backend"` // "sqlite" or "memory"
	Faucet  bool   `toml:"faucet"`  // Allow minting over HTTP
}

// VerifiersConfig picks the proof scheme per protocol.
type VerifiersConfig struct {
	Default   string            `toml:"default"`
	Protocols map[string]string `toml:"protocols"`
}

// ProtocolConfig is a protocol registered at startup when unknown.
type ProtocolConfig struct {
	ID       string `toml:"id"`
	Asset    string `toml:"asset"`
	MinAsk   uint64 `toml:"min_ask"`
	MinStake uint64 `toml:"min_stake"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level string `toml:"level"`
	File  string `toml:"file"` // Empty logs to stderr
}

// TelemetryConfig controls metrics and health reporting.
type TelemetryConfig struct {
	Prometheus     bool   `toml:"prometheus"`
	HealthInterval string `toml:"health_interval"`
}

const (
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	homeDir := pmktHome()
	return Config{
		API: APIConfig{
			Host:           "127.0.0.1",
			Port:           7788,
			RequestTimeout: "30s",
			SignatureSkew:  "5m",
		},
		Store: StoreConfig{
			Backend: BackendSQLite,
			Dir:     homeDir,
		},
		Bank: BankConfig{
			Backend: BackendSQLite,
			Faucet:  false,
		},
		Verifiers: VerifiersConfig{
			Default: verifier.SchemeAlways,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Telemetry: TelemetryConfig{
			Prometheus:     true,
			HealthInterval: "60s",
		},
	}
}

// Validate reports configuration that cannot start a daemon.
func (c Config) Validate() error {
	switch c.Store.Backend {
	case BackendSQLite, BackendMemory:
	default:
		return fmt.Errorf("store.backend %q: want sqlite or memory", c.Store.Backend)
	}
	switch c.Bank.Backend {
	case BackendSQLite:
		if c.Store.Backend != BackendSQLite {
			return fmt.Errorf("bank.backend sqlite needs store.backend sqlite")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("bank.backend %q: want sqlite or memory", c.Bank.Backend)
	}
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("api.port %d out of range", c.API.Port)
	}
	if _, err := verifier.FromConfig(c.Verifiers.Default, c.Verifiers.Protocols); err != nil {
		return fmt.Errorf("verifiers: %w", err)
	}
	seen := make(map[string]bool)
	for _, p := range c.Protocols {
		if p.ID == "" || p.Asset == "" {
			return fmt.Errorf("protocols: id and asset are required")
		}
		if seen[p.ID] {
			return fmt.Errorf("protocols: %q listed twice", p.ID)
		}
		seen[p.ID] = true
	}
	if len(c.Protocols) > 0 && len(c.Admin.Addresses) == 0 {
		return fmt.Errorf("protocols: seeding needs at least one admin address")
	}
	return nil
}

// LoadConfig reads config from ~/.pmkt/config.toml, falling back to defaults.
func LoadConfig() (Config, error) {
	return LoadConfigFile(filepath.Join(pmktHome(), "config.toml"))
}

// LoadConfigFile reads config from path, falling back to defaults when the
// file does not exist.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil // No config file yet, use defaults
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	if cfg.Store.Dir == "" {
		cfg.Store.Dir = pmktHome()
	}
	return cfg, nil
}

// SaveConfig writes the config to ~/.pmkt/config.toml.
func SaveConfig(cfg Config) error {
	return SaveConfigFile(filepath.Join(pmktHome(), "config.toml"), cfg)
}

// SaveConfigFile writes the config to path.
func SaveConfigFile(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	return encoder.Encode(cfg)
}

// pmktHome returns the pmkt data directory.
func pmktHome() string {
	if env := os.Getenv("PMKT_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".pmkt")
}

// Home is exported for use by other packages.
func Home() string {
	return pmktHome()
}

// parseDuration parses a duration string, returning a fallback on error.
func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
