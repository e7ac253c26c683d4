// Package config loads the daemon configuration from YAML with environment
// overrides.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// BackendConfig selects and configures a settlement backend. Options are
// decoded by the backend itself.
type BackendConfig struct {
	Type    string    `yaml:"type"`
	Options yaml.Node `yaml:"options"`
}

// Config is the daemon configuration.
type Config struct {
	// Prefix is the ILP address prefix shared by both endpoints.
	Prefix string `yaml:"prefix"`

	// Token is the shared bearer secret (asymmetric mode).
	Token string `yaml:"token"`

	// Stateful marks the side owning the transfer log bounds.
	Stateful bool `yaml:"stateful"`

	// RPCURI / RPCURIs name the peer endpoint(s). Exactly one of the two
	// must be set; a list enables failover.
	RPCURI  string   `yaml:"rpc_uri"`
	RPCURIs []string `yaml:"rpc_uris"`

	// TolerateRPCFailure keeps individual RPC failures from aborting.
	TolerateRPCFailure bool `yaml:"tolerate_rpc_failure"`

	// MaxBalance / MinBalance bound the stateful side's position.
	MaxBalance string `yaml:"max_balance"`
	MinBalance string `yaml:"min_balance"`

	// Info is the opaque ledger-info record served to callers.
	Info map[string]interface{} `yaml:"info"`

	// Listen is the RPC listener address.
	Listen string `yaml:"listen"`

	// Store selects persistence: "memory" (default) or "postgres".
	Store       string `yaml:"store"`
	PostgresDSN string `yaml:"postgres_dsn"`

	// LogKey names the transfer log's record in the store.
	LogKey string `yaml:"log_key"`

	// Backend configures the settlement backend, if any.
	Backend BackendConfig `yaml:"backend"`
}

// Load reads and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads the configuration or falls back to environment-only
// defaults when the file is missing.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}
	if !os.IsNotExist(unwrapPathError(err)) {
		return nil, err
	}

	fallback := &Config{}
	fallback.applyEnv()
	if err := fallback.Validate(); err != nil {
		return nil, err
	}
	return fallback, nil
}

func unwrapPathError(err error) error {
	for {
		type unwrapper interface{ Unwrap() error }
		u, ok := err.(unwrapper)
		if !ok {
			return err
		}
		next := u.Unwrap()
		if next == nil {
			return err
		}
		err = next
	}
}

// applyEnv overlays PAYCHAN_* environment variables onto the configuration.
// Secrets in particular are expected to arrive this way.
func (c *Config) applyEnv() {
	if v := os.Getenv("PAYCHAN_PREFIX"); v != "" {
		c.Prefix = v
	}
	if v := os.Getenv("PAYCHAN_TOKEN"); v != "" {
		c.Token = v
	}
	if v := os.Getenv("PAYCHAN_RPC_URI"); v != "" {
		c.RPCURI = v
	}
	if v := os.Getenv("PAYCHAN_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("PAYCHAN_POSTGRES_DSN"); v != "" {
		c.PostgresDSN = v
		if c.Store == "" {
			c.Store = "postgres"
		}
	}
	if v := os.Getenv("PAYCHAN_STATEFUL"); v == "true" || v == "1" {
		c.Stateful = true
	}
}

// Validate enforces the option contract.
func (c *Config) Validate() error {
	if c.RPCURI != "" && len(c.RPCURIs) > 0 {
		return fmt.Errorf("rpc_uri and rpc_uris are mutually exclusive")
	}
	if c.RPCURI == "" && len(c.RPCURIs) == 0 {
		return fmt.Errorf("one of rpc_uri or rpc_uris is required")
	}
	if c.Backend.Type == "" {
		if c.Prefix == "" {
			return fmt.Errorf("prefix is required without a settlement backend")
		}
		if c.Token == "" {
			return fmt.Errorf("token is required without a settlement backend")
		}
	}
	switch c.Store {
	case "", "memory":
	case "postgres":
		if c.PostgresDSN == "" {
			return fmt.Errorf("postgres store requires postgres_dsn")
		}
	default:
		return fmt.Errorf("unknown store %q", c.Store)
	}
	if c.Listen == "" {
		c.Listen = ":8640"
	}
	if c.LogKey == "" {
		c.LogKey = "transfer_log"
	}
	return nil
}

// PeerURIs returns the ordered endpoint list.
func (c *Config) PeerURIs() []string {
	if len(c.RPCURIs) > 0 {
		return c.RPCURIs
	}
	return []string{c.RPCURI}
}
