// Package config loads the optional TOML configuration file. Everything in
// it can also be given as CLI flags; explicit flags win over file values.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the full TOML-driven configuration.
type Config struct {
	Connection ConnectionConfig `toml:"connection"`
	// Source selects the metadata source reconciliation runs against when
	// the command line does not name one.
	Source string `toml:"source"`
}

// ConnectionConfig holds database connection parameters.
type ConnectionConfig struct {
	Host            string `toml:"host"`
	Port            int    `toml:"port"`
	Database        string `toml:"database"`
	User            string `toml:"user"`
	Password        string `toml:"password"`
	SSLMode         string `toml:"sslmode"`
	ApplicationName string `toml:"application_name"`
}

// Load reads a TOML config file with defaults applied. Unknown keys are an
// error so a typo never silently falls back to a default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Config{
		Connection: ConnectionConfig{
			Host:            "localhost",
			Port:            5432,
			SSLMode:         "prefer",
			ApplicationName: "pgtrack",
		},
		Source: "default",
	}
	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if unknown := md.Undecoded(); len(unknown) > 0 {
		keys := make([]string, len(unknown))
		for i, k := range unknown {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}
	return &cfg, nil
}
