// SPDX-License-Identifier: MIT

// Package config loads the master configuration.
//
// Sources, in precedence order (highest first):
//  1. Environment variables (RIGD_*)
//  2. YAML configuration file (only the path given to Load, from --config;
//     no file is read when it is empty)
//  3. Built-in defaults
//
// CLI flags override the loaded values in cmd/rigd, after Load.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Modes the master can run in.
const (
	ModeGUI         = "gui"
	ModeInteractive = "interactive"
	ModeCLI         = "cli"
)

// Config is the master process configuration.
type Config struct {
	DataDir       string `koanf:"data_dir"`
	ModulesDir    string `koanf:"modules_dir"`
	SessionPrefix string `koanf:"session_prefix"`
	Mode          string `koanf:"mode"`
	LogLevel      string `koanf:"log_level"`
	Console       bool   `koanf:"console"`

	Connect struct {
		Timeout     time.Duration `koanf:"timeout"`
		MaxAttempts int           `koanf:"max_attempts"`
		RetryDelay  time.Duration `koanf:"retry_delay"`
	} `koanf:"connect"`

	Metrics struct {
		Addr string `koanf:"addr"` // empty disables the /metrics listener
	} `koanf:"metrics"`

	XBee struct {
		Port     string `koanf:"port"`
		Baudrate int    `koanf:"baudrate"`
	} `koanf:"xbee"`
}

// Default returns the built-in defaults.
func Default() *Config {
	cfg := &Config{
		DataDir:       defaultDataDir(),
		ModulesDir:    "modules",
		SessionPrefix: "session",
		Mode:          ModeGUI,
		LogLevel:      "info",
		Console:       true,
	}
	cfg.Connect.Timeout = 3 * time.Second
	cfg.Connect.MaxAttempts = 3
	cfg.Connect.RetryDelay = time.Second
	cfg.XBee.Baudrate = 921600
	return cfg
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./rigd-data"
	}
	return home + "/rigd-data"
}

// Load builds the configuration from defaults, an optional YAML file,
// and RIGD_* environment variables.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("load config file: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat config file: %w", err)
		}
	}

	// RIGD_CONNECT_MAX_ATTEMPTS -> connect.max_attempts, with the known
	// section prefixes split off; plain keys keep their underscores
	// (RIGD_DATA_DIR -> data_dir).
	envProvider := env.Provider(".", env.Opt{
		Prefix: "RIGD_",
		TransformFunc: func(key, value string) (string, any) {
			key = strings.ToLower(strings.TrimPrefix(key, "RIGD_"))
			for _, section := range []string{"connect_", "metrics_", "xbee_"} {
				if strings.HasPrefix(key, section) {
					return strings.TrimSuffix(section, "_") + "." + strings.TrimPrefix(key, section), value
				}
			}
			return key, value
		},
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field values.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeGUI, ModeInteractive, ModeCLI:
	default:
		return fmt.Errorf("invalid mode %q (want gui, interactive, or cli)", c.Mode)
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warning", "error", "critical":
	default:
		return fmt.Errorf("invalid log level %q", c.LogLevel)
	}

	if c.DataDir == "" {
		return fmt.Errorf("data_dir cannot be empty")
	}
	if c.SessionPrefix == "" {
		return fmt.Errorf("session_prefix cannot be empty")
	}
	if c.Connect.MaxAttempts <= 0 {
		return fmt.Errorf("connect.max_attempts must be positive")
	}
	if c.Connect.Timeout <= 0 {
		return fmt.Errorf("connect.timeout must be positive")
	}
	return nil
}
