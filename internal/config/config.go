// Package config handles configuration parsing for deskremote.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/deskremote/deskremote/internal/ports"
)

// DefaultConfigPath returns the default config file path:
// $XDG_CONFIG_HOME/deskremote/config.yaml or ~/.config/deskremote/config.yaml
func DefaultConfigPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "deskremote", "config.yaml")
}

// Config is the top-level configuration.
type Config struct {
	Hosts     []HostConfig    `yaml:"hosts"`
	Transport TransportConfig `yaml:"transport"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Security  SecurityConfig  `yaml:"security"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// HostConfig defines one controllable desktop machine.
type HostConfig struct {
	Name string `yaml:"name"`
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	User string `yaml:"user"`

	// PasswordEnv names an env var holding the login password; when
	// empty the keyring entry or an interactive prompt is used.
	PasswordEnv string `yaml:"password_env"`
}

// TransportConfig tunes the connection layer.
type TransportConfig struct {
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	MaxEphemeral int           `yaml:"max_ephemeral"` // concurrent one-shot sessions
}

// HeartbeatConfig tunes the liveness supervisor.
type HeartbeatConfig struct {
	MinInterval     time.Duration `yaml:"min_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Step            time.Duration `yaml:"step"`
	ProbeTimeout    time.Duration `yaml:"probe_timeout"`
	RecoveryWindow  time.Duration `yaml:"recovery_window"`
	BackgroundGrace time.Duration `yaml:"background_grace"`
}

// SecurityConfig defines credential handling settings.
type SecurityConfig struct {
	UseKeyring bool `yaml:"use_keyring"` // persist passwords in the OS keyring
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level    string `yaml:"level"`    // "debug", "info", "warn", "error"
	Sanitize bool   `yaml:"sanitize"` // sanitize sensitive data from logs
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Transport: TransportConfig{
			DialTimeout:  10 * time.Second,
			MaxEphemeral: 4,
		},
		Heartbeat: HeartbeatConfig{
			MinInterval:     500 * time.Millisecond,
			MaxInterval:     12 * time.Second,
			Step:            500 * time.Millisecond,
			ProbeTimeout:    1 * time.Second,
			RecoveryWindow:  2 * time.Second,
			BackgroundGrace: 30 * time.Second,
		},
		Security: SecurityConfig{
			UseKeyring: true,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Sanitize: true,
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults. An optional FileSystem can be passed for testing; if
// omitted, the real OS is used.
func Load(path string, fsys ...ports.FileSystem) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, nil
	}

	var data []byte
	var err error
	if len(fsys) > 0 && fsys[0] != nil {
		data, err = fsys[0].ReadFile(path)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	return cfg, nil
}

// Validate normalizes out-of-range values back to their defaults.
func (c *Config) Validate() error {
	if c.Transport.MaxEphemeral <= 0 {
		c.Transport.MaxEphemeral = 4
	}
	if c.Transport.DialTimeout <= 0 {
		c.Transport.DialTimeout = 10 * time.Second
	}
	if c.Heartbeat.MinInterval <= 0 {
		c.Heartbeat.MinInterval = 500 * time.Millisecond
	}
	if c.Heartbeat.MaxInterval < c.Heartbeat.MinInterval {
		c.Heartbeat.MaxInterval = 12 * time.Second
	}
	for _, h := range c.Hosts {
		if h.Name == "" || h.Host == "" {
			return fmt.Errorf("host entry needs both name and host")
		}
	}
	return nil
}

// Host looks up a host entry by name.
func (c *Config) Host(name string) (HostConfig, bool) {
	for _, h := range c.Hosts {
		if h.Name == name {
			return h, true
		}
	}
	return HostConfig{}, false
}

// AddHost adds a host entry. Names must be unique.
func (c *Config) AddHost(host HostConfig) error {
	for _, h := range c.Hosts {
		if h.Name == host.Name {
			return fmt.Errorf("host %q already exists", host.Name)
		}
	}
	c.Hosts = append(c.Hosts, host)
	return nil
}

// Save writes the configuration to a YAML file. An optional FileSystem
// can be passed for testing; if omitted, the real OS is used.
func Save(cfg *Config, path string, fsys ...ports.FileSystem) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if len(fsys) > 0 && fsys[0] != nil {
		return fsys[0].WriteFile(path, data, 0644)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
