// Package config loads ringmutex configuration from YAML or TOML files.
//
// Files may reference environment variables as ${VAR_NAME}. Durations are
// written as strings ("250ms", "1s") and parsed after decoding. Anything a
// file leaves out keeps its value from Default.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Environment variables consulted by Resolve.
const (
	EnvConfig = "RINGMUTEX_CONFIG"
	EnvDB     = "RINGMUTEX_DB"
)

// DefaultDir is the per-project directory holding config and database.
const DefaultDir = ".ringmutex"

// Transports and failure policies.
const (
	TransportPipe    = "pipe"
	TransportMailbox = "mailbox"

	PolicyAbort = "abort"
	PolicyRetry = "retry"
)

// Config represents the complete ringmutex configuration
type Config struct {
	Simulation SimulationConfig `yaml:"simulation" toml:"simulation"`
	Mailbox    MailboxConfig    `yaml:"mailbox" toml:"mailbox"`
	Failure    FailureConfig    `yaml:"failure" toml:"failure"`
	Shutdown   ShutdownConfig   `yaml:"shutdown" toml:"shutdown"`
	Database   DatabaseConfig   `yaml:"database" toml:"database"`
	Logging    LoggingConfig    `yaml:"logging" toml:"logging"`
}

// SimulationConfig sizes the ring and paces each agent.
type SimulationConfig struct {
	Agents    int    `yaml:"agents" toml:"agents"`
	Transport string `yaml:"transport" toml:"transport"`
	Meals     int    `yaml:"meals" toml:"meals"` // 0 = run until stopped

	Think time.Duration `yaml:"-" toml:"-"`
	Eat   time.Duration `yaml:"-" toml:"-"`

	ThinkRaw string `yaml:"think" toml:"think"`
	EatRaw   string `yaml:"eat" toml:"eat"`
}

// MailboxConfig tunes the queue transport.
type MailboxConfig struct {
	PollInterval    time.Duration `yaml:"-" toml:"-"`
	PollIntervalRaw string        `yaml:"poll_interval" toml:"poll_interval"`
}

// FailureConfig decides what a failed send does to its agent.
type FailureConfig struct {
	Policy     string `yaml:"policy" toml:"policy"`
	MaxRetries int    `yaml:"max_retries" toml:"max_retries"`

	BaseDelay time.Duration `yaml:"-" toml:"-"`
	MaxDelay  time.Duration `yaml:"-" toml:"-"`

	BaseDelayRaw string `yaml:"base_delay" toml:"base_delay"`
	MaxDelayRaw  string `yaml:"max_delay" toml:"max_delay"`
}

// ShutdownConfig controls the final RELEASE an agent sends when stopped
// while waiting or eating.
type ShutdownConfig struct {
	Release  bool          `yaml:"release" toml:"release"`
	Grace    time.Duration `yaml:"-" toml:"-"`
	GraceRaw string        `yaml:"grace" toml:"grace"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Default returns the configuration used when no file is present: five
// agents over pipes, as in the classic table.
func Default() *Config {
	cfg := &Config{
		Simulation: SimulationConfig{Agents: 5, Transport: TransportPipe, ThinkRaw: "500ms", EatRaw: "500ms"},
		Mailbox:    MailboxConfig{PollIntervalRaw: "5ms"},
		Failure:    FailureConfig{Policy: PolicyAbort, MaxRetries: 5, BaseDelayRaw: "10ms", MaxDelayRaw: "200ms"},
		Shutdown:   ShutdownConfig{Release: true, GraceRaw: "250ms"},
		Database:   DatabaseConfig{Path: filepath.Join(DefaultDir, "ringmutex.db")},
		Logging:    LoggingConfig{Level: "info", Format: "text"},
	}
	if err := parseDurations(cfg); err != nil {
		panic(err)
	}
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Resolve finds the configuration for a command: the explicit path if
// given, else $RINGMUTEX_CONFIG, else .ringmutex/config.yaml when it
// exists, else Default. $RINGMUTEX_DB overrides database.path.
func Resolve(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfig)
	}
	if path == "" {
		candidate := filepath.Join(DefaultDir, "config.yaml")
		if _, err := os.Stat(candidate); err == nil {
			path = candidate
		}
	}

	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = Load(path); err != nil {
			return nil, err
		}
	}
	if db := os.Getenv(EnvDB); db != "" {
		cfg.Database.Path = db
	}
	return cfg, nil
}

// WriteYAML writes cfg in the format Load reads.
func (c *Config) WriteYAML(w io.Writer) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(re.FindStringSubmatch(match)[1])
	})
}

// Validate checks that all configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Simulation.Agents < 2 {
		return fmt.Errorf("simulation.agents must be at least 2, got %d", c.Simulation.Agents)
	}
	switch c.Simulation.Transport {
	case TransportPipe, TransportMailbox:
	default:
		return fmt.Errorf("simulation.transport must be %q or %q, got %q", TransportPipe, TransportMailbox, c.Simulation.Transport)
	}
	if c.Simulation.Meals < 0 {
		return errors.New("simulation.meals must not be negative")
	}
	if c.Simulation.Think < 0 || c.Simulation.Eat < 0 {
		return errors.New("simulation.think and simulation.eat must not be negative")
	}
	if c.Mailbox.PollInterval <= 0 {
		return errors.New("mailbox.poll_interval must be positive")
	}
	switch c.Failure.Policy {
	case PolicyAbort, PolicyRetry:
	default:
		return fmt.Errorf("failure.policy must be %q or %q, got %q", PolicyAbort, PolicyRetry, c.Failure.Policy)
	}
	if c.Failure.Policy == PolicyRetry {
		if c.Failure.MaxRetries < 1 {
			return errors.New("failure.max_retries must be at least 1 with the retry policy")
		}
		if c.Failure.BaseDelay <= 0 || c.Failure.MaxDelay < c.Failure.BaseDelay {
			return errors.New("failure.base_delay must be positive and no larger than failure.max_delay")
		}
	}
	if c.Shutdown.Grace < 0 {
		return errors.New("shutdown.grace must not be negative")
	}
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"simulation.think", cfg.Simulation.ThinkRaw, &cfg.Simulation.Think},
		{"simulation.eat", cfg.Simulation.EatRaw, &cfg.Simulation.Eat},
		{"mailbox.poll_interval", cfg.Mailbox.PollIntervalRaw, &cfg.Mailbox.PollInterval},
		{"failure.base_delay", cfg.Failure.BaseDelayRaw, &cfg.Failure.BaseDelay},
		{"failure.max_delay", cfg.Failure.MaxDelayRaw, &cfg.Failure.MaxDelay},
		{"shutdown.grace", cfg.Shutdown.GraceRaw, &cfg.Shutdown.Grace},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// SetDuration updates a duration and its raw form together, for command
// line overrides.
func SetDuration(d time.Duration, dst *time.Duration, raw *string) {
	*dst = d
	*raw = d.String()
}
