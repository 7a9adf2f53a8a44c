package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that YAML and environment variables can
// express as "2m" / "24h".
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", string(text), err)
	}
	*d = Duration(parsed)
	return nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(raw))
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" env:"GATHER_BASIC_AUTH_USERNAME"`
	Password string `yaml:"password" env:"GATHER_BASIC_AUTH_PASSWORD"`
}

// Config is the top-level daemon configuration. Values load from YAML
// first; GATHER_* environment variables override the file.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" env:"GATHER_LISTEN"`

	// Timezone is the IANA timezone used for calendar windows.
	Timezone string `yaml:"timezone" env:"GATHER_TIMEZONE"`

	// RefreshCron is a cron-style schedule (e.g. "*/5 * * * *") for the
	// engine's clock re-evaluation tick.
	RefreshCron string `yaml:"refresh" env:"GATHER_REFRESH"`

	// LogLevel is the minimum log level (debug, info, warn, error).
	LogLevel string `yaml:"log_level" env:"GATHER_LOG_LEVEL"`

	// SkewTolerance is the hysteresis band excluded from both the
	// upcoming and past partitions.
	SkewTolerance Duration `yaml:"skew_tolerance" env:"GATHER_SKEW_TOLERANCE"`

	// NotificationHorizon is the time-to-start under which an arriving
	// event notifies as starting soon.
	NotificationHorizon Duration `yaml:"notification_horizon" env:"GATHER_NOTIFICATION_HORIZON"`

	// SubscriptionTimeout bounds how long a silent subscription may hold
	// the view in loading before it continues degraded.
	SubscriptionTimeout Duration `yaml:"subscription_timeout" env:"GATHER_SUBSCRIPTION_TIMEOUT"`

	// RetryBackoff / RetryMax control re-subscription after stream errors.
	RetryBackoff Duration `yaml:"retry_backoff" env:"GATHER_RETRY_BACKOFF"`
	RetryMax     int      `yaml:"retry_max" env:"GATHER_RETRY_MAX"`

	// BasicAuth, if non-nil, protects all endpoints except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration. The skew and
// horizon defaults are the values the product shipped with.
func DefaultConfig() *Config {
	return &Config{
		Listen:              "127.0.0.1:8080",
		Timezone:            "UTC",
		RefreshCron:         "*/5 * * * *",
		LogLevel:            "info",
		SkewTolerance:       Duration(2 * time.Minute),
		NotificationHorizon: Duration(24 * time.Hour),
		SubscriptionTimeout: Duration(30 * time.Second),
		RetryBackoff:        Duration(time.Second),
		RetryMax:            3,
	}
}

// Normalize fills missing/zero values with defaults so partially-filled
// configs still behave.
func (c *Config) Normalize() {
	def := DefaultConfig()
	if c.Listen == "" {
		c.Listen = def.Listen
	}
	if c.Timezone == "" {
		c.Timezone = def.Timezone
	}
	if c.RefreshCron == "" {
		c.RefreshCron = def.RefreshCron
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.SkewTolerance <= 0 {
		c.SkewTolerance = def.SkewTolerance
	}
	if c.NotificationHorizon <= 0 {
		c.NotificationHorizon = def.NotificationHorizon
	}
	if c.SubscriptionTimeout <= 0 {
		c.SubscriptionTimeout = def.SubscriptionTimeout
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = def.RetryBackoff
	}
	if c.RetryMax < 0 {
		c.RetryMax = def.RetryMax
	}
}

// Load loads configuration from the given YAML path, then applies GATHER_*
// environment overrides.
//
// If the file does not exist, a default config is written there with 0600
// permissions and returned (after env overrides).
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	var cfg *Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		cfg = &Config{}
		if uerr := yaml.Unmarshal(data, cfg); uerr != nil {
			return nil, uerr
		}
		cfg.Normalize()
	case errors.Is(err, fs.ErrNotExist):
		cfg = DefaultConfig()
		if serr := Save(path, cfg); serr != nil {
			return cfg, serr
		}
	default:
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: env overrides: %w", err)
	}
	cfg.Normalize()
	return cfg, nil
}

// Save writes cfg to path atomically (temp file + rename) with 0600 perms,
// creating the parent directory if needed.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".gather-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
