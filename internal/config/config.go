package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/loykin/beacon/internal/env"
	"github.com/loykin/beacon/internal/logger"
	"github.com/loykin/beacon/internal/metrics"
	"github.com/loykin/beacon/internal/tls"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. BEACON_BUFFER_SERVER_URL.
const EnvPrefix = "BEACON"

// Config represents the top-level TOML structure.
type Config struct {
	Buffer    BufferConfig    `toml:"buffer" mapstructure:"buffer"`
	Transport TransportConfig `toml:"transport" mapstructure:"transport"`
	Storage   StorageConfig   `toml:"storage" mapstructure:"storage"`
	Log       logger.Config   `toml:"log" mapstructure:"log"`
	Metrics   MetricsConfig   `toml:"metrics" mapstructure:"metrics"`
	Collector CollectorConfig `toml:"collector" mapstructure:"collector"`
}

type BufferConfig struct {
	ServerURL       string        `toml:"server_url" mapstructure:"server_url"`
	Cooldown        time.Duration `toml:"cooldown" mapstructure:"cooldown"`
	TickInterval    time.Duration `toml:"tick_interval" mapstructure:"tick_interval"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

type TransportConfig struct {
	Timeout time.Duration     `toml:"timeout" mapstructure:"timeout"`
	Headers map[string]string `toml:"headers" mapstructure:"headers"`
	// CAFile adds a PEM CA to the trusted roots for https:// server URLs,
	// e.g. the tls_ca.crt written by a collector with auto_generate.
	CAFile string `toml:"ca_file" mapstructure:"ca_file"`
}

// StorageConfig selects where unsent events are persisted.
// An empty DSN means the file storage in the user config directory.
type StorageConfig struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

type MetricsConfig struct {
	Enabled   bool                   `toml:"enabled" mapstructure:"enabled"`
	Listen    string                 `toml:"listen" mapstructure:"listen"`
	Resources metrics.ResourceConfig `toml:"resources" mapstructure:"resources"`
}

type CollectorConfig struct {
	Listen string     `toml:"listen" mapstructure:"listen"`
	DSN    string     `toml:"dsn" mapstructure:"dsn"`
	TLS    tls.Config `toml:"tls" mapstructure:"tls"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("buffer.server_url", "")
	v.SetDefault("buffer.cooldown", 5*time.Second)
	v.SetDefault("buffer.tick_interval", time.Second)
	v.SetDefault("buffer.shutdown_timeout", 5*time.Second)
	v.SetDefault("transport.timeout", 10*time.Second)
	v.SetDefault("storage.dsn", "")
	v.SetDefault("log.slog.level", "info")
	v.SetDefault("log.slog.format", logger.FormatText)
	v.SetDefault("log.slog.color", false)
	v.SetDefault("log.slog.timestamps", true)
	v.SetDefault("log.slog.source", false)
	v.SetDefault("log.file.path", "")
	v.SetDefault("log.file.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.file.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.file.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.file.compress", false)
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", ":9090")
	v.SetDefault("metrics.resources.enabled", false)
	v.SetDefault("metrics.resources.interval", 15*time.Second)
	v.SetDefault("metrics.resources.history_size", 60)
	v.SetDefault("collector.listen", ":8080")
	v.SetDefault("collector.dsn", "collector.db")
	v.SetDefault("collector.tls.enabled", false)
	v.SetDefault("collector.tls.auto_generate", false)
}

// Default returns the built-in configuration without reading files or the environment.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// defaults are static; a failure here is a programming error
		panic(err)
	}
	return &cfg
}

// Load reads the TOML file at path (optional) and applies BEACON_* environment
// overrides on top of the defaults. The result is validated.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.expand(env.New())
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// expand resolves ${VAR} placeholders in URL, DSN, path and header values.
func (c *Config) expand(e *env.Env) {
	c.Buffer.ServerURL = e.Expand(c.Buffer.ServerURL)
	c.Storage.DSN = e.Expand(c.Storage.DSN)
	c.Collector.DSN = e.Expand(c.Collector.DSN)
	c.Transport.CAFile = e.Expand(c.Transport.CAFile)
	e.ExpandMap(c.Transport.Headers)
}

// Validate checks value ranges. The server URL is only checked when set,
// because the collector command does not need one.
func (c *Config) Validate() error {
	if c.Buffer.Cooldown <= 0 {
		return errors.New("buffer.cooldown must be > 0")
	}
	if c.Buffer.TickInterval <= 0 {
		return errors.New("buffer.tick_interval must be > 0")
	}
	if c.Buffer.ShutdownTimeout <= 0 {
		return errors.New("buffer.shutdown_timeout must be > 0")
	}
	if c.Transport.Timeout <= 0 {
		return errors.New("transport.timeout must be > 0")
	}
	if c.Buffer.ServerURL != "" {
		u, err := url.Parse(c.Buffer.ServerURL)
		if err != nil {
			return fmt.Errorf("buffer.server_url: %w", err)
		}
		if u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("buffer.server_url %q must be an absolute URL", c.Buffer.ServerURL)
		}
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return errors.New("metrics.listen is required when metrics are enabled")
	}
	if err := c.Collector.TLS.Validate(); err != nil {
		return fmt.Errorf("collector.tls: %w", err)
	}
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	return nil
}
