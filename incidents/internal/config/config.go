// Package config loads the incidents service configuration from an optional
// file and INCIDENTS_* environment variables.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/lifecycle"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/models"
)

// Config holds all configuration for the incidents service
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	Mapping    MappingConfig    `mapstructure:"mapping"`
	Status     StatusConfig     `mapstructure:"status"`
	Lifecycle  LifecycleConfig  `mapstructure:"lifecycle"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	CORSOrigins  []string      `mapstructure:"cors_origins"`
}

// DatabaseConfig selects and configures the store.
type DatabaseConfig struct {
	// Driver is "postgres" or "memory".
	Driver   string         `mapstructure:"driver"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig holds PostgreSQL connection settings
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`
}

// ConnString returns a postgres:// URL.
func (p PostgresConfig) ConnString() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(p.User, p.Password),
		Host:     fmt.Sprintf("%s:%d", p.Host, p.Port),
		Path:     "/" + p.Database,
		RawQuery: url.Values{"sslmode": {p.SSLMode}}.Encode(),
	}
	return u.String()
}

// RedisConfig holds Redis settings. When disabled, locks and status
// buckets stay in process.
type RedisConfig struct {
	URL        string `mapstructure:"url"`
	Enabled    bool   `mapstructure:"enabled"`
	MaxRetries int    `mapstructure:"max_retries"`
	PoolSize   int    `mapstructure:"pool_size"`
}

// NATSConfig holds message bus settings.
type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	Enabled       bool          `mapstructure:"enabled"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`

	// HandlerTimeout bounds one delivery attempt of a batch or sample;
	// JobTimeout bounds a whole job.
	HandlerTimeout time.Duration `mapstructure:"handler_timeout"`
	JobTimeout     time.Duration `mapstructure:"job_timeout"`

	// MaxRetries is how often a transient failure is retried in process
	// before the message is dropped.
	MaxRetries    int           `mapstructure:"max_retries"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`

	// EventSigningKey, when set, signs every published lifecycle event.
	EventSigningKey string `mapstructure:"event_signing_key"`
}

// ClassifierConfig configures the classifier RPC client.
type ClassifierConfig struct {
	Subject     string        `mapstructure:"subject"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Concurrency int           `mapstructure:"concurrency"`
}

// MappingConfig configures mapping runs.
type MappingConfig struct {
	// LockTTL bounds how long a crashed run can block the datasource.
	LockTTL time.Duration `mapstructure:"lock_ttl"`
}

// StatusConfig sets retention per bucket granularity.
type StatusConfig struct {
	MinuteTTL time.Duration `mapstructure:"minute_ttl"`
	HourTTL   time.Duration `mapstructure:"hour_ttl"`
	DayTTL    time.Duration `mapstructure:"day_ttl"`
}

// LifecycleConfig overrides state policies per datasource type.
type LifecycleConfig struct {
	Policies map[string]lifecycle.Policy `mapstructure:"policies"`
}

// AuthConfig configures token validation and the role table.
type AuthConfig struct {
	JWTSecret    string              `mapstructure:"jwt_secret"`
	Issuer       string              `mapstructure:"issuer"`
	Capabilities map[string][]string `mapstructure:"capabilities"`
}

// ArchiveConfig configures the OpenSearch training data archive.
type ArchiveConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	URL      string `mapstructure:"url"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Insecure bool   `mapstructure:"insecure"`
	Index    string `mapstructure:"index"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.cors_origins", []string{})

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "telhawk")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.database", "telhawk_incidents")
	v.SetDefault("database.postgres.sslmode", "disable")

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.enabled", true)
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.reconnect_wait", "2s")
	v.SetDefault("nats.handler_timeout", "30s")
	v.SetDefault("nats.job_timeout", "10m")
	v.SetDefault("nats.max_retries", 3)
	v.SetDefault("nats.retry_interval", "200ms")
	v.SetDefault("nats.event_signing_key", "")

	v.SetDefault("classifier.subject", "classifier.rpc.classify")
	v.SetDefault("classifier.timeout", "5s")
	v.SetDefault("classifier.concurrency", 4)

	v.SetDefault("mapping.lock_ttl", "10m")

	v.SetDefault("status.minute_ttl", "2h")
	v.SetDefault("status.hour_ttl", "336h")
	v.SetDefault("status.day_ttl", "8760h")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "telhawk")

	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.url", "https://localhost:9200")
	v.SetDefault("archive.username", "admin")
	v.SetDefault("archive.password", "")
	v.SetDefault("archive.insecure", true)
	v.SetDefault("archive.index", "incidents-training-archive")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Load reads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// Read from config file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Environment variables override file config
	v.SetEnvPrefix("INCIDENTS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("database.driver must be postgres or memory, got %q", c.Database.Driver)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Classifier.Concurrency <= 0 {
		return fmt.Errorf("classifier.concurrency must be positive, got %d", c.Classifier.Concurrency)
	}
	if c.NATS.MaxRetries < 0 {
		return fmt.Errorf("nats.max_retries must not be negative, got %d", c.NATS.MaxRetries)
	}
	for typ, p := range c.Lifecycle.Policies {
		for _, set := range [][]models.State{p.OpenStates, p.ClosingStates, p.ReopenStates} {
			for _, s := range set {
				if _, ok := models.ParseState(string(s)); !ok {
					return fmt.Errorf("lifecycle.policies.%s: unknown state %q", typ, s)
				}
			}
		}
	}
	return nil
}
