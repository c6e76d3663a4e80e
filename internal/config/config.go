package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	API       APIConfig       `mapstructure:"api"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Transport TransportConfig `mapstructure:"transport"`
	Queue     QueueConfig     `mapstructure:"queue"`
}

// APIConfig holds REST API server configuration.
type APIConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// MetricsConfig holds the Prometheus listener configuration.
type MetricsConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// DatabaseConfig holds PostgreSQL connection configuration.
type DatabaseConfig struct {
	URL            string        `mapstructure:"url"`
	PoolMin        int32         `mapstructure:"pool_min"`
	PoolMax        int32         `mapstructure:"pool_max"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// LoggingConfig holds logging configuration. When File is set, logs are
// written to a rotating file instead of stdout.
type LoggingConfig struct {
	Level     string `mapstructure:"level"`
	File      string `mapstructure:"file"`
	MaxSizeMB int    `mapstructure:"max_size_mb"`
	MaxFiles  int    `mapstructure:"max_files"`
}

// TransportConfig selects and configures the outbound mail transport.
// Type is one of "smtp", "mailgun", or "stdout".
type TransportConfig struct {
	Type        string        `mapstructure:"type"`
	From        string        `mapstructure:"from"`
	SendTimeout time.Duration `mapstructure:"send_timeout"`
	RatePerSec  int           `mapstructure:"rate_per_sec"`

	SMTP    SMTPConfig    `mapstructure:"smtp"`
	Mailgun MailgunConfig `mapstructure:"mailgun"`
}

// SMTPConfig holds SMTP relay credentials.
type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// MailgunConfig holds Mailgun API credentials.
type MailgunConfig struct {
	Domain string `mapstructure:"domain"`
	APIKey string `mapstructure:"api_key"`
}

// QueueConfig holds drain-loop configuration.
type QueueConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	ClaimLease   time.Duration `mapstructure:"claim_lease"`
	BackoffBase  time.Duration `mapstructure:"backoff_base"`
}

// Load reads configuration from the given config directory path.
// It looks for a file named "config.yaml" in that directory.
// Environment variables with prefix MAILROOM_ override file values.
// For example, MAILROOM_DATABASE_URL overrides database.url.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)

	v.SetEnvPrefix("MAILROOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		// Missing file is fine; env vars and defaults still apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8080)
	v.SetDefault("api.read_timeout", 10*time.Second)
	v.SetDefault("api.write_timeout", 10*time.Second)

	v.SetDefault("metrics.host", "0.0.0.0")
	v.SetDefault("metrics.port", 9090)

	v.SetDefault("database.pool_min", 2)
	v.SetDefault("database.pool_max", 10)
	v.SetDefault("database.connect_timeout", 10*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_files", 5)

	v.SetDefault("transport.type", "stdout")
	v.SetDefault("transport.from", "noreply@willowcart.com")
	v.SetDefault("transport.send_timeout", 30*time.Second)
	v.SetDefault("transport.rate_per_sec", 10)

	v.SetDefault("queue.poll_interval", 10*time.Second)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.claim_lease", 2*time.Minute)
	v.SetDefault("queue.backoff_base", time.Minute)
}
