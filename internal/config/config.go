// Package config loads scheduler configuration from YAML and the
// environment using viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// EnvPrefix prefixes environment overrides, e.g. JOBSCHEDULER_DATABASE_PATH
const EnvPrefix = "JOBSCHEDULER"

// Config is the complete service configuration
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Retention RetentionConfig `mapstructure:"retention"`
	NATS      NATSConfig      `mapstructure:"nats"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Alerts    AlertsConfig    `mapstructure:"alerts"`
	Log       LogConfig       `mapstructure:"log"`
	Jobs      []JobConfig     `mapstructure:"jobs"`
}

// JobConfig declares a job registered when the service starts
type JobConfig struct {
	Name           string         `mapstructure:"name"`
	Cron           string         `mapstructure:"cron"`
	Timezone       string         `mapstructure:"timezone"`
	Description    string         `mapstructure:"description"`
	HandlerService string         `mapstructure:"handler_service"`
	HandlerMethod  string         `mapstructure:"handler_method"`
	Config         map[string]any `mapstructure:"config"`
	Priority       *int           `mapstructure:"priority"`
	Tags           []string       `mapstructure:"tags"`
	MaxRetries     *int           `mapstructure:"max_retries"`
	RetryDelay     time.Duration  `mapstructure:"retry_delay"`
	Inactive       bool           `mapstructure:"inactive"`
}

type AppConfig struct {
	Name string `mapstructure:"name"`
	// InstanceID is derived from the host when empty
	InstanceID string `mapstructure:"instance_id"`
}

type DatabaseConfig struct {
	Path        string        `mapstructure:"path"`
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`
}

type SchedulerConfig struct {
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	BatchSize      int           `mapstructure:"batch_size"`
	LeaseDuration  time.Duration `mapstructure:"lease_duration"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	RetryOnTimeout bool          `mapstructure:"retry_on_timeout"`
	// RetryStrategy is "fixed" or "exponential"
	RetryStrategy   string        `mapstructure:"retry_strategy"`
	RetryMultiplier float64       `mapstructure:"retry_multiplier"`
	MaxRetryDelay   time.Duration `mapstructure:"max_retry_delay"`
}

type RetentionConfig struct {
	ExecutionMaxAge time.Duration `mapstructure:"execution_max_age"`
	Cron            string        `mapstructure:"cron"`
	LockSweepCron   string        `mapstructure:"lock_sweep_cron"`
}

type NATSConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	URL            string        `mapstructure:"url"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type AlertsConfig struct {
	Enabled    bool        `mapstructure:"enabled"`
	WebhookURL string      `mapstructure:"webhook_url"`
	Email      EmailConfig `mapstructure:"email"`
}

// EmailConfig enables alert mail when Host is set
type EmailConfig struct {
	Host     string   `mapstructure:"host"`
	Port     int      `mapstructure:"port"`
	Username string   `mapstructure:"username"`
	Password string   `mapstructure:"password"`
	From     string   `mapstructure:"from"`
	To       []string `mapstructure:"to"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "jobscheduler")
	v.SetDefault("app.instance_id", "")

	v.SetDefault("database.path", "jobscheduler.db")
	v.SetDefault("database.busy_timeout", "5s")

	v.SetDefault("scheduler.poll_interval", "60s")
	v.SetDefault("scheduler.batch_size", 10)
	v.SetDefault("scheduler.lease_duration", "5m")
	v.SetDefault("scheduler.default_timeout", "5m")
	v.SetDefault("scheduler.retry_on_timeout", false)
	v.SetDefault("scheduler.retry_strategy", "fixed")
	v.SetDefault("scheduler.retry_multiplier", 2.0)
	v.SetDefault("scheduler.max_retry_delay", "1h")

	v.SetDefault("retention.execution_max_age", "720h")
	v.SetDefault("retention.cron", "0 3 * * *")
	v.SetDefault("retention.lock_sweep_cron", "*/15 * * * *")

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.connect_timeout", "5s")
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", "2s")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("metrics.enabled", true)

	v.SetDefault("alerts.enabled", true)
	v.SetDefault("alerts.webhook_url", "")
	v.SetDefault("alerts.email.host", "")
	v.SetDefault("alerts.email.port", 587)
	v.SetDefault("alerts.email.username", "")
	v.SetDefault("alerts.email.password", "")
	v.SetDefault("alerts.email.from", "")
	v.SetDefault("alerts.email.to", []string{})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// New returns a viper instance with defaults and environment binding. A
// non-empty path is used as the config file; otherwise config.yaml is
// looked up in ./config and the working directory.
func New(path string) *viper.Viper {
	v := viper.New()

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}
	return v
}

// Load reads configuration. A missing default config file is not an error;
// a missing explicit one is.
func Load(path string) (*Config, error) {
	v := New(path)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the scheduler cannot run with
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	if c.Scheduler.PollInterval <= 0 {
		return errors.New("scheduler.poll_interval must be positive")
	}
	if c.Scheduler.LeaseDuration <= c.Scheduler.PollInterval {
		return fmt.Errorf("scheduler.lease_duration (%s) must exceed scheduler.poll_interval (%s)",
			c.Scheduler.LeaseDuration, c.Scheduler.PollInterval)
	}
	for i, job := range c.Jobs {
		if job.Name == "" || job.Cron == "" || job.HandlerService == "" || job.HandlerMethod == "" {
			return fmt.Errorf("jobs[%d]: name, cron, handler_service and handler_method are required", i)
		}
	}
	switch c.Scheduler.RetryStrategy {
	case "fixed", "exponential":
	default:
		return fmt.Errorf("unknown scheduler.retry_strategy %q", c.Scheduler.RetryStrategy)
	}
	return nil
}

// NewLogger builds the process logger
func NewLogger(c LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", c.Level, err)
	}

	var zc zap.Config
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
