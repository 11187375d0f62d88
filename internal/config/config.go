package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Upstream   UpstreamConfig   `yaml:"upstream" mapstructure:"upstream"`
	Sync       SyncConfig       `yaml:"sync" mapstructure:"sync"`
	Webhook    WebhookConfig    `yaml:"webhook" mapstructure:"webhook"`
	Normalize  NormalizeConfig  `yaml:"normalize" mapstructure:"normalize"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// UpstreamConfig selects and configures the CRM the contacts are pulled from.
type UpstreamConfig struct {
	Provider   string           `yaml:"provider" mapstructure:"provider"`
	HubSpot    HubSpotConfig    `yaml:"hubspot" mapstructure:"hubspot"`
	Salesforce SalesforceConfig `yaml:"salesforce" mapstructure:"salesforce"`
}

// HubSpotConfig holds HubSpot private-app settings.
type HubSpotConfig struct {
	Token       string  `yaml:"token" mapstructure:"token"`
	BaseURL     string  `yaml:"base_url" mapstructure:"base_url"`
	RateLimit   float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// SalesforceConfig holds Salesforce JWT auth settings.
type SalesforceConfig struct {
	ClientID  string  `yaml:"client_id" mapstructure:"client_id"`
	Username  string  `yaml:"username" mapstructure:"username"`
	KeyPath   string  `yaml:"key_path" mapstructure:"key_path"`
	LoginURL  string  `yaml:"login_url" mapstructure:"login_url"`
	Object    string  `yaml:"object" mapstructure:"object"`
	RateLimit float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// SyncConfig tunes the bulk extractor.
type SyncConfig struct {
	PageSize            int           `yaml:"page_size" mapstructure:"page_size"`
	SkipSize            int           `yaml:"skip_size" mapstructure:"skip_size"`
	MaxConsecutiveGaps  int           `yaml:"max_consecutive_gaps" mapstructure:"max_consecutive_gaps"`
	MaxRateLimitWaits   int           `yaml:"max_rate_limit_waits" mapstructure:"max_rate_limit_waits"`
	RateLimitBackoff    time.Duration `yaml:"rate_limit_backoff" mapstructure:"rate_limit_backoff"`
	RateLimitMaxBackoff time.Duration `yaml:"rate_limit_max_backoff" mapstructure:"rate_limit_max_backoff"`
	TransientRetries    int           `yaml:"transient_retries" mapstructure:"transient_retries"`
	StaleRunAfter       time.Duration `yaml:"stale_run_after" mapstructure:"stale_run_after"`
	DedupAfterRun       bool          `yaml:"dedup_after_run" mapstructure:"dedup_after_run"`
}

// WebhookConfig configures the webhook receiver and worker pool.
type WebhookConfig struct {
	Secret     string        `yaml:"secret" mapstructure:"secret"`
	MaxSkew    time.Duration `yaml:"max_skew" mapstructure:"max_skew"`
	Workers    int           `yaml:"workers" mapstructure:"workers"`
	QueueDepth int           `yaml:"queue_depth" mapstructure:"queue_depth"`
	Backend    string        `yaml:"backend" mapstructure:"backend"`
	AMQPURL    string        `yaml:"amqp_url" mapstructure:"amqp_url"`
	AMQPQueue  string        `yaml:"amqp_queue" mapstructure:"amqp_queue"`
	DLQRetries int           `yaml:"dlq_retries" mapstructure:"dlq_retries"`

	BreakerThreshold int           `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown" mapstructure:"breaker_cooldown"`
}

// NormalizeConfig points at an optional field-mapping override.
type NormalizeConfig struct {
	MappingFile string `yaml:"mapping_file" mapstructure:"mapping_file"`
	Watch       bool   `yaml:"watch" mapstructure:"watch"`
}

// MonitoringConfig configures operator alerts.
type MonitoringConfig struct {
	AlertWebhookURL     string `yaml:"alert_webhook_url" mapstructure:"alert_webhook_url"`
	GapAlertThreshold   int    `yaml:"gap_alert_threshold" mapstructure:"gap_alert_threshold"`
	FailedEventsAlert   int    `yaml:"failed_events_alert" mapstructure:"failed_events_alert"`
	DLQDepthAlert       int    `yaml:"dlq_depth_alert" mapstructure:"dlq_depth_alert"`
	CheckIntervalSecs   int    `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours int    `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from .env, an optional ./config.yaml and the
// environment.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile is Load with an explicit config file, which must exist. An
// empty path falls back to the optional ./config.yaml.
func LoadFile(path string) (*Config, error) {
	// .env is optional; real environment variables take precedence.
	_ = godotenv.Load()

	v := viper.New()

	// Config file
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	// Environment
	v.SetEnvPrefix("CRMSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.sqlite_path", "crm-sync.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("upstream.provider", "hubspot")
	v.SetDefault("upstream.hubspot.base_url", "https://api.hubapi.com")
	v.SetDefault("upstream.hubspot.rate_limit", 9.0)
	v.SetDefault("upstream.hubspot.timeout_secs", 30)
	v.SetDefault("upstream.salesforce.login_url", "https://login.salesforce.com")
	v.SetDefault("upstream.salesforce.object", "Contact")
	v.SetDefault("upstream.salesforce.rate_limit", 20.0)
	v.SetDefault("sync.page_size", 100)
	v.SetDefault("sync.skip_size", 1)
	v.SetDefault("sync.max_consecutive_gaps", 5)
	v.SetDefault("sync.max_rate_limit_waits", 8)
	v.SetDefault("sync.rate_limit_backoff", "2s")
	v.SetDefault("sync.rate_limit_max_backoff", "2m")
	v.SetDefault("sync.transient_retries", 3)
	v.SetDefault("sync.stale_run_after", "6h")
	v.SetDefault("sync.dedup_after_run", true)
	v.SetDefault("webhook.max_skew", "5m")
	v.SetDefault("webhook.workers", 8)
	v.SetDefault("webhook.queue_depth", 256)
	v.SetDefault("webhook.backend", "memory")
	v.SetDefault("webhook.amqp_queue", "crm-sync.webhook-batches")
	v.SetDefault("webhook.dlq_retries", 5)
	v.SetDefault("webhook.breaker_threshold", 10)
	v.SetDefault("webhook.breaker_cooldown", "30s")
	v.SetDefault("monitoring.gap_alert_threshold", 10)
	v.SetDefault("monitoring.failed_events_alert", 25)
	v.SetDefault("monitoring.dlq_depth_alert", 100)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command mode needs before it starts work.
// Modes: "sync", "serve", "store" (commands that only touch the database).
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for the postgres driver")
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			errs = append(errs, "store.sqlite_path is required for the sqlite driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown store driver %q", c.Store.Driver))
	}

	switch mode {
	case "store":
	case "sync", "serve":
		errs = append(errs, c.validateUpstream()...)
		if mode == "sync" {
			errs = append(errs, c.validateSync()...)
		} else {
			errs = append(errs, c.validateServe()...)
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateUpstream() []string {
	var errs []string
	switch c.Upstream.Provider {
	case "hubspot":
		if c.Upstream.HubSpot.Token == "" {
			errs = append(errs, "upstream.hubspot.token is required")
		}
	case "salesforce":
		sf := c.Upstream.Salesforce
		if sf.ClientID == "" || sf.Username == "" || sf.KeyPath == "" {
			errs = append(errs, "upstream.salesforce client_id, username and key_path are required")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown upstream provider %q", c.Upstream.Provider))
	}
	return errs
}

func (c *Config) validateSync() []string {
	var errs []string
	if c.Sync.PageSize < 1 || c.Sync.PageSize > 100 {
		errs = append(errs, "sync.page_size must be between 1 and 100")
	}
	if c.Sync.SkipSize < 1 || c.Sync.SkipSize > 10 {
		errs = append(errs, "sync.skip_size must be between 1 and 10")
	}
	if c.Sync.MaxConsecutiveGaps < 1 {
		errs = append(errs, "sync.max_consecutive_gaps must be > 0")
	}
	return errs
}

func (c *Config) validateServe() []string {
	var errs []string
	if c.Server.Port <= 0 {
		errs = append(errs, "server.port must be > 0")
	}
	if c.Webhook.Workers < 1 || c.Webhook.Workers > 128 {
		errs = append(errs, "webhook.workers must be between 1 and 128")
	}
	switch c.Webhook.Backend {
	case "memory":
	case "amqp":
		if c.Webhook.AMQPURL == "" {
			errs = append(errs, "webhook.amqp_url is required for the amqp backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown webhook backend %q", c.Webhook.Backend))
	}
	return errs
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
