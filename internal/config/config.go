package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/copyfat/Option-Loop/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Pricing   PricingConfig   `mapstructure:"pricing"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Export    ExportConfig    `mapstructure:"export"`
	Retention RetentionConfig `mapstructure:"retention"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// SchedulerConfig governs polling cadence and fan-out.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToTick     bool          `mapstructure:"align_to_tick"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	Workers         int           `mapstructure:"workers"`
}

// BrokerConfig covers brokerage API access.
type BrokerConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	Token           string        `mapstructure:"token"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	RateLimitPerSec float64       `mapstructure:"rate_limit_per_sec"`
}

// PricingConfig parameterises the risk calculator.
type PricingConfig struct {
	RiskFreeRate    float64 `mapstructure:"risk_free_rate"`
	DividendYield   float64 `mapstructure:"dividend_yield"`
	IVMaxIterations int     `mapstructure:"iv_max_iterations"`
	IVTolerance     float64 `mapstructure:"iv_tolerance"`
}

// AlertingConfig defines alert delivery.
type AlertingConfig struct {
	Enabled        bool           `mapstructure:"enabled"`
	RequestTimeout time.Duration  `mapstructure:"request_timeout"`
	Retry          RetryConfig    `mapstructure:"retry"`
	Telegram       TelegramConfig `mapstructure:"telegram"`
}

// RetryConfig bounds notification delivery retries.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	Multiplier  float64       `mapstructure:"multiplier"`
}

// TelegramConfig describes the Telegram bot channel.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// RetentionConfig governs the prune command.
type RetentionConfig struct {
	RiskSamples time.Duration `mapstructure:"risk_samples"`
	AlertEvents time.Duration `mapstructure:"alert_events"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("OPTIONLOOP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "optionloop")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.interval", "1m")
	v.SetDefault("scheduler.align_to_tick", true)
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.advisory_lock_key", int64(0x6f70744c))
	v.SetDefault("scheduler.workers", 4)

	v.SetDefault("broker.base_url", "https://api.tradier.com")
	v.SetDefault("broker.request_timeout", "10s")
	v.SetDefault("broker.rate_limit_per_sec", 2.0)

	v.SetDefault("pricing.risk_free_rate", 0.05)
	v.SetDefault("pricing.dividend_yield", 0.0)
	v.SetDefault("pricing.iv_max_iterations", 100)
	v.SetDefault("pricing.iv_tolerance", 1e-6)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.request_timeout", "10s")
	v.SetDefault("alerting.retry.max_attempts", 3)
	v.SetDefault("alerting.retry.base_delay", "500ms")
	v.SetDefault("alerting.retry.multiplier", 2.0)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("retention.risk_samples", "2160h")
	v.SetDefault("retention.alert_events", "8760h")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Scheduler.Workers <= 0 {
		return fmt.Errorf("scheduler.workers must be greater than zero")
	}
	if c.Broker.RateLimitPerSec <= 0 {
		return fmt.Errorf("broker.rate_limit_per_sec must be greater than zero")
	}
	if c.Pricing.IVMaxIterations <= 0 {
		return fmt.Errorf("pricing.iv_max_iterations must be greater than zero")
	}
	if c.Pricing.IVTolerance <= 0 {
		return fmt.Errorf("pricing.iv_tolerance must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Alerting.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("alerting.retry.max_attempts must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required when telegram is enabled")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required when telegram is enabled")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
