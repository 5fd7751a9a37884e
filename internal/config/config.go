package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"listing-alerts/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Thresholds ThresholdsConfig `mapstructure:"thresholds"`
	Delivery   DeliveryConfig   `mapstructure:"delivery"`
	Email      EmailConfig      `mapstructure:"email"`
	Export     ExportConfig     `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	BaseURL     string `mapstructure:"base_url"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// SchedulerConfig governs detection sweep cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// ThresholdsConfig carries the system default alert thresholds and the
// review-spike rule. User and per-entity rows in storage override the
// percentages at resolution time.
type ThresholdsConfig struct {
	PriceChangePct    float64       `mapstructure:"price_change_pct"`
	RankChangePct     float64       `mapstructure:"rank_change_pct"`
	MinRatingDelta    float64       `mapstructure:"min_rating_delta"`
	ReviewSpikeWindow time.Duration `mapstructure:"review_spike_window"`
	ReviewSpikePct    float64       `mapstructure:"review_spike_pct"`
	ReviewSpikeCount  int           `mapstructure:"review_spike_count"`
}

// DeliveryConfig tunes the email dispatch worker.
type DeliveryConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	BackoffBase  time.Duration `mapstructure:"backoff_base"`
	BackoffCap   time.Duration `mapstructure:"backoff_cap"`
	ClaimTimeout time.Duration `mapstructure:"claim_timeout"`
	RatePerSec   float64       `mapstructure:"rate_per_sec"`
	RateBurst    int           `mapstructure:"rate_burst"`
}

// EmailConfig covers SMTP connectivity for the email channel.
type EmailConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	From     string        `mapstructure:"from"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LISTINGWATCH")
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
	v.SetDefault("app.name", "listingwatch")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.base_url", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.interval", "15m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x6c697374))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("thresholds.price_change_pct", 10.0)
	v.SetDefault("thresholds.rank_change_pct", 30.0)
	v.SetDefault("thresholds.min_rating_delta", 0.1)
	v.SetDefault("thresholds.review_spike_window", "168h")
	v.SetDefault("thresholds.review_spike_pct", 50.0)
	v.SetDefault("thresholds.review_spike_count", 20)

	v.SetDefault("delivery.poll_interval", "30s")
	v.SetDefault("delivery.batch_size", 100)
	v.SetDefault("delivery.max_attempts", 3)
	v.SetDefault("delivery.backoff_base", "1s")
	v.SetDefault("delivery.backoff_cap", "15m")
	v.SetDefault("delivery.claim_timeout", "5m")
	v.SetDefault("delivery.rate_per_sec", 5.0)
	v.SetDefault("delivery.rate_burst", 10)

	v.SetDefault("email.enabled", false)
	v.SetDefault("email.port", 587)
	v.SetDefault("email.timeout", "15s")

	v.SetDefault("export.max_data_points", 100000)

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
	if c.Thresholds.PriceChangePct < 0 {
		return fmt.Errorf("thresholds.price_change_pct cannot be negative")
	}
	if c.Thresholds.RankChangePct < 0 {
		return fmt.Errorf("thresholds.rank_change_pct cannot be negative")
	}
	if c.Thresholds.ReviewSpikeWindow <= 0 {
		return fmt.Errorf("thresholds.review_spike_window must be greater than zero")
	}
	if c.Delivery.MaxAttempts <= 0 {
		return fmt.Errorf("delivery.max_attempts must be greater than zero")
	}
	if c.Delivery.BackoffBase <= 0 || c.Delivery.BackoffCap < c.Delivery.BackoffBase {
		return fmt.Errorf("delivery backoff window is invalid")
	}
	if c.Delivery.ClaimTimeout <= 0 {
		return fmt.Errorf("delivery.claim_timeout must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Email.Enabled {
		if c.Email.Host == "" {
			return fmt.Errorf("email.host is required when email is enabled")
		}
		if c.Email.From == "" {
			return fmt.Errorf("email.from is required when email is enabled")
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
