package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"fleet-tracking/internal/billing"
	"fleet-tracking/internal/feed"
	"fleet-tracking/internal/logging"
	"fleet-tracking/internal/mirror"
	"fleet-tracking/internal/playback"
	"fleet-tracking/internal/realtime"
	"fleet-tracking/internal/server"
	"fleet-tracking/internal/storage"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig              `mapstructure:"app"`
	Logging   logging.Config         `mapstructure:"logging"`
	Database  storage.DatabaseConfig `mapstructure:"database"`
	Redis     RedisConfig            `mapstructure:"redis"`
	Feed      feed.Config            `mapstructure:"feed"`
	HTTP      server.Config          `mapstructure:"http"`
	Tracker   realtime.Config        `mapstructure:"tracker"`
	Playback  playback.Config        `mapstructure:"playback"`
	Billing   billing.Config         `mapstructure:"billing"`
	Alerting  AlertingConfig         `mapstructure:"alerting"`
	Retention RetentionConfig        `mapstructure:"retention"`
	Export    ExportConfig           `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// RedisConfig wraps the snapshot mirror settings with an enable switch.
type RedisConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	mirror.Config `mapstructure:",squash"`
}

// AlertingConfig defines deviation alert routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// RetentionConfig governs how long deviation events are kept.
type RetentionConfig struct {
	DeviationEvents time.Duration `mapstructure:"deviation_events"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FLEETWATCHER")
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
	v.SetDefault("app.name", "fleetwatcher")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.key_prefix", "fleet:vehicle:")
	v.SetDefault("redis.ttl", "10m")

	v.SetDefault("feed.group_id", "fleetwatcher")
	v.SetDefault("feed.max_wait", "1s")

	v.SetDefault("http.enabled", true)
	v.SetDefault("http.listen", ":8080")

	v.SetDefault("tracker.offline_timeout", "3m")
	v.SetDefault("tracker.sweep_interval", "30s")
	v.SetDefault("tracker.subscriber_queue", 64)
	v.SetDefault("tracker.worker_queue", 64)
	v.SetDefault("tracker.validator.device_reset_gap", "6h")
	v.SetDefault("tracker.validator.max_speed_kmh", 220.0)
	v.SetDefault("tracker.analyzer.stop_displacement_m", 15.0)
	v.SetDefault("tracker.analyzer.stop_dwell", "2m")
	v.SetDefault("tracker.analyzer.moving_speed_kmh", 3.0)
	v.SetDefault("tracker.analyzer.excessive_speed_kmh", 110.0)
	v.SetDefault("tracker.deviation.threshold_m", 150.0)
	v.SetDefault("tracker.deviation.debounce_count", 3)
	v.SetDefault("tracker.deviation.hard_factor", 4.0)

	v.SetDefault("playback.min_speed", 0.5)
	v.SetDefault("playback.max_speed", 16.0)
	v.SetDefault("playback.update_queue", 256)
	v.SetDefault("playback.idle_timeout", "15m")

	v.SetDefault("billing.window", "1h")
	v.SetDefault("billing.limits.geocode", int64(1000))
	v.SetDefault("billing.limits.static_map", int64(2000))
	v.SetDefault("billing.limits.directions", int64(500))

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "10s")

	v.SetDefault("retention.deviation_events", "720h")

	v.SetDefault("export.max_data_points", 100000)
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
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Tracker.OfflineTimeout <= 0 {
		return fmt.Errorf("tracker.offline_timeout must be greater than zero")
	}
	if c.Tracker.SweepInterval <= 0 {
		return fmt.Errorf("tracker.sweep_interval must be greater than zero")
	}
	if c.Playback.MinSpeed <= 0 || c.Playback.MaxSpeed < c.Playback.MinSpeed {
		return fmt.Errorf("playback speed range is invalid")
	}
	if c.Billing.Window <= 0 {
		return fmt.Errorf("billing.window must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
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
