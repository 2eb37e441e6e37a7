package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"xrplwatch/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App          AppConfig          `mapstructure:"app"`
	Logging      logging.Config     `mapstructure:"logging"`
	Database     DatabaseConfig     `mapstructure:"database"`
	XRPL         XRPLConfig         `mapstructure:"xrpl"`
	Pipeline     PipelineConfig     `mapstructure:"pipeline"`
	Alerting     AlertingConfig     `mapstructure:"alerting"`
	API          APIConfig          `mapstructure:"api"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Housekeeping HousekeepingConfig `mapstructure:"housekeeping"`
	Export       ExportConfig       `mapstructure:"export"`
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
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// XRPLConfig covers the websocket feed and the JSON-RPC history endpoint.
type XRPLConfig struct {
	WSURL            string        `mapstructure:"ws_url"`
	RPCURL           string        `mapstructure:"rpc_url"`
	Accounts         []string      `mapstructure:"accounts"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	ReconnectBackoff time.Duration `mapstructure:"reconnect_backoff"`
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	BackfillPageSize int           `mapstructure:"backfill_page_size"`
	BackfillMaxPages int           `mapstructure:"backfill_max_pages"`
}

// PipelineConfig tunes the ingestion loop's fault handling.
type PipelineConfig struct {
	DBRetryAttempts   int           `mapstructure:"db_retry_attempts"`
	DBRetryDelay      time.Duration `mapstructure:"db_retry_delay"`
	StorageCooldown   time.Duration `mapstructure:"storage_cooldown"`
	GenericCooldown   time.Duration `mapstructure:"generic_cooldown"`
	BackfillOnConnect bool          `mapstructure:"backfill_on_connect"`
	AdvisoryLockKey   int64         `mapstructure:"advisory_lock_key"`
	LockPollInterval  time.Duration `mapstructure:"lock_poll_interval"`
}

// AlertingConfig defines the fallback threshold and channel routing.
type AlertingConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	FallbackThreshold float64       `mapstructure:"fallback_threshold"`
	ChannelTimeout    time.Duration `mapstructure:"channel_timeout"`
	Webhook           WebhookConfig `mapstructure:"webhook"`
	Email             EmailConfig   `mapstructure:"email"`
	Desktop           DesktopConfig `mapstructure:"desktop"`
	Kafka             KafkaConfig   `mapstructure:"kafka"`
}

// WebhookConfig points at an HTTP endpoint receiving alert JSON.
type WebhookConfig struct {
	URL string `mapstructure:"url"`
}

// EmailConfig describes the SMTP relay.
type EmailConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
	To       string `mapstructure:"to"`
	StartTLS bool   `mapstructure:"starttls"`
}

// Enabled reports whether enough is configured to send mail.
func (e EmailConfig) Enabled() bool {
	return e.Host != "" && e.To != ""
}

// DesktopConfig toggles local OS notifications.
type DesktopConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Title   string `mapstructure:"title"`
}

// KafkaConfig publishes alerts to a topic.
type KafkaConfig struct {
	Brokers  []string `mapstructure:"brokers"`
	Topic    string   `mapstructure:"topic"`
	ClientID string   `mapstructure:"client_id"`
}

// Enabled reports whether a broker list is configured.
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

// APIConfig configures the read API.
type APIConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Listen          string        `mapstructure:"listen"`
	APIKey          string        `mapstructure:"api_key"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	RecentLimit     int           `mapstructure:"recent_limit"`
}

// SchedulerConfig governs housekeeping cadence.
type SchedulerConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	AlignToTick  bool          `mapstructure:"align_to_tick"`
	StartupDelay  time.Duration `mapstructure:"startup_delay"`
}

// HousekeepingConfig sets retention for acknowledged alerts. Zero keeps everything.
type HousekeepingConfig struct {
	AlertRetention time.Duration `mapstructure:"alert_retention"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("XRPLWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// an empty XRPLWATCH_API_API_KEY must be able to switch auth off
	v.AllowEmptyEnv(true)

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

	cfg.XRPL.Accounts = normalizeAccounts(cfg.XRPL.Accounts)

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
	v.SetDefault("app.name", "xrplwatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.console_time_format", time.RFC3339)

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("xrpl.ws_url", "wss://s1.ripple.com/")
	v.SetDefault("xrpl.rpc_url", "https://s2.ripple.com:51234/")
	v.SetDefault("xrpl.accounts", []string{})
	v.SetDefault("xrpl.request_timeout", "15s")
	v.SetDefault("xrpl.reconnect_backoff", "5s")
	v.SetDefault("xrpl.ping_interval", "20s")
	v.SetDefault("xrpl.read_timeout", "60s")
	v.SetDefault("xrpl.backfill_page_size", 200)
	v.SetDefault("xrpl.backfill_max_pages", 50)

	v.SetDefault("pipeline.db_retry_attempts", 3)
	v.SetDefault("pipeline.db_retry_delay", "1s")
	v.SetDefault("pipeline.storage_cooldown", "5s")
	v.SetDefault("pipeline.generic_cooldown", "10s")
	v.SetDefault("pipeline.backfill_on_connect", true)
	v.SetDefault("pipeline.advisory_lock_key", int64(0x5852504c))
	v.SetDefault("pipeline.lock_poll_interval", "15s")

	v.SetDefault("alerting.enabled", true)
	v.SetDefault("alerting.fallback_threshold", 50.0)
	v.SetDefault("alerting.channel_timeout", "5s")
	v.SetDefault("alerting.webhook.url", "")
	v.SetDefault("alerting.email.host", "")
	v.SetDefault("alerting.email.port", 587)
	v.SetDefault("alerting.email.username", "")
	v.SetDefault("alerting.email.password", "")
	v.SetDefault("alerting.email.from", "")
	v.SetDefault("alerting.email.to", "")
	v.SetDefault("alerting.email.starttls", true)
	v.SetDefault("alerting.desktop.enabled", false)
	v.SetDefault("alerting.desktop.title", "XRP Alert")
	v.SetDefault("alerting.kafka.brokers", []string{})
	v.SetDefault("alerting.kafka.topic", "")
	v.SetDefault("alerting.kafka.client_id", "xrplwatch")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.listen", ":8080")
	v.SetDefault("api.api_key", "change-me")
	v.SetDefault("api.read_timeout", "10s")
	v.SetDefault("api.write_timeout", "15s")
	v.SetDefault("api.shutdown_timeout", "5s")
	v.SetDefault("api.recent_limit", 25)

	v.SetDefault("scheduler.interval", "1h")
	v.SetDefault("scheduler.align_to_tick", true)
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("housekeeping.alert_retention", "0s")

	v.SetDefault("export.max_data_points", 5000)
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

func normalizeAccounts(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, addr := range in {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	return out
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	for _, addr := range c.XRPL.Accounts {
		if !looksLikeClassicAddress(addr) {
			return fmt.Errorf("xrpl.accounts: %q is not a classic XRPL address", addr)
		}
	}
	if c.XRPL.ReconnectBackoff <= 0 {
		return fmt.Errorf("xrpl.reconnect_backoff must be greater than zero")
	}
	if c.XRPL.BackfillPageSize <= 0 || c.XRPL.BackfillPageSize > 400 {
		return fmt.Errorf("xrpl.backfill_page_size must be between 1 and 400")
	}
	if c.Pipeline.DBRetryAttempts <= 0 {
		return fmt.Errorf("pipeline.db_retry_attempts must be greater than zero")
	}
	if c.Pipeline.DBRetryDelay <= 0 || c.Pipeline.StorageCooldown <= 0 || c.Pipeline.GenericCooldown <= 0 {
		return fmt.Errorf("pipeline retry delay and cooldowns must be greater than zero")
	}
	if c.Alerting.FallbackThreshold < 0 {
		return fmt.Errorf("alerting.fallback_threshold cannot be negative")
	}
	if c.Alerting.Email.To != "" {
		if c.Alerting.Email.Host == "" {
			return fmt.Errorf("alerting.email.host is required when alerting.email.to is set")
		}
		if c.Alerting.Email.From == "" {
			return fmt.Errorf("alerting.email.from is required when alerting.email.to is set")
		}
	}
	if c.Alerting.Kafka.Enabled() && c.Alerting.Kafka.Topic == "" {
		return fmt.Errorf("alerting.kafka.topic is required when brokers are configured")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	return nil
}

// RequireAccounts is checked by commands that talk to the feed.
func (c *Config) RequireAccounts() error {
	if len(c.XRPL.Accounts) == 0 {
		return fmt.Errorf("xrpl.accounts must list at least one watched address")
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

func looksLikeClassicAddress(addr string) bool {
	if len(addr) < 25 || len(addr) > 35 || addr[0] != 'r' {
		return false
	}
	for _, r := range addr {
		// ripple base58 alphabet excludes 0, O, I and l
		if !strings.ContainsRune("rpshnaf39wBUDNEGHJKLM4PQRST7VWXYZ2bcdeCg65jkm8oFqi1tuvAxyz", r) {
			return false
		}
	}
	return true
}
