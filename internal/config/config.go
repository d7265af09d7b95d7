package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete configuration for the revenue core service
type Config struct {
	Environment   string              `mapstructure:"environment"`
	Debug         bool                `mapstructure:"debug"`
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Pricing       PricingConfig       `mapstructure:"pricing"`
	Overstay      OverstayConfig      `mapstructure:"overstay"`
	Fraud         FraudConfig         `mapstructure:"fraud"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Scheduler     SchedulerConfig     `mapstructure:"scheduler"`
	Logging       LoggingConfig       `mapstructure:"logging"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	HTTPPort        int           `mapstructure:"http_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig contains database configuration
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// RedisConfig contains Redis configuration for the pricing rule cache
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// KafkaConfig contains Kafka configuration
type KafkaConfig struct {
	Enabled bool         `mapstructure:"enabled"`
	Brokers []string     `mapstructure:"brokers"`
	GroupID string       `mapstructure:"group_id"`
	Topics  TopicsConfig `mapstructure:"topics"`
}

// TopicsConfig contains Kafka topic configuration
type TopicsConfig struct {
	// Input topics
	SensorEvents string `mapstructure:"sensor_events"`
	Transactions string `mapstructure:"transactions"`

	// Output topics
	AlertEscalated string `mapstructure:"alert_escalated"`
}

// PricingConfig contains surge pricing configuration
type PricingConfig struct {
	RuleCacheTTL time.Duration `mapstructure:"rule_cache_ttl"`
}

// OverstayConfig contains overstay fee configuration
type OverstayConfig struct {
	BlockMinutes int   `mapstructure:"block_minutes"`
	FeePerBlock  int64 `mapstructure:"fee_per_block"`
}

// FraudConfig contains fraud correlation engine configuration
type FraudConfig struct {
	GraceWindow          time.Duration     `mapstructure:"grace_window"`
	SweepSchedule        string            `mapstructure:"sweep_schedule"`
	MaxEscalationRetries int               `mapstructure:"max_escalation_retries"`
	EscalationBackoff    time.Duration     `mapstructure:"escalation_backoff"`
	DefaultSeverity      string            `mapstructure:"default_severity"`
	LotSeverities        map[string]string `mapstructure:"lot_severities"`
	DedupWindow          time.Duration     `mapstructure:"dedup_window"`
	CaseRetention        time.Duration     `mapstructure:"case_retention"`
}

// NotificationsConfig contains notification gateway configuration
type NotificationsConfig struct {
	QueueSize   int           `mapstructure:"queue_size"`
	WorkerCount int           `mapstructure:"worker_count"`
	MaxRetries  int           `mapstructure:"max_retries"`
	RetryDelay  time.Duration `mapstructure:"retry_delay"`
	Email       EmailConfig   `mapstructure:"email"`
	SMS         SMSConfig     `mapstructure:"sms"`
	Webhook     WebhookConfig `mapstructure:"webhook"`
}

// EmailConfig contains email notification configuration
type EmailConfig struct {
	Enabled         bool     `mapstructure:"enabled"`
	SendGridAPIKey  string   `mapstructure:"sendgrid_api_key"`
	FromAddress     string   `mapstructure:"from_address"`
	FromName        string   `mapstructure:"from_name"`
	Recipients      []string `mapstructure:"recipients"`
	RateLimitPerMin int      `mapstructure:"rate_limit_per_min"`
}

// SMSConfig contains SMS notification configuration
type SMSConfig struct {
	Enabled         bool     `mapstructure:"enabled"`
	TwilioSID       string   `mapstructure:"twilio_sid"`
	TwilioToken     string   `mapstructure:"twilio_token"`
	FromNumber      string   `mapstructure:"from_number"`
	Recipients      []string `mapstructure:"recipients"`
	RateLimitPerMin int      `mapstructure:"rate_limit_per_min"`
}

// WebhookConfig contains webhook notification configuration
type WebhookConfig struct {
	Enabled         bool              `mapstructure:"enabled"`
	URL             string            `mapstructure:"url"`
	Headers         map[string]string `mapstructure:"headers"`
	Timeout         time.Duration     `mapstructure:"timeout"`
	RateLimitPerMin int               `mapstructure:"rate_limit_per_min"`
}

// SchedulerConfig contains scheduler configuration
type SchedulerConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	CleanupSchedule    string `mapstructure:"cleanup_schedule"`
	StatsSchedule      string `mapstructure:"stats_schedule"`
	AlertRetentionDays int    `mapstructure:"alert_retention_days"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json, text
}

// Load loads configuration from environment variables and config files
func Load(path string) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	if path != "" {
		viper.AddConfigPath(path)
	}
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/revenue-core")

	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvPrefix("REVENUE_CORE")

	// Config file is optional; defaults plus env cover deployments.
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate rejects configurations the core cannot run with.
func (c *Config) Validate() error {
	if c.Fraud.GraceWindow <= 0 {
		return fmt.Errorf("fraud.grace_window must be positive, got %s", c.Fraud.GraceWindow)
	}
	if c.Overstay.BlockMinutes <= 0 {
		return fmt.Errorf("overstay.block_minutes must be positive, got %d", c.Overstay.BlockMinutes)
	}
	if c.Overstay.FeePerBlock < 0 {
		return fmt.Errorf("overstay.fee_per_block must not be negative, got %d", c.Overstay.FeePerBlock)
	}
	switch c.Fraud.DefaultSeverity {
	case "LOW", "MEDIUM", "HIGH", "CRITICAL":
	default:
		return fmt.Errorf("fraud.default_severity must be one of LOW, MEDIUM, HIGH, CRITICAL, got %q", c.Fraud.DefaultSeverity)
	}
	return nil
}

// setDefaults sets default configuration values
func setDefaults() {
	// General
	viper.SetDefault("environment", "development")
	viper.SetDefault("debug", false)

	// Server
	viper.SetDefault("server.http_port", 8086)
	viper.SetDefault("server.read_timeout", "15s")
	viper.SetDefault("server.write_timeout", "15s")
	viper.SetDefault("server.shutdown_timeout", "20s")

	// Database
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.name", "revenue_core")
	viper.SetDefault("database.username", "postgres")
	viper.SetDefault("database.password", "postgres")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", "5m")
	viper.SetDefault("database.migrations_path", "file://migrations")

	// Redis
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 10)

	// Kafka
	viper.SetDefault("kafka.enabled", true)
	viper.SetDefault("kafka.brokers", []string{"localhost:9092"})
	viper.SetDefault("kafka.group_id", "revenue-core")
	viper.SetDefault("kafka.topics.sensor_events", "sensor-events")
	viper.SetDefault("kafka.topics.transactions", "transactions")
	viper.SetDefault("kafka.topics.alert_escalated", "fraud-alert-escalated")

	// Pricing
	viper.SetDefault("pricing.rule_cache_ttl", "30s")

	// Overstay
	viper.SetDefault("overstay.block_minutes", 15)
	viper.SetDefault("overstay.fee_per_block", 10)

	// Fraud
	viper.SetDefault("fraud.grace_window", "10m")
	viper.SetDefault("fraud.sweep_schedule", "*/15 * * * * *")
	viper.SetDefault("fraud.max_escalation_retries", 5)
	viper.SetDefault("fraud.escalation_backoff", "5s")
	viper.SetDefault("fraud.default_severity", "CRITICAL")
	viper.SetDefault("fraud.dedup_window", "1h")
	viper.SetDefault("fraud.case_retention", "720h")

	// Notifications
	viper.SetDefault("notifications.queue_size", 256)
	viper.SetDefault("notifications.worker_count", 2)
	viper.SetDefault("notifications.max_retries", 3)
	viper.SetDefault("notifications.retry_delay", "10s")
	viper.SetDefault("notifications.email.enabled", false)
	viper.SetDefault("notifications.email.rate_limit_per_min", 60)
	viper.SetDefault("notifications.sms.enabled", false)
	viper.SetDefault("notifications.sms.rate_limit_per_min", 10)
	viper.SetDefault("notifications.webhook.enabled", false)
	viper.SetDefault("notifications.webhook.timeout", "30s")
	viper.SetDefault("notifications.webhook.rate_limit_per_min", 120)

	// Scheduler
	viper.SetDefault("scheduler.enabled", true)
	viper.SetDefault("scheduler.cleanup_schedule", "0 0 * * * *")
	viper.SetDefault("scheduler.stats_schedule", "0 */1 * * * *")
	viper.SetDefault("scheduler.alert_retention_days", 30)

	// Logging
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "text")
}
