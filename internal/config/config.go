package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config represents the complete application configuration
type Config struct {
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Sources  SourcesConfig  `mapstructure:"sources"`
	Email    EmailConfig    `mapstructure:"email"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// MonitorConfig holds polling and alerting behavior configuration
type MonitorConfig struct {
	CheckInterval        time.Duration `mapstructure:"check_interval"`
	PremiumThreshold     float64       `mapstructure:"premium_threshold"` // fraction, e.g. -0.01 = -1%
	MinConsecutiveHits   int           `mapstructure:"min_consecutive_hits"`
	ResetBuffer          float64       `mapstructure:"reset_buffer"`
	NotifyOnClear        bool          `mapstructure:"notify_on_clear"`
	FetchTimeout         time.Duration `mapstructure:"fetch_timeout"`
	DeliveryTimeout      time.Duration `mapstructure:"delivery_timeout"`
	MaxConcurrentFetches int           `mapstructure:"max_concurrent_fetches"` // 0 = no limit
}

// SourcesConfig holds the shared HTTP settings and per-venue configuration
type SourcesConfig struct {
	FilterAmount   string        `mapstructure:"filter_amount"`
	Proxy          string        `mapstructure:"proxy"`
	UserAgent      string        `mapstructure:"user_agent"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
	OKX            OKXConfig     `mapstructure:"okx"`
	Binance        BinanceConfig `mapstructure:"binance"`
	Forex          ForexConfig   `mapstructure:"forex"`
}

// OKXConfig holds OKX P2P configuration
type OKXConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	BaseURL string `mapstructure:"base_url"`
	Cookie  string `mapstructure:"cookie"`
}

// BinanceConfig holds Binance P2P configuration
type BinanceConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	BaseURL string `mapstructure:"base_url"`
}

// ForexConfig holds the reference rate provider configuration
type ForexConfig struct {
	BaseURL string `mapstructure:"base_url"`
	From    string `mapstructure:"from"`
	To      string `mapstructure:"to"`
}

// EmailConfig holds SMTP notification configuration
type EmailConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
	To       string `mapstructure:"to"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	Enabled        bool          `mapstructure:"enabled"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// StorageConfig holds the alert journal configuration
type StorageConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	DBPath     string `mapstructure:"db_path"`
	MaxRecords int    `mapstructure:"max_records"`
}

// MetricsConfig holds the Prometheus endpoint configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Load reads configuration from file, a .env file in the working directory,
// and environment variables. An empty path skips the config file.
func Load(path string) (*Config, error) {
	// A missing .env is not an error
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Enable environment variable override, e.g. PREMIUMWATCH_MONITOR_CHECK_INTERVAL
	v.SetEnvPrefix("PREMIUMWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Unmarshal into Config struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options.
// Every key needs a default so AutomaticEnv can override it without a file.
func setDefaults(v *viper.Viper) {
	// Monitor defaults
	v.SetDefault("monitor.check_interval", "60s")
	v.SetDefault("monitor.premium_threshold", -0.01)
	v.SetDefault("monitor.min_consecutive_hits", 1)
	v.SetDefault("monitor.reset_buffer", 0.005)
	v.SetDefault("monitor.notify_on_clear", false)
	v.SetDefault("monitor.fetch_timeout", "15s")
	v.SetDefault("monitor.delivery_timeout", "30s")
	v.SetDefault("monitor.max_concurrent_fetches", 0)

	// Sources defaults
	v.SetDefault("sources.filter_amount", "")
	v.SetDefault("sources.proxy", "")
	v.SetDefault("sources.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	v.SetDefault("sources.timeout", "10s")
	v.SetDefault("sources.max_retries", 3)
	v.SetDefault("sources.retry_delay_base", "1s")
	v.SetDefault("sources.okx.enabled", true)
	v.SetDefault("sources.okx.base_url", "https://www.okx.com")
	v.SetDefault("sources.okx.cookie", "")
	v.SetDefault("sources.binance.enabled", true)
	v.SetDefault("sources.binance.base_url", "https://p2p.binance.com")
	v.SetDefault("sources.forex.base_url", "https://api.frankfurter.app")
	v.SetDefault("sources.forex.from", "USD")
	v.SetDefault("sources.forex.to", "CNY")

	// Email defaults
	v.SetDefault("email.enabled", false)
	v.SetDefault("email.host", "")
	v.SetDefault("email.port", 465)
	v.SetDefault("email.username", "")
	v.SetDefault("email.password", "")
	v.SetDefault("email.from", "")
	v.SetDefault("email.to", "")

	// Telegram defaults
	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", "")
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")

	// Storage defaults
	v.SetDefault("storage.enabled", true)
	v.SetDefault("storage.db_path", "./data/premiumwatch.db")
	v.SetDefault("storage.max_records", 10000)

	// Metrics defaults
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9090")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 10)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 30)
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	// Validate Monitor config
	if c.Monitor.CheckInterval < time.Second {
		return fmt.Errorf("monitor.check_interval must be at least 1 second")
	}
	if math.IsNaN(c.Monitor.PremiumThreshold) || math.IsInf(c.Monitor.PremiumThreshold, 0) {
		return fmt.Errorf("monitor.premium_threshold must be a finite number")
	}
	if c.Monitor.PremiumThreshold <= -1 || c.Monitor.PremiumThreshold >= 1 {
		return fmt.Errorf("monitor.premium_threshold must be a fraction between -1 and 1")
	}
	if c.Monitor.MinConsecutiveHits < 1 {
		return fmt.Errorf("monitor.min_consecutive_hits must be at least 1")
	}
	if c.Monitor.ResetBuffer < 0 {
		return fmt.Errorf("monitor.reset_buffer must not be negative")
	}
	if c.Monitor.FetchTimeout <= 0 {
		return fmt.Errorf("monitor.fetch_timeout must be positive")
	}
	if c.Monitor.DeliveryTimeout <= 0 {
		return fmt.Errorf("monitor.delivery_timeout must be positive")
	}
	if c.Monitor.MaxConcurrentFetches < 0 {
		return fmt.Errorf("monitor.max_concurrent_fetches must not be negative")
	}

	// Validate Sources config
	if !c.Sources.OKX.Enabled && !c.Sources.Binance.Enabled {
		return fmt.Errorf("sources: at least one of okx, binance must be enabled")
	}
	if c.Sources.OKX.Enabled && c.Sources.OKX.BaseURL == "" {
		return fmt.Errorf("sources.okx.base_url is required when okx is enabled")
	}
	if c.Sources.Binance.Enabled && c.Sources.Binance.BaseURL == "" {
		return fmt.Errorf("sources.binance.base_url is required when binance is enabled")
	}
	if c.Sources.Forex.BaseURL == "" {
		return fmt.Errorf("sources.forex.base_url is required")
	}
	if c.Sources.Timeout <= 0 {
		return fmt.Errorf("sources.timeout must be positive")
	}
	if c.Sources.MaxRetries < 1 {
		return fmt.Errorf("sources.max_retries must be at least 1")
	}

	// Validate Email config
	if c.Email.Enabled {
		if c.Email.Host == "" {
			return fmt.Errorf("email.host is required when email is enabled")
		}
		if c.Email.From == "" || c.Email.To == "" {
			return fmt.Errorf("email.from and email.to are required when email is enabled")
		}
		if c.Email.Port < 0 || c.Email.Port > 65535 {
			return fmt.Errorf("email.port must be between 0 and 65535")
		}
	}

	// Validate Telegram config
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}

	// Validate Storage config
	if c.Storage.Enabled {
		if c.Storage.DBPath == "" {
			return fmt.Errorf("storage.db_path is required when storage is enabled")
		}
		if c.Storage.MaxRecords < 1 {
			return fmt.Errorf("storage.max_records must be at least 1")
		}
	}

	// Validate Metrics config
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required when metrics is enabled")
	}

	// Validate Logging config
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}

// GetMonitorConfig returns the Monitor configuration
func (c *Config) GetMonitorConfig() MonitorConfig {
	return c.Monitor
}

// GetSourcesConfig returns the Sources configuration
func (c *Config) GetSourcesConfig() SourcesConfig {
	return c.Sources
}

// GetEmailConfig returns the Email configuration
func (c *Config) GetEmailConfig() EmailConfig {
	return c.Email
}

// GetTelegramConfig returns the Telegram configuration
func (c *Config) GetTelegramConfig() TelegramConfig {
	return c.Telegram
}

// GetStorageConfig returns the Storage configuration
func (c *Config) GetStorageConfig() StorageConfig {
	return c.Storage
}

// GetMetricsConfig returns the Metrics configuration
func (c *Config) GetMetricsConfig() MetricsConfig {
	return c.Metrics
}

// GetLoggingConfig returns the Logging configuration
func (c *Config) GetLoggingConfig() LoggingConfig {
	return c.Logging
}
