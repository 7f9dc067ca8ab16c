// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"grid_trader/internal/core"
	"grid_trader/internal/trading/grid"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	App         AppConfig         `yaml:"app"`
	Exchange    ExchangeConfig    `yaml:"exchange"`
	Strategies  []StrategyConfig  `yaml:"strategies"`
	Optimizer   OptimizerConfig   `yaml:"optimizer"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Alerts      AlertConfig       `yaml:"alerts"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	LogLevel     string `yaml:"log_level"`
	DatabasePath string `yaml:"database_path"`
}

// ExchangeConfig contains the default exchange credentials and endpoints
type ExchangeConfig struct {
	APIKey    Secret `yaml:"api_key"`
	APISecret Secret `yaml:"api_secret"`
	StreamURL string `yaml:"stream_url"` // Optional override for the market data endpoint
}

// StrategyConfig declares one grid to create or resume at startup. Credentials
// default to the exchange section when omitted.
type StrategyConfig struct {
	Credentials core.Credentials  `yaml:"credentials"`
	Settings    core.GridSettings `yaml:"settings"`
}

// OptimizerConfig contains parameter search defaults
type OptimizerConfig struct {
	Interval      string  `yaml:"interval"`
	Objective     string  `yaml:"objective"`
	Leverage      int     `yaml:"leverage"`
	MinTradeValue float64 `yaml:"min_trade_value"`
	MaxTradeValue float64 `yaml:"max_trade_value"`
}

// ConcurrencyConfig contains worker pool settings
type ConcurrencyConfig struct {
	PoolSize   int `yaml:"pool_size"`
	PoolBuffer int `yaml:"pool_buffer"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// AlertConfig declares notification channels. A channel with empty
// credentials is not created.
type AlertConfig struct {
	SlackWebhookURL  Secret `yaml:"slack_webhook_url"`
	TelegramBotToken Secret `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.App.LogLevel == "" {
		c.App.LogLevel = "INFO"
	}
	if c.App.DatabasePath == "" {
		c.App.DatabasePath = "grid_trader.db"
	}
	if c.Telemetry.MetricsPort == 0 {
		c.Telemetry.MetricsPort = 9090
	}
	if c.Concurrency.PoolSize == 0 {
		c.Concurrency.PoolSize = 8
	}
	if c.Concurrency.PoolBuffer == 0 {
		c.Concurrency.PoolBuffer = 128
	}
	if c.Optimizer.Interval == "" {
		c.Optimizer.Interval = "1h"
	}
	if c.Optimizer.Objective == "" {
		c.Optimizer.Objective = "profit"
	}

	for idx := range c.Strategies {
		s := &c.Strategies[idx]
		if s.Credentials.APIKey == "" {
			s.Credentials = core.Credentials{
				APIKey:    string(c.Exchange.APIKey),
				APISecret: string(c.Exchange.APISecret),
			}
		}
		if s.Settings.PollingInterval == 0 {
			s.Settings.PollingInterval = time.Second
		}
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	if err := c.validateAppConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateStrategies(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateOptimizerConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (c *Config) validateAppConfig() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.App.LogLevel)) {
		return ValidationError{
			Field:   "app.log_level",
			Value:   c.App.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

func (c *Config) validateStrategies() error {
	for idx, s := range c.Strategies {
		if err := grid.ValidateSettings(s.Credentials, s.Settings); err != nil {
			return ValidationError{
				Field:   fmt.Sprintf("strategies[%d]", idx),
				Value:   s.Settings.Symbol,
				Message: err.Error(),
			}
		}
	}
	return nil
}

func (c *Config) validateOptimizerConfig() error {
	validObjectives := []string{"profit", "cost"}
	if !contains(validObjectives, c.Optimizer.Objective) {
		return ValidationError{
			Field:   "optimizer.objective",
			Value:   c.Optimizer.Objective,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validObjectives, ", ")),
		}
	}
	if c.Optimizer.MinTradeValue < 0 || c.Optimizer.MaxTradeValue < 0 {
		return ValidationError{
			Field:   "optimizer.min_trade_value",
			Message: "trade value bounds must not be negative",
		}
	}
	if c.Optimizer.MaxTradeValue > 0 && c.Optimizer.MinTradeValue > c.Optimizer.MaxTradeValue {
		return ValidationError{
			Field:   "optimizer.min_trade_value",
			Value:   c.Optimizer.MinTradeValue,
			Message: "must not exceed max_trade_value",
		}
	}
	return nil
}

// String returns a string representation of the configuration. Exchange
// secrets self-redact through the Secret type; per-strategy credentials are
// masked here.
func (c *Config) String() string {
	configCopy := *c

	configCopy.Strategies = make([]StrategyConfig, len(c.Strategies))
	for idx, s := range c.Strategies {
		s.Credentials.APIKey = maskString(s.Credentials.APIKey)
		s.Credentials.APISecret = maskString(s.Credentials.APISecret)
		configCopy.Strategies[idx] = s
	}

	data, _ := yaml.Marshal(configCopy)
	return string(data)
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func maskString(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}
