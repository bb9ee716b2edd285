package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config represents the application configuration
type Config struct {
	Server struct {
		Port int `koanf:"port"`
	} `koanf:"server"`

	Log struct {
		Level  string `koanf:"level"`
		Pretty bool   `koanf:"pretty"`
	} `koanf:"log"`

	Database struct {
		URL string `koanf:"url"`
	} `koanf:"database"`

	API struct {
		// SecretKey guards the management endpoints (x-api-secret header)
		SecretKey string `koanf:"secret_key"`
	} `koanf:"api"`

	Provider ProviderConfig `koanf:"provider"`
	Queue    QueueSettings  `koanf:"queue"`
}

// ProviderConfig holds everything needed to talk to the upstream activity provider
type ProviderConfig struct {
	BaseURL       string        `koanf:"base_url"`
	APIKey        string        `koanf:"api_key"`
	CallbackURL   string        `koanf:"callback_url"`   // public URL the provider delivers activity to
	WebhookName   string        `koanf:"webhook_name"`   // display name for the provider-side subscription
	WebhookSecret string        `koanf:"webhook_secret"` // shared secret for signing inbound callbacks
	Timeout       time.Duration `koanf:"timeout"`

	// Global thresholds passed through unchanged on every create/update
	MinScore     float64 `koanf:"min_score"`
	MinAmountUSD float64 `koanf:"min_amount_usd"`
}

// QueueSettings holds the reconciliation queue tuning knobs
type QueueSettings struct {
	MaxAttempts   int           `koanf:"max_attempts"`
	BackoffBase   time.Duration `koanf:"backoff_base"`
	BackoffMax    time.Duration `koanf:"backoff_max"`
	JobTimeout    time.Duration `koanf:"job_timeout"`
	RatePerMinute int           `koanf:"rate_per_minute"`
}

// LoadConfig loads the configuration from a file
func LoadConfig(configPath string) (*Config, error) {
	var k = koanf.New(".")

	// Set up default configuration
	k.Load(confmap.Provider(map[string]interface{}{
		"server.port":           3001,
		"log.level":             "info",
		"log.pretty":            false,
		"provider.webhook_name": "Tradewatch webhook",
		"provider.timeout":      "30s",
		"queue.max_attempts":    3,
		"queue.backoff_base":    "2s",
		"queue.backoff_max":     "1m",
		"queue.job_timeout":     "2m",
		"queue.rate_per_minute": 10,
	}, "."), nil)

	// Load from TOML file if it exists
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
				return nil, fmt.Errorf("error loading config: %w", err)
			}
		}
	} else {
		// Try to load from default locations
		defaultPaths := []string{"./tradewatch.toml", "$HOME/.tradewatch.toml"}
		for _, path := range defaultPaths {
			path = os.ExpandEnv(path)
			if _, err := os.Stat(path); err == nil {
				if err := k.Load(file.Provider(path), toml.Parser()); err == nil {
					break
				}
			}
		}
	}

	// Load from environment variables with prefix TRADEWATCH_. Double
	// underscore separates hierarchy levels so key names may themselves
	// contain underscores: TRADEWATCH_PROVIDER__API_KEY -> provider.api_key.
	k.Load(env.Provider("TRADEWATCH_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "TRADEWATCH_")), "__", ".", -1)
	}), nil)

	// Unmarshal into Config struct
	var config Config
	if err := k.Unmarshal("", &config); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	return &config, nil
}

// Validate validates the configuration
func Validate(config *Config) error {
	if config.Server.Port <= 0 {
		return fmt.Errorf("server port must be positive")
	}
	if config.Provider.BaseURL == "" {
		return fmt.Errorf("provider base_url is required")
	}
	if config.Provider.APIKey == "" {
		return fmt.Errorf("provider api_key is required")
	}
	if config.Provider.CallbackURL == "" {
		return fmt.Errorf("provider callback_url is required")
	}
	if config.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue max_attempts must be positive")
	}
	return nil
}
