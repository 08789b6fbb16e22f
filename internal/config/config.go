package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Port              int    `env:"PORT" envDefault:"8080"`
	DatabaseURL       string `env:"DATABASE_URL,required"`
	RedisURL          string `env:"REDIS_URL,required"`
	EncryptionKey     string `env:"ENCRYPTION_KEY"`
	OpenAIAPIKey      string `env:"OPENAI_API_KEY"`
	OpenAIModel       string `env:"OPENAI_MODEL" envDefault:"gpt-4o-mini"`
	EmailWebhookURL   string `env:"EMAIL_WEBHOOK_URL"`
	SMSWebhookURL     string `env:"SMS_WEBHOOK_URL"`
	WebhookSecret     string `env:"WEBHOOK_SIGNING_SECRET"`
	AdminToken        string `env:"ADMIN_TOKEN"`
	DeviceDisplayName string `env:"WA_DEVICE_NAME" envDefault:"SchoolHub"`
	DeliveryWorkers   int    `env:"DELIVERY_WORKERS" envDefault:"4"`
	PairingTimeoutSec int    `env:"PAIRING_TIMEOUT_SECONDS" envDefault:"180"`
	LogLevel          string `env:"LOG_LEVEL" envDefault:"info"`
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// PairingTimeout is the overall window a tenant has to scan the QR code
// before the connect attempt is abandoned.
func (c *Config) PairingTimeout() time.Duration {
	return time.Duration(c.PairingTimeoutSec) * time.Second
}

func (c *Config) Validate(isProduction bool) error {
	if c.DeliveryWorkers < 1 {
		return fmt.Errorf("DELIVERY_WORKERS must be at least 1")
	}
	if c.PairingTimeoutSec < 30 {
		return fmt.Errorf("PAIRING_TIMEOUT_SECONDS must be at least 30")
	}

	if isProduction {
		if c.AdminToken == "" {
			return fmt.Errorf("ADMIN_TOKEN is required in production")
		}
		if c.EncryptionKey == "" {
			log.Warn().Msg("ENCRYPTION_KEY is empty in production: connected phone numbers will not be encrypted at rest")
		}
		if c.OpenAIAPIKey == "" {
			log.Warn().Msg("OPENAI_API_KEY is empty: agent auto-replies disabled, inbound messages will only be logged")
		}
		if strings.HasPrefix(c.RedisURL, "redis://") {
			log.Warn().Msg("REDIS_URL uses redis:// (not TLS) in production: consider using rediss://")
		}
	}

	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
