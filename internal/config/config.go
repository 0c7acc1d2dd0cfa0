package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds the full configuration surface of the service. Every value
// is injected explicitly at construction time; business logic never reads
// the environment directly.
type Config struct {
	// HTTP
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`

	// Database
	DatabasePath string `env:"DATABASE_PATH" envDefault:"./data/mailrelay.db"`

	// Google OAuth credentials for the mailbox-authorization flow. These
	// are distinct from any credentials used by the dashboard's own
	// owner-authentication flow, which this service does not handle.
	GoogleClientID     string `env:"GOOGLE_CLIENT_ID_CREATOR,required"`
	GoogleClientSecret string `env:"GOOGLE_CLIENT_SECRET_CREATOR,required"`
	GoogleRedirectURI  string `env:"GOOGLE_REDIRECT_URI_CREATOR,required"`

	// Pub/Sub topic that Gmail publishes watch notifications to.
	PubSubTopic string `env:"GOOGLE_PUBSUB_TOPIC,required"`

	// Downstream automation webhook.
	RelayWebhookURL string        `env:"RELAY_WEBHOOK_URL,required"`
	RelayTimeout    time.Duration `env:"RELAY_TIMEOUT" envDefault:"15s"`

	// Frontend redirect targets for the OAuth callback.
	SuccessRedirectURL string `env:"FRONTEND_SUCCESS_REDIRECT_URL" envDefault:"http://localhost:5173/dashboard?creator_added=true"`
	ErrorRedirectURL   string `env:"FRONTEND_ERROR_REDIRECT_URL" envDefault:"http://localhost:5173/dashboard?creator_added=false&error=true"`

	// Optional NATS JetStream escalation channel for relay delivery gaps.
	// When unset, failed batches still accumulate in the local outbox.
	NATSURL string `env:"NATS_URL"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"` // "json" or "text"
}

// Load loads configuration from the environment, reading a .env file first
// if one exists.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, nil
}
