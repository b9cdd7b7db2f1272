// Package config provides configuration management for the event pipeline.
// Values come from the process environment (optionally seeded from a .env
// file) and, when VAULT_ADDR is set, from HashiCorp Vault, whose secrets take
// precedence over the environment.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/joho/godotenv"
)

// ConfigParsed holds the full parsed configuration for both the API-side
// publisher and the notification worker.
type ConfigParsed struct {
	Kafka    KafkaConfig    `json:"kafka"`
	Redis    RedisConfig    `json:"redis"`
	Telegram TelegramConfig `json:"telegram"`
	Ops      OpsConfig      `json:"ops"`
	Log      LogConfig      `json:"log"`
}

// KafkaConfig holds Kafka connection, consumer and producer settings.
type KafkaConfig struct {
	Brokers             string        `json:"brokers" env:"KAFKA_BOOTSTRAP_SERVERS" envDefault:"kafka:9092"` // Comma separated list of Kafka brokers
	ClientID            string        `json:"client_id" env:"KAFKA_CLIENT_ID" envDefault:"notification-pipeline"`
	ConsumerGroupPrefix string        `json:"consumer_group_prefix" env:"KAFKA_CONSUMER_GROUP_PREFIX" envDefault:"bot"` // Groups are named <prefix>_<topic>_handler
	AutoOffsetReset     string        `json:"auto_offset_reset" env:"KAFKA_AUTO_OFFSET_RESET" envDefault:"earliest"`    // "earliest" or "latest"
	SessionTimeout      time.Duration `json:"session_timeout" env:"KAFKA_SESSION_TIMEOUT" envDefault:"10s"`
	PublishTimeout      time.Duration `json:"publish_timeout" env:"KAFKA_PUBLISH_TIMEOUT" envDefault:"30s"` // Upper bound on waiting for delivery confirmation
	ShutdownGrace       time.Duration `json:"shutdown_grace" env:"KAFKA_SHUTDOWN_GRACE" envDefault:"5s"`    // How long Stop waits for receive loops
	SASLEnabled         bool          `json:"sasl_enabled" env:"KAFKA_SASL_ENABLED" envDefault:"false"`
	SASLUsername        string        `json:"sasl_username" env:"KAFKA_SASL_USERNAME"`
	SASLPassword        string        `json:"sasl_password" env:"KAFKA_SASL_PASSWORD"`
	SASLMechanism       string        `json:"sasl_mechanism" env:"KAFKA_SASL_MECHANISM" envDefault:"PLAIN"`
}

// RedisConfig holds the shared store location, connection retry policy and
// default TTLs of the store-backed primitives.
type RedisConfig struct {
	URL              string        `json:"url" env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	ConnectRetries   int           `json:"connect_retries" env:"REDIS_CONNECT_RETRIES" envDefault:"5"`
	ConnectBaseDelay time.Duration `json:"connect_base_delay" env:"REDIS_CONNECT_BASE_DELAY" envDefault:"1s"` // Doubles after each failed attempt
	CacheTTL         time.Duration `json:"cache_ttl" env:"CACHE_TTL" envDefault:"1h"`
	LockTTL          time.Duration `json:"lock_ttl" env:"LOCK_TTL" envDefault:"30s"`
	RateLimitWindow  time.Duration `json:"rate_limit_window" env:"RATE_LIMIT_WINDOW" envDefault:"60s"`
	SessionTTL       time.Duration `json:"session_ttl" env:"SESSION_TTL" envDefault:"24h"`
}

// TelegramConfig holds the bot credentials used by the worker.
type TelegramConfig struct {
	BotToken string `json:"bot_token" env:"BOT_TOKEN"`
	BotName  string `json:"bot_name" env:"BOT_NAME" envDefault:"WiquzixBot"`
}

// OpsConfig holds the worker's operational HTTP endpoint settings.
type OpsConfig struct {
	Addr string `json:"addr" env:"OPS_ADDR" envDefault:":8081"`
}

// LogConfig holds logger settings. Like every other setting they may come
// from .env or Vault.
type LogConfig struct {
	Level   string `json:"level" env:"LOG_LEVEL" envDefault:"info"`
	Service string `json:"service" env:"SERVICE_NAME" envDefault:"notification-pipeline"`
}

// Validate checks the settings every deployment needs.
func (c ConfigParsed) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Kafka),
		validation.Field(&c.Redis),
	)
}

// Validate checks the Kafka settings.
func (k KafkaConfig) Validate() error {
	return validation.ValidateStruct(&k,
		validation.Field(&k.Brokers, validation.Required.Error("Kafka brokers not configured")),
		validation.Field(&k.ConsumerGroupPrefix, validation.Required),
		validation.Field(&k.AutoOffsetReset, validation.In("earliest", "latest")),
		validation.Field(&k.PublishTimeout, validation.Min(time.Millisecond)),
	)
}

// Validate checks the Redis settings.
func (r RedisConfig) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.URL, validation.Required.Error("Redis URL not configured")),
		validation.Field(&r.ConnectRetries, validation.Min(0)),
	)
}

// Load loads the full ConfigParsed. A .env file in the working directory is
// applied first when present; Vault secrets override environment values when
// VAULT_ADDR is set.
func Load() (*ConfigParsed, error) {
	_ = godotenv.Load()

	environment := environ()
	if os.Getenv("VAULT_ADDR") != "" {
		vaultClient, err := NewVaultClient()
		if err != nil {
			return nil, err
		}
		overlay(environment, vaultClient.Secrets())
	}

	return Parse(environment)
}

// Parse decodes and validates configuration from the given key/value set.
func Parse(environment map[string]string) (*ConfigParsed, error) {
	cfg := &ConfigParsed{}
	if err := env.ParseWithOptions(cfg, env.Options{Environment: environment}); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func environ() map[string]string {
	environment := make(map[string]string)
	for _, kv := range os.Environ() {
		if key, value, ok := strings.Cut(kv, "="); ok {
			environment[key] = value
		}
	}
	return environment
}

func overlay(dst, src map[string]string) {
	for key, value := range src {
		if value != "" {
			dst[key] = value
		}
	}
}
