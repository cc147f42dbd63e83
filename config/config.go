package config

import (
	"errors"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	gokeyring "github.com/zalando/go-keyring"
)

const (
	// KeyringService is the OS keyring service holding the broker secret.
	KeyringService = "optionsbot"
	// KeyringSecretKey is the keyring entry name for the broker API secret.
	KeyringSecretKey = "broker_api_secret"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Brokerage
	BrokerBaseURL   string
	BrokerStreamURL string
	DataBaseURL     string
	BrokerAPIKey    string
	BrokerAPISecret string
	PaperTrading    bool

	// Infrastructure
	RedisAddr     string
	RedisPassword string
	SQLitePath    string
	MetricsAddr   string

	// Alerting
	AlertWebhookURL  string
	TelegramBotToken string
	TelegramChatID   string

	// Business policy file (YAML). Empty means built-in defaults.
	PolicyPath string

	// Scheduling
	PositionCheckInterval time.Duration
	ChainWorkers          int
}

// SecretLookup resolves a secret that was not supplied through the environment.
type SecretLookup func(service, key string) (string, error)

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return LoadWith(keyringLookup)
}

// LoadWith is Load with an injectable secret lookup for the broker secret.
func LoadWith(lookup SecretLookup) *Config {
	cfg := &Config{
		BrokerBaseURL:   getEnv("BROKER_BASE_URL", "https://paper-api.alpaca.markets"),
		BrokerStreamURL: getEnv("BROKER_STREAM_URL", "wss://paper-api.alpaca.markets/stream"),
		DataBaseURL:     getEnv("DATA_BASE_URL", "https://data.alpaca.markets"),
		BrokerAPIKey:    getEnv("BROKER_API_KEY", ""),
		BrokerAPISecret: getEnv("BROKER_API_SECRET", ""),
		PaperTrading:    getBool("PAPER_TRADING", true),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		SQLitePath:    getEnv("SQLITE_PATH", "data/optionsbot.db"),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),

		AlertWebhookURL:  getEnv("ALERT_WEBHOOK_URL", ""),
		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),

		PolicyPath: getEnv("POLICY_PATH", ""),

		PositionCheckInterval: getDuration("POSITION_CHECK_INTERVAL", 5*time.Minute),
		ChainWorkers:          getInt("CHAIN_WORKERS", 4),
	}

	if cfg.BrokerAPISecret == "" && cfg.BrokerAPIKey != "" && lookup != nil {
		secret, err := lookup(KeyringService, KeyringSecretKey)
		switch {
		case err == nil:
			cfg.BrokerAPISecret = secret
		case errors.Is(err, gokeyring.ErrNotFound):
			log.Printf("[config] no broker secret in env or keyring")
		default:
			log.Printf("[config] keyring lookup failed: %v", err)
		}
	}
	return cfg
}

// UseLiveBroker reports whether credentials are present for the REST broker.
func (c *Config) UseLiveBroker() bool {
	return c.BrokerAPIKey != "" && c.BrokerAPISecret != ""
}

// StoreSecret saves the broker API secret in the OS keyring.
func StoreSecret(secret string) error {
	return gokeyring.Set(KeyringService, KeyringSecretKey, secret)
}

func keyringLookup(service, key string) (string, error) {
	return gokeyring.Get(service, key)
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getBool(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("[config] invalid bool for %s: %q, using %v", key, v, fallback)
		return fallback
	}
	return b
}

func getInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Printf("[config] invalid int for %s: %q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		log.Printf("[config] invalid duration for %s: %q, using %s", key, v, fallback)
		return fallback
	}
	return d
}
