package config

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds application configuration
type Config struct {
	Port        int      `env:"PORT" envDefault:"8080"`
	Environment string   `env:"ENVIRONMENT" envDefault:"production"`
	AppURL      string   `env:"APP_URL"`
	JWTSecret   string   `env:"JWT_SECRET"`
	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:","`

	SessionTTL    time.Duration `env:"SESSION_TTL" envDefault:"2h"`
	SessionIssuer string        `env:"SESSION_ISSUER" envDefault:"tagtokn"`

	Database  DatabaseConfig
	OAuth     OAuthConfig
	Webhook   WebhookConfig
	Messaging MessagingConfig
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Type         string `env:"DATABASE_TYPE" envDefault:"postgres"`
	DSN          string `env:"DATABASE_DSN"`
	MaxOpenConns int    `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	MaxIdleConns int    `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
}

// OAuthConfig holds the Instagram OAuth client and state lifecycle settings
type OAuthConfig struct {
	Provider     string   `env:"OAUTH_PROVIDER" envDefault:"instagram"`
	ClientID     string   `env:"INSTAGRAM_CLIENT_ID"`
	ClientSecret string   `env:"INSTAGRAM_CLIENT_SECRET"`
	RedirectURL  string   `env:"INSTAGRAM_REDIRECT_URI"`
	Scopes       []string `env:"INSTAGRAM_SCOPES" envSeparator:"," envDefault:"instagram_business_basic"`
	AuthURL      string   `env:"INSTAGRAM_AUTH_URL" envDefault:"https://www.instagram.com/oauth/authorize"`
	TokenURL     string   `env:"INSTAGRAM_TOKEN_URL" envDefault:"https://api.instagram.com/oauth/access_token"`
	GraphURL     string   `env:"INSTAGRAM_GRAPH_URL" envDefault:"https://graph.instagram.com"`

	StateTTL        time.Duration `env:"OAUTH_STATE_TTL" envDefault:"30m"`
	StateSweepBatch int           `env:"OAUTH_STATE_SWEEP_BATCH" envDefault:"100"`
	StateRetention  time.Duration `env:"OAUTH_STATE_RETENTION" envDefault:"24h"`

	ProviderTimeout    time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"10s"`
	TokenRefreshWindow time.Duration `env:"TOKEN_REFRESH_WINDOW" envDefault:"168h"`
	TokenSealKey       string        `env:"TOKEN_SEAL_KEY"`
}

// WebhookConfig holds the inbound webhook verification settings
type WebhookConfig struct {
	Secret        string `env:"WEBHOOK_SECRET"`
	VerifyToken   string `env:"WEBHOOK_VERIFY_TOKEN"`
	AutoReplyText string `env:"AUTO_REPLY_TEXT"`
}

// MessagingConfig holds the outbound messaging API settings
type MessagingConfig struct {
	AccessToken   string        `env:"MESSAGING_ACCESS_TOKEN"`
	GraphURL      string        `env:"MESSAGING_GRAPH_URL" envDefault:"https://graph.facebook.com/v19.0"`
	Timeout       time.Duration `env:"MESSAGING_TIMEOUT" envDefault:"10s"`
	MaxRetries    int           `env:"MESSAGING_MAX_RETRIES" envDefault:"2"`
	RetryDelay    time.Duration `env:"MESSAGING_RETRY_DELAY" envDefault:"1s"`
	RetryMaxDelay time.Duration `env:"MESSAGING_RETRY_MAX_DELAY" envDefault:"30s"`
	RetryJitter   time.Duration `env:"MESSAGING_RETRY_JITTER" envDefault:"1s"`
}

// Load loads configuration from environment variables
func Load() *Config {
	cfg, err := Parse()
	if err != nil {
		log.Fatalf("Configuration validation failed: %v", err)
	}
	return cfg
}

// Parse reads the environment into a Config, fills derived values and validates it.
func Parse() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg.AppURL = strings.TrimRight(cfg.AppURL, "/")

	if cfg.JWTSecret == "" && cfg.Environment != "production" {
		log.Println("WARNING: JWT_SECRET not set. Generating random secret for development.")
		log.Println("WARNING: This secret will change on restart. Set JWT_SECRET in production!")
		secret, err := generateRandomSecret()
		if err != nil {
			return nil, err
		}
		cfg.JWTSecret = secret
	}

	if cfg.Database.DSN == "" {
		cfg.Database.DSN = buildPostgresDSN()
	}

	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = defaultCORSOrigins(cfg.AppURL)
	}

	if cfg.OAuth.RedirectURL == "" && cfg.AppURL != "" {
		cfg.OAuth.RedirectURL = cfg.AppURL + "/oauth/callback"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func buildPostgresDSN() string {
	host := getEnv("POSTGRES_HOST", "localhost")
	port := getEnv("POSTGRES_PORT", "5432")
	user := getEnv("POSTGRES_USER", "tagtokn")
	password := getEnv("POSTGRES_PASSWORD", "secret")
	dbName := getEnv("POSTGRES_DB", "tagtokn")
	sslMode := getEnv("POSTGRES_SSLMODE", "disable")

	u := url.URL{
		Scheme: "postgresql",
		User:   url.UserPassword(user, password),
		Host:   fmt.Sprintf("%s:%s", host, port),
		Path:   dbName,
	}

	query := u.Query()
	query.Set("sslmode", sslMode)
	u.RawQuery = query.Encode()

	return u.String()
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET environment variable is required in production")
	}

	if c.IsProduction() {
		if len(c.JWTSecret) < 32 {
			return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
		}

		// Check for insecure default secrets
		insecureSecrets := []string{
			"change-this-secret-in-production",
			"change-me-in-production",
			"secret",
			"password",
			"changeme",
		}
		for _, insecure := range insecureSecrets {
			if c.JWTSecret == insecure {
				return fmt.Errorf("JWT_SECRET is set to an insecure default value. Please set a strong random secret")
			}
		}

		if c.OAuth.TokenSealKey == "" {
			return fmt.Errorf("TOKEN_SEAL_KEY is required in production")
		}
	}

	if len(c.CORSOrigins) == 0 {
		return fmt.Errorf("at least one CORS origin must be configured")
	}
	for _, origin := range c.CORSOrigins {
		if origin == "*" {
			return fmt.Errorf("wildcard CORS origin is not allowed with credentials")
		}
	}

	if c.Database.Type != "postgres" {
		return fmt.Errorf("unsupported database type: %s", c.Database.Type)
	}

	if c.OAuth.Provider != "" && c.OAuth.Provider != "instagram" {
		return fmt.Errorf("unsupported OAUTH_PROVIDER: %s", c.OAuth.Provider)
	}
	if c.OAuth.ClientID == "" || c.OAuth.ClientSecret == "" {
		return fmt.Errorf("INSTAGRAM_CLIENT_ID and INSTAGRAM_CLIENT_SECRET are required")
	}
	if c.OAuth.RedirectURL == "" {
		return fmt.Errorf("INSTAGRAM_REDIRECT_URI (or APP_URL) is required")
	}

	if c.OAuth.StateTTL < time.Minute || c.OAuth.StateTTL > 24*time.Hour {
		return fmt.Errorf("OAUTH_STATE_TTL must be between 1m and 24h, got %s", c.OAuth.StateTTL)
	}
	if c.OAuth.StateSweepBatch < 0 {
		return fmt.Errorf("OAUTH_STATE_SWEEP_BATCH cannot be negative")
	}
	if c.OAuth.ProviderTimeout <= 0 {
		return fmt.Errorf("PROVIDER_TIMEOUT must be positive")
	}

	if c.Messaging.MaxRetries < 0 {
		return fmt.Errorf("MESSAGING_MAX_RETRIES cannot be negative")
	}
	if c.Messaging.RetryDelay <= 0 {
		return fmt.Errorf("MESSAGING_RETRY_DELAY must be positive")
	}
	if c.Messaging.RetryMaxDelay < c.Messaging.RetryDelay {
		return fmt.Errorf("MESSAGING_RETRY_MAX_DELAY must not be smaller than MESSAGING_RETRY_DELAY")
	}

	return nil
}

// IsProduction reports whether the service runs in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// WebhookEnabled reports whether the webhook endpoints can verify requests.
func (c *Config) WebhookEnabled() bool {
	return c.Webhook.Secret != "" && c.Webhook.VerifyToken != ""
}

func defaultCORSOrigins(appURL string) []string {
	if appURL != "" {
		return []string{appURL}
	}

	log.Println("WARNING: APP_URL not set. Using default localhost origins.")
	log.Println("WARNING: Set APP_URL or CORS_ORIGINS for production deployments.")
	return []string{"http://localhost:3000", "http://localhost:5173"}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func generateRandomSecret() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random secret: %w", err)
	}
	return base64.URLEncoding.EncodeToString(bytes), nil
}
