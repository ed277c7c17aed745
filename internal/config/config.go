package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`

	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`

	// Withings device-cloud integration. Client credentials have no
	// defaults: running with a wrong identity must fail loudly.
	WithingsClientID     string `mapstructure:"WITHINGS_CLIENT_ID"`
	WithingsClientSecret string `mapstructure:"WITHINGS_CLIENT_SECRET"`
	WithingsRedirectURL  string `mapstructure:"WITHINGS_REDIRECT_URL"`

	// ClientAppURL is where the OAuth callback redirects the browser.
	ClientAppURL string `mapstructure:"CLIENT_APP_URL"`

	SyncTimeout  time.Duration `mapstructure:"SYNC_TIMEOUT"`
	PollInterval time.Duration `mapstructure:"POLL_INTERVAL"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("SYNC_TIMEOUT", "30s")
	v.SetDefault("POLL_INTERVAL", "15m")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
		"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL", "AUTH_SIGNING_KEY",
		"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
		"WITHINGS_CLIENT_ID", "WITHINGS_CLIENT_SECRET", "WITHINGS_REDIRECT_URL",
		"CLIENT_APP_URL", "SYNC_TIMEOUT", "POLL_INTERVAL",
	} {
		v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: DevAuthMiddleware is active; do NOT use in production.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// WithingsConfigured reports whether the provider client credentials are
// present. The integration endpoints refuse to issue authorization URLs
// without them.
func (c *Config) WithingsConfigured() bool {
	return c.WithingsClientID != "" && c.WithingsClientSecret != "" && c.WithingsRedirectURL != ""
}

// Validate checks that the configuration is safe to run. Outside development
// mode an auth issuer or signing key must be configured, and the Withings
// credentials must be either fully present or fully absent.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthIssuer == "" && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_ISSUER or AUTH_SIGNING_KEY must be set when ENV=%q", c.Env)
	}

	partial := c.WithingsClientID != "" || c.WithingsClientSecret != "" || c.WithingsRedirectURL != ""
	if partial && !c.WithingsConfigured() {
		return fmt.Errorf("WITHINGS_CLIENT_ID, WITHINGS_CLIENT_SECRET and WITHINGS_REDIRECT_URL must all be set together")
	}
	if c.WithingsConfigured() && c.ClientAppURL == "" {
		return fmt.Errorf("CLIENT_APP_URL is required when the Withings integration is configured")
	}

	if c.SyncTimeout <= 0 {
		return fmt.Errorf("SYNC_TIMEOUT must be positive, got %s", c.SyncTimeout)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive, got %s", c.PollInterval)
	}

	return nil
}
