// Package config loads server configuration from the environment.
//
// A .env file in the working directory is read first if present; real
// environment variables always win over it. Unparseable values and missing
// secrets fail Load. Missing provider credentials do NOT: the server can run
// (health, metrics, account listing) without them, and the link/publish
// routes report a configuration error when they are actually used.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/sakif/postlink/internal/apperror"
)

// DefaultScopes is what X needs for reading the profile, posting, and
// receiving a refresh token (offline.access).
const DefaultScopes = "tweet.read tweet.write users.read offline.access"

// Provider holds the OAuth client settings for X.
type Provider struct {
	ClientID     string
	ClientSecret string
	CallbackURL  string
	AuthURL      string
	TokenURL     string
	APIBaseURL   string
	Scopes       []string
}

// Validate reports the first missing credential as a configuration error.
func (p Provider) Validate() error {
	switch {
	case p.ClientID == "":
		return apperror.Configuration("X_CLIENT_ID")
	case p.ClientSecret == "":
		return apperror.Configuration("X_CLIENT_SECRET")
	case p.CallbackURL == "":
		return apperror.Configuration("X_CALLBACK_URL")
	}
	return nil
}

// Pages are the browser landing pages the link flow redirects to.
type Pages struct {
	Success string
	Invalid string
	Expired string
	Error   string
}

// Config holds the application configuration.
type Config struct {
	Port   int
	DBPath string

	JWTSecret          string
	CookieSecret       string
	TokenEncryptionKey string
	CookieSecure       bool

	Provider Provider

	LinkSessionTTL time.Duration
	PublishDelay   time.Duration
	HTTPTimeout    time.Duration
	RefreshMargin  time.Duration

	AppBaseURL string
	Pages      Pages

	LogLevel       string
	LogFormat      string
	MetricsEnabled bool
}

// Load reads the configuration. See the package comment for what fails.
func Load() (*Config, error) {
	// Load .env file if it exists, but don't fail if it doesn't
	_ = godotenv.Load()

	cfg := &Config{
		DBPath:             getEnv("DB_PATH", "data/postlink.db"),
		JWTSecret:          getEnv("JWT_SECRET", ""),
		CookieSecret:       getEnv("COOKIE_SECRET", ""),
		TokenEncryptionKey: getEnv("TOKEN_ENCRYPTION_KEY", ""),
		Provider: Provider{
			ClientID:     getEnv("X_CLIENT_ID", ""),
			ClientSecret: getEnv("X_CLIENT_SECRET", ""),
			CallbackURL:  getEnv("X_CALLBACK_URL", ""),
			AuthURL:      getEnv("X_AUTH_URL", "https://x.com/i/oauth2/authorize"),
			TokenURL:     getEnv("X_TOKEN_URL", "https://api.x.com/2/oauth2/token"),
			APIBaseURL:   strings.TrimRight(getEnv("X_API_BASE_URL", "https://api.x.com"), "/"),
			Scopes:       strings.Fields(getEnv("X_SCOPES", DefaultScopes)),
		},
		AppBaseURL: strings.TrimRight(getEnv("APP_BASE_URL", "http://localhost:8080"), "/"),
		Pages: Pages{
			Success: getEnv("LINK_SUCCESS_PAGE", "/link/success"),
			Invalid: getEnv("LINK_INVALID_PAGE", "/link/invalid"),
			Expired: getEnv("LINK_EXPIRED_PAGE", "/link/expired"),
			Error:   getEnv("LINK_ERROR_PAGE", "/link/error"),
		},
		LogLevel:  strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat: strings.ToLower(getEnv("LOG_FORMAT", "text")),
	}

	var errs []error
	var err error

	if cfg.Port, err = getEnvAsInt("PORT", 8080); err != nil {
		errs = append(errs, err)
	}
	if cfg.LinkSessionTTL, err = getEnvAsDuration("LINK_SESSION_TTL", 10*time.Minute); err != nil {
		errs = append(errs, err)
	}
	if cfg.PublishDelay, err = getEnvAsDuration("PUBLISH_DELAY", time.Second); err != nil {
		errs = append(errs, err)
	}
	if cfg.HTTPTimeout, err = getEnvAsDuration("HTTP_TIMEOUT", 10*time.Second); err != nil {
		errs = append(errs, err)
	}
	if cfg.RefreshMargin, err = getEnvAsDuration("REFRESH_MARGIN", 60*time.Second); err != nil {
		errs = append(errs, err)
	}
	if cfg.CookieSecure, err = getEnvAsBool("COOKIE_SECURE", false); err != nil {
		errs = append(errs, err)
	}
	if cfg.MetricsEnabled, err = getEnvAsBool("METRICS_ENABLED", true); err != nil {
		errs = append(errs, err)
	}

	for _, required := range []struct{ key, value string }{
		{"JWT_SECRET", cfg.JWTSecret},
		{"COOKIE_SECRET", cfg.CookieSecret},
		{"TOKEN_ENCRYPTION_KEY", cfg.TokenEncryptionKey},
	} {
		if required.value == "" {
			errs = append(errs, fmt.Errorf("%s environment variable must be set", required.key))
		}
	}

	if cfg.LinkSessionTTL <= 0 {
		errs = append(errs, errors.New("LINK_SESSION_TTL must be positive"))
	}
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be text or json, got %q", cfg.LogFormat))
	}
	if _, err := parseLevel(cfg.LogLevel); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return cfg, nil
}

// NewLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, _ := parseLevel(c.LogLevel)
	opts := &slog.HandlerOptions{Level: level}

	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q", s)
	}
	return level, nil
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) (int, error) {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return n, nil
}

func getEnvAsDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative", key)
	}
	return d, nil
}

func getEnvAsBool(key string, defaultValue bool) (bool, error) {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return b, nil
}
