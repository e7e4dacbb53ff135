package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ListenAddr string
	BaseURL    string

	DB struct {
		DSN string
	}

	Google struct {
		ClientID     string
		ClientSecret string
		// APIEndpoint overrides the Calendar API base URL.
		APIEndpoint string
		RPS         float64
	}

	// TokenKey seals provider tokens at rest.
	TokenKey string

	Admin struct {
		IssuerURL string
		ClientID  string
		// Subjects lists the token subjects allowed on the admin API.
		Subjects []string
	}

	Schedule struct {
		Poll  string
		Renew string
		Audit string
	}

	Sync struct {
		LockWait             time.Duration
		PushFailureThreshold int
		Lookback             time.Duration
		Lookahead            time.Duration
		Concurrency          int
	}

	RulesFile         string
	LogLevel          slog.Level
	PrometheusEnabled bool
	TrustedProxies    []string
}

// WebhookURL is the address push notifications are delivered to.
func (c *Config) WebhookURL() string {
	return strings.TrimSuffix(c.BaseURL, "/") + "/webhooks/google"
}

// RedirectURL is the OAuth callback used when connecting accounts.
func (c *Config) RedirectURL() string {
	return strings.TrimSuffix(c.BaseURL, "/") + "/oauth/google/callback"
}

func Load() (*Config, error) {
	cfg := &Config{}

	cfg.ListenAddr = getenvDefault("APP_LISTEN_ADDR", ":8080")
	cfg.BaseURL = getenvDefault("APP_BASE_URL", "http://localhost:8080")
	cfg.DB.DSN = os.Getenv("APP_DB_DSN")

	if cfg.DB.DSN == "" {
		host := os.Getenv("APP_DB_HOST")
		name := os.Getenv("APP_DB_NAME")
		user := os.Getenv("APP_DB_USER")
		password := os.Getenv("APP_DB_PASSWORD")
		port := getenvDefault("APP_DB_PORT", "5432")
		sslmode := getenvDefault("APP_DB_SSLMODE", "disable")

		if host != "" && name != "" && user != "" && password != "" {
			cfg.DB.DSN = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, password, host, port, name, sslmode)
		}
	}

	cfg.Google.ClientID = os.Getenv("APP_GOOGLE_CLIENT_ID")
	cfg.Google.ClientSecret = os.Getenv("APP_GOOGLE_CLIENT_SECRET")
	cfg.Google.APIEndpoint = os.Getenv("APP_GOOGLE_API_ENDPOINT")
	cfg.TokenKey = os.Getenv("APP_TOKEN_KEY")

	cfg.Admin.IssuerURL = os.Getenv("APP_ADMIN_ISSUER_URL")
	cfg.Admin.ClientID = os.Getenv("APP_ADMIN_CLIENT_ID")
	cfg.Admin.Subjects = getenvList("APP_ADMIN_SUBJECTS")

	cfg.Schedule.Poll = getenvDefault("APP_POLL_SCHEDULE", "@every 15m")
	cfg.Schedule.Renew = getenvDefault("APP_RENEW_SCHEDULE", "@every 6h")
	cfg.Schedule.Audit = getenvDefault("APP_AUDIT_SCHEDULE", "0 3 * * *")

	cfg.RulesFile = os.Getenv("APP_RULES_FILE")
	cfg.PrometheusEnabled = getenvBool("APP_PROMETHEUS_ENDPOINT_ENABLED", false)
	cfg.TrustedProxies = getenvList("APP_TRUSTED_PROXIES")

	var errs []error
	var err error
	if cfg.LogLevel, err = getenvLevel("APP_LOG_LEVEL", slog.LevelInfo); err != nil {
		errs = append(errs, err)
	}
	if cfg.Sync.LockWait, err = getenvDuration("APP_LOCK_WAIT", 2*time.Minute); err != nil {
		errs = append(errs, err)
	}
	if cfg.Sync.PushFailureThreshold, err = getenvInt("APP_PUSH_FAILURE_THRESHOLD", 3); err != nil {
		errs = append(errs, err)
	}
	if cfg.Sync.Concurrency, err = getenvInt("APP_PROPAGATION_CONCURRENCY", 4); err != nil {
		errs = append(errs, err)
	}
	lookback, err := getenvInt("APP_SYNC_LOOKBACK_DAYS", 30)
	if err != nil {
		errs = append(errs, err)
	}
	lookahead, err := getenvInt("APP_SYNC_LOOKAHEAD_DAYS", 90)
	if err != nil {
		errs = append(errs, err)
	}
	cfg.Sync.Lookback = time.Duration(lookback) * 24 * time.Hour
	cfg.Sync.Lookahead = time.Duration(lookahead) * 24 * time.Hour
	if cfg.Google.RPS, err = getenvFloat("APP_PROVIDER_RPS", 5); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	if cfg.DB.DSN == "" {
		return nil, errors.New("APP_DB_DSN is required (or set APP_DB_HOST, APP_DB_NAME, APP_DB_USER, and APP_DB_PASSWORD)")
	}
	if cfg.Google.ClientID == "" || cfg.Google.ClientSecret == "" {
		return nil, errors.New("google configuration is required: APP_GOOGLE_CLIENT_ID and APP_GOOGLE_CLIENT_SECRET")
	}
	if cfg.TokenKey == "" {
		return nil, errors.New("APP_TOKEN_KEY is required")
	}
	if len(cfg.TokenKey) < 32 {
		return nil, fmt.Errorf("APP_TOKEN_KEY must be at least 32 characters long (got %d)", len(cfg.TokenKey))
	}
	if (cfg.Admin.IssuerURL == "") != (cfg.Admin.ClientID == "") {
		return nil, errors.New("APP_ADMIN_ISSUER_URL and APP_ADMIN_CLIENT_ID must be set together")
	}
	if cfg.Admin.IssuerURL != "" && len(cfg.Admin.Subjects) == 0 {
		return nil, errors.New("APP_ADMIN_SUBJECTS is required when the admin API is enabled")
	}
	if cfg.Sync.PushFailureThreshold < 1 {
		return nil, fmt.Errorf("APP_PUSH_FAILURE_THRESHOLD must be positive (got %d)", cfg.Sync.PushFailureThreshold)
	}
	if lookback < 0 || lookahead <= 0 {
		return nil, errors.New("APP_SYNC_LOOKBACK_DAYS must not be negative and APP_SYNC_LOOKAHEAD_DAYS must be positive")
	}

	if len(cfg.TrustedProxies) == 0 {
		slog.Warn("no APP_TRUSTED_PROXIES configured; all proxies are trusted, not recommended for public environments")
	}
	if cfg.Admin.IssuerURL == "" {
		slog.Warn("admin API disabled: APP_ADMIN_ISSUER_URL not set")
	}

	return cfg, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return def
}

func getenvList(key string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, item := range strings.Split(v, ",") {
			if trimmed := strings.TrimSpace(item); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return nil
}

func getenvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, v)
	}
	return n, nil
}

func getenvFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || f <= 0 {
		return 0, fmt.Errorf("%s: invalid positive number %q", key, v)
	}
	return f, nil
}

func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func getenvLevel(key string, def slog.Level) (slog.Level, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(v)); err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return lvl, nil
}
