package config

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultHTTPAddr     = ":8080"
	defaultMetricsAddr  = ":9090"
	defaultSyncInterval = 24 * time.Hour
	defaultPageSize     = 100

	defaultSyncConcurrency   = 4
	defaultDeleteConcurrency = 2
	defaultEventMaxAttempts  = 4

	defaultHandlerTimeout = 2 * time.Minute
	defaultRetryBackoff   = 30 * time.Second
)

// Config holds all process configuration. Required options are validated at
// load time so a misconfigured deployment fails at startup, not mid-sync.
type Config struct {
	DatabaseURL string
	HTTPAddr    string
	MetricsAddr string

	ElbaAPIBaseURL    string
	ElbaAPIKey        string
	ElbaWebhookSecret string

	VendorAPIBaseURL    string
	VendorWebhookSecret string

	// WebhookBaseURL is this connector's public base URL, advertised to the
	// vendor when registering change-notification subscriptions.
	WebhookBaseURL string

	EncryptionKey []byte

	SyncInterval      time.Duration
	PageSize          int
	SyncConcurrency   int
	DeleteConcurrency int
	EventMaxAttempts  int
	HandlerTimeout    time.Duration
	RetryBackoff      time.Duration
}

type LoadOptions struct {
	RequireDatabaseURL bool
}

func Load() (Config, error) {
	return LoadWithOptions(LoadOptions{RequireDatabaseURL: true})
}

func LoadWithOptions(opts LoadOptions) (Config, error) {
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return Config{}, err
		}
	}

	cfg := Config{
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		HTTPAddr:            getenvDefault("HTTP_ADDR", defaultHTTPAddr),
		MetricsAddr:         getenvDefault("METRICS_ADDR", defaultMetricsAddr),
		ElbaAPIBaseURL:      strings.TrimRight(strings.TrimSpace(os.Getenv("ELBA_API_BASE_URL")), "/"),
		ElbaAPIKey:          strings.TrimSpace(os.Getenv("ELBA_API_KEY")),
		ElbaWebhookSecret:   strings.TrimSpace(os.Getenv("ELBA_WEBHOOK_SECRET")),
		VendorAPIBaseURL:    strings.TrimRight(strings.TrimSpace(os.Getenv("VENDOR_API_BASE_URL")), "/"),
		VendorWebhookSecret: strings.TrimSpace(os.Getenv("VENDOR_WEBHOOK_SECRET")),
		WebhookBaseURL:      strings.TrimRight(strings.TrimSpace(os.Getenv("WEBHOOK_BASE_URL")), "/"),
		SyncInterval:        getenvDurationDefault("SYNC_INTERVAL", defaultSyncInterval),
		PageSize:            getenvIntDefault("SYNC_PAGE_SIZE", defaultPageSize),
		SyncConcurrency:     getenvIntDefault("SYNC_CONCURRENCY", defaultSyncConcurrency),
		DeleteConcurrency:   getenvIntDefault("DELETE_CONCURRENCY", defaultDeleteConcurrency),
		EventMaxAttempts:    getenvIntDefault("EVENT_MAX_ATTEMPTS", defaultEventMaxAttempts),
		HandlerTimeout:      getenvDurationDefault("EVENT_HANDLER_TIMEOUT", defaultHandlerTimeout),
		RetryBackoff:        getenvDurationDefault("EVENT_RETRY_BACKOFF", defaultRetryBackoff),
	}

	key, err := decodeEncryptionKey(os.Getenv("ENCRYPTION_KEY"))
	if err != nil {
		return cfg, err
	}
	cfg.EncryptionKey = key

	if opts.RequireDatabaseURL && cfg.DatabaseURL == "" {
		return cfg, errors.New("DATABASE_URL is required")
	}
	if cfg.ElbaAPIBaseURL == "" {
		return cfg, errors.New("ELBA_API_BASE_URL is required")
	}
	if cfg.ElbaAPIKey == "" {
		return cfg, errors.New("ELBA_API_KEY is required")
	}
	if cfg.ElbaWebhookSecret == "" {
		return cfg, errors.New("ELBA_WEBHOOK_SECRET is required")
	}
	if cfg.VendorAPIBaseURL == "" {
		return cfg, errors.New("VENDOR_API_BASE_URL is required")
	}
	if cfg.VendorWebhookSecret == "" {
		return cfg, errors.New("VENDOR_WEBHOOK_SECRET is required")
	}

	return cfg, nil
}

// decodeEncryptionKey accepts a 32-byte key encoded as hex or base64.
func decodeEncryptionKey(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("ENCRYPTION_KEY is required")
	}
	if key, err := hex.DecodeString(raw); err == nil && len(key) == 32 {
		return key, nil
	}
	if key, err := base64.StdEncoding.DecodeString(raw); err == nil && len(key) == 32 {
		return key, nil
	}
	return nil, errors.New("ENCRYPTION_KEY must decode to 32 bytes (hex or base64)")
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvIntDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return def
	}
	return n
}

func getenvDurationDefault(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
