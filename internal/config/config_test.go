package config

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"
)

func validEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://localhost/tenantsync")
	t.Setenv("ELBA_API_BASE_URL", "https://api.elba.example/")
	t.Setenv("ELBA_API_KEY", "elba-key")
	t.Setenv("ELBA_WEBHOOK_SECRET", "elba-secret")
	t.Setenv("VENDOR_API_BASE_URL", "https://api.vendor.example")
	t.Setenv("VENDOR_WEBHOOK_SECRET", "vendor-secret")
	t.Setenv("ENCRYPTION_KEY", strings.Repeat("ab", 32))
}

func TestLoadDefaults(t *testing.T) {
	validEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.HTTPAddr != defaultHTTPAddr {
		t.Fatalf("HTTPAddr = %q, want %q", cfg.HTTPAddr, defaultHTTPAddr)
	}
	if cfg.SyncInterval != defaultSyncInterval {
		t.Fatalf("SyncInterval = %v, want %v", cfg.SyncInterval, defaultSyncInterval)
	}
	if cfg.PageSize != defaultPageSize {
		t.Fatalf("PageSize = %d, want %d", cfg.PageSize, defaultPageSize)
	}
	if cfg.ElbaAPIBaseURL != "https://api.elba.example" {
		t.Fatalf("ElbaAPIBaseURL = %q, trailing slash should be trimmed", cfg.ElbaAPIBaseURL)
	}
	if len(cfg.EncryptionKey) != 32 {
		t.Fatalf("EncryptionKey length = %d, want 32", len(cfg.EncryptionKey))
	}
}

func TestLoadOverrides(t *testing.T) {
	validEnv(t)
	t.Setenv("SYNC_INTERVAL", "6h")
	t.Setenv("SYNC_PAGE_SIZE", "25")
	t.Setenv("SYNC_CONCURRENCY", "8")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.SyncInterval != 6*time.Hour {
		t.Fatalf("SyncInterval = %v, want 6h", cfg.SyncInterval)
	}
	if cfg.PageSize != 25 {
		t.Fatalf("PageSize = %d, want 25", cfg.PageSize)
	}
	if cfg.SyncConcurrency != 8 {
		t.Fatalf("SyncConcurrency = %d, want 8", cfg.SyncConcurrency)
	}
}

func TestLoadRequiredOptions(t *testing.T) {
	required := []string{
		"DATABASE_URL",
		"ELBA_API_BASE_URL",
		"ELBA_API_KEY",
		"ELBA_WEBHOOK_SECRET",
		"VENDOR_API_BASE_URL",
		"VENDOR_WEBHOOK_SECRET",
		"ENCRYPTION_KEY",
	}

	for _, key := range required {
		t.Run(key, func(t *testing.T) {
			validEnv(t)
			t.Setenv(key, "")
			if _, err := Load(); err == nil {
				t.Fatalf("Load() without %s should fail", key)
			}
		})
	}
}

func TestDecodeEncryptionKey(t *testing.T) {
	t.Parallel()

	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = byte(i)
	}

	key, err := decodeEncryptionKey(base64.StdEncoding.EncodeToString(raw))
	if err != nil {
		t.Fatalf("decodeEncryptionKey(base64) error = %v", err)
	}
	if len(key) != 32 {
		t.Fatalf("key length = %d, want 32", len(key))
	}

	if _, err := decodeEncryptionKey("too-short"); err == nil {
		t.Fatalf("short key should be rejected")
	}
	if _, err := decodeEncryptionKey(""); err == nil {
		t.Fatalf("empty key should be rejected")
	}
}
