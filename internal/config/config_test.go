package config

import (
	"os"
	"testing"
	"time"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		old, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, old)
			}
		})
	}
}

var knownEnvVars = []string{
	"HOST", "PORT", "HEADLESS", "BROWSER_PATH",
	"MIN_BROWSERS", "MAX_BROWSERS", "MAX_PAGES_PER_BROWSER",
	"ACQUIRE_TIMEOUT", "ACQUIRE_QUEUE_CAP", "HEALTH_CHECK_INTERVAL", "IDLE_TIMEOUT",
	"SESSION_TTL", "SESSION_CLEANUP_INTERVAL", "MAX_SESSIONS",
	"DEFAULT_TIMEOUT", "MAX_TIMEOUT",
	"PROXY_URL", "PROXY_USERNAME", "PROXY_PASSWORD",
	"LOG_LEVEL", "BEARER_SIGNING_KEY", "API_KEY_ENABLED", "API_KEY",
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t, knownEnvVars...)

	cfg := Load()

	if cfg.Host != "127.0.0.1" {
		t.Errorf("expected default host 127.0.0.1, got %q", cfg.Host)
	}
	if cfg.Port != 8191 {
		t.Errorf("expected default port 8191, got %d", cfg.Port)
	}
	if !cfg.Headless {
		t.Error("expected Headless to be true by default")
	}

	if cfg.MinBrowsers != 1 {
		t.Errorf("expected default MinBrowsers 1, got %d", cfg.MinBrowsers)
	}
	if cfg.MaxBrowsers != 3 {
		t.Errorf("expected default MaxBrowsers 3, got %d", cfg.MaxBrowsers)
	}
	if cfg.AcquireTimeout != 10*time.Second {
		t.Errorf("expected default AcquireTimeout 10s, got %v", cfg.AcquireTimeout)
	}

	if cfg.SessionTTL != 30*time.Minute {
		t.Errorf("expected default session TTL 30m, got %v", cfg.SessionTTL)
	}
	if cfg.MaxSessions != 100 {
		t.Errorf("expected default max sessions 100, got %d", cfg.MaxSessions)
	}

	if cfg.DefaultTimeout != 60*time.Second {
		t.Errorf("expected default timeout 60s, got %v", cfg.DefaultTimeout)
	}
	if cfg.MaxTimeout != 300*time.Second {
		t.Errorf("expected max timeout 300s, got %v", cfg.MaxTimeout)
	}

	if cfg.LogLevel != "info" {
		t.Errorf("expected default log level 'info', got %q", cfg.LogLevel)
	}
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t, knownEnvVars...)

	os.Setenv("HOST", "0.0.0.0")
	os.Setenv("PORT", "9999")
	os.Setenv("HEADLESS", "false")
	os.Setenv("MIN_BROWSERS", "2")
	os.Setenv("MAX_BROWSERS", "5")
	os.Setenv("SESSION_TTL", "1h")
	os.Setenv("MAX_SESSIONS", "50")
	os.Setenv("DEFAULT_TIMEOUT", "30s")
	os.Setenv("MAX_TIMEOUT", "10m")
	os.Setenv("PROXY_URL", "http://proxy:8080")
	os.Setenv("PROXY_USERNAME", "user")
	os.Setenv("PROXY_PASSWORD", "pass")
	os.Setenv("LOG_LEVEL", "debug")

	cfg := Load()

	if cfg.Host != "0.0.0.0" {
		t.Errorf("expected host 0.0.0.0, got %q", cfg.Host)
	}
	if cfg.Port != 9999 {
		t.Errorf("expected port 9999, got %d", cfg.Port)
	}
	if cfg.Headless {
		t.Error("expected Headless to be false")
	}
	if cfg.MinBrowsers != 2 {
		t.Errorf("expected MinBrowsers 2, got %d", cfg.MinBrowsers)
	}
	if cfg.MaxBrowsers != 5 {
		t.Errorf("expected MaxBrowsers 5, got %d", cfg.MaxBrowsers)
	}
	if cfg.SessionTTL != time.Hour {
		t.Errorf("expected session TTL 1h, got %v", cfg.SessionTTL)
	}
	if cfg.MaxSessions != 50 {
		t.Errorf("expected max sessions 50, got %d", cfg.MaxSessions)
	}
	if cfg.DefaultTimeout != 30*time.Second {
		t.Errorf("expected default timeout 30s, got %v", cfg.DefaultTimeout)
	}
	if cfg.MaxTimeout != 10*time.Minute {
		t.Errorf("expected max timeout 10m, got %v", cfg.MaxTimeout)
	}
	if cfg.ProxyURL != "http://proxy:8080" {
		t.Errorf("expected proxy URL 'http://proxy:8080', got %q", cfg.ProxyURL)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("expected log level 'debug', got %q", cfg.LogLevel)
	}
}

func TestHasDefaultProxy(t *testing.T) {
	cfg := &Config{}
	if cfg.HasDefaultProxy() {
		t.Error("expected HasDefaultProxy to return false when ProxyURL is empty")
	}
	cfg.ProxyURL = "http://proxy:8080"
	if !cfg.HasDefaultProxy() {
		t.Error("expected HasDefaultProxy to return true when ProxyURL is set")
	}
}

func TestInvalidEnvValuesFallBackToDefaults(t *testing.T) {
	clearEnv(t, knownEnvVars...)
	os.Setenv("PORT", "not_a_number")
	os.Setenv("HEADLESS", "not_a_bool")
	os.Setenv("ACQUIRE_TIMEOUT", "not_a_duration")

	cfg := Load()

	if cfg.Port != 8191 {
		t.Errorf("expected default port 8191 for invalid value, got %d", cfg.Port)
	}
	if !cfg.Headless {
		t.Error("expected default Headless (true) for invalid value")
	}
	if cfg.AcquireTimeout != 10*time.Second {
		t.Errorf("expected default acquire timeout for invalid value, got %v", cfg.AcquireTimeout)
	}
}

func TestValidateClampsMinBrowsersAboveMax(t *testing.T) {
	cfg := &Config{
		MinBrowsers: 10, MaxBrowsers: 3, MaxPagesPerBrowser: 10,
		MaxTimeout: 300 * time.Second, DefaultTimeout: 60 * time.Second,
		MaxSessions: 100, SessionTTL: 30 * time.Minute, SessionCleanupInterval: time.Minute,
		AcquireTimeout: 10 * time.Second, ScaleUpThreshold: 0.75, ScaleDownThreshold: 0.25,
		MaxScaleStep: 2, EscalateAfterFailures: 2, LogLevel: "info",
	}
	cfg.Validate()
	if cfg.MinBrowsers != cfg.MaxBrowsers {
		t.Fatalf("expected MinBrowsers clamped to MaxBrowsers, got min=%d max=%d", cfg.MinBrowsers, cfg.MaxBrowsers)
	}
}

func TestValidateRejectsInvertedScaleThresholds(t *testing.T) {
	cfg := &Config{
		MinBrowsers: 1, MaxBrowsers: 3, MaxPagesPerBrowser: 10,
		MaxTimeout: 300 * time.Second, DefaultTimeout: 60 * time.Second,
		MaxSessions: 100, SessionTTL: 30 * time.Minute, SessionCleanupInterval: time.Minute,
		AcquireTimeout: 10 * time.Second, ScaleUpThreshold: 0.1, ScaleDownThreshold: 0.9,
		MaxScaleStep: 2, EscalateAfterFailures: 2, LogLevel: "info",
	}
	cfg.Validate()
	if cfg.ScaleUpThreshold <= cfg.ScaleDownThreshold {
		t.Fatalf("expected inverted thresholds to be restored to defaults, got up=%v down=%v", cfg.ScaleUpThreshold, cfg.ScaleDownThreshold)
	}
}
