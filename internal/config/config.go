// Package config provides application configuration management.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Configuration upper bounds to prevent resource exhaustion.
const (
	maxBrowserPoolSize = 20
	maxMaxSessions     = 10000
	maxTimeout         = 10 * time.Minute
	minAPIKeyLength    = 16 // Minimum API key length for security
)

// Config holds all application configuration.
// Configuration is loaded from environment variables at startup.
type Config struct {
	// Server settings
	Host string
	Port int

	// Browser settings
	Headless    bool
	BrowserPath string

	// Pool settings (C6, §4.3)
	MinBrowsers         int
	MaxBrowsers         int
	MaxPagesPerBrowser  int
	AcquireTimeout      time.Duration
	AcquireQueueCap     int
	HealthCheckInterval time.Duration
	IdleTimeout         time.Duration

	// Circuit breaker settings (C7, §4.4). These are loaded here but not
	// passed to the pool: browserpool builds its acquire and page-creation
	// breakers from breaker.DefaultConfig().
	BreakerErrorThreshold int
	BreakerErrorWindow    time.Duration
	BreakerOpenDuration   time.Duration
	BreakerHalfOpenProbes int

	// Scaler & recycler settings (C11, §4.8)
	ScalerTickInterval     time.Duration
	ScaleUpThreshold       float64
	ScaleDownThreshold     float64
	MaxScaleStep           int
	ScalerCooldown         time.Duration
	RecycleAfterPages      int64
	RecycleAfterAge        time.Duration
	RecycleAfterErrors     int64
	DrainTimeout           time.Duration

	// Health monitor settings (C12, §4.9)
	HealthTickInterval    time.Duration
	EscalateAfterFailures int

	// Session settings (C3, §4.2)
	SessionTTL             time.Duration
	SessionCleanupInterval time.Duration
	MaxSessions            int
	RedisURL               string
	RedisSessionTTL        time.Duration

	// Credential verifier settings (C4, §4.2)
	BearerSigningKey string
	APIKeyEnabled    bool
	APIKey           string
	APIKeyID         string

	// Timeouts
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration

	// Proxy defaults
	ProxyURL      string
	ProxyUsername string
	ProxyPassword string

	// Logging
	LogLevel string

	// Profiling
	PProfEnabled  bool
	PProfPort     int
	PProfBindAddr string // Bind address for pprof server (default: localhost only)

	// Security
	IgnoreCertErrors   bool     // Ignore TLS certificate errors (required for some proxies)
	CORSAllowedOrigins []string // Allowed CORS origins (empty = allow all with warning)

	// Action schema (C10, §4.7) — hot-reloadable table of extra action
	// constraints layered over the built-in dispatch table.
	ActionSchemaPath      string
	ActionSchemaHotReload bool
}

// Load loads configuration from environment variables.
// Returns a Config with values from environment or sensible defaults.
func Load() *Config {
	return &Config{
		// Server - default to localhost for security (prevents accidental exposure)
		Host: getEnvString("HOST", "127.0.0.1"),
		Port: getEnvInt("PORT", 8191),

		// Browser
		Headless:    getEnvBool("HEADLESS", true),
		BrowserPath: getEnvString("BROWSER_PATH", ""),

		// Pool
		MinBrowsers:         getEnvInt("MIN_BROWSERS", 1),
		MaxBrowsers:         getEnvInt("MAX_BROWSERS", 3),
		MaxPagesPerBrowser:  getEnvInt("MAX_PAGES_PER_BROWSER", 10),
		AcquireTimeout:      getEnvDuration("ACQUIRE_TIMEOUT", 10*time.Second),
		AcquireQueueCap:     getEnvInt("ACQUIRE_QUEUE_CAP", 64),
		HealthCheckInterval: getEnvDuration("HEALTH_CHECK_INTERVAL", time.Minute),
		IdleTimeout:         getEnvDuration("IDLE_TIMEOUT", 30*time.Minute),

		// Circuit breaker
		BreakerErrorThreshold: getEnvInt("BREAKER_ERROR_THRESHOLD", 5),
		BreakerErrorWindow:    getEnvDuration("BREAKER_ERROR_WINDOW", 30*time.Second),
		BreakerOpenDuration:   getEnvDuration("BREAKER_OPEN_DURATION", 30*time.Second),
		BreakerHalfOpenProbes: getEnvInt("BREAKER_HALF_OPEN_PROBES", 1),

		// Scaler & recycler
		ScalerTickInterval: getEnvDuration("SCALER_TICK_INTERVAL", 30*time.Second),
		ScaleUpThreshold:   getEnvFloat("SCALE_UP_THRESHOLD", 0.75),
		ScaleDownThreshold: getEnvFloat("SCALE_DOWN_THRESHOLD", 0.25),
		MaxScaleStep:       getEnvInt("MAX_SCALE_STEP", 2),
		ScalerCooldown:     getEnvDuration("SCALER_COOLDOWN", time.Minute),
		RecycleAfterPages:  int64(getEnvInt("RECYCLE_AFTER_PAGES", 500)),
		RecycleAfterAge:    getEnvDuration("RECYCLE_AFTER_AGE", 2*time.Hour),
		RecycleAfterErrors: int64(getEnvInt("RECYCLE_AFTER_ERRORS", 25)),
		DrainTimeout:       getEnvDuration("DRAIN_TIMEOUT", 10*time.Second),

		// Health monitor
		HealthTickInterval:    getEnvDuration("HEALTH_TICK_INTERVAL", time.Minute),
		EscalateAfterFailures: getEnvInt("ESCALATE_AFTER_FAILURES", 2),

		// Sessions
		SessionTTL:             getEnvDuration("SESSION_TTL", 30*time.Minute),
		SessionCleanupInterval: getEnvDuration("SESSION_CLEANUP_INTERVAL", 1*time.Minute),
		MaxSessions:            getEnvInt("MAX_SESSIONS", 100),
		RedisURL:               getEnvString("REDIS_URL", ""),
		RedisSessionTTL:        getEnvDuration("REDIS_SESSION_TTL", time.Hour),

		// Credential verifier
		BearerSigningKey: getEnvString("BEARER_SIGNING_KEY", ""),
		APIKeyEnabled:    getEnvBool("API_KEY_ENABLED", false),
		APIKey:           getEnvString("API_KEY", ""),
		APIKeyID:         getEnvString("API_KEY_ID", "default"),

		// Timeouts
		DefaultTimeout: getEnvDuration("DEFAULT_TIMEOUT", 60*time.Second),
		MaxTimeout:     getEnvDuration("MAX_TIMEOUT", 300*time.Second),

		// Proxy
		ProxyURL:      getEnvString("PROXY_URL", ""),
		ProxyUsername: getEnvString("PROXY_USERNAME", ""),
		ProxyPassword: getEnvString("PROXY_PASSWORD", ""),

		// Logging
		LogLevel: getEnvString("LOG_LEVEL", "info"),

		// Profiling - disabled by default for security
		PProfEnabled:  getEnvBool("PPROF_ENABLED", false),
		PProfPort:     getEnvInt("PPROF_PORT", 6060),
		PProfBindAddr: getEnvString("PPROF_BIND_ADDR", "127.0.0.1"),

		// Security
		IgnoreCertErrors:   getEnvBool("IGNORE_CERT_ERRORS", false),
		CORSAllowedOrigins: getEnvStringSlice("CORS_ALLOWED_ORIGINS", nil),

		// Action schema
		ActionSchemaPath:      getEnvString("ACTION_SCHEMA_PATH", ""),
		ActionSchemaHotReload: getEnvBool("ACTION_SCHEMA_HOT_RELOAD", false),
	}
}

// HasDefaultProxy returns true if a default proxy is configured.
func (c *Config) HasDefaultProxy() bool {
	return c.ProxyURL != ""
}

// Validate checks configuration values and logs warnings for invalid values.
// Invalid values are corrected to sensible defaults.
func (c *Config) Validate() {
	if c.Port < 0 || c.Port > 65535 {
		log.Warn().Int("port", c.Port).Msg("Invalid port, using default 8191")
		c.Port = 8191
	}

	if c.BrowserPath != "" {
		if strings.Contains(c.BrowserPath, "..") {
			log.Error().Str("path", c.BrowserPath).Msg("BrowserPath contains path traversal sequence (..), ignoring")
			c.BrowserPath = ""
		} else if !strings.HasPrefix(c.BrowserPath, "/") && !strings.HasPrefix(c.BrowserPath, "C:") && !strings.HasPrefix(c.BrowserPath, "c:") {
			log.Warn().Str("path", c.BrowserPath).Msg("BrowserPath should be an absolute path")
		}
	}

	if c.MinBrowsers < 0 {
		log.Warn().Int("min", c.MinBrowsers).Msg("Invalid MinBrowsers, using 0")
		c.MinBrowsers = 0
	}
	if c.MaxBrowsers < 1 {
		log.Warn().Int("max", c.MaxBrowsers).Msg("Invalid MaxBrowsers, using default 3")
		c.MaxBrowsers = 3
	} else if c.MaxBrowsers > maxBrowserPoolSize {
		log.Warn().Int("max", c.MaxBrowsers).Int("cap", maxBrowserPoolSize).Msg("MaxBrowsers too large, capping")
		c.MaxBrowsers = maxBrowserPoolSize
	}
	if c.MinBrowsers > c.MaxBrowsers {
		log.Warn().Int("min", c.MinBrowsers).Int("max", c.MaxBrowsers).Msg("MinBrowsers exceeds MaxBrowsers, clamping")
		c.MinBrowsers = c.MaxBrowsers
	}
	if c.MaxPagesPerBrowser < 1 {
		log.Warn().Int("max_pages", c.MaxPagesPerBrowser).Msg("Invalid MaxPagesPerBrowser, using 10")
		c.MaxPagesPerBrowser = 10
	}
	if c.AcquireQueueCap < 0 {
		log.Warn().Int("cap", c.AcquireQueueCap).Msg("Invalid AcquireQueueCap, using 64")
		c.AcquireQueueCap = 64
	}

	if c.MaxTimeout < time.Second {
		log.Warn().Dur("timeout", c.MaxTimeout).Msg("Max timeout too short, using 300s")
		c.MaxTimeout = 300 * time.Second
	}
	if c.MaxTimeout > maxTimeout {
		log.Warn().Dur("timeout", c.MaxTimeout).Dur("max", maxTimeout).Msg("Max timeout too high, capping to maximum")
		c.MaxTimeout = maxTimeout
	}
	if c.DefaultTimeout < time.Second {
		log.Warn().Dur("timeout", c.DefaultTimeout).Msg("Default timeout too short, using 60s")
		c.DefaultTimeout = 60 * time.Second
	}
	if c.DefaultTimeout > c.MaxTimeout {
		log.Warn().Dur("default", c.DefaultTimeout).Dur("max", c.MaxTimeout).Msg("Default timeout exceeds max timeout, adjusting to max")
		c.DefaultTimeout = c.MaxTimeout
	}

	if c.MaxSessions < 1 {
		log.Warn().Int("max", c.MaxSessions).Msg("Invalid max sessions, using 100")
		c.MaxSessions = 100
	} else if c.MaxSessions > maxMaxSessions {
		log.Warn().Int("sessions", c.MaxSessions).Int("max", maxMaxSessions).Msg("Max sessions too high, capping to maximum")
		c.MaxSessions = maxMaxSessions
	}

	const minSessionTTL = 1 * time.Minute
	const maxSessionTTL = 24 * time.Hour
	if c.SessionTTL < minSessionTTL {
		log.Warn().Dur("ttl", c.SessionTTL).Dur("min", minSessionTTL).Msg("Session TTL too short, using minimum")
		c.SessionTTL = minSessionTTL
	} else if c.SessionTTL > maxSessionTTL {
		log.Warn().Dur("ttl", c.SessionTTL).Dur("max", maxSessionTTL).Msg("Session TTL too long, using maximum")
		c.SessionTTL = maxSessionTTL
	}

	const minCleanupInterval = 10 * time.Second
	const maxCleanupInterval = 1 * time.Hour
	if c.SessionCleanupInterval < minCleanupInterval {
		log.Warn().Dur("interval", c.SessionCleanupInterval).Dur("min", minCleanupInterval).Msg("Session cleanup interval too short, using minimum")
		c.SessionCleanupInterval = minCleanupInterval
	} else if c.SessionCleanupInterval > maxCleanupInterval {
		log.Warn().Dur("interval", c.SessionCleanupInterval).Dur("max", maxCleanupInterval).Msg("Session cleanup interval too long, using maximum")
		c.SessionCleanupInterval = maxCleanupInterval
	}
	if c.SessionCleanupInterval >= c.SessionTTL {
		log.Warn().Dur("cleanup_interval", c.SessionCleanupInterval).Dur("ttl", c.SessionTTL).
			Msg("SESSION_CLEANUP_INTERVAL should be less than SESSION_TTL for timely cleanup")
	}

	const minAcquireTimeout = 10 * time.Millisecond
	const maxAcquireTimeout = 5 * time.Minute
	if c.AcquireTimeout < minAcquireTimeout {
		log.Warn().Dur("timeout", c.AcquireTimeout).Dur("min", minAcquireTimeout).Msg("Acquire timeout too short, using minimum")
		c.AcquireTimeout = minAcquireTimeout
	} else if c.AcquireTimeout > maxAcquireTimeout {
		log.Warn().Dur("timeout", c.AcquireTimeout).Dur("max", maxAcquireTimeout).Msg("Acquire timeout too long, using maximum")
		c.AcquireTimeout = maxAcquireTimeout
	}

	if c.ScaleUpThreshold <= c.ScaleDownThreshold {
		log.Warn().Float64("up", c.ScaleUpThreshold).Float64("down", c.ScaleDownThreshold).
			Msg("ScaleUpThreshold must exceed ScaleDownThreshold, restoring defaults")
		c.ScaleUpThreshold, c.ScaleDownThreshold = 0.75, 0.25
	}
	if c.MaxScaleStep < 1 {
		log.Warn().Int("step", c.MaxScaleStep).Msg("Invalid MaxScaleStep, using 1")
		c.MaxScaleStep = 1
	}
	if c.EscalateAfterFailures < 1 {
		log.Warn().Int("failures", c.EscalateAfterFailures).Msg("Invalid EscalateAfterFailures, using 2")
		c.EscalateAfterFailures = 2
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		log.Warn().Str("level", c.LogLevel).Msg("Invalid log level, using 'info'")
		c.LogLevel = "info"
	}

	if c.PProfEnabled && c.PProfBindAddr != "127.0.0.1" && c.PProfBindAddr != "localhost" {
		log.Warn().Str("addr", c.PProfBindAddr).Msg("WARNING: pprof exposed on non-localhost address - this is a security risk")
	}

	if len(c.CORSAllowedOrigins) == 0 {
		log.Warn().Msg("CORS_ALLOWED_ORIGINS not set - allowing all origins (potential CSRF risk)")
	}

	if c.IgnoreCertErrors {
		if c.ProxyURL == "" {
			log.Warn().Msg("WARNING: IGNORE_CERT_ERRORS enabled without a proxy - this exposes you to MITM attacks")
		} else {
			log.Info().Msg("IGNORE_CERT_ERRORS enabled for proxy compatibility")
		}
	}

	if c.ProxyURL != "" {
		if !strings.Contains(c.ProxyURL, "://") {
			log.Error().Str("proxy_url", c.ProxyURL).Msg("ProxyURL missing scheme (should be http://, https://, socks4://, or socks5://)")
		} else {
			scheme := strings.ToLower(strings.Split(c.ProxyURL, "://")[0])
			validSchemes := map[string]bool{"http": true, "https": true, "socks4": true, "socks5": true}
			if !validSchemes[scheme] {
				log.Error().Str("proxy_url", c.ProxyURL).Str("scheme", scheme).Msg("ProxyURL has invalid scheme (must be http, https, socks4, or socks5)")
			}
			if strings.Contains(c.ProxyURL, "@") {
				log.Warn().Msg("ProxyURL contains embedded credentials (@) - use PROXY_USERNAME and PROXY_PASSWORD environment variables instead for better security")
			}
		}
	}
	if c.ProxyUsername != "" && c.ProxyPassword == "" {
		log.Warn().Msg("PROXY_USERNAME set but PROXY_PASSWORD is empty - authentication may fail")
	}
	if c.ProxyPassword != "" && c.ProxyUsername == "" {
		log.Warn().Msg("PROXY_PASSWORD set but PROXY_USERNAME is empty - authentication may fail")
	}

	usedPorts := make(map[int]string)
	if c.Port > 0 {
		usedPorts[c.Port] = "PORT"
	}
	if c.PProfEnabled {
		if existingName, exists := usedPorts[c.PProfPort]; exists {
			log.Error().Int("port", c.PProfPort).Str("conflicts_with", existingName).Msg("PPROF_PORT conflicts with another port, adjusting")
			c.PProfPort = 6060
			for usedPorts[c.PProfPort] != "" {
				c.PProfPort++
				if c.PProfPort > 65535 {
					log.Warn().Msg("Could not find available pprof port, disabling")
					c.PProfEnabled = false
					break
				}
			}
		}
	}

	if c.ActionSchemaHotReload && c.ActionSchemaPath == "" {
		log.Warn().Msg("ACTION_SCHEMA_HOT_RELOAD enabled but ACTION_SCHEMA_PATH not set - hot-reload disabled")
		c.ActionSchemaHotReload = false
	}
	if c.ActionSchemaPath != "" {
		if strings.Contains(c.ActionSchemaPath, "..") {
			log.Error().Str("path", c.ActionSchemaPath).Msg("ActionSchemaPath contains path traversal sequence (..), ignoring")
			c.ActionSchemaPath = ""
		} else if c.ActionSchemaHotReload {
			if _, err := os.Stat(c.ActionSchemaPath); os.IsNotExist(err) {
				log.Warn().Str("path", c.ActionSchemaPath).Msg("ActionSchemaPath does not exist - the hot-reload watcher cannot be started until the file exists")
			}
		}
	}

	if c.APIKeyEnabled {
		const maxAPIKeyLength = 256
		switch {
		case c.APIKey == "":
			log.Error().Msg("API_KEY_ENABLED is true but API_KEY is empty - authentication will always fail")
		case len(c.APIKey) < minAPIKeyLength:
			log.Error().Int("length", len(c.APIKey)).Int("min_required", minAPIKeyLength).
				Msg("API_KEY is too short for secure authentication - consider using a longer key")
		default:
			if len(c.APIKey) > maxAPIKeyLength {
				log.Error().Int("length", len(c.APIKey)).Int("max", maxAPIKeyLength).Msg("API_KEY is too long")
			}
		}
	}

	if c.BearerSigningKey == "" {
		log.Warn().Msg("BEARER_SIGNING_KEY not set - generating an ephemeral key; bearer tokens will not survive a restart")
		key := make([]byte, 32)
		if _, err := rand.Read(key); err == nil {
			c.BearerSigningKey = hex.EncodeToString(key)
		}
	} else if len(c.BearerSigningKey) < minAPIKeyLength {
		log.Warn().Int("length", len(c.BearerSigningKey)).Msg("BEARER_SIGNING_KEY is short; consider a longer secret")
	}
}

// Helper functions for environment variable parsing

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		intValue, err := strconv.ParseInt(value, 10, 32)
		if err == nil {
			if intValue < -2147483648 || intValue > 2147483647 {
				log.Warn().Str("key", key).Str("value", value).Int("default", defaultValue).
					Msg("Integer value out of range in environment variable, using default")
				return defaultValue
			}
			return int(intValue)
		}
		log.Warn().Str("key", key).Str("value", value).Err(err).Int("default", defaultValue).
			Msg("Invalid integer in environment variable, using default")
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		f, err := strconv.ParseFloat(value, 64)
		if err == nil {
			return f
		}
		log.Warn().Str("key", key).Str("value", value).Err(err).Float64("default", defaultValue).
			Msg("Invalid float in environment variable, using default")
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		boolValue, err := strconv.ParseBool(value)
		if err == nil {
			return boolValue
		}
		log.Warn().Str("key", key).Str("value", value).Err(err).Bool("default", defaultValue).
			Msg("Invalid boolean in environment variable, using default")
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err == nil {
			if duration > 0 {
				return duration
			}
			log.Warn().Str("key", key).Str("value", value).Dur("default", defaultValue).
				Msg("Duration must be positive, using default")
			return defaultValue
		}
		log.Warn().Str("key", key).Str("value", value).Err(err).Dur("default", defaultValue).
			Msg("Invalid duration in environment variable, using default")
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
