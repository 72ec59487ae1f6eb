package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ListenAddr string
	LogLevel   string

	DBPath string

	// Upstream forwarding.
	HTTPTimeoutSecs  int
	RetryMaxAttempts int
	RetryDelayMs     int

	// Security & hardening.
	AdminToken     string   // required for /admin/v1 access; empty disables the admin API
	CORSOrigins    []string // allowed CORS origins; empty = ["*"]
	RateLimitRPS   int      // proxy requests per second per client
	RateLimitBurst int      // burst capacity per client

	// Request log retention.
	LogRetentionDays int
	LogCleanupHour   int

	// OpenTelemetry tracing.
	OTelEnabled  bool
	OTelEndpoint string

	// Temporal workflow engine for retention sweeps. When disabled a
	// local ticker runs the sweep in-process.
	TemporalEnabled   bool
	TemporalHostPort  string
	TemporalNamespace string
	TemporalTaskQueue string
}

func LoadConfig() (Config, error) {
	cfg := Config{
		ListenAddr: getEnv("MODELRELAY_LISTEN_ADDR", ":8080"),
		LogLevel:   getEnv("MODELRELAY_LOG_LEVEL", "info"),
		DBPath:     getEnv("MODELRELAY_DB_PATH", "file:/data/modelrelay.sqlite"),

		HTTPTimeoutSecs:  getEnvInt(envKey("HTTP_TIMEOUT"), 60),
		RetryMaxAttempts: getEnvInt(envKey("RETRY_MAX_ATTEMPTS"), 3),
		RetryDelayMs:     getEnvInt(envKey("RETRY_DELAY_MS"), 1000),

		AdminToken:     getEnv("MODELRELAY_ADMIN_TOKEN", ""),
		CORSOrigins:    getEnvStringSlice("MODELRELAY_CORS_ORIGINS", nil),
		RateLimitRPS:   getEnvInt("MODELRELAY_RATE_LIMIT_RPS", 60),
		RateLimitBurst: getEnvInt("MODELRELAY_RATE_LIMIT_BURST", 120),

		LogRetentionDays: getEnvInt(envKey("LOG_RETENTION_DAYS"), 30),
		LogCleanupHour:   getEnvInt(envKey("LOG_CLEANUP_HOUR"), 3),

		OTelEnabled:  getEnvBool("MODELRELAY_OTEL_ENABLED", false),
		OTelEndpoint: getEnv("MODELRELAY_OTEL_ENDPOINT", "localhost:4318"),

		TemporalEnabled:   getEnvBool("MODELRELAY_TEMPORAL_ENABLED", false),
		TemporalHostPort:  getEnv("MODELRELAY_TEMPORAL_HOST", "localhost:7233"),
		TemporalNamespace: getEnv("MODELRELAY_TEMPORAL_NAMESPACE", "modelrelay"),
		TemporalTaskQueue: getEnv("MODELRELAY_TEMPORAL_TASK_QUEUE", "modelrelay-tasks"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks config values for obviously invalid settings.
func (c Config) Validate() error {
	if c.HTTPTimeoutSecs <= 0 {
		return fmt.Errorf("HTTP_TIMEOUT must be > 0, got %d", c.HTTPTimeoutSecs)
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be >= 1, got %d", c.RetryMaxAttempts)
	}
	if c.RetryDelayMs < 0 {
		return fmt.Errorf("RETRY_DELAY_MS must be >= 0, got %d", c.RetryDelayMs)
	}
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("MODELRELAY_RATE_LIMIT_RPS must be > 0, got %d", c.RateLimitRPS)
	}
	if c.RateLimitBurst <= 0 {
		return fmt.Errorf("MODELRELAY_RATE_LIMIT_BURST must be > 0, got %d", c.RateLimitBurst)
	}
	if c.LogRetentionDays <= 0 {
		return fmt.Errorf("LOG_RETENTION_DAYS must be > 0, got %d", c.LogRetentionDays)
	}
	if c.LogCleanupHour < 0 || c.LogCleanupHour > 23 {
		return fmt.Errorf("LOG_CLEANUP_HOUR must be in [0,23], got %d", c.LogCleanupHour)
	}
	return nil
}

// HTTPTimeout is the per-attempt upstream timeout.
func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutSecs) * time.Second
}

// RetryDelay is the pause between same-provider retries.
func (c Config) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMs) * time.Millisecond
}

// envKey resolves a tuning knob's variable name. The MODELRELAY_-prefixed
// form wins when set; the bare name is accepted for the forwarding and
// retention knobs that predate the prefix.
func envKey(name string) string {
	prefixed := "MODELRELAY_" + name
	if os.Getenv(prefixed) != "" {
		return prefixed
	}
	return name
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return def
}

func getEnvStringSlice(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, s := range strings.Split(v, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				result = append(result, s)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return def
}
