// Package config provides the kernel's environment-var-first
// configuration loading: plain env vars with defaults plus an
// optional local .env file.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/tidwall/gjson"
)

// LoadDotEnv loads a .env file from path if present, silently doing nothing
// if the file is absent — only local development relies on it.
func LoadDotEnv(path string) {
	_ = godotenv.Load(path)
}

func env(key, defaultValue string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return defaultValue
}

func envBool(key string, defaultValue bool) bool {
	v := env(key, "")
	if v == "" {
		return defaultValue
	}
	lower := strings.ToLower(v)
	return lower == "true" || lower == "1" || lower == "yes"
}

func envInt(key string, defaultValue int) int {
	v := env(key, "")
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return n
}

func envDuration(key string, defaultValue time.Duration) time.Duration {
	v := env(key, "")
	if v == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultValue
	}
	return d
}

// SplitAndTrimCSV splits a comma-separated value into trimmed,
// non-empty parts — used for the OMNIMAN_*_PERMISSION_CLASSES lists.
func SplitAndTrimCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// Config is the kernel process's fully resolved configuration, read once at
// startup by cmd/omnimanserver. cmd/omnimanctl does not load it; it reads
// its settings through viper.
type Config struct {
	DatabaseURL string
	RedisURL    string

	LogLevel  string
	LogFormat string

	HTTPAddr       string
	RequestTimeout time.Duration
	BodyLimitBytes int64

	WorkerBatchSize    int
	WorkerPollInterval time.Duration

	DefaultPermissionClasses []string
	AdminPermissionClasses   []string
	NotificationsBackend     string

	AllowedDataKeys []string

	ModifyRateLimitPerSec  float64
	ModifyRateLimitBurst   int
	CommitRateLimitPerSec  float64
	CommitRateLimitBurst   int
}

// defaultsList reads a string array out of the OMNIMAN_DEFAULTS JSON bag.
func defaultsList(bag, path string) []string {
	var out []string
	for _, v := range gjson.Get(bag, path).Array() {
		if s := strings.TrimSpace(v.String()); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// envList reads a CSV env var, falling back to a path in the
// OMNIMAN_DEFAULTS bag when the var is unset.
func envList(key, bag, bagPath string) []string {
	if v := env(key, ""); v != "" {
		return SplitAndTrimCSV(v)
	}
	return defaultsList(bag, bagPath)
}

// Load reads Config from the process environment. OMNIMAN_DEFAULTS is a
// single JSON bag carrying the feature-flag defaults; the individual
// OMNIMAN_* env vars override its keys.
func Load() Config {
	defaults := env("OMNIMAN_DEFAULTS", "")
	notifBackend := env("OMNIMAN_NOTIFICATIONS_DEFAULT_BACKEND", "")
	if notifBackend == "" {
		notifBackend = gjson.Get(defaults, "notifications.default_backend").String()
	}
	if notifBackend == "" {
		notifBackend = "noop"
	}
	return Config{
		DatabaseURL: env("DATABASE_URL", "postgres://localhost:5432/omniman?sslmode=disable"),
		RedisURL:    env("REDIS_URL", "redis://localhost:6379/0"),

		LogLevel:  env("LOG_LEVEL", "info"),
		LogFormat: env("LOG_FORMAT", "json"),

		HTTPAddr:       env("HTTP_ADDR", ":8080"),
		RequestTimeout: envDuration("OMNIMAN_REQUEST_TIMEOUT", 30*time.Second),
		BodyLimitBytes: int64(envInt("OMNIMAN_BODY_LIMIT_BYTES", 1<<20)),

		WorkerBatchSize:    envInt("OMNIMAN_WORKER_BATCH_SIZE", 20),
		WorkerPollInterval: envDuration("OMNIMAN_WORKER_POLL_INTERVAL", 2*time.Second),

		DefaultPermissionClasses: envList("OMNIMAN_DEFAULT_PERMISSION_CLASSES", defaults, "default_permission_classes"),
		AdminPermissionClasses:   envList("OMNIMAN_ADMIN_PERMISSION_CLASSES", defaults, "admin_permission_classes"),
		NotificationsBackend:     notifBackend,

		AllowedDataKeys: SplitAndTrimCSV(env("OMNIMAN_ALLOWED_DATA_KEYS", "table,notes,customer,tags")),

		ModifyRateLimitPerSec: float64(envInt("OMNIMAN_MODIFY_RATE_LIMIT_PER_SEC", 20)),
		ModifyRateLimitBurst:  envInt("OMNIMAN_MODIFY_RATE_LIMIT_BURST", 40),
		CommitRateLimitPerSec: float64(envInt("OMNIMAN_COMMIT_RATE_LIMIT_PER_SEC", 10)),
		CommitRateLimitBurst:  envInt("OMNIMAN_COMMIT_RATE_LIMIT_BURST", 20),
	}
}
