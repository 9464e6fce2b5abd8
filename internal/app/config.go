package app

import (
	"os"
	"strconv"

	"github.com/ccjuuc/chromium-tool/internal/platform/logger"
)

// Config holds the process-level knobs that live outside the TOML pipeline
// configuration: log mode and the task manager's concurrency ceiling,
// following the teacher's env-var-driven app.Config.
type Config struct {
	LogMode           string
	MaxConcurrentJobs int64
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvAsInt64(key string, fallback int64, log *logger.Logger) int64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Warn("invalid integer env var, using fallback", "key", key, "value", raw)
		return fallback
	}
	return n
}

func LoadConfig(log *logger.Logger) Config {
	return Config{
		LogMode:           getEnv("LOG_MODE", "development"),
		MaxConcurrentJobs: getEnvAsInt64("MAX_CONCURRENT_JOBS", 64, log),
	}
}
