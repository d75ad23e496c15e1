package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// GetAllSettings returns the effective settings shown to operators. Secrets are left out.
func GetAllSettings() map[string]any {
	if Global == nil {
		return map[string]any{}
	}
	return map[string]any{
		"app_version":               Global.App.Version,
		"app_debug":                 Global.App.Debug,
		"db_driver":                 Global.Database.Driver,
		"valkey_enabled":            Global.Database.ValkeyEnabled,
		"engine_scan_interval":      Global.Engine.ScanInterval.String(),
		"engine_lease":              Global.Engine.LeaseDuration.String(),
		"engine_publish_timeout":    Global.Engine.PublishTimeout.String(),
		"engine_target_concurrency": Global.Engine.TargetConcurrency,
		"engine_workers":            Global.Engine.Workers,
		"engine_retry_max_attempts": Global.Engine.RetryMaxAttempts,
		"engine_follow_up_passes":   Global.Engine.FollowUpPasses,
	}
}

// Helpers
func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			return n
		}
	}
	return fallback
}

// getEnvDuration accepts Go durations ("90s", "5m") or a bare number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		vLower := strings.ToLower(v)
		return vLower == "1" || vLower == "true" || vLower == "yes" || vLower == "on"
	}
	return fallback
}
