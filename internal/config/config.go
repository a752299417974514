// Package config provides configuration for the orchestrator.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the orchestrator configuration.
type Config struct {
	// Server settings
	HTTPPort int

	// Audit log database
	AuditDB string

	// Polling
	PollInterval     time.Duration
	MaxBackoff       time.Duration
	MaxInFlight      int64
	FailureThreshold int

	// Agent client
	AgentTimeout     time.Duration
	ScreenshotMaxAge time.Duration

	// Discovery
	ProbeTimeout         time.Duration
	DiscoveryMaxInFlight int64

	// Optional agent registered at startup
	DefaultAgentURL   string
	DefaultAgentToken string

	// WebSocket settings
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	MaxMessageSize int64

	// Logging
	LogLevel string
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		HTTPPort:             getEnvInt("HTTP_PORT", 8080),
		AuditDB:              getEnv("AUDIT_DB", "file:audit.db?cache=shared&mode=rwc"),
		PollInterval:         time.Duration(getEnvInt("POLL_INTERVAL_MS", 5000)) * time.Millisecond,
		MaxBackoff:           time.Duration(getEnvInt("MAX_BACKOFF_MS", 80000)) * time.Millisecond,
		MaxInFlight:          int64(getEnvInt("MAX_IN_FLIGHT", 8)),
		FailureThreshold:     getEnvInt("FAILURE_THRESHOLD", 3),
		AgentTimeout:         time.Duration(getEnvInt("AGENT_TIMEOUT_MS", 5000)) * time.Millisecond,
		ScreenshotMaxAge:     time.Duration(getEnvInt("SCREENSHOT_MAX_AGE_MS", 10000)) * time.Millisecond,
		ProbeTimeout:         time.Duration(getEnvInt("PROBE_TIMEOUT_MS", 2000)) * time.Millisecond,
		DiscoveryMaxInFlight: int64(getEnvInt("DISCOVERY_MAX_IN_FLIGHT", 16)),
		DefaultAgentURL:      getEnv("DEFAULT_AGENT_URL", ""),
		DefaultAgentToken:    getEnv("DEFAULT_AGENT_TOKEN", ""),
		PingInterval:         time.Duration(getEnvInt("WS_PING_INTERVAL_MS", 30000)) * time.Millisecond,
		WriteTimeout:         time.Duration(getEnvInt("WS_WRITE_TIMEOUT_MS", 10000)) * time.Millisecond,
		ReadTimeout:          time.Duration(getEnvInt("WS_READ_TIMEOUT_MS", 60000)) * time.Millisecond,
		MaxMessageSize:       int64(getEnvInt("WS_MAX_MESSAGE_SIZE", 65536)),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}
