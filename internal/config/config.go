// Package config provides environment configuration for the API server.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration

	// Database settings
	DatabasePath string

	// NATS settings
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string

	// JWT settings
	JWTSecret string

	// Character catalog settings
	CharacterServiceURL string
	CharacterCacheTTL   time.Duration

	// Generation provider settings
	AnthropicAPIKey   string
	OpenAIAPIKey      string
	DefaultModel      string
	GenerationTimeout time.Duration
	GenerationRetries int

	// Context assembly
	ContextWindow   int
	MemoryLimit     int
	PromptBudget    int
	RecencyHalfLife time.Duration

	// Memory extraction
	ExtractionWorkers   int
	ExtractionQueueSize int

	// Streaming sessions
	KeepaliveInterval time.Duration
	KeepaliveTimeout  time.Duration
	SendBufferSize    int

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 120*time.Second),

		// Database
		DatabasePath: getEnv("DATABASE_PATH", "data/engine.db"),

		// NATS
		NATSURL:      getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),

		// JWT
		JWTSecret: getEnv("JWT_SECRET", "development-secret-change-in-production"),

		// Character catalog
		CharacterServiceURL: getEnv("CHARACTER_SERVICE_URL", ""),
		CharacterCacheTTL:   getDurationEnv("CHARACTER_CACHE_TTL", 5*time.Minute),

		// Generation provider
		AnthropicAPIKey:   getEnv("ANTHROPIC_API_KEY", ""),
		OpenAIAPIKey:      getEnv("OPENAI_API_KEY", ""),
		DefaultModel:      getEnv("DEFAULT_MODEL", ""),
		GenerationTimeout: getDurationEnv("GENERATION_TIMEOUT", 30*time.Second),
		GenerationRetries: getIntEnv("GENERATION_RETRIES", 3),

		// Context assembly
		ContextWindow:   getIntEnv("CONTEXT_WINDOW", 10),
		MemoryLimit:     getIntEnv("MEMORY_LIMIT", 5),
		PromptBudget:    getIntEnv("PROMPT_BUDGET", 6000),
		RecencyHalfLife: getDurationEnv("RECENCY_HALF_LIFE", 7*24*time.Hour),

		// Memory extraction
		ExtractionWorkers:   getIntEnv("EXTRACTION_WORKERS", 2),
		ExtractionQueueSize: getIntEnv("EXTRACTION_QUEUE_SIZE", 256),

		// Streaming sessions
		KeepaliveInterval: getDurationEnv("KEEPALIVE_INTERVAL", 25*time.Second),
		KeepaliveTimeout:  getDurationEnv("KEEPALIVE_TIMEOUT", 60*time.Second),
		SendBufferSize:    getIntEnv("SEND_BUFFER_SIZE", 64),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
