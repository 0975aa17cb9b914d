// Package config provides environment configuration for the backbone service.
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

	// Storage settings
	RedisURL  string
	KeyPrefix string

	// Broker settings ("redis" or "nats")
	Broker       string
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string

	// Event bus settings
	ChannelPrefix    string
	DefaultEventTTL  int // seconds
	MaxRetries       int
	RetryDelay       time.Duration
	HandlerTimeout   time.Duration
	DeadLetterLimit  int
	LatencyWindow    int
	ThroughputWindow time.Duration

	// Event store settings
	Retention        time.Duration
	SnapshotInterval uint64
	ReplayBatchSize  int

	// Prediction settings
	PredictionTimeout   time.Duration
	CacheTTLCritical    time.Duration
	CacheTTLHigh        time.Duration
	CacheTTLNormal      time.Duration
	CacheTTLLow         time.Duration
	QueueCapacity       int
	QueueDrainInterval  time.Duration
	QueueDrainBatch     int
	BatchChunkSize      int
	PredictionLatWindow int

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

		// Storage
		RedisURL:  getEnv("REDIS_URL", "redis://localhost:6379/0"),
		KeyPrefix: getEnv("KEY_PREFIX", "coach:"),

		// Broker
		Broker:       getEnv("BROKER", "redis"),
		NATSURL:      getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),

		// Event bus
		ChannelPrefix:    getEnv("CHANNEL_PREFIX", "coach:"),
		DefaultEventTTL:  getIntEnv("DEFAULT_EVENT_TTL", 3600),
		MaxRetries:       getIntEnv("MAX_RETRIES", 3),
		RetryDelay:       getDurationEnv("RETRY_DELAY", time.Second),
		HandlerTimeout:   getDurationEnv("HANDLER_TIMEOUT", 30*time.Second),
		DeadLetterLimit:  getIntEnv("DEAD_LETTER_LIMIT", 1000),
		LatencyWindow:    getIntEnv("LATENCY_WINDOW", 100),
		ThroughputWindow: getDurationEnv("THROUGHPUT_WINDOW", time.Second),

		// Event store
		Retention:        getDurationEnv("STORE_RETENTION", 90*24*time.Hour),
		SnapshotInterval: uint64(getIntEnv("SNAPSHOT_INTERVAL", 100)),
		ReplayBatchSize:  getIntEnv("REPLAY_BATCH_SIZE", 100),

		// Prediction
		PredictionTimeout:   getDurationEnv("PREDICTION_TIMEOUT", 5*time.Second),
		CacheTTLCritical:    getDurationEnv("CACHE_TTL_CRITICAL", 30*time.Second),
		CacheTTLHigh:        getDurationEnv("CACHE_TTL_HIGH", time.Minute),
		CacheTTLNormal:      getDurationEnv("CACHE_TTL_NORMAL", 5*time.Minute),
		CacheTTLLow:         getDurationEnv("CACHE_TTL_LOW", 10*time.Minute),
		QueueCapacity:       getIntEnv("PREDICTION_QUEUE_CAPACITY", 1000),
		QueueDrainInterval:  getDurationEnv("PREDICTION_DRAIN_INTERVAL", 100*time.Millisecond),
		QueueDrainBatch:     getIntEnv("PREDICTION_DRAIN_BATCH", 10),
		BatchChunkSize:      getIntEnv("PREDICTION_BATCH_CHUNK", 5),
		PredictionLatWindow: getIntEnv("PREDICTION_LATENCY_WINDOW", 1000),

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
