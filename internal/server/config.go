package server

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// RateLimitConfig defines the parameters for per-connection message rate
// limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds the runtime settings for one relay process.
type Config struct {
	Port           string
	AllowedOrigins []string
	MaxMessageSize int64
	RateLimit      RateLimitConfig

	// NATSURL selects the production broker; empty runs the process on an
	// in-memory exchange (single-process mode).
	NATSURL       string
	SubjectPrefix string

	// QueueSize bounds each connection's outbound queue.
	QueueSize int
	// ReconnectGrace is how long an unregistered connection ID stays
	// unusable, deduplicating retried handshakes for dead connections.
	ReconnectGrace  time.Duration
	ShutdownTimeout time.Duration
}

// NewConfig returns a Config populated with defaults.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

func defaultConfig() Config {
	return Config{
		Port: ":8080",
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize: 4096,
		RateLimit: RateLimitConfig{
			Burst:          5,
			RefillInterval: time.Second,
		},
		SubjectPrefix:   "relay.room",
		QueueSize:       64,
		ReconnectGrace:  30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Sanitize clamps out-of-range values back to defaults and returns the
// result.
func (c Config) Sanitize() Config {
	def := defaultConfig()
	if c.Port == "" {
		c.Port = def.Port
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = def.RateLimit.Burst
	}
	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = def.SubjectPrefix
	}
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
	if c.ReconnectGrace < 0 {
		c.ReconnectGrace = def.ReconnectGrace
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
	return c
}

// NewConfigFromEnv creates a Config from environment variables, falling back
// to defaults for anything unset or unparsable.
func NewConfigFromEnv() *Config {
	cfg := defaultConfig()

	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Port = port
	}
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}
	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		cfg.MaxMessageSize = parseInt64(maxSize, cfg.MaxMessageSize)
	}
	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		cfg.RateLimit.Burst = parseInt(burst, cfg.RateLimit.Burst)
	}
	if interval := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		cfg.RateLimit.RefillInterval = parseSeconds(interval, cfg.RateLimit.RefillInterval)
	}
	if url := os.Getenv("NATS_URL"); url != "" {
		cfg.NATSURL = url
	}
	if prefix := os.Getenv("NATS_SUBJECT_PREFIX"); prefix != "" {
		cfg.SubjectPrefix = prefix
	}
	if size := os.Getenv("OUTBOUND_QUEUE_SIZE"); size != "" {
		cfg.QueueSize = parseInt(size, cfg.QueueSize)
	}
	if grace := os.Getenv("RECONNECT_GRACE_SECONDS"); grace != "" {
		cfg.ReconnectGrace = parseSeconds(grace, cfg.ReconnectGrace)
	}
	if timeout := os.Getenv("SHUTDOWN_TIMEOUT_SECONDS"); timeout != "" {
		cfg.ShutdownTimeout = parseSeconds(timeout, cfg.ShutdownTimeout)
	}

	sanitized := cfg.Sanitize()
	return &sanitized
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseInt64(value string, defaultValue int64) int64 {
	if parsed, err := strconv.ParseInt(value, 10, 64); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

func parseInt(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

func parseSeconds(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}
