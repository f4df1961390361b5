package config

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Event log backends
const (
	BackendRedis = "redis"
	BackendKafka = "kafka"
)

// Config holds all configuration for the transcriber service
type Config struct {
	// Server configuration
	Port           string `envconfig:"LISTEN_PORT" default:"9090"`
	MaxMessageSize int64  `envconfig:"MAX_MESSAGE_SIZE" default:"10485760"` // 10 MiB per inbound frame

	// Deepgram live transcription configuration
	DeepgramAPIKey   string `envconfig:"DEEPGRAM_API_KEY" required:"true"`
	DeepgramModel    string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"`
	DeepgramLanguage string `envconfig:"DEEPGRAM_LANGUAGE" default:"en"` // Used when the bot sends no language
	SampleRate       int    `envconfig:"AUDIO_SAMPLE_RATE" default:"16000"` // Must match what the bot sends
	UtteranceEndMs   int    `envconfig:"UTTERANCE_END_MS" default:"1000"`

	// Rolling transcript window sent back to the bot
	SegmentWindowSize int `envconfig:"SEGMENT_WINDOW_SIZE" default:"10"`

	// Durable event log configuration
	EventLogBackend       string   `envconfig:"EVENT_LOG_BACKEND" default:"redis"` // redis or kafka
	RedisStreamURL        string   `envconfig:"REDIS_STREAM_URL" default:""`
	RedisURL              string   `envconfig:"REDIS_URL" default:"redis://redis:6379/0"`
	TranscriptionStream   string   `envconfig:"REDIS_STREAM_KEY" default:"transcription_segments"`
	SpeakerEventsStream   string   `envconfig:"REDIS_SPEAKER_EVENTS_RELATIVE_STREAM_KEY" default:"speaker_events_relative"`
	KafkaBrokers          []string `envconfig:"KAFKA_BROKERS" default:""`
	EventLogTimeoutMillis int      `envconfig:"EVENT_LOG_TIMEOUT_MS" default:"2000"`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failed opens before fast-failing
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before probing again

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks values envconfig cannot express
func (c *Config) Validate() error {
	if c.DeepgramAPIKey == "" {
		return fmt.Errorf("DEEPGRAM_API_KEY is required")
	}

	c.EventLogBackend = strings.ToLower(strings.TrimSpace(c.EventLogBackend))
	switch c.EventLogBackend {
	case BackendRedis:
	case BackendKafka:
		if len(c.KafkaBrokers) == 0 {
			return fmt.Errorf("KAFKA_BROKERS is required for the kafka event log backend")
		}
	default:
		return fmt.Errorf("unknown EVENT_LOG_BACKEND %q", c.EventLogBackend)
	}

	if c.SampleRate <= 0 {
		return fmt.Errorf("AUDIO_SAMPLE_RATE must be positive, got %d", c.SampleRate)
	}
	if c.SegmentWindowSize <= 0 {
		return fmt.Errorf("SEGMENT_WINDOW_SIZE must be positive, got %d", c.SegmentWindowSize)
	}
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("MAX_MESSAGE_SIZE must be positive, got %d", c.MaxMessageSize)
	}
	return nil
}

// RedisAddress returns the Redis URL for the event log.
// REDIS_STREAM_URL takes precedence over REDIS_URL.
func (c *Config) RedisAddress() string {
	if c.RedisStreamURL != "" {
		return c.RedisStreamURL
	}
	return c.RedisURL
}

// MaskedAPIKey returns the Deepgram key with everything but the edges hidden
func (c *Config) MaskedAPIKey() string {
	if len(c.DeepgramAPIKey) <= 8 {
		return "****"
	}
	return c.DeepgramAPIKey[:4] + "..." + c.DeepgramAPIKey[len(c.DeepgramAPIKey)-4:]
}
