package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server       ServerConfig
	Worker       WorkerConfig
	Signals      SignalsConfig
	Verification VerificationConfig
	Trust        TrustConfig
	Auth         AuthConfig
	DB           DatabaseConfig
	Redis        RedisConfig
	Kafka        KafkaConfig
	Logging      LoggingConfig
}

type ServerConfig struct {
	Host            string
	Port            int
	RateLimit       int
	ShutdownTimeout time.Duration
}

// WorkerConfig sizes the pool that applies trust score updates asynchronously.
type WorkerConfig struct {
	Count      int
	BufferSize int
	// SubmitTimeout bounds how long a request waits on a full queue before
	// the adjustment is dropped.
	SubmitTimeout time.Duration
}

type SignalsConfig struct {
	Timeout        time.Duration
	CacheSize      int
	CacheTTL       time.Duration
	LookbackWindow time.Duration

	WeatherEnabled       bool
	WeatherURL           string
	WeatherMinRainfallMM float64

	NewsEnabled bool
	NewsURL     string

	SocialEnabled  bool
	SocialURL      string
	SocialMinPosts int
}

type VerificationConfig struct {
	BulkConcurrency int
	BulkMaxLimit    int
	BulkInterval    time.Duration // 0 disables the background scheduler
	BulkLimit       int
	ClaimTTL        time.Duration
}

type TrustConfig struct {
	Min     int
	Max     int
	Initial int

	VerifiedDelta   int
	NotMatchedDelta int
	RejectedDelta   int

	VoteThreshold int
	VoteDelta     int
}

type AuthConfig struct {
	Disabled  bool
	JWTSecret string
}

type DatabaseConfig struct {
	Path string
}

// RedisConfig enables redis-backed report claims when Addr is set.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// KafkaConfig enables report event publishing when Brokers is non-empty.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type LoggingConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "localhost"),
			Port:            getEnvInt("SERVER_PORT", 8080),
			RateLimit:       getEnvInt("SERVER_RATE_LIMIT", 20),
			ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Worker: WorkerConfig{
			Count:         getEnvInt("WORKER_COUNT", 2),
			BufferSize:    getEnvInt("WORKER_BUFFER_SIZE", 100),
			SubmitTimeout: getEnvDuration("WORKER_SUBMIT_TIMEOUT", 250*time.Millisecond),
		},
		Signals: SignalsConfig{
			Timeout:        getEnvDuration("SIGNAL_TIMEOUT", 8*time.Second),
			CacheSize:      getEnvInt("SIGNAL_CACHE_SIZE", 512),
			CacheTTL:       getEnvDuration("SIGNAL_CACHE_TTL", 10*time.Minute),
			LookbackWindow: getEnvDuration("SIGNAL_LOOKBACK_WINDOW", 72*time.Hour),

			WeatherEnabled:       getEnvBool("WEATHER_ENABLED", true),
			WeatherURL:           getEnv("WEATHER_URL", "https://archive-api.open-meteo.com/v1/archive"),
			WeatherMinRainfallMM: getEnvFloat("WEATHER_MIN_RAINFALL_MM", 20),

			NewsEnabled: getEnvBool("NEWS_ENABLED", true),
			NewsURL:     getEnv("NEWS_URL", "https://news.google.com/rss/search"),

			SocialEnabled:  getEnvBool("SOCIAL_ENABLED", false),
			SocialURL:      getEnv("SOCIAL_URL", ""),
			SocialMinPosts: getEnvInt("SOCIAL_MIN_POSTS", 3),
		},
		Verification: VerificationConfig{
			BulkConcurrency: getEnvInt("VERIFICATION_BULK_CONCURRENCY", 4),
			BulkMaxLimit:    getEnvInt("VERIFICATION_BULK_MAX_LIMIT", 200),
			BulkInterval:    getEnvDuration("VERIFICATION_BULK_INTERVAL", 0),
			BulkLimit:       getEnvInt("VERIFICATION_BULK_LIMIT", 20),
			ClaimTTL:        getEnvDuration("VERIFICATION_CLAIM_TTL", 2*time.Minute),
		},
		Trust: TrustConfig{
			Min:             getEnvInt("TRUST_MIN", 0),
			Max:             getEnvInt("TRUST_MAX", 100),
			Initial:         getEnvInt("TRUST_INITIAL", 50),
			VerifiedDelta:   getEnvInt("TRUST_VERIFIED_DELTA", 5),
			NotMatchedDelta: getEnvInt("TRUST_NOT_MATCHED_DELTA", -3),
			RejectedDelta:   getEnvInt("TRUST_REJECTED_DELTA", -10),
			VoteThreshold:   getEnvInt("TRUST_VOTE_THRESHOLD", 5),
			VoteDelta:       getEnvInt("TRUST_VOTE_DELTA", 2),
		},
		Auth: AuthConfig{
			Disabled:  getEnvBool("AUTH_DISABLED", false),
			JWTSecret: getEnv("JWT_SECRET", ""),
		},
		DB: DatabaseConfig{
			Path: getEnv("DB_PATH", "./data/report-verification.db"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Kafka: KafkaConfig{
			Brokers: getEnvList("KAFKA_BROKERS"),
			Topic:   getEnv("KAFKA_TOPIC", "report-verification-events"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.RateLimit < 1 {
		return fmt.Errorf("SERVER_RATE_LIMIT must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	if c.Worker.Count < 1 || c.Worker.BufferSize < 1 {
		return fmt.Errorf("worker count and buffer size must be positive")
	}
	if c.Worker.SubmitTimeout <= 0 {
		return fmt.Errorf("WORKER_SUBMIT_TIMEOUT must be positive")
	}

	if c.Signals.Timeout <= 0 {
		return fmt.Errorf("SIGNAL_TIMEOUT must be positive")
	}
	if c.Signals.SocialEnabled && c.Signals.SocialURL == "" {
		return fmt.Errorf("SOCIAL_ENABLED is true but SOCIAL_URL is not set")
	}

	if c.Verification.BulkConcurrency < 1 {
		return fmt.Errorf("VERIFICATION_BULK_CONCURRENCY must be positive")
	}
	if c.Verification.ClaimTTL < c.Signals.Timeout {
		return fmt.Errorf("VERIFICATION_CLAIM_TTL must be at least SIGNAL_TIMEOUT")
	}
	if c.Verification.BulkInterval != 0 && c.Verification.BulkInterval < time.Minute {
		return fmt.Errorf("VERIFICATION_BULK_INTERVAL must be at least 1 minute")
	}

	if c.Trust.Min >= c.Trust.Max {
		return fmt.Errorf("TRUST_MIN must be below TRUST_MAX")
	}
	if c.Trust.Initial < c.Trust.Min || c.Trust.Initial > c.Trust.Max {
		return fmt.Errorf("TRUST_INITIAL must be within [%d, %d]", c.Trust.Min, c.Trust.Max)
	}

	if !c.Auth.Disabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required unless AUTH_DISABLED is set")
	}

	return nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvList(key string) []string {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
