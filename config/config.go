package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime settings. Everything comes from the environment;
// a .env file is honored when present.
type Config struct {
	HTTPAddr string
	Log      LogConfig
	Kafka    KafkaConfig
	Mongo    MongoConfig
	Cache    CacheConfig
	Push     PushConfig
	Email    EmailConfig
}

type LogConfig struct {
	Level string
}

type KafkaConfig struct {
	Brokers           []string
	ClientID          string
	ReplicationFactor int16
	ProducerRetries   int
	RestartDelay      time.Duration
	MaxInFlightClaims int
}

type MongoConfig struct {
	URI      string
	Database string
}

// CacheConfig selects the cache backend explicitly. "redis" talks to the
// network store, "memory" runs in-process (dev and tests).
type CacheConfig struct {
	Backend  string
	Addr     string
	Password string
	DB       int
	PoolSize int
}

type PushConfig struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

type EmailConfig struct {
	SMTPAddr string
	From     string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		HTTPAddr: getenv("HTTP_ADDR", ":8080"),
		Log:      LogConfig{Level: getenv("LOG_LEVEL", "info")},
		Kafka: KafkaConfig{
			ClientID:          getenv("KAFKA_CLIENT_ID", "sparkd-pipeline"),
			ReplicationFactor: int16(getenvInt("KAFKA_REPLICATION_FACTOR", 1)),
			ProducerRetries:   getenvInt("KAFKA_PRODUCER_RETRIES", 5),
			RestartDelay:      getenvDuration("KAFKA_CONSUMER_RESTART_DELAY", 5*time.Second),
			MaxInFlightClaims: getenvInt("KAFKA_MAX_INFLIGHT_CLAIMS", 3),
		},
		Mongo: MongoConfig{
			URI:      getenv("MONGO_URI", "mongodb://127.0.0.1:27017"),
			Database: getenv("MONGO_DATABASE", "sparkd"),
		},
		Cache: CacheConfig{
			Backend:  getenv("CACHE_BACKEND", "redis"),
			Addr:     getenv("REDIS_ADDR", "127.0.0.1:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       getenvInt("REDIS_DB", 0),
			PoolSize: getenvInt("REDIS_POOL_SIZE", 32),
		},
		Push: PushConfig{
			Endpoint: os.Getenv("PUSH_ENDPOINT"),
			APIKey:   os.Getenv("PUSH_API_KEY"),
			Timeout:  getenvDuration("PUSH_TIMEOUT", 5*time.Second),
		},
		Email: EmailConfig{
			SMTPAddr: os.Getenv("SMTP_ADDR"),
			From:     getenv("EMAIL_FROM", "no-reply@sparkd.app"),
		},
	}

	brokers := getenv("KAFKA_BROKERS", "127.0.0.1:9092")
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			cfg.Kafka.Brokers = append(cfg.Kafka.Brokers, b)
		}
	}
	if len(cfg.Kafka.Brokers) == 0 {
		return nil, fmt.Errorf("KAFKA_BROKERS must contain at least one broker address")
	}
	switch cfg.Cache.Backend {
	case "redis", "memory":
	default:
		return nil, fmt.Errorf("CACHE_BACKEND must be redis or memory, got %q", cfg.Cache.Backend)
	}
	return cfg, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
