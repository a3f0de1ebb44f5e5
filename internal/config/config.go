package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	AppEnv  string
	AppName string

	AppPort     string
	MetricsPort string

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	DBMaxOpenConns           int
	DBMaxIdleConns           int
	DBConnMaxLifetimeMinutes int

	RedisHost         string
	RedisPort         string
	RedisPassword     string
	RedisDB           int
	RedisPoolSize     int
	RedisMinIdleConns int
	RedisMaxRetries   int

	JWTSecret string
	LogLevel  string

	AllowedOrigins []string

	AuthDeadline      time.Duration
	HeartbeatInterval time.Duration
	MaxConnsPerUser   int
	SendQueueSize     int

	BrokerBackend string
	KafkaBrokers  []string
	AMQPURL       string

	WebhookAllowUnverified bool
	WebhookSecretsFile     string

	DLQStream          string
	DLQMaxLen          int64
	DLQRedriveSchedule string
	DLQMaxAttempts     int

	PlatformAPIURL   string
	PlatformAPIToken string
}

func Load() (*Config, error) {
	cfg := &Config{
		AppEnv:             os.Getenv("APP_ENV"),
		AppName:            os.Getenv("APP_NAME"),
		AppPort:            os.Getenv("APP_PORT"),
		MetricsPort:        os.Getenv("METRICS_PORT"),
		DBHost:             os.Getenv("DB_HOST"),
		DBPort:             os.Getenv("DB_PORT"),
		DBUser:             os.Getenv("DB_USER"),
		DBPassword:         os.Getenv("DB_PASSWORD"),
		DBName:             os.Getenv("DB_NAME"),
		DBSSLMode:          os.Getenv("DB_SSL_MODE"),
		RedisHost:          os.Getenv("REDIS_HOST"),
		RedisPort:          os.Getenv("REDIS_PORT"),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
		JWTSecret:          os.Getenv("JWT_SECRET"),
		LogLevel:           os.Getenv("LOG_LEVEL"),
		BrokerBackend:      os.Getenv("BROKER_BACKEND"),
		AMQPURL:            os.Getenv("AMQP_URL"),
		WebhookSecretsFile: os.Getenv("WEBHOOK_SECRETS_FILE"),
		DLQStream:          os.Getenv("DLQ_STREAM"),
		DLQRedriveSchedule: os.Getenv("DLQ_REDRIVE_SCHEDULE"),
		PlatformAPIURL:     os.Getenv("PLATFORM_API_URL"),
		PlatformAPIToken:   os.Getenv("PLATFORM_API_TOKEN"),
	}

	if cfg.AppPort == "" {
		cfg.AppPort = "8090"
	}
	if cfg.MetricsPort == "" {
		cfg.MetricsPort = "9090"
	}
	if cfg.DBSSLMode == "" {
		cfg.DBSSLMode = "disable"
	}
	if cfg.RedisPort == "" {
		cfg.RedisPort = "6379"
	}
	if cfg.BrokerBackend == "" {
		cfg.BrokerBackend = "redis"
	}
	if cfg.DLQStream == "" {
		cfg.DLQStream = "driftdesk:webhook:dlq"
	}
	if cfg.DLQRedriveSchedule == "" {
		cfg.DLQRedriveSchedule = "0 */5 * * * *"
	}

	if v := os.Getenv("WS_ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = splitAndTrim(v)
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.KafkaBrokers = splitAndTrim(v)
	}

	var err error
	if cfg.AuthDeadline, err = durationEnv("AUTH_DEADLINE", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.HeartbeatInterval, err = durationEnv("HEARTBEAT_INTERVAL", 25*time.Second); err != nil {
		return nil, err
	}
	if cfg.MaxConnsPerUser, err = intEnv("MAX_CONNS_PER_USER", 8); err != nil {
		return nil, err
	}
	if cfg.SendQueueSize, err = intEnv("SEND_QUEUE_SIZE", 64); err != nil {
		return nil, err
	}
	if cfg.RedisDB, err = intEnv("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.RedisPoolSize, err = intEnv("REDIS_POOL_SIZE", 0); err != nil {
		return nil, err
	}
	if cfg.RedisMinIdleConns, err = intEnv("REDIS_MIN_IDLE_CONNS", 0); err != nil {
		return nil, err
	}
	if cfg.RedisMaxRetries, err = intEnv("REDIS_MAX_RETRIES", 0); err != nil {
		return nil, err
	}
	if cfg.DLQMaxAttempts, err = intEnv("DLQ_MAX_ATTEMPTS", 5); err != nil {
		return nil, err
	}
	if cfg.DBMaxOpenConns, err = intEnv("DB_MAX_OPEN_CONNS", 25); err != nil {
		return nil, err
	}
	if cfg.DBMaxIdleConns, err = intEnv("DB_MAX_IDLE_CONNS", 5); err != nil {
		return nil, err
	}
	if cfg.DBConnMaxLifetimeMinutes, err = intEnv("DB_CONN_MAX_LIFETIME_MINUTES", 30); err != nil {
		return nil, err
	}
	if v := os.Getenv("DLQ_MAX_LEN"); v != "" {
		cfg.DLQMaxLen, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid DLQ_MAX_LEN: %w", err)
		}
	} else {
		cfg.DLQMaxLen = 10000
	}
	if v := os.Getenv("WEBHOOK_ALLOW_UNVERIFIED"); v != "" {
		cfg.WebhookAllowUnverified, err = strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid WEBHOOK_ALLOW_UNVERIFIED: %w", err)
		}
	}

	if cfg.AppEnv == "" || cfg.AppName == "" || cfg.DBHost == "" || cfg.DBPort == "" || cfg.DBUser == "" || cfg.DBPassword == "" || cfg.DBName == "" || cfg.RedisHost == "" || cfg.JWTSecret == "" {
		return nil, fmt.Errorf("missing required environment variables")
	}
	switch cfg.BrokerBackend {
	case "redis", "memory":
	case "kafka":
		if len(cfg.KafkaBrokers) == 0 {
			return nil, fmt.Errorf("BROKER_BACKEND=kafka requires KAFKA_BROKERS")
		}
	case "amqp":
		if cfg.AMQPURL == "" {
			return nil, fmt.Errorf("BROKER_BACKEND=amqp requires AMQP_URL")
		}
	default:
		return nil, fmt.Errorf("unknown BROKER_BACKEND %q", cfg.BrokerBackend)
	}
	return cfg, nil
}

// DSN builds the Postgres connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

func splitAndTrim(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func intEnv(name string, def int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return n, nil
}

func durationEnv(name string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return d, nil
}
