package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr        string
	DatabaseURL string
	WorkflowURL string
	// WorkflowToken is sent to the workflow service as a bearer token.
	WorkflowToken string
	JWTSecret     string
	JWTIssuer     string
	LogDev        bool

	ActionTimeout           time.Duration
	DefaultWarningThreshold float64

	RedisAddr     string
	RedisPassword string
	LockTTL       time.Duration

	KafkaBrokers          []string
	EscalationTopic       string
	NotificationTopic     string
	AlertTopic            string
	S3Bucket              string
	S3Prefix              string
	StreamBatchSize       int
	StreamMaxConcurrency  int
	StreamPollInterval    time.Duration
	StreamReclaimAfter    time.Duration
	WebhookBreakerTimeout time.Duration
	ShutdownTimeout       time.Duration
}

const (
	defaultAddr                  = ":8060"
	defaultActionTimeoutSeconds  = 10
	defaultWarningThreshold      = 75.0
	defaultLockTTLSeconds        = 30
	defaultEscalationTopic       = "sla.escalations"
	defaultNotificationTopic     = "sla.notifications"
	defaultAlertTopic            = "sla.alerts"
	defaultS3Prefix              = "sla-engine"
	defaultStreamBatchSize       = 10
	defaultStreamMaxConcurrency  = 5
	defaultStreamPollSeconds     = 3
	defaultStreamReclaimSeconds  = 300
	defaultBreakerTimeoutSeconds = 30
	defaultShutdownSeconds       = 15
)

// Load reads the service configuration from the environment. Only
// DATABASE_URL is optional in a way that changes behaviour: without it the
// service runs on the in-memory store.
func Load() (Config, error) {
	cfg := Config{
		Addr:                    getEnv("SLA_ENGINE_ADDR", defaultAddr),
		DatabaseURL:             firstNonEmpty(os.Getenv("SLA_ENGINE_DATABASE_URL"), os.Getenv("DATABASE_URL")),
		WorkflowURL:             os.Getenv("WORKFLOW_SERVICE_URL"),
		WorkflowToken:           os.Getenv("WORKFLOW_SERVICE_TOKEN"),
		JWTSecret:               os.Getenv("SLA_ENGINE_JWT_SECRET"),
		JWTIssuer:               os.Getenv("SLA_ENGINE_JWT_ISSUER"),
		LogDev:                  getBool("SLA_ENGINE_LOG_DEV", false),
		ActionTimeout:           getDuration("SLA_ENGINE_ACTION_TIMEOUT_SECONDS", defaultActionTimeoutSeconds),
		DefaultWarningThreshold: getFloat("SLA_ENGINE_DEFAULT_WARNING_PERCENT", defaultWarningThreshold),
		RedisAddr:               os.Getenv("REDIS_ADDR"),
		RedisPassword:           os.Getenv("REDIS_PASSWORD"),
		LockTTL:                 getDuration("SLA_ENGINE_LOCK_TTL_SECONDS", defaultLockTTLSeconds),
		KafkaBrokers:            parseCSV(os.Getenv("KAFKA_BROKERS")),
		EscalationTopic:         getEnv("KAFKA_ESCALATION_TOPIC", defaultEscalationTopic),
		NotificationTopic:       getEnv("KAFKA_NOTIFICATION_TOPIC", defaultNotificationTopic),
		AlertTopic:              getEnv("KAFKA_ALERT_TOPIC", defaultAlertTopic),
		S3Bucket:                os.Getenv("S3_BUCKET"),
		S3Prefix:                getEnv("S3_PREFIX", defaultS3Prefix),
		StreamBatchSize:         getInt("STREAM_BATCH_SIZE", defaultStreamBatchSize),
		StreamMaxConcurrency:    getInt("STREAM_MAX_CONCURRENCY", defaultStreamMaxConcurrency),
		StreamPollInterval:      getDuration("STREAM_POLL_INTERVAL_SECONDS", defaultStreamPollSeconds),
		StreamReclaimAfter:      getDuration("STREAM_RECLAIM_AFTER_SECONDS", defaultStreamReclaimSeconds),
		WebhookBreakerTimeout:   getDuration("SLA_ENGINE_WEBHOOK_BREAKER_SECONDS", defaultBreakerTimeoutSeconds),
		ShutdownTimeout:         getDuration("SLA_ENGINE_SHUTDOWN_TIMEOUT_SECONDS", defaultShutdownSeconds),
	}
	if cfg.DefaultWarningThreshold <= 0 || cfg.DefaultWarningThreshold > 100 {
		return Config{}, fmt.Errorf("SLA_ENGINE_DEFAULT_WARNING_PERCENT must be in (0, 100], got %v", cfg.DefaultWarningThreshold)
	}
	if cfg.ActionTimeout <= 0 {
		return Config{}, fmt.Errorf("SLA_ENGINE_ACTION_TIMEOUT_SECONDS must be positive")
	}
	if cfg.S3Bucket != "" && cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("S3_BUCKET requires DATABASE_URL or SLA_ENGINE_DATABASE_URL")
	}
	return cfg, nil
}

// StreamingEnabled reports whether escalation events are relayed to Kafka.
// Streaming reads from the Postgres outbox, so it needs both.
func (c Config) StreamingEnabled() bool {
	return len(c.KafkaBrokers) > 0 && c.DatabaseURL != ""
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func getFloat(key string, fallback float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return fallback
}

// getDuration reads a whole number of seconds.
func getDuration(key string, fallbackSeconds int) time.Duration {
	return time.Duration(getInt(key, fallbackSeconds)) * time.Second
}

func parseCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
