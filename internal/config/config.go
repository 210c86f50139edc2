// Package config loads the relay process configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Problem describes an invalid or missing setting.
type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Store backends.
const (
	StoreSQL = "sql"
	StorePGX = "pgx"
)

// Sink backends.
const (
	SinkKafka = "kafka"
	SinkAMQP  = "amqp"
	SinkNATS  = "nats"
	SinkRedis = "redis"
	SinkLog   = "log"
)

type Config struct {
	Env         string
	ServiceName string
	HTTPPort    int
	LogLevel    string

	Store       string
	SQLDialect  string
	DatabaseURL string
	Table       string
	PageSize    int

	Sink              string
	KafkaBrokers      string
	KafkaTopic        string
	KafkaTopicPrefix  string
	AMQPURL           string
	AMQPExchange      string
	AMQPQueue         string
	NATSURL           string
	NATSSubjectPrefix string
	NATSJetStream     bool
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	RedisStream       string
	RedisStreamPrefix string
	RedisStreamMaxLen int64

	Interval       time.Duration
	ReadTimeout    time.Duration
	PublishTimeout time.Duration
	MarkTimeout    time.Duration
	MaxAttempts    int
	BackoffMax     time.Duration
	LockKey        string
	LockTTL        time.Duration

	MetricsNamespace string
	OtelEnabled      bool
	OtelEndpoint     string
	OtelSampleRatio  float64
}

// Load reads the configuration from the process environment.
func Load() (Config, []Problem) {
	return LoadFrom(os.LookupEnv)
}

// LoadFrom reads the configuration using lookup. Invalid values are reported
// as problems and replaced by their defaults.
func LoadFrom(lookup func(string) (string, bool)) (Config, []Problem) {
	e := env{lookup: lookup}

	cfg := Config{
		Env:         e.str("ENV", "dev"),
		ServiceName: e.str("SERVICE_NAME", "outbox-relay"),
		HTTPPort:    e.integer("HTTP_PORT", 9090),
		LogLevel:    e.str("LOG_LEVEL", "info"),

		Store:       strings.ToLower(e.str("OUTBOX_STORE", StoreSQL)),
		SQLDialect:  strings.ToLower(e.str("OUTBOX_SQL_DIALECT", "postgres")),
		DatabaseURL: e.str("DATABASE_URL", ""),
		Table:       e.str("OUTBOX_TABLE", "outbox_events"),
		PageSize:    e.integer("OUTBOX_PAGE_SIZE", 0),

		Sink:              strings.ToLower(e.str("OUTBOX_SINK", SinkLog)),
		KafkaBrokers:      e.str("KAFKA_BROKERS", ""),
		KafkaTopic:        e.str("KAFKA_TOPIC", ""),
		KafkaTopicPrefix:  e.str("KAFKA_TOPIC_PREFIX", ""),
		AMQPURL:           e.str("AMQP_URL", ""),
		AMQPExchange:      e.str("AMQP_EXCHANGE", ""),
		AMQPQueue:         e.str("AMQP_QUEUE", ""),
		NATSURL:           e.str("NATS_URL", ""),
		NATSSubjectPrefix: e.str("NATS_SUBJECT_PREFIX", ""),
		NATSJetStream:     e.boolean("NATS_JETSTREAM", false),
		RedisAddr:         e.str("REDIS_ADDR", ""),
		RedisPassword:     e.str("REDIS_PASSWORD", ""),
		RedisDB:           e.integer("REDIS_DB", 0),
		RedisStream:       e.str("REDIS_STREAM", ""),
		RedisStreamPrefix: e.str("REDIS_STREAM_PREFIX", ""),
		RedisStreamMaxLen: int64(e.integer("REDIS_STREAM_MAXLEN", 0)),

		Interval:       e.millis("OUTBOX_INTERVAL_MS", 5000),
		ReadTimeout:    e.millis("OUTBOX_READ_TIMEOUT_MS", 5000),
		PublishTimeout: e.millis("OUTBOX_PUBLISH_TIMEOUT_MS", 5000),
		MarkTimeout:    e.millis("OUTBOX_MARK_TIMEOUT_MS", 5000),
		MaxAttempts:    e.integer("OUTBOX_MAX_ATTEMPTS", 0),
		BackoffMax:     e.millis("OUTBOX_BACKOFF_MAX_MS", 0),
		LockKey:        e.str("OUTBOX_LOCK_KEY", ""),
		LockTTL:        time.Duration(e.integer("OUTBOX_LOCK_TTL_SECONDS", 30)) * time.Second,

		MetricsNamespace: e.str("METRICS_NAMESPACE", ""),
		OtelEnabled:      e.boolean("OTEL_ENABLED", false),
		OtelEndpoint:     e.str("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OtelSampleRatio:  e.number("OTEL_SAMPLING_RATIO", 1.0),
	}

	problems := e.problems
	add := func(field, msg string) {
		problems = append(problems, Problem{Field: field, Message: msg})
	}

	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		add("HTTP_PORT", "HTTP_PORT must be 1-65535")
		cfg.HTTPPort = 9090
	}
	switch cfg.Store {
	case StoreSQL:
		switch cfg.SQLDialect {
		case "postgres", "mysql", "mariadb", "sqlite", "oracle", "sqlserver":
		default:
			add("OUTBOX_SQL_DIALECT", "OUTBOX_SQL_DIALECT must be one of postgres, mysql, mariadb, sqlite, oracle, sqlserver")
		}
	case StorePGX:
	default:
		add("OUTBOX_STORE", "OUTBOX_STORE must be sql or pgx")
	}
	if cfg.DatabaseURL == "" {
		add("DATABASE_URL", "DATABASE_URL is required")
	}
	if cfg.PageSize < 0 {
		add("OUTBOX_PAGE_SIZE", "OUTBOX_PAGE_SIZE must be >= 0")
		cfg.PageSize = 0
	}

	switch cfg.Sink {
	case SinkKafka:
		if strings.TrimSpace(cfg.KafkaBrokers) == "" {
			add("KAFKA_BROKERS", "KAFKA_BROKERS is required for the kafka sink")
		}
	case SinkAMQP:
		if cfg.AMQPURL == "" {
			add("AMQP_URL", "AMQP_URL is required for the amqp sink")
		}
	case SinkNATS:
		if cfg.NATSURL == "" {
			add("NATS_URL", "NATS_URL is required for the nats sink")
		}
	case SinkRedis:
		if cfg.RedisAddr == "" {
			add("REDIS_ADDR", "REDIS_ADDR is required for the redis sink")
		}
	case SinkLog:
	default:
		add("OUTBOX_SINK", "OUTBOX_SINK must be one of kafka, amqp, nats, redis, log")
	}

	if cfg.Interval <= 0 {
		add("OUTBOX_INTERVAL_MS", "OUTBOX_INTERVAL_MS must be > 0")
		cfg.Interval = 5 * time.Second
	}
	for field, d := range map[string]*time.Duration{
		"OUTBOX_READ_TIMEOUT_MS":    &cfg.ReadTimeout,
		"OUTBOX_PUBLISH_TIMEOUT_MS": &cfg.PublishTimeout,
		"OUTBOX_MARK_TIMEOUT_MS":    &cfg.MarkTimeout,
	} {
		if *d <= 0 {
			add(field, field+" must be > 0")
			*d = 5 * time.Second
		}
	}
	if cfg.MaxAttempts < 0 {
		add("OUTBOX_MAX_ATTEMPTS", "OUTBOX_MAX_ATTEMPTS must be >= 0")
		cfg.MaxAttempts = 0
	}
	if cfg.BackoffMax < 0 {
		add("OUTBOX_BACKOFF_MAX_MS", "OUTBOX_BACKOFF_MAX_MS must be >= 0")
		cfg.BackoffMax = 0
	}
	if cfg.LockKey != "" && cfg.RedisAddr == "" {
		add("REDIS_ADDR", "REDIS_ADDR is required when OUTBOX_LOCK_KEY is set")
	}
	if cfg.LockTTL <= 0 {
		add("OUTBOX_LOCK_TTL_SECONDS", "OUTBOX_LOCK_TTL_SECONDS must be > 0")
		cfg.LockTTL = 30 * time.Second
	}
	if cfg.OtelSampleRatio < 0 || cfg.OtelSampleRatio > 1 {
		add("OTEL_SAMPLING_RATIO", "OTEL_SAMPLING_RATIO must be between 0 and 1")
		cfg.OtelSampleRatio = 1.0
	}

	return cfg, problems
}

type env struct {
	lookup   func(string) (string, bool)
	problems []Problem
}

func (e *env) str(key, fallback string) string {
	v, ok := e.lookup(key)
	if !ok {
		return fallback
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	return v
}

func (e *env) integer(key string, fallback int) int {
	raw := e.str(key, "")
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		e.problems = append(e.problems, Problem{Field: key, Message: key + " must be an integer"})
		return fallback
	}
	return v
}

func (e *env) millis(key string, fallback int) time.Duration {
	return time.Duration(e.integer(key, fallback)) * time.Millisecond
}

func (e *env) boolean(key string, fallback bool) bool {
	raw := e.str(key, "")
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		e.problems = append(e.problems, Problem{Field: key, Message: key + " must be a boolean"})
		return fallback
	}
	return v
}

func (e *env) number(key string, fallback float64) float64 {
	raw := e.str(key, "")
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		e.problems = append(e.problems, Problem{Field: key, Message: key + " must be a number"})
		return fallback
	}
	return v
}
