package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultConductorURL       = "http://localhost:8080/api"
	defaultListenAddr         = ":9090"
	defaultDBPath             = "taskworker.db"
	defaultPollInterval       = 100 * time.Millisecond
	defaultConcurrency        = 1
	defaultBatchPollTimeout   = 100 * time.Millisecond
	defaultUpdateRetries      = 3
	defaultUpdateRetryDelay   = 10 * time.Second
	defaultKafkaTopic         = "taskworker.events"
	defaultRedeliveryInterval = time.Minute
	defaultHTTPTimeout        = 30 * time.Second

	envConductorURL       = "TASKWORKER_CONDUCTOR_URL"
	envAuthToken          = "TASKWORKER_AUTH_TOKEN"
	envListenAddr         = "TASKWORKER_LISTEN_ADDR"
	envDBPath             = "TASKWORKER_DB_PATH"
	envLogLevel           = "TASKWORKER_LOG_LEVEL"
	envPollInterval       = "TASKWORKER_POLL_INTERVAL"
	envConcurrency        = "TASKWORKER_CONCURRENCY"
	envBatchPollTimeout   = "TASKWORKER_BATCH_POLL_TIMEOUT"
	envUpdateRetries      = "TASKWORKER_UPDATE_RETRIES"
	envUpdateRetryDelay   = "TASKWORKER_UPDATE_RETRY_DELAY"
	envDomain             = "TASKWORKER_DOMAIN"
	envWorkerID           = "TASKWORKER_WORKER_ID"
	envKafkaBrokers       = "TASKWORKER_KAFKA_BROKERS"
	envKafkaTopic         = "TASKWORKER_KAFKA_TOPIC"
	envRedeliveryInterval = "TASKWORKER_REDELIVERY_INTERVAL"
	envHTTPTimeout        = "TASKWORKER_HTTP_TIMEOUT"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ConductorURL string
	AuthToken    string
	ListenAddr   string
	DBPath       string
	LogLevel     slog.Level

	// Runner defaults applied to workers that leave them unset.
	PollInterval     time.Duration
	Concurrency      int
	BatchPollTimeout time.Duration
	Domain           string
	WorkerID         string

	UpdateRetries    int
	UpdateRetryDelay time.Duration

	// KafkaBrokers is empty when the event sink is disabled.
	KafkaBrokers []string
	KafkaTopic   string

	RedeliveryInterval time.Duration
	HTTPTimeout        time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
// Malformed or out-of-range values fall back to the default.
func Load() Config {
	cfg := Config{
		ConductorURL:       defaultConductorURL,
		ListenAddr:         defaultListenAddr,
		DBPath:             defaultDBPath,
		LogLevel:           slog.LevelInfo,
		PollInterval:       defaultPollInterval,
		Concurrency:        defaultConcurrency,
		BatchPollTimeout:   defaultBatchPollTimeout,
		UpdateRetries:      defaultUpdateRetries,
		UpdateRetryDelay:   defaultUpdateRetryDelay,
		KafkaTopic:         defaultKafkaTopic,
		RedeliveryInterval: defaultRedeliveryInterval,
		HTTPTimeout:        defaultHTTPTimeout,
	}

	if v := os.Getenv(envConductorURL); v != "" {
		cfg.ConductorURL = v
	}
	cfg.AuthToken = os.Getenv(envAuthToken)
	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}

	cfg.PollInterval = envDuration(envPollInterval, cfg.PollInterval)
	cfg.Concurrency = envPositiveInt(envConcurrency, cfg.Concurrency)
	cfg.BatchPollTimeout = envDuration(envBatchPollTimeout, cfg.BatchPollTimeout)
	cfg.Domain = os.Getenv(envDomain)
	cfg.WorkerID = os.Getenv(envWorkerID)

	cfg.UpdateRetries = envPositiveInt(envUpdateRetries, cfg.UpdateRetries)
	cfg.UpdateRetryDelay = envDuration(envUpdateRetryDelay, cfg.UpdateRetryDelay)

	cfg.KafkaBrokers = splitList(os.Getenv(envKafkaBrokers))
	if v := os.Getenv(envKafkaTopic); v != "" {
		cfg.KafkaTopic = v
	}

	cfg.RedeliveryInterval = envDuration(envRedeliveryInterval, cfg.RedeliveryInterval)
	cfg.HTTPTimeout = envDuration(envHTTPTimeout, cfg.HTTPTimeout)

	return cfg
}

// envDuration parses a Go duration string such as "250ms".
func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}

func envPositiveInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return defaultVal
	}
	return n
}

func splitList(s string) []string {
	var out []string
	for part := range strings.SplitSeq(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
