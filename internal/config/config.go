// Package config loads process settings from the environment and the
// delivery policy from a YAML file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// StoreBackend selects where rate-limit records, the queue snapshot and
	// the history log live.
	StoreBackend string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// AWS
	AWSRegion   string
	AWSEndpoint string // LocalStack
	SNSRegion   string
	SNSTopicARN string
	SQSRegion   string

	// IngestQueueURL enables the SQS intent queue when set.
	IngestQueueURL string

	// Push gateway for the template_push channel
	PushGatewayURL string
	PushTimeout    time.Duration

	// Dispatch
	DispatchTick        time.Duration
	DispatchMaxAttempts int
	RetryDelays         []time.Duration
	// RetryBase enables exponential backoff instead of RetryDelays.
	RetryBase       time.Duration
	RetryMultiplier float64
	RetryMax        time.Duration

	Timezone   string
	PolicyFile string

	// Cleanup
	CleanupSchedule      string
	CleanupOlderThanDays int
	CleanupMaxCount      int

	// Provider throttle per channel; 0 disables.
	ChannelRPS   float64
	ChannelBurst int

	// API ingress limit per client
	IngressLimit  int
	IngressWindow time.Duration
}

// Load reads a .env file if present, then the environment.
func Load() (*Config, error) {
	// a missing .env is fine
	_ = godotenv.Load()

	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		StoreBackend: BackendMemory,

		DBHost:    "localhost",
		DBPort:    5432,
		DBUser:    "courier",
		DBName:    "courier",
		DBSSLMode: "disable",

		RedisHost: "localhost",
		RedisPort: 6379,

		AWSRegion: "us-east-1",

		PushTimeout: 10 * time.Second,

		DispatchTick:        time.Second,
		DispatchMaxAttempts: 3,
		RetryDelays:         []time.Duration{time.Second, 5 * time.Second, 30 * time.Second},
		RetryMultiplier:     2,

		Timezone: "Local",

		CleanupSchedule:      "0 3 * * *",
		CleanupOlderThanDays: 30,

		ChannelBurst: 1,

		IngressLimit:  100,
		IngressWindow: time.Minute,
	}

	var err error

	if cfg.Port, err = envInt("PORT", cfg.Port); err != nil {
		return nil, err
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	if backend := os.Getenv("STORE_BACKEND"); backend != "" {
		cfg.StoreBackend = strings.ToLower(backend)
	}
	switch cfg.StoreBackend {
	case BackendMemory, BackendRedis, BackendPostgres:
	default:
		return nil, fmt.Errorf("invalid STORE_BACKEND %q: want memory, redis or postgres", cfg.StoreBackend)
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}
	if cfg.DBPort, err = envInt("DB_PORT", cfg.DBPort); err != nil {
		return nil, err
	}
	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}
	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}
	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}
	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}
	if cfg.RedisPort, err = envInt("REDIS_PORT", cfg.RedisPort); err != nil {
		return nil, err
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}
	if cfg.RedisDB, err = envInt("REDIS_DB", cfg.RedisDB); err != nil {
		return nil, err
	}

	// AWS
	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}
	cfg.AWSEndpoint = os.Getenv("AWS_ENDPOINT_URL")
	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}
	cfg.SNSTopicARN = os.Getenv("SNS_TOPIC_ARN")
	if region := os.Getenv("SQS_REGION"); region != "" {
		cfg.SQSRegion = region
	} else {
		cfg.SQSRegion = cfg.AWSRegion
	}
	cfg.IngestQueueURL = os.Getenv("INGEST_QUEUE_URL")

	cfg.PushGatewayURL = os.Getenv("PUSH_GATEWAY_URL")
	if cfg.PushTimeout, err = envDuration("PUSH_TIMEOUT", cfg.PushTimeout); err != nil {
		return nil, err
	}

	// Dispatch
	if cfg.DispatchTick, err = envDuration("DISPATCH_TICK", cfg.DispatchTick); err != nil {
		return nil, err
	}
	if cfg.DispatchMaxAttempts, err = envInt("DISPATCH_MAX_ATTEMPTS", cfg.DispatchMaxAttempts); err != nil {
		return nil, err
	}
	if cfg.DispatchMaxAttempts < 1 {
		return nil, fmt.Errorf("invalid DISPATCH_MAX_ATTEMPTS: must be at least 1")
	}
	if delays := os.Getenv("RETRY_DELAYS"); delays != "" {
		d, err := ParseDurations(delays)
		if err != nil {
			return nil, fmt.Errorf("invalid RETRY_DELAYS: %w", err)
		}
		cfg.RetryDelays = d
	}
	if cfg.RetryBase, err = envDuration("RETRY_BASE", cfg.RetryBase); err != nil {
		return nil, err
	}
	if cfg.RetryMultiplier, err = envFloat("RETRY_MULTIPLIER", cfg.RetryMultiplier); err != nil {
		return nil, err
	}
	if cfg.RetryMax, err = envDuration("RETRY_MAX", cfg.RetryMax); err != nil {
		return nil, err
	}

	if tz := os.Getenv("TIMEZONE"); tz != "" {
		cfg.Timezone = tz
	}
	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE: %w", err)
	}
	cfg.PolicyFile = os.Getenv("POLICY_FILE")

	// Cleanup
	if schedule := os.Getenv("CLEANUP_SCHEDULE"); schedule != "" {
		cfg.CleanupSchedule = schedule
	}
	if cfg.CleanupSchedule != "off" {
		if _, err := cron.ParseStandard(cfg.CleanupSchedule); err != nil {
			return nil, fmt.Errorf("invalid CLEANUP_SCHEDULE: %w", err)
		}
	}
	if cfg.CleanupOlderThanDays, err = envInt("CLEANUP_OLDER_THAN_DAYS", cfg.CleanupOlderThanDays); err != nil {
		return nil, err
	}
	if cfg.CleanupMaxCount, err = envInt("CLEANUP_MAX_COUNT", cfg.CleanupMaxCount); err != nil {
		return nil, err
	}

	if cfg.ChannelRPS, err = envFloat("CHANNEL_RPS", cfg.ChannelRPS); err != nil {
		return nil, err
	}
	if cfg.ChannelBurst, err = envInt("CHANNEL_BURST", cfg.ChannelBurst); err != nil {
		return nil, err
	}

	if cfg.IngressLimit, err = envInt("INGRESS_LIMIT", cfg.IngressLimit); err != nil {
		return nil, err
	}
	if cfg.IngressWindow, err = envDuration("INGRESS_WINDOW", cfg.IngressWindow); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Location resolves Timezone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// ParseDurations parses a comma separated list such as "1s,5s,30s".
func ParseDurations(s string) ([]time.Duration, error) {
	parts := strings.Split(s, ",")
	out := make([]time.Duration, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		d, err := time.ParseDuration(p)
		if err != nil {
			return nil, err
		}
		if d < 0 {
			return nil, fmt.Errorf("negative duration %s", p)
		}
		out = append(out, d)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty list")
	}
	return out, nil
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func envFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
