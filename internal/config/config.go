// Package config loads server settings from HUDDLE_* environment variables,
// after an optional .env file in the working directory.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/joho/godotenv"
)

// Relay names accepted by HUDDLE_RELAY.
const (
	RelayNone  = "none"
	RelayNATS  = "nats"
	RelayRedis = "redis"
	RelayKafka = "kafka"
	RelayPG    = "pg"
)

type Config struct {
	HTTPAddr    string // HUDDLE_HTTP_ADDR (default ":8080")
	GRPCAddr    string // HUDDLE_GRPC_ADDR (default ":9090"; "off" disables)
	DatabaseURL string // HUDDLE_DATABASE_URL (postgres; empty = in-memory unless PebblePath is set)
	PebblePath  string // HUDDLE_PEBBLE_PATH (embedded durable store)

	LogLevel slog.Level // HUDDLE_LOG_LEVEL (debug|info|warn|error; default info)

	// Cross-replica relay
	Relay        string   // HUDDLE_RELAY (none|nats|redis|kafka|pg; default none)
	NATSURL      string   // HUDDLE_NATS_URL
	RedisURL     string   // HUDDLE_REDIS_URL
	KafkaBrokers []string // HUDDLE_KAFKA_BROKERS (comma separated)
	KafkaTopic   string   // HUDDLE_KAFKA_TOPIC (default "huddle-events")

	// Identity
	JWTSecret string // HUDDLE_JWT_SECRET (empty = trusted identity headers)
	AuthToken string // HUDDLE_AUTH_TOKEN (optional static bearer token)

	// Presence
	StaleTimeout      time.Duration // HUDDLE_STALE_TIMEOUT (default 30s)
	HeartbeatInterval time.Duration // HUDDLE_HEARTBEAT_INTERVAL (default 10s), advertised to clients on /healthz
	SweepInterval     time.Duration // HUDDLE_SWEEP_INTERVAL (default 10s)
	PresenceRate      float64       // HUDDLE_PRESENCE_RATE heartbeats/s per user (default 5)
	PresenceBurst     int           // HUDDLE_PRESENCE_BURST (default 10)

	SubscriberQueue  int // HUDDLE_SUBSCRIBER_QUEUE (default 64)
	MaxCommentLength int // HUDDLE_MAX_COMMENT_LENGTH (default 5000)

	// Backup settings
	BackupBucket   string        // HUDDLE_BACKUP_BUCKET (enables S3 backup when set)
	BackupPrefix   string        // HUDDLE_BACKUP_PREFIX (default "huddle/")
	BackupEndpoint string        // HUDDLE_BACKUP_ENDPOINT (custom endpoint for MinIO)
	BackupRegion   string        // HUDDLE_BACKUP_REGION (default "us-east-1")
	BackupInterval time.Duration // HUDDLE_BACKUP_INTERVAL (default 1h; 0 = disabled)
	BackupCron     string        // HUDDLE_BACKUP_CRON (overrides the interval when set)
}

// Load reads the configuration. A missing .env file is not an error.
func Load() (*Config, error) {
	_ = godotenv.Load(".env")

	c := &Config{
		HTTPAddr:       envOrDefault("HUDDLE_HTTP_ADDR", ":8080"),
		GRPCAddr:       envOrDefault("HUDDLE_GRPC_ADDR", ":9090"),
		DatabaseURL:    os.Getenv("HUDDLE_DATABASE_URL"),
		PebblePath:     os.Getenv("HUDDLE_PEBBLE_PATH"),
		Relay:          strings.ToLower(envOrDefault("HUDDLE_RELAY", RelayNone)),
		NATSURL:        os.Getenv("HUDDLE_NATS_URL"),
		RedisURL:       os.Getenv("HUDDLE_REDIS_URL"),
		KafkaTopic:     envOrDefault("HUDDLE_KAFKA_TOPIC", "huddle-events"),
		JWTSecret:      os.Getenv("HUDDLE_JWT_SECRET"),
		AuthToken:      os.Getenv("HUDDLE_AUTH_TOKEN"),
		BackupBucket:   os.Getenv("HUDDLE_BACKUP_BUCKET"),
		BackupPrefix:   envOrDefault("HUDDLE_BACKUP_PREFIX", "huddle/"),
		BackupEndpoint: os.Getenv("HUDDLE_BACKUP_ENDPOINT"),
		BackupRegion:   envOrDefault("HUDDLE_BACKUP_REGION", "us-east-1"),
		BackupCron:     os.Getenv("HUDDLE_BACKUP_CRON"),
	}
	if c.GRPCAddr == "off" {
		c.GRPCAddr = ""
	}
	if brokers := os.Getenv("HUDDLE_KAFKA_BROKERS"); brokers != "" {
		for _, b := range strings.Split(brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				c.KafkaBrokers = append(c.KafkaBrokers, b)
			}
		}
	}

	var err error
	durations := []struct {
		key      string
		fallback string
		dst      *time.Duration
	}{
		{"HUDDLE_STALE_TIMEOUT", "30s", &c.StaleTimeout},
		{"HUDDLE_HEARTBEAT_INTERVAL", "10s", &c.HeartbeatInterval},
		{"HUDDLE_SWEEP_INTERVAL", "10s", &c.SweepInterval},
		{"HUDDLE_BACKUP_INTERVAL", "1h", &c.BackupInterval},
	}
	for _, d := range durations {
		if *d.dst, err = time.ParseDuration(envOrDefault(d.key, d.fallback)); err != nil {
			return nil, fmt.Errorf("%s: %w", d.key, err)
		}
	}

	ints := []struct {
		key      string
		fallback int
		dst      *int
	}{
		{"HUDDLE_PRESENCE_BURST", 10, &c.PresenceBurst},
		{"HUDDLE_SUBSCRIBER_QUEUE", 64, &c.SubscriberQueue},
		{"HUDDLE_MAX_COMMENT_LENGTH", 5000, &c.MaxCommentLength},
	}
	for _, n := range ints {
		if *n.dst, err = intOrDefault(n.key, n.fallback); err != nil {
			return nil, err
		}
	}

	if v := os.Getenv("HUDDLE_LOG_LEVEL"); v != "" {
		if err := c.LogLevel.UnmarshalText([]byte(v)); err != nil {
			return nil, fmt.Errorf("HUDDLE_LOG_LEVEL: %w", err)
		}
	}

	c.PresenceRate = 5
	if v := os.Getenv("HUDDLE_PRESENCE_RATE"); v != "" {
		if c.PresenceRate, err = strconv.ParseFloat(v, 64); err != nil {
			return nil, fmt.Errorf("HUDDLE_PRESENCE_RATE: %w", err)
		}
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks that the settings are consistent with each other.
func (c *Config) Validate() error {
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("HUDDLE_HEARTBEAT_INTERVAL must be positive")
	}
	if c.StaleTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("HUDDLE_STALE_TIMEOUT (%s) must exceed HUDDLE_HEARTBEAT_INTERVAL (%s)", c.StaleTimeout, c.HeartbeatInterval)
	}
	if c.SweepInterval <= 0 || c.SweepInterval > c.StaleTimeout {
		return fmt.Errorf("HUDDLE_SWEEP_INTERVAL must be in (0, %s]", c.StaleTimeout)
	}
	if c.PresenceRate <= 0 || c.PresenceBurst <= 0 {
		return fmt.Errorf("HUDDLE_PRESENCE_RATE and HUDDLE_PRESENCE_BURST must be positive")
	}
	if c.SubscriberQueue <= 0 {
		return fmt.Errorf("HUDDLE_SUBSCRIBER_QUEUE must be positive")
	}
	if c.MaxCommentLength <= 0 {
		return fmt.Errorf("HUDDLE_MAX_COMMENT_LENGTH must be positive")
	}
	if c.DatabaseURL != "" && c.PebblePath != "" {
		return fmt.Errorf("set only one of HUDDLE_DATABASE_URL and HUDDLE_PEBBLE_PATH")
	}

	switch c.Relay {
	case RelayNone:
	case RelayNATS:
		if c.NATSURL == "" {
			return fmt.Errorf("HUDDLE_RELAY=nats requires HUDDLE_NATS_URL")
		}
	case RelayRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("HUDDLE_RELAY=redis requires HUDDLE_REDIS_URL")
		}
	case RelayKafka:
		if len(c.KafkaBrokers) == 0 {
			return fmt.Errorf("HUDDLE_RELAY=kafka requires HUDDLE_KAFKA_BROKERS")
		}
	case RelayPG:
		if c.DatabaseURL == "" {
			return fmt.Errorf("HUDDLE_RELAY=pg requires HUDDLE_DATABASE_URL")
		}
	default:
		return fmt.Errorf("HUDDLE_RELAY: unknown relay %q", c.Relay)
	}

	if c.BackupCron != "" && !gronx.IsValid(c.BackupCron) {
		return fmt.Errorf("HUDDLE_BACKUP_CRON: invalid expression %q", c.BackupCron)
	}
	if c.BackupInterval < 0 {
		return fmt.Errorf("HUDDLE_BACKUP_INTERVAL must not be negative")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func intOrDefault(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}
