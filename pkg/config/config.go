// Package config loads service configuration from the environment.
// Every setting has a default suitable for local development against
// a devredis instance and an on-disk SQLite file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every tunable the service reads at startup.
type Config struct {
	// Redis connection (lock & broadcast fabric).
	RedisHost     string
	RedisPort     int
	RedisDB       int
	RedisPassword string
	RedisTLS      bool

	// Task store.
	DBPath string

	// Admin HTTP surface.
	HTTPAddr string

	// Control loop periods.
	SchedulerPeriod time.Duration
	MonitorPeriod   time.Duration

	// Scheduler lock.
	LockTTL time.Duration

	// Task defaults.
	TaskTimeout time.Duration
	MaxRetries  int

	// Cluster dispatch.
	Namespace   string
	WorkerImage string
}

// FromEnv builds a Config from environment variables, falling back to
// development defaults for anything unset.
func FromEnv() Config {
	return Config{
		RedisHost:     getenv("REDIS_HOST", "127.0.0.1"),
		RedisPort:     getenvInt("REDIS_PORT", 6379),
		RedisDB:       getenvInt("REDIS_DB", 0),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		RedisTLS:      getenvBool("REDIS_TLS", false),

		DBPath:   getenv("DB_PATH", "zazzle_agent.db"),
		HTTPAddr: getenv("HTTP_ADDR", ":8081"),

		SchedulerPeriod: getenvDuration("SCHEDULER_PERIOD", 5*time.Minute),
		MonitorPeriod:   getenvDuration("MONITOR_PERIOD", 60*time.Second),
		LockTTL:         getenvDuration("SCHEDULER_LOCK_TTL", 5*time.Minute),

		TaskTimeout: getenvDuration("TASK_TIMEOUT", 5*time.Minute),
		MaxRetries:  getenvInt("TASK_MAX_RETRIES", 2),

		Namespace:   getenv("JOB_NAMESPACE", "zazzle-agent"),
		WorkerImage: getenv("WORKER_IMAGE", "zazzle-agent/worker:latest"),
	}
}

// RedisAddr returns the host:port pair for the fabric client.
func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
