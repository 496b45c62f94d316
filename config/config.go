// Package config loads server settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/warp/flockledger/notify"
)

// Config holds application configuration values.
type Config struct {
	HTTPPort string
	DBPath   string

	LogLevel  string
	LogFormat string

	MaxCommitAttempts int

	DispatchInterval  time.Duration
	DispatchBatchSize int

	// RedisAddr enables the cross-process dispatch lock when set.
	RedisAddr string

	CORSOrigins []string
}

// Load reads an optional .env file, then the environment, with defaults
// for everything. A missing .env is not an error; an unreadable one is.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Config{
		HTTPPort:    env("HTTP_PORT", "8080"),
		DBPath:      env("DB_PATH", "flockledger.db"),
		LogLevel:    env("LOG_LEVEL", "info"),
		LogFormat:   env("LOG_FORMAT", "json"),
		RedisAddr:   os.Getenv("REDIS_ADDR"),
		CORSOrigins: splitList(env("CORS_ORIGINS", "*")),
	}

	var err error
	if cfg.MaxCommitAttempts, err = envInt("MAX_COMMIT_ATTEMPTS", 5); err != nil {
		return Config{}, err
	}
	if cfg.DispatchBatchSize, err = envInt("DISPATCH_BATCH_SIZE", 50); err != nil {
		return Config{}, err
	}
	if cfg.DispatchInterval, err = envDuration("DISPATCH_INTERVAL", notify.DefaultDispatchInterval); err != nil {
		return Config{}, err
	}
	if _, err := strconv.Atoi(cfg.HTTPPort); err != nil {
		return Config{}, fmt.Errorf("invalid HTTP_PORT %q", cfg.HTTPPort)
	}
	if cfg.MaxCommitAttempts < 1 {
		return Config{}, fmt.Errorf("MAX_COMMIT_ATTEMPTS must be at least 1, got %d", cfg.MaxCommitAttempts)
	}
	return cfg, nil
}

// NewLogger builds a logrus logger. format is "json" or "text".
func NewLogger(level, format string) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	log := logrus.New()
	log.SetLevel(lvl)
	switch strings.ToLower(format) {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	case "", "text":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	return log, nil
}

func env(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
