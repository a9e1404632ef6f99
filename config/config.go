package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

var (
	ErrMissingBackendURL = errors.New("BACKEND_URL is required")
	ErrMissingAPIKey     = errors.New("INTERNAL_API_KEY is required")
)

type Config struct {
	BackendURL     string
	InternalAPIKey string
	Port           string

	FlushDebounce  time.Duration
	BackendTimeout time.Duration
	TokenTimeout   time.Duration
	RoomIdleGrace  time.Duration

	StorageType    string
	DataSourceName string
	AllowedOrigins []string
}

// LoadDotEnv reads a .env file into the process environment if one exists.
func LoadDotEnv() {
	if err := godotenv.Load(); err != nil {
		logrus.Info("No .env file found")
	}
}

// Load builds a Config from the environment. Missing required values are an error,
// the relay must not start without a backend to write to.
func Load() (*Config, error) {
	return load(os.Getenv)
}

func load(getenv func(string) string) (*Config, error) {
	cfg := &Config{
		BackendURL:     strings.TrimRight(strings.TrimSpace(getenv("BACKEND_URL")), "/"),
		InternalAPIKey: strings.TrimSpace(getenv("INTERNAL_API_KEY")),
		Port:           getenv("PORT"),
		StorageType:    getenv("STORAGE_TYPE"),
		DataSourceName: getenv("DATA_SOURCE_NAME"),
	}

	if cfg.BackendURL == "" {
		return nil, ErrMissingBackendURL
	}
	if cfg.InternalAPIKey == "" {
		return nil, ErrMissingAPIKey
	}
	if cfg.Port == "" {
		cfg.Port = "1234"
	}
	if cfg.StorageType == "sqlite" && cfg.DataSourceName == "" {
		cfg.DataSourceName = "collab-relay.db"
	}

	durations := []struct {
		key string
		dst *time.Duration
		def time.Duration
	}{
		{"FLUSH_DEBOUNCE", &cfg.FlushDebounce, time.Second},
		{"BACKEND_TIMEOUT", &cfg.BackendTimeout, 5 * time.Second},
		{"TOKEN_TIMEOUT", &cfg.TokenTimeout, 5 * time.Second},
		{"ROOM_IDLE_GRACE", &cfg.RoomIdleGrace, 5 * time.Minute},
	}
	for _, d := range durations {
		*d.dst = d.def
		raw := getenv(d.key)
		if raw == "" {
			continue
		}
		v, err := time.ParseDuration(raw)
		if err != nil || v <= 0 {
			return nil, fmt.Errorf("invalid %s %q: must be a positive duration", d.key, raw)
		}
		*d.dst = v
	}

	for _, origin := range strings.Split(getenv("ALLOWED_ORIGINS"), ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			cfg.AllowedOrigins = append(cfg.AllowedOrigins, origin)
		}
	}

	return cfg, nil
}

// ListenAddr is the address derived from PORT.
func (c *Config) ListenAddr() string {
	return ":" + c.Port
}
