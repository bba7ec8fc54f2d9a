package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sharedtimer/relay-backend/internal/lobby"
)

// Config is the relay's environment-driven configuration. Every key has a
// default; nothing here is required to boot.
type Config struct {
	Port           string
	StatePath      string
	RedisURL       string
	HandoffTimeout time.Duration
	GracePeriod    time.Duration
	LogLevel       string
	AllowedOrigins []string
}

// FromEnv reads configuration from the environment. main loads .env first
// via godotenv, so both a dotenv file and real env vars work.
func FromEnv() Config {
	cfg := Config{
		Port:           getEnv("PORT", "3001"),
		StatePath:      getEnv("STATE_PATH", "state.json"),
		RedisURL:       os.Getenv("REDIS_URL"),
		HandoffTimeout: time.Duration(getEnvInt("HANDOFF_TIMEOUT_MS", 2000)) * time.Millisecond,
		GracePeriod:    time.Duration(getEnvInt("LOBBY_GRACE_HOURS", 24)) * time.Hour,
		LogLevel:       getEnv("LOG_LEVEL", "info"),
	}
	origins := getEnv("ALLOWED_ORIGINS", "*")
	for _, o := range strings.Split(origins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
		}
	}
	return cfg
}

// Lobby maps the relevant knobs onto the lobby package's config.
func (c Config) Lobby() lobby.Config {
	return lobby.Config{
		HandoffTimeout: c.HandoffTimeout,
		GracePeriod:    c.GracePeriod,
	}
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
