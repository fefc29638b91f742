package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	PublicURL      string // Base used when building join links
	Store          StoreConfig
	Redis          RedisConfig
	PushInterval   time.Duration // WebSocket push poll cadence
}

type StoreConfig struct {
	Backend        string // "memory" or "redis"
	RoomTTL        time.Duration
	PresenceWindow time.Duration
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

func Load() *Config {
	// Parse allowed origins (comma-separated)
	originsStr := getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")
	origins := strings.Split(originsStr, ",")
	for i := range origins {
		origins[i] = strings.TrimSpace(origins[i])
	}

	return &Config{
		Port:           getEnv("PORT", "8080"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		AllowedOrigins: origins,
		PublicURL:      getEnv("PUBLIC_URL", "http://localhost:3000"),
		Store: StoreConfig{
			Backend:        getEnv("STORE_BACKEND", "memory"),
			RoomTTL:        getDuration("ROOM_TTL", 5*time.Minute),
			PresenceWindow: getDuration("PRESENCE_WINDOW", 15*time.Second),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getInt("REDIS_DB", 0),
		},
		PushInterval: getDuration("PUSH_INTERVAL", 250*time.Millisecond),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		slog.Warn("ignoring invalid duration", "key", key, "value", value)
		return defaultValue
	}
	return parsed
}

func getInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		slog.Warn("ignoring invalid integer", "key", key, "value", value)
		return defaultValue
	}
	return parsed
}
