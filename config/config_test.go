package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "STORE_BACKEND", "ROOM_TTL", "ALLOWED_ORIGINS", "REDIS_DB"} {
		t.Setenv(key, "")
	}

	cfg := Load()
	if cfg.Port != "8080" {
		t.Errorf("Port = %q", cfg.Port)
	}
	if cfg.Store.Backend != "memory" || cfg.Store.RoomTTL != 5*time.Minute {
		t.Errorf("Store = %+v", cfg.Store)
	}
	if len(cfg.AllowedOrigins) != 2 {
		t.Errorf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ROOM_TTL", "90s")
	t.Setenv("PRESENCE_WINDOW", "not-a-duration")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("REDIS_DB", "3")

	cfg := Load()
	if cfg.Store.RoomTTL != 90*time.Second {
		t.Errorf("RoomTTL = %v", cfg.Store.RoomTTL)
	}
	if cfg.Store.PresenceWindow != 15*time.Second {
		t.Errorf("PresenceWindow = %v, want default on invalid input", cfg.Store.PresenceWindow)
	}
	if cfg.AllowedOrigins[1] != "https://b.example" {
		t.Errorf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
	if cfg.Redis.DB != 3 {
		t.Errorf("Redis.DB = %d", cfg.Redis.DB)
	}
}
