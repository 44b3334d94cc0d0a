package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.ServerPort == "" {
		t.Fatalf("expected default server port")
	}
	if cfg.PostgresURL == "" {
		t.Fatalf("expected default postgres url")
	}
	if cfg.PositionTimeout != 8*time.Second {
		t.Fatalf("expected 8s position timeout, got %v", cfg.PositionTimeout)
	}
	if cfg.TagTimeout != 10*time.Second {
		t.Fatalf("expected 10s tag timeout, got %v", cfg.TagTimeout)
	}
	if cfg.RealtimeInterval >= cfg.HistoricalInterval {
		t.Fatalf("realtime window should be tighter than historical")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", ":9000")
	t.Setenv("POSTGRES_URL", "postgres://example")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("STREAM_URL", "wss://patrol.example/stream")
	t.Setenv("REALTIME_INTERVAL", "1500ms")

	cfg := Load()
	if cfg.ServerPort != ":9000" {
		t.Fatalf("expected override port")
	}
	if cfg.PostgresURL != "postgres://example" {
		t.Fatalf("expected override postgres")
	}
	if cfg.RedisAddr != "redis:6379" {
		t.Fatalf("expected override redis")
	}
	if cfg.JWTSecret != "secret" {
		t.Fatalf("expected override secret")
	}
	if cfg.StreamURL != "wss://patrol.example/stream" {
		t.Fatalf("expected override stream url")
	}
	if cfg.RealtimeInterval != 1500*time.Millisecond {
		t.Fatalf("expected override realtime interval, got %v", cfg.RealtimeInterval)
	}
}
