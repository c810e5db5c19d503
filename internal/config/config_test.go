package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Addr != ":8787" {
		t.Fatalf("Addr = %q", cfg.Addr)
	}
	if cfg.DeliveryTimeout != 2*time.Second {
		t.Fatalf("DeliveryTimeout = %s", cfg.DeliveryTimeout)
	}
	if cfg.MailboxSize != 64 || cfg.FanoutConcurrency != 32 {
		t.Fatalf("unexpected broadcast defaults %+v", cfg)
	}
	if cfg.SessionLogLimit != 1000 || cfg.DocumentLogLimit != 500 {
		t.Fatalf("unexpected log limits %+v", cfg)
	}
	if cfg.RedisURL != "" || cfg.OTelEndpoint != "" {
		t.Fatal("relay and tracing must be off by default")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("API_ADDR", ":9000")
	t.Setenv("REDIS_URL", "redis://localhost:6379/1")
	t.Setenv("COLLAB_DELIVERY_TIMEOUT", "750ms")
	t.Setenv("COLLAB_SESSION_LOG_LIMIT", "10")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Addr != ":9000" || cfg.RedisURL != "redis://localhost:6379/1" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.DeliveryTimeout != 750*time.Millisecond || cfg.SessionLogLimit != 10 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		key, value, want string
	}{
		{key: "COLLAB_MAILBOX_SIZE", value: "many", want: "parse env"},
		{key: "COLLAB_DELIVERY_TIMEOUT", value: "0s", want: "COLLAB_DELIVERY_TIMEOUT"},
		{key: "COLLAB_DOCUMENT_LOG_LIMIT", value: "-1", want: "log limits"},
		{key: "LOG_LEVEL", value: "loud", want: "LOG_LEVEL"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Load() error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	for value, want := range map[string]slog.Level{"": slog.LevelInfo, "debug": slog.LevelDebug, "WARN": slog.LevelWarn, "error": slog.LevelError} {
		got, err := ParseLevel(value)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v", value, got, err)
		}
	}
}
