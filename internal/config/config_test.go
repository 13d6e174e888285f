package config

import (
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"PORT", "ENV", "STORE_DRIVER", "REDIS_URL", "REDIS_HOST", "JWT_SECRET",
		"WS_PING_PERIOD", "WS_PONG_WAIT", "AWS_REGION", "SQS_REGION"} {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Port)
	}
	if cfg.StoreDriver != "postgres" {
		t.Errorf("expected postgres driver, got %s", cfg.StoreDriver)
	}
	if cfg.RedisEnabled() {
		t.Error("redis must be disabled without REDIS_URL or REDIS_HOST")
	}
	if cfg.JWTSecret == "" {
		t.Error("development must fall back to a secret")
	}
	if cfg.PingPeriod >= cfg.PongWait {
		t.Errorf("ping period %s must be shorter than pong wait %s", cfg.PingPeriod, cfg.PongWait)
	}
	if cfg.SQSRegion != cfg.AWSRegion {
		t.Errorf("SQS region should follow AWS_REGION, got %s", cfg.SQSRegion)
	}
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("STORE_DRIVER", "MEMORY")
	t.Setenv("REDIS_URL", "redis://localhost:6379/1")
	t.Setenv("WS_PING_PERIOD", "5")
	t.Setenv("WS_PONG_WAIT", "15s")
	t.Setenv("ALLOWED_ORIGINS", "https://app.sst.example, https://admin.sst.example ,")
	t.Setenv("AWS_REGION", "eu-west-1")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Port != 9090 {
		t.Errorf("expected 9090, got %d", cfg.Port)
	}
	if cfg.StoreDriver != "memory" {
		t.Errorf("expected memory, got %s", cfg.StoreDriver)
	}
	if !cfg.RedisEnabled() {
		t.Error("expected redis enabled")
	}
	if cfg.PingPeriod != 5*time.Second || cfg.PongWait != 15*time.Second {
		t.Errorf("unexpected timings %s / %s", cfg.PingPeriod, cfg.PongWait)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://admin.sst.example" {
		t.Errorf("unexpected origins %v", cfg.AllowedOrigins)
	}
	if cfg.SQSRegion != "eu-west-1" {
		t.Errorf("expected SQS region to follow AWS_REGION, got %s", cfg.SQSRegion)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
		want  string
	}{
		{"port", "PORT", "eighty", "invalid PORT"},
		{"driver", "STORE_DRIVER", "sqlite", "invalid STORE_DRIVER"},
		{"redis port", "REDIS_PORT", "x", "invalid REDIS_PORT"},
		{"pong wait", "WS_PONG_WAIT", "soon", "invalid WS_PONG_WAIT"},
		{"ping after pong", "WS_PING_PERIOD", "2m", "invalid WS_PING_PERIOD"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoad_ProductionRequiresSecret(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENV", "production")
	t.Setenv("JWT_SECRET", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error without JWT_SECRET in production")
	}
}

func TestLoadClient(t *testing.T) {
	t.Setenv("BEACON_USER_ID", "")
	t.Setenv("BEACON_ROLE", "")
	t.Setenv("BEACON_TOKEN", "")

	_, err := LoadClient()
	if err == nil || !strings.Contains(err.Error(), "BEACON_ROLE, BEACON_TOKEN, BEACON_USER_ID") {
		t.Fatalf("expected sorted missing list, got %v", err)
	}

	t.Setenv("BEACON_USER_ID", "u1")
	t.Setenv("BEACON_ROLE", "client")
	t.Setenv("BEACON_TOKEN", "tok")
	t.Setenv("BEACON_HEARTBEAT", "10s")

	cfg, err := LoadClient()
	if err != nil {
		t.Fatalf("load client: %v", err)
	}
	if cfg.HeartbeatInterval != 10*time.Second || cfg.ServerURL != "http://localhost:8080" {
		t.Errorf("unexpected client config %+v", cfg)
	}
}
