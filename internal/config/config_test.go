package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadReadsEverySection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	raw := `
server:
  port: "9090"
redis:
  addr: localhost:6379
  ttl: 30m
quiz:
  idle_ttl: 2h
tournament:
  lobby_countdown: 3s
  auto_progress: false
persistence:
  workers: 4
rabbitmq:
  exchange: livequiz.events
`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != "9090" || cfg.Redis.Addr != "localhost:6379" || cfg.Persistence.Workers != 4 {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if got := TTLDuration(cfg.Tournament.LobbyCountdown, 5*time.Second); got != 3*time.Second {
		t.Fatalf("expected 3s countdown, got %s", got)
	}
	if Enabled(cfg.Tournament.AutoProgress, true) {
		t.Fatalf("auto_progress false must win over the default")
	}
	if !Enabled(cfg.Metrics.Enabled, true) {
		t.Fatalf("unset metrics should fall back to enabled")
	}
}

func TestTTLDurationFallsBack(t *testing.T) {
	if got := TTLDuration("", time.Minute); got != time.Minute {
		t.Fatalf("empty: got %s", got)
	}
	if got := TTLDuration("soon", time.Minute); got != time.Minute {
		t.Fatalf("invalid: got %s", got)
	}
}
