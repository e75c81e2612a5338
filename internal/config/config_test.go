package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/talgya/npc-market/internal/engine"
	"github.com/talgya/npc-market/internal/fault"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Intervals != engine.DefaultIntervals {
		t.Errorf("intervals = %+v", cfg.Intervals)
	}
	if cfg.Clock.Interval != time.Second || cfg.API.Port != 8080 {
		t.Errorf("clock %s port %d", cfg.Clock.Interval, cfg.API.Port)
	}
	if cfg.API.TrustProxy || cfg.API.RelayKey != "" {
		t.Errorf("api = %+v", cfg.API)
	}
	if cfg.Blacklist.Probation != 30*24*time.Hour {
		t.Errorf("probation = %s", cfg.Blacklist.Probation)
	}
	if p := cfg.Health.Policy(); p.MinSamples != 3 || p.UptimeMargin != 5 {
		t.Errorf("health = %+v", p)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "market.yaml")
	body := "api:\n  port: 9090\nintervals:\n  demand_generation: 3\nclock:\n  interval: 2s\nlog:\n  level: debug\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MARKETSIM_API_PORT", "7070")
	t.Setenv("MARKETSIM_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("MARKETSIM_API_TRUST_PROXY", "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.API.Port != 7070 {
		t.Errorf("env did not override file: port %d", cfg.API.Port)
	}
	if !cfg.API.TrustProxy {
		t.Error("api.trust_proxy not read from env")
	}
	if cfg.Intervals.DemandGeneration != 3 || cfg.Intervals.ContractRenewal != 60 {
		t.Errorf("intervals = %+v", cfg.Intervals)
	}
	if cfg.Clock.Interval != 2*time.Second {
		t.Errorf("clock interval = %s", cfg.Clock.Interval)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "k2:9092" {
		t.Errorf("brokers = %v", cfg.Kafka.Brokers)
	}
	if cfg.Log.SlogLevel() != slog.LevelDebug {
		t.Errorf("level = %v", cfg.Log.SlogLevel())
	}
}

func TestLoadRejectsShortClockInterval(t *testing.T) {
	t.Setenv("MARKETSIM_CLOCK_INTERVAL", "500ms")
	if _, err := Load(""); !errors.Is(err, fault.ErrValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
}
