package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.StoreDriver != "memory" {
		t.Errorf("StoreDriver = %q, want memory", cfg.StoreDriver)
	}
	if cfg.Games.MinesGridSize != 25 {
		t.Errorf("MinesGridSize = %d, want 25", cfg.Games.MinesGridSize)
	}
	if cfg.Rounds.RevealTimeout != 30*time.Second {
		t.Errorf("RevealTimeout = %v, want 30s", cfg.Rounds.RevealTimeout)
	}
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DICE_HOUSE_EDGE", "0.02")
	t.Setenv("CRASH_TICK_INTERVAL", "50ms")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Port)
	}
	if cfg.Games.DiceEdge != 0.02 {
		t.Errorf("DiceEdge = %v, want 0.02", cfg.Games.DiceEdge)
	}
	if cfg.Crash.TickInterval != 50*time.Millisecond {
		t.Errorf("TickInterval = %v, want 50ms", cfg.Crash.TickInterval)
	}
}

func TestValidate(t *testing.T) {
	base, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero edge", func(c *Config) { c.Games.DiceEdge = 0 }},
		{"edge of one", func(c *Config) { c.Games.CrashEdge = 1 }},
		{"min above max", func(c *Config) { c.Games.MinStake = 10; c.Games.MaxStake = 5 }},
		{"unknown driver", func(c *Config) { c.StoreDriver = "mongo" }},
		{"tiny grid", func(c *Config) { c.Games.MinesGridSize = 1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestDatabase_URL(t *testing.T) {
	d := Database{Host: "db", Port: "5433", Name: "wager", Username: "u", Password: "p", Schema: "public"}
	want := "postgres://u:p@db:5433/wager?sslmode=disable&search_path=public"
	if got := d.URL(); got != want {
		t.Errorf("URL() = %q, want %q", got, want)
	}
}
