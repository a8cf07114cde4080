package postgres

import (
	"context"
	"testing"
	"time"
)

func TestConfigFromEnvDefaults(t *testing.T) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if cfg.AutoMigrate {
		t.Fatalf("AutoMigrate should default to false")
	}
	if cfg.ConnectAttempts != 5 || cfg.MaxOpenConns != 20 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestConfigValidateRejectsIdleAboveOpen(t *testing.T) {
	t.Setenv("DATABASE_MAX_OPEN_CONNS", "2")
	t.Setenv("DATABASE_MAX_IDLE_CONNS", "3")
	if _, err := ConfigFromEnv(); err == nil {
		t.Fatalf("expected error when idle > open")
	}
}

func TestConfigValidate(t *testing.T) {
	base := Config{URL: "postgres://x", PingTimeout: time.Second, MaxOpenConns: 1, ConnectAttempts: 1}
	if err := base.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}
	for name, mutate := range map[string]func(*Config){
		"empty url":     func(c *Config) { c.URL = "" },
		"zero attempts": func(c *Config) { c.ConnectAttempts = 0 },
		"negative wait": func(c *Config) { c.ConnectBackoff = -time.Second },
	} {
		cfg := base
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestOpenGivesUpAfterAttempts(t *testing.T) {
	cfg := Config{
		URL:             "postgres://nobody@127.0.0.1:1/none?sslmode=disable&connect_timeout=1",
		PingTimeout:     200 * time.Millisecond,
		MaxOpenConns:    1,
		ConnectAttempts: 2,
		ConnectBackoff:  time.Millisecond,
	}
	if _, err := Open(context.Background(), cfg); err == nil {
		t.Fatalf("expected open to fail against a closed port")
	}
}
