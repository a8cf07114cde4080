package redisclient

import (
	"context"
	"testing"
)

func TestConfigDisabledByDefault(t *testing.T) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if cfg.Enabled() {
		t.Fatalf("expected redis disabled without REDIS_URL")
	}
	client, err := Open(context.Background(), cfg)
	if err != nil || client != nil {
		t.Fatalf("Open()=%v,%v want nil,nil", client, err)
	}
}

func TestConfigKey(t *testing.T) {
	cfg := Config{KeyPrefix: "bf"}
	if got := cfg.Key("cancel", "exec-1"); got != "bf:cancel:exec-1" {
		t.Fatalf("Key()=%q", got)
	}
}

func TestConfigValidateRequiresPrefix(t *testing.T) {
	cfg := Config{URL: "redis://localhost:6379/0", PoolSize: 1, PingTimeout: 1}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error without prefix")
	}
}
