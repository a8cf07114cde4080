package cancelflag

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStoreTTL(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStore(time.Minute)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	if set, _ := s.IsSet(ctx, "e1"); set {
		t.Fatalf("flag set before Set")
	}
	if err := s.Set(ctx, "e1"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if set, _ := s.IsSet(ctx, "e1"); !set {
		t.Fatalf("flag not visible after Set")
	}
	now = now.Add(2 * time.Minute)
	if set, _ := s.IsSet(ctx, "e1"); set {
		t.Fatalf("flag should expire")
	}
	if s.Available() {
		t.Fatalf("memory store is process-local")
	}
}

func TestRedisStoreKey(t *testing.T) {
	s := NewRedisStore(nil, "blockflow:", 0)
	if got := s.key("e1"); got != "blockflow:cancel:e1" {
		t.Fatalf("key=%q", got)
	}
	if s.Available() {
		t.Fatalf("nil client should not be available")
	}
}

func TestRegistryCancel(t *testing.T) {
	r := NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	done := r.Register("e1", cancel)

	if !r.Cancel("e1") {
		t.Fatalf("expected registered execution")
	}
	if ctx.Err() == nil {
		t.Fatalf("context not cancelled")
	}
	done()
	if r.Cancel("e1") {
		t.Fatalf("entry should be removed")
	}
}
