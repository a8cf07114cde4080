package syncqueue

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRunRejectsWhenFull(t *testing.T) {
	p := New(Config{MaxConcurrent: 1, PerUserMax: 1, DefaultTimeout: time.Second}, nil)

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- p.Run(context.Background(), "u1", 0, func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	err := p.Run(context.Background(), "u2", 0, func(context.Context) error { return nil })
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
	if s := p.Stats(); s.Active != 1 || s.Health != HealthCritical {
		t.Fatalf("unexpected stats while full: %+v", s)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}
	if s := p.Stats(); s.Active != 0 || s.Health != HealthHealthy {
		t.Fatalf("unexpected stats after release: %+v", s)
	}
}

func TestRunEnforcesPerUserCeiling(t *testing.T) {
	p := New(Config{MaxConcurrent: 10, PerUserMax: 1, DefaultTimeout: time.Second}, nil)
	err := p.Run(context.Background(), "u1", 0, func(ctx context.Context) error {
		return p.Run(ctx, "u1", 0, func(context.Context) error { return nil })
	})
	if !errors.Is(err, ErrUserCapacityExceeded) {
		t.Fatalf("expected ErrUserCapacityExceeded, got %v", err)
	}
}

func TestRunAppliesTimeout(t *testing.T) {
	p := New(Config{MaxConcurrent: 1, PerUserMax: 1, DefaultTimeout: time.Second}, nil)
	err := p.Run(context.Background(), "u1", 20*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestRunRecoversPanicAndReleasesSlot(t *testing.T) {
	p := New(Config{MaxConcurrent: 1, PerUserMax: 1, DefaultTimeout: time.Second}, nil)
	err := p.Run(context.Background(), "u1", 0, func(context.Context) error { panic("boom") })
	if err == nil {
		t.Fatalf("expected error from panic")
	}
	if p.Stats().Active != 0 {
		t.Fatalf("slot leaked after panic")
	}
}

func TestHealthFor(t *testing.T) {
	cases := map[float64]string{0: HealthHealthy, 0.7: HealthHealthy, 0.71: HealthWarning, 0.9: HealthWarning, 0.95: HealthCritical}
	for u, want := range cases {
		if got := HealthFor(u); got != want {
			t.Fatalf("HealthFor(%v)=%s, want %s", u, got, want)
		}
	}
}
