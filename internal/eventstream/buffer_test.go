package eventstream

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/blockflow-labs/blockflow-go/internal/domain"
	"github.com/google/go-cmp/cmp"
	"github.com/redis/go-redis/v9"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newMemory(cfg Config) (*MemoryBuffer, *clock) {
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	b := NewMemoryBuffer(cfg)
	b.now = c.now
	return b, c
}

func eventIDs(events []domain.ExecutionEvent) []int64 {
	out := make([]int64, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.EventID)
	}
	return out
}

func exerciseReplay(t *testing.T, b Buffer) {
	t.Helper()
	ctx := context.Background()
	if err := b.Create(ctx, domain.ExecutionMeta{ExecutionID: "x", WorkflowID: "wf", UserID: "u"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	for i := 1; i <= 5; i++ {
		id, err := b.Append(ctx, "x", domain.ExecutionEvent{Type: domain.EventBlockCompleted})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		if id != int64(i) {
			t.Fatalf("event id=%d, want %d", id, i)
		}
	}

	got, err := b.ReadAfter(ctx, "x", 2, 0)
	if err != nil {
		t.Fatalf("ReadAfter: %v", err)
	}
	if diff := cmp.Diff([]int64{3, 4, 5}, eventIDs(got)); diff != "" {
		t.Fatalf("replay mismatch (-want +got):\n%s", diff)
	}
	caughtUp, err := b.ReadAfter(ctx, "x", 5, 0)
	if err != nil {
		t.Fatalf("ReadAfter: %v", err)
	}
	if len(caughtUp) != 0 {
		t.Fatalf("expected no events after the cursor, got %v", eventIDs(caughtUp))
	}
	if _, err := b.Append(ctx, "x", domain.ExecutionEvent{Type: domain.EventExecutionCompleted}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	future, _ := b.ReadAfter(ctx, "x", 5, 0)
	if diff := cmp.Diff([]int64{6}, eventIDs(future)); diff != "" {
		t.Fatalf("future mismatch (-want +got):\n%s", diff)
	}

	if err := b.SetStatus(ctx, "x", domain.ExecutionComplete); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	meta, err := b.Meta(ctx, "x")
	if err != nil {
		t.Fatalf("Meta: %v", err)
	}
	if meta.Status != domain.ExecutionComplete || meta.WorkflowID != "wf" {
		t.Fatalf("unexpected meta: %+v", meta)
	}
	if _, err := b.Meta(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// exerciseConcurrentAppend appends from several goroutines while a reader
// follows the cursor; every read must continue exactly at cursor+1.
func exerciseConcurrentAppend(t *testing.T, b Buffer) {
	t.Helper()
	ctx := context.Background()
	if err := b.Create(ctx, domain.ExecutionMeta{ExecutionID: "par", WorkflowID: "wf", UserID: "u"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	const writers, perWriter = 8, 25
	total := int64(writers * perWriter)

	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if _, err := b.Append(ctx, "par", domain.ExecutionEvent{Type: domain.EventBlockCompleted}); err != nil {
					errs <- err
					return
				}
			}
		}()
	}

	var cursor int64
	deadline := time.Now().Add(10 * time.Second)
	for cursor < total {
		if time.Now().After(deadline) {
			t.Fatalf("reader stuck at cursor %d of %d", cursor, total)
		}
		events, err := b.ReadAfter(ctx, "par", cursor, 0)
		if err != nil {
			t.Fatalf("ReadAfter: %v", err)
		}
		for _, ev := range events {
			if ev.EventID != cursor+1 {
				t.Fatalf("gap after cursor %d: got event %d", cursor, ev.EventID)
			}
			cursor = ev.EventID
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Append: %v", err)
	}
}

func TestMemoryBufferReplay(t *testing.T) {
	b, _ := newMemory(DefaultConfig())
	exerciseReplay(t, b)
}

func TestMemoryBufferConcurrentAppend(t *testing.T) {
	exerciseConcurrentAppend(t, NewMemoryBuffer(DefaultConfig()))
}

func TestMemoryBufferBounded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxEvents = 3
	b, _ := newMemory(cfg)
	ctx := context.Background()
	_ = b.Create(ctx, domain.ExecutionMeta{ExecutionID: "x"})
	for i := 0; i < 5; i++ {
		if _, err := b.Append(ctx, "x", domain.ExecutionEvent{Type: "t"}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	got, _ := b.ReadAfter(ctx, "x", 0, 0)
	if diff := cmp.Diff([]int64{3, 4, 5}, eventIDs(got)); diff != "" {
		t.Fatalf("retained mismatch (-want +got):\n%s", diff)
	}
	limited, _ := b.ReadAfter(ctx, "x", 0, 2)
	if len(limited) != 2 {
		t.Fatalf("limit not applied: %v", eventIDs(limited))
	}
}

func TestMemoryBufferExpiresAfterTerminalGrace(t *testing.T) {
	b, c := newMemory(DefaultConfig())
	ctx := context.Background()
	_ = b.Create(ctx, domain.ExecutionMeta{ExecutionID: "x"})
	_ = b.SetStatus(ctx, "x", domain.ExecutionError)

	c.t = c.t.Add(59 * time.Minute)
	if _, err := b.Meta(ctx, "x"); err != nil {
		t.Fatalf("buffer expired early: %v", err)
	}
	c.t = c.t.Add(2 * time.Minute)
	if _, err := b.ReadAfter(ctx, "x", 0, 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after grace window, got %v", err)
	}
}

func TestMemoryBufferAppendUnknown(t *testing.T) {
	b, _ := newMemory(DefaultConfig())
	if _, err := b.Append(context.Background(), "nope", domain.ExecutionEvent{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRedisBufferReplay(t *testing.T) {
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("ParseURL: %v", err)
	}
	client := redis.NewClient(opts)
	defer client.Close()
	prefix := "blockflow-test-" + time.Now().UTC().Format("150405.000000")
	b := NewRedisBuffer(client, prefix, DefaultConfig())
	exerciseReplay(t, b)
	exerciseConcurrentAppend(t, b)
}

func TestDecodeEventTakesIDFromMember(t *testing.T) {
	ev, err := decodeEvent(`42:{"eventId":0,"executionId":"x","type":"block:completed","timestamp":"2026-03-01T12:00:00Z"}`)
	if err != nil {
		t.Fatalf("decodeEvent: %v", err)
	}
	if ev.EventID != 42 || ev.ExecutionID != "x" || ev.Type != domain.EventBlockCompleted {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if _, err := decodeEvent(`{"type":"x"}`); err == nil {
		t.Fatalf("expected error for member without id prefix")
	}
}

func TestRedisBufferKeyLayout(t *testing.T) {
	b := NewRedisBuffer(nil, "blockflow:", DefaultConfig())
	want := []string{"blockflow:exec:e1:meta", "blockflow:exec:e1:seq", "blockflow:exec:e1:events"}
	if diff := cmp.Diff(want, b.keys("e1")); diff != "" {
		t.Fatalf("key layout mismatch (-want +got):\n%s", diff)
	}
}
