package eventstream

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/blockflow-labs/blockflow-go/internal/domain"
)

type memoryEntry struct {
	meta      domain.ExecutionMeta
	events    []domain.ExecutionEvent
	lastID    int64
	expiresAt time.Time
}

// MemoryBuffer is the in-process Buffer used when Redis is not configured.
type MemoryBuffer struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	entries map[string]*memoryEntry
}

func NewMemoryBuffer(cfg Config) *MemoryBuffer {
	return &MemoryBuffer{cfg: cfg, now: time.Now, entries: make(map[string]*memoryEntry)}
}

func (b *MemoryBuffer) Create(_ context.Context, meta domain.ExecutionMeta) error {
	id := strings.TrimSpace(meta.ExecutionID)
	if id == "" {
		return errMissingID
	}
	now := b.now().UTC()
	if meta.Status == "" {
		meta.Status = domain.ExecutionRunning
	}
	if meta.StartedAt.IsZero() {
		meta.StartedAt = now
	}
	meta.UpdatedAt = now

	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[id] = &memoryEntry{meta: meta, expiresAt: now.Add(b.cfg.ActiveTTL)}
	return nil
}

func (b *MemoryBuffer) Append(_ context.Context, executionID string, event domain.ExecutionEvent) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, err := b.lookup(executionID)
	if err != nil {
		return 0, err
	}
	entry.lastID++
	event.EventID = entry.lastID
	event.ExecutionID = executionID
	if event.Timestamp.IsZero() {
		event.Timestamp = b.now().UTC()
	}
	entry.events = append(entry.events, event)
	if over := len(entry.events) - b.cfg.MaxEvents; over > 0 {
		entry.events = append([]domain.ExecutionEvent(nil), entry.events[over:]...)
	}
	return event.EventID, nil
}

func (b *MemoryBuffer) ReadAfter(_ context.Context, executionID string, from int64, limit int) ([]domain.ExecutionEvent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, err := b.lookup(executionID)
	if err != nil {
		return nil, err
	}
	var out []domain.ExecutionEvent
	for _, ev := range entry.events {
		if ev.EventID <= from {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (b *MemoryBuffer) Meta(_ context.Context, executionID string) (domain.ExecutionMeta, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, err := b.lookup(executionID)
	if err != nil {
		return domain.ExecutionMeta{}, err
	}
	return entry.meta, nil
}

func (b *MemoryBuffer) SetStatus(_ context.Context, executionID string, status domain.ExecutionStatus) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, err := b.lookup(executionID)
	if err != nil {
		return err
	}
	now := b.now().UTC()
	entry.meta.Status = status
	entry.meta.UpdatedAt = now
	if status.Terminal() {
		entry.expiresAt = now.Add(b.cfg.TerminalTTL)
	}
	return nil
}

// Sweep drops expired buffers and returns how many were removed.
func (b *MemoryBuffer) Sweep() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	removed := 0
	for id, entry := range b.entries {
		if !now.Before(entry.expiresAt) {
			delete(b.entries, id)
			removed++
		}
	}
	return removed
}

// lookup must be called with mu held.
func (b *MemoryBuffer) lookup(executionID string) (*memoryEntry, error) {
	entry, ok := b.entries[executionID]
	if !ok {
		return nil, ErrNotFound
	}
	if !b.now().Before(entry.expiresAt) {
		delete(b.entries, executionID)
		return nil, ErrNotFound
	}
	return entry, nil
}
