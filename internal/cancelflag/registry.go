package cancelflag

import (
	"context"
	"sync"
)

// Registry tracks cancel funcs of executions running in this process so a
// cancel request can abort them directly when the shared store is down.
type Registry struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func NewRegistry() *Registry {
	return &Registry{cancels: make(map[string]context.CancelFunc)}
}

// Register returns a func that removes the entry; call it when the execution
// ends.
func (r *Registry) Register(executionID string, cancel context.CancelFunc) func() {
	r.mu.Lock()
	r.cancels[executionID] = cancel
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.cancels, executionID)
		r.mu.Unlock()
	}
}

// Cancel aborts a local execution and reports whether one was found.
func (r *Registry) Cancel(executionID string) bool {
	r.mu.Lock()
	cancel, ok := r.cancels[executionID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}
