package runtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/blockflow-labs/blockflow-go/internal/domain"
	"github.com/blockflow-labs/blockflow-go/internal/execution/graph"
)

// BlockInput is what a handler sees: the block, its config decoded after
// references were resolved, and the run's trigger input.
type BlockInput struct {
	ExecutionID  string
	WorkflowID   string
	Block        domain.Block
	Config       graph.BlockConfig
	TriggerInput domain.Metadata
}

type Handler interface {
	Handle(ctx context.Context, in BlockInput) (domain.Metadata, error)
}

type HandlerFunc func(ctx context.Context, in BlockInput) (domain.Metadata, error)

func (f HandlerFunc) Handle(ctx context.Context, in BlockInput) (domain.Metadata, error) {
	return f(ctx, in)
}

// Registry maps block types to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(blockType string, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[blockType]; exists {
		return fmt.Errorf("handler for block type %q is already registered", blockType)
	}
	r.handlers[blockType] = h
	return nil
}

func (r *Registry) MustRegister(blockType string, h Handler) {
	if err := r.Register(blockType, h); err != nil {
		panic(err)
	}
}

func (r *Registry) Get(blockType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[blockType]
	return h, ok
}

// DefaultRegistry returns a registry with every built-in block handler.
func DefaultRegistry(httpHandler *HTTPHandler) *Registry {
	r := NewRegistry()
	trigger := HandlerFunc(handleTrigger)
	for _, t := range []string{
		domain.BlockTypeStarter,
		domain.BlockTypeAPITrigger,
		domain.BlockTypeWebhook,
		domain.BlockTypeGenericWebhook,
		domain.BlockTypeSchedule,
	} {
		r.MustRegister(t, trigger)
	}
	r.MustRegister(domain.BlockTypeVariables, HandlerFunc(handleVariables))
	r.MustRegister(domain.BlockTypeWait, HandlerFunc(handleWait))
	r.MustRegister(domain.BlockTypeResponse, HandlerFunc(handleResponse))
	r.MustRegister(domain.BlockTypeCondition, HandlerFunc(handleCondition))
	if httpHandler == nil {
		httpHandler = NewHTTPHandler(nil)
	}
	r.MustRegister(domain.BlockTypeHTTP, httpHandler)
	return r
}
