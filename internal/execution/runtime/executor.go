// Package runtime evaluates a validated workflow graph block by block,
// recording progress on the execution event stream.
//
// Cancellation is cooperative: the flag store is consulted before each block,
// so a block already waiting on an external call finishes that call first.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/blockflow-labs/blockflow-go/internal/cancelflag"
	"github.com/blockflow-labs/blockflow-go/internal/domain"
	"github.com/blockflow-labs/blockflow-go/internal/eventstream"
	"github.com/blockflow-labs/blockflow-go/internal/execution/graph"
	"github.com/blockflow-labs/blockflow-go/internal/platform/metrics"
	"golang.org/x/sync/errgroup"
)

var (
	ErrCancelled = errors.New("execution cancelled")
	ErrTimedOut  = errors.New("execution timed out")
)

// BlockError reports the block that stopped an execution.
type BlockError struct {
	BlockID string
	Err     error
}

func (e *BlockError) Error() string {
	return fmt.Sprintf("block %s: %v", e.BlockID, e.Err)
}

func (e *BlockError) Unwrap() error { return e.Err }

type Request struct {
	ExecutionID    string
	WorkflowID     string
	UserID         string
	Workflow       *graph.Workflow
	TriggerBlockID string
	TriggerType    string
	Input          domain.Metadata
}

type Result struct {
	ExecutionID  string
	Status       domain.ExecutionStatus
	Output       domain.Metadata
	BlockOutputs map[string]domain.Metadata
	Error        string
	Duration     time.Duration
}

type Config struct {
	MaxParallelism int
}

type Executor struct {
	registry *Registry
	events   eventstream.Buffer
	flags    cancelflag.Store
	local    *cancelflag.Registry
	metrics  *metrics.Metrics
	logger   *slog.Logger
	cfg      Config
	now      func() time.Time
}

func NewExecutor(registry *Registry, events eventstream.Buffer, flags cancelflag.Store, local *cancelflag.Registry, m *metrics.Metrics, logger *slog.Logger, cfg Config) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxParallelism <= 0 {
		cfg.MaxParallelism = 10
	}
	if local == nil {
		local = cancelflag.NewRegistry()
	}
	return &Executor{
		registry: registry,
		events:   events,
		flags:    flags,
		local:    local,
		metrics:  m,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
	}
}

type run struct {
	*Executor
	req       Request
	lastOut   domain.Metadata
	responded domain.Metadata
}

// Execute always returns a Result with a terminal status. The error is nil
// only when Status is complete.
func (e *Executor) Execute(ctx context.Context, req Request) (Result, error) {
	start := e.now()
	if req.Workflow == nil {
		return Result{ExecutionID: req.ExecutionID, Status: domain.ExecutionError, Error: "workflow is required"}, errors.New("workflow is required")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	unregister := e.local.Register(req.ExecutionID, cancel)
	defer unregister()

	if e.events != nil {
		err := e.events.Create(ctx, domain.ExecutionMeta{
			ExecutionID: req.ExecutionID,
			WorkflowID:  req.WorkflowID,
			UserID:      req.UserID,
			Status:      domain.ExecutionRunning,
		})
		if err != nil {
			e.logger.Warn("execution buffer unavailable", "execution_id", req.ExecutionID, "error", err)
		}
	}

	r := &run{Executor: e, req: req}
	r.emit(ctx, domain.EventExecutionStarted, "", domain.Metadata{
		"workflowId":  req.WorkflowID,
		"triggerType": req.TriggerType,
	})

	root := newScope(nil)
	err := r.runTopLevel(ctx, root)

	res := Result{
		ExecutionID:  req.ExecutionID,
		BlockOutputs: root.snapshot(),
		Duration:     e.now().Sub(start),
	}
	res.Output = r.responded
	if res.Output == nil {
		res.Output = r.lastOut
	}

	// Terminal bookkeeping must survive a cancelled run context.
	finalCtx := context.WithoutCancel(ctx)
	switch {
	case err == nil:
		res.Status = domain.ExecutionComplete
		r.emit(finalCtx, domain.EventExecutionCompleted, "", domain.Metadata{"output": res.Output, "durationMs": res.Duration.Milliseconds()})
	case errors.Is(err, ErrCancelled):
		res.Status = domain.ExecutionCancelled
		res.Error = err.Error()
		r.emit(finalCtx, domain.EventExecutionCancelled, "", nil)
	default:
		res.Status = domain.ExecutionError
		res.Error = err.Error()
		r.emit(finalCtx, domain.EventExecutionError, "", domain.Metadata{"error": res.Error})
	}
	if e.events != nil {
		if serr := e.events.SetStatus(finalCtx, req.ExecutionID, res.Status); serr != nil && !errors.Is(serr, eventstream.ErrNotFound) {
			e.logger.Warn("set execution status failed", "execution_id", req.ExecutionID, "error", serr)
		}
	}
	return res, err
}

func (r *run) runTopLevel(ctx context.Context, root *scope) error {
	w := r.req.Workflow
	for _, id := range w.TopLevelOrder() {
		block, _ := w.Block(id)
		if !r.shouldRun(block, root, "") {
			continue
		}
		if err := r.checkCancelled(ctx); err != nil {
			return err
		}
		var (
			out domain.Metadata
			err error
		)
		switch block.Type {
		case domain.BlockTypeLoop:
			out, err = r.runLoop(ctx, block, root)
		case domain.BlockTypeParallel:
			out, err = r.runParallel(ctx, block, root)
		default:
			out, err = r.runBlock(ctx, block, root)
		}
		if err != nil {
			return err
		}
		root.set(id, out)
		r.lastOut = out
		if block.Type == domain.BlockTypeResponse {
			r.responded = out
		}
	}
	return nil
}

// shouldRun decides whether a block is reached in this run. Triggers run when
// they started the run; other blocks need an active incoming edge from a
// block that ran. Inside a sub-flow, edges from the container and members
// without incoming edges start each iteration.
func (r *run) shouldRun(block domain.Block, sc *scope, container string) bool {
	if block.IsTrigger() {
		return r.req.TriggerBlockID == "" || r.req.TriggerBlockID == block.ID
	}
	incoming := r.req.Workflow.Incoming(block.ID)
	if container != "" && len(incoming) == 0 {
		return true
	}
	for _, e := range incoming {
		if container != "" && e.Source == container {
			return true
		}
		if !sc.ran(e.Source) {
			continue
		}
		if r.edgeActive(e, sc) {
			return true
		}
	}
	return false
}

func (r *run) edgeActive(e domain.Edge, sc *scope) bool {
	src, ok := r.req.Workflow.Block(e.Source)
	if !ok || src.Type != domain.BlockTypeCondition {
		return true
	}
	out, _ := sc.output(e.Source)
	result, _ := out["result"].(bool)
	switch e.SourceHandle {
	case "false", "condition-false":
		return !result
	default:
		return result
	}
}

func (r *run) checkCancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrTimedOut
		}
		return ErrCancelled
	}
	if r.flags == nil {
		return nil
	}
	set, err := r.flags.IsSet(ctx, r.req.ExecutionID)
	if err != nil {
		r.logger.Warn("cancel flag check failed", "execution_id", r.req.ExecutionID, "error", err)
		return nil
	}
	if set {
		return ErrCancelled
	}
	return nil
}

func (r *run) runBlock(ctx context.Context, block domain.Block, sc *scope) (out domain.Metadata, err error) {
	start := r.now()
	r.emit(ctx, domain.EventBlockStarted, block.ID, domain.Metadata{"blockType": block.Type, "blockName": block.Name})

	defer func() {
		if rec := recover(); rec != nil {
			out, err = nil, fmt.Errorf("block panicked: %v", rec)
		}
		d := r.now().Sub(start)
		if err != nil {
			r.metrics.ObserveBlock(block.Type, "error", d)
			if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
				if errors.Is(ctxErr, context.DeadlineExceeded) {
					err = ErrTimedOut
				} else {
					err = ErrCancelled
				}
				return
			}
			r.emit(context.WithoutCancel(ctx), domain.EventBlockError, block.ID, domain.Metadata{"error": err.Error()})
			err = &BlockError{BlockID: block.ID, Err: err}
			return
		}
		r.metrics.ObserveBlock(block.Type, "success", d)
		r.emit(ctx, domain.EventBlockCompleted, block.ID, domain.Metadata{"output": out, "durationMs": d.Milliseconds()})
	}()

	handler, ok := r.registry.Get(block.Type)
	if !ok {
		return nil, fmt.Errorf("no handler for block type %q", block.Type)
	}
	resolved, _ := sc.resolve(map[string]any(block.SubBlocks)).(map[string]any)
	cfg, err := graph.DecodeConfig(domain.Block{ID: block.ID, Type: block.Type, SubBlocks: resolved})
	if err != nil {
		return nil, err
	}
	return handler.Handle(ctx, BlockInput{
		ExecutionID:  r.req.ExecutionID,
		WorkflowID:   r.req.WorkflowID,
		Block:        block,
		Config:       cfg,
		TriggerInput: r.req.Input,
	})
}

func (r *run) runMembers(ctx context.Context, container string, sc *scope) (domain.Metadata, error) {
	w := r.req.Workflow
	result := domain.Metadata{}
	for _, id := range w.MemberOrder(container) {
		block, _ := w.Block(id)
		if !r.shouldRun(block, sc, container) {
			continue
		}
		if err := r.checkCancelled(ctx); err != nil {
			return nil, err
		}
		out, err := r.runBlock(ctx, block, sc)
		if err != nil {
			return nil, err
		}
		sc.set(id, out)
		result[id] = out
	}
	return result, nil
}

func (r *run) runLoop(ctx context.Context, block domain.Block, parent *scope) (domain.Metadata, error) {
	spec, _ := r.req.Workflow.Loop(block.ID)
	r.emit(ctx, domain.EventBlockStarted, block.ID, domain.Metadata{"blockType": block.Type, "loopType": string(spec.LoopType)})

	var items []any
	count := spec.Iterations
	if spec.LoopType == domain.LoopTypeForEach {
		var err error
		items, err = collectionItems(parent.resolve(spec.ForEachItems))
		if err != nil {
			return nil, r.failContainer(ctx, block, err)
		}
		count = len(items)
	}

	results := make([]any, 0, count)
	for i := 0; i < count; i++ {
		if err := r.checkCancelled(ctx); err != nil {
			return nil, err
		}
		var item any = i
		if items != nil {
			item = items[i]
		}
		iterScope := parent.iteration(graph.RefRootLoop, i, item, itemsOrNil(items))
		out, err := r.runMembers(ctx, block.ID, iterScope)
		if err != nil {
			return nil, err
		}
		results = append(results, out)
	}
	out := domain.Metadata{"results": results, "iterations": count}
	r.emit(ctx, domain.EventBlockCompleted, block.ID, domain.Metadata{"output": out})
	return out, nil
}

func (r *run) runParallel(ctx context.Context, block domain.Block, parent *scope) (domain.Metadata, error) {
	spec, _ := r.req.Workflow.Parallel(block.ID)
	r.emit(ctx, domain.EventBlockStarted, block.ID, domain.Metadata{"blockType": block.Type, "parallelType": string(spec.ParallelType)})

	var items []any
	count := spec.Count
	if spec.ParallelType == domain.ParallelTypeCollection {
		var err error
		items, err = collectionItems(parent.resolve(spec.Distribution))
		if err != nil {
			return nil, r.failContainer(ctx, block, err)
		}
		count = len(items)
	}

	results := make([]any, count)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.MaxParallelism)
	for i := 0; i < count; i++ {
		var item any = i
		if items != nil {
			item = items[i]
		}
		branch := parent.iteration(graph.RefRootParallel, i, item, itemsOrNil(items))
		g.Go(func() error {
			out, err := r.runMembers(gctx, block.ID, branch)
			if err != nil {
				return err
			}
			results[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := domain.Metadata{"results": results, "branches": count}
	r.emit(ctx, domain.EventBlockCompleted, block.ID, domain.Metadata{"output": out})
	return out, nil
}

func (r *run) failContainer(ctx context.Context, block domain.Block, err error) error {
	r.emit(context.WithoutCancel(ctx), domain.EventBlockError, block.ID, domain.Metadata{"error": err.Error()})
	return &BlockError{BlockID: block.ID, Err: err}
}

func (r *run) emit(ctx context.Context, eventType, blockID string, data domain.Metadata) {
	if r.events == nil {
		return
	}
	_, err := r.events.Append(ctx, r.req.ExecutionID, domain.ExecutionEvent{
		Type:      eventType,
		BlockID:   blockID,
		Timestamp: r.now().UTC(),
		Data:      data,
	})
	if err != nil && !errors.Is(err, eventstream.ErrNotFound) {
		r.logger.Warn("append execution event failed",
			"execution_id", r.req.ExecutionID,
			"event_type", eventType,
			"error", err,
		)
	}
}

func collectionItems(v any) ([]any, error) {
	switch t := v.(type) {
	case []any:
		return t, nil
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]any, 0, len(t))
		for _, k := range keys {
			out = append(out, map[string]any{"key": k, "value": t[k]})
		}
		return out, nil
	case string:
		var out []any
		if err := json.Unmarshal([]byte(t), &out); err != nil {
			return nil, fmt.Errorf("collection is not a list: %w", err)
		}
		return out, nil
	case nil:
		return nil, errors.New("collection is empty")
	default:
		return nil, fmt.Errorf("collection of type %T is not iterable", v)
	}
}

func itemsOrNil(items []any) any {
	if items == nil {
		return nil
	}
	return items
}
