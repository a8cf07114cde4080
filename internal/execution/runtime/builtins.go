package runtime

import (
	"context"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/blockflow-labs/blockflow-go/internal/domain"
	"github.com/blockflow-labs/blockflow-go/internal/execution/graph"
)

func handleTrigger(_ context.Context, in BlockInput) (domain.Metadata, error) {
	out := in.TriggerInput.Clone()
	if out == nil {
		out = domain.Metadata{}
	}
	out["input"] = in.TriggerInput.Clone()
	return out, nil
}

func handleVariables(_ context.Context, in BlockInput) (domain.Metadata, error) {
	cfg, ok := in.Config.(graph.VariablesConfig)
	if !ok {
		return nil, configTypeError(in)
	}
	return domain.Metadata(cfg.Variables), nil
}

func handleWait(ctx context.Context, in BlockInput) (domain.Metadata, error) {
	cfg, ok := in.Config.(graph.WaitConfig)
	if !ok {
		return nil, configTypeError(in)
	}
	timer := time.NewTimer(cfg.Wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}
	return domain.Metadata{"waitedMs": cfg.Wait.Milliseconds()}, nil
}

func handleResponse(_ context.Context, in BlockInput) (domain.Metadata, error) {
	cfg, ok := in.Config.(graph.ResponseConfig)
	if !ok {
		return nil, configTypeError(in)
	}
	out := domain.Metadata{"data": cfg.Data, "status": cfg.Status}
	if len(cfg.Headers) > 0 {
		out["headers"] = cfg.Headers
	}
	return out, nil
}

func handleCondition(_ context.Context, in BlockInput) (domain.Metadata, error) {
	cfg, ok := in.Config.(graph.ConditionConfig)
	if !ok {
		return nil, configTypeError(in)
	}
	result, err := evaluate(cfg)
	if err != nil {
		return nil, err
	}
	return domain.Metadata{"result": result, "left": cfg.Left, "right": cfg.Right}, nil
}

func configTypeError(in BlockInput) error {
	return fmt.Errorf("block %s: unexpected config %T", in.Block.ID, in.Config)
}

func evaluate(cfg graph.ConditionConfig) (bool, error) {
	switch cfg.Operator {
	case graph.OpExists:
		return cfg.Left != nil && cfg.Left != "", nil
	case graph.OpEq:
		return equal(cfg.Left, cfg.Right), nil
	case graph.OpNeq:
		return !equal(cfg.Left, cfg.Right), nil
	case graph.OpContains:
		return contains(cfg.Left, cfg.Right), nil
	case graph.OpGt, graph.OpGte, graph.OpLt, graph.OpLte:
		l, lok := toFloat(cfg.Left)
		r, rok := toFloat(cfg.Right)
		if !lok || !rok {
			return false, fmt.Errorf("operator %s needs numeric operands", cfg.Operator)
		}
		switch cfg.Operator {
		case graph.OpGt:
			return l > r, nil
		case graph.OpGte:
			return l >= r, nil
		case graph.OpLt:
			return l < r, nil
		default:
			return l <= r, nil
		}
	default:
		return false, fmt.Errorf("operator %q is not supported", cfg.Operator)
	}
}

func equal(a, b any) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
	}
	if as, ok := a.(string); ok {
		if bb, ok := b.(bool); ok {
			return strings.EqualFold(as, strconv.FormatBool(bb))
		}
	}
	if bs, ok := b.(string); ok {
		if ab, ok := a.(bool); ok {
			return strings.EqualFold(bs, strconv.FormatBool(ab))
		}
	}
	return reflect.DeepEqual(a, b)
}

func contains(haystack, needle any) bool {
	switch h := haystack.(type) {
	case string:
		return strings.Contains(h, render(needle))
	case []any:
		for _, item := range h {
			if equal(item, needle) {
				return true
			}
		}
	case map[string]any:
		_, ok := h[render(needle)]
		return ok
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
