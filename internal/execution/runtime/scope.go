package runtime

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/blockflow-labs/blockflow-go/internal/domain"
	"github.com/blockflow-labs/blockflow-go/internal/execution/graph"
)

// scope holds block outputs visible to references. Iterations of a loop or
// branches of a parallel get a child scope so their outputs never leak into
// siblings.
type scope struct {
	parent   *scope
	root     string
	vars     map[string]any
	mu       sync.RWMutex
	outputs  map[string]domain.Metadata
	executed map[string]bool
}

func newScope(parent *scope) *scope {
	return &scope{parent: parent, outputs: make(map[string]domain.Metadata), executed: make(map[string]bool)}
}

func (s *scope) iteration(root string, index int, item any, items any) *scope {
	child := newScope(s)
	child.root = root
	child.vars = map[string]any{"index": index, "currentItem": item, "item": item}
	if items != nil {
		child.vars["items"] = items
	}
	return child
}

func (s *scope) set(blockID string, out domain.Metadata) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputs[blockID] = out
	s.executed[blockID] = true
}

func (s *scope) ran(blockID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.executed[blockID]
}

func (s *scope) output(blockID string) (domain.Metadata, bool) {
	for cur := s; cur != nil; cur = cur.parent {
		cur.mu.RLock()
		out, ok := cur.outputs[blockID]
		cur.mu.RUnlock()
		if ok {
			return out, true
		}
	}
	return nil, false
}

func (s *scope) lookup(ref graph.Ref) (any, bool) {
	if ref.BlockID == graph.RefRootLoop || ref.BlockID == graph.RefRootParallel {
		for cur := s; cur != nil; cur = cur.parent {
			if cur.root == ref.BlockID {
				return walk(cur.vars, ref.Path)
			}
		}
		return nil, false
	}
	out, ok := s.output(ref.BlockID)
	if !ok {
		return nil, false
	}
	return walk(map[string]any(out), ref.Path)
}

func walk(value any, path []string) (any, bool) {
	cur := value
	for _, part := range path {
		switch v := cur.(type) {
		case map[string]any:
			next, ok := v[part]
			if !ok {
				return nil, false
			}
			cur = next
		case domain.Metadata:
			next, ok := v[part]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(part)
			if err != nil || i < 0 || i >= len(v) {
				return nil, false
			}
			cur = v[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// resolve replaces {{ref}} placeholders in value. A string that is exactly one
// placeholder takes the referenced value as-is; embedded placeholders are
// rendered as text. Unresolvable references become nil or "".
func (s *scope) resolve(value any) any {
	switch v := value.(type) {
	case string:
		return s.resolveString(v)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = s.resolve(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = s.resolve(item)
		}
		return out
	default:
		return value
	}
}

func (s *scope) resolveString(str string) any {
	matches := graph.RefPattern.FindAllStringSubmatchIndex(str, -1)
	if len(matches) == 0 {
		return str
	}
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(str) {
		val, _ := s.lookup(graph.ParseRef(submatches(str, matches[0])))
		return val
	}
	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(str[last:m[0]])
		val, ok := s.lookup(graph.ParseRef(submatches(str, m)))
		if ok {
			b.WriteString(render(val))
		}
		last = m[1]
	}
	b.WriteString(str[last:])
	return b.String()
}

func submatches(str string, idx []int) []string {
	out := make([]string, 0, len(idx)/2)
	for i := 0; i+1 < len(idx); i += 2 {
		if idx[i] < 0 {
			out = append(out, "")
			continue
		}
		out = append(out, str[idx[i]:idx[i+1]])
	}
	return out
}

func render(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case map[string]any, []any, domain.Metadata:
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(raw)
	default:
		return fmt.Sprint(t)
	}
}

func (s *scope) snapshot() map[string]domain.Metadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]domain.Metadata, len(s.outputs))
	for k, v := range s.outputs {
		out[k] = v
	}
	return out
}
