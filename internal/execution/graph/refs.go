package graph

import (
	"regexp"
	"sort"
	"strings"
)

// RefPattern matches {{blockId.field.sub}} references inside string values.
var RefPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_\-]+)((?:\.[A-Za-z0-9_\-]+)*)\s*\}\}`)

// Reserved reference roots resolved by the runtime rather than by block id.
const (
	RefRootLoop     = "loop"
	RefRootParallel = "parallel"
)

type Ref struct {
	BlockID string
	Path    []string
}

// ParseRef splits a single RefPattern submatch into a Ref.
func ParseRef(match []string) Ref {
	ref := Ref{BlockID: match[1]}
	if len(match) > 2 && match[2] != "" {
		ref.Path = strings.Split(strings.TrimPrefix(match[2], "."), ".")
	}
	return ref
}

// CollectRefs returns the distinct block ids referenced anywhere in value.
func CollectRefs(value any) []string {
	seen := make(map[string]struct{})
	collectRefs(value, seen)
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func collectRefs(value any, seen map[string]struct{}) {
	switch v := value.(type) {
	case string:
		for _, m := range RefPattern.FindAllStringSubmatch(v, -1) {
			seen[ParseRef(m).BlockID] = struct{}{}
		}
	case map[string]any:
		for _, item := range v {
			collectRefs(item, seen)
		}
	case []any:
		for _, item := range v {
			collectRefs(item, seen)
		}
	}
}

func reservedRoot(id string) bool {
	return id == RefRootLoop || id == RefRootParallel
}
