// Package paths answers reverse-reachability questions over a workflow graph.
package paths

import (
	"sort"

	"github.com/blockflow-labs/blockflow-go/internal/domain"
)

// FindAllPathNodes returns every block that can reach target through directed
// edges. Edges terminating at a trigger block are dropped before the walk, so
// a block upstream of a trigger only through such an edge is never included.
// The target is not part of its own result, even on a cycle.
func FindAllPathNodes(blocks map[string]domain.Block, edges []domain.Edge, target string) map[string]struct{} {
	incoming := make(map[string][]string)
	for _, e := range edges {
		if b, ok := blocks[e.Target]; ok && b.IsTrigger() {
			continue
		}
		incoming[e.Target] = append(incoming[e.Target], e.Source)
	}

	result := make(map[string]struct{})
	visited := map[string]struct{}{target: {}}
	queue := []string{target}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, source := range incoming[current] {
			if _, seen := visited[source]; seen {
				continue
			}
			visited[source] = struct{}{}
			result[source] = struct{}{}
			queue = append(queue, source)
		}
	}
	return result
}

// Sorted returns the set as an ordered slice.
func Sorted(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// StrayTriggerEdges lists edges that target a trigger block. They are tolerated
// in stored graphs but never traversed.
func StrayTriggerEdges(blocks map[string]domain.Block, edges []domain.Edge) []domain.Edge {
	var out []domain.Edge
	for _, e := range edges {
		if b, ok := blocks[e.Target]; ok && b.IsTrigger() {
			out = append(out, e)
		}
	}
	return out
}
