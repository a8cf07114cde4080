// Package graph validates a workflow revision and answers ordering questions
// the runtime needs: top-level order, sub-flow member order, and ancestors.
package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/blockflow-labs/blockflow-go/internal/domain"
	"github.com/blockflow-labs/blockflow-go/internal/execution/paths"
)

const maxIterations = 1000

// Workflow is an immutable, validated view of one graph revision.
type Workflow struct {
	graph        domain.Graph
	configs      map[string]BlockConfig
	containerOf  map[string]string
	incoming     map[string][]domain.Edge
	outgoing     map[string][]domain.Edge
	order        []string
	memberOrders map[string][]string
	ancestors    map[string]map[string]struct{}
	stray        []domain.Edge
}

// Build validates g and precomputes its ordering. All issues are reported
// together in a *ValidationError.
func Build(g domain.Graph) (*Workflow, error) {
	verr := &ValidationError{}
	w := &Workflow{
		graph:        normalize(g),
		configs:      make(map[string]BlockConfig, len(g.Blocks)),
		containerOf:  make(map[string]string),
		incoming:     make(map[string][]domain.Edge),
		outgoing:     make(map[string][]domain.Edge),
		memberOrders: make(map[string][]string),
		ancestors:    make(map[string]map[string]struct{}, len(g.Blocks)),
	}
	if len(w.graph.Blocks) == 0 {
		verr.Add("graph has no blocks")
		return nil, verr
	}

	for _, id := range w.blockIDs() {
		block := w.graph.Blocks[id]
		if block.Type == "" {
			verr.Add(fmt.Sprintf("block %s: type is required", id))
			continue
		}
		cfg, err := DecodeConfig(block)
		if err != nil {
			verr.Add(fmt.Sprintf("block %s: %v", id, err))
			continue
		}
		w.configs[id] = cfg
	}

	w.validateSubflows(verr)

	for i, e := range w.graph.Edges {
		if !w.graph.HasBlock(e.Source) {
			verr.Add(fmt.Sprintf("edge %d: unknown source %q", i, e.Source))
			continue
		}
		if !w.graph.HasBlock(e.Target) {
			verr.Add(fmt.Sprintf("edge %d: unknown target %q", i, e.Target))
			continue
		}
		if w.graph.Blocks[e.Target].IsTrigger() {
			w.stray = append(w.stray, e)
			continue
		}
		w.validateMembershipEdge(i, e, verr)
		w.incoming[e.Target] = append(w.incoming[e.Target], e)
		w.outgoing[e.Source] = append(w.outgoing[e.Source], e)
	}
	if len(verr.Issues) > 0 {
		return nil, verr
	}

	order, err := w.sortNodes(w.topLevelIDs())
	if err != nil {
		verr.Add("top-level " + err.Error())
	}
	w.order = order
	for _, id := range sortedKeys(w.subflowMembers()) {
		members := w.subflowMembers()[id]
		mo, err := w.sortNodes(members)
		if err != nil {
			verr.Add(fmt.Sprintf("sub-flow %s: %v", id, err))
			continue
		}
		w.memberOrders[id] = mo
	}

	for _, id := range w.blockIDs() {
		w.ancestors[id] = paths.FindAllPathNodes(w.graph.Blocks, w.graph.Edges, id)
	}
	w.validateRefs(verr)

	if err := verr.OrNil(); err != nil {
		return nil, err
	}
	return w, nil
}

func normalize(g domain.Graph) domain.Graph {
	out := domain.Graph{
		Blocks:    make(map[string]domain.Block, len(g.Blocks)),
		Edges:     append([]domain.Edge(nil), g.Edges...),
		Loops:     make(map[string]domain.LoopSpec, len(g.Loops)),
		Parallels: make(map[string]domain.ParallelSpec, len(g.Parallels)),
	}
	for key, b := range g.Blocks {
		if strings.TrimSpace(b.ID) == "" {
			b.ID = key
		}
		out.Blocks[key] = b
	}
	for key, l := range g.Loops {
		if l.ID == "" {
			l.ID = key
		}
		if l.LoopType == "" {
			l.LoopType = domain.LoopTypeFor
		}
		out.Loops[key] = l
	}
	for key, p := range g.Parallels {
		if p.ID == "" {
			p.ID = key
		}
		if p.ParallelType == "" {
			p.ParallelType = domain.ParallelTypeCount
		}
		out.Parallels[key] = p
	}
	return out
}

func (w *Workflow) validateSubflows(verr *ValidationError) {
	for key, b := range w.graph.Blocks {
		if b.ID != key {
			verr.Add(fmt.Sprintf("block %s: id %q does not match its key", key, b.ID))
		}
		switch b.Type {
		case domain.BlockTypeLoop:
			if _, ok := w.graph.Loops[key]; !ok {
				verr.Add(fmt.Sprintf("block %s: loop container has no loop definition", key))
			}
		case domain.BlockTypeParallel:
			if _, ok := w.graph.Parallels[key]; !ok {
				verr.Add(fmt.Sprintf("block %s: parallel container has no parallel definition", key))
			}
		}
	}
	for _, id := range sortedKeys(w.graph.Loops) {
		l := w.graph.Loops[id]
		w.checkContainer(id, l.ID, domain.BlockTypeLoop, l.Nodes, verr)
		switch l.LoopType {
		case domain.LoopTypeFor:
			if l.Iterations < 1 || l.Iterations > maxIterations {
				verr.Add(fmt.Sprintf("loop %s: iterations must be between 1 and %d", id, maxIterations))
			}
		case domain.LoopTypeForEach:
			if l.ForEachItems == nil {
				verr.Add(fmt.Sprintf("loop %s: forEachItems is required", id))
			}
		default:
			verr.Add(fmt.Sprintf("loop %s: unsupported loop type %q", id, l.LoopType))
		}
	}
	for _, id := range sortedKeys(w.graph.Parallels) {
		p := w.graph.Parallels[id]
		w.checkContainer(id, p.ID, domain.BlockTypeParallel, p.Nodes, verr)
		switch p.ParallelType {
		case domain.ParallelTypeCount:
			if p.Count < 1 || p.Count > maxIterations {
				verr.Add(fmt.Sprintf("parallel %s: count must be between 1 and %d", id, maxIterations))
			}
		case domain.ParallelTypeCollection:
			if p.Distribution == nil {
				verr.Add(fmt.Sprintf("parallel %s: distribution is required", id))
			}
		default:
			verr.Add(fmt.Sprintf("parallel %s: unsupported parallel type %q", id, p.ParallelType))
		}
	}
}

func (w *Workflow) checkContainer(key, id, wantType string, nodes []string, verr *ValidationError) {
	if id != key {
		verr.Add(fmt.Sprintf("%s %s: id %q does not match its key", wantType, key, id))
	}
	container, ok := w.graph.Blocks[key]
	if !ok || container.Type != wantType {
		verr.Add(fmt.Sprintf("%s %s: container block of type %s is required", wantType, key, wantType))
	}
	if len(nodes) == 0 {
		verr.Add(fmt.Sprintf("%s %s: at least one member is required", wantType, key))
	}
	for _, member := range nodes {
		b, ok := w.graph.Blocks[member]
		if !ok {
			verr.Add(fmt.Sprintf("%s %s: unknown member %q", wantType, key, member))
			continue
		}
		if member == key {
			verr.Add(fmt.Sprintf("%s %s: container cannot be its own member", wantType, key))
			continue
		}
		if b.IsTrigger() {
			verr.Add(fmt.Sprintf("%s %s: trigger %s cannot be a member", wantType, key, member))
			continue
		}
		if b.Type == domain.BlockTypeLoop || b.Type == domain.BlockTypeParallel {
			verr.Add(fmt.Sprintf("%s %s: nested sub-flow %s is not supported", wantType, key, member))
			continue
		}
		if prev, dup := w.containerOf[member]; dup {
			verr.Add(fmt.Sprintf("block %s: member of both %s and %s", member, prev, key))
			continue
		}
		w.containerOf[member] = key
	}
}

// validateMembershipEdge enforces that sub-flow members are reachable only
// through their container.
func (w *Workflow) validateMembershipEdge(i int, e domain.Edge, verr *ValidationError) {
	targetContainer, targetIsMember := w.containerOf[e.Target]
	sourceContainer, sourceIsMember := w.containerOf[e.Source]
	if targetIsMember && e.Source != targetContainer && sourceContainer != targetContainer {
		verr.Add(fmt.Sprintf("edge %d: %s enters sub-flow %s without passing its container", i, e.Source, targetContainer))
	}
	if sourceIsMember && (!targetIsMember || targetContainer != sourceContainer) {
		verr.Add(fmt.Sprintf("edge %d: %s leaves sub-flow %s directly", i, e.Source, sourceContainer))
	}
}

func (w *Workflow) validateRefs(verr *ValidationError) {
	for _, id := range sortedKeys(w.graph.Loops) {
		w.checkUpstream(id, CollectRefs(w.graph.Loops[id].ForEachItems), verr)
	}
	for _, id := range sortedKeys(w.graph.Parallels) {
		w.checkUpstream(id, CollectRefs(w.graph.Parallels[id].Distribution), verr)
	}
	for _, id := range w.blockIDs() {
		block := w.graph.Blocks[id]
		for _, ref := range CollectRefs(block.SubBlocks) {
			if reservedRoot(ref) {
				if _, member := w.containerOf[id]; !member {
					verr.Add(fmt.Sprintf("block %s: {{%s}} is only available inside a sub-flow", id, ref))
				}
				continue
			}
			w.checkUpstream(id, []string{ref}, verr)
		}
	}
}

func (w *Workflow) checkUpstream(id string, refs []string, verr *ValidationError) {
	for _, ref := range refs {
		if reservedRoot(ref) {
			continue
		}
		if _, ok := w.ancestors[id][ref]; !ok {
			verr.Add(fmt.Sprintf("block %s: references %s which is not upstream", id, ref))
		}
	}
}

// sortNodes is Kahn's algorithm over the edges among nodes, breaking ties by
// block id so the order is stable across runs.
func (w *Workflow) sortNodes(nodes []string) ([]string, error) {
	in := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		in[n] = struct{}{}
	}
	inDegree := make(map[string]int, len(nodes))
	adj := make(map[string][]string, len(nodes))
	for _, n := range nodes {
		inDegree[n] = 0
	}
	for _, n := range nodes {
		for _, e := range w.outgoing[n] {
			if _, ok := in[e.Target]; !ok {
				continue
			}
			adj[n] = append(adj[n], e.Target)
			inDegree[e.Target]++
		}
	}

	ready := make([]string, 0, len(nodes))
	for n, degree := range inDegree {
		if degree == 0 {
			ready = append(ready, n)
		}
	}
	sort.Strings(ready)

	ordered := make([]string, 0, len(nodes))
	for len(ready) > 0 {
		n := ready[0]
		ready = ready[1:]
		ordered = append(ordered, n)
		for _, next := range adj[n] {
			inDegree[next]--
			if inDegree[next] == 0 {
				ready = append(ready, next)
				sort.Strings(ready)
			}
		}
	}
	if len(ordered) != len(nodes) {
		return nil, fmt.Errorf("graph contains a cycle")
	}
	return ordered, nil
}

func (w *Workflow) blockIDs() []string {
	return sortedKeys(w.graph.Blocks)
}

func (w *Workflow) topLevelIDs() []string {
	var out []string
	for _, id := range w.blockIDs() {
		if _, member := w.containerOf[id]; !member {
			out = append(out, id)
		}
	}
	return out
}

func (w *Workflow) subflowMembers() map[string][]string {
	out := make(map[string][]string)
	for member, container := range w.containerOf {
		out[container] = append(out[container], member)
	}
	for k := range out {
		sort.Strings(out[k])
	}
	return out
}

// Graph returns the normalized revision.
func (w *Workflow) Graph() domain.Graph { return w.graph }

func (w *Workflow) Block(id string) (domain.Block, bool) {
	b, ok := w.graph.Blocks[id]
	return b, ok
}

func (w *Workflow) Config(id string) BlockConfig { return w.configs[id] }

// TopLevelOrder lists blocks outside any sub-flow in dependency order.
// Containers stand in for their members.
func (w *Workflow) TopLevelOrder() []string {
	return append([]string(nil), w.order...)
}

// MemberOrder lists a sub-flow's members in dependency order.
func (w *Workflow) MemberOrder(subflowID string) []string {
	return append([]string(nil), w.memberOrders[subflowID]...)
}

// ContainerOf returns the sub-flow a block belongs to.
func (w *Workflow) ContainerOf(blockID string) (string, bool) {
	c, ok := w.containerOf[blockID]
	return c, ok
}

func (w *Workflow) Loop(id string) (domain.LoopSpec, bool) {
	l, ok := w.graph.Loops[id]
	return l, ok
}

func (w *Workflow) Parallel(id string) (domain.ParallelSpec, bool) {
	p, ok := w.graph.Parallels[id]
	return p, ok
}

// Ancestors returns the blocks upstream of blockID.
func (w *Workflow) Ancestors(blockID string) map[string]struct{} {
	src := w.ancestors[blockID]
	out := make(map[string]struct{}, len(src))
	for k := range src {
		out[k] = struct{}{}
	}
	return out
}

// Incoming lists the traversable edges into blockID.
func (w *Workflow) Incoming(blockID string) []domain.Edge {
	return w.incoming[blockID]
}

// TriggerBlocks lists the graph's entry points in id order.
func (w *Workflow) TriggerBlocks() []domain.Block {
	var out []domain.Block
	for _, id := range w.blockIDs() {
		if b := w.graph.Blocks[id]; b.IsTrigger() {
			out = append(out, b)
		}
	}
	return out
}

// StrayEdges lists stored edges that target a trigger block. They are kept
// out of every traversal.
func (w *Workflow) StrayEdges() []domain.Edge {
	return append([]domain.Edge(nil), w.stray...)
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
