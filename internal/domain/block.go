package domain

import "strings"

// Block types understood by the execution core.
const (
	BlockTypeStarter        = "starter"
	BlockTypeAPITrigger     = "api_trigger"
	BlockTypeWebhook        = "webhook"
	BlockTypeGenericWebhook = "generic_webhook"
	BlockTypeSchedule       = "schedule"
	BlockTypeVariables      = "variables"
	BlockTypeWait           = "wait"
	BlockTypeHTTP           = "http"
	BlockTypeResponse       = "response"
	BlockTypeCondition      = "condition"
	BlockTypeLoop           = "loop"
	BlockTypeParallel       = "parallel"
)

var triggerTypes = map[string]struct{}{
	BlockTypeStarter:        {},
	BlockTypeAPITrigger:     {},
	BlockTypeWebhook:        {},
	BlockTypeGenericWebhook: {},
	BlockTypeSchedule:       {},
}

// IsTriggerType reports whether blocks of this type are graph roots.
func IsTriggerType(blockType string) bool {
	_, ok := triggerTypes[strings.TrimSpace(blockType)]
	return ok
}

// Block is one node of a workflow graph. SubBlocks carries the editor's loose
// per-block values; graph construction decodes them into typed configs.
type Block struct {
	ID          string         `json:"id" yaml:"id"`
	Type        string         `json:"type" yaml:"type"`
	Name        string         `json:"name,omitempty" yaml:"name,omitempty"`
	TriggerMode bool           `json:"triggerMode,omitempty" yaml:"triggerMode,omitempty"`
	SubBlocks   map[string]any `json:"subBlocks,omitempty" yaml:"subBlocks,omitempty"`
}

// IsTrigger reports whether the block is an external entry point. Edges that
// terminate at a trigger are never traversed.
func (b Block) IsTrigger() bool {
	return b.TriggerMode || IsTriggerType(b.Type)
}

type Edge struct {
	Source       string `json:"source" yaml:"source"`
	Target       string `json:"target" yaml:"target"`
	SourceHandle string `json:"sourceHandle,omitempty" yaml:"sourceHandle,omitempty"`
	TargetHandle string `json:"targetHandle,omitempty" yaml:"targetHandle,omitempty"`
}

type LoopType string

const (
	LoopTypeFor     LoopType = "for"
	LoopTypeForEach LoopType = "forEach"
)

// LoopSpec names the members of a loop sub-flow. The container block shares
// the spec's ID.
type LoopSpec struct {
	ID           string   `json:"id" yaml:"id"`
	Nodes        []string `json:"nodes" yaml:"nodes"`
	Iterations   int      `json:"iterations,omitempty" yaml:"iterations,omitempty"`
	LoopType     LoopType `json:"loopType,omitempty" yaml:"loopType,omitempty"`
	ForEachItems any      `json:"forEachItems,omitempty" yaml:"forEachItems,omitempty"`
}

type ParallelType string

const (
	ParallelTypeCount      ParallelType = "count"
	ParallelTypeCollection ParallelType = "collection"
)

type ParallelSpec struct {
	ID           string       `json:"id" yaml:"id"`
	Nodes        []string     `json:"nodes" yaml:"nodes"`
	Count        int          `json:"count,omitempty" yaml:"count,omitempty"`
	Distribution any          `json:"distribution,omitempty" yaml:"distribution,omitempty"`
	ParallelType ParallelType `json:"parallelType,omitempty" yaml:"parallelType,omitempty"`
}

// Graph is one revision of a workflow: the draft being edited or a deployed
// snapshot.
type Graph struct {
	Blocks    map[string]Block        `json:"blocks" yaml:"blocks"`
	Edges     []Edge                  `json:"edges" yaml:"edges"`
	Loops     map[string]LoopSpec     `json:"loops,omitempty" yaml:"loops,omitempty"`
	Parallels map[string]ParallelSpec `json:"parallels,omitempty" yaml:"parallels,omitempty"`
}

// HasBlock reports whether id names a block of this revision.
func (g Graph) HasBlock(id string) bool {
	if g.Blocks == nil {
		return false
	}
	_, ok := g.Blocks[id]
	return ok
}
