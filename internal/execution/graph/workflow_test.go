package graph

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/blockflow-labs/blockflow-go/internal/domain"
	"github.com/google/go-cmp/cmp"
)

func linearGraph() domain.Graph {
	return domain.Graph{
		Blocks: map[string]domain.Block{
			"start": {ID: "start", Type: domain.BlockTypeStarter},
			"fetch": {ID: "fetch", Type: domain.BlockTypeHTTP, SubBlocks: map[string]any{
				"url": "https://example.com/{{start.input.id}}",
			}},
			"reply": {ID: "reply", Type: domain.BlockTypeResponse, SubBlocks: map[string]any{
				"data": map[string]any{"status": "{{fetch.status}}"},
			}},
		},
		Edges: []domain.Edge{
			{Source: "start", Target: "fetch"},
			{Source: "fetch", Target: "reply"},
		},
	}
}

func TestBuildLinearOrder(t *testing.T) {
	w, err := Build(linearGraph())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if diff := cmp.Diff([]string{"start", "fetch", "reply"}, w.TopLevelOrder()); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
	cfg, ok := w.Config("fetch").(HTTPConfig)
	if !ok {
		t.Fatalf("fetch config type %T", w.Config("fetch"))
	}
	if cfg.Method != "GET" || cfg.Timeout != 30*time.Second {
		t.Fatalf("unexpected http defaults: %+v", cfg)
	}
	if len(w.TriggerBlocks()) != 1 {
		t.Fatalf("expected one trigger")
	}
}

func TestBuildTieBreakIsDeterministic(t *testing.T) {
	g := domain.Graph{
		Blocks: map[string]domain.Block{
			"s": {Type: domain.BlockTypeStarter},
			"c": {Type: domain.BlockTypeVariables},
			"a": {Type: domain.BlockTypeVariables},
			"b": {Type: domain.BlockTypeVariables},
		},
		Edges: []domain.Edge{{Source: "s", Target: "c"}, {Source: "s", Target: "a"}, {Source: "s", Target: "b"}},
	}
	w, err := Build(g)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if diff := cmp.Diff([]string{"s", "a", "b", "c"}, w.TopLevelOrder()); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildReportsAllIssues(t *testing.T) {
	g := domain.Graph{
		Blocks: map[string]domain.Block{
			"start": {Type: domain.BlockTypeStarter},
			"x":     {Type: "spreadsheet"},
			"h":     {Type: domain.BlockTypeHTTP},
		},
		Edges: []domain.Edge{{Source: "start", Target: "missing"}},
	}
	_, err := Build(g)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	joined := strings.Join(verr.Issues, "\n")
	for _, want := range []string{`unknown block type "spreadsheet"`, "url is required"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("missing issue %q in %v", want, verr.Issues)
		}
	}
}

func TestBuildRejectsTopLevelCycle(t *testing.T) {
	g := domain.Graph{
		Blocks: map[string]domain.Block{
			"start": {Type: domain.BlockTypeStarter},
			"a":     {Type: domain.BlockTypeVariables},
			"b":     {Type: domain.BlockTypeVariables},
		},
		Edges: []domain.Edge{{Source: "start", Target: "a"}, {Source: "a", Target: "b"}, {Source: "b", Target: "a"}},
	}
	_, err := Build(g)
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected cycle error, got %v", err)
	}
}

func TestBuildToleratesStrayTriggerEdges(t *testing.T) {
	g := linearGraph()
	g.Edges = append(g.Edges, domain.Edge{Source: "reply", Target: "start"})
	w, err := Build(g)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(w.StrayEdges()) != 1 {
		t.Fatalf("expected one stray edge, got %v", w.StrayEdges())
	}
	if len(w.Incoming("start")) != 0 {
		t.Fatalf("stray edge must not be traversable")
	}
}

func TestBuildRejectsReferenceToNonAncestor(t *testing.T) {
	g := linearGraph()
	g.Blocks["fetch"] = domain.Block{ID: "fetch", Type: domain.BlockTypeHTTP, SubBlocks: map[string]any{
		"url": "https://example.com/{{reply.data}}",
	}}
	_, err := Build(g)
	if err == nil || !strings.Contains(err.Error(), "references reply which is not upstream") {
		t.Fatalf("expected upstream reference error, got %v", err)
	}
}

func loopGraph() domain.Graph {
	return domain.Graph{
		Blocks: map[string]domain.Block{
			"start": {Type: domain.BlockTypeStarter},
			"loop1": {Type: domain.BlockTypeLoop},
			"m1":    {Type: domain.BlockTypeVariables, SubBlocks: map[string]any{"variables": map[string]any{"i": "{{loop.index}}"}}},
			"m2":    {Type: domain.BlockTypeVariables},
			"after": {Type: domain.BlockTypeResponse},
		},
		Edges: []domain.Edge{
			{Source: "start", Target: "loop1"},
			{Source: "loop1", Target: "m1"},
			{Source: "m1", Target: "m2"},
			{Source: "loop1", Target: "after"},
		},
		Loops: map[string]domain.LoopSpec{
			"loop1": {Nodes: []string{"m2", "m1"}, Iterations: 3},
		},
	}
}

func TestBuildSubflowOrdering(t *testing.T) {
	w, err := Build(loopGraph())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if diff := cmp.Diff([]string{"start", "loop1", "after"}, w.TopLevelOrder()); diff != "" {
		t.Fatalf("top-level mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"m1", "m2"}, w.MemberOrder("loop1")); diff != "" {
		t.Fatalf("member order mismatch (-want +got):\n%s", diff)
	}
	if c, ok := w.ContainerOf("m2"); !ok || c != "loop1" {
		t.Fatalf("ContainerOf(m2)=%q,%v", c, ok)
	}
	if _, ok := w.Ancestors("m2")["start"]; !ok {
		t.Fatalf("member should see container's upstream blocks")
	}
}

func TestBuildRejectsEdgeBypassingContainer(t *testing.T) {
	g := loopGraph()
	g.Edges = append(g.Edges, domain.Edge{Source: "start", Target: "m2"}, domain.Edge{Source: "m2", Target: "after"})
	_, err := Build(g)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	joined := strings.Join(verr.Issues, "\n")
	if !strings.Contains(joined, "enters sub-flow loop1") || !strings.Contains(joined, "leaves sub-flow loop1") {
		t.Fatalf("missing membership issues: %v", verr.Issues)
	}
}

func TestBuildRejectsLoopRefOutsideSubflow(t *testing.T) {
	g := linearGraph()
	g.Blocks["reply"] = domain.Block{ID: "reply", Type: domain.BlockTypeResponse, SubBlocks: map[string]any{"data": "{{loop.index}}"}}
	if _, err := Build(g); err == nil {
		t.Fatalf("expected error for loop reference outside a sub-flow")
	}
}

func TestDecodeConfigFlattensEditorShape(t *testing.T) {
	cfg, err := DecodeConfig(domain.Block{Type: domain.BlockTypeWait, SubBlocks: map[string]any{
		"duration": map[string]any{"id": "duration", "type": "short-input", "value": "2s"},
	}})
	if err != nil {
		t.Fatalf("DecodeConfig: %v", err)
	}
	if got := cfg.(WaitConfig).Wait; got != 2*time.Second {
		t.Fatalf("wait=%s, want 2s", got)
	}
}

func TestDecodeConfigValidatesSchedule(t *testing.T) {
	if _, err := DecodeConfig(domain.Block{Type: domain.BlockTypeSchedule, SubBlocks: map[string]any{"cron": "not a cron"}}); err == nil {
		t.Fatalf("expected invalid cron error")
	}
	if _, err := DecodeConfig(domain.Block{Type: domain.BlockTypeSchedule, SubBlocks: map[string]any{"cron": "*/5 * * * *"}}); err != nil {
		t.Fatalf("DecodeConfig: %v", err)
	}
}

func TestDecodeYAMLAndJSON(t *testing.T) {
	yamlDoc := []byte(`
blocks:
  start:
    type: starter
  done:
    type: response
    subBlocks:
      status: 201
edges:
  - source: start
    target: done
`)
	g, err := Decode("application/yaml", yamlDoc)
	if err != nil {
		t.Fatalf("Decode yaml: %v", err)
	}
	w, err := Build(g)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if w.Config("done").(ResponseConfig).Status != 201 {
		t.Fatalf("unexpected response config: %+v", w.Config("done"))
	}

	jsonDoc := []byte(`{"blocks":{"start":{"type":"starter"}},"edges":[]}`)
	if _, err := Decode("application/json; charset=utf-8", jsonDoc); err != nil {
		t.Fatalf("Decode json: %v", err)
	}
	if _, err := Decode("application/json", nil); err == nil {
		t.Fatalf("expected empty document error")
	}
}
