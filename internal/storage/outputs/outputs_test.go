package outputs

import (
	"context"
	"strings"
	"testing"

	"github.com/blockflow-labs/blockflow-go/internal/domain"
	"github.com/google/go-cmp/cmp"
)

func TestSmallOutputsStayInline(t *testing.T) {
	store := NewStore(NewMemoryBlob(), Config{InlineLimit: 1024})
	out, ref, err := store.Save(context.Background(), "job-1", domain.Metadata{"ok": true})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if ref != "" || out["ok"] != true {
		t.Fatalf("expected inline output, got ref=%q out=%v", ref, out)
	}
}

func TestLargeOutputsAreOffloaded(t *testing.T) {
	blob := NewMemoryBlob()
	store := NewStore(blob, Config{InlineLimit: 16})
	big := domain.Metadata{"data": strings.Repeat("x", 64)}

	out, ref, err := store.Save(context.Background(), "job-2", big)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if ref != "jobs/job-2/output.json" {
		t.Fatalf("ref = %q", ref)
	}
	if out["offloaded"] != true {
		t.Fatalf("expected stub output, got %v", out)
	}
	loaded, err := store.Load(context.Background(), ref)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if diff := cmp.Diff(big, loaded); diff != "" {
		t.Fatalf("loaded output mismatch (-want +got):\n%s", diff)
	}
}

func TestNilBlobKeepsInline(t *testing.T) {
	store := NewStore(nil, Config{InlineLimit: 1})
	out, ref, err := store.Save(context.Background(), "job", domain.Metadata{"a": "bcdef"})
	if err != nil || ref != "" || out["a"] != "bcdef" {
		t.Fatalf("out=%v ref=%q err=%v", out, ref, err)
	}
}
