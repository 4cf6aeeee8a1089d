package index

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/impulseguard/impulsed/internal/memory"
)

func openTestIndex(t *testing.T) *Index {
	t.Helper()
	dir := t.TempDir()
	idx, err := Open(filepath.Join(dir, "index.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestReindexAndRoundTripQuery(t *testing.T) {
	idx := openTestIndex(t)
	contents := map[memory.FileName]string{
		memory.FileGoals:    "# Goals\n\n## Aspirations\n\n- saving for a down payment on a house\n",
		memory.FileBehavior: memory.Template(memory.FileBehavior),
	}
	if err := idx.Reindex(context.Background(), contents); err != nil {
		t.Fatalf("Reindex: %v", err)
	}

	n, err := idx.Count(context.Background())
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n == 0 {
		t.Fatalf("expected a non-trivial index after Reindex")
	}

	results, err := idx.Query(context.Background(), "saving for a down payment on a house", 1, nil)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) == 0 {
		t.Fatalf("expected at least one result")
	}
	if results[0].File != memory.FileGoals {
		t.Errorf("expected the down-payment chunk to round-trip from Goals.md, got %v: %q", results[0].File, results[0].Content)
	}
}

func TestQueryFilterRestrictsToFiles(t *testing.T) {
	idx := openTestIndex(t)
	contents := map[memory.FileName]string{
		memory.FileGoals:  "# Goals\n\n## Aspirations\n\n- wants to buy a car\n",
		memory.FileBudget: "# Budget\n\n## Limits\n\n- monthly dining budget is $200\n",
	}
	if err := idx.Reindex(context.Background(), contents); err != nil {
		t.Fatalf("Reindex: %v", err)
	}

	results, err := idx.Query(context.Background(), "car", 5, []memory.FileName{memory.FileBudget})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	for _, r := range results {
		if r.File != memory.FileBudget {
			t.Errorf("expected only Budget.md chunks, got %v", r.File)
		}
	}
}

func TestUpsertIsIdempotent(t *testing.T) {
	idx := openTestIndex(t)
	c := memory.Chunk{ID: "Behavior.md_0", File: memory.FileBehavior, Section: "Observed Behaviors", Content: "bought sneakers impulsively"}
	if err := idx.Upsert(context.Background(), []memory.Chunk{c}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	c.Content = "bought sneakers impulsively at midnight"
	if err := idx.Upsert(context.Background(), []memory.Chunk{c}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	n, err := idx.Count(context.Background())
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected idempotent replace to keep a single row for id %q, got %d rows", c.ID, n)
	}
}

func TestEmbedDeterministic(t *testing.T) {
	a := Embed("the quick brown fox")
	b := Embed("the quick brown fox")
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("Embed is not deterministic at index %d: %v != %v", i, a[i], b[i])
		}
	}
}

func TestCosineSimilarityIdentical(t *testing.T) {
	v := Embed("saving for a car")
	if sim := CosineSimilarity(v, v); sim < 0.999 {
		t.Errorf("expected self-similarity near 1.0, got %v", sim)
	}
}
