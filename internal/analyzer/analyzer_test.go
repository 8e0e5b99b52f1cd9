package analyzer

import (
	"testing"

	"github.com/pavlenko-dev/ctxd/internal/store"
)

func TestUnavailableAnalyzerFallsBackToDeterministicContradictions(t *testing.T) {
	a := New("", "") // no endpoint configured, permanently unavailable
	entries := []store.Entry{
		{ID: "e1", TypeName: "guideline", Content: "Prefer composition over inheritance"},
		{ID: "e2", TypeName: "guideline", Content: "Use inheritance for this pattern"},
	}
	got, err := a.FindContradictions(entries)
	if err != nil {
		t.Fatalf("FindContradictions: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 contradiction via fallback, got %+v", got)
	}
}

func TestSuggestSchemaBelowThreeReturnsEmpty(t *testing.T) {
	a := New("", "")
	got, err := a.SuggestSchema([]store.Entry{{ID: "e1"}, {ID: "e2"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no suggestions below 3 entries, got %+v", got)
	}
}

func TestSuggestSchemaFallbackGroupsByFirstTag(t *testing.T) {
	a := New("", "")
	entries := []store.Entry{
		{ID: "e1", Content: "a", Tags: []string{"recipe"}},
		{ID: "e2", Content: "b", Tags: []string{"recipe"}},
		{ID: "e3", Content: "c", Tags: []string{"recipe"}},
		{ID: "e4", Content: "d", Tags: []string{"todo"}},
	}
	got, err := a.SuggestSchema(entries)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].TypeName != "recipe" {
		t.Fatalf("expected one suggestion for 'recipe' group, got %+v", got)
	}
}

func TestSummarizeFallbackDigest(t *testing.T) {
	a := New("", "")
	entries := []store.Entry{
		{ID: "e1", TypeName: "decision", UpdatedAt: "2026-01-01T00:00:00Z"},
		{ID: "e2", TypeName: "decision", UpdatedAt: "2026-01-02T00:00:00Z"},
	}
	got, err := a.Summarize(entries, "")
	if err != nil {
		t.Fatal(err)
	}
	if got == "" {
		t.Fatalf("expected non-empty fallback summary")
	}
}

func TestRankByRelevanceFallbackOverlap(t *testing.T) {
	a := New("", "")
	entries := []store.Entry{
		{ID: "e1", Content: "deployment runbook for staging"},
		{ID: "e2", Content: "grocery list"},
	}
	ranked, err := a.RankByRelevance(entries, "deployment staging")
	if err != nil {
		t.Fatal(err)
	}
	if len(ranked) != 2 || ranked[0].Entry.ID != "e1" {
		t.Fatalf("expected e1 ranked first, got %+v", ranked)
	}
}

func TestFirstJSONObjectStripsCodeFence(t *testing.T) {
	raw := "```json\n{\"contradiction\": true, \"explanation\": \"x\"}\n```"
	obj, ok := firstJSONObject(raw)
	if !ok {
		t.Fatalf("expected to find a JSON object")
	}
	if obj == "" {
		t.Fatalf("expected non-empty object")
	}
}
