package transport

import (
	"context"
	"testing"

	"github.com/pavlenko-dev/ctxd/internal/store"
)

func TestTickerRunOnceInvalidatesTheModelCache(t *testing.T) {
	deps := newTestDeps(t)

	if _, err := deps.Store.Save(store.SaveInput{Content: "some fact about the system"}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	first, err := deps.Model.Get(false)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if first.Identity.ActiveCount != 1 {
		t.Fatalf("expected 1 active entry cached, got %d", first.Identity.ActiveCount)
	}

	if _, err := deps.Store.Save(store.SaveInput{Content: "another fact about the system"}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	stale, err := deps.Model.Get(false)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stale.Identity.ActiveCount != 1 {
		t.Fatalf("expected the cache to still report 1 before invalidation, got %d", stale.Identity.ActiveCount)
	}

	ticker := NewTicker(deps.Improver, deps.Model, 0)
	ticker.runOnce(context.Background())

	fresh, err := deps.Model.Get(false)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if fresh.Identity.ActiveCount != 2 {
		t.Fatalf("expected the tick to invalidate the cache, got %d active entries", fresh.Identity.ActiveCount)
	}
}
