package transport

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/pavlenko-dev/ctxd/internal/analyzer"
	"github.com/pavlenko-dev/ctxd/internal/control"
	"github.com/pavlenko-dev/ctxd/internal/improver"
	"github.com/pavlenko-dev/ctxd/internal/observer"
	"github.com/pavlenko-dev/ctxd/internal/schema"
	"github.com/pavlenko-dev/ctxd/internal/selfmodel"
	"github.com/pavlenko-dev/ctxd/internal/store"
)

// newTestDeps wires a full Deps against a temp directory, exactly the way
// cmd/ctxd assembles one, but with the analyzer permanently unavailable
// (empty base URL) so every analyzer-backed handler exercises its
// deterministic fallback without a network dependency.
func newTestDeps(t *testing.T) *Deps {
	t.Helper()
	dir := t.TempDir()
	storePath := filepath.Join(dir, "store.json")
	awarenessPath := filepath.Join(dir, "awareness.json")
	schemaPath := filepath.Join(dir, "schema.json")

	st := store.Open(storePath)
	obs := observer.New(awarenessPath)
	st.SetNotifier(obs)

	catalog := &schema.Catalog{Version: 1}
	an := analyzer.New("", "")

	cp := control.New(obs, st, nil, control.DefaultPolicy(), 0)
	im := improver.New(st, catalog, obs, an, cp)
	cp.SetExecutor(im)

	model := selfmodel.NewCache(selfmodel.New(st, catalog, obs, an))

	return &Deps{
		Store:         st,
		Obs:           obs,
		Catalog:       catalog,
		CatalogMu:     &sync.RWMutex{},
		Analyzer:      an,
		Control:       cp,
		Improver:      im,
		Model:         model,
		StorePath:     storePath,
		AwarenessPath: awarenessPath,
		SchemaPath:    schemaPath,
		LMBaseURL:     "",
	}
}
