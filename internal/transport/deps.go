// Package transport hosts the two adapters described in spec §4.H: an
// MCP stdio tool-call server (mcpserver.go) and a REST/JSON server
// (rest.go), both built on the same Deps and sharing the store and
// awareness files the way the spec requires when they run in one process.
package transport

import (
	"sync"

	"github.com/pavlenko-dev/ctxd/internal/analyzer"
	"github.com/pavlenko-dev/ctxd/internal/control"
	"github.com/pavlenko-dev/ctxd/internal/improver"
	"github.com/pavlenko-dev/ctxd/internal/observer"
	"github.com/pavlenko-dev/ctxd/internal/schema"
	"github.com/pavlenko-dev/ctxd/internal/selfmodel"
	"github.com/pavlenko-dev/ctxd/internal/store"
)

// Deps is the full set of collaborators either adapter needs. Catalog is
// never nil — an absent schema file is represented as an empty, zero-Type
// Catalog{} shared by pointer with the Store's validator argument, the
// selfmodel Builder, and the Improver, so a later PUT /api/schema (which
// mutates *Catalog in place under CatalogMu) is visible to every
// component without re-wiring them.
type Deps struct {
	Store         *store.Store
	Obs           *observer.Observer
	Catalog       *schema.Catalog
	CatalogMu     *sync.RWMutex
	Analyzer      *analyzer.Analyzer
	Control       *control.Plane
	Improver      *improver.Improver
	Model         *selfmodel.Cache
	StorePath     string
	AwarenessPath string
	SchemaPath    string
	LMBaseURL     string
}

// catalogSnapshot returns a defensive value copy of the current catalog for
// handlers that only read it.
func (d *Deps) catalogSnapshot() schema.Catalog {
	d.CatalogMu.RLock()
	defer d.CatalogMu.RUnlock()
	return *d.Catalog
}

// replaceCatalog swaps the shared catalog's contents in place and persists
// it, so every component holding the original *schema.Catalog pointer sees
// the update on its next read.
func (d *Deps) replaceCatalog(next schema.Catalog) error {
	d.CatalogMu.Lock()
	defer d.CatalogMu.Unlock()
	*d.Catalog = next
	return schema.Save(d.SchemaPath, d.Catalog)
}
