package main

import (
	"errors"
	"sync"

	"github.com/pavlenko-dev/ctxd/internal/analyzer"
	"github.com/pavlenko-dev/ctxd/internal/config"
	"github.com/pavlenko-dev/ctxd/internal/control"
	"github.com/pavlenko-dev/ctxd/internal/improver"
	"github.com/pavlenko-dev/ctxd/internal/observer"
	"github.com/pavlenko-dev/ctxd/internal/schema"
	"github.com/pavlenko-dev/ctxd/internal/selfmodel"
	"github.com/pavlenko-dev/ctxd/internal/store"
	"github.com/pavlenko-dev/ctxd/internal/transport"
)

// buildDeps wires the full set of collaborators every subcommand needs,
// the way runServer does in the teacher, minus the parts that only serve
// or tick needs (those live in their own command files).
func buildDeps(cfg config.Config) (*transport.Deps, error) {
	st := store.Open(cfg.Store.Path)
	obs := observer.New(cfg.Store.AwarenessPath)
	st.SetNotifier(obs)

	catalog, err := schema.Load(cfg.Store.SchemaPath)
	if errors.Is(err, schema.ErrNoCatalog) {
		catalog = &schema.Catalog{}
	} else if err != nil {
		return nil, err
	}

	lmBaseURL := ""
	if cfg.LM.Enabled {
		lmBaseURL = cfg.LM.BaseURL
	}
	an := analyzer.New(lmBaseURL, cfg.LM.Model)

	policy := control.Policy{
		AutoApproveLow:    cfg.Control.AutoApproveLow,
		AutoApproveMedium: cfg.Control.AutoApproveMedium,
		AutoApproveHigh:   cfg.Control.AutoApproveHigh,
	}
	cp := control.New(obs, st, nil, policy, cfg.Control.PendingTTL.Duration())
	im := improver.New(st, catalog, obs, an, cp)
	cp.SetExecutor(im)

	model := selfmodel.NewCache(selfmodel.New(st, catalog, obs, an))

	return &transport.Deps{
		Store:         st,
		Obs:           obs,
		Catalog:       catalog,
		CatalogMu:     &sync.RWMutex{},
		Analyzer:      an,
		Control:       cp,
		Improver:      im,
		Model:         model,
		StorePath:     cfg.Store.Path,
		AwarenessPath: cfg.Store.AwarenessPath,
		SchemaPath:    cfg.Store.SchemaPath,
		LMBaseURL:     lmBaseURL,
	}, nil
}
