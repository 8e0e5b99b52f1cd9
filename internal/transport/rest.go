package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pavlenko-dev/ctxd/internal/control"
	"github.com/pavlenko-dev/ctxd/internal/schema"
	"github.com/pavlenko-dev/ctxd/internal/store"
)

const maxRequestBodySize = 1 << 20 // 1MB

// NewRESTHandler builds the REST surface from spec §6's endpoint table.
// The background tick is not started here — see Ticker in ticker.go.
func NewRESTHandler(deps *Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/api/health", handleHealth(deps))

	r.Get("/api/contexts", handleListContexts(deps))
	r.Post("/api/contexts", handleCreateContext(deps))
	r.Get("/api/contexts/search", handleSearchContexts(deps))
	r.Get("/api/contexts/{id}", handleGetContext(deps))
	r.Put("/api/contexts/{id}", handleUpdateContext(deps))
	r.Delete("/api/contexts/{id}", handleDeleteContext(deps))

	r.Get("/api/schema", handleGetSchema(deps))
	r.Put("/api/schema", handlePutSchema(deps))

	r.Get("/api/awareness", handleAwareness(deps))
	r.Post("/api/analyze", handleAnalyze(deps))

	r.Get("/api/pending-actions", handleListPending(deps))
	r.Post("/api/pending-actions/{id}/approve", handleApprovePending(deps))
	r.Post("/api/pending-actions/{id}/dismiss", handleDismissPending(deps))
	r.Post("/api/pending-actions/bulk", handleBulkPending(deps))

	r.Get("/api/bubbles", handleListBubbles(deps))
	r.Post("/api/bubbles", handleCreateBubble(deps))
	r.Get("/api/bubbles/{id}", handleGetBubble(deps))
	r.Put("/api/bubbles/{id}", handleUpdateBubble(deps))
	r.Delete("/api/bubbles/{id}", handleDeleteBubble(deps))
	r.Get("/api/bubbles/{id}/contexts", handleBubbleContexts(deps))

	return r
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"message": msg, "type": errType},
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func handleHealth(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "ok"
		writeJSON(w, http.StatusOK, map[string]any{
			"status":        status,
			"storePath":     deps.StorePath,
			"awarenessPath": deps.AwarenessPath,
			"lmHost":        deps.LMBaseURL,
		})
	}
}

func handleListContexts(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := deps.Store.List(r.URL.Query().Get("tag"))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list contexts: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, entries)
	}
}

type createContextRequest struct {
	Content  string   `json:"content"`
	Tags     []string `json:"tags"`
	Source   string   `json:"source"`
	BubbleID string   `json:"bubbleId"`
}

func handleCreateContext(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req createContextRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Content == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "content is required")
			return
		}
		e, err := deps.Store.Save(store.SaveInput{
			Content: req.Content,
			Tags:    req.Tags,
			Source:  req.Source,
			GroupID: req.BubbleID,
		})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save: %v", err)
			return
		}
		writeJSON(w, http.StatusCreated, e)
	}
}

func handleSearchContexts(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := deps.Store.Search(r.URL.Query().Get("q"))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "search failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, entries)
	}
}

func handleGetContext(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		e, err := deps.Store.Get(id)
		if errors.Is(err, store.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "context %q not found", id)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get context: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, e)
	}
}

type updateContextRequest struct {
	Content  *string   `json:"content"`
	Tags     *[]string `json:"tags"`
	Source   *string   `json:"source"`
	BubbleID *string   `json:"bubbleId"`
}

func handleUpdateContext(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req updateContextRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		e, err := deps.Store.Update(id, store.UpdateInput{
			Content: req.Content,
			Tags:    req.Tags,
			Source:  req.Source,
			GroupID: req.BubbleID,
		})
		if errors.Is(err, store.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "context %q not found", id)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to update context: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, e)
	}
}

func handleDeleteContext(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		err := deps.Store.Delete(id)
		if errors.Is(err, store.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "context %q not found", id)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete context: %v", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleGetSchema(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c := deps.catalogSnapshot()
		writeJSON(w, http.StatusOK, c)
	}
}

func handlePutSchema(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var next schema.Catalog
		if err := json.NewDecoder(r.Body).Decode(&next); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid catalog JSON: %v", err)
			return
		}
		if err := deps.replaceCatalog(next); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save catalog: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, next)
	}
}

func handleAwareness(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deep := r.URL.Query().Get("deep") == "true"
		m, err := deps.Model.Get(deep)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to compute self-model: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, m)
	}
}

type analyzeRequest struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params"`
}

func handleAnalyze(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req analyzeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		entries, err := deps.Store.List("")
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list contexts: %v", err)
			return
		}

		source := "deterministic"
		if deps.Analyzer.Available(r.Context()) {
			source = "lm"
		}

		var result any
		switch req.Action {
		case "contradictions":
			result, err = deps.Analyzer.FindContradictions(entries)
		case "suggest_schema":
			result, err = deps.Analyzer.SuggestSchema(entries)
		case "summarize":
			focus, _ := req.Params["focus"].(string)
			result, err = deps.Analyzer.Summarize(entries, focus)
		case "rank":
			query, _ := req.Params["query"].(string)
			result, err = deps.Analyzer.RankByRelevance(entries, query)
		default:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown analyze action %q", req.Action)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "analysis failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"source": source, "result": result})
	}
}

func handleListPending(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := r.URL.Query().Get("status")
		if status == "" {
			status = control.StatusPending
		}
		pending, err := deps.Control.ListPending(status)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list pending actions: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, pending)
	}
}

func handleApprovePending(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		result, err := deps.Control.Approve(id)
		if err == nil && !result.Applicable {
			httpError(w, http.StatusNotFound, "not_found", "pending action %q not found", id)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "approve failed: %v", err)
			return
		}
		deps.Model.Invalidate()
		writeJSON(w, http.StatusOK, result)
	}
}

type dismissRequest struct {
	Reason string `json:"reason"`
}

func handleDismissPending(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var req dismissRequest
		if r.ContentLength > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
				return
			}
		}
		result, err := deps.Control.Dismiss(id, req.Reason)
		if err == nil && !result.Applicable {
			httpError(w, http.StatusNotFound, "not_found", "pending action %q not found", id)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "dismiss failed: %v", err)
			return
		}
		deps.Model.Invalidate()
		w.WriteHeader(http.StatusNoContent)
	}
}

type bulkPendingRequest struct {
	ActionIDs []string `json:"action_ids"`
	Decision  string   `json:"decision"`
}

func handleBulkPending(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req bulkPendingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		var results []control.ExecResult
		var err error
		switch req.Decision {
		case "approve":
			results, err = deps.Control.ApproveBulk(req.ActionIDs)
		case "dismiss":
			results, err = deps.Control.DismissBulk(req.ActionIDs, "")
		default:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown decision %q", req.Decision)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "bulk %s failed: %v", req.Decision, err)
			return
		}
		deps.Model.Invalidate()
		writeJSON(w, http.StatusOK, results)
	}
}

func handleListBubbles(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		groups, err := deps.Store.ListGroups()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list bubbles: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, groups)
	}
}

type createBubbleRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func handleCreateBubble(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req createBubbleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Name == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "name is required")
			return
		}
		g, err := deps.Store.CreateGroup(req.Name, req.Description)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to create bubble: %v", err)
			return
		}
		writeJSON(w, http.StatusCreated, g)
	}
}

func handleGetBubble(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		groups, err := deps.Store.ListGroups()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list bubbles: %v", err)
			return
		}
		for _, g := range groups {
			if g.ID == id {
				writeJSON(w, http.StatusOK, g)
				return
			}
		}
		httpError(w, http.StatusNotFound, "not_found", "bubble %q not found", id)
	}
}

func handleUpdateBubble(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req createBubbleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		var name, description *string
		if req.Name != "" {
			name = &req.Name
		}
		if req.Description != "" {
			description = &req.Description
		}
		g, err := deps.Store.UpdateGroup(id, name, description)
		if errors.Is(err, store.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "bubble %q not found", id)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to update bubble: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, g)
	}
}

func handleDeleteBubble(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		cascade := r.URL.Query().Get("cascade") == "true"
		err := deps.Store.DeleteGroup(id, cascade)
		if errors.Is(err, store.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "bubble %q not found", id)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete bubble: %v", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleBubbleContexts(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		entries, err := deps.Store.EntriesByGroup(id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list bubble contexts: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, entries)
	}
}
