package transport

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pavlenko-dev/ctxd/internal/store"
)

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		r = httptest.NewRequest(method, path, bytes.NewReader(b))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestRESTHealth(t *testing.T) {
	deps := newTestDeps(t)
	h := NewRESTHandler(deps)

	w := doJSON(t, h, http.MethodGet, "/api/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestRESTCreateGetUpdateDeleteContext(t *testing.T) {
	deps := newTestDeps(t)
	h := NewRESTHandler(deps)

	w := doJSON(t, h, http.MethodPost, "/api/contexts", createContextRequest{Content: "remember this"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var created store.Entry
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode created entry: %v", err)
	}

	w = doJSON(t, h, http.MethodGet, "/api/contexts/"+created.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	newContent := "updated content"
	w = doJSON(t, h, http.MethodPut, "/api/contexts/"+created.ID, updateContextRequest{Content: &newContent})
	if w.Code != http.StatusOK {
		t.Fatalf("update: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var updated store.Entry
	if err := json.Unmarshal(w.Body.Bytes(), &updated); err != nil {
		t.Fatalf("decode updated entry: %v", err)
	}
	if updated.Content != newContent {
		t.Fatalf("expected updated content, got %q", updated.Content)
	}

	w = doJSON(t, h, http.MethodDelete, "/api/contexts/"+created.ID, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, h, http.MethodGet, "/api/contexts/"+created.ID, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", w.Code)
	}
}

func TestRESTCreateContextMissingContentIsBadRequest(t *testing.T) {
	deps := newTestDeps(t)
	h := NewRESTHandler(deps)

	w := doJSON(t, h, http.MethodPost, "/api/contexts", createContextRequest{})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestRESTSchemaGetAndPutIsVisibleImmediately(t *testing.T) {
	deps := newTestDeps(t)
	h := NewRESTHandler(deps)

	w := doJSON(t, h, http.MethodGet, "/api/schema", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get schema: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	next := map[string]any{
		"version": 2,
		"types": []map[string]any{
			{
				"name":        "decision",
				"description": "a decision made and its rationale",
				"fields":      map[string]any{},
			},
		},
	}
	w = doJSON(t, h, http.MethodPut, "/api/schema", next)
	if w.Code != http.StatusOK {
		t.Fatalf("put schema: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	if got := deps.catalogSnapshot(); got.Version != 2 {
		t.Fatalf("expected the shared catalog pointer to reflect the update, got version %d", got.Version)
	}
}

func TestRESTBubbleLifecycle(t *testing.T) {
	deps := newTestDeps(t)
	h := NewRESTHandler(deps)

	w := doJSON(t, h, http.MethodPost, "/api/bubbles", createBubbleRequest{Name: "proj"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create bubble: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var g store.Group
	if err := json.Unmarshal(w.Body.Bytes(), &g); err != nil {
		t.Fatalf("decode bubble: %v", err)
	}

	w = doJSON(t, h, http.MethodPost, "/api/contexts", createContextRequest{Content: "note", BubbleID: g.ID})
	if w.Code != http.StatusCreated {
		t.Fatalf("create context in bubble: expected 201, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, h, http.MethodGet, "/api/bubbles/"+g.ID+"/contexts", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("bubble contexts: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var entries []store.Entry
	if err := json.Unmarshal(w.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decode bubble contexts: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry in bubble, got %d", len(entries))
	}

	w = doJSON(t, h, http.MethodDelete, "/api/bubbles/"+g.ID, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete bubble: expected 204, got %d: %s", w.Code, w.Body.String())
	}
}

func TestRESTPendingActionApproveNotFound(t *testing.T) {
	deps := newTestDeps(t)
	h := NewRESTHandler(deps)

	w := doJSON(t, h, http.MethodPost, "/api/pending-actions/missing/approve", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", w.Code, w.Body.String())
	}
}

func TestRESTAnalyzeUnknownActionIsBadRequest(t *testing.T) {
	deps := newTestDeps(t)
	h := NewRESTHandler(deps)

	w := doJSON(t, h, http.MethodPost, "/api/analyze", analyzeRequest{Action: "not_a_real_action"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestRESTAwarenessReflectsSavedEntries(t *testing.T) {
	deps := newTestDeps(t)
	h := NewRESTHandler(deps)

	doJSON(t, h, http.MethodPost, "/api/contexts", createContextRequest{Content: "one fact"})

	w := doJSON(t, h, http.MethodGet, "/api/awareness", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode awareness: %v", err)
	}
	identity, ok := body["identity"].(map[string]any)
	if !ok {
		t.Fatalf("expected an identity object in the self-model, got %+v", body)
	}
	if identity["activeCount"] != float64(1) {
		t.Fatalf("expected activeCount 1, got %+v", identity["activeCount"])
	}
}
