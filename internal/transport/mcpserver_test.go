package transport

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/pavlenko-dev/ctxd/internal/store"
)

func newReq(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

func isErrorResult(result *mcp.CallToolResult) bool {
	return result != nil && result.IsError
}

func resultText(result *mcp.CallToolResult) string {
	if result == nil || len(result.Content) == 0 {
		return ""
	}
	if tc, ok := result.Content[0].(mcp.TextContent); ok {
		return tc.Text
	}
	return ""
}

func TestMCPSaveContextThenRecall(t *testing.T) {
	deps := newTestDeps(t)

	res, err := mcpSaveContext(deps)(context.Background(), newReq(map[string]any{
		"content": "prefer tabs over spaces",
		"tags":    []any{"style"},
	}))
	if err != nil {
		t.Fatalf("save_context: %v", err)
	}
	if isErrorResult(res) {
		t.Fatalf("save_context returned an error: %s", resultText(res))
	}

	var saved store.Entry
	if err := json.Unmarshal([]byte(resultText(res)), &saved); err != nil {
		t.Fatalf("decoding saved entry: %v", err)
	}
	if saved.ID == "" {
		t.Fatalf("expected a non-empty entry ID")
	}

	recallRes, err := mcpRecall(deps)(context.Background(), newReq(map[string]any{"query": "tabs"}))
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	var recalled []store.Entry
	if err := json.Unmarshal([]byte(resultText(recallRes)), &recalled); err != nil {
		t.Fatalf("decoding recall result: %v", err)
	}
	if len(recalled) != 1 || recalled[0].ID != saved.ID {
		t.Fatalf("expected recall to find the saved entry, got %+v", recalled)
	}
}

func TestMCPSaveContextMissingContentIsError(t *testing.T) {
	deps := newTestDeps(t)
	res, err := mcpSaveContext(deps)(context.Background(), newReq(nil))
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}
	if !isErrorResult(res) {
		t.Fatalf("expected an error result for missing content")
	}
}

func TestMCPDeleteContextNotFoundReportsNotFound(t *testing.T) {
	deps := newTestDeps(t)
	res, err := mcpDeleteContext(deps)(context.Background(), newReq(map[string]any{"id": "missing"}))
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}
	if !isErrorResult(res) || !strings.Contains(resultText(res), "not found") {
		t.Fatalf("expected a not-found error result, got %+v", res)
	}
}

func TestMCPSaveGroupThenUpdateThenDelete(t *testing.T) {
	deps := newTestDeps(t)

	saveRes, err := mcpSaveGroup(deps)(context.Background(), newReq(map[string]any{"name": "proj"}))
	if err != nil {
		t.Fatalf("save_group: %v", err)
	}
	var g store.Group
	if err := json.Unmarshal([]byte(resultText(saveRes)), &g); err != nil {
		t.Fatalf("decoding group: %v", err)
	}

	updateRes, err := mcpUpdateGroup(deps)(context.Background(), newReq(map[string]any{"id": g.ID, "name": "renamed"}))
	if err != nil {
		t.Fatalf("update_group: %v", err)
	}
	var updated store.Group
	if err := json.Unmarshal([]byte(resultText(updateRes)), &updated); err != nil {
		t.Fatalf("decoding updated group: %v", err)
	}
	if updated.Name != "renamed" {
		t.Fatalf("expected renamed group, got %+v", updated)
	}

	deleteRes, err := mcpDeleteGroup(deps)(context.Background(), newReq(map[string]any{"id": g.ID}))
	if err != nil {
		t.Fatalf("delete_group: %v", err)
	}
	if isErrorResult(deleteRes) {
		t.Fatalf("delete_group returned an error: %s", resultText(deleteRes))
	}
}

func TestMCPSaveTypedContextRejectsUnknownType(t *testing.T) {
	deps := newTestDeps(t)
	res, err := mcpSaveTypedContext(deps)(context.Background(), newReq(map[string]any{
		"typeName": "nonexistent",
		"data":     `{"foo":"bar"}`,
	}))
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}
	if isErrorResult(res) {
		t.Fatalf("save_typed_context returned a transport error rather than validation errors: %s", resultText(res))
	}

	var decoded struct {
		Entry            map[string]any `json:"entry"`
		ValidationErrors []string       `json:"validationErrors"`
	}
	if err := json.Unmarshal([]byte(resultText(res)), &decoded); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(decoded.ValidationErrors) == 0 {
		t.Fatalf("expected validation errors for an undeclared type")
	}
}

func TestMCPIntrospectReflectsSavedEntries(t *testing.T) {
	deps := newTestDeps(t)
	if _, err := deps.Store.Save(store.SaveInput{Content: "note one"}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	res, err := mcpIntrospect(deps)(context.Background(), newReq(nil))
	if err != nil {
		t.Fatalf("introspect: %v", err)
	}
	if !strings.Contains(resultText(res), "1 active entries") {
		t.Fatalf("expected rendering to mention 1 active entry, got: %s", resultText(res))
	}
}

func TestMCPReviewPendingActionsAfterTick(t *testing.T) {
	deps := newTestDeps(t)

	entries := make([]store.Entry, 0, 4)
	for i := 0; i < 4; i++ {
		e, err := deps.Store.Save(store.SaveInput{Content: "shared keyword content about testing systems"})
		if err != nil {
			t.Fatalf("Save: %v", err)
		}
		entries = append(entries, e)
	}
	_ = entries

	if _, err := deps.Improver.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	reviewRes, err := mcpReviewPendingActions(deps)(context.Background(), newReq(nil))
	if err != nil {
		t.Fatalf("review_pending_actions: %v", err)
	}
	if isErrorResult(reviewRes) {
		t.Fatalf("review_pending_actions returned an error: %s", resultText(reviewRes))
	}
}
