package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/pavlenko-dev/ctxd/internal/control"
	"github.com/pavlenko-dev/ctxd/internal/selfmodel"
	"github.com/pavlenko-dev/ctxd/internal/store"
)

// NewMCPServer registers the 23-tool stdio surface from spec §4.H/§6. No
// background work runs here — the ticker only exists on the REST side.
func NewMCPServer(deps *Deps) *server.MCPServer {
	s := server.NewMCPServer(
		"ctxd",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("ctxd — a local, self-aware context store for AI agents."),
		server.WithRecovery(),
	)

	s.AddTool(mcp.NewTool("save_context",
		mcp.WithDescription("Save a new context entry."),
		mcp.WithString("content", mcp.Description("The text content to store"), mcp.Required()),
		mcp.WithArray("tags", mcp.Description("Optional tags")),
		mcp.WithString("source", mcp.Description("Where this entry came from")),
		mcp.WithString("groupId", mcp.Description("Optional group ID")),
	), mcpSaveContext(deps))

	s.AddTool(mcp.NewTool("recall",
		mcp.WithDescription("Substring search over context content and tags."),
		mcp.WithString("query", mcp.Description("Search text"), mcp.Required()),
	), mcpRecall(deps))

	s.AddTool(mcp.NewTool("search",
		mcp.WithDescription("Multi-term conjunctive search over content, tags, and source."),
		mcp.WithString("query", mcp.Description("Search text"), mcp.Required()),
	), mcpSearch(deps))

	s.AddTool(mcp.NewTool("list_contexts",
		mcp.WithDescription("List active context entries, optionally filtered by tag."),
		mcp.WithString("tag", mcp.Description("Optional tag filter")),
	), mcpListContexts(deps))

	s.AddTool(mcp.NewTool("update_context",
		mcp.WithDescription("Update fields of an existing context entry."),
		mcp.WithString("id", mcp.Description("Entry ID"), mcp.Required()),
		mcp.WithString("content", mcp.Description("New content")),
		mcp.WithArray("tags", mcp.Description("New tags")),
		mcp.WithString("source", mcp.Description("New source")),
		mcp.WithString("groupId", mcp.Description("New group ID")),
	), mcpUpdateContext(deps))

	s.AddTool(mcp.NewTool("delete_context",
		mcp.WithDescription("Delete a context entry by ID."),
		mcp.WithString("id", mcp.Description("Entry ID"), mcp.Required()),
	), mcpDeleteContext(deps))

	s.AddTool(mcp.NewTool("save_group",
		mcp.WithDescription("Create a new group."),
		mcp.WithString("name", mcp.Description("Group name"), mcp.Required()),
		mcp.WithString("description", mcp.Description("Optional description")),
	), mcpSaveGroup(deps))

	s.AddTool(mcp.NewTool("list_groups",
		mcp.WithDescription("List every group."),
	), mcpListGroups(deps))

	s.AddTool(mcp.NewTool("update_group",
		mcp.WithDescription("Rename a group or replace its description."),
		mcp.WithString("id", mcp.Description("Group ID"), mcp.Required()),
		mcp.WithString("name", mcp.Description("New name")),
		mcp.WithString("description", mcp.Description("New description")),
	), mcpUpdateGroup(deps))

	s.AddTool(mcp.NewTool("delete_group",
		mcp.WithDescription("Delete a group."),
		mcp.WithString("id", mcp.Description("Group ID"), mcp.Required()),
		mcp.WithBoolean("cascade", mcp.Description("If true, delete member entries too; otherwise orphan them")),
	), mcpDeleteGroup(deps))

	s.AddTool(mcp.NewTool("describe_schema",
		mcp.WithDescription("Return the human-readable description of the declared context type catalog."),
	), mcpDescribeSchema(deps))

	s.AddTool(mcp.NewTool("save_typed_context",
		mcp.WithDescription("Save a context entry against a declared type, validating its structured data."),
		mcp.WithString("typeName", mcp.Description("Declared context type"), mcp.Required()),
		mcp.WithString("data", mcp.Description("JSON object of structured field values"), mcp.Required()),
		mcp.WithArray("tags", mcp.Description("Optional tags")),
		mcp.WithString("source", mcp.Description("Where this entry came from")),
		mcp.WithString("groupId", mcp.Description("Optional group ID")),
	), mcpSaveTypedContext(deps))

	s.AddTool(mcp.NewTool("query_by_type",
		mcp.WithDescription("Query active entries of a declared type by structured-data filter, optionally ranked by relevance."),
		mcp.WithString("typeName", mcp.Description("Declared context type"), mcp.Required()),
		mcp.WithString("filter", mcp.Description("JSON object of field=value constraints")),
		mcp.WithBoolean("ranked", mcp.Description("If true, order results by relevance to query")),
		mcp.WithString("query", mcp.Description("Relevance query, used only when ranked=true")),
	), mcpQueryByType(deps))

	s.AddTool(mcp.NewTool("introspect",
		mcp.WithDescription("Return the current self-model: identity, coverage, freshness, gaps, contradictions, health."),
		mcp.WithBoolean("deep", mcp.Description("If true, use the analyzer-enriched contradiction check")),
	), mcpIntrospect(deps))

	s.AddTool(mcp.NewTool("get_gaps",
		mcp.WithDescription("Return only the self-model's gap list."),
	), mcpGetGaps(deps))

	s.AddTool(mcp.NewTool("report_usefulness",
		mcp.WithDescription("Record whether an entry was helpful when it was used."),
		mcp.WithString("entryId", mcp.Description("Entry ID"), mcp.Required()),
		mcp.WithBoolean("helpful", mcp.Description("Whether the entry was helpful"), mcp.Required()),
	), mcpReportUsefulness(deps))

	s.AddTool(mcp.NewTool("analyze_contradictions",
		mcp.WithDescription("Run contradiction detection over active entries (LM-backed when available, deterministic otherwise)."),
	), mcpAnalyzeContradictions(deps))

	s.AddTool(mcp.NewTool("suggest_schema",
		mcp.WithDescription("Propose context types for untyped entries."),
	), mcpSuggestSchema(deps))

	s.AddTool(mcp.NewTool("summarize_context",
		mcp.WithDescription("Summarize a set of entries, optionally focused on a topic."),
		mcp.WithArray("ids", mcp.Description("Entry IDs to summarize; all active entries if omitted")),
		mcp.WithString("focus", mcp.Description("Optional focus topic")),
	), mcpSummarizeContext(deps))

	s.AddTool(mcp.NewTool("get_improvements",
		mcp.WithDescription("List improvement journal entries since a timestamp (default: last 7 days)."),
		mcp.WithString("since", mcp.Description("RFC3339 timestamp")),
	), mcpGetImprovements(deps))

	s.AddTool(mcp.NewTool("review_pending_actions",
		mcp.WithDescription("List pending (or a specific status of) control-plane actions awaiting approval."),
		mcp.WithString("status", mcp.Description("Filter by status; defaults to pending")),
	), mcpReviewPendingActions(deps))

	s.AddTool(mcp.NewTool("approve_action",
		mcp.WithDescription("Approve and execute a pending action."),
		mcp.WithString("id", mcp.Description("Pending action ID"), mcp.Required()),
	), mcpApproveAction(deps))

	s.AddTool(mcp.NewTool("dismiss_action",
		mcp.WithDescription("Dismiss a pending action without executing it."),
		mcp.WithString("id", mcp.Description("Pending action ID"), mcp.Required()),
		mcp.WithString("reason", mcp.Description("Optional dismissal reason")),
	), mcpDismissAction(deps))

	return s
}

func boolArg(req mcp.CallToolRequest, key string, defaultVal bool) bool {
	v, ok := req.GetArguments()[key].(bool)
	if !ok {
		return defaultVal
	}
	return v
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}}}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: msg}},
		IsError: true,
	}
}

func mcpJSON(v any) *mcp.CallToolResult {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err))
	}
	return mcpText(string(b))
}

func mcpSaveContext(deps *Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}
		e, err := deps.Store.Save(store.SaveInput{
			Content: content,
			Tags:    req.GetStringSlice("tags", nil),
			Source:  req.GetString("source", ""),
			GroupID: req.GetString("groupId", ""),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to save: %v", err)), nil
		}
		return mcpJSON(e), nil
	}
}

func mcpRecall(deps *Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		entries, err := deps.Store.Recall(query)
		if err != nil {
			return mcpError(fmt.Sprintf("recall failed: %v", err)), nil
		}
		return mcpJSON(entries), nil
	}
}

func mcpSearch(deps *Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		entries, err := deps.Store.Search(query)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		return mcpJSON(entries), nil
	}
}

func mcpListContexts(deps *Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		entries, err := deps.Store.List(req.GetString("tag", ""))
		if err != nil {
			return mcpError(fmt.Sprintf("list failed: %v", err)), nil
		}
		return mcpJSON(entries), nil
	}
}

func mcpUpdateContext(deps *Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		in := store.UpdateInput{}
		if v := req.GetString("content", ""); v != "" {
			in.Content = &v
		}
		if v := req.GetStringSlice("tags", nil); v != nil {
			in.Tags = &v
		}
		if v := req.GetString("source", ""); v != "" {
			in.Source = &v
		}
		if v := req.GetString("groupId", ""); v != "" {
			in.GroupID = &v
		}
		e, err := deps.Store.Update(id, in)
		if err == store.ErrNotFound {
			return mcpError(fmt.Sprintf("entry %q not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("update failed: %v", err)), nil
		}
		return mcpJSON(e), nil
	}
}

func mcpDeleteContext(deps *Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		if err := deps.Store.Delete(id); err == store.ErrNotFound {
			return mcpError(fmt.Sprintf("entry %q not found", id)), nil
		} else if err != nil {
			return mcpError(fmt.Sprintf("delete failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("deleted %s", id)), nil
	}
}

func mcpSaveGroup(deps *Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := req.RequireString("name")
		if err != nil {
			return mcpError("name is required"), nil
		}
		g, err := deps.Store.CreateGroup(name, req.GetString("description", ""))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to create group: %v", err)), nil
		}
		return mcpJSON(g), nil
	}
}

func mcpListGroups(deps *Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		groups, err := deps.Store.ListGroups()
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list groups: %v", err)), nil
		}
		return mcpJSON(groups), nil
	}
}

func mcpUpdateGroup(deps *Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		var name, description *string
		if v := req.GetString("name", ""); v != "" {
			name = &v
		}
		if v := req.GetString("description", ""); v != "" {
			description = &v
		}
		g, err := deps.Store.UpdateGroup(id, name, description)
		if err == store.ErrNotFound {
			return mcpError(fmt.Sprintf("group %q not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("update failed: %v", err)), nil
		}
		return mcpJSON(g), nil
	}
}

func mcpDeleteGroup(deps *Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		cascade := boolArg(req, "cascade", false)
		if err := deps.Store.DeleteGroup(id, cascade); err == store.ErrNotFound {
			return mcpError(fmt.Sprintf("group %q not found", id)), nil
		} else if err != nil {
			return mcpError(fmt.Sprintf("delete failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("deleted %s", id)), nil
	}
}

func mcpDescribeSchema(deps *Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		c := deps.catalogSnapshot()
		return mcpText(c.Describe()), nil
	}
}

func mcpSaveTypedContext(deps *Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		typeName, err := req.RequireString("typeName")
		if err != nil {
			return mcpError("typeName is required"), nil
		}
		dataJSON, err := req.RequireString("data")
		if err != nil {
			return mcpError("data is required"), nil
		}
		var data map[string]any
		if err := json.Unmarshal([]byte(dataJSON), &data); err != nil {
			return mcpError(fmt.Sprintf("invalid data JSON: %v", err)), nil
		}

		deps.CatalogMu.RLock()
		e, validationErrs, err := deps.Store.SaveTyped(deps.Catalog, store.SaveTypedInput{
			TypeName: typeName,
			Data:     data,
			Tags:     req.GetStringSlice("tags", nil),
			Source:   req.GetString("source", ""),
			GroupID:  req.GetString("groupId", ""),
		})
		deps.CatalogMu.RUnlock()
		if err != nil {
			return mcpError(fmt.Sprintf("failed to save: %v", err)), nil
		}
		return mcpJSON(map[string]any{"entry": e, "validationErrors": validationErrs}), nil
	}
}

func mcpQueryByType(deps *Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		typeName, err := req.RequireString("typeName")
		if err != nil {
			return mcpError("typeName is required"), nil
		}
		var filter map[string]any
		if raw := req.GetString("filter", ""); raw != "" {
			if err := json.Unmarshal([]byte(raw), &filter); err != nil {
				return mcpError(fmt.Sprintf("invalid filter JSON: %v", err)), nil
			}
		}
		entries, err := deps.Store.QueryByType(typeName, filter)
		if err != nil {
			return mcpError(fmt.Sprintf("query failed: %v", err)), nil
		}
		if boolArg(req, "ranked", false) {
			ranked, err := deps.Analyzer.RankByRelevance(entries, req.GetString("query", ""))
			if err != nil {
				return mcpError(fmt.Sprintf("ranking failed: %v", err)), nil
			}
			return mcpJSON(ranked), nil
		}
		return mcpJSON(entries), nil
	}
}

func mcpIntrospect(deps *Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		deep := boolArg(req, "deep", false)
		m, err := deps.Model.Get(deep)
		if err != nil {
			return mcpError(fmt.Sprintf("introspect failed: %v", err)), nil
		}
		return mcpText(selfmodel.Render(m)), nil
	}
}

func mcpGetGaps(deps *Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		m, err := deps.Model.Get(false)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to compute gaps: %v", err)), nil
		}
		return mcpJSON(m.Gaps), nil
	}
}

func mcpReportUsefulness(deps *Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		entryID, err := req.RequireString("entryId")
		if err != nil {
			return mcpError("entryId is required"), nil
		}
		helpful := boolArg(req, "helpful", false)
		if err := deps.Obs.RecordUsefulness(entryID, helpful); err != nil {
			return mcpError(fmt.Sprintf("failed to record usefulness: %v", err)), nil
		}
		return mcpText("recorded"), nil
	}
}

func mcpAnalyzeContradictions(deps *Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		entries, err := deps.Store.List("")
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list entries: %v", err)), nil
		}
		found, err := deps.Analyzer.FindContradictions(entries)
		if err != nil {
			return mcpError(fmt.Sprintf("analysis failed: %v", err)), nil
		}
		return mcpJSON(found), nil
	}
}

func mcpSuggestSchema(deps *Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		entries, err := deps.Store.List("")
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list entries: %v", err)), nil
		}
		suggestions, err := deps.Analyzer.SuggestSchema(entries)
		if err != nil {
			return mcpError(fmt.Sprintf("suggestion failed: %v", err)), nil
		}
		if err := deps.Obs.RecordSchemaSuggestions(suggestions); err != nil {
			return mcpError(fmt.Sprintf("suggestions computed but failed to record: %v", err)), nil
		}
		return mcpJSON(suggestions), nil
	}
}

func mcpSummarizeContext(deps *Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		all, err := deps.Store.List("")
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list entries: %v", err)), nil
		}
		entries := all
		if ids := req.GetStringSlice("ids", nil); len(ids) > 0 {
			want := map[string]bool{}
			for _, id := range ids {
				want[id] = true
			}
			entries = entries[:0]
			for _, e := range all {
				if want[e.ID] {
					entries = append(entries, e)
				}
			}
		}
		text, err := deps.Analyzer.Summarize(entries, req.GetString("focus", ""))
		if err != nil {
			return mcpError(fmt.Sprintf("summarization failed: %v", err)), nil
		}
		return mcpText(text), nil
	}
}

func mcpGetImprovements(deps *Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		cutoff := time.Now().UTC().Add(-7 * 24 * time.Hour)
		if raw := req.GetString("since", ""); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return mcpError(fmt.Sprintf("invalid since timestamp: %v", err)), nil
			}
			cutoff = t
		}
		records, err := deps.Obs.ImprovementsSince(cutoff)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to read improvements: %v", err)), nil
		}
		return mcpJSON(records), nil
	}
}

func mcpReviewPendingActions(deps *Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		status := strings.TrimSpace(req.GetString("status", control.StatusPending))
		pending, err := deps.Control.ListPending(status)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list pending actions: %v", err)), nil
		}
		return mcpJSON(pending), nil
	}
}

func mcpApproveAction(deps *Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		result, err := deps.Control.Approve(id)
		if err == control.ErrNotPending {
			return mcpError(fmt.Sprintf("action %q is not pending", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("approve failed: %v", err)), nil
		}
		deps.Model.Invalidate()
		return mcpJSON(result), nil
	}
}

func mcpDismissAction(deps *Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		result, err := deps.Control.Dismiss(id, req.GetString("reason", ""))
		if err == control.ErrNotPending {
			return mcpError(fmt.Sprintf("action %q is not pending", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("dismiss failed: %v", err)), nil
		}
		deps.Model.Invalidate()
		return mcpJSON(result), nil
	}
}
