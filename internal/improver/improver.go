// Package improver implements the self-improvement tick: observe the
// store's state, decide which of the seven action types apply, route each
// candidate through the control plane, and journal what actually ran.
package improver

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pavlenko-dev/ctxd/internal/analyzer"
	"github.com/pavlenko-dev/ctxd/internal/control"
	"github.com/pavlenko-dev/ctxd/internal/observer"
	"github.com/pavlenko-dev/ctxd/internal/schema"
	"github.com/pavlenko-dev/ctxd/internal/selfmodel"
	"github.com/pavlenko-dev/ctxd/internal/store"
)

const (
	tickBudget       = 30 * time.Second
	autoTagThreshold = 3
	jaccardThreshold = 0.8
	staleAge         = 180 * 24 * time.Hour
	contradictionAge = 180 * 24 * time.Hour
	suggestThreshold = 5
)

// Improver ties the store, optional catalog, observer, optional analyzer,
// and control plane together to run one tick at a time.
type Improver struct {
	st      *store.Store
	catalog *schema.Catalog
	obs     *observer.Observer
	an      *analyzer.Analyzer
	control *control.Plane
	model   *selfmodel.Builder
}

// New constructs an Improver. catalog and an may both be nil.
func New(st *store.Store, catalog *schema.Catalog, obs *observer.Observer, an *analyzer.Analyzer, cp *control.Plane) *Improver {
	var cf selfmodel.ContradictionFinder
	if an != nil {
		cf = an
	}
	return &Improver{
		st:      st,
		catalog: catalog,
		obs:     obs,
		an:      an,
		control: cp,
		model:   selfmodel.New(st, catalog, obs, cf),
	}
}

// TickResult summarizes what one tick did.
type TickResult struct {
	CandidatesConsidered int
	AutoExecuted         []observer.ActionCount
	Enqueued             int
	Skipped              int
	Expired              int
}

type candidate struct {
	action      control.Action
	description string
	reasoning   string
	preview     any
}

// Tick runs the four phases. Phases 1 and 2 always run to completion; once
// tickBudget (30 seconds) has elapsed or ctx is cancelled, Phase 3 skips the
// remaining analyzer-derived candidates (resolve_contradictions,
// suggest_schema) and counts them as skipped. Errors from phases 1, 2 and 4
// are returned; a candidate whose routing fails, or a failed expiry pass, is
// passed over without reporting its error, so one failure never aborts the
// rest of the tick.
func (im *Improver) Tick(ctx context.Context) (TickResult, error) {
	ctx, cancel := context.WithTimeout(ctx, tickBudget)
	defer cancel()

	result := TickResult{}

	// Phase 1 — Observe.
	if err := im.obs.Rotate(); err != nil {
		return result, fmt.Errorf("rotating observer log: %w", err)
	}
	entries, err := im.st.All()
	if err != nil {
		return result, fmt.Errorf("listing entries: %w", err)
	}
	model, err := im.model.Build(im.an != nil)
	if err != nil {
		return result, fmt.Errorf("building self-model: %w", err)
	}

	// Phase 2 — Decide.
	candidates, err := im.decide(entries, model)
	if err != nil {
		return result, fmt.Errorf("deciding candidates: %w", err)
	}
	result.CandidatesConsidered = len(candidates)

	// Phase 3 — Route.
	var executed []observer.ActionCount
	for _, c := range candidates {
		if ctx.Err() != nil && (c.action.Kind == "resolve_contradictions" || c.action.Kind == "suggest_schema") {
			result.Skipped++
			continue // over the wall budget: analyzer-derived candidates are not routed
		}
		route, err := im.control.Route(c.action, c.description, c.reasoning, c.preview)
		if err != nil {
			continue // the candidate is dropped and its error is not reported
		}
		switch {
		case route.AutoExecuted:
			executed = append(executed, route.Count)
		case route.Skipped:
			result.Skipped++
		default:
			result.Enqueued++
		}
	}
	result.AutoExecuted = executed

	expired, err := im.control.ExpirePending()
	if err == nil {
		result.Expired = expired
	}

	// Phase 4 — Record.
	if len(executed) > 0 {
		if err := im.obs.AppendImprovement(observer.ImprovementRecord{
			Timestamp:    time.Now().UTC().Format(time.RFC3339Nano),
			Actions:      executed,
			AutoExecuted: true,
		}); err != nil {
			return result, fmt.Errorf("recording improvement journal: %w", err)
		}
	}

	return result, nil
}

func (im *Improver) decide(entries []store.Entry, model selfmodel.Model) ([]candidate, error) {
	active := activeEntries(entries)

	var candidates []candidate
	candidates = append(candidates, im.decideAutoTag(active)...)
	candidates = append(candidates, im.decideMergeDuplicates(active)...)
	candidates = append(candidates, im.decidePromoteToType(active)...)
	candidates = append(candidates, im.decideArchiveStale(active)...)

	gapCandidates, err := im.decideCreateGapStubs(active)
	if err != nil {
		return nil, err
	}
	candidates = append(candidates, gapCandidates...)

	if im.an != nil {
		candidates = append(candidates, im.decideResolveContradictions(model.Contradictions, entries)...)
		candidates = append(candidates, im.decideSuggestSchema(active)...)
	}

	return im.filterProtected(candidates), nil
}

func (im *Improver) filterProtected(candidates []candidate) []candidate {
	var out []candidate
	for _, c := range candidates {
		protected := false
		for _, id := range c.action.Targets {
			if ok, err := im.control.IsProtected(id, c.action.Kind); err == nil && ok {
				protected = true
				break
			}
		}
		if !protected {
			out = append(out, c)
		}
	}
	return out
}

func activeEntries(entries []store.Entry) []store.Entry {
	out := make([]store.Entry, 0, len(entries))
	for _, e := range entries {
		if !e.Archived {
			out = append(out, e)
		}
	}
	return out
}

// --- auto_tag ---

func (im *Improver) decideAutoTag(entries []store.Entry) []candidate {
	var targets []string
	for _, e := range entries {
		if len(e.Tags) == 0 {
			targets = append(targets, e.ID)
		}
	}
	if len(targets) < autoTagThreshold {
		return nil
	}
	return []candidate{{
		action:      control.Action{Kind: "auto_tag", Targets: targets},
		description: fmt.Sprintf("Auto-tag %d untagged entries", len(targets)),
		reasoning:   "These entries have no tags, which makes them hard to find by search; keyword tags derived from their content would improve recall.",
		preview:     map[string]any{"targets": targets},
	}}
}

func deriveKeywordTags(content string, limit int) []string {
	words := tokenizeWords(content)
	seen := map[string]bool{}
	var tags []string
	for _, w := range words {
		if len(w) < 4 || isStopword(w) || seen[w] {
			continue
		}
		seen[w] = true
		tags = append(tags, w)
		if len(tags) >= limit {
			break
		}
	}
	return tags
}

func tokenizeWords(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
}

var stopwords = map[string]bool{
	"this": true, "that": true, "with": true, "from": true, "have": true,
	"were": true, "will": true, "would": true, "should": true, "could": true,
	"there": true, "their": true, "about": true, "which": true, "when": true,
	"what": true, "where": true, "into": true, "than": true, "then": true,
	"them": true, "these": true, "those": true, "your": true, "over": true,
}

func isStopword(w string) bool { return stopwords[w] }

func unionTags(a, b []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, t := range a {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	for _, t := range b {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

// --- merge_duplicates ---

func (im *Improver) decideMergeDuplicates(entries []store.Entry) []candidate {
	buckets := map[string][]store.Entry{}
	for _, e := range entries {
		buckets[e.TypeName] = append(buckets[e.TypeName], e)
	}

	var out []candidate
	for _, bucket := range buckets {
		sort.Slice(bucket, func(i, j int) bool { return bucket[i].ID < bucket[j].ID })
		for i := 0; i < len(bucket); i++ {
			for j := i + 1; j < len(bucket); j++ {
				sim := jaccardSimilarity(bucket[i].Content, bucket[j].Content)
				if sim <= jaccardThreshold {
					continue
				}
				survivor, archived := bucket[i], bucket[j]
				if archived.UpdatedAt > survivor.UpdatedAt {
					survivor, archived = archived, survivor
				}
				out = append(out, candidate{
					action: control.Action{
						Kind:    "merge_duplicates",
						Targets: []string{survivor.ID, archived.ID},
						Payload: map[string]any{"survivorId": survivor.ID, "archivedId": archived.ID},
					},
					description: fmt.Sprintf("Merge duplicate entries %s and %s", survivor.ID, archived.ID),
					reasoning:   fmt.Sprintf("These entries are %.0f%% similar by word overlap; keeping the newer one and folding in the other reduces redundancy.", sim*100),
					preview:     map[string]any{"survivorId": survivor.ID, "archivedId": archived.ID},
				})
			}
		}
	}
	return out
}

func jaccardSimilarity(a, b string) float64 {
	setA := wordSet(a)
	setB := wordSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 0
	}
	inter := 0
	for w := range setA {
		if setB[w] {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func wordSet(s string) map[string]bool {
	set := map[string]bool{}
	for _, w := range tokenizeWords(s) {
		set[w] = true
	}
	return set
}

// --- promote_to_type ---

func (im *Improver) decidePromoteToType(entries []store.Entry) []candidate {
	if im.catalog == nil || len(im.catalog.Types) == 0 {
		return nil
	}
	var out []candidate
	for _, e := range entries {
		if e.TypeName != "" {
			continue
		}
		if t, ok := bestMatchingType(e.Content, im.catalog); ok {
			out = append(out, candidate{
				action: control.Action{
					Kind:    "promote_to_type",
					Targets: []string{e.ID},
					Payload: map[string]any{"suggestedType": t},
				},
				description: fmt.Sprintf("Promote entry %s to type %q", e.ID, t),
				reasoning:   fmt.Sprintf("Its content shares descriptive keywords with the %q type's description.", t),
				preview:     map[string]any{"targetType": t},
			})
		}
	}
	return out
}

func bestMatchingType(content string, catalog *schema.Catalog) (string, bool) {
	contentWords := wordSet(content)
	for _, t := range catalog.Types {
		descWords := wordSet(t.Description)
		shared := 0
		for w := range descWords {
			if len(w) >= 4 && contentWords[w] {
				shared++
			}
		}
		if shared >= 2 {
			return t.Name, true
		}
	}
	return "", false
}

// --- archive_stale ---

func (im *Improver) decideArchiveStale(entries []store.Entry) []candidate {
	readIDs, err := im.recentlyReadEntryIDs()
	if err != nil {
		readIDs = map[string]bool{}
	}
	now := time.Now().UTC()
	var targets []string
	for _, e := range entries {
		if readIDs[e.ID] {
			continue
		}
		if age := ageOf(e.UpdatedAt, now); age > staleAge {
			targets = append(targets, e.ID)
		}
	}
	if len(targets) == 0 {
		return nil
	}
	return []candidate{{
		action:      control.Action{Kind: "archive_stale", Targets: targets},
		description: fmt.Sprintf("Archive %d stale, never-read entries", len(targets)),
		reasoning:   "These entries have not been updated in over 180 days and have never appeared in an observed read; archiving keeps the active store relevant.",
		preview:     map[string]any{"targets": targets},
	}}
}

func (im *Improver) recentlyReadEntryIDs() (map[string]bool, error) {
	blob, err := im.obs.Load()
	if err != nil {
		return nil, err
	}
	ids := map[string]bool{}
	for _, ev := range blob.Events {
		if ev.Action != "read" && ev.Action != "recall" && ev.Action != "search" {
			continue
		}
		for _, id := range ev.EntryIDs {
			ids[id] = true
		}
	}
	return ids, nil
}

func ageOf(timestamp string, now time.Time) time.Duration {
	t, err := time.Parse(time.RFC3339Nano, timestamp)
	if err != nil {
		return 0
	}
	return now.Sub(t)
}

// --- create_gap_stubs ---

func (im *Improver) decideCreateGapStubs(entries []store.Entry) ([]candidate, error) {
	missed, err := im.obs.MissesAtLeast(3)
	if err != nil {
		return nil, err
	}
	var queries []string
	for _, q := range missed {
		if !hasGapStubFor(entries, q) {
			queries = append(queries, q)
		}
	}
	if len(queries) == 0 {
		return nil, nil
	}
	return []candidate{{
		action:      control.Action{Kind: "create_gap_stubs", Payload: map[string]any{"queries": queries}},
		description: fmt.Sprintf("Create %d gap stub(s) for repeatedly missed queries", len(queries)),
		reasoning:   "These queries have been missed at least three times with no matching context; a stub entry flags the gap to the user.",
		preview:     map[string]any{"queries": queries},
	}}, nil
}

func hasGapStubFor(entries []store.Entry, query string) bool {
	marker := fmt.Sprintf("%q", query)
	for _, e := range entries {
		if hasTagValue(e.Tags, "gap") && strings.Contains(e.Content, marker) {
			return true
		}
	}
	return false
}

func hasTagValue(tags []string, v string) bool {
	for _, t := range tags {
		if t == v {
			return true
		}
	}
	return false
}

// --- resolve_contradictions ---

func (im *Improver) decideResolveContradictions(contradictions []selfmodel.Contradiction, entries []store.Entry) []candidate {
	byID := map[string]store.Entry{}
	for _, e := range entries {
		byID[e.ID] = e
	}

	var out []candidate
	for _, c := range contradictions {
		a, okA := byID[c.EntryA]
		b, okB := byID[c.EntryB]
		if !okA || !okB {
			continue
		}
		if ageDiff(a.UpdatedAt, b.UpdatedAt) <= contradictionAge {
			continue
		}
		winner, loser := a, b
		if a.UpdatedAt < b.UpdatedAt {
			winner, loser = b, a
		}
		out = append(out, candidate{
			action: control.Action{
				Kind:    "resolve_contradictions",
				Targets: []string{winner.ID, loser.ID},
				Payload: map[string]any{"winnerId": winner.ID, "loserId": loser.ID, "explanation": c.Explanation},
			},
			description: fmt.Sprintf("Resolve contradiction between %s and %s", winner.ID, loser.ID),
			reasoning:   fmt.Sprintf("%s; the older entry (%s) is archived in favor of the more recently updated one (%s).", c.Explanation, loser.ID, winner.ID),
			preview:     map[string]any{"winnerId": winner.ID, "archivedId": loser.ID, "explanation": c.Explanation},
		})
	}
	return out
}

func ageDiff(a, b string) time.Duration {
	ta, err1 := time.Parse(time.RFC3339Nano, a)
	tb, err2 := time.Parse(time.RFC3339Nano, b)
	if err1 != nil || err2 != nil {
		return 0
	}
	d := ta.Sub(tb)
	if d < 0 {
		d = -d
	}
	return d
}

// --- suggest_schema ---

func (im *Improver) decideSuggestSchema(entries []store.Entry) []candidate {
	untyped := 0
	for _, e := range entries {
		if e.TypeName == "" {
			untyped++
		}
	}
	if untyped < suggestThreshold {
		return nil
	}
	suggestions, err := im.an.SuggestSchema(entries)
	if err != nil || len(suggestions) == 0 {
		return nil
	}
	return []candidate{{
		action:      control.Action{Kind: "suggest_schema", Payload: map[string]any{"suggestions": suggestions}},
		description: fmt.Sprintf("Suggest %d new context type(s)", len(suggestions)),
		reasoning:   "There are enough untyped entries with a common shape that a declared type would improve validation and rendering.",
		preview:     suggestions,
	}}
}

// Execute implements control.Executor: it performs the mutation for one
// action kind, used both for auto-executed candidates during a tick and
// for approved pending actions.
func (im *Improver) Execute(a control.Action) (observer.ActionCount, error) {
	switch a.Kind {
	case "auto_tag":
		return im.executeAutoTag(a)
	case "create_gap_stubs":
		return im.executeCreateGapStubs(a)
	case "archive_stale":
		return im.executeArchiveStale(a)
	case "merge_duplicates":
		return im.executeMergeDuplicates(a)
	case "promote_to_type":
		return im.executePromoteToType(a)
	case "resolve_contradictions":
		return im.executeResolveContradictions(a)
	case "suggest_schema":
		return im.executeSuggestSchema(a)
	default:
		return observer.ActionCount{Type: a.Kind}, fmt.Errorf("unknown action kind %q", a.Kind)
	}
}

func (im *Improver) executeAutoTag(a control.Action) (observer.ActionCount, error) {
	count := 0
	for _, id := range a.Targets {
		e, err := im.st.Get(id)
		if err != nil {
			continue
		}
		newTags := deriveKeywordTags(e.Content, 3)
		if len(newTags) == 0 {
			continue
		}
		if _, err := im.st.SetTags(id, unionTags(e.Tags, newTags)); err == nil {
			count++
		}
	}
	return observer.ActionCount{Type: "auto_tag", Count: count}, nil
}

func (im *Improver) executeCreateGapStubs(a control.Action) (observer.ActionCount, error) {
	queries := stringSlice(a.Payload["queries"])
	count := 0
	for _, q := range queries {
		content := fmt.Sprintf("[GAP] Agents have searched for %q but no context exists.", q)
		if _, err := im.st.Save(store.SaveInput{
			Content: content,
			Tags:    []string{"gap", "needs-input"},
			Source:  "self-improvement",
		}); err == nil {
			count++
		}
	}
	return observer.ActionCount{Type: "create_gap_stubs", Count: count}, nil
}

func (im *Improver) executeArchiveStale(a control.Action) (observer.ActionCount, error) {
	count := 0
	for _, id := range a.Targets {
		if _, err := im.st.SetArchived(id, true); err == nil {
			count++
		}
	}
	return observer.ActionCount{Type: "archive_stale", Count: count}, nil
}

func (im *Improver) executeMergeDuplicates(a control.Action) (observer.ActionCount, error) {
	survivorID, _ := a.Payload["survivorId"].(string)
	archivedID, _ := a.Payload["archivedId"].(string)
	survivor, err := im.st.Get(survivorID)
	if err != nil {
		return observer.ActionCount{Type: "merge_duplicates"}, nil
	}
	archived, err := im.st.Get(archivedID)
	if err != nil {
		return observer.ActionCount{Type: "merge_duplicates"}, nil
	}

	content := survivor.Content
	if !strings.Contains(strings.ToLower(survivor.Content), strings.ToLower(archived.Content)) {
		content = survivor.Content + "\n\n" + archived.Content
	}
	if _, err := im.st.ReplaceContent(survivorID, content, unionTags(survivor.Tags, archived.Tags)); err != nil {
		return observer.ActionCount{Type: "merge_duplicates"}, err
	}
	if _, err := im.st.SetArchived(archivedID, true); err != nil {
		return observer.ActionCount{Type: "merge_duplicates"}, err
	}
	return observer.ActionCount{Type: "merge_duplicates", Count: 1}, nil
}

func (im *Improver) executePromoteToType(a control.Action) (observer.ActionCount, error) {
	suggestedType, _ := a.Payload["suggestedType"].(string)
	count := 0
	for _, id := range a.Targets {
		if _, err := im.st.SetType(id, suggestedType); err == nil {
			count++
		}
	}
	return observer.ActionCount{Type: "promote_to_type", Count: count}, nil
}

func (im *Improver) executeResolveContradictions(a control.Action) (observer.ActionCount, error) {
	loserID, _ := a.Payload["loserId"].(string)
	if loserID == "" {
		return observer.ActionCount{Type: "resolve_contradictions"}, nil
	}
	if _, err := im.st.SetArchived(loserID, true); err != nil {
		return observer.ActionCount{Type: "resolve_contradictions"}, err
	}
	return observer.ActionCount{Type: "resolve_contradictions", Count: 1}, nil
}

func (im *Improver) executeSuggestSchema(a control.Action) (observer.ActionCount, error) {
	suggestions := a.Payload["suggestions"]
	if err := im.obs.RecordSchemaSuggestions(suggestions); err != nil {
		return observer.ActionCount{Type: "suggest_schema"}, err
	}
	return observer.ActionCount{Type: "suggest_schema", Count: countAny(suggestions)}, nil
}

func countAny(v any) int {
	switch x := v.(type) {
	case []analyzer.SchemaSuggestion:
		return len(x)
	case []any:
		return len(x)
	}
	return 0
}

// stringSlice tolerates both a native []string (direct auto-execute path)
// and a []interface{} of strings (after a JSON round trip through the
// pending-action queue).
func stringSlice(v any) []string {
	switch x := v.(type) {
	case []string:
		return x
	case []any:
		out := make([]string, 0, len(x))
		for _, item := range x {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
