// Package analyzer optionally enriches the self-model and improver with an
// LM-backed contradiction check, schema suggestion, summarization, and
// relevance ranking. Every method has a deterministic fallback and never
// returns an error the caller can't safely ignore in favor of that
// fallback — the analyzer never blocks the rest of the system on a local
// model being slow, absent, or wrong.
package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pavlenko-dev/ctxd/internal/selfmodel"
	"github.com/pavlenko-dev/ctxd/internal/store"
)

const (
	maxContradictionBucket = 50
	maxSuggestEntries      = 30
	maxRankEntries         = 20
	pairConcurrency        = 3
	chatTimeout            = 5 * time.Second
)

// SuggestedField is one field of a proposed schema type.
type SuggestedField struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

// SchemaSuggestion is one proposed context type.
type SchemaSuggestion struct {
	TypeName    string           `json:"typeName"`
	Description string           `json:"description"`
	Fields      []SuggestedField `json:"fields"`
}

// RankedEntry pairs an entry with a relevance score.
type RankedEntry struct {
	Entry store.Entry `json:"entry"`
	Score float64     `json:"score"`
}

// Analyzer holds the LM client configuration and the cached availability
// probe result.
type Analyzer struct {
	client *lmClient
	model  string

	probeOnce sync.Once
	available bool
}

// New constructs an Analyzer targeting baseURL with the given model name.
// If baseURL is empty, the analyzer is permanently unavailable and every
// method uses its deterministic fallback.
func New(baseURL, model string) *Analyzer {
	var client *lmClient
	if baseURL != "" {
		client = newLMClient(baseURL)
	}
	return &Analyzer{client: client, model: model}
}

// Available probes the LM endpoint on first call and caches the result for
// the process lifetime, per spec §4.E.
func (a *Analyzer) Available(ctx context.Context) bool {
	a.probeOnce.Do(func() {
		if a.client == nil {
			return
		}
		if !a.client.isRunning(ctx) {
			return
		}
		a.available = a.client.hasModel(ctx, a.model)
	})
	return a.available
}

// FindContradictions implements selfmodel.ContradictionFinder: pairwise
// within each typeName bucket, archived entries excluded, bounded to the
// 50 most recently updated entries per bucket.
func (a *Analyzer) FindContradictions(entries []store.Entry) ([]selfmodel.Contradiction, error) {
	active := activeEntries(entries)
	if !a.Available(context.Background()) {
		return selfmodel.DetectDeterministic(active), nil
	}

	buckets := bucketByType(active)
	var out []selfmodel.Contradiction
	for typeName, bucket := range buckets {
		bucket = mostRecentlyUpdated(bucket, maxContradictionBucket)
		found, err := a.detectBucket(context.Background(), typeName, bucket)
		if err != nil {
			// Transport error: fall back to the deterministic heuristic
			// for the whole entry set, not just this bucket.
			return selfmodel.DetectDeterministic(active), nil
		}
		out = append(out, found...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntryA != out[j].EntryA {
			return out[i].EntryA < out[j].EntryA
		}
		return out[i].EntryB < out[j].EntryB
	})
	return out, nil
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

func bucketByType(entries []store.Entry) map[string][]store.Entry {
	buckets := map[string][]store.Entry{}
	for _, e := range entries {
		if e.TypeName == "" {
			continue
		}
		buckets[e.TypeName] = append(buckets[e.TypeName], e)
	}
	return buckets
}

func mostRecentlyUpdated(entries []store.Entry, limit int) []store.Entry {
	sorted := make([]store.Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].UpdatedAt > sorted[j].UpdatedAt })
	if len(sorted) > limit {
		sorted = sorted[:limit]
	}
	return sorted
}

type contradictionVerdict struct {
	Contradiction bool   `json:"contradiction"`
	Explanation   string `json:"explanation"`
}

func (a *Analyzer) detectBucket(ctx context.Context, typeName string, bucket []store.Entry) ([]selfmodel.Contradiction, error) {
	type pair struct{ i, j int }
	var pairs []pair
	for i := 0; i < len(bucket); i++ {
		for j := i + 1; j < len(bucket); j++ {
			pairs = append(pairs, pair{i, j})
		}
	}
	results := make([]*selfmodel.Contradiction, len(pairs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(pairConcurrency)
	for idx, p := range pairs {
		idx, p := idx, p
		g.Go(func() error {
			v, err := a.askContradiction(gctx, bucket[p.i], bucket[p.j])
			if err != nil {
				return err
			}
			if v != nil && v.Contradiction {
				results[idx] = &selfmodel.Contradiction{
					TypeName:    typeName,
					EntryA:      bucket[p.i].ID,
					EntryB:      bucket[p.j].ID,
					Explanation: v.Explanation,
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []selfmodel.Contradiction
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out, nil
}

// askContradiction issues one structured chat prompt for a pair of entries.
// A JSON-parse failure skips the pair (returns nil, nil); a transport error
// propagates so the caller can fall back for the whole detection run.
func (a *Analyzer) askContradiction(ctx context.Context, x, y store.Entry) (*contradictionVerdict, error) {
	ctx, cancel := context.WithTimeout(ctx, chatTimeout)
	defer cancel()

	prompt := fmt.Sprintf(
		"Do these two notes of the same type contradict each other in guidance or fact?\nA: %s\nB: %s\nRespond with a JSON object.",
		x.Content, y.Content)
	schema := &Schema{
		Type: "object",
		Properties: map[string]SchemaProperty{
			"contradiction": {Type: "boolean", Description: "true if A and B are in tension"},
			"explanation":   {Type: "string", Description: "one-line explanation"},
		},
		Required: []string{"contradiction", "explanation"},
	}

	raw, err := a.client.chat(ctx, a.model, []Message{{Role: "user", Content: prompt}}, schema)
	if err != nil {
		return nil, err
	}
	obj, ok := firstJSONObject(raw)
	if !ok {
		return nil, nil
	}
	var v contradictionVerdict
	if err := json.Unmarshal([]byte(obj), &v); err != nil {
		return nil, nil
	}
	return &v, nil
}

// SuggestSchema proposes context types for an untyped entry set. Below 3
// entries it proposes nothing; above that it either asks the LM for up to
// 3 suggestions or falls back to grouping by first tag.
func (a *Analyzer) SuggestSchema(entries []store.Entry) ([]SchemaSuggestion, error) {
	untyped := make([]store.Entry, 0, len(entries))
	for _, e := range entries {
		if e.TypeName == "" && !e.Archived {
			untyped = append(untyped, e)
		}
	}
	if len(untyped) < 3 {
		return nil, nil
	}
	untyped = mostRecentlyUpdated(untyped, maxSuggestEntries)

	if a.Available(context.Background()) {
		if suggestions, err := a.askSuggestSchema(context.Background(), untyped); err == nil {
			return suggestions, nil
		}
	}
	return fallbackSuggestSchema(untyped), nil
}

func (a *Analyzer) askSuggestSchema(ctx context.Context, entries []store.Entry) ([]SchemaSuggestion, error) {
	ctx, cancel := context.WithTimeout(ctx, chatTimeout)
	defer cancel()

	var b strings.Builder
	b.WriteString("Given these untyped notes, propose up to 3 context types that would organize them, ")
	b.WriteString("each with a name, description, and fields (name/type/description). Notes:\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "- %s\n", e.Content)
	}
	b.WriteString("Respond with a JSON array of objects.")

	raw, err := a.client.chat(ctx, a.model, []Message{{Role: "user", Content: b.String()}}, nil)
	if err != nil {
		return nil, err
	}
	start := strings.Index(raw, "[")
	end := strings.LastIndex(raw, "]")
	if start == -1 || end <= start {
		return nil, fmt.Errorf("no JSON array in response")
	}
	var suggestions []SchemaSuggestion
	if err := json.Unmarshal([]byte(raw[start:end+1]), &suggestions); err != nil {
		return nil, fmt.Errorf("parsing schema suggestions: %w", err)
	}
	if len(suggestions) > 3 {
		suggestions = suggestions[:3]
	}
	return suggestions, nil
}

func fallbackSuggestSchema(entries []store.Entry) []SchemaSuggestion {
	groups := map[string][]store.Entry{}
	var order []string
	for _, e := range entries {
		if len(e.Tags) == 0 {
			continue
		}
		key := e.Tags[0]
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], e)
	}

	var out []SchemaSuggestion
	for _, key := range order {
		if len(groups[key]) < 3 {
			continue
		}
		out = append(out, SchemaSuggestion{
			TypeName:    key,
			Description: fmt.Sprintf("Entries tagged %q", key),
			Fields: []SuggestedField{
				{Name: "text", Type: "string", Description: "free-form content"},
			},
		})
	}
	return out
}

// Summarize describes entries in one digest, optionally guided by focus.
func (a *Analyzer) Summarize(entries []store.Entry, focus string) (string, error) {
	if a.Available(context.Background()) {
		if text, err := a.askSummarize(context.Background(), entries, focus); err == nil {
			return text, nil
		}
	}
	return fallbackSummarize(entries), nil
}

func (a *Analyzer) askSummarize(ctx context.Context, entries []store.Entry, focus string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, chatTimeout)
	defer cancel()

	var b strings.Builder
	if focus != "" {
		fmt.Fprintf(&b, "Summarize the following notes with a focus on %q:\n", focus)
	} else {
		b.WriteString("Summarize the following notes:\n")
	}
	for _, e := range entries {
		fmt.Fprintf(&b, "- %s\n", e.Content)
	}

	return a.client.chat(ctx, a.model, []Message{{Role: "user", Content: b.String()}}, nil)
}

func fallbackSummarize(entries []store.Entry) string {
	if len(entries) == 0 {
		return "No entries to summarize."
	}
	byType := map[string]int{}
	newest := entries[0]
	for _, e := range entries {
		key := e.TypeName
		if key == "" {
			key = "untyped"
		}
		byType[key]++
		if e.UpdatedAt > newest.UpdatedAt {
			newest = e
		}
	}
	types := make([]string, 0, len(byType))
	for t := range byType {
		types = append(types, t)
	}
	sort.Strings(types)
	var parts []string
	for _, t := range types {
		parts = append(parts, fmt.Sprintf("%d %s", byType[t], t))
	}
	return fmt.Sprintf("%d entries (%s), newest updated %s", len(entries), strings.Join(parts, ", "), newest.UpdatedAt)
}

// RankByRelevance orders entries by relevance to query, bounded to the 20
// most recent entries before scoring.
func (a *Analyzer) RankByRelevance(entries []store.Entry, query string) ([]RankedEntry, error) {
	bounded := mostRecentlyUpdated(entries, maxRankEntries)

	if a.Available(context.Background()) {
		if ranked, err := a.askRank(context.Background(), bounded, query); err == nil {
			return ranked, nil
		}
	}
	return fallbackRank(bounded, query), nil
}

func (a *Analyzer) askRank(ctx context.Context, entries []store.Entry, query string) ([]RankedEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, chatTimeout)
	defer cancel()

	var b strings.Builder
	fmt.Fprintf(&b, "Rank these entry IDs by relevance to the query %q, most relevant first. Entries:\n", query)
	for _, e := range entries {
		fmt.Fprintf(&b, "- %s: %s\n", e.ID, e.Content)
	}
	b.WriteString("Respond with a JSON array of ID strings.")

	raw, err := a.client.chat(ctx, a.model, []Message{{Role: "user", Content: b.String()}}, nil)
	if err != nil {
		return nil, err
	}
	start := strings.Index(raw, "[")
	end := strings.LastIndex(raw, "]")
	if start == -1 || end <= start {
		return nil, fmt.Errorf("no JSON array in response")
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw[start:end+1]), &ids); err != nil {
		return nil, fmt.Errorf("parsing ranked ids: %w", err)
	}

	byID := map[string]store.Entry{}
	for _, e := range entries {
		byID[e.ID] = e
	}
	var ranked []RankedEntry
	seen := map[string]bool{}
	n := len(ids)
	for i, id := range ids {
		e, ok := byID[id]
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		ranked = append(ranked, RankedEntry{Entry: e, Score: float64(n-i) / float64(n)})
	}
	for _, e := range entries {
		if !seen[e.ID] {
			ranked = append(ranked, RankedEntry{Entry: e, Score: 0})
		}
	}
	return ranked, nil
}

func fallbackRank(entries []store.Entry, query string) []RankedEntry {
	terms := tokenize(query)
	ranked := make([]RankedEntry, len(entries))
	for i, e := range entries {
		haystack := tokenize(strings.Join(append(append([]string{e.Content}, e.Tags...), e.TypeName), " "))
		ranked[i] = RankedEntry{Entry: e, Score: overlapScore(terms, haystack)}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })
	return ranked
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
}

func overlapScore(query, haystack []string) float64 {
	if len(query) == 0 {
		return 0
	}
	set := map[string]bool{}
	for _, t := range haystack {
		set[t] = true
	}
	hits := 0
	for _, t := range query {
		if set[t] {
			hits++
		}
	}
	return float64(hits) / float64(len(query))
}
