// Package selfmodel computes the deterministic self-model described in
// spec §4.D: identity, coverage, freshness, gaps, contradictions, and an
// overall health verdict, plus the fixed human-readable rendering used by
// introspect. It never mutates anything — it is a pure read-side view over
// the store, the optional schema catalog, and the observer.
package selfmodel

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pavlenko-dev/ctxd/internal/observer"
	"github.com/pavlenko-dev/ctxd/internal/schema"
	"github.com/pavlenko-dev/ctxd/internal/store"
)

const (
	recentWindow    = 7 * 24 * time.Hour
	staleThreshold  = 90 * 24 * time.Hour
	stalestTopN     = 5
	sparseThreshold = 5
	healthyScore    = 0.7
)

// oppositionPairs is the fixed lexicon used by the deterministic
// contradiction heuristic, verbatim from the documented word pairs.
var oppositionPairs = [][2]string{
	{"prefer", "avoid"},
	{"use", "don't use"},
	{"always", "never"},
	{"composition", "inheritance"},
	{"class", "functional"},
	{"stateful", "stateless"},
	{"monolith", "microservice"},
}

// ContradictionFinder is implemented by internal/analyzer's LM-backed
// detector. When nil or when it errors, the builder falls back to the
// deterministic opposition heuristic — the analyzer package is never
// imported here, keeping this package's dependency graph store+schema+observer only.
type ContradictionFinder interface {
	FindContradictions(entries []store.Entry) ([]Contradiction, error)
}

// Identity is the entry/group census.
type Identity struct {
	ActiveCount int            `json:"activeCount"`
	ByType      map[string]int `json:"byType"`
	GroupCount  int            `json:"groupCount"`
	OldestAt    string         `json:"oldestAt,omitempty"`
	NewestAt    string         `json:"newestAt,omitempty"`
}

// Coverage reports which catalog types have entries.
type Coverage struct {
	TypesWithEntries []string `json:"typesWithEntries"`
	TypesWithout     []string `json:"typesWithout"`
	UntypedCount     int      `json:"untypedCount"`
	Score            float64  `json:"score"`
}

// Freshness reports how recently entries were touched.
type Freshness struct {
	RecentlyUpdated int           `json:"recentlyUpdated"`
	StaleCount      int           `json:"staleCount"`
	Stalest         []store.Entry `json:"stalest"`
	Score           float64       `json:"score"`
}

// Gap is a described deficiency in the store.
type Gap struct {
	Description string `json:"description"`
	Severity    string `json:"severity"` // "info" or "warning"
	Suggestion  string `json:"suggestion"`
}

const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
)

// Contradiction is a pair of same-type entries in semantic tension.
type Contradiction struct {
	TypeName    string `json:"typeName"`
	EntryA      string `json:"entryA"`
	EntryB      string `json:"entryB"`
	Explanation string `json:"explanation"`
}

// Health is the coarse overall verdict.
type Health string

const (
	HealthSparse         Health = "sparse"
	HealthHealthy        Health = "healthy"
	HealthNeedsAttention Health = "needs-attention"
)

// Model is the full computed self-model.
type Model struct {
	Identity        Identity                     `json:"identity"`
	Coverage        Coverage                     `json:"coverage"`
	Freshness       Freshness                    `json:"freshness"`
	Gaps            []Gap                        `json:"gaps"`
	Contradictions  []Contradiction              `json:"contradictions"`
	Health          Health                       `json:"health"`
	RecentImprovements []observer.ImprovementRecord `json:"recentImprovements,omitempty"`
	PendingCount    int                          `json:"pendingActionsCount"`
}

// Builder computes self-models from a store plus optional collaborators.
type Builder struct {
	st       *store.Store
	catalog  *schema.Catalog // nil if no catalog is configured
	obs      *observer.Observer
	analyzer ContradictionFinder // nil to always use the deterministic heuristic
}

// New constructs a Builder. catalog, obs, and analyzer may all be nil.
func New(st *store.Store, catalog *schema.Catalog, obs *observer.Observer, analyzer ContradictionFinder) *Builder {
	return &Builder{st: st, catalog: catalog, obs: obs, analyzer: analyzer}
}

// Build computes the full self-model. deep controls whether the analyzer's
// LM-backed contradiction check is attempted (introspect's "deep" flag);
// when false, or when the builder has no analyzer, the deterministic
// opposition heuristic is used.
func (b *Builder) Build(deep bool) (Model, error) {
	entries, err := b.st.List("")
	if err != nil {
		return Model{}, fmt.Errorf("listing entries: %w", err)
	}
	groups, err := b.st.ListGroups()
	if err != nil {
		return Model{}, fmt.Errorf("listing groups: %w", err)
	}

	m := Model{}
	m.Identity = computeIdentity(entries, len(groups))
	m.Coverage = computeCoverage(entries, b.catalog)
	m.Freshness = computeFreshness(entries)

	contradictions, err := b.computeContradictions(entries, deep)
	if err != nil {
		return Model{}, err
	}
	m.Contradictions = contradictions

	var missed []string
	if b.obs != nil {
		missed, err = b.obs.MissesAtLeast(3)
		if err != nil {
			return Model{}, fmt.Errorf("reading missed queries: %w", err)
		}
	}
	m.Gaps = computeGaps(m.Coverage.TypesWithout, missed, m.Freshness.StaleCount)

	m.Health = computeHealth(len(entries), m.Coverage.Score, m.Freshness.Score)

	if b.obs != nil {
		cutoff := time.Now().UTC().Add(-7 * 24 * time.Hour)
		recents, err := b.obs.ImprovementsSince(cutoff)
		if err != nil {
			return Model{}, fmt.Errorf("reading recent improvements: %w", err)
		}
		m.RecentImprovements = recents

		blob, err := b.obs.Load()
		if err != nil {
			return Model{}, fmt.Errorf("loading awareness blob: %w", err)
		}
		m.PendingCount = countPending(blob.PendingRaw)
	}

	return m, nil
}

// countPending counts entries in the shared awareness file's pending
// actions list whose status is "pending". internal/control owns the full
// shape of that list; this reads only the one field it needs, so the
// self-model builder never imports internal/control.
func countPending(raw []byte) int {
	if len(raw) == 0 {
		return 0
	}
	var items []struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &items); err != nil {
		return 0
	}
	n := 0
	for _, it := range items {
		if it.Status == "pending" {
			n++
		}
	}
	return n
}

func computeIdentity(entries []store.Entry, groupCount int) Identity {
	id := Identity{ByType: map[string]int{}, GroupCount: groupCount}
	for _, e := range entries {
		id.ActiveCount++
		if e.TypeName != "" {
			id.ByType[e.TypeName]++
		}
		if id.OldestAt == "" || e.CreatedAt < id.OldestAt {
			id.OldestAt = e.CreatedAt
		}
		if id.NewestAt == "" || e.CreatedAt > id.NewestAt {
			id.NewestAt = e.CreatedAt
		}
	}
	return id
}

func computeCoverage(entries []store.Entry, catalog *schema.Catalog) Coverage {
	cov := Coverage{}
	withEntries := map[string]bool{}
	for _, e := range entries {
		if e.TypeName == "" {
			cov.UntypedCount++
			continue
		}
		withEntries[e.TypeName] = true
	}

	if catalog == nil || len(catalog.Types) == 0 {
		cov.Score = 1
		for name := range withEntries {
			cov.TypesWithEntries = append(cov.TypesWithEntries, name)
		}
		sort.Strings(cov.TypesWithEntries)
		return cov
	}

	total := len(catalog.Types)
	have := 0
	for _, t := range catalog.Types {
		if withEntries[t.Name] {
			cov.TypesWithEntries = append(cov.TypesWithEntries, t.Name)
			have++
		} else {
			cov.TypesWithout = append(cov.TypesWithout, t.Name)
		}
	}
	sort.Strings(cov.TypesWithEntries)
	sort.Strings(cov.TypesWithout)
	cov.Score = float64(have) / float64(total)
	return cov
}

func computeFreshness(entries []store.Entry) Freshness {
	fr := Freshness{}
	if len(entries) == 0 {
		fr.Score = 1
		return fr
	}
	now := time.Now().UTC()
	sorted := make([]store.Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].UpdatedAt < sorted[j].UpdatedAt })

	for _, e := range entries {
		age := ageOf(e.UpdatedAt, now)
		if age <= recentWindow {
			fr.RecentlyUpdated++
		}
		if age > staleThreshold {
			fr.StaleCount++
		}
	}
	n := stalestTopN
	if n > len(sorted) {
		n = len(sorted)
	}
	fr.Stalest = sorted[:n]
	fr.Score = float64(fr.RecentlyUpdated) / float64(len(entries))
	return fr
}

func ageOf(timestamp string, now time.Time) time.Duration {
	t, err := time.Parse(time.RFC3339Nano, timestamp)
	if err != nil {
		return 0
	}
	return now.Sub(t)
}

func computeGaps(typesWithout []string, missedQueries []string, staleCount int) []Gap {
	var gaps []Gap
	for _, t := range typesWithout {
		gaps = append(gaps, Gap{
			Description: fmt.Sprintf("Context type %q has no active entries", t),
			Severity:    SeverityWarning,
			Suggestion:  fmt.Sprintf("Save a context entry with typeName=%q", t),
		})
	}
	for _, q := range missedQueries {
		gaps = append(gaps, Gap{
			Description: fmt.Sprintf("Query %q has been missed at least 3 times", q),
			Severity:    SeverityWarning,
			Suggestion:  fmt.Sprintf("Consider saving context relevant to %q", q),
		})
	}
	if staleCount > 0 {
		gaps = append(gaps, Gap{
			Description: fmt.Sprintf("%d entries have not been updated in over 90 days", staleCount),
			Severity:    SeverityInfo,
			Suggestion:  "Review the stalest entries and refresh or archive them",
		})
	}
	return gaps
}

func computeHealth(activeCount int, coverageScore, freshnessScore float64) Health {
	if activeCount < sparseThreshold {
		return HealthSparse
	}
	avg := (coverageScore + freshnessScore) / 2
	if avg >= healthyScore {
		return HealthHealthy
	}
	return HealthNeedsAttention
}

func (b *Builder) computeContradictions(entries []store.Entry, deep bool) ([]Contradiction, error) {
	if deep && b.analyzer != nil {
		found, err := b.analyzer.FindContradictions(entries)
		if err == nil {
			return found, nil
		}
		// falls through to deterministic heuristic on any analyzer error
	}
	return DetectDeterministic(entries), nil
}

// DetectDeterministic runs the fixed opposition-list heuristic: within each
// typeName bucket (archived entries already excluded by callers passing
// active entries), every pair is checked for either side of a fixed word
// pair appearing in each entry's content.
func DetectDeterministic(entries []store.Entry) []Contradiction {
	buckets := map[string][]store.Entry{}
	for _, e := range entries {
		if e.TypeName == "" {
			continue
		}
		buckets[e.TypeName] = append(buckets[e.TypeName], e)
	}

	var out []Contradiction
	for typeName, bucket := range buckets {
		sort.Slice(bucket, func(i, j int) bool { return bucket[i].ID < bucket[j].ID })
		for i := 0; i < len(bucket); i++ {
			for j := i + 1; j < len(bucket); j++ {
				if pair, ok := opposingPair(bucket[i].Content, bucket[j].Content); ok {
					out = append(out, Contradiction{
						TypeName:    typeName,
						EntryA:      bucket[i].ID,
						EntryB:      bucket[j].ID,
						Explanation: fmt.Sprintf("one entry favors %q, the other %q", pair[0], pair[1]),
					})
				}
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntryA != out[j].EntryA {
			return out[i].EntryA < out[j].EntryA
		}
		return out[i].EntryB < out[j].EntryB
	})
	return out
}

func opposingPair(a, b string) ([2]string, bool) {
	la, lb := strings.ToLower(a), strings.ToLower(b)
	for _, pair := range oppositionPairs {
		if strings.Contains(la, pair[0]) && strings.Contains(lb, pair[1]) {
			return pair, true
		}
		if strings.Contains(la, pair[1]) && strings.Contains(lb, pair[0]) {
			return [2]string{pair[1], pair[0]}, true
		}
	}
	return [2]string{}, false
}

// Render produces the fixed human-readable introspect text.
func Render(m Model) string {
	var b strings.Builder
	b.WriteString("Self-model of the context store\n")
	b.WriteString("================================\n\n")

	fmt.Fprintf(&b, "Identity: %d active entries across %d types, %d groups\n",
		m.Identity.ActiveCount, len(m.Identity.ByType), m.Identity.GroupCount)
	if m.Identity.OldestAt != "" {
		fmt.Fprintf(&b, "  oldest: %s   newest: %s\n", m.Identity.OldestAt, m.Identity.NewestAt)
	}

	fmt.Fprintf(&b, "\nCoverage: %d type(s) covered, %d uncovered, %d untyped entries (score %.2f)\n",
		len(m.Coverage.TypesWithEntries), len(m.Coverage.TypesWithout), m.Coverage.UntypedCount, m.Coverage.Score)

	fmt.Fprintf(&b, "\nFreshness: %d updated within 7 days, %d stale (>90 days) (score %.2f)\n",
		m.Freshness.RecentlyUpdated, m.Freshness.StaleCount, m.Freshness.Score)
	for _, e := range m.Freshness.Stalest {
		fmt.Fprintf(&b, "  stale: %s (updated %s)\n", e.ID, e.UpdatedAt)
	}

	b.WriteString("\nGaps:\n")
	if len(m.Gaps) == 0 {
		b.WriteString("  none\n")
	}
	for _, g := range m.Gaps {
		marker := "ℹ"
		if g.Severity == SeverityWarning {
			marker = "⚠"
		}
		fmt.Fprintf(&b, "  %s %s — %s\n", marker, g.Description, g.Suggestion)
	}

	b.WriteString("\nContradictions:\n")
	if len(m.Contradictions) == 0 {
		b.WriteString("  none\n")
	}
	for _, c := range m.Contradictions {
		fmt.Fprintf(&b, "  %s vs %s (%s): %s\n", c.EntryA, c.EntryB, c.TypeName, c.Explanation)
	}

	fmt.Fprintf(&b, "\nHealth: %s\n", m.Health)
	fmt.Fprintf(&b, "Pending actions: %d\n", m.PendingCount)
	fmt.Fprintf(&b, "Recent improvements: %d\n", len(m.RecentImprovements))

	return b.String()
}
