// Package observer maintains the awareness file: an append-only bounded
// event log with aggregates derived fresh on every read, plus the
// improvement journal and usefulness counters. internal/control extends
// the same file with pending actions and protections — both components
// load-modify-save the whole blob under one lock, per spec §5.
package observer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/pavlenko-dev/ctxd/internal/store"
)

const (
	eventCap        = 1000
	eventTrimTo     = 500
	journalCap      = 200
	journalTrimTo   = 100
	missGapThreshold = 3
)

// Event is one recorded occurrence, mirroring store.Event but persisted.
type Event struct {
	Timestamp string   `json:"timestamp"`
	Action    string   `json:"action"`
	Tool      string   `json:"tool,omitempty"`
	Query     string   `json:"query,omitempty"`
	TypeName  string   `json:"typeName,omitempty"`
	EntryIDs  []string `json:"entryIds,omitempty"`
}

// ImprovementRecord is one journal entry: what the improver did on a tick.
type ImprovementRecord struct {
	Timestamp    string             `json:"timestamp"`
	Actions      []ActionCount      `json:"actions"`
	AutoExecuted bool               `json:"autoExecuted"`
}

// ActionCount summarizes how many targets an action kind touched.
type ActionCount struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// Summary is the running aggregate, recomputed from the raw event list on
// every call — never maintained incrementally, per spec §4.C.
type Summary struct {
	TotalReads      int            `json:"totalReads"`
	TotalWrites     int            `json:"totalWrites"`
	TotalMisses     int            `json:"totalMisses"`
	MissesByQuery   map[string]int `json:"missesByQuery"`
	ReadsByType     map[string]int `json:"readsByType"`
	WritesByType    map[string]int `json:"writesByType"`
	LastActivityAt  string         `json:"lastActivityAt,omitempty"`
}

// Usefulness holds per-entry helpful/unhelpful counters.
type Usefulness struct {
	Helpful   map[string]int `json:"helpful"`
	Unhelpful map[string]int `json:"unhelpful"`
}

// Blob is the on-disk shape of the awareness file. internal/control adds
// PendingActions and Protections to the same struct so both components
// share one file without either owning the other's fields.
type Blob struct {
	Events        []Event             `json:"events"`
	Improvements  []ImprovementRecord `json:"improvements"`
	Usefulness    Usefulness          `json:"usefulness"`
	PendingRaw    json.RawMessage     `json:"pendingActions,omitempty"`
	ProtectionRaw json.RawMessage     `json:"protections,omitempty"`
	SuggestionRaw json.RawMessage     `json:"schemaSuggestions,omitempty"`
	SchemaCache   *SchemaCache        `json:"schemaCache,omitempty"`
}

// SchemaCache records the last time an LM-backed analysis ran, for the
// deep self-model TTL.
type SchemaCache struct {
	LastAnalysis string `json:"lastAnalysis,omitempty"`
}

// Observer persists events, aggregates, and the improvement journal to a
// single JSON file, serialized through one mutex.
type Observer struct {
	mu   sync.Mutex
	path string
}

// New returns an Observer backed by the awareness file at path.
func New(path string) *Observer {
	return &Observer{path: path}
}

// Load reads and returns the full raw blob — needed by internal/control,
// which extends this file with pending actions and protections.
func (o *Observer) Load() (Blob, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.load()
}

func (o *Observer) load() (Blob, error) {
	data, err := os.ReadFile(o.path)
	if err != nil {
		if os.IsNotExist(err) {
			return emptyBlob(), nil
		}
		return Blob{}, fmt.Errorf("reading awareness file: %w", err)
	}
	var b Blob
	if err := json.Unmarshal(data, &b); err != nil {
		return Blob{}, fmt.Errorf("parsing awareness file %s: %w", o.path, err)
	}
	if b.Usefulness.Helpful == nil {
		b.Usefulness.Helpful = map[string]int{}
	}
	if b.Usefulness.Unhelpful == nil {
		b.Usefulness.Unhelpful = map[string]int{}
	}
	return b, nil
}

func emptyBlob() Blob {
	return Blob{
		Events:       []Event{},
		Improvements: []ImprovementRecord{},
		Usefulness:   Usefulness{Helpful: map[string]int{}, Unhelpful: map[string]int{}},
	}
}

// Save persists the full raw blob — used by internal/control after it
// mutates PendingRaw/ProtectionRaw so both components share one atomic
// write path.
func (o *Observer) Save(b Blob) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.save(b)
}

func (o *Observer) save(b Blob) error {
	dir := filepath.Dir(o.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating awareness directory: %w", err)
	}
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling awareness file: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".awareness-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp awareness file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temp awareness file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, o.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming temp awareness file into place: %w", err)
	}
	return nil
}

// Notify implements store.Notifier: it appends one event to the log,
// rotating if the cap is exceeded. This is the only path by which the
// store's activity reaches the awareness file.
func (o *Observer) Notify(e store.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()

	b, err := o.load()
	if err != nil {
		// Never let a bad awareness file block store operations; the
		// caller (Store) does not check this return value.
		return
	}
	b.Events = append(b.Events, Event{
		Timestamp: e.Timestamp,
		Action:    e.Action,
		Tool:      e.Tool,
		Query:     e.Query,
		TypeName:  e.TypeName,
		EntryIDs:  e.EntryIDs,
	})
	b.Events = rotate(b.Events)
	_ = o.save(b)
}

// rotate keeps the last eventTrimTo events once the log exceeds eventCap.
func rotate(events []Event) []Event {
	if len(events) <= eventCap {
		return events
	}
	return append([]Event{}, events[len(events)-eventTrimTo:]...)
}

// Rotate is the explicit rotation entry point the improver's Phase 1 calls,
// in case Notify was never invoked (e.g. after manual event file edits).
func (o *Observer) Rotate() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	b, err := o.load()
	if err != nil {
		return err
	}
	rotated := rotate(b.Events)
	if len(rotated) == len(b.Events) {
		return nil
	}
	b.Events = rotated
	return o.save(b)
}

// Summary recomputes the running aggregate from the full event list.
func (o *Observer) Summary() (Summary, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	b, err := o.load()
	if err != nil {
		return Summary{}, err
	}
	return summarize(b.Events), nil
}

func summarize(events []Event) Summary {
	s := Summary{
		MissesByQuery: map[string]int{},
		ReadsByType:   map[string]int{},
		WritesByType:  map[string]int{},
	}
	for _, e := range events {
		switch e.Action {
		case "read", "recall", "search":
			s.TotalReads++
			if e.TypeName != "" {
				s.ReadsByType[e.TypeName]++
			}
		case "write":
			s.TotalWrites++
			if e.TypeName != "" {
				s.WritesByType[e.TypeName]++
			}
		case "miss":
			s.TotalMisses++
			if e.Query != "" {
				s.MissesByQuery[e.Query]++
			}
		}
		if e.Timestamp > s.LastActivityAt {
			s.LastActivityAt = e.Timestamp
		}
	}
	return s
}

// MissedQueries returns unique queries observed as misses, most-missed first.
func (o *Observer) MissedQueries() ([]string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	b, err := o.load()
	if err != nil {
		return nil, err
	}
	s := summarize(b.Events)
	queries := make([]string, 0, len(s.MissesByQuery))
	for q := range s.MissesByQuery {
		queries = append(queries, q)
	}
	sort.Slice(queries, func(i, j int) bool {
		if s.MissesByQuery[queries[i]] != s.MissesByQuery[queries[j]] {
			return s.MissesByQuery[queries[i]] > s.MissesByQuery[queries[j]]
		}
		return queries[i] < queries[j]
	})
	return queries, nil
}

// MissesAtLeast returns queries missed >= n times.
func (o *Observer) MissesAtLeast(n int) ([]string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	b, err := o.load()
	if err != nil {
		return nil, err
	}
	s := summarize(b.Events)
	var out []string
	for q, c := range s.MissesByQuery {
		if c >= n {
			out = append(out, q)
		}
	}
	sort.Strings(out)
	return out, nil
}

// AppendImprovement records one journal entry, trimming to journalTrimTo
// once the journal exceeds journalCap.
func (o *Observer) AppendImprovement(rec ImprovementRecord) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	b, err := o.load()
	if err != nil {
		return err
	}
	b.Improvements = append(b.Improvements, rec)
	if len(b.Improvements) > journalCap {
		b.Improvements = append([]ImprovementRecord{}, b.Improvements[len(b.Improvements)-journalTrimTo:]...)
	}
	return o.save(b)
}

// ImprovementsSince returns journal records with timestamp >= cutoff.
func (o *Observer) ImprovementsSince(cutoff time.Time) ([]ImprovementRecord, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	b, err := o.load()
	if err != nil {
		return nil, err
	}
	cutoffStr := cutoff.UTC().Format(time.RFC3339Nano)
	var out []ImprovementRecord
	for _, r := range b.Improvements {
		if r.Timestamp >= cutoffStr {
			out = append(out, r)
		}
	}
	return out, nil
}

// RecordSchemaSuggestions overwrites the last set of analyzer-proposed
// schema types. This never touches the schema catalog file — suggestions
// are surfaced to the user, who decides whether to adopt them.
func (o *Observer) RecordSchemaSuggestions(v any) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	b, err := o.load()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling schema suggestions: %w", err)
	}
	b.SuggestionRaw = raw
	return o.save(b)
}

// SchemaSuggestions returns the last recorded suggestion set, raw.
func (o *Observer) SchemaSuggestions() (json.RawMessage, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	b, err := o.load()
	if err != nil {
		return nil, err
	}
	return b.SuggestionRaw, nil
}

// RecordUsefulness increments the helpful or unhelpful counter for entryID.
func (o *Observer) RecordUsefulness(entryID string, helpful bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	b, err := o.load()
	if err != nil {
		return err
	}
	if helpful {
		b.Usefulness.Helpful[entryID]++
	} else {
		b.Usefulness.Unhelpful[entryID]++
	}
	return o.save(b)
}
