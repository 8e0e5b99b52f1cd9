package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Event is emitted to a Notifier on every store operation that reads or
// mutates state. The store never reads back what it emits — see
// internal/observer, which is the sole consumer.
type Event struct {
	Action    string   // "write", "read" or "miss"
	Tool      string   // caller-supplied label, e.g. "save_context", "recall"
	Query     string   // set for recall/search reads and misses
	TypeName  string   // set for typed reads/writes
	EntryIDs  []string // affected entry IDs, if any
	Timestamp string
}

// Notifier receives store events. Implemented by internal/observer.Observer.
type Notifier interface {
	Notify(Event)
}

type noopNotifier struct{}

func (noopNotifier) Notify(Event) {}

// Validator validates structured data against a named type in a catalog.
// Implemented by internal/schema.Catalog. Kept as an interface here so
// store never imports schema directly (schema is the sole kind authority;
// store only needs a yes/no plus error list).
type Validator interface {
	Validate(typeName string, data map[string]any) (bool, []string)
	RenderContent(typeName string, data map[string]any) string
}

// Store persists entries and groups in a single JSON file, serializing all
// access through one mutex and rewriting the file atomically on every
// mutation.
type Store struct {
	mu       sync.Mutex
	path     string
	notifier Notifier
}

// Open returns a Store backed by the JSON file at path. The file is not
// read until the first operation; a missing file behaves as an empty store.
func Open(path string) *Store {
	return &Store{path: path, notifier: noopNotifier{}}
}

// SetNotifier attaches an observer. Must be called before concurrent use
// begins; there is no synchronization around swapping it later.
func (s *Store) SetNotifier(n Notifier) {
	if n == nil {
		n = noopNotifier{}
	}
	s.notifier = n
}

func (s *Store) notify(e Event) {
	e.Timestamp = nowISO()
	s.notifier.Notify(e)
}

// load reads and parses the store file. A missing file yields an empty
// store; a malformed file fails loudly, per spec.
func (s *Store) load() (file, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return file{Version: storeVersion}, nil
		}
		return file{}, fmt.Errorf("reading store file: %w", err)
	}
	var f file
	if err := json.Unmarshal(data, &f); err != nil {
		return file{}, fmt.Errorf("parsing store file %s: %w", s.path, err)
	}
	if f.Version == 0 {
		f.Version = storeVersion
	}
	if f.Groups == nil {
		f.Groups = []Group{}
	}
	if f.Entries == nil {
		f.Entries = []Entry{}
	}
	return f, nil
}

// save writes f to a temp file in the same directory and renames it over
// the target path, so readers never observe a partial write.
func (s *Store) save(f file) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating store directory: %w", err)
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling store file: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".store-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp store file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temp store file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp store file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming temp store file into place: %w", err)
	}
	return nil
}

// newEntryID derives a content-addressed ID: a short hash of the content
// plus a random suffix, so identical content produces a recognizably
// related but still-unique ID on repeated saves.
func newEntryID(content string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(content)))
	hash := hex.EncodeToString(sum[:])[:12]
	suffix := strconv.FormatUint(rand.Uint64(), 36)[:6]
	return fmt.Sprintf("e_%s_%s", hash, suffix)
}

// newGroupID has no content to address, so it's a plain UUID, per spec.
func newGroupID() string {
	return fmt.Sprintf("g_%s", uuid.New().String())
}

// ─── Entry CRUD ──────────────────────────────────────────────────────────

// SaveInput describes a new (untyped) entry to create.
type SaveInput struct {
	Content string
	Tags    []string
	Source  string
	GroupID string
}

// Save creates a new untyped entry.
func (s *Store) Save(in SaveInput) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return Entry{}, err
	}

	now := nowISO()
	e := Entry{
		ID:        newEntryID(in.Content),
		Content:   in.Content,
		Tags:      append([]string{}, in.Tags...),
		Source:    in.Source,
		GroupID:   in.GroupID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	f.Entries = append(f.Entries, e)
	if err := s.save(f); err != nil {
		return Entry{}, err
	}
	s.notify(Event{Action: "write", Tool: "save_context", EntryIDs: []string{e.ID}})
	return e, nil
}

// SaveTypedInput describes a new typed entry to create.
type SaveTypedInput struct {
	TypeName string
	Data     map[string]any
	Tags     []string
	Source   string
	GroupID  string
}

// SaveTyped validates data against the catalog and persists the entry
// regardless of validation outcome, returning validation errors alongside
// the saved entry (spec §4.A: "even if validation fails, persist... but
// return the list of errors alongside").
func (s *Store) SaveTyped(v Validator, in SaveTypedInput) (Entry, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return Entry{}, nil, err
	}

	var errs []string
	content := ""
	if v != nil {
		_, errs = v.Validate(in.TypeName, in.Data)
		content = v.RenderContent(in.TypeName, in.Data)
	}

	now := nowISO()
	e := Entry{
		ID:             newEntryID(content),
		Content:        content,
		Tags:           append([]string{}, in.Tags...),
		Source:         in.Source,
		GroupID:        in.GroupID,
		TypeName:       in.TypeName,
		StructuredData: in.Data,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	f.Entries = append(f.Entries, e)
	if err := s.save(f); err != nil {
		return Entry{}, nil, err
	}
	s.notify(Event{Action: "write", Tool: "save_typed_context", TypeName: in.TypeName, EntryIDs: []string{e.ID}})
	return e, errs, nil
}

// Get returns an entry by ID regardless of archived status (direct ID
// lookup is exempt from the archive-exclusion rule, per spec §3 invariant 3).
func (s *Store) Get(id string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return Entry{}, err
	}
	for _, e := range f.Entries {
		if e.ID == id {
			s.notify(Event{Action: "read", Tool: "get_context", EntryIDs: []string{id}})
			return e, nil
		}
	}
	s.notify(Event{Action: "miss", Tool: "get_context", EntryIDs: []string{id}})
	return Entry{}, ErrNotFound
}

// UpdateInput describes fields to change on an existing entry. Nil pointers
// leave the corresponding field unchanged.
type UpdateInput struct {
	Content *string
	Tags    *[]string
	Source  *string
	GroupID *string
}

// Update mutates an existing entry's user-editable fields and advances
// updatedAt. createdAt is never touched.
func (s *Store) Update(id string, in UpdateInput) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return Entry{}, err
	}
	idx := indexOf(f.Entries, id)
	if idx < 0 {
		return Entry{}, ErrNotFound
	}
	e := &f.Entries[idx]
	if in.Content != nil {
		e.Content = *in.Content
	}
	if in.Tags != nil {
		e.Tags = *in.Tags
	}
	if in.Source != nil {
		e.Source = *in.Source
	}
	if in.GroupID != nil {
		e.GroupID = *in.GroupID
	}
	e.UpdatedAt = nowISO()
	if err := s.save(f); err != nil {
		return Entry{}, err
	}
	s.notify(Event{Action: "write", Tool: "update_context", EntryIDs: []string{id}})
	return *e, nil
}

// Delete permanently removes an entry. Only reachable via explicit
// user/REST action, never from the improver (spec §1 non-goal).
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return err
	}
	idx := indexOf(f.Entries, id)
	if idx < 0 {
		return ErrNotFound
	}
	f.Entries = append(f.Entries[:idx], f.Entries[idx+1:]...)
	if err := s.save(f); err != nil {
		return err
	}
	s.notify(Event{Action: "write", Tool: "delete_context", EntryIDs: []string{id}})
	return nil
}

// SetArchived flips the archived flag without touching content, per the
// archive_stale/merge_duplicates/resolve_contradictions action semantics.
func (s *Store) SetArchived(id string, archived bool) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return Entry{}, err
	}
	idx := indexOf(f.Entries, id)
	if idx < 0 {
		return Entry{}, ErrNotFound
	}
	f.Entries[idx].Archived = archived
	f.Entries[idx].UpdatedAt = nowISO()
	if err := s.save(f); err != nil {
		return Entry{}, err
	}
	tool := "archive_context"
	if !archived {
		tool = "unarchive_context"
	}
	s.notify(Event{Action: "write", Tool: tool, EntryIDs: []string{id}})
	return f.Entries[idx], nil
}

// SetType sets or clears the typeName weak reference on an existing entry
// without validating (validation happens only at write time per invariant 2).
func (s *Store) SetType(id, typeName string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return Entry{}, err
	}
	idx := indexOf(f.Entries, id)
	if idx < 0 {
		return Entry{}, ErrNotFound
	}
	f.Entries[idx].TypeName = typeName
	f.Entries[idx].UpdatedAt = nowISO()
	if err := s.save(f); err != nil {
		return Entry{}, err
	}
	s.notify(Event{Action: "write", Tool: "set_type", TypeName: typeName, EntryIDs: []string{id}})
	return f.Entries[idx], nil
}

// SetTags overwrites the tag set on an entry (used by improver's auto_tag).
func (s *Store) SetTags(id string, tags []string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return Entry{}, err
	}
	idx := indexOf(f.Entries, id)
	if idx < 0 {
		return Entry{}, ErrNotFound
	}
	f.Entries[idx].Tags = tags
	f.Entries[idx].UpdatedAt = nowISO()
	if err := s.save(f); err != nil {
		return Entry{}, err
	}
	s.notify(Event{Action: "write", Tool: "set_tags", EntryIDs: []string{id}})
	return f.Entries[idx], nil
}

// ReplaceContent overwrites content and tags together, used by
// merge_duplicates to fold the older entry's content/tags into the survivor.
func (s *Store) ReplaceContent(id, content string, tags []string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return Entry{}, err
	}
	idx := indexOf(f.Entries, id)
	if idx < 0 {
		return Entry{}, ErrNotFound
	}
	f.Entries[idx].Content = content
	f.Entries[idx].Tags = tags
	f.Entries[idx].UpdatedAt = nowISO()
	if err := s.save(f); err != nil {
		return Entry{}, err
	}
	s.notify(Event{Action: "write", Tool: "merge_context", EntryIDs: []string{id}})
	return f.Entries[idx], nil
}

func indexOf(entries []Entry, id string) int {
	for i, e := range entries {
		if e.ID == id {
			return i
		}
	}
	return -1
}

// ─── Reads / queries ─────────────────────────────────────────────────────

// List returns active entries, optionally filtered by tag.
func (s *Store) List(tag string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range f.Entries {
		if e.Archived {
			continue
		}
		if tag != "" && !hasTag(e.Tags, tag) {
			continue
		}
		out = append(out, e)
	}
	s.notify(Event{Action: "read", Tool: "list_contexts"})
	return out, nil
}

// ListArchived returns only archived entries — the one place archived
// entries appear outside direct ID lookup, per spec §3 invariant 3.
func (s *Store) ListArchived() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range f.Entries {
		if e.Archived {
			out = append(out, e)
		}
	}
	s.notify(Event{Action: "read", Tool: "list_archived"})
	return out, nil
}

// Recall performs a case-insensitive substring search over content and tags.
func (s *Store) Recall(query string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return nil, err
	}
	q := strings.ToLower(query)
	var out []Entry
	for _, e := range f.Entries {
		if e.Archived {
			continue
		}
		if strings.Contains(strings.ToLower(e.Content), q) || tagsContain(e.Tags, q) {
			out = append(out, e)
		}
	}
	if len(out) == 0 {
		s.notify(Event{Action: "miss", Tool: "recall", Query: query})
	} else {
		s.notify(Event{Action: "read", Tool: "recall", Query: query})
	}
	return out, nil
}

// Search performs a multi-term conjunctive search over content, tags, and
// source: every whitespace-separated term in query must match somewhere.
func (s *Store) Search(query string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return nil, err
	}
	terms := strings.Fields(strings.ToLower(query))
	var out []Entry
	for _, e := range f.Entries {
		if e.Archived {
			continue
		}
		haystack := strings.ToLower(e.Content + " " + strings.Join(e.Tags, " ") + " " + e.Source)
		matched := true
		for _, t := range terms {
			if !strings.Contains(haystack, t) {
				matched = false
				break
			}
		}
		if matched {
			out = append(out, e)
		}
	}
	if len(out) == 0 {
		s.notify(Event{Action: "miss", Tool: "search", Query: query})
	} else {
		s.notify(Event{Action: "read", Tool: "search", Query: query})
	}
	return out, nil
}

// QueryByType returns active entries of the given type whose structured
// data matches every field constraint in filter.
func (s *Store) QueryByType(typeName string, filter map[string]any) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range f.Entries {
		if e.Archived || e.TypeName != typeName {
			continue
		}
		if matchesFilter(e.StructuredData, filter) {
			out = append(out, e)
		}
	}
	if len(out) == 0 {
		s.notify(Event{Action: "miss", Tool: "query_by_type", TypeName: typeName})
	} else {
		s.notify(Event{Action: "read", Tool: "query_by_type", TypeName: typeName})
	}
	return out, nil
}

func matchesFilter(data map[string]any, filter map[string]any) bool {
	if len(filter) == 0 {
		return true
	}
	if data == nil {
		return false
	}
	for k, want := range filter {
		got, ok := data[k]
		if !ok {
			return false
		}
		if fmt.Sprintf("%v", got) != fmt.Sprintf("%v", want) {
			return false
		}
	}
	return true
}

// All returns every non-archived entry, used internally by components
// (observer aggregation excluded; self-model and improver need the full
// active set, not a filtered view).
func (s *Store) All() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range f.Entries {
		if !e.Archived {
			out = append(out, e)
		}
	}
	return out, nil
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

func tagsContain(tags []string, q string) bool {
	for _, t := range tags {
		if strings.Contains(strings.ToLower(t), q) {
			return true
		}
	}
	return false
}

// ─── Groups ──────────────────────────────────────────────────────────────

// CreateGroup creates a new group.
func (s *Store) CreateGroup(name, description string) (Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return Group{}, err
	}
	now := nowISO()
	g := Group{ID: newGroupID(), Name: name, Description: description, CreatedAt: now, UpdatedAt: now}
	f.Groups = append(f.Groups, g)
	if err := s.save(f); err != nil {
		return Group{}, err
	}
	s.notify(Event{Action: "write", Tool: "create_group"})
	return g, nil
}

// ListGroups returns every group.
func (s *Store) ListGroups() ([]Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return nil, err
	}
	sort.Slice(f.Groups, func(i, j int) bool { return f.Groups[i].CreatedAt < f.Groups[j].CreatedAt })
	return f.Groups, nil
}

// UpdateGroup renames a group and/or replaces its description. A nil
// pointer leaves the corresponding field unchanged.
func (s *Store) UpdateGroup(groupID string, name, description *string) (Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return Group{}, err
	}
	gi := -1
	for i, g := range f.Groups {
		if g.ID == groupID {
			gi = i
			break
		}
	}
	if gi < 0 {
		return Group{}, ErrNotFound
	}
	if name != nil {
		f.Groups[gi].Name = *name
	}
	if description != nil {
		f.Groups[gi].Description = *description
	}
	f.Groups[gi].UpdatedAt = nowISO()
	if err := s.save(f); err != nil {
		return Group{}, err
	}
	s.notify(Event{Action: "write", Tool: "update_group"})
	return f.Groups[gi], nil
}

// EntriesByGroup returns active entries belonging to groupID.
func (s *Store) EntriesByGroup(groupID string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range f.Entries {
		if !e.Archived && e.GroupID == groupID {
			out = append(out, e)
		}
	}
	return out, nil
}

// DeleteGroup removes a group. When cascade is true, member entries are
// deleted too; otherwise their groupId back-reference is cleared.
func (s *Store) DeleteGroup(groupID string, cascade bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return err
	}
	gi := -1
	for i, g := range f.Groups {
		if g.ID == groupID {
			gi = i
			break
		}
	}
	if gi < 0 {
		return ErrNotFound
	}
	f.Groups = append(f.Groups[:gi], f.Groups[gi+1:]...)

	if cascade {
		kept := f.Entries[:0]
		for _, e := range f.Entries {
			if e.GroupID != groupID {
				kept = append(kept, e)
			}
		}
		f.Entries = kept
	} else {
		for i := range f.Entries {
			if f.Entries[i].GroupID == groupID {
				f.Entries[i].GroupID = ""
				f.Entries[i].UpdatedAt = nowISO()
			}
		}
	}
	if err := s.save(f); err != nil {
		return err
	}
	s.notify(Event{Action: "write", Tool: "delete_group"})
	return nil
}
