package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func tempStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	return Open(filepath.Join(dir, "store.json"))
}

func TestOpenMissingFileYieldsEmptyStore(t *testing.T) {
	s := tempStore(t)
	entries, err := s.List("")
	if err != nil {
		t.Fatalf("List on missing file: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty store, got %d entries", len(entries))
	}
}

func TestSaveThenGetRoundTrip(t *testing.T) {
	s := tempStore(t)
	saved, err := s.Save(SaveInput{Content: "remember X", Tags: []string{"a", "b"}, Source: "test"})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := s.Get(saved.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Content != saved.Content || got.Source != saved.Source {
		t.Fatalf("round trip mismatch: saved=%+v got=%+v", saved, got)
	}
	if got.CreatedAt != saved.CreatedAt || got.UpdatedAt != saved.UpdatedAt {
		t.Fatalf("timestamps changed on round trip")
	}
}

func TestUpdateAdvancesUpdatedAtNotCreatedAt(t *testing.T) {
	s := tempStore(t)
	saved, err := s.Save(SaveInput{Content: "v1"})
	if err != nil {
		t.Fatal(err)
	}
	newContent := "v2"
	updated, err := s.Update(saved.ID, UpdateInput{Content: &newContent})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.CreatedAt != saved.CreatedAt {
		t.Fatalf("createdAt changed: %s -> %s", saved.CreatedAt, updated.CreatedAt)
	}
	if updated.UpdatedAt < saved.UpdatedAt {
		t.Fatalf("updatedAt did not advance: %s -> %s", saved.UpdatedAt, updated.UpdatedAt)
	}
	if updated.Content != "v2" {
		t.Fatalf("content not updated: %+v", updated)
	}
}

func TestArchivedEntriesExcludedFromReadPaths(t *testing.T) {
	s := tempStore(t)
	e, err := s.Save(SaveInput{Content: "old fact", Tags: []string{"stale"}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.SetArchived(e.ID, true); err != nil {
		t.Fatalf("SetArchived: %v", err)
	}

	if list, _ := s.List(""); len(list) != 0 {
		t.Fatalf("List returned archived entry: %+v", list)
	}
	if r, _ := s.Recall("old fact"); len(r) != 0 {
		t.Fatalf("Recall returned archived entry: %+v", r)
	}
	if r, _ := s.Search("old fact"); len(r) != 0 {
		t.Fatalf("Search returned archived entry: %+v", r)
	}

	// Direct ID lookup still works.
	got, err := s.Get(e.ID)
	if err != nil {
		t.Fatalf("Get on archived entry should succeed: %v", err)
	}
	if !got.Archived {
		t.Fatalf("expected archived flag to be true")
	}

	// Archive-list surfaces it.
	archived, err := s.ListArchived()
	if err != nil || len(archived) != 1 || archived[0].ID != e.ID {
		t.Fatalf("ListArchived mismatch: %+v err=%v", archived, err)
	}
}

func TestDeleteThenGetNotFound(t *testing.T) {
	s := tempStore(t)
	e, _ := s.Save(SaveInput{Content: "gone soon"})
	if err := s.Delete(e.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(e.ID); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestQueryByTypeFiltersOnStructuredData(t *testing.T) {
	s := tempStore(t)
	f, err := s.load()
	if err != nil {
		t.Fatal(err)
	}
	f.Entries = append(f.Entries,
		Entry{ID: "e1", TypeName: "decision", StructuredData: map[string]any{"what": "Use Redis"}, CreatedAt: nowISO(), UpdatedAt: nowISO()},
		Entry{ID: "e2", TypeName: "decision", StructuredData: map[string]any{"what": "Use Postgres"}, CreatedAt: nowISO(), UpdatedAt: nowISO()},
	)
	if err := s.save(f); err != nil {
		t.Fatal(err)
	}

	out, err := s.QueryByType("decision", map[string]any{"what": "Use Redis"})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].ID != "e1" {
		t.Fatalf("unexpected filter result: %+v", out)
	}
}

func TestGroupCascadeVsOrphan(t *testing.T) {
	s := tempStore(t)
	g, err := s.CreateGroup("proj", "")
	if err != nil {
		t.Fatal(err)
	}
	e, err := s.Save(SaveInput{Content: "note", GroupID: g.ID})
	if err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteGroup(g.ID, false); err != nil {
		t.Fatalf("orphan delete: %v", err)
	}
	got, err := s.Get(e.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.GroupID != "" {
		t.Fatalf("expected orphaned entry, got groupId=%q", got.GroupID)
	}

	g2, _ := s.CreateGroup("proj2", "")
	e2, _ := s.Save(SaveInput{Content: "note2", GroupID: g2.ID})
	if err := s.DeleteGroup(g2.ID, true); err != nil {
		t.Fatalf("cascade delete: %v", err)
	}
	if _, err := s.Get(e2.ID); err != ErrNotFound {
		t.Fatalf("expected cascade-deleted entry to be gone, got err=%v", err)
	}
}

func TestUpdateGroupPartialFieldsAndUnknownID(t *testing.T) {
	s := tempStore(t)
	g, err := s.CreateGroup("proj", "old desc")
	if err != nil {
		t.Fatal(err)
	}

	newName := "renamed"
	got, err := s.UpdateGroup(g.ID, &newName, nil)
	if err != nil {
		t.Fatalf("UpdateGroup: %v", err)
	}
	if got.Name != "renamed" || got.Description != "old desc" {
		t.Fatalf("expected name updated and description untouched, got %+v", got)
	}
	if got.UpdatedAt == g.CreatedAt {
		t.Fatalf("expected UpdatedAt to advance")
	}

	if _, err := s.UpdateGroup("missing", &newName, nil); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for unknown group, got %v", err)
	}
}

func TestMalformedFileFailsLoudly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	s := Open(path)
	if _, err := s.List(""); err == nil {
		t.Fatalf("expected error on malformed store file")
	}
}

func TestMissingGroupsListMigratesToEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.json")
	data, _ := json.Marshal(map[string]any{
		"version": 1,
		"entries": []any{},
	})
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	s := Open(path)
	groups, err := s.ListGroups()
	if err != nil {
		t.Fatalf("ListGroups on file missing groups key: %v", err)
	}
	if len(groups) != 0 {
		t.Fatalf("expected empty group list, got %+v", groups)
	}
}

type fakeValidator struct {
	errs []string
}

func (f fakeValidator) Validate(typeName string, data map[string]any) (bool, []string) {
	return len(f.errs) == 0, f.errs
}

func (f fakeValidator) RenderContent(typeName string, data map[string]any) string {
	return "[" + typeName + "] rendered"
}

func TestSaveTypedPersistsDespiteValidationErrors(t *testing.T) {
	s := tempStore(t)
	v := fakeValidator{errs: []string{`missing required field "why"`}}
	e, errs, err := s.SaveTyped(v, SaveTypedInput{TypeName: "decision", Data: map[string]any{"what": "Use Redis"}})
	if err != nil {
		t.Fatalf("SaveTyped returned error: %v", err)
	}
	if len(errs) != 1 {
		t.Fatalf("expected 1 validation error, got %v", errs)
	}
	got, err := s.Get(e.ID)
	if err != nil {
		t.Fatalf("entry should be persisted despite validation errors: %v", err)
	}
	if got.TypeName != "decision" {
		t.Fatalf("expected typeName set, got %+v", got)
	}
}
