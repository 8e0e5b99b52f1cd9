package schema

import (
	"path/filepath"
	"testing"
)

func decisionCatalog() *Catalog {
	return &Catalog{
		Version: 1,
		Types: []Type{
			{
				Name:        "decision",
				Description: "A recorded technical decision",
				Fields: map[string]FieldSpec{
					"what": {Kind: KindString, Required: true},
					"why":  {Kind: KindString, Required: true},
				},
			},
		},
	}
}

func TestLoadMissingFileReturnsErrNoCatalog(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != ErrNoCatalog {
		t.Fatalf("expected ErrNoCatalog, got %v", err)
	}
}

func TestSaveThenLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schema.json")
	c := decisionCatalog()
	if err := Save(path, c); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded.Types) != 1 || loaded.Types[0].Name != "decision" {
		t.Fatalf("round trip mismatch: %+v", loaded)
	}
}

func TestSaveThenLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schema.yaml")
	c := decisionCatalog()
	if err := Save(path, c); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded.Types) != 1 || loaded.Types[0].Fields["what"].Required != true {
		t.Fatalf("YAML round trip mismatch: %+v", loaded)
	}
}

func TestValidateMissingRequiredField(t *testing.T) {
	c := decisionCatalog()
	ok, errs := c.Validate("decision", map[string]any{"what": "Use Redis"})
	if ok {
		t.Fatalf("expected validation failure")
	}
	found := false
	for _, e := range errs {
		if e == `missing required field "why"` {
			found = true
		}
	}
	if !found {
		t.Fatalf(`expected error naming "why", got %v`, errs)
	}
}

func TestValidateUnknownType(t *testing.T) {
	c := decisionCatalog()
	ok, errs := c.Validate("nonexistent", map[string]any{})
	if ok || len(errs) != 1 || errs[0] != "Unknown context type" {
		t.Fatalf("expected single Unknown context type error, got ok=%v errs=%v", ok, errs)
	}
}

func TestValidateUnknownFieldsPreserved(t *testing.T) {
	c := decisionCatalog()
	ok, errs := c.Validate("decision", map[string]any{"what": "x", "why": "y", "extra": "kept"})
	if !ok || len(errs) != 0 {
		t.Fatalf("expected success ignoring unknown field, got ok=%v errs=%v", ok, errs)
	}
}

func TestValidateEnumField(t *testing.T) {
	c := &Catalog{Types: []Type{{
		Name: "priority",
		Fields: map[string]FieldSpec{
			"level": {Kind: KindEnum, Required: true, Values: []string{"low", "high"}},
		},
	}}}
	if ok, _ := c.Validate("priority", map[string]any{"level": "medium"}); ok {
		t.Fatalf("expected enum validation to fail for undeclared value")
	}
	if ok, errs := c.Validate("priority", map[string]any{"level": "high"}); !ok {
		t.Fatalf("expected enum validation to pass, got errs=%v", errs)
	}
}

func TestRenderContentDeterministic(t *testing.T) {
	c := decisionCatalog()
	got := c.RenderContent("decision", map[string]any{"what": "Use Redis", "why": "fast reads"})
	want := "[decision] what: Use Redis | why: fast reads"
	if got != want {
		t.Fatalf("RenderContent = %q, want %q", got, want)
	}
}

func TestRenderContentSkipsEmptyJoinsArrays(t *testing.T) {
	c := &Catalog{Types: []Type{{
		Name: "note",
		Fields: map[string]FieldSpec{
			"tags": {Kind: KindStringArr},
			"body": {Kind: KindString, Required: true},
		},
	}}}
	got := c.RenderContent("note", map[string]any{"body": "hi", "tags": []any{"a", "b"}})
	want := "[note] body: hi | tags: a, b"
	if got != want {
		t.Fatalf("RenderContent = %q, want %q", got, want)
	}
}

func TestDescribeEmptyCatalog(t *testing.T) {
	var c *Catalog
	desc := c.Describe()
	if desc == "" {
		t.Fatalf("expected non-empty description for nil catalog")
	}
}
