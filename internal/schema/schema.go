// Package schema loads, validates, and renders the user-defined context
// type catalog. The catalog is read-only from the runtime's perspective —
// only the user, through the UI or REST, edits the file on disk; nothing
// in this module writes to it except Save, which is called from that
// human-facing path, never from the improver (spec §1 non-goal).
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrNoCatalog is returned by Load when the catalog file does not exist.
// Callers treat this as "typed operations degrade to untyped" per spec §7.
var ErrNoCatalog = errors.New("no schema catalog")

// FieldKind enumerates the field kinds a schema type may declare.
type FieldKind string

const (
	KindString    FieldKind = "string"
	KindStringArr FieldKind = "string[]"
	KindNumber    FieldKind = "number"
	KindBoolean   FieldKind = "boolean"
	KindEnum      FieldKind = "enum"
)

// FieldSpec describes one field of a schema type.
type FieldSpec struct {
	Kind        FieldKind `json:"kind" yaml:"kind"`
	Required    bool      `json:"required,omitempty" yaml:"required,omitempty"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	Values      []string  `json:"values,omitempty" yaml:"values,omitempty"` // enum only
	Default     any       `json:"default,omitempty" yaml:"default,omitempty"`
}

// Type is a single named schema type in the catalog.
type Type struct {
	Name        string               `json:"name" yaml:"name"`
	Description string               `json:"description,omitempty" yaml:"description,omitempty"`
	Fields      map[string]FieldSpec `json:"fields" yaml:"fields"`
}

// Catalog is the user's declared type schema.
type Catalog struct {
	Version int    `json:"version" yaml:"version"`
	Types   []Type `json:"types" yaml:"types"`
}

// ByName looks up a type by name.
func (c *Catalog) ByName(name string) (Type, bool) {
	if c == nil {
		return Type{}, false
	}
	for _, t := range c.Types {
		if t.Name == name {
			return t, true
		}
	}
	return Type{}, false
}

// Load reads a catalog from a JSON or YAML file (chosen by extension,
// defaulting to JSON). A missing file returns ErrNoCatalog, not a hard
// error, so the runtime can degrade to untyped operation per spec §7.
// A present-but-malformed file is a hard error — the spec asks that a
// missing catalog degrade gracefully, not a corrupt one silently vanish.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoCatalog
		}
		return nil, fmt.Errorf("reading schema catalog: %w", err)
	}

	var c Catalog
	if isYAML(path) {
		if err := yaml.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("parsing YAML schema catalog: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("parsing JSON schema catalog: %w", err)
		}
	}
	return &c, nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// Save writes the catalog to path, creating the parent directory as needed.
// Reserved for the human-facing UI/REST path; the improver never calls this.
func Save(path string, c *Catalog) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating schema directory: %w", err)
	}
	var data []byte
	var err error
	if isYAML(path) {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshalling schema catalog: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate checks data against the named type's field specs. Unknown type
// names yield a single "Unknown context type" error. Unknown fields in
// data are allowed and preserved (forward-compatible).
func (c *Catalog) Validate(typeName string, data map[string]any) (bool, []string) {
	t, ok := c.ByName(typeName)
	if !ok {
		return false, []string{"Unknown context type"}
	}

	var errs []string
	names := make([]string, 0, len(t.Fields))
	for name := range t.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		spec := t.Fields[name]
		val, present := data[name]
		if !present || isEmptyValue(val) {
			if spec.Required {
				errs = append(errs, fmt.Sprintf("missing required field %q", name))
			}
			continue
		}
		if err := checkKind(name, spec, val); err != "" {
			errs = append(errs, err)
		}
	}
	return len(errs) == 0, errs
}

func isEmptyValue(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case []any:
		return len(x) == 0
	case []string:
		return len(x) == 0
	}
	return false
}

func checkKind(name string, spec FieldSpec, val any) string {
	switch spec.Kind {
	case KindString:
		if _, ok := val.(string); !ok {
			return fmt.Sprintf("field %q must be a string", name)
		}
	case KindStringArr:
		switch v := val.(type) {
		case []any:
			for _, item := range v {
				if _, ok := item.(string); !ok {
					return fmt.Sprintf("field %q must be an array of strings", name)
				}
			}
		case []string:
			// already valid
		default:
			return fmt.Sprintf("field %q must be an array of strings", name)
		}
	case KindNumber:
		switch val.(type) {
		case float64, float32, int, int64:
		default:
			return fmt.Sprintf("field %q must be a number", name)
		}
	case KindBoolean:
		if _, ok := val.(bool); !ok {
			return fmt.Sprintf("field %q must be a boolean", name)
		}
	case KindEnum:
		s, ok := val.(string)
		if !ok {
			return fmt.Sprintf("field %q must be a string", name)
		}
		if len(spec.Values) == 0 {
			return fmt.Sprintf("field %q has no declared enum values", name)
		}
		found := false
		for _, allowed := range spec.Values {
			if allowed == s {
				found = true
				break
			}
		}
		if !found {
			return fmt.Sprintf("field %q must be one of the declared enum values", name)
		}
	}
	return ""
}

// RenderContent builds the stable, deterministic content string for a
// typed entry: "[type] key: value | key: value | …", the type's catalog
// fields in name order followed by any unknown fields in name order, arrays
// joined with ", ", nil/undefined fields skipped.
func (c *Catalog) RenderContent(typeName string, data map[string]any) string {
	var order []string
	t, ok := c.ByName(typeName)
	if ok {
		fieldNames := make([]string, 0, len(t.Fields))
		for name := range t.Fields {
			fieldNames = append(fieldNames, name)
		}
		sort.Strings(fieldNames)
		order = fieldNames
	} else {
		for name := range data {
			order = append(order, name)
		}
		sort.Strings(order)
	}

	seen := make(map[string]bool, len(order))
	var parts []string
	for _, name := range order {
		seen[name] = true
		if v, ok := data[name]; ok && !isEmptyValue(v) {
			parts = append(parts, fmt.Sprintf("%s: %s", name, renderValue(v)))
		}
	}
	// Fields not declared on the catalog type, sorted for determinism.
	var extra []string
	for name := range data {
		if !seen[name] {
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)
	for _, name := range extra {
		if v := data[name]; !isEmptyValue(v) {
			parts = append(parts, fmt.Sprintf("%s: %s", name, renderValue(v)))
		}
	}

	return fmt.Sprintf("[%s] %s", typeName, strings.Join(parts, " | "))
}

func renderValue(v any) string {
	switch x := v.(type) {
	case []any:
		strs := make([]string, len(x))
		for i, item := range x {
			strs[i] = fmt.Sprintf("%v", item)
		}
		return strings.Join(strs, ", ")
	case []string:
		return strings.Join(x, ", ")
	default:
		return fmt.Sprintf("%v", x)
	}
}

// Describe renders a human-readable description of the catalog for
// presentation to agents (the describe_schema tool / GET /api/schema).
func (c *Catalog) Describe() string {
	if c == nil || len(c.Types) == 0 {
		return "No context types are defined. Save untyped context with save_context, or ask the user to define types."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Context type catalog (version %d):\n\n", c.Version)
	for _, t := range c.Types {
		fmt.Fprintf(&b, "- %s", t.Name)
		if t.Description != "" {
			fmt.Fprintf(&b, ": %s", t.Description)
		}
		b.WriteByte('\n')

		names := make([]string, 0, len(t.Fields))
		for name := range t.Fields {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			spec := t.Fields[name]
			req := "optional"
			if spec.Required {
				req = "required"
			}
			fmt.Fprintf(&b, "    %s (%s, %s)", name, spec.Kind, req)
			if spec.Kind == KindEnum && len(spec.Values) > 0 {
				fmt.Fprintf(&b, " [%s]", strings.Join(spec.Values, ", "))
			}
			if spec.Description != "" {
				fmt.Fprintf(&b, " — %s", spec.Description)
			}
			b.WriteByte('\n')
		}
	}
	return b.String()
}
