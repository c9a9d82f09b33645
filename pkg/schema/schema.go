// Package schema describes the tables a store must contain.
//
// A Schema is a passive template: an ordered list of TableSpec values, each
// naming a table, its key path, optional secondary indexes and the seed rows
// inserted when the table is first created. Order carries no meaning for
// correctness but is kept fixed so creation is deterministic.
package schema

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Row is a single free-form record, a mapping of field name to value.
type Row map[string]any

// Clone returns a deep copy of the row.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = cloneValue(v)
	}
	return out
}

// IsEmpty reports whether r is the empty-row sentinel returned on lookup misses.
func (r Row) IsEmpty() bool {
	return len(r) == 0
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case Row:
		return t.Clone()
	case map[string]any:
		return map[string]any(Row(t).Clone())
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	default:
		return v
	}
}

// IndexSpec declares a secondary index on a table.
type IndexSpec struct {
	Name   string `json:"name" yaml:"name"`
	Unique bool   `json:"unique,omitempty" yaml:"unique,omitempty"`
	// KeyPath defaults to Name.
	KeyPath string `json:"keyPath,omitempty" yaml:"keyPath,omitempty"`
}

// Path returns the field the index covers.
func (s IndexSpec) Path() string {
	if s.KeyPath != "" {
		return s.KeyPath
	}
	return s.Name
}

// TableSpec declares one table of a store.
type TableSpec struct {
	Table   string      `json:"table" yaml:"table"`
	KeyPath string      `json:"keyPath" yaml:"keyPath"`
	Index   []IndexSpec `json:"index,omitempty" yaml:"index,omitempty"`
	Data    []Row       `json:"data,omitempty" yaml:"data,omitempty"`
}

// Schema is the ordered set of tables a store is expected to hold.
type Schema []TableSpec

// Names returns the table names in declaration order.
func (s Schema) Names() []string {
	names := make([]string, 0, len(s))
	for _, t := range s {
		names = append(names, t.Table)
	}
	return names
}

// Table returns the spec for the named table.
func (s Schema) Table(name string) (TableSpec, bool) {
	for _, t := range s {
		if t.Table == name {
			return t, true
		}
	}
	return TableSpec{}, false
}

// Validate checks the invariants every schema must satisfy before a store
// is opened with it.
func (s Schema) Validate() error {
	seen := make(map[string]bool, len(s))
	for i, t := range s {
		if t.Table == "" {
			return fmt.Errorf("table %d: name is required", i)
		}
		if seen[t.Table] {
			return fmt.Errorf("table %q: declared more than once", t.Table)
		}
		seen[t.Table] = true
		if err := t.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks a single table declaration.
func (t TableSpec) Validate() error {
	if t.KeyPath == "" {
		return fmt.Errorf("table %q: keyPath is required", t.Table)
	}

	indexes := make(map[string]bool, len(t.Index))
	for _, idx := range t.Index {
		if idx.Name == "" {
			return fmt.Errorf("table %q: index name is required", t.Table)
		}
		if indexes[idx.Name] {
			return fmt.Errorf("table %q: index %q declared more than once", t.Table, idx.Name)
		}
		indexes[idx.Name] = true
	}

	var keys []any
	for i, row := range t.Data {
		key, ok := row[t.KeyPath]
		if !ok {
			return fmt.Errorf("table %q: row %d: missing key %q", t.Table, i, t.KeyPath)
		}
		if !ValidKey(key) {
			return fmt.Errorf("table %q: row %d: key %q must be a string or number, got %T",
				t.Table, i, t.KeyPath, key)
		}
		for _, k := range keys {
			if ValuesEqual(k, key) {
				return fmt.Errorf("table %q: row %d: duplicate key %v", t.Table, i, key)
			}
		}
		keys = append(keys, key)
	}

	for _, idx := range t.Index {
		if !idx.Unique {
			continue
		}
		var values []any
		for i, row := range t.Data {
			v, ok := row[idx.Path()]
			if !ok {
				continue
			}
			for _, prev := range values {
				if ValuesEqual(prev, v) {
					return fmt.Errorf("table %q: row %d: duplicate value %v for unique index %q",
						t.Table, i, v, idx.Name)
				}
			}
			values = append(values, v)
		}
	}
	return nil
}

// Parse decodes a schema from YAML. JSON documents are accepted as well,
// being a subset of YAML.
func Parse(data []byte) (Schema, error) {
	var s Schema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, errors.Wrap(err, "decoding schema")
	}
	for i := range s {
		for j := range s[i].Data {
			s[i].Data[j] = normalizeRow(s[i].Data[j])
		}
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Load reads and parses a schema file.
func Load(path string) (Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading schema %s", path)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, errors.WithMessagef(err, "schema %s", path)
	}
	return s, nil
}

// normalizeRow converts the nested map types yaml.v3 produces into the
// shapes encoding/json produces, so rows compare and serialize the same way
// regardless of their source.
func normalizeRow(r Row) Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return map[string]any(normalizeRow(Row(t)))
	case map[any]any:
		m := make(map[string]any, len(t))
		for k, vv := range t {
			m[fmt.Sprint(k)] = normalizeValue(vv)
		}
		return m
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = normalizeValue(t[i])
		}
		return out
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case uint64:
		return float64(t)
	default:
		return v
	}
}
