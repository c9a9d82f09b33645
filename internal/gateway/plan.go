package gateway

import (
	"github.com/ashblue/my-idb/pkg/schema"
)

// Existing describes a table already present in a store when an upgrade
// starts.
type Existing struct {
	KeyPath string
	Indexes []string
}

// Step is one reconciliation action between the tables a store holds and
// the tables a schema declares. It is one of CreateTable, KeepTable,
// RecreateTable or OrphanTable.
type Step interface {
	TableName() string
	Kind() string
}

// CreateTable adds a table that does not exist yet, with its indexes and
// seed rows.
type CreateTable struct {
	Spec schema.TableSpec
}

// KeepTable reconciles a table whose key path is unchanged. Its rows are
// preserved; indexes are added or removed to match the declaration.
type KeepTable struct {
	Spec        schema.TableSpec
	AddIndexes  []schema.IndexSpec
	DropIndexes []string
}

// RecreateTable replaces a table whose key path changed. Its rows cannot
// keep their identity, so the table is dropped and seeded again.
type RecreateTable struct {
	Spec       schema.TableSpec
	OldKeyPath string
}

// OrphanTable is a stored table the schema no longer declares. It is left
// untouched.
type OrphanTable struct {
	Name string
}

func (s CreateTable) TableName() string   { return s.Spec.Table }
func (s KeepTable) TableName() string     { return s.Spec.Table }
func (s RecreateTable) TableName() string { return s.Spec.Table }
func (s OrphanTable) TableName() string   { return s.Name }

func (CreateTable) Kind() string   { return "create" }
func (KeepTable) Kind() string     { return "keep" }
func (RecreateTable) Kind() string { return "recreate" }
func (OrphanTable) Kind() string   { return "orphan" }

// Plan computes the steps that bring a store holding existing up to s.
// Declared tables come first in declaration order, then orphans in the
// order of names given.
func Plan(existing map[string]Existing, names []string, s schema.Schema) []Step {
	var steps []Step
	for _, spec := range s {
		cur, ok := existing[spec.Table]
		switch {
		case !ok:
			steps = append(steps, CreateTable{Spec: spec})
		case cur.KeyPath != spec.KeyPath:
			steps = append(steps, RecreateTable{Spec: spec, OldKeyPath: cur.KeyPath})
		default:
			steps = append(steps, keep(spec, cur))
		}
	}
	for _, name := range names {
		if _, ok := s.Table(name); !ok {
			steps = append(steps, OrphanTable{Name: name})
		}
	}
	return steps
}

func keep(spec schema.TableSpec, cur Existing) KeepTable {
	step := KeepTable{Spec: spec}
	have := make(map[string]bool, len(cur.Indexes))
	for _, name := range cur.Indexes {
		have[name] = true
	}
	want := make(map[string]bool, len(spec.Index))
	for _, idx := range spec.Index {
		want[idx.Name] = true
		if !have[idx.Name] {
			step.AddIndexes = append(step.AddIndexes, idx)
		}
	}
	for _, name := range cur.Indexes {
		if !want[name] {
			step.DropIndexes = append(step.DropIndexes, name)
		}
	}
	return step
}
