// Package store provides a SQLite-backed storage engine for myidb.
// This is the persistent engine used outside the browser (CLI, tests).
package store

import (
	"github.com/ashblue/my-idb/pkg/schema"
)

// Snapshot is the JSON export of a whole store: its version and, for every
// table, the declaration it was created with plus its current rows in the
// Data field.
type Snapshot struct {
	Name    string        `json:"name"`
	Version int           `json:"version"`
	Tables  schema.Schema `json:"tables"`
}

// tableMeta mirrors one row of the _myidb_tables catalog.
type tableMeta struct {
	Name    string
	KeyPath string
	Indexes map[string]indexMeta
}

// indexMeta mirrors one row of the _myidb_indexes catalog.
type indexMeta struct {
	Name    string
	KeyPath string
	Unique  bool
}
