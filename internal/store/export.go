package store

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/pkg/errors"

	"github.com/ashblue/my-idb/pkg/schema"
)

// Export reads the whole store name directly, bypassing the request model,
// and returns it as a snapshot. Tables are listed by name, rows in key order.
func (e *SQLiteEngine) Export(name string) (*Snapshot, error) {
	db, err := e.connect(name)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	snap := &Snapshot{Name: name}
	if err := db.QueryRow("PRAGMA user_version").Scan(&snap.Version); err != nil {
		return nil, errors.Wrap(err, "export: user_version")
	}

	tables, err := loadCatalog(db)
	if err != nil {
		return nil, errors.WithMessage(err, "export")
	}
	names := make([]string, 0, len(tables))
	for n := range tables {
		names = append(names, n)
	}
	sort.Strings(names)

	for _, n := range names {
		t := tables[n]
		spec := schema.TableSpec{Table: t.Name, KeyPath: t.KeyPath}

		idxNames := make([]string, 0, len(t.Indexes))
		for in := range t.Indexes {
			idxNames = append(idxNames, in)
		}
		sort.Strings(idxNames)
		for _, in := range idxNames {
			idx := t.Indexes[in]
			is := schema.IndexSpec{Name: idx.Name, Unique: idx.Unique}
			if idx.KeyPath != idx.Name {
				is.KeyPath = idx.KeyPath
			}
			spec.Index = append(spec.Index, is)
		}

		rows, err := readRows(db, t.Name)
		if err != nil {
			return nil, errors.WithMessage(err, "export")
		}
		spec.Data = rows
		snap.Tables = append(snap.Tables, spec)
	}
	return snap, nil
}

// ExportJSON is Export encoded as indented JSON.
func (e *SQLiteEngine) ExportJSON(name string) ([]byte, error) {
	snap, err := e.Export(name)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(snap, "", "  ")
}

// Import replaces the contents of store snap.Name with the snapshot: every
// existing table is dropped, the snapshot's tables, indexes and rows are
// written and the store version is set to snap.Version, all in one
// transaction.
func (e *SQLiteEngine) Import(snap *Snapshot) error {
	if snap == nil || snap.Name == "" {
		return errors.New("import: snapshot has no store name")
	}
	if snap.Version < 1 {
		return fmt.Errorf("import: invalid version %d", snap.Version)
	}
	if err := snap.Tables.Validate(); err != nil {
		return errors.WithMessage(err, "import")
	}

	db, err := e.connect(snap.Name)
	if err != nil {
		return err
	}
	defer db.Close()

	existing, err := loadCatalog(db)
	if err != nil {
		return errors.WithMessage(err, "import")
	}

	tx, err := db.Begin()
	if err != nil {
		return errors.Wrap(err, "import: begin")
	}
	defer tx.Rollback() // No-op if committed

	for n := range existing {
		if err := dropDataTable(tx, n); err != nil {
			return errors.WithMessage(err, "import")
		}
	}
	for _, spec := range snap.Tables {
		if err := createDataTable(tx, spec.Table, spec.KeyPath); err != nil {
			return errors.WithMessage(err, "import")
		}
		meta := &tableMeta{Name: spec.Table, KeyPath: spec.KeyPath}
		for _, idx := range spec.Index {
			if err := createIndex(tx, spec.Table, idx.Name, idx.Path(), idx.Unique); err != nil {
				return errors.WithMessage(err, "import")
			}
		}
		for _, row := range spec.Data {
			if err := insertRow(tx, meta, row, false); err != nil {
				return errors.WithMessage(err, "import")
			}
		}
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", snap.Version)); err != nil {
		return errors.Wrap(err, "import: user_version")
	}
	return errors.Wrap(tx.Commit(), "import: commit")
}

// ImportJSON decodes a snapshot produced by ExportJSON and imports it.
func (e *SQLiteEngine) ImportJSON(data []byte) error {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return errors.Wrap(err, "import unmarshal")
	}
	return e.Import(&snap)
}
