package store

import (
	"path/filepath"
	"testing"

	"github.com/ashblue/my-idb/pkg/engine"
	"github.com/ashblue/my-idb/pkg/schema"
)

func TestExportImport(t *testing.T) {
	// Initialize store
	e := NewSQLiteEngine(t.TempDir())
	res := openSync(t, e, "game", 2, seedLevels(t))
	if res.err != nil {
		t.Fatalf("Failed to open store: %v", res.err)
	}
	res.db.Close()

	// Export
	data, err := e.ExportJSON("game")
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("Exported data is empty")
	}

	// Import into a fresh engine to simulate a new device
	e2 := NewSQLiteEngine(t.TempDir())
	if err := e2.ImportJSON(data); err != nil {
		t.Fatalf("Import failed: %v", err)
	}

	// Verify data in new store
	restored := openSync(t, e2, "game", 2, func(engine.UpgradeTx) {
		t.Error("imported store must already be at version 2")
	})
	if restored.err != nil {
		t.Fatalf("Failed to open restored store: %v", restored.err)
	}
	rows := readAll(t, restored.db, "levels")
	if len(rows) != 2 {
		t.Fatalf("Expected 2 rows, got %d", len(rows))
	}
	if rows[0]["unlocked"] != true {
		t.Errorf("Expected level 1 unlocked, got %v", rows[0])
	}

	snap, err := e2.Export("game")
	if err != nil {
		t.Fatalf("Export of restored store failed: %v", err)
	}
	if snap.Version != 2 {
		t.Errorf("Expected version 2, got %d", snap.Version)
	}
	if len(snap.Tables) != 1 || len(snap.Tables[0].Index) != 1 || !snap.Tables[0].Index[0].Unique {
		t.Errorf("Unexpected restored tables %+v", snap.Tables)
	}
}

func TestImportReplacesTables(t *testing.T) {
	e := NewSQLiteEngine(t.TempDir())
	res := openSync(t, e, "game", 1, seedLevels(t))
	if res.err != nil {
		t.Fatalf("Failed to open store: %v", res.err)
	}
	res.db.Close()

	snap := &Snapshot{
		Name:    "game",
		Version: 5,
		Tables: schema.Schema{{
			Table:   "player",
			KeyPath: "name",
			Data:    []schema.Row{{"name": "joe", "particles": true}},
		}},
	}
	if err := e.Import(snap); err != nil {
		t.Fatalf("Import failed: %v", err)
	}

	got, err := e.Export("game")
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if got.Version != 5 {
		t.Errorf("Expected version 5, got %d", got.Version)
	}
	if len(got.Tables) != 1 || got.Tables[0].Table != "player" {
		t.Fatalf("Expected only the player table, got %+v", got.Tables)
	}
	if got.Tables[0].Data[0]["name"] != "joe" {
		t.Errorf("Unexpected row %v", got.Tables[0].Data[0])
	}
}

func TestImportRejectsInvalidSnapshot(t *testing.T) {
	e := NewSQLiteEngine(t.TempDir())
	cases := map[string]*Snapshot{
		"nil":          nil,
		"no name":      {Version: 1},
		"zero version": {Name: "game"},
		"bad schema":   {Name: "game", Version: 1, Tables: schema.Schema{{Table: "t"}}},
	}
	for name, snap := range cases {
		if err := e.Import(snap); err == nil {
			t.Errorf("%s: expected an error", name)
		}
	}
	if err := e.ImportJSON([]byte("{not json")); err == nil {
		t.Error("expected a decode error")
	}
}

func TestEngineWithDSN(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	e := NewSQLiteEngineWithDSN(path)
	if !e.Supported() {
		t.Fatal("engine with a DSN must be supported")
	}
	res := openSync(t, e, "any", 1, seedLevels(t))
	if res.err != nil {
		t.Fatalf("open failed: %v", res.err)
	}
	if res.db.Name() != "any" {
		t.Errorf("Expected name any, got %s", res.db.Name())
	}
}
