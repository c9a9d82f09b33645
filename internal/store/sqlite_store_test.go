package store

import (
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/ashblue/my-idb/pkg/engine"
	"github.com/ashblue/my-idb/pkg/schema"
)

type openResult struct {
	db       engine.Database
	err      error
	upgraded bool
	events   []string
}

// openSync drives one open request to completion. Callbacks run on the
// engine loop, so they report with t.Errorf rather than t.Fatalf.
func openSync(t *testing.T, e *SQLiteEngine, name string, version int, upgrade func(tx engine.UpgradeTx)) openResult {
	t.Helper()
	var res openResult
	done := make(chan struct{})
	e.Open(name, version, engine.OpenHandlers{
		UpgradeNeeded: func(tx engine.UpgradeTx) {
			res.upgraded = true
			res.events = append(res.events, "upgrade")
			tx.OnComplete(func(err error) {
				if err != nil {
					t.Errorf("upgrade aborted: %v", err)
				}
				res.events = append(res.events, "complete")
			})
			if upgrade != nil {
				upgrade(tx)
			}
		},
		Success: func(db engine.Database) {
			res.events = append(res.events, "success")
			res.db = db
			close(done)
		},
		Error: func(err error) {
			res.events = append(res.events, "error")
			res.err = err
			close(done)
		},
	})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("open request never settled")
	}
	if res.db != nil {
		t.Cleanup(func() { res.db.Close() })
	}
	return res
}

func readAll(t *testing.T, db engine.Database, table string) []schema.Row {
	t.Helper()
	var rows []schema.Row
	done := make(chan struct{})
	if err := db.OpenCursor(table, func(row schema.Row, last bool) {
		if last {
			close(done)
			return
		}
		rows = append(rows, row)
	}); err != nil {
		t.Fatalf("OpenCursor(%s) failed: %v", table, err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("cursor never finished")
	}
	return rows
}

func seedLevels(t *testing.T) func(engine.UpgradeTx) {
	return func(tx engine.UpgradeTx) {
		w, err := tx.CreateTable("levels", "level")
		if err != nil {
			t.Errorf("CreateTable failed: %v", err)
			return
		}
		if err := w.CreateIndex("level", "level", true); err != nil {
			t.Errorf("CreateIndex failed: %v", err)
		}
		for _, row := range []schema.Row{
			{"level": 2, "unlocked": false},
			{"level": 1, "unlocked": true},
		} {
			if err := w.Add(row); err != nil {
				t.Errorf("Add failed: %v", err)
			}
		}
	}
}

func TestOpenCreatesTables(t *testing.T) {
	e := NewSQLiteEngine(t.TempDir())

	res := openSync(t, e, "game", 1, seedLevels(t))
	if res.err != nil {
		t.Fatalf("open failed: %v", res.err)
	}
	if !res.upgraded {
		t.Fatal("expected an upgrade on a new store")
	}
	want := []string{"upgrade", "complete", "success"}
	if len(res.events) != len(want) {
		t.Fatalf("Expected events %v, got %v", want, res.events)
	}
	for i := range want {
		if res.events[i] != want[i] {
			t.Fatalf("Expected events %v, got %v", want, res.events)
		}
	}

	rows := readAll(t, res.db, "levels")
	if len(rows) != 2 {
		t.Fatalf("Expected 2 rows, got %d", len(rows))
	}
	// Cursor order is key order.
	if !schema.ValuesEqual(rows[0]["level"], 1) || rows[0]["unlocked"] != true {
		t.Errorf("Unexpected first row %v", rows[0])
	}
	if !schema.ValuesEqual(rows[1]["level"], 2) {
		t.Errorf("Unexpected second row %v", rows[1])
	}
	if res.db.Version() != 1 {
		t.Errorf("Expected version 1, got %d", res.db.Version())
	}
}

func TestReopenSameVersion(t *testing.T) {
	e := NewSQLiteEngine(t.TempDir())
	first := openSync(t, e, "game", 1, seedLevels(t))
	if first.err != nil {
		t.Fatalf("open failed: %v", first.err)
	}
	first.db.Close()

	second := openSync(t, e, "game", 1, func(engine.UpgradeTx) {
		t.Error("upgrade must not run at the stored version")
	})
	if second.err != nil {
		t.Fatalf("reopen failed: %v", second.err)
	}
	if second.upgraded {
		t.Error("unexpected upgrade")
	}
	if n := len(readAll(t, second.db, "levels")); n != 2 {
		t.Errorf("Expected 2 rows after reopen, got %d", n)
	}
	if e.Opens() != 2 {
		t.Errorf("Expected 2 open requests, got %d", e.Opens())
	}
}

func TestUpgradeSeesExistingTables(t *testing.T) {
	e := NewSQLiteEngine(t.TempDir())
	first := openSync(t, e, "game", 1, seedLevels(t))
	if first.err != nil {
		t.Fatalf("open failed: %v", first.err)
	}
	first.db.Close()

	second := openSync(t, e, "game", 2, func(tx engine.UpgradeTx) {
		if tx.OldVersion() != 1 || tx.NewVersion() != 2 {
			t.Errorf("Expected 1 -> 2, got %d -> %d", tx.OldVersion(), tx.NewVersion())
		}
		names := tx.TableNames()
		if len(names) != 1 || names[0] != "levels" {
			t.Errorf("Expected [levels], got %v", names)
			return
		}
		w, err := tx.Table("levels")
		if err != nil {
			t.Errorf("Table failed: %v", err)
			return
		}
		if w.KeyPath() != "level" {
			t.Errorf("Expected key path level, got %s", w.KeyPath())
		}
		if idx := w.IndexNames(); len(idx) != 1 || idx[0] != "level" {
			t.Errorf("Expected [level], got %v", idx)
		}
		if _, err := tx.CreateTable("levels", "level"); !errors.Is(err, engine.ErrTableExists) {
			t.Errorf("Expected ErrTableExists, got %v", err)
		}
		if err := w.DeleteIndex("level"); err != nil {
			t.Errorf("DeleteIndex failed: %v", err)
		}
	})
	if second.err != nil {
		t.Fatalf("upgrade open failed: %v", second.err)
	}
	if second.db.Version() != 2 {
		t.Errorf("Expected version 2, got %d", second.db.Version())
	}
}

func TestOpenLowerVersionFails(t *testing.T) {
	e := NewSQLiteEngine(t.TempDir())
	first := openSync(t, e, "game", 3, nil)
	if first.err != nil {
		t.Fatalf("open failed: %v", first.err)
	}
	first.db.Close()

	res := openSync(t, e, "game", 2, nil)
	if !errors.Is(res.err, engine.ErrVersion) {
		t.Fatalf("Expected ErrVersion, got %v", res.err)
	}
}

func TestUniqueIndexRejectsDuplicates(t *testing.T) {
	e := NewSQLiteEngine(t.TempDir())
	res := openSync(t, e, "game", 1, func(tx engine.UpgradeTx) {
		w, err := tx.CreateTable("players", "name")
		if err != nil {
			t.Errorf("CreateTable failed: %v", err)
			return
		}
		if err := w.CreateIndex("email", "email", true); err != nil {
			t.Errorf("CreateIndex failed: %v", err)
		}
		if err := w.Add(schema.Row{"name": "ann", "email": "a@x"}); err != nil {
			t.Errorf("Add failed: %v", err)
		}
		if err := w.Add(schema.Row{"name": "bob", "email": "a@x"}); !errors.Is(err, engine.ErrConstraint) {
			t.Errorf("Expected ErrConstraint on unique index, got %v", err)
		}
		if err := w.Add(schema.Row{"name": "ann"}); !errors.Is(err, engine.ErrConstraint) {
			t.Errorf("Expected ErrConstraint on duplicate key, got %v", err)
		}
		if err := w.Add(schema.Row{"email": "c@x"}); !errors.Is(err, engine.ErrInvalidKey) {
			t.Errorf("Expected ErrInvalidKey, got %v", err)
		}
	})
	if res.err != nil {
		t.Fatalf("open failed: %v", res.err)
	}
	if n := len(readAll(t, res.db, "players")); n != 1 {
		t.Errorf("Expected 1 row, got %d", n)
	}
}

func TestPutUpserts(t *testing.T) {
	e := NewSQLiteEngine(t.TempDir())
	res := openSync(t, e, "game", 1, seedLevels(t))
	if res.err != nil {
		t.Fatalf("open failed: %v", res.err)
	}

	written := make(chan error, 2)
	if err := res.db.Put("levels", schema.Row{"level": 2, "unlocked": true}, func(err error) { written <- err }); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := res.db.Put("levels", schema.Row{"level": 3, "unlocked": false}, func(err error) { written <- err }); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := <-written; err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}

	rows := readAll(t, res.db, "levels")
	if len(rows) != 3 {
		t.Fatalf("Expected 3 rows, got %d", len(rows))
	}
	if rows[1]["unlocked"] != true {
		t.Errorf("Expected level 2 to be unlocked, got %v", rows[1])
	}

	if err := res.db.Put("missing", schema.Row{"level": 1}, nil); !errors.Is(err, engine.ErrTableNotFound) {
		t.Errorf("Expected ErrTableNotFound, got %v", err)
	}
	if err := res.db.Put("levels", schema.Row{"unlocked": true}, nil); !errors.Is(err, engine.ErrInvalidKey) {
		t.Errorf("Expected ErrInvalidKey, got %v", err)
	}
}

func TestStructuralChangeOutsideUpgrade(t *testing.T) {
	e := NewSQLiteEngine(t.TempDir())
	var kept engine.UpgradeTx
	res := openSync(t, e, "game", 1, func(tx engine.UpgradeTx) { kept = tx })
	if res.err != nil {
		t.Fatalf("open failed: %v", res.err)
	}
	if _, err := kept.CreateTable("late", "id"); !errors.Is(err, engine.ErrNotUpgrading) {
		t.Errorf("Expected ErrNotUpgrading, got %v", err)
	}
}
