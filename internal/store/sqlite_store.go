package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	_ "github.com/asg017/sqlite-vec-go-bindings/ncruces"
	_ "github.com/ncruces/go-sqlite3/driver"
	"github.com/pkg/errors"

	"github.com/ashblue/my-idb/pkg/engine"
	"github.com/ashblue/my-idb/pkg/schema"
)

// catalog holds the declarations of every table in a store. Row data lives
// in one SQL table per declared table; the store version is kept in
// PRAGMA user_version.
const catalog = `
CREATE TABLE IF NOT EXISTS _myidb_tables (
    name TEXT PRIMARY KEY,
    key_path TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS _myidb_indexes (
    table_name TEXT NOT NULL,
    name TEXT NOT NULL,
    key_path TEXT NOT NULL,
    is_unique INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (table_name, name)
);
`

// SQLiteEngine implements engine.Engine on SQLite files, one file per
// store name.
type SQLiteEngine struct {
	dsn func(name string) string

	mu    sync.Mutex
	opens int
}

// NewSQLiteEngine creates an engine keeping each store in dir/<name>.db.
func NewSQLiteEngine(dir string) *SQLiteEngine {
	return &SQLiteEngine{dsn: func(name string) string {
		return filepath.Join(dir, name+".db")
	}}
}

// NewSQLiteEngineWithDSN creates an engine that opens every store at dsn.
// Use a file path for persistent storage; ":memory:" gives each open
// request a fresh, empty store.
func NewSQLiteEngineWithDSN(dsn string) *SQLiteEngine {
	return &SQLiteEngine{dsn: func(string) string { return dsn }}
}

// Supported implements engine.SupportChecker.
func (e *SQLiteEngine) Supported() bool {
	return e.dsn != nil
}

// Opens returns how many open requests the engine has received.
func (e *SQLiteEngine) Opens() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.opens
}

// connect opens the SQL handle for name and makes sure the catalog exists.
func (e *SQLiteEngine) connect(name string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", e.dsn(name))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if _, err := db.Exec(catalog); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create catalog: %w", err)
	}
	return db, nil
}

// Open implements engine.Engine.
func (e *SQLiteEngine) Open(name string, version int, h engine.OpenHandlers) {
	e.mu.Lock()
	e.opens++
	e.mu.Unlock()

	loop := engine.NewLoop()
	fail := func(err error) {
		loop.Close()
		if h.Error != nil {
			h.Error(err)
		}
	}

	loop.Post(func() {
		sqlDB, err := e.connect(name)
		if err != nil {
			fail(errors.WithMessage(err, name))
			return
		}

		var current int
		if err := sqlDB.QueryRow("PRAGMA user_version").Scan(&current); err != nil {
			sqlDB.Close()
			fail(errors.Wrapf(err, "%s: reading user_version", name))
			return
		}
		if version < current {
			sqlDB.Close()
			fail(errors.Wrapf(engine.ErrVersion, "%s: requested %d, stored %d", name, version, current))
			return
		}

		if version > current {
			if err := e.upgrade(sqlDB, current, version, h, loop); err != nil {
				sqlDB.Close()
				fail(errors.WithMessage(err, name))
				return
			}
		}

		tables, err := loadCatalog(sqlDB)
		if err != nil {
			sqlDB.Close()
			fail(errors.WithMessage(err, name))
			return
		}

		db := &database{
			name:    name,
			version: version,
			sql:     sqlDB,
			loop:    loop,
			tables:  tables,
		}
		loop.Post(func() {
			if h.Success != nil {
				h.Success(db)
			}
		})
	})
}

// upgrade runs the upgrade-needed handler inside one SQL transaction and
// bumps user_version on commit.
func (e *SQLiteEngine) upgrade(sqlDB *sql.DB, oldVersion, newVersion int, h engine.OpenHandlers, loop *engine.Loop) error {
	tables, err := loadCatalog(sqlDB)
	if err != nil {
		return err
	}

	tx, err := sqlDB.BeginTx(context.Background(), nil)
	if err != nil {
		return errors.Wrap(err, "begin upgrade")
	}
	defer tx.Rollback() // No-op if committed

	utx := &upgradeTx{
		tx:         tx,
		tables:     tables,
		oldVersion: oldVersion,
		newVersion: newVersion,
	}
	if h.UpgradeNeeded != nil {
		h.UpgradeNeeded(utx)
	}
	utx.done = true

	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", newVersion)); err != nil {
		utx.finish(loop, err)
		return errors.Wrap(err, "set user_version")
	}
	if err := tx.Commit(); err != nil {
		utx.finish(loop, err)
		return errors.Wrap(err, "commit upgrade")
	}
	utx.finish(loop, nil)
	return nil
}

// loadCatalog reads the table and index declarations of a store.
func loadCatalog(q queryer) (map[string]*tableMeta, error) {
	rows, err := q.Query(`SELECT name, key_path FROM _myidb_tables`)
	if err != nil {
		return nil, errors.Wrap(err, "load tables")
	}
	defer rows.Close()

	tables := make(map[string]*tableMeta)
	for rows.Next() {
		t := &tableMeta{Indexes: make(map[string]indexMeta)}
		if err := rows.Scan(&t.Name, &t.KeyPath); err != nil {
			return nil, errors.Wrap(err, "scan table")
		}
		tables[t.Name] = t
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	idxRows, err := q.Query(`SELECT table_name, name, key_path, is_unique FROM _myidb_indexes`)
	if err != nil {
		return nil, errors.Wrap(err, "load indexes")
	}
	defer idxRows.Close()
	for idxRows.Next() {
		var tableName string
		var idx indexMeta
		var unique int
		if err := idxRows.Scan(&tableName, &idx.Name, &idx.KeyPath, &unique); err != nil {
			return nil, errors.Wrap(err, "scan index")
		}
		idx.Unique = unique == 1
		if t, ok := tables[tableName]; ok {
			t.Indexes[idx.Name] = idx
		}
	}
	return tables, idxRows.Err()
}

type queryer interface {
	Query(query string, args ...any) (*sql.Rows, error)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

type upgradeTx struct {
	tx         *sql.Tx
	tables     map[string]*tableMeta
	oldVersion int
	newVersion int
	complete   []func(error)
	done       bool
}

func (u *upgradeTx) finish(loop *engine.Loop, err error) {
	for _, fn := range u.complete {
		fn := fn
		loop.Post(func() { fn(err) })
	}
}

func (u *upgradeTx) OldVersion() int { return u.oldVersion }
func (u *upgradeTx) NewVersion() int { return u.newVersion }

func (u *upgradeTx) TableNames() []string {
	names := make([]string, 0, len(u.tables))
	for name := range u.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (u *upgradeTx) CreateTable(name, keyPath string) (engine.TableWriter, error) {
	if u.done {
		return nil, engine.ErrNotUpgrading
	}
	if _, ok := u.tables[name]; ok {
		return nil, errors.Wrap(engine.ErrTableExists, name)
	}
	if keyPath == "" {
		return nil, errors.Wrapf(engine.ErrInvalidKey, "%s: empty key path", name)
	}
	if err := createDataTable(u.tx, name, keyPath); err != nil {
		return nil, err
	}
	t := &tableMeta{Name: name, KeyPath: keyPath, Indexes: make(map[string]indexMeta)}
	u.tables[name] = t
	return &tableWriter{u: u, t: t}, nil
}

func (u *upgradeTx) Table(name string) (engine.TableWriter, error) {
	t, ok := u.tables[name]
	if !ok {
		return nil, errors.Wrap(engine.ErrTableNotFound, name)
	}
	return &tableWriter{u: u, t: t}, nil
}

func (u *upgradeTx) DeleteTable(name string) error {
	if u.done {
		return engine.ErrNotUpgrading
	}
	if _, ok := u.tables[name]; !ok {
		return errors.Wrap(engine.ErrTableNotFound, name)
	}
	if err := dropDataTable(u.tx, name); err != nil {
		return err
	}
	delete(u.tables, name)
	return nil
}

func (u *upgradeTx) OnComplete(fn func(error)) {
	u.complete = append(u.complete, fn)
}

type tableWriter struct {
	u *upgradeTx
	t *tableMeta
}

func (w *tableWriter) Name() string    { return w.t.Name }
func (w *tableWriter) KeyPath() string { return w.t.KeyPath }

func (w *tableWriter) IndexNames() []string {
	names := make([]string, 0, len(w.t.Indexes))
	for name := range w.t.Indexes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (w *tableWriter) CreateIndex(name, keyPath string, unique bool) error {
	if w.u.done {
		return engine.ErrNotUpgrading
	}
	if _, ok := w.t.Indexes[name]; ok {
		return errors.Wrapf(engine.ErrIndexExists, "%s.%s", w.t.Name, name)
	}
	if err := createIndex(w.u.tx, w.t.Name, name, keyPath, unique); err != nil {
		return err
	}
	w.t.Indexes[name] = indexMeta{Name: name, KeyPath: keyPath, Unique: unique}
	return nil
}

func (w *tableWriter) DeleteIndex(name string) error {
	if w.u.done {
		return engine.ErrNotUpgrading
	}
	if _, ok := w.t.Indexes[name]; !ok {
		return errors.Wrapf(engine.ErrIndexNotFound, "%s.%s", w.t.Name, name)
	}
	if _, err := w.u.tx.Exec(`DROP INDEX IF EXISTS ` + quoteIdent(indexName(w.t.Name, name))); err != nil {
		return errors.Wrapf(err, "drop index %s.%s", w.t.Name, name)
	}
	if _, err := w.u.tx.Exec(`DELETE FROM _myidb_indexes WHERE table_name = ? AND name = ?`, w.t.Name, name); err != nil {
		return errors.Wrapf(err, "drop index %s.%s", w.t.Name, name)
	}
	delete(w.t.Indexes, name)
	return nil
}

func (w *tableWriter) Add(row schema.Row) error {
	if w.u.done {
		return engine.ErrNotUpgrading
	}
	return insertRow(w.u.tx, w.t, row, false)
}

type database struct {
	name    string
	version int
	sql     *sql.DB
	loop    *engine.Loop

	mu      sync.Mutex
	tables  map[string]*tableMeta
	onError func(error)
	closed  bool
}

func (db *database) Name() string { return db.name }
func (db *database) Version() int { return db.version }

func (db *database) table(name string) (*tableMeta, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, engine.ErrClosed
	}
	t, ok := db.tables[name]
	if !ok {
		return nil, errors.Wrap(engine.ErrTableNotFound, name)
	}
	return t, nil
}

func (db *database) OpenCursor(name string, onRow func(schema.Row, bool)) error {
	if _, err := db.table(name); err != nil {
		return err
	}

	db.loop.Post(func() {
		rows, err := readRows(db.sql, name)
		if err != nil {
			db.report(err)
		}
		for _, row := range rows {
			row := row
			db.loop.Post(func() { onRow(row, false) })
		}
		db.loop.Post(func() { onRow(nil, true) })
	})
	return nil
}

func (db *database) Put(name string, row schema.Row, done func(error)) error {
	t, err := db.table(name)
	if err != nil {
		return err
	}
	if _, err := engine.KeyOf(row, t.KeyPath); err != nil {
		return errors.WithMessage(err, name)
	}

	row = row.Clone()
	db.loop.Post(func() {
		err := insertRow(db.sql, t, row, true)
		if err != nil {
			db.report(err)
		}
		if done != nil {
			done(err)
		}
	})
	return nil
}

func (db *database) report(err error) {
	db.mu.Lock()
	observer := db.onError
	db.mu.Unlock()
	if observer != nil {
		observer(err)
	}
}

func (db *database) OnError(fn func(error)) {
	db.mu.Lock()
	db.onError = fn
	db.mu.Unlock()
}

// Close closes the database connection once queued requests have drained.
// It does not block, so it is safe to call from a request callback.
func (db *database) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	db.mu.Unlock()

	db.loop.Post(func() {
		if err := db.sql.Close(); err != nil {
			db.report(errors.Wrap(err, "close"))
		}
	})
	db.loop.Close()
	return nil
}

// readRows returns every row of a table in key order.
func readRows(q queryer, table string) ([]schema.Row, error) {
	rows, err := q.Query(`SELECT value FROM ` + quoteIdent(dataTable(table)) + ` ORDER BY key`)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", table)
	}
	defer rows.Close()

	var out []schema.Row
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, errors.Wrapf(err, "scan %s", table)
		}
		var row schema.Row
		if err := json.Unmarshal([]byte(raw), &row); err != nil {
			return nil, errors.Wrapf(err, "decode %s row", table)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func createDataTable(x execer, name, keyPath string) error {
	// The key column has no declared type so numbers and strings keep their
	// storage class and sort numbers first.
	if _, err := x.Exec(`CREATE TABLE ` + quoteIdent(dataTable(name)) + ` (
		key PRIMARY KEY,
		value TEXT NOT NULL
	)`); err != nil {
		return errors.Wrapf(err, "create table %s", name)
	}
	if _, err := x.Exec(`INSERT INTO _myidb_tables (name, key_path) VALUES (?, ?)`, name, keyPath); err != nil {
		return errors.Wrapf(err, "register table %s", name)
	}
	return nil
}

func dropDataTable(x execer, name string) error {
	if _, err := x.Exec(`DROP TABLE IF EXISTS ` + quoteIdent(dataTable(name))); err != nil {
		return errors.Wrapf(err, "drop table %s", name)
	}
	if _, err := x.Exec(`DELETE FROM _myidb_indexes WHERE table_name = ?`, name); err != nil {
		return errors.Wrapf(err, "drop table %s", name)
	}
	if _, err := x.Exec(`DELETE FROM _myidb_tables WHERE name = ?`, name); err != nil {
		return errors.Wrapf(err, "drop table %s", name)
	}
	return nil
}

func createIndex(x execer, table, name, keyPath string, unique bool) error {
	kind := "INDEX"
	if unique {
		kind = "UNIQUE INDEX"
	}
	stmt := fmt.Sprintf(`CREATE %s %s ON %s (json_extract(value, %s))`,
		kind, quoteIdent(indexName(table, name)), quoteIdent(dataTable(table)), quoteLiteral(jsonPath(keyPath)))
	if _, err := x.Exec(stmt); err != nil {
		if isConstraint(err) {
			return errors.Wrapf(engine.ErrConstraint, "%s.%s: %v", table, name, err)
		}
		return errors.Wrapf(err, "create index %s.%s", table, name)
	}
	if _, err := x.Exec(`INSERT INTO _myidb_indexes (table_name, name, key_path, is_unique) VALUES (?, ?, ?, ?)`,
		table, name, keyPath, boolToInt(unique)); err != nil {
		return errors.Wrapf(err, "register index %s.%s", table, name)
	}
	return nil
}

func insertRow(x execer, t *tableMeta, row schema.Row, overwrite bool) error {
	key, err := engine.KeyOf(row, t.KeyPath)
	if err != nil {
		return errors.WithMessage(err, t.Name)
	}
	value, err := json.Marshal(row)
	if err != nil {
		return errors.Wrapf(err, "encode %s row", t.Name)
	}

	stmt := `INSERT INTO ` + quoteIdent(dataTable(t.Name)) + ` (key, value) VALUES (?, ?)`
	if overwrite {
		stmt += ` ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	}
	if _, err := x.Exec(stmt, sqlKey(key), string(value)); err != nil {
		if isConstraint(err) {
			return errors.Wrapf(engine.ErrConstraint, "%s: key %v: %v", t.Name, key, err)
		}
		return errors.Wrapf(err, "write %s", t.Name)
	}
	return nil
}

// sqlKey converts a key to the value bound in SQL. Integral numbers are
// bound as integers so 1 and 1.0 address the same row.
func sqlKey(key any) any {
	if f, ok := schema.AsNumber(key); ok {
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return int64(f)
		}
		return f
	}
	return key
}

func isConstraint(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "constraint failed")
}

func dataTable(name string) string { return "t_" + name }

func indexName(table, name string) string { return "ix_" + table + "_" + name }

func jsonPath(field string) string {
	return `$."` + strings.ReplaceAll(field, `"`, `\"`) + `"`
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func quoteLiteral(s string) string {
	return `'` + strings.ReplaceAll(s, `'`, `''`) + `'`
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
