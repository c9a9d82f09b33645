// Package memengine is an in-memory implementation of the engine contract.
//
// Stores survive for the lifetime of the Engine value, so closing a database
// and opening it again at a higher version exercises the same upgrade path a
// persistent engine would. Every open database gets its own event loop.
package memengine

import (
	"math"
	"reflect"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/ashblue/my-idb/pkg/engine"
	"github.com/ashblue/my-idb/pkg/schema"
)

// Engine holds named in-memory stores.
type Engine struct {
	mu        sync.Mutex
	stores    map[string]*store
	opens     int
	supported bool
	openErr   error
}

// Option configures an Engine.
type Option func(*Engine)

// Unsupported makes the engine report itself as unavailable.
func Unsupported() Option {
	return func(e *Engine) { e.supported = false }
}

// FailOpen makes every open request fail with err.
func FailOpen(err error) Option {
	return func(e *Engine) { e.openErr = err }
}

// New creates an empty engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		stores:    make(map[string]*store),
		supported: true,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Supported implements engine.SupportChecker.
func (e *Engine) Supported() bool {
	return e.supported
}

// Opens returns how many open requests the engine has received.
func (e *Engine) Opens() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.opens
}

// Version returns the stored version of name, or 0 if it does not exist.
func (e *Engine) Version(name string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.stores[name]; ok {
		return st.version
	}
	return 0
}

// Rows returns a copy of the rows stored in table, in key order.
func (e *Engine) Rows(name, table string) []schema.Row {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.stores[name]
	if !ok {
		return nil
	}
	t, ok := st.tables[table]
	if !ok {
		return nil
	}
	return t.snapshot()
}

// Open implements engine.Engine.
func (e *Engine) Open(name string, version int, h engine.OpenHandlers) {
	loop := engine.NewLoop()

	e.mu.Lock()
	e.opens++
	e.mu.Unlock()

	loop.Post(func() {
		if e.openErr != nil {
			loop.Close()
			if h.Error != nil {
				h.Error(e.openErr)
			}
			return
		}

		e.mu.Lock()
		st, ok := e.stores[name]
		if !ok {
			st = &store{tables: make(map[string]*table)}
		}
		current := st.version
		if version < current {
			e.mu.Unlock()
			loop.Close()
			if h.Error != nil {
				h.Error(errors.Wrapf(engine.ErrVersion, "%s: requested %d, stored %d", name, version, current))
			}
			return
		}
		var working *store
		if version > current {
			working = st.clone()
			working.version = version
		}
		e.mu.Unlock()

		db := &database{engine: e, name: name, loop: loop}

		if working == nil {
			if h.Success != nil {
				h.Success(db)
			}
			return
		}

		tx := &upgradeTx{st: working, oldVersion: current, newVersion: version}
		if h.UpgradeNeeded != nil {
			h.UpgradeNeeded(tx)
		}
		tx.done = true

		e.mu.Lock()
		e.stores[name] = working
		e.mu.Unlock()

		for _, fn := range tx.complete {
			fn := fn
			loop.Post(func() { fn(nil) })
		}
		loop.Post(func() {
			if h.Success != nil {
				h.Success(db)
			}
		})
	})
}

type store struct {
	version int
	tables  map[string]*table
}

func (s *store) clone() *store {
	out := &store{version: s.version, tables: make(map[string]*table, len(s.tables))}
	for name, t := range s.tables {
		out.tables[name] = t.clone()
	}
	return out
}

type index struct {
	keyPath string
	unique  bool
	// owners maps the canonical value of a unique index to the primary
	// key of the row holding it.
	owners map[any]any
}

// uniqueValue returns the map key a unique index files v under. Values
// that can never compare equal report false.
func uniqueValue(v any) (any, bool) {
	if f, ok := schema.AsNumber(v); ok {
		if math.IsNaN(f) {
			return nil, false
		}
		return f, true
	}
	if v == nil {
		return nil, true
	}
	t := reflect.TypeOf(v)
	if !t.Comparable() {
		return nil, false
	}
	switch t.Kind() {
	case reflect.Map, reflect.Slice, reflect.Func:
		return nil, false
	}
	return v, true
}

type table struct {
	name    string
	keyPath string
	indexes map[string]index
	// rows is kept sorted by primary key.
	rows []schema.Row
}

func (t *table) clone() *table {
	out := &table{
		name:    t.name,
		keyPath: t.keyPath,
		indexes: make(map[string]index, len(t.indexes)),
		rows:    t.snapshot(),
	}
	for k, v := range t.indexes {
		if v.owners != nil {
			owners := make(map[any]any, len(v.owners))
			for val, key := range v.owners {
				owners[val] = key
			}
			v.owners = owners
		}
		out.indexes[k] = v
	}
	return out
}

func (t *table) snapshot() []schema.Row {
	out := make([]schema.Row, len(t.rows))
	for i, r := range t.rows {
		out[i] = r.Clone()
	}
	return out
}

// search returns the position of key and whether a row with it exists.
func (t *table) search(key any) (int, bool) {
	i := sort.Search(len(t.rows), func(i int) bool {
		return schema.CompareKeys(t.rows[i][t.keyPath], key) >= 0
	})
	return i, i < len(t.rows) && schema.CompareKeys(t.rows[i][t.keyPath], key) == 0
}

// checkUnique verifies row, stored under key, does not collide with any
// other row on a unique index.
func (t *table) checkUnique(row schema.Row, key any) error {
	for name, idx := range t.indexes {
		if !idx.unique {
			continue
		}
		v, ok := row[idx.keyPath]
		if !ok {
			continue
		}
		uv, ok := uniqueValue(v)
		if !ok {
			continue
		}
		if owner, taken := idx.owners[uv]; taken && schema.CompareKeys(owner, key) != 0 {
			return errors.Wrapf(engine.ErrConstraint, "%s: unique index %q already holds %v", t.name, name, v)
		}
	}
	return nil
}

// release drops the unique index entries held by row.
func (t *table) release(row schema.Row, key any) {
	for _, idx := range t.indexes {
		if !idx.unique {
			continue
		}
		v, ok := row[idx.keyPath]
		if !ok {
			continue
		}
		if uv, ok := uniqueValue(v); ok {
			if owner, taken := idx.owners[uv]; taken && schema.CompareKeys(owner, key) == 0 {
				delete(idx.owners, uv)
			}
		}
	}
}

// claim records the unique index entries held by row.
func (t *table) claim(row schema.Row, key any) {
	for _, idx := range t.indexes {
		if !idx.unique {
			continue
		}
		v, ok := row[idx.keyPath]
		if !ok {
			continue
		}
		if uv, ok := uniqueValue(v); ok {
			idx.owners[uv] = key
		}
	}
}

func (t *table) write(row schema.Row, overwrite bool) error {
	key, err := engine.KeyOf(row, t.keyPath)
	if err != nil {
		return errors.WithMessage(err, t.name)
	}
	i, found := t.search(key)
	if found && !overwrite {
		return errors.Wrapf(engine.ErrConstraint, "%s: key %v already exists", t.name, key)
	}
	if err := t.checkUnique(row, key); err != nil {
		return err
	}
	if found {
		t.release(t.rows[i], key)
		t.rows[i] = row.Clone()
		t.claim(row, key)
		return nil
	}
	t.rows = append(t.rows, nil)
	copy(t.rows[i+1:], t.rows[i:])
	t.rows[i] = row.Clone()
	t.claim(row, key)
	return nil
}

type upgradeTx struct {
	st         *store
	oldVersion int
	newVersion int
	complete   []func(error)
	done       bool
}

func (tx *upgradeTx) OldVersion() int { return tx.oldVersion }
func (tx *upgradeTx) NewVersion() int { return tx.newVersion }

func (tx *upgradeTx) TableNames() []string {
	names := make([]string, 0, len(tx.st.tables))
	for name := range tx.st.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (tx *upgradeTx) CreateTable(name, keyPath string) (engine.TableWriter, error) {
	if tx.done {
		return nil, engine.ErrNotUpgrading
	}
	if _, ok := tx.st.tables[name]; ok {
		return nil, errors.Wrap(engine.ErrTableExists, name)
	}
	if keyPath == "" {
		return nil, errors.Wrapf(engine.ErrInvalidKey, "%s: empty key path", name)
	}
	t := &table{name: name, keyPath: keyPath, indexes: make(map[string]index)}
	tx.st.tables[name] = t
	return &tableWriter{tx: tx, t: t}, nil
}

func (tx *upgradeTx) Table(name string) (engine.TableWriter, error) {
	t, ok := tx.st.tables[name]
	if !ok {
		return nil, errors.Wrap(engine.ErrTableNotFound, name)
	}
	return &tableWriter{tx: tx, t: t}, nil
}

func (tx *upgradeTx) DeleteTable(name string) error {
	if tx.done {
		return engine.ErrNotUpgrading
	}
	if _, ok := tx.st.tables[name]; !ok {
		return errors.Wrap(engine.ErrTableNotFound, name)
	}
	delete(tx.st.tables, name)
	return nil
}

func (tx *upgradeTx) OnComplete(fn func(error)) {
	tx.complete = append(tx.complete, fn)
}

type tableWriter struct {
	tx *upgradeTx
	t  *table
}

func (w *tableWriter) Name() string    { return w.t.name }
func (w *tableWriter) KeyPath() string { return w.t.keyPath }

func (w *tableWriter) IndexNames() []string {
	names := make([]string, 0, len(w.t.indexes))
	for name := range w.t.indexes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (w *tableWriter) CreateIndex(name, keyPath string, unique bool) error {
	if w.tx.done {
		return engine.ErrNotUpgrading
	}
	if _, ok := w.t.indexes[name]; ok {
		return errors.Wrapf(engine.ErrIndexExists, "%s.%s", w.t.name, name)
	}
	idx := index{keyPath: keyPath, unique: unique}
	if unique {
		idx.owners = make(map[any]any, len(w.t.rows))
		for _, row := range w.t.rows {
			v, ok := row[keyPath]
			if !ok {
				continue
			}
			uv, ok := uniqueValue(v)
			if !ok {
				continue
			}
			if _, taken := idx.owners[uv]; taken {
				return errors.Wrapf(engine.ErrConstraint, "%s.%s: existing rows share %v", w.t.name, name, v)
			}
			idx.owners[uv] = row[w.t.keyPath]
		}
	}
	w.t.indexes[name] = idx
	return nil
}

func (w *tableWriter) DeleteIndex(name string) error {
	if w.tx.done {
		return engine.ErrNotUpgrading
	}
	if _, ok := w.t.indexes[name]; !ok {
		return errors.Wrapf(engine.ErrIndexNotFound, "%s.%s", w.t.name, name)
	}
	delete(w.t.indexes, name)
	return nil
}

func (w *tableWriter) Add(row schema.Row) error {
	if w.tx.done {
		return engine.ErrNotUpgrading
	}
	return w.t.write(row, false)
}

type database struct {
	engine *Engine
	name   string
	loop   *engine.Loop

	mu      sync.Mutex
	onError func(error)
	closed  bool
}

func (db *database) Name() string { return db.name }

func (db *database) Version() int {
	return db.engine.Version(db.name)
}

func (db *database) table(name string) (*table, error) {
	st, ok := db.engine.stores[db.name]
	if !ok {
		return nil, errors.Wrap(engine.ErrTableNotFound, name)
	}
	t, ok := st.tables[name]
	if !ok {
		return nil, errors.Wrap(engine.ErrTableNotFound, name)
	}
	return t, nil
}

func (db *database) isClosed() bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.closed
}

func (db *database) OpenCursor(name string, onRow func(schema.Row, bool)) error {
	if db.isClosed() {
		return engine.ErrClosed
	}
	db.engine.mu.Lock()
	t, err := db.table(name)
	var rows []schema.Row
	if err == nil {
		rows = t.snapshot()
	}
	db.engine.mu.Unlock()
	if err != nil {
		return err
	}

	for _, row := range rows {
		row := row
		db.loop.Post(func() { onRow(row, false) })
	}
	db.loop.Post(func() { onRow(nil, true) })
	return nil
}

func (db *database) Put(name string, row schema.Row, done func(error)) error {
	if db.isClosed() {
		return engine.ErrClosed
	}
	db.engine.mu.Lock()
	t, err := db.table(name)
	if err == nil {
		_, err = engine.KeyOf(row, t.keyPath)
	}
	db.engine.mu.Unlock()
	if err != nil {
		return err
	}

	row = row.Clone()
	db.loop.Post(func() {
		db.engine.mu.Lock()
		t, err := db.table(name)
		if err == nil {
			err = t.write(row, true)
		}
		db.engine.mu.Unlock()

		if err != nil {
			db.mu.Lock()
			observer := db.onError
			db.mu.Unlock()
			if observer != nil {
				observer(err)
			}
		}
		if done != nil {
			done(err)
		}
	})
	return nil
}

func (db *database) OnError(fn func(error)) {
	db.mu.Lock()
	db.onError = fn
	db.mu.Unlock()
}

func (db *database) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	db.mu.Unlock()
	db.loop.Close()
	return nil
}
