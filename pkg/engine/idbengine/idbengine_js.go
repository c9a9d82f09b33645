//go:build js && wasm

package idbengine

import (
	"encoding/json"
	"sort"
	"sync"
	"syscall/js"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/ashblue/my-idb/pkg/engine"
	"github.com/ashblue/my-idb/pkg/schema"
)

// Engine opens stores through window.indexedDB.
type Engine struct {
	opts options

	once    sync.Once
	factory js.Value
}

// New returns an engine bound to the page's IndexedDB factory.
func New(opts ...Option) *Engine {
	return &Engine{opts: buildOptions(opts)}
}

// Supported looks the factory up under its standard and vendor-prefixed
// names and reports whether one exists.
func (e *Engine) Supported() bool {
	return e.lookup().Truthy()
}

func (e *Engine) lookup() js.Value {
	e.once.Do(func() {
		global := js.Global()
		for _, name := range vendorGlobals {
			if v := global.Get(name); v.Truthy() {
				e.factory = v
				return
			}
		}
		e.factory = js.Undefined()
	})
	return e.factory
}

// Open implements engine.Engine. UpgradeNeeded runs inside the browser's
// upgradeneeded event, since the versionchange transaction commits as soon
// as that event returns. Every other event is delivered on a Loop.
func (e *Engine) Open(name string, version int, h engine.OpenHandlers) {
	loop := engine.NewLoop()
	fail := func(err error) {
		loop.Post(func() {
			loop.Close()
			if h.Error != nil {
				h.Error(err)
			}
		})
	}

	factory := e.lookup()
	if !factory.Truthy() {
		fail(ErrUnavailable)
		return
	}
	req, err := call(factory, "open", name, version)
	if err != nil {
		fail(errors.Wrapf(err, "open %s", name))
		return
	}

	var funcs []js.Func
	release := func() {
		for _, f := range funcs {
			f.Release()
		}
	}
	handle := func(target js.Value, event string, fn func(ev js.Value)) {
		f := js.FuncOf(func(_ js.Value, args []js.Value) any {
			fn(args[0])
			return nil
		})
		funcs = append(funcs, f)
		target.Set(event, f)
	}

	handle(req, "onupgradeneeded", func(ev js.Value) {
		idb := req.Get("result")
		tx := &upgradeTx{
			log:        e.opts.log.WithField("store", name),
			db:         idb,
			tx:         req.Get("transaction"),
			oldVersion: ev.Get("oldVersion").Int(),
			newVersion: version,
		}
		handle(tx.tx, "oncomplete", func(js.Value) {
			for _, fn := range tx.complete {
				fn := fn
				loop.Post(func() { fn(nil) })
			}
		})
		handle(tx.tx, "onabort", func(js.Value) {
			err := domError(tx.tx.Get("error"))
			for _, fn := range tx.complete {
				fn := fn
				loop.Post(func() { fn(err) })
			}
		})
		if h.UpgradeNeeded != nil {
			h.UpgradeNeeded(tx)
		}
		tx.done = true
	})
	handle(req, "onsuccess", func(js.Value) {
		db := &database{log: e.opts.log.WithField("store", name), db: req.Get("result"), name: name, loop: loop}
		loop.Post(func() {
			release()
			if h.Success != nil {
				h.Success(db)
			}
		})
	})
	handle(req, "onerror", func(ev js.Value) {
		ev.Call("preventDefault")
		err := domError(req.Get("error"))
		if errName(req.Get("error")) == "VersionError" {
			err = errors.Wrapf(engine.ErrVersion, "%s: requested %d", name, version)
		}
		loop.Post(release)
		fail(err)
	})
	handle(req, "onblocked", func(js.Value) {
		e.opts.log.WithField("store", name).Warn("open blocked by another connection")
	})
}

type upgradeTx struct {
	log        *log.Entry
	db         js.Value
	tx         js.Value
	oldVersion int
	newVersion int
	complete   []func(error)
	done       bool
}

func (u *upgradeTx) OldVersion() int { return u.oldVersion }
func (u *upgradeTx) NewVersion() int { return u.newVersion }

func (u *upgradeTx) TableNames() []string {
	names := stringList(u.db.Get("objectStoreNames"))
	sort.Strings(names)
	return names
}

func (u *upgradeTx) CreateTable(name, keyPath string) (engine.TableWriter, error) {
	if u.done {
		return nil, engine.ErrNotUpgrading
	}
	if contains(u.TableNames(), name) {
		return nil, errors.Wrap(engine.ErrTableExists, name)
	}
	params := js.Global().Get("Object").New()
	params.Set("keyPath", keyPath)
	st, err := call(u.db, "createObjectStore", name, params)
	if err != nil {
		return nil, errors.Wrapf(err, "create table %s", name)
	}
	return &tableWriter{log: u.log, store: st}, nil
}

func (u *upgradeTx) Table(name string) (engine.TableWriter, error) {
	if u.done {
		return nil, engine.ErrNotUpgrading
	}
	st, err := call(u.tx, "objectStore", name)
	if err != nil {
		return nil, errors.Wrap(engine.ErrTableNotFound, name)
	}
	return &tableWriter{log: u.log, store: st}, nil
}

func (u *upgradeTx) DeleteTable(name string) error {
	if u.done {
		return engine.ErrNotUpgrading
	}
	if _, err := call(u.db, "deleteObjectStore", name); err != nil {
		return errors.Wrap(engine.ErrTableNotFound, name)
	}
	return nil
}

func (u *upgradeTx) OnComplete(fn func(error)) {
	u.complete = append(u.complete, fn)
}

type tableWriter struct {
	log   *log.Entry
	store js.Value
}

func (w *tableWriter) Name() string    { return w.store.Get("name").String() }
func (w *tableWriter) KeyPath() string { return w.store.Get("keyPath").String() }

func (w *tableWriter) IndexNames() []string {
	names := stringList(w.store.Get("indexNames"))
	sort.Strings(names)
	return names
}

func (w *tableWriter) CreateIndex(name, keyPath string, unique bool) error {
	if contains(w.IndexNames(), name) {
		return errors.Wrapf(engine.ErrIndexExists, "%s.%s", w.Name(), name)
	}
	params := js.Global().Get("Object").New()
	params.Set("unique", unique)
	_, err := call(w.store, "createIndex", name, keyPath, params)
	return errors.Wrapf(err, "create index %s.%s", w.Name(), name)
}

func (w *tableWriter) DeleteIndex(name string) error {
	if !contains(w.IndexNames(), name) {
		return errors.Wrapf(engine.ErrIndexNotFound, "%s.%s", w.Name(), name)
	}
	_, err := call(w.store, "deleteIndex", name)
	return errors.Wrapf(err, "delete index %s.%s", w.Name(), name)
}

// Add inserts row. Key errors are returned at once; constraint failures
// surface later on the request and are logged, without aborting the
// upgrade.
func (w *tableWriter) Add(row schema.Row) error {
	if _, err := engine.KeyOf(row, w.KeyPath()); err != nil {
		return err
	}
	value, err := toJS(row)
	if err != nil {
		return err
	}
	req, err := call(w.store, "add", value)
	if err != nil {
		return errors.Wrapf(err, "add to %s", w.Name())
	}
	var f js.Func
	f = js.FuncOf(func(_ js.Value, args []js.Value) any {
		args[0].Call("preventDefault")
		args[0].Call("stopPropagation")
		w.log.WithFields(log.Fields{
			"table": w.Name(),
			"err":   domError(req.Get("error")),
		}).Warn("seed row rejected")
		f.Release()
		return nil
	})
	req.Set("onerror", f)
	return nil
}

type database struct {
	log  *log.Entry
	db   js.Value
	name string
	loop *engine.Loop

	mu      sync.Mutex
	onError func(error)
	closed  bool
}

func (db *database) Name() string { return db.name }
func (db *database) Version() int { return db.db.Get("version").Int() }

func (db *database) isClosed() bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.closed
}

func (db *database) objectStore(name, mode string) (js.Value, error) {
	if db.isClosed() {
		return js.Value{}, engine.ErrClosed
	}
	if !contains(stringList(db.db.Get("objectStoreNames")), name) {
		return js.Value{}, errors.Wrap(engine.ErrTableNotFound, name)
	}
	tx, err := call(db.db, "transaction", name, mode)
	if err != nil {
		return js.Value{}, err
	}
	return tx.Call("objectStore", name), nil
}

func (db *database) OpenCursor(name string, onRow func(schema.Row, bool)) error {
	st, err := db.objectStore(name, "readonly")
	if err != nil {
		return err
	}
	req, err := call(st, "openCursor")
	if err != nil {
		return err
	}

	var success, failure js.Func
	finish := func() {
		success.Release()
		failure.Release()
		db.loop.Post(func() { onRow(nil, true) })
	}
	success = js.FuncOf(func(js.Value, []js.Value) any {
		cursor := req.Get("result")
		if cursor.IsNull() {
			finish()
			return nil
		}
		row, err := fromJS(cursor.Get("value"))
		if err != nil {
			db.report(errors.Wrapf(err, "decoding row of %s", name))
		} else {
			db.loop.Post(func() { onRow(row, false) })
		}
		cursor.Call("continue")
		return nil
	})
	failure = js.FuncOf(func(_ js.Value, args []js.Value) any {
		args[0].Call("preventDefault")
		db.report(errors.Wrapf(domError(req.Get("error")), "cursor over %s", name))
		finish()
		return nil
	})
	req.Set("onsuccess", success)
	req.Set("onerror", failure)
	return nil
}

func (db *database) Put(name string, row schema.Row, done func(error)) error {
	st, err := db.objectStore(name, "readwrite")
	if err != nil {
		return err
	}
	if _, err := engine.KeyOf(row, st.Get("keyPath").String()); err != nil {
		return err
	}
	value, err := toJS(row)
	if err != nil {
		return err
	}
	req, err := call(st, "put", value)
	if err != nil {
		return errors.Wrapf(err, "put into %s", name)
	}

	var success, failure js.Func
	release := func() {
		success.Release()
		failure.Release()
	}
	success = js.FuncOf(func(js.Value, []js.Value) any {
		release()
		if done != nil {
			db.loop.Post(func() { done(nil) })
		}
		return nil
	})
	failure = js.FuncOf(func(_ js.Value, args []js.Value) any {
		args[0].Call("preventDefault")
		release()
		err := errors.Wrapf(domError(req.Get("error")), "put into %s", name)
		db.report(err)
		if done != nil {
			db.loop.Post(func() { done(err) })
		}
		return nil
	})
	req.Set("onsuccess", success)
	req.Set("onerror", failure)
	return nil
}

func (db *database) report(err error) {
	db.loop.Post(func() {
		db.mu.Lock()
		observer := db.onError
		db.mu.Unlock()
		if observer != nil {
			observer(err)
		} else {
			db.log.WithField("err", err).Error("unhandled store error")
		}
	})
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
	db.db.Call("close")
	db.loop.Close()
	return nil
}

// call invokes method on v, turning a thrown DOMException into an error.
func call(v js.Value, method string, args ...any) (res js.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			jsErr, ok := r.(js.Error)
			if !ok {
				panic(r)
			}
			err = domError(jsErr.Value)
		}
	}()
	return v.Call(method, args...), nil
}

func errName(v js.Value) string {
	if !v.Truthy() {
		return ""
	}
	return v.Get("name").String()
}

// domError maps a DOMException onto the engine sentinels.
func domError(v js.Value) error {
	if !v.Truthy() {
		return errors.New("unknown indexedDB error")
	}
	msg := v.Get("message").String()
	switch errName(v) {
	case "ConstraintError":
		return errors.Wrap(engine.ErrConstraint, msg)
	case "DataError":
		return errors.Wrap(engine.ErrInvalidKey, msg)
	case "NotFoundError":
		return errors.Wrap(engine.ErrTableNotFound, msg)
	case "InvalidStateError":
		return errors.Wrap(engine.ErrClosed, msg)
	case "VersionError":
		return errors.Wrap(engine.ErrVersion, msg)
	}
	return errors.Errorf("%s: %s", errName(v), msg)
}

func stringList(list js.Value) []string {
	n := list.Get("length").Int()
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, list.Call("item", i).String())
	}
	return out
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// toJS and fromJS cross the boundary as JSON, the way every other value
// reaches the bridge.
func toJS(row schema.Row) (js.Value, error) {
	b, err := json.Marshal(row)
	if err != nil {
		return js.Value{}, errors.Wrap(err, "encoding row")
	}
	return js.Global().Get("JSON").Call("parse", string(b)), nil
}

func fromJS(v js.Value) (schema.Row, error) {
	s := js.Global().Get("JSON").Call("stringify", v).String()
	var row schema.Row
	if err := json.Unmarshal([]byte(s), &row); err != nil {
		return nil, err
	}
	return row, nil
}
