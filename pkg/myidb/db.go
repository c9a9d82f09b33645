// Package myidb is a convenience layer over asynchronous, versioned,
// table-oriented storage engines.
//
// A DB opens a store at a version, materializes a declared schema into it
// when the version moves forward, and then mirrors every table in memory.
// Reads are served from the mirror; writes go to both the mirror and the
// store.
//
//	db := myidb.New(memengine.New()).Open("game", 1, s)
//	if err := db.WaitReady(ctx); err != nil {
//		return err
//	}
//	level := db.GetTableLine("levels", "level", 1)
package myidb

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/ashblue/my-idb/internal/cache"
	"github.com/ashblue/my-idb/internal/gateway"
	"github.com/ashblue/my-idb/internal/support"
	"github.com/ashblue/my-idb/pkg/engine"
	"github.com/ashblue/my-idb/pkg/schema"
)

var (
	// ErrUnsupported is reported by WaitReady when the engine is not
	// available in the current environment.
	ErrUnsupported = errors.New("storage engine is not supported in this environment")
	// ErrNotOpen is reported by operations that need an open store.
	ErrNotOpen = errors.New("store is not open")
)

// DB is the single entry point to one store.
type DB struct {
	engine       engine.Engine
	log          *log.Entry
	pollInterval time.Duration
	fillLimit    int
	strategy     ReadyStrategy

	gw *gateway.Gateway

	mu      sync.Mutex
	failure func()
	sess    *session
	// onReady holds callbacks registered before Open.
	onReady []func()
}

// session is the state of one Open, dropped by Close.
type session struct {
	schema schema.Schema
	mirror *cache.Mirror
	ctx    context.Context
	cancel context.CancelFunc

	failed  chan struct{}
	err     error
	filled  bool
	onReady []func()
}

// New creates a DB over e. Nothing happens until Open.
func New(e engine.Engine, opts ...Option) *DB {
	db := &DB{
		engine:       e,
		log:          log.NewEntry(log.StandardLogger()),
		pollInterval: cache.DefaultPollInterval,
		strategy:     ReadyEvent,
	}
	for _, opt := range opts {
		opt(db)
	}
	db.gw = gateway.New(e, db.log.WithField("component", "gateway"))
	return db
}

// SetFailureCallback replaces the callback run when the engine is not
// supported.
func (db *DB) SetFailureCallback(fn func()) *DB {
	db.mu.Lock()
	db.failure = fn
	db.mu.Unlock()
	return db
}

// Open requests the store name at version, upgrading it to s when version
// is above the stored one, and starts mirroring it. Only the first call has
// any effect; later calls return db unchanged whatever their arguments.
func (db *DB) Open(name string, version int, s schema.Schema) *DB {
	db.mu.Lock()
	if db.sess != nil {
		db.mu.Unlock()
		db.log.WithField("store", name).Debug("store already opened, ignoring")
		return db
	}
	ctx, cancel := context.WithCancel(context.Background())
	sess := &session{
		schema: s,
		mirror: cache.New(
			cache.WithConcurrency(db.fillLimit),
			cache.WithPollInterval(db.pollInterval),
			cache.WithLogger(db.log.WithField("component", "cache")),
		),
		ctx:     ctx,
		cancel:  cancel,
		failed:  make(chan struct{}),
		onReady: db.onReady,
	}
	db.onReady = nil
	db.sess = sess
	failure := db.failure
	db.mu.Unlock()

	if !support.Detect(db.engine, failure) {
		db.log.Error("storage engine is not supported")
		db.fail(sess, ErrUnsupported)
		return db
	}

	_, err := db.gw.Open(name, version, s, gateway.Hooks{
		Success: func(c *gateway.Connection) { db.connected(sess, c) },
		Error:   func(_ *gateway.Connection, err error) { db.fail(sess, err) },
	})
	if err != nil {
		db.log.WithFields(log.Fields{"store": name, "err": err}).Error("cannot open store")
		db.fail(sess, err)
	}
	return db
}

// connected decides whether the mirror can fill now or must wait for the
// upgrade to finish.
func (db *DB) connected(sess *session, c *gateway.Connection) {
	filled := func() { db.filled(sess) }

	if c.ObservedPreviousVersion() == c.RequestedVersion {
		sess.mirror.Fill(sess.ctx, sess.schema, db.gw, filled)
		return
	}
	switch db.strategy {
	case ReadyPoll:
		sess.mirror.AwaitReady(sess.ctx, c.IsReady, sess.schema, db.gw, filled)
	default:
		sess.mirror.AwaitEvent(sess.ctx, c.Ready(), sess.schema, db.gw, filled)
	}
}

func (db *DB) filled(sess *session) {
	db.mu.Lock()
	if sess.filled {
		db.mu.Unlock()
		return
	}
	sess.filled = true
	callbacks := sess.onReady
	sess.onReady = nil
	db.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
}

func (db *DB) fail(sess *session, err error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if sess.err != nil {
		return
	}
	sess.err = err
	close(sess.failed)
}

func (db *DB) session() *session {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.sess
}

// OnReady runs fn once the mirror of the current or next Open has been
// filled for the first time. If that already happened fn runs immediately.
func (db *DB) OnReady(fn func()) {
	db.mu.Lock()
	switch sess := db.sess; {
	case sess == nil:
		db.onReady = append(db.onReady, fn)
	case !sess.filled:
		sess.onReady = append(sess.onReady, fn)
	default:
		db.mu.Unlock()
		fn()
		return
	}
	db.mu.Unlock()
}

// WaitReady blocks until the mirror is filled, the open fails, or ctx is
// done.
func (db *DB) WaitReady(ctx context.Context) error {
	sess := db.session()
	if sess == nil {
		return ErrNotOpen
	}
	select {
	case <-sess.mirror.Ready():
		return nil
	case <-sess.failed:
		db.mu.Lock()
		defer db.mu.Unlock()
		return sess.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Refresh waits for pending writes, then rebuilds the mirror from the
// store and waits for it. The rebuild runs for the lifetime of the
// session; ctx only bounds the wait, so a caller giving up leaves the
// mirror to finish on its own. A write that failed before the refresh is
// reported after the mirror has been rebuilt.
func (db *DB) Refresh(ctx context.Context) error {
	sess := db.session()
	if sess == nil {
		return ErrNotOpen
	}
	if db.gw.Connection() == nil || db.gw.Connection().Database() == nil {
		return ErrNotOpen
	}
	writeErr := db.gw.Flush(ctx)
	if ctx.Err() != nil {
		return errors.WithMessage(ctx.Err(), "flush")
	}

	done := make(chan struct{})
	sess.mirror.Fill(sess.ctx, sess.schema, db.gw, func() {
		close(done)
		db.filled(sess)
	})
	select {
	case <-done:
		return errors.WithMessage(writeErr, "flush")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush waits until every write issued through SetTableLine is applied and
// returns the first write the store rejected since the previous Flush.
func (db *DB) Flush(ctx context.Context) error {
	return db.gw.Flush(ctx)
}

// GetTable returns the cached rows of table, or nil before the mirror is
// filled or for an unknown table.
func (db *DB) GetTable(table string) []schema.Row {
	sess := db.session()
	if sess == nil {
		return nil
	}
	return sess.mirror.Get(table)
}

// GetTableLine returns the first cached row of table whose key field
// equals value, or an empty row.
func (db *DB) GetTableLine(table, key string, value any) schema.Row {
	sess := db.session()
	if sess == nil {
		return schema.Row{}
	}
	return sess.mirror.GetLine(table, key, value)
}

// LookupTableLine is GetTableLine with explicit absence.
func (db *DB) LookupTableLine(table, key string, value any) (schema.Row, bool) {
	sess := db.session()
	if sess == nil {
		return nil, false
	}
	return sess.mirror.Lookup(table, key, value)
}

// SetTableLine upserts row into table in the store and replaces the first
// cached row whose key field equals value. The store write is issued even
// when no cached row matches; the returned row is then empty.
func (db *DB) SetTableLine(table, key string, value any, row schema.Row) schema.Row {
	sess := db.session()
	if sess == nil {
		db.log.WithField("table", table).Error("write before the store was opened")
		return schema.Row{}
	}
	db.gw.WriteRow(table, row)
	return sess.mirror.SetLine(table, key, value, row)
}

// Connection exposes the store connection, or nil before Open.
func (db *DB) Connection() *gateway.Connection {
	return db.gw.Connection()
}

// Close cancels any pending readiness wait and closes the store. A later
// Open starts over.
func (db *DB) Close() error {
	db.mu.Lock()
	sess := db.sess
	db.sess = nil
	db.mu.Unlock()
	if sess == nil {
		return nil
	}
	sess.mirror.Cancel()
	sess.cancel()
	return db.gw.Close()
}
