// Package gateway owns the connection to a storage engine. It runs the
// open/upgrade/success protocol, materializes a schema during upgrades and
// exposes the row-level read and write primitives the cache is built on.
package gateway

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/ashblue/my-idb/internal/metrics"
	"github.com/ashblue/my-idb/pkg/engine"
	"github.com/ashblue/my-idb/pkg/schema"
)

// Hooks are notified when the open request settles.
type Hooks struct {
	// Success runs after the database handle is recorded and the version
	// comparison has been made.
	Success func(c *Connection)
	Error   func(c *Connection, err error)
}

// Gateway holds at most one Connection.
type Gateway struct {
	engine engine.Engine
	log    *log.Entry

	mu     sync.Mutex
	conn   *Connection
	writes sync.WaitGroup
	// writeErr is the first write failure since the last Flush.
	writeErr error
}

// ErrWriteBeforeOpen is reported by Flush for writes issued without a
// database handle.
var ErrWriteBeforeOpen = errors.New("write before the store was opened")

// New returns a Gateway over e.
func New(e engine.Engine, logger *log.Entry) *Gateway {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Gateway{engine: e, log: logger}
}

// Connection returns the current connection, or nil.
func (g *Gateway) Connection() *Connection {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.conn
}

// Open requests the store name at version and materializes s into it when
// an upgrade is needed. If a connection already exists it is returned
// unchanged and the engine is not contacted.
func (g *Gateway) Open(name string, version int, s schema.Schema, hooks Hooks) (*Connection, error) {
	g.mu.Lock()
	if g.conn != nil {
		c := g.conn
		g.mu.Unlock()
		return c, nil
	}
	if name == "" {
		g.mu.Unlock()
		return nil, errors.New("store name is required")
	}
	if version < 1 {
		g.mu.Unlock()
		return nil, errors.Errorf("invalid version %d: must be >= 1", version)
	}
	if err := s.Validate(); err != nil {
		g.mu.Unlock()
		return nil, errors.WithMessage(err, "invalid schema")
	}
	c := newConnection(name, version, s)
	g.conn = c
	g.mu.Unlock()

	logger := g.log.WithFields(log.Fields{"conn": c.ID.String(), "store": name, "version": version})
	logger.Debug("requesting store")

	g.engine.Open(name, version, engine.OpenHandlers{
		UpgradeNeeded: func(tx engine.UpgradeTx) {
			g.upgrade(c, tx, logger)
		},
		Success: func(db engine.Database) {
			g.success(c, db, logger)
			if hooks.Success != nil {
				hooks.Success(c)
			}
			c.succeeded()
		},
		Error: func(err error) {
			metrics.OpensTotal.WithLabelValues(metrics.Fail).Inc()
			logger.WithField("err", err).Error("store request failed, database could not be retrieved")

			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			if hooks.Error != nil {
				hooks.Error(c, err)
			}
			c.markSettled()
		},
	})
	return c, nil
}

func (g *Gateway) success(c *Connection, db engine.Database, logger *log.Entry) {
	metrics.OpensTotal.WithLabelValues(metrics.Ok).Inc()

	db.OnError(func(err error) {
		metrics.EngineErrorsTotal.Inc()
		logger.WithField("err", err).Error("database error")
	})

	c.mu.Lock()
	c.db = db
	if !c.upgraded {
		c.previous = db.Version()
	}
	previous := c.previous
	c.mu.Unlock()

	logger.WithFields(log.Fields{
		"previous": previous,
		"upgraded": previous != c.RequestedVersion,
	}).Info("store opened")
}

// upgrade runs inside the engine's upgrade-needed callback.
func (g *Gateway) upgrade(c *Connection, tx engine.UpgradeTx, logger *log.Entry) {
	c.mu.Lock()
	c.upgraded = true
	c.previous = tx.OldVersion()
	c.mu.Unlock()

	tx.OnComplete(func(err error) {
		if err != nil {
			logger.WithField("err", err).Error("upgrade transaction aborted")
			return
		}
		logger.Debug("upgrade transaction complete")
		c.upgradeCompleted()
	})

	names := tx.TableNames()
	existing := make(map[string]Existing, len(names))
	for _, name := range names {
		w, err := tx.Table(name)
		if err != nil {
			logger.WithFields(log.Fields{"table": name, "err": err}).Warn("cannot inspect table")
			continue
		}
		existing[name] = Existing{KeyPath: w.KeyPath(), Indexes: w.IndexNames()}
	}

	logger.WithFields(log.Fields{
		"from":   tx.OldVersion(),
		"to":     tx.NewVersion(),
		"tables": len(names),
	}).Info("upgrading store")

	for _, step := range Plan(existing, names, c.Schema) {
		stepLog := logger.WithFields(log.Fields{"table": step.TableName(), "step": step.Kind()})
		if err := apply(tx, step, stepLog); err != nil {
			metrics.UpgradeStepsTotal.WithLabelValues(step.Kind(), metrics.Fail).Inc()
			stepLog.WithField("err", err).Error("upgrade step failed")
			continue
		}
		metrics.UpgradeStepsTotal.WithLabelValues(step.Kind(), metrics.Ok).Inc()
	}
}

// apply executes one reconciliation step against the upgrade transaction.
func apply(tx engine.UpgradeTx, step Step, logger *log.Entry) error {
	switch s := step.(type) {
	case CreateTable:
		w, err := tx.CreateTable(s.Spec.Table, s.Spec.KeyPath)
		if errors.Is(err, engine.ErrTableExists) {
			// Lost a race with the table list; reconcile in place instead.
			existing, terr := tx.Table(s.Spec.Table)
			if terr != nil {
				return terr
			}
			return apply(tx, keep(s.Spec, Existing{
				KeyPath: existing.KeyPath(),
				Indexes: existing.IndexNames(),
			}), logger)
		} else if err != nil {
			return err
		}
		return populate(w, s.Spec, logger)

	case KeepTable:
		w, err := tx.Table(s.Spec.Table)
		if err != nil {
			return err
		}
		for _, name := range s.DropIndexes {
			if err := w.DeleteIndex(name); err != nil {
				return errors.WithMessagef(err, "drop index %s", name)
			}
		}
		for _, idx := range s.AddIndexes {
			if err := w.CreateIndex(idx.Name, idx.Path(), idx.Unique); err != nil {
				return errors.WithMessagef(err, "add index %s", idx.Name)
			}
		}
		logger.WithFields(log.Fields{
			"added":   len(s.AddIndexes),
			"dropped": len(s.DropIndexes),
		}).Debug("kept table rows")
		return nil

	case RecreateTable:
		logger.WithFields(log.Fields{
			"old_key_path": s.OldKeyPath,
			"key_path":     s.Spec.KeyPath,
		}).Warn("key path changed, existing rows are discarded")
		if err := tx.DeleteTable(s.Spec.Table); err != nil {
			return err
		}
		w, err := tx.CreateTable(s.Spec.Table, s.Spec.KeyPath)
		if err != nil {
			return err
		}
		return populate(w, s.Spec, logger)

	case OrphanTable:
		logger.Info("table is not declared by the schema, leaving it untouched")
		return nil

	default:
		return errors.Errorf("unknown upgrade step %T", step)
	}
}

// populate creates the declared indexes of a new table and inserts its
// seed rows in declaration order. A failing row is logged and skipped.
func populate(w engine.TableWriter, spec schema.TableSpec, logger *log.Entry) error {
	for _, idx := range spec.Index {
		if err := w.CreateIndex(idx.Name, idx.Path(), idx.Unique); err != nil {
			return errors.WithMessagef(err, "create index %s", idx.Name)
		}
	}
	var failed int
	for i, row := range spec.Data {
		if err := w.Add(row); err != nil {
			failed++
			logger.WithFields(log.Fields{"row": i, "err": err}).Warn("seed row rejected")
		}
	}
	if failed > 0 {
		return errors.Errorf("%d of %d seed rows rejected", failed, len(spec.Data))
	}
	return nil
}

// ReadTable iterates table, calling onRow once per row in cursor order and
// then once with done set. Failures are logged and end the iteration.
func (g *Gateway) ReadTable(table string, onRow func(row schema.Row, done bool)) {
	db := g.database()
	if db == nil {
		g.log.WithField("table", table).Error("read before the store was opened")
		onRow(nil, true)
		return
	}
	if err := db.OpenCursor(table, onRow); err != nil {
		g.log.WithFields(log.Fields{"table": table, "err": err}).Error("cannot open cursor")
		onRow(nil, true)
	}
}

// WriteRow upserts row into table. The write is asynchronous; Flush waits
// for it and reports the first failure.
func (g *Gateway) WriteRow(table string, row schema.Row) {
	logger := g.log.WithField("table", table)
	db := g.database()
	if db == nil {
		metrics.WritesTotal.WithLabelValues(metrics.Fail).Inc()
		logger.Error(ErrWriteBeforeOpen.Error())
		g.recordWriteErr(errors.WithMessage(ErrWriteBeforeOpen, table))
		return
	}

	g.writes.Add(1)
	err := db.Put(table, row, func(err error) {
		defer g.writes.Done()
		if err != nil {
			metrics.WritesTotal.WithLabelValues(metrics.Fail).Inc()
			logger.WithField("err", err).Error("write failed")
			g.recordWriteErr(errors.WithMessagef(err, "write %s", table))
			return
		}
		metrics.WritesTotal.WithLabelValues(metrics.Ok).Inc()
	})
	if err != nil {
		g.writes.Done()
		metrics.WritesTotal.WithLabelValues(metrics.Fail).Inc()
		logger.WithField("err", err).Error("write rejected")
		g.recordWriteErr(errors.WithMessagef(err, "write %s", table))
	}
}

func (g *Gateway) recordWriteErr(err error) {
	g.mu.Lock()
	if g.writeErr == nil {
		g.writeErr = err
	}
	g.mu.Unlock()
}

// Flush blocks until every write issued so far has completed. It returns
// the first write failure since the previous Flush and clears it.
func (g *Gateway) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.writes.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	g.mu.Lock()
	err := g.writeErr
	g.writeErr = nil
	g.mu.Unlock()
	return err
}

// Close closes the database handle and forgets the connection, so a later
// Open starts over.
func (g *Gateway) Close() error {
	g.mu.Lock()
	c := g.conn
	g.conn = nil
	g.mu.Unlock()
	if c == nil {
		return nil
	}
	if db := c.Database(); db != nil {
		return db.Close()
	}
	return nil
}

func (g *Gateway) database() engine.Database {
	c := g.Connection()
	if c == nil {
		return nil
	}
	return c.Database()
}
