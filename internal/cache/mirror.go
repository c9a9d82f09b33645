// Package cache provides the in-memory mirror of a store's tables.
// Tables are hydrated once by a full fill, then served from Go memory.
package cache

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ashblue/my-idb/internal/metrics"
	"github.com/ashblue/my-idb/pkg/pool"
	"github.com/ashblue/my-idb/pkg/schema"
)

// DefaultPollInterval is the readiness poll period used by AwaitReady.
const DefaultPollInterval = 100 * time.Millisecond

// Reader is the row source a fill drains.
type Reader interface {
	// ReadTable calls onRow once per row, then once with done set.
	ReadTable(table string, onRow func(row schema.Row, done bool))
}

// Mirror holds table name -> rows in cursor order.
// Thread-safe for concurrent access from engine callbacks.
type Mirror struct {
	log      *log.Entry
	limit    int
	interval time.Duration

	mu     sync.RWMutex
	tables map[string][]schema.Row
	gen    uint64
	ready  chan struct{}
	cancel context.CancelFunc

	// filling is set while a fill generation is in flight. wasReady
	// records whether the mirror had completed a fill before it started.
	filling  bool
	wasReady bool
	// prev holds the rows a running fill reset, until it publishes them.
	// A nil entry marks a table that was not cached before.
	prev map[string][]schema.Row
	// pending holds SetLine calls made while a fill is in flight. They are
	// replayed over the rows the fill publishes.
	pending map[string][]lineWrite
}

type lineWrite struct {
	key   string
	value any
	row   schema.Row
}

// Option configures a Mirror.
type Option func(*Mirror)

// WithConcurrency bounds how many tables a fill reads at once.
func WithConcurrency(n int) Option {
	return func(m *Mirror) { m.limit = n }
}

// WithPollInterval sets the AwaitReady poll period.
func WithPollInterval(d time.Duration) Option {
	return func(m *Mirror) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithLogger scopes the mirror's log lines.
func WithLogger(e *log.Entry) Option {
	return func(m *Mirror) {
		if e != nil {
			m.log = e
		}
	}
}

// New creates an empty mirror.
func New(opts ...Option) *Mirror {
	m := &Mirror{
		log:      log.NewEntry(log.StandardLogger()),
		limit:    pool.DefaultLimit,
		interval: DefaultPollInterval,
		tables:   make(map[string][]schema.Row),
		ready:    make(chan struct{}),
		prev:     make(map[string][]schema.Row),
		pending:  make(map[string][]lineWrite),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Fill rebuilds every table of s from r. Each table is reset to an empty
// sequence, read to its end, then published. onComplete, if not nil, runs
// once after every table is published. Fill does not block: reads complete
// on the engine's goroutine.
//
// A fill superseded by a later Fill stops publishing and never completes.
// A fill abandoned because ctx is done puts back the rows it had reset;
// if an earlier fill had completed, Ready is closed again.
func (m *Mirror) Fill(ctx context.Context, s schema.Schema, r Reader, onComplete func()) {
	gen := m.begin()
	go m.run(ctx, gen, s, r, onComplete)
}

// begin starts a new fill generation. Waiters on Ready carry over to it
// unless the previous fill already completed.
func (m *Mirror) begin() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gen++
	m.filling = true
	select {
	case <-m.ready:
		m.ready = make(chan struct{})
		m.wasReady = true
	default:
	}
	return m.gen
}

func (m *Mirror) run(ctx context.Context, gen uint64, s schema.Schema, r Reader, onComplete func()) {
	start := time.Now()
	logger := m.log.WithField("fill", gen)

	err := pool.Run(ctx, m.limit, s.Names(), func(ctx context.Context, table string) error {
		m.mu.Lock()
		if m.gen == gen {
			if _, saved := m.prev[table]; !saved {
				m.prev[table] = m.tables[table]
			}
			m.tables[table] = []schema.Row{}
		}
		m.mu.Unlock()

		var staged []schema.Row
		done := make(chan struct{})
		r.ReadTable(table, func(row schema.Row, last bool) {
			if !last {
				staged = append(staged, row)
				return
			}
			m.publish(gen, table, staged)
			close(done)
		})

		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if err != nil {
		logger.WithField("err", err).Warn("cache fill abandoned")
		m.abandon(gen)
		return
	}

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		logger.Debug("cache fill superseded")
		return
	}
	m.filling = false
	m.wasReady = false
	m.prev = make(map[string][]schema.Row)
	m.pending = make(map[string][]lineWrite)
	close(m.ready)
	m.mu.Unlock()

	elapsed := time.Since(start)
	metrics.FillsTotal.Inc()
	metrics.FillDurationSeconds.Observe(elapsed.Seconds())
	logger.WithFields(log.Fields{
		"tables":  len(s),
		"elapsed": elapsed,
	}).Debug("cache filled")

	if onComplete != nil {
		onComplete()
	}
}

func (m *Mirror) publish(gen uint64, table string, rows []schema.Row) {
	if rows == nil {
		rows = []schema.Row{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		return
	}
	metrics.RowsLoadedTotal.Add(float64(len(rows)))
	m.tables[table] = replay(rows, m.pending[table])
	delete(m.pending, table)
	delete(m.prev, table)
}

// abandon ends fill gen if it is still the latest one. Tables it reset but
// never published get their previous rows back, and late cursor results
// are discarded.
func (m *Mirror) abandon(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		return
	}
	m.gen++
	for table, rows := range m.prev {
		if rows == nil {
			delete(m.tables, table)
			continue
		}
		m.tables[table] = rows
	}
	for table, writes := range m.pending {
		if rows, ok := m.tables[table]; ok {
			m.tables[table] = replay(rows, writes)
		}
	}
	m.prev = make(map[string][]schema.Row)
	m.pending = make(map[string][]lineWrite)
	m.filling = false
	if m.wasReady {
		m.wasReady = false
		close(m.ready)
	}
}

func replay(rows []schema.Row, writes []lineWrite) []schema.Row {
	for _, w := range writes {
		if i := find(rows, w.key, w.value); i >= 0 {
			rows[i] = w.row
		}
	}
	return rows
}

// AwaitReady polls ready every poll interval, starting one interval from
// now, and fills once it reports true. The wait ends early if ctx is done
// or Cancel is called. Arming a new wait cancels the previous one.
func (m *Mirror) AwaitReady(ctx context.Context, ready func() bool, s schema.Schema, r Reader, onComplete func()) {
	m.await(ctx, func(ctx context.Context) bool {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return false
			case <-ticker.C:
			}
			if ready() {
				return true
			}
			metrics.ReadyPollsTotal.Inc()
		}
	}, s, r, onComplete)
}

// AwaitEvent fills once done is closed. Cancellation works as for
// AwaitReady.
func (m *Mirror) AwaitEvent(ctx context.Context, done <-chan struct{}, s schema.Schema, r Reader, onComplete func()) {
	m.await(ctx, func(ctx context.Context) bool {
		select {
		case <-done:
			return true
		case <-ctx.Done():
			return false
		}
	}, s, r, onComplete)
}

func (m *Mirror) await(ctx context.Context, wait func(context.Context) bool, s schema.Schema, r Reader, onComplete func()) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	m.cancel = cancel
	m.mu.Unlock()

	go func() {
		defer cancel()
		if !wait(ctx) || ctx.Err() != nil {
			m.log.Debug("readiness wait cancelled")
			return
		}
		m.run(ctx, m.begin(), s, r, onComplete)
	}()
}

// Cancel stops a pending readiness wait and the fill it started.
func (m *Mirror) Cancel() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Ready is closed once the latest fill has completed.
func (m *Mirror) Ready() <-chan struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ready
}

// IsReady reports whether Ready is closed.
func (m *Mirror) IsReady() bool {
	select {
	case <-m.Ready():
		return true
	default:
		return false
	}
}

// Get returns the rows of table in cursor order, or nil if the table has
// not been filled. The slice is a copy; the rows are shared with the cache.
func (m *Mirror) Get(table string) []schema.Row {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows, ok := m.tables[table]
	if !ok {
		return nil
	}
	out := make([]schema.Row, len(rows))
	copy(out, rows)
	return out
}

// GetLine returns the first row of table whose key field equals value.
// Returns an empty row if none matches.
func (m *Mirror) GetLine(table, key string, value any) schema.Row {
	if row, ok := m.Lookup(table, key, value); ok {
		return row
	}
	metrics.LineMissesTotal.WithLabelValues("get").Inc()
	return schema.Row{}
}

// Lookup is GetLine with explicit absence.
func (m *Mirror) Lookup(table, key string, value any) (schema.Row, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	i := find(m.tables[table], key, value)
	if i < 0 {
		return nil, false
	}
	return m.tables[table][i], true
}

// SetLine replaces the first row of table whose key field equals value
// with row and returns row. Returns an empty row, and changes nothing, if
// none matches.
//
// While a fill is in flight the write is also kept and replayed over the
// rows the fill publishes, so it is not lost to rows read before it
// reached the store. Once the fill has reset table, a match against the
// rows it held before counts as a hit.
func (m *Mirror) SetLine(table, key string, value any, row schema.Row) schema.Row {
	m.mu.Lock()
	defer m.mu.Unlock()

	var held bool
	if m.filling {
		m.pending[table] = append(m.pending[table], lineWrite{key: key, value: value, row: row})
		_, held = m.prev[table]
	}
	rows := m.tables[table]
	i := find(rows, key, value)
	if i < 0 {
		if held {
			if j := find(m.prev[table], key, value); j >= 0 {
				return row
			}
		}
		metrics.LineMissesTotal.WithLabelValues("set").Inc()
		return schema.Row{}
	}
	rows[i] = row
	return row
}

// Count returns the number of cached rows in table.
func (m *Mirror) Count(table string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tables[table])
}

// Clear drops every cached table. Ready is not affected.
func (m *Mirror) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables = make(map[string][]schema.Row)
}

func find(rows []schema.Row, key string, value any) int {
	for i, row := range rows {
		if v, ok := row[key]; ok && schema.ValuesEqual(v, value) {
			return i
		}
	}
	return -1
}
