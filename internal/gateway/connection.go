package gateway

import (
	"sync"

	"github.com/google/uuid"

	"github.com/ashblue/my-idb/pkg/engine"
	"github.com/ashblue/my-idb/pkg/schema"
)

// Connection is the single open handle to a store.
type Connection struct {
	ID               uuid.UUID
	Name             string
	RequestedVersion int
	Schema           schema.Schema

	mu          sync.Mutex
	db          engine.Database
	previous    int
	upgraded    bool
	upgradeDone bool
	err         error

	ready     chan struct{}
	readyOnce sync.Once
	settled   chan struct{}
	settle    sync.Once
}

func newConnection(name string, version int, s schema.Schema) *Connection {
	return &Connection{
		ID:               uuid.New(),
		Name:             name,
		RequestedVersion: version,
		Schema:           s,
		ready:            make(chan struct{}),
		settled:          make(chan struct{}),
	}
}

// Ready is closed once the open succeeded and any upgrade it triggered has
// finished writing the schema.
func (c *Connection) Ready() <-chan struct{} {
	return c.ready
}

// IsReady reports whether Ready is closed.
func (c *Connection) IsReady() bool {
	select {
	case <-c.ready:
		return true
	default:
		return false
	}
}

// Settled is closed once the open request fired success or error.
func (c *Connection) Settled() <-chan struct{} {
	return c.settled
}

// Err returns the open failure, if the request failed.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// ObservedPreviousVersion is the store version reported before the open
// took effect: the old version of the upgrade, or the database version
// when no upgrade ran.
func (c *Connection) ObservedPreviousVersion() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.previous
}

// Upgraded reports whether the open ran an upgrade.
func (c *Connection) Upgraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.upgraded
}

// Database returns the engine handle, or nil until the open succeeded.
func (c *Connection) Database() engine.Database {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.db
}

func (c *Connection) markReady() {
	c.readyOnce.Do(func() { close(c.ready) })
}

// upgradeCompleted records a committed upgrade transaction.
func (c *Connection) upgradeCompleted() {
	c.mu.Lock()
	c.upgradeDone = true
	ready := c.db != nil
	c.mu.Unlock()
	if ready {
		c.markReady()
	}
}

// succeeded closes Ready when nothing is left to wait for, then Settled.
func (c *Connection) succeeded() {
	c.mu.Lock()
	ready := !c.upgraded || c.upgradeDone
	c.mu.Unlock()
	if ready {
		c.markReady()
	}
	c.markSettled()
}

func (c *Connection) markSettled() {
	c.settle.Do(func() { close(c.settled) })
}
