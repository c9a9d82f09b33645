// Package engine defines the contract of the asynchronous, versioned,
// table-oriented storage engines myidb sits on top of.
//
// The contract follows the browser IndexedDB request model. Open issues a
// request that later fires exactly one of Error or Success; when the
// requested version is above the stored one, UpgradeNeeded fires first and
// is the only place where tables and indexes may be created. Cursor reads
// deliver one callback per row followed by a single terminal callback.
//
// Callbacks are never invoked from inside the call that registered them;
// engines dispatch them on their own goroutine (see Loop).
package engine

import (
	"github.com/pkg/errors"

	"github.com/ashblue/my-idb/pkg/schema"
)

// Errors reported by engines. Implementations wrap them with context;
// callers test with errors.Is.
var (
	ErrTableExists   = errors.New("table already exists")
	ErrTableNotFound = errors.New("table not found")
	ErrIndexExists   = errors.New("index already exists")
	ErrIndexNotFound = errors.New("index not found")
	ErrConstraint    = errors.New("constraint violation")
	ErrInvalidKey    = errors.New("invalid key")
	ErrVersion       = errors.New("requested version is lower than the stored version")
	ErrClosed        = errors.New("database is closed")
	ErrNotUpgrading  = errors.New("structural change outside of an upgrade")
)

// Engine opens versioned stores.
type Engine interface {
	// Open requests the store name at version. Exactly one of h.Error or
	// h.Success fires, possibly preceded by h.UpgradeNeeded.
	Open(name string, version int, h OpenHandlers)
}

// SupportChecker is implemented by engines that may be unavailable in the
// current environment.
type SupportChecker interface {
	Supported() bool
}

// OpenHandlers receives the completion events of an open request.
type OpenHandlers struct {
	UpgradeNeeded func(tx UpgradeTx)
	Success       func(db Database)
	Error         func(err error)
}

// UpgradeTx is the structural transaction handed to UpgradeNeeded. It is
// only valid for the duration of that callback.
type UpgradeTx interface {
	OldVersion() int
	NewVersion() int
	// TableNames lists the tables the store holds, sorted by name.
	TableNames() []string
	CreateTable(name, keyPath string) (TableWriter, error)
	Table(name string) (TableWriter, error)
	DeleteTable(name string) error
	// OnComplete registers fn to run once the upgrade transaction has
	// committed (nil) or aborted (non-nil).
	OnComplete(fn func(error))
}

// TableWriter manipulates one table inside an upgrade transaction.
type TableWriter interface {
	Name() string
	KeyPath() string
	IndexNames() []string
	CreateIndex(name, keyPath string, unique bool) error
	DeleteIndex(name string) error
	Add(row schema.Row) error
}

// Database is an open store handle.
type Database interface {
	Name() string
	Version() int
	// OpenCursor iterates table, calling onRow once per row in key order
	// and then once with done set and a nil row.
	OpenCursor(table string, onRow func(row schema.Row, done bool)) error
	// Put upserts row by the table's key path. done, if not nil, fires once
	// the write has been applied.
	Put(table string, row schema.Row, done func(error)) error
	// OnError installs an observer for asynchronous errors not tied to a
	// specific request.
	OnError(fn func(error))
	Close() error
}

// KeyOf extracts and validates the primary key of row.
func KeyOf(row schema.Row, keyPath string) (any, error) {
	key, ok := row[keyPath]
	if !ok {
		return nil, errors.Wrapf(ErrInvalidKey, "row has no %q field", keyPath)
	}
	if !schema.ValidKey(key) {
		return nil, errors.Wrapf(ErrInvalidKey, "%q is %T, want string or number", keyPath, key)
	}
	return key, nil
}
