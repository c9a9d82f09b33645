package myidb

import (
	"math"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ReadyStrategy selects how the mirror learns that an upgrade finished.
type ReadyStrategy string

const (
	// ReadyEvent waits on the connection's one-shot completion channel.
	ReadyEvent ReadyStrategy = "event"
	// ReadyPoll re-checks the connection on a fixed interval.
	ReadyPoll ReadyStrategy = "poll"
)

// ParseReadyStrategy parses "event" or "poll". The empty string selects
// ReadyEvent.
func ParseReadyStrategy(s string) (ReadyStrategy, error) {
	switch ReadyStrategy(s) {
	case "", ReadyEvent:
		return ReadyEvent, nil
	case ReadyPoll:
		return ReadyPoll, nil
	}
	return "", errors.Errorf("unknown ready strategy %q (want %q or %q)", s, ReadyEvent, ReadyPoll)
}

// VersionFromNumber converts a store version received as a JavaScript
// number. It must be a whole number of at least 1.
func VersionFromNumber(f float64) (int, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, errors.Errorf("version %v is not a whole number", f)
	}
	if f < 1 || f > math.MaxInt32 {
		return 0, errors.Errorf("invalid version %v: must be >= 1", f)
	}
	return int(f), nil
}

// Option configures a DB.
type Option func(*DB)

// WithLogger scopes every log line of the DB and its components.
func WithLogger(e *log.Entry) Option {
	return func(db *DB) {
		if e != nil {
			db.log = e
		}
	}
}

// WithPollInterval sets the readiness poll period of ReadyPoll.
func WithPollInterval(d time.Duration) Option {
	return func(db *DB) { db.pollInterval = d }
}

// WithFillConcurrency bounds how many tables a fill reads at once.
func WithFillConcurrency(n int) Option {
	return func(db *DB) { db.fillLimit = n }
}

// WithReadyStrategy selects how the mirror waits for an upgrade.
func WithReadyStrategy(s ReadyStrategy) Option {
	return func(db *DB) { db.strategy = s }
}

// WithFailureCallback is SetFailureCallback as an option.
func WithFailureCallback(fn func()) Option {
	return func(db *DB) { db.failure = fn }
}
