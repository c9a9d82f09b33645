// Package idbengine adapts the browser's IndexedDB to engine.Engine. It is
// only functional in js/wasm builds; elsewhere Engine reports itself
// unsupported.
package idbengine

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ErrUnavailable is reported when no IndexedDB factory can be found.
var ErrUnavailable = errors.New("indexedDB is not available")

// vendorGlobals lists where browsers have exposed the factory, standard
// name first.
var vendorGlobals = []string{"indexedDB", "webkitIndexedDB", "mozIndexedDB", "msIndexedDB"}

// Option configures an Engine.
type Option func(*options)

type options struct {
	log *log.Entry
}

// WithLogger sets the entry used for errors that have no caller to return
// to, such as rejected seed rows.
func WithLogger(e *log.Entry) Option {
	return func(o *options) {
		if e != nil {
			o.log = e
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{log: log.NewEntry(log.StandardLogger())}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
