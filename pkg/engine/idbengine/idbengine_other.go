//go:build !js || !wasm

package idbengine

import (
	"github.com/ashblue/my-idb/pkg/engine"
)

// Engine is the placeholder used outside the browser.
type Engine struct {
	opts options
}

// New returns an engine that is never supported.
func New(opts ...Option) *Engine {
	return &Engine{opts: buildOptions(opts)}
}

// Supported always reports false outside js/wasm.
func (e *Engine) Supported() bool { return false }

// Open fails every request with ErrUnavailable.
func (e *Engine) Open(name string, _ int, h engine.OpenHandlers) {
	loop := engine.NewLoop()
	loop.Post(func() {
		loop.Close()
		e.opts.log.WithField("store", name).Debug("indexedDB open outside the browser")
		if h.Error != nil {
			h.Error(ErrUnavailable)
		}
	})
}
