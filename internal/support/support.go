// Package support checks whether a storage engine is usable in the
// current environment.
package support

import (
	"github.com/ashblue/my-idb/pkg/engine"
)

// Detect reports whether e can be used. A nil engine is unavailable; an
// engine implementing engine.SupportChecker is asked. When e is unavailable
// onUnsupported, if not nil, runs once.
func Detect(e engine.Engine, onUnsupported func()) bool {
	ok := e != nil
	if c, is := e.(engine.SupportChecker); ok && is {
		ok = c.Supported()
	}
	if !ok && onUnsupported != nil {
		onUnsupported()
	}
	return ok
}
