//go:build js && wasm

package main

import (
	"fmt"
	"sync"
	"syscall/js"

	log "github.com/sirupsen/logrus"

	"github.com/ashblue/my-idb/pkg/engine/idbengine"
	"github.com/ashblue/my-idb/pkg/myidb"
	"github.com/ashblue/my-idb/pkg/response"
	"github.com/ashblue/my-idb/pkg/schema"
)

// Version info
const Version = "0.1.0"

// Global state
var (
	mu     sync.Mutex
	db     *myidb.DB
	noDB   js.Value // JS failure callback, undefined until setNoDBCallback
	logger = log.WithField("component", "myDB")
)

func main() {
	log.SetFormatter(&log.TextFormatter{DisableColors: true, DisableTimestamp: true})

	js.Global().Set("myDB", js.ValueOf(map[string]interface{}{
		"version":         js.FuncOf(getVersion),
		"init":            js.FuncOf(initialize),
		"setDB":           js.FuncOf(setDB),
		"setNoDBCallback": js.FuncOf(setNoDBCallback),
		"getTable":        js.FuncOf(getTable),
		"getTableLine":    js.FuncOf(getTableLine),
		"setTableLine":    js.FuncOf(setTableLine),
		"onReady":         js.FuncOf(onReady),
	}))

	fmt.Println("[myDB] WASM Ready v" + Version)

	// Keep Go alive
	select {}
}

// getVersion returns the module version
func getVersion(this js.Value, args []js.Value) interface{} {
	return Version
}

// loadFailure runs when IndexedDB is missing: the JS callback if one was
// set, an alert otherwise.
func loadFailure() {
	mu.Lock()
	cb := noDB
	mu.Unlock()

	if cb.Type() == js.TypeFunction {
		cb.Invoke()
		return
	}
	js.Global().Call("alert", "Your browser does not support IndexedDB")
}

// initialize creates the DB. Later calls do nothing.
// Args: []
func initialize(this js.Value, args []js.Value) interface{} {
	mu.Lock()
	defer mu.Unlock()
	if db != nil {
		return response.Success("already initialized")
	}
	db = myidb.New(idbengine.New(idbengine.WithLogger(logger)),
		myidb.WithLogger(logger),
		myidb.WithFailureCallback(loadFailure),
	)
	fmt.Println("[myDB] ✅ Initialized")
	return response.Success("initialized")
}

func current() *myidb.DB {
	mu.Lock()
	defer mu.Unlock()
	return db
}

// setDB opens the store, upgrading it to the schema when version is newer.
// Only the first call per page load has any effect.
// Args: [name string, version number, schemaJSON string]
func setDB(this js.Value, args []js.Value) interface{} {
	if len(args) < 3 {
		return response.Error("setDB requires 3 args: name, version, schemaJSON")
	}
	d := current()
	if d == nil {
		return response.Error("myDB not initialized")
	}

	if args[1].Type() != js.TypeNumber {
		return response.Error("setDB version must be a number")
	}
	version, err := myidb.VersionFromNumber(args[1].Float())
	if err != nil {
		return response.Error(err.Error())
	}
	s, err := schema.Parse([]byte(args[2].String()))
	if err != nil {
		return response.Error("invalid schema: " + err.Error())
	}
	d.Open(args[0].String(), version, s)
	return response.Success("opening " + args[0].String())
}

// setNoDBCallback replaces the callback fired when IndexedDB is missing.
// Args: [fn function]
func setNoDBCallback(this js.Value, args []js.Value) interface{} {
	if len(args) < 1 || args[0].Type() != js.TypeFunction {
		return response.Error("setNoDBCallback requires 1 arg: function")
	}
	mu.Lock()
	noDB = args[0]
	mu.Unlock()
	return response.Success("callback set")
}

// getTable returns every cached row of a table.
// Args: [table string]
// Returns: {"table": ..., "rows": [...]}, rows null until the cache is ready
func getTable(this js.Value, args []js.Value) interface{} {
	if len(args) < 1 {
		return response.Error("getTable requires 1 arg: table")
	}
	d := current()
	if d == nil {
		return response.Error("myDB not initialized")
	}
	table := args[0].String()
	return response.Table(table, d.GetTable(table))
}

// getTableLine returns the first cached row whose key equals value.
// Args: [table string, key string, valueJSON string]
// Returns: row JSON, {} on a miss
func getTableLine(this js.Value, args []js.Value) interface{} {
	if len(args) < 3 {
		return response.Error("getTableLine requires 3 args: table, key, valueJSON")
	}
	d := current()
	if d == nil {
		return response.Error("myDB not initialized")
	}
	row := d.GetTableLine(args[0].String(), args[1].String(), schema.ParseValue(args[2].String()))
	return response.Row(row)
}

// setTableLine writes a row to the store and replaces the matching cached
// row.
// Args: [table string, key string, valueJSON string, rowJSON string]
// Returns: the stored row, {} if no cached row matched
func setTableLine(this js.Value, args []js.Value) interface{} {
	if len(args) < 4 {
		return response.Error("setTableLine requires 4 args: table, key, valueJSON, rowJSON")
	}
	d := current()
	if d == nil {
		return response.Error("myDB not initialized")
	}
	row, ok := schema.ParseValue(args[3].String()).(map[string]any)
	if !ok {
		return response.Error("invalid row json: want an object")
	}
	out := d.SetTableLine(args[0].String(), args[1].String(), schema.ParseValue(args[2].String()), schema.Row(row))
	return response.Row(out)
}

// onReady calls fn once the cache has been filled.
// Args: [fn function]
func onReady(this js.Value, args []js.Value) interface{} {
	if len(args) < 1 || args[0].Type() != js.TypeFunction {
		return response.Error("onReady requires 1 arg: function")
	}
	d := current()
	if d == nil {
		return response.Error("myDB not initialized")
	}
	fn := args[0]
	d.OnReady(func() { fn.Invoke() })
	return response.Success("registered")
}
