package cli

import (
	"context"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ashblue/my-idb/internal/store"
	"github.com/ashblue/my-idb/pkg/myidb"
	"github.com/ashblue/my-idb/pkg/schema"
)

// openTimeout bounds how long a command waits for the mirror to fill.
const openTimeout = 30 * time.Second

// openStore opens the configured store through the facade and waits until
// its mirror is filled.
func openStore(ctx context.Context, opts *RootOptions, f *OutputFormatter) (*myidb.DB, schema.Schema, error) {
	cfg := opts.Config
	if cfg.Name == "" {
		return nil, nil, f.Fail(ExitCommandError, ErrCodeArgument, "store name is required (--name)", nil)
	}
	if cfg.Schema == "" {
		return nil, nil, f.Fail(ExitCommandError, ErrCodeArgument, "schema file is required (--schema)", nil)
	}
	s, err := schema.Load(cfg.Schema)
	if err != nil {
		return nil, nil, f.Fail(ExitCommandError, ErrCodeSchema, "cannot load schema", err)
	}
	if err := os.MkdirAll(cfg.DB, 0o755); err != nil {
		return nil, nil, f.Fail(ExitCommandError, ErrCodeStore, "cannot create store directory", err)
	}

	entry := log.NewEntry(opts.Logger).WithField("store", cfg.Name)
	dbOpts := append(cfg.Options(entry), myidb.WithFailureCallback(func() {
		entry.Error("storage engine is not supported")
	}))
	db := myidb.New(store.NewSQLiteEngine(cfg.DB), dbOpts...).Open(cfg.Name, cfg.Version, s)

	ctx, cancel := context.WithTimeout(ctx, openTimeout)
	defer cancel()
	if err := db.WaitReady(ctx); err != nil {
		db.Close()
		return nil, nil, f.Fail(ExitCommandError, ErrCodeStore, "cannot open store", err)
	}
	f.VerboseLog("Opened %s v%d from %s", cfg.Name, cfg.Version, cfg.DB)
	return db, s, nil
}
