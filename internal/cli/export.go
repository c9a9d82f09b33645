package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/dustin/go-humanize/english"
	"github.com/spf13/cobra"

	"github.com/ashblue/my-idb/internal/store"
)

// TransferResult summarizes an export written to a file or an import.
type TransferResult struct {
	Store   string `json:"store"`
	Version int    `json:"version"`
	Tables  int    `json:"tables"`
	Rows    int    `json:"rows"`
	Bytes   int    `json:"bytes"`
}

func (r TransferResult) String() string {
	return fmt.Sprintf("%s v%d: %s, %s (%s)", r.Store, r.Version,
		english.Plural(r.Tables, "table", ""), english.Plural(r.Rows, "row", ""),
		humanize.Bytes(uint64(r.Bytes)))
}

func summarize(snap *store.Snapshot, size int) TransferResult {
	r := TransferResult{Store: snap.Name, Version: snap.Version, Tables: len(snap.Tables), Bytes: size}
	for _, t := range snap.Tables {
		r.Rows += len(t.Data)
	}
	return r
}

// NewExportCommand creates the export command.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a JSON snapshot of a store",
		Long: `Read every table of the store, with its key path, indexes and rows,
straight from the file and print it as a JSON snapshot that import accepts.
No schema is needed and the store is not upgraded.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(cmd, rootOpts, out)
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "write the snapshot to this file instead of stdout")
	return cmd
}

func runExport(cmd *cobra.Command, opts *RootOptions, out string) error {
	f := opts.formatter(cmd)
	cfg := opts.Config
	if cfg.Name == "" {
		return f.Fail(ExitCommandError, ErrCodeArgument, "store name is required (--name)", nil)
	}

	e := store.NewSQLiteEngine(cfg.DB)
	snap, err := e.Export(cfg.Name)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeStore, "export failed", err)
	}
	if snap.Version == 0 {
		return f.Fail(ExitCommandError, ErrCodeNotFound, fmt.Sprintf("store %q not found in %s", cfg.Name, cfg.DB), nil)
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeGeneric, "cannot encode snapshot", err)
	}

	if out == "" {
		if f.Format == "json" {
			return f.Success(snap)
		}
		_, err := fmt.Fprintln(f.Writer, string(data))
		return err
	}
	if err := os.WriteFile(out, append(data, '\n'), 0o644); err != nil {
		return f.Fail(ExitCommandError, ErrCodeGeneric, "cannot write snapshot", err)
	}
	result := summarize(snap, len(data)+1)
	if f.Format == "json" {
		return f.Success(result)
	}
	return f.Success("✓ Exported " + result.String())
}

// NewImportCommand creates the import command.
func NewImportCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import <snapshot-file>",
		Short: "Replace a store with a JSON snapshot",
		Long: `Drop every table of the store and recreate them from a snapshot written
by export, setting the store version to the snapshot's. The store name comes
from the snapshot unless --name is given.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(cmd, rootOpts, args[0])
		},
	}
}

func runImport(cmd *cobra.Command, opts *RootOptions, path string) error {
	f := opts.formatter(cmd)
	data, err := os.ReadFile(path)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeNotFound, "cannot read snapshot", err)
	}
	var snap store.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return f.Fail(ExitCommandError, ErrCodeSchema, "snapshot is not valid JSON", err)
	}
	if opts.Config.Name != "" {
		snap.Name = opts.Config.Name
	}
	if err := os.MkdirAll(opts.Config.DB, 0o755); err != nil {
		return f.Fail(ExitCommandError, ErrCodeStore, "cannot create store directory", err)
	}

	e := store.NewSQLiteEngine(opts.Config.DB)
	if err := e.Import(&snap); err != nil {
		return f.Fail(ExitCommandError, ErrCodeStore, "import failed", err)
	}
	result := summarize(&snap, len(data))
	if f.Format == "json" {
		return f.Success(result)
	}
	return f.Success("✓ Imported " + result.String())
}
