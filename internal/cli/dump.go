package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/dustin/go-humanize/english"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/ashblue/my-idb/pkg/schema"
)

// TableDump is the cached content of one table.
type TableDump struct {
	Table string       `json:"table"`
	Rows  []schema.Row `json:"rows"`
}

// DumpResult is the content of a store.
type DumpResult struct {
	Store   string      `json:"store"`
	Version int         `json:"version"`
	Tables  []TableDump `json:"tables"`
}

// NewDumpCommand creates the dump command.
func NewDumpCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dump [table...]",
		Short: "Print the tables of a store",
		Long: `Open the store (upgrading it to the schema if --version is newer),
fill the cache and print every table, or only the named ones.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDump(cmd, rootOpts, args)
		},
	}
}

func runDump(cmd *cobra.Command, opts *RootOptions, tables []string) error {
	f := opts.formatter(cmd)
	db, s, err := openStore(cmd.Context(), opts, f)
	if err != nil {
		return err
	}
	defer db.Close()

	if len(tables) == 0 {
		tables = s.Names()
	}
	result := DumpResult{Store: opts.Config.Name, Version: opts.Config.Version}
	for _, name := range tables {
		rows := db.GetTable(name)
		if rows == nil {
			return f.Fail(ExitCommandError, ErrCodeNotFound, fmt.Sprintf("table %q is not in the schema", name), nil)
		}
		result.Tables = append(result.Tables, TableDump{Table: name, Rows: rows})
	}

	if f.Format == "json" {
		return f.Success(result)
	}
	total := 0
	for _, t := range result.Tables {
		total += len(t.Rows)
		fmt.Fprintf(f.Writer, "%s (%s)\n", t.Table, english.Plural(len(t.Rows), "row", ""))
		renderRows(f.Writer, t.Rows)
		fmt.Fprintln(f.Writer)
	}
	fmt.Fprintf(f.Writer, "%s v%d: %s, %s rows\n", result.Store, result.Version,
		english.Plural(len(result.Tables), "table", ""), humanize.Comma(int64(total)))
	return nil
}

// renderRows prints rows as a table whose columns are the union of their
// fields, sorted by name.
func renderRows(w io.Writer, rows []schema.Row) {
	if len(rows) == 0 {
		return
	}
	seen := map[string]bool{}
	var headers []string
	for _, row := range rows {
		for k := range row {
			if !seen[k] {
				seen[k] = true
				headers = append(headers, k)
			}
		}
	}
	sort.Strings(headers)

	var table = tablewriter.NewWriter(w)
	table.SetHeader(headers)
	for _, row := range rows {
		cells := make([]string, len(headers))
		for i, h := range headers {
			if v, ok := row[h]; ok {
				cells[i] = cell(v)
			}
		}
		table.Append(cells)
	}
	table.Render()
}

func cell(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
