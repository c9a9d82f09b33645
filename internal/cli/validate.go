package cli

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize/english"
	"github.com/spf13/cobra"

	"github.com/ashblue/my-idb/pkg/schema"
)

// TableSummary describes one declared table.
type TableSummary struct {
	Table   string `json:"table"`
	KeyPath string `json:"keyPath"`
	Indexes int    `json:"indexes"`
	Rows    int    `json:"rows"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid  bool           `json:"valid"`
	Tables []TableSummary `json:"tables"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <schema-file>",
		Short: "Validate a schema file",
		Long: `Parse a YAML or JSON schema file and check every table declaration:
names, key paths, indexes, and that seed rows carry valid, distinct keys.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts.formatter(cmd), args[0])
		},
	}
}

func runValidate(f *OutputFormatter, path string) error {
	s, err := schema.Load(path)
	if err != nil {
		return f.Fail(ExitFailure, ErrCodeSchema, "schema is invalid", err)
	}

	result := ValidationResult{Valid: true}
	rows := 0
	for _, t := range s {
		result.Tables = append(result.Tables, TableSummary{
			Table:   t.Table,
			KeyPath: t.KeyPath,
			Indexes: len(t.Index),
			Rows:    len(t.Data),
		})
		rows += len(t.Data)
	}

	if f.Format == "json" {
		return f.Success(result)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "✓ Schema valid: %s, %s\n",
		english.Plural(len(s), "table", ""), english.Plural(rows, "seed row", ""))
	for _, t := range result.Tables {
		fmt.Fprintf(&b, "  %s (key %s, %s, %s)\n", t.Table, t.KeyPath,
			english.Plural(t.Indexes, "index", "indexes"), english.Plural(t.Rows, "row", ""))
	}
	return f.Success(strings.TrimSuffix(b.String(), "\n"))
}
