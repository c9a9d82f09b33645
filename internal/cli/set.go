package cli

import (
	"github.com/spf13/cobra"

	"github.com/ashblue/my-idb/pkg/response"
	"github.com/ashblue/my-idb/pkg/schema"
)

// NewSetCommand creates the set command.
func NewSetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "set <table> <key> <value> <row-json>",
		Short: "Write a row to the store and the cache",
		Long: `Upsert row-json into table and replace the first cached row whose key
field equals value. The store write happens even when no cached row matches;
an empty object is printed in that case.`,
		Args:          cobra.ExactArgs(4),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			row, ok := schema.ParseValue(args[3]).(map[string]any)
			if !ok {
				return f.Fail(ExitCommandError, ErrCodeArgument, "row must be a JSON object", nil)
			}

			db, _, err := openStore(cmd.Context(), rootOpts, f)
			if err != nil {
				return err
			}
			defer db.Close()

			out := db.SetTableLine(args[0], args[1], schema.ParseValue(args[2]), schema.Row(row))
			if err := db.Flush(cmd.Context()); err != nil {
				return f.Fail(ExitCommandError, ErrCodeStore, "write did not complete", err)
			}
			if out.IsEmpty() {
				f.VerboseLog("No cached row of %s has %s = %s; written to the store only", args[0], args[1], args[2])
			}
			if f.Format == "json" {
				return f.Success(out)
			}
			return f.Success(response.Row(out))
		},
	}
}
