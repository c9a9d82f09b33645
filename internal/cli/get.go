package cli

import (
	"github.com/spf13/cobra"

	"github.com/ashblue/my-idb/pkg/response"
	"github.com/ashblue/my-idb/pkg/schema"
)

// NewGetCommand creates the get command.
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <table> <key> <value>",
		Short: "Print the first row whose key field equals value",
		Long: `Print the first cached row of table whose key field equals value.
The value is parsed as JSON when possible, so 1 matches a number and "1" a
string. A miss prints an empty object.`,
		Args:          cobra.ExactArgs(3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			db, _, err := openStore(cmd.Context(), rootOpts, f)
			if err != nil {
				return err
			}
			defer db.Close()

			row, ok := db.LookupTableLine(args[0], args[1], schema.ParseValue(args[2]))
			if !ok {
				f.VerboseLog("No row of %s has %s = %s", args[0], args[1], args[2])
				row = schema.Row{}
			}
			if f.Format == "json" {
				return f.Success(row)
			}
			return f.Success(response.Row(row))
		},
	}
}
