// Package response builds the JSON strings returned across the JS bridge
// and printed by the CLI in json mode.
package response

import (
	"encoding/json"

	"github.com/ashblue/my-idb/pkg/schema"
)

// Failure is the shape of every failed call.
type Failure struct {
	Error string `json:"error"`
}

// Done is the shape of calls that only acknowledge.
type Done struct {
	Success string `json:"success"`
}

// TableResponse carries a whole cached table.
type TableResponse struct {
	Table string       `json:"table"`
	Rows  []schema.Row `json:"rows"`
}

// Error encodes msg as a Failure.
func Error(msg string) string {
	return encode(Failure{Error: msg})
}

// Success encodes msg as a Done.
func Success(msg string) string {
	return encode(Done{Success: msg})
}

// Table encodes the rows of table. A nil slice, meaning the table is not
// cached, encodes as null rows.
func Table(table string, rows []schema.Row) string {
	return encode(TableResponse{Table: table, Rows: rows})
}

// Row encodes a single row. The empty miss sentinel encodes as {}.
func Row(row schema.Row) string {
	if row == nil {
		row = schema.Row{}
	}
	return encode(row)
}

func encode(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		b, _ = json.Marshal(Failure{Error: "encoding response: " + err.Error()})
	}
	return string(b)
}
