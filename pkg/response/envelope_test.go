package response

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ashblue/my-idb/pkg/schema"
)

func TestEnvelopes(t *testing.T) {
	assert.JSONEq(t, `{"error":"store is not open"}`, Error("store is not open"))
	assert.JSONEq(t, `{"success":"ready"}`, Success("ready"))
}

func TestTable(t *testing.T) {
	rows := []schema.Row{{"level": 1, "unlocked": true}}
	assert.JSONEq(t, `{"table":"levels","rows":[{"level":1,"unlocked":true}]}`, Table("levels", rows))
	assert.JSONEq(t, `{"table":"levels","rows":[]}`, Table("levels", []schema.Row{}))
	assert.JSONEq(t, `{"table":"nope","rows":null}`, Table("nope", nil))
}

func TestRow(t *testing.T) {
	assert.JSONEq(t, `{"name":"joe"}`, Row(schema.Row{"name": "joe"}))
	assert.Equal(t, `{}`, Row(schema.Row{}))
	assert.Equal(t, `{}`, Row(nil))
}

func TestUnencodableValue(t *testing.T) {
	out := Row(schema.Row{"bad": make(chan int)})
	assert.Contains(t, out, `"error":"encoding response`)
}
