package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashblue/my-idb/internal/metrics"
	"github.com/ashblue/my-idb/pkg/engine"
	"github.com/ashblue/my-idb/pkg/engine/memengine"
	"github.com/ashblue/my-idb/pkg/schema"
)

func levelsSchema() schema.Schema {
	return schema.Schema{
		{
			Table:   "levels",
			KeyPath: "level",
			Index:   []schema.IndexSpec{{Name: "level", Unique: true}},
			Data: []schema.Row{
				{"level": 1, "unlocked": true},
				{"level": 2, "unlocked": false},
			},
		},
		{
			Table:   "player",
			KeyPath: "name",
			Data:    []schema.Row{{"name": "", "particles": true}},
		},
	}
}

func uniqueSchema() schema.Schema {
	return schema.Schema{{
		Table:   "players",
		KeyPath: "name",
		Index:   []schema.IndexSpec{{Name: "email", Unique: true}},
	}}
}

func newGateway(e *memengine.Engine) (*Gateway, *test.Hook) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(log.DebugLevel)
	return New(e, log.NewEntry(logger)), hook
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("%s never happened", what)
	}
}

func readTable(t *testing.T, g *Gateway, table string) []schema.Row {
	t.Helper()
	var rows []schema.Row
	done := make(chan struct{})
	g.ReadTable(table, func(row schema.Row, last bool) {
		if last {
			assert.Nil(t, row)
			close(done)
			return
		}
		rows = append(rows, row)
	})
	waitClosed(t, done, "terminal callback")
	return rows
}

func TestOpenNewStore(t *testing.T) {
	e := memengine.New()
	g, _ := newGateway(e)

	var succeeded *Connection
	c, err := g.Open("game", 1, levelsSchema(), Hooks{
		Success: func(c *Connection) { succeeded = c },
	})
	require.NoError(t, err)
	waitClosed(t, c.Settled(), "open")
	waitClosed(t, c.Ready(), "ready")

	assert.Same(t, c, succeeded)
	assert.NoError(t, c.Err())
	assert.True(t, c.Upgraded())
	assert.Equal(t, 0, c.ObservedPreviousVersion())
	assert.Equal(t, 1, c.RequestedVersion)
	assert.NotEmpty(t, c.ID.String())

	rows := readTable(t, g, "levels")
	require.Len(t, rows, 2)
	assert.Equal(t, schema.Row{"level": 1, "unlocked": true}, rows[0])
	assert.Len(t, readTable(t, g, "player"), 1)
}

func TestOpenIsIdempotent(t *testing.T) {
	e := memengine.New()
	g, _ := newGateway(e)

	c1, err := g.Open("game", 1, levelsSchema(), Hooks{})
	require.NoError(t, err)
	c2, err := g.Open("other", 7, nil, Hooks{})
	require.NoError(t, err)

	assert.Same(t, c1, c2)
	waitClosed(t, c1.Ready(), "ready")
	assert.Equal(t, 1, e.Opens())
	assert.Equal(t, 0, e.Version("other"))
}

func TestOpenRejectsBadArguments(t *testing.T) {
	g, _ := newGateway(memengine.New())

	_, err := g.Open("", 1, nil, Hooks{})
	assert.Error(t, err)
	_, err = g.Open("game", 0, nil, Hooks{})
	assert.EqualError(t, err, "invalid version 0: must be >= 1")
	_, err = g.Open("game", 1, schema.Schema{{Table: "t"}}, Hooks{})
	assert.ErrorContains(t, err, "invalid schema")
	assert.Nil(t, g.Connection())
}

func TestReopenAtSameVersionIsReadyAtOnce(t *testing.T) {
	e := memengine.New()
	g, _ := newGateway(e)
	c, err := g.Open("game", 1, levelsSchema(), Hooks{})
	require.NoError(t, err)
	waitClosed(t, c.Ready(), "ready")
	require.NoError(t, g.Close())

	g2, _ := newGateway(e)
	c2, err := g2.Open("game", 1, levelsSchema(), Hooks{})
	require.NoError(t, err)
	waitClosed(t, c2.Settled(), "open")
	assert.True(t, c2.IsReady())
	assert.False(t, c2.Upgraded())
	assert.Equal(t, 1, c2.ObservedPreviousVersion())
}

func TestUpgradeReconcilesTables(t *testing.T) {
	e := memengine.New()
	g, _ := newGateway(e)
	v1 := schema.Schema{
		{Table: "levels", KeyPath: "level", Index: []schema.IndexSpec{{Name: "old"}},
			Data: []schema.Row{{"level": 1, "unlocked": true}}},
		{Table: "achievements", KeyPath: "name", Data: []schema.Row{{"name": "first"}}},
		{Table: "stats", KeyPath: "id", Data: []schema.Row{{"id": 1, "kills": 4}}},
	}
	c, err := g.Open("game", 1, v1, Hooks{})
	require.NoError(t, err)
	waitClosed(t, c.Ready(), "ready")

	// Player progress written after the first open must survive the upgrade.
	g.WriteRow("levels", schema.Row{"level": 1, "unlocked": false})
	require.NoError(t, g.Flush(context.Background()))
	require.NoError(t, g.Close())

	v2 := schema.Schema{
		{Table: "levels", KeyPath: "level", Index: []schema.IndexSpec{{Name: "level", Unique: true}},
			Data: []schema.Row{{"level": 1, "unlocked": true}, {"level": 2, "unlocked": false}}},
		{Table: "achievements", KeyPath: "id", Data: []schema.Row{{"id": "first"}}},
		{Table: "player", KeyPath: "name", Data: []schema.Row{{"name": "joe"}}},
	}
	g2, hook := newGateway(e)
	c2, err := g2.Open("game", 2, v2, Hooks{})
	require.NoError(t, err)
	waitClosed(t, c2.Ready(), "ready")
	assert.Equal(t, 1, c2.ObservedPreviousVersion())

	// Kept: rows preserved, not reseeded.
	assert.Equal(t, []schema.Row{{"level": 1, "unlocked": false}}, e.Rows("game", "levels"))
	// Recreated under the new key path.
	assert.Equal(t, []schema.Row{{"id": "first"}}, e.Rows("game", "achievements"))
	// Created.
	assert.Equal(t, []schema.Row{{"name": "joe"}}, e.Rows("game", "player"))
	// Orphaned: untouched.
	assert.Len(t, e.Rows("game", "stats"), 1)

	var orphanLogged, recreateLogged bool
	for _, entry := range hook.AllEntries() {
		switch entry.Data["step"] {
		case "orphan":
			orphanLogged = entry.Data["table"] == "stats"
		case "recreate":
			recreateLogged = entry.Level == log.WarnLevel
		}
	}
	assert.True(t, orphanLogged)
	assert.True(t, recreateLogged)
}

func TestFailingStepDoesNotAbortUpgrade(t *testing.T) {
	e := memengine.New()
	g, _ := newGateway(e)
	v1 := schema.Schema{{
		Table:   "players",
		KeyPath: "name",
		Data:    []schema.Row{{"name": "ann", "email": "a@x"}, {"name": "bob", "email": "a@x"}},
	}}
	c, err := g.Open("game", 1, v1, Hooks{})
	require.NoError(t, err)
	waitClosed(t, c.Ready(), "ready")
	require.NoError(t, g.Close())

	failed := metrics.UpgradeStepsTotal.WithLabelValues("keep", metrics.Fail)
	before := testutil.ToFloat64(failed)

	// The unique index cannot be built over the stored rows.
	v2 := schema.Schema{
		{Table: "players", KeyPath: "name", Index: []schema.IndexSpec{{Name: "email", Unique: true}}},
		{Table: "levels", KeyPath: "level", Data: []schema.Row{{"level": 1}}},
	}
	g2, hook := newGateway(e)
	c2, err := g2.Open("game", 2, v2, Hooks{})
	require.NoError(t, err)
	waitClosed(t, c2.Ready(), "ready")

	assert.Equal(t, before+1, testutil.ToFloat64(failed))
	assert.Len(t, e.Rows("game", "players"), 2)
	assert.Len(t, e.Rows("game", "levels"), 1)
	assert.Equal(t, 2, e.Version("game"))

	var logged bool
	for _, entry := range hook.AllEntries() {
		if entry.Message == "upgrade step failed" && entry.Data["table"] == "players" {
			logged = true
		}
	}
	assert.True(t, logged)
}

func TestOpenError(t *testing.T) {
	boom := errors.New("boom")
	e := memengine.New(memengine.FailOpen(boom))
	g, hook := newGateway(e)

	var hookErr error
	c, err := g.Open("game", 1, levelsSchema(), Hooks{
		Error: func(_ *Connection, err error) { hookErr = err },
	})
	require.NoError(t, err)
	waitClosed(t, c.Settled(), "open")

	assert.Equal(t, boom, c.Err())
	assert.Equal(t, boom, hookErr)
	assert.False(t, c.IsReady())
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, log.ErrorLevel, hook.LastEntry().Level)
}

func TestReadAndWriteBeforeOpen(t *testing.T) {
	g, hook := newGateway(memengine.New())
	assert.Empty(t, readTable(t, g, "levels"))
	assert.Equal(t, log.ErrorLevel, hook.LastEntry().Level)

	g.WriteRow("levels", schema.Row{"level": 1})
	assert.Equal(t, "write before the store was opened", hook.LastEntry().Message)
	assert.ErrorIs(t, g.Flush(context.Background()), ErrWriteBeforeOpen)
	assert.NoError(t, g.Flush(context.Background()))
}

func TestReadUnknownTable(t *testing.T) {
	g, hook := newGateway(memengine.New())
	c, err := g.Open("game", 1, levelsSchema(), Hooks{})
	require.NoError(t, err)
	waitClosed(t, c.Ready(), "ready")

	assert.Empty(t, readTable(t, g, "missing"))
	assert.Equal(t, "cannot open cursor", hook.LastEntry().Message)
}

func TestWriteRowFailures(t *testing.T) {
	e := memengine.New()
	g, hook := newGateway(e)
	c, err := g.Open("game", 1, levelsSchema(), Hooks{})
	require.NoError(t, err)
	waitClosed(t, c.Ready(), "ready")

	g.WriteRow("levels", schema.Row{"unlocked": true})
	assert.Equal(t, "write rejected", hook.LastEntry().Message)

	g.WriteRow("levels", schema.Row{"level": 3, "unlocked": true})
	err = g.Flush(context.Background())
	assert.ErrorIs(t, err, engine.ErrInvalidKey)
	assert.ErrorContains(t, err, "write levels")
	assert.Len(t, e.Rows("game", "levels"), 3)

	// The failure is reported once.
	g.WriteRow("levels", schema.Row{"level": 4, "unlocked": true})
	require.NoError(t, g.Flush(context.Background()))
}

func TestFlushReportsAsyncWriteFailure(t *testing.T) {
	e := memengine.New()
	g, hook := newGateway(e)
	c, err := g.Open("game", 1, uniqueSchema(), Hooks{})
	require.NoError(t, err)
	waitClosed(t, c.Ready(), "ready")

	g.WriteRow("players", schema.Row{"name": "ann", "email": "a@x"})
	g.WriteRow("players", schema.Row{"name": "bob", "email": "a@x"})
	err = g.Flush(context.Background())
	assert.ErrorIs(t, err, engine.ErrConstraint)
	assert.Equal(t, "write failed", hook.LastEntry().Message)
	assert.Len(t, e.Rows("game", "players"), 1)
	assert.NoError(t, g.Flush(context.Background()))
}

func TestFlushHonorsContext(t *testing.T) {
	g, _ := newGateway(memengine.New())
	g.writes.Add(1)
	defer g.writes.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, g.Flush(ctx), context.DeadlineExceeded)
}
