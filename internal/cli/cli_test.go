package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSchema = "testdata/schema.yaml"

// run executes the root command with args and returns what it printed on
// stdout.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func golden(t *testing.T) *goldie.Goldie {
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

func storeArgs(dir string, args ...string) []string {
	return append([]string{"--db", dir, "--schema", testSchema, "--name", "game"}, args...)
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "myidb", cmd.Use)

	for _, name := range []string{"validate", "dump", "get", "set", "export", "import"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()
	for flag, def := range map[string]string{
		"db":         ".",
		"version":    "1",
		"format":     "text",
		"log-level":  "info",
		"log-format": "text",
		"verbose":    "false",
	} {
		f := cmd.PersistentFlags().Lookup(flag)
		require.NotNil(t, f, flag)
		assert.Equal(t, def, f.DefValue, flag)
	}
}

func TestInvalidFormat(t *testing.T) {
	_, err := run(t, "--format", "xml", "validate", testSchema)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
	assert.False(t, Reported(err))
}

func TestInvalidLogLevel(t *testing.T) {
	_, err := run(t, "--log-level", "loud", "validate", testSchema)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestValidateText(t *testing.T) {
	out, err := run(t, "validate", testSchema)
	require.NoError(t, err)
	golden(t).Assert(t, "validate_text", []byte(out))
}

func TestValidateJSON(t *testing.T) {
	out, err := run(t, "--format", "json", "validate", testSchema)
	require.NoError(t, err)
	golden(t).Assert(t, "validate_json", []byte(out))
}

func TestValidateInvalidSchema(t *testing.T) {
	out, err := run(t, "validate", "testdata/bad_schema.yaml")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.True(t, Reported(err))
	assert.Contains(t, out, "Error [E002]")
	assert.Contains(t, out, "keyPath is required")
}

func TestValidateMissingFile(t *testing.T) {
	_, err := run(t, "validate", "testdata/nope.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "E002")
}

func TestDumpJSON(t *testing.T) {
	out, err := run(t, storeArgs(t.TempDir(), "--format", "json", "dump")...)
	require.NoError(t, err)
	golden(t).Assert(t, "dump_json", []byte(out))
}

func TestDumpText(t *testing.T) {
	out, err := run(t, storeArgs(t.TempDir(), "dump")...)
	require.NoError(t, err)
	assert.Contains(t, out, "levels (2 rows)")
	assert.Contains(t, out, "player (1 row)")
	assert.Contains(t, out, "asdf")
	assert.Contains(t, out, "game v1: 3 tables, 4 rows")
}

func TestDumpSelectedTables(t *testing.T) {
	out, err := run(t, storeArgs(t.TempDir(), "--format", "json", "dump", "levels")...)
	require.NoError(t, err)

	var resp struct {
		Data DumpResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data.Tables, 1)
	assert.Equal(t, "levels", resp.Data.Tables[0].Table)
}

func TestDumpUnknownTable(t *testing.T) {
	out, err := run(t, storeArgs(t.TempDir(), "dump", "scores")...)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "E005")
}

func TestDumpRequiresName(t *testing.T) {
	out, err := run(t, "--db", t.TempDir(), "--schema", testSchema, "dump")
	require.Error(t, err)
	assert.Contains(t, out, "--name")
}

func TestGetAndSet(t *testing.T) {
	dir := t.TempDir()

	out, err := run(t, storeArgs(dir, "get", "levels", "level", "1")...)
	require.NoError(t, err)
	assert.Equal(t, `{"level":1,"unlocked":true}`+"\n", out)

	out, err = run(t, storeArgs(dir, "get", "levels", "level", "9")...)
	require.NoError(t, err)
	assert.Equal(t, "{}\n", out)

	out, err = run(t, storeArgs(dir, "set", "levels", "level", "2", `{"level":2,"unlocked":true,"stars":3}`)...)
	require.NoError(t, err)
	assert.Equal(t, `{"level":2,"stars":3,"unlocked":true}`+"\n", out)

	// A fresh process sees the write.
	out, err = run(t, storeArgs(dir, "--format", "json", "get", "levels", "level", "2")...)
	require.NoError(t, err)
	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, map[string]any{"level": 2.0, "stars": 3.0, "unlocked": true}, resp.Data)
}

func TestSetMissWritesThrough(t *testing.T) {
	dir := t.TempDir()
	out, err := run(t, storeArgs(dir, "set", "achievements", "name", "speedrun", `{"name":"speedrun","unlocked":true}`)...)
	require.NoError(t, err)
	assert.Equal(t, "{}\n", out)

	out, err = run(t, storeArgs(dir, "get", "achievements", "name", "speedrun")...)
	require.NoError(t, err)
	assert.Equal(t, `{"name":"speedrun","unlocked":true}`+"\n", out)
}

func TestSetReportsRejectedWrite(t *testing.T) {
	dir := t.TempDir()
	out, err := run(t, storeArgs(dir, "set", "levels", "level", "5", `{"unlocked":true}`)...)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "E003")

	out, err = run(t, storeArgs(dir, "get", "levels", "level", "5")...)
	require.NoError(t, err)
	assert.Equal(t, "{}\n", out)
}

func TestSetRejectsNonObject(t *testing.T) {
	out, err := run(t, storeArgs(t.TempDir(), "set", "levels", "level", "1", "[1,2]")...)
	require.Error(t, err)
	assert.Contains(t, out, "E004")
}

func TestExport(t *testing.T) {
	dir := t.TempDir()
	_, err := run(t, storeArgs(dir, "dump")...)
	require.NoError(t, err)

	out, err := run(t, "--db", dir, "--name", "game", "export")
	require.NoError(t, err)
	golden(t).Assert(t, "export", []byte(out))
}

func TestExportMissingStore(t *testing.T) {
	out, err := run(t, "--db", t.TempDir(), "--name", "game", "export")
	require.Error(t, err)
	assert.Contains(t, out, "E005")
}

func TestExportImportRoundTrip(t *testing.T) {
	dir := t.TempDir()
	_, err := run(t, storeArgs(dir, "set", "levels", "level", "2", `{"level":2,"unlocked":true}`)...)
	require.NoError(t, err)

	snapshot := filepath.Join(t.TempDir(), "game.json")
	out, err := run(t, "--db", dir, "--name", "game", "export", "--out", snapshot)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Exported game v1: 3 tables, 4 rows")

	restored := t.TempDir()
	out, err = run(t, "--db", restored, "--format", "json", "import", snapshot)
	require.NoError(t, err)
	var resp struct {
		Data TransferResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "game", resp.Data.Store)
	assert.Equal(t, 4, resp.Data.Rows)

	out, err = run(t, storeArgs(restored, "get", "levels", "level", "2")...)
	require.NoError(t, err)
	assert.Equal(t, `{"level":2,"unlocked":true}`+"\n", out)
}

func TestImportRenames(t *testing.T) {
	dir := t.TempDir()
	_, err := run(t, storeArgs(dir, "dump")...)
	require.NoError(t, err)
	snapshot := filepath.Join(t.TempDir(), "game.json")
	_, err = run(t, "--db", dir, "--name", "game", "export", "-o", snapshot)
	require.NoError(t, err)

	out, err := run(t, "--db", dir, "--name", "copy", "import", snapshot)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Imported copy v1")
}

func TestImportInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))
	out, err := run(t, "--db", t.TempDir(), "import", path)
	require.Error(t, err)
	assert.Contains(t, out, "E002")
}

func TestConfigFile(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(t.TempDir(), "myidb.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte(
		"db: "+dir+"\nname: game\nschema: "+testSchema+"\nready_strategy: poll\npoll_interval: 1ms\n"), 0o644))

	out, err := run(t, "--config", cfg, "--format", "json", "dump")
	require.NoError(t, err)
	golden(t).Assert(t, "dump_json", []byte(out))

	// Flags override the file.
	out, err = run(t, "--config", cfg, "--name", "other", "--format", "json", "dump", "levels")
	require.NoError(t, err)
	assert.Contains(t, out, `"store": "other"`)
}

func TestConfigFileMissing(t *testing.T) {
	_, err := run(t, "--config", "testdata/nope.yaml", "validate", testSchema)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "cannot load config")
}

func TestMetricsFlag(t *testing.T) {
	cmd := NewRootCommand()
	out, diag := &bytes.Buffer{}, &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(diag)
	cmd.SetArgs(storeArgs(t.TempDir(), "--metrics", "--log-level", "error", "dump"))
	require.NoError(t, cmd.Execute())

	assert.Contains(t, diag.String(), "myidb_opens_total")
	assert.Contains(t, diag.String(), "outcome=ok")
	assert.Contains(t, diag.String(), "myidb_cache_fill_duration_seconds")
	assert.NotContains(t, out.String(), "myidb_opens_total")
}
