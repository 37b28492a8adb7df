package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/coldtrace/internal/harness"
)

func runTestCmd(t *testing.T, format string, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewTestCommand(&RootOptions{Format: format})
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

// scenarioDir writes the named scenarios into a temp dir. Each body gets
// the absolute path of the vaccine config.
func scenarioDir(t *testing.T, scenarios map[string]string) string {
	t.Helper()
	config, err := filepath.Abs("testdata/vaccine.cue")
	require.NoError(t, err)

	dir := t.TempDir()
	for name, body := range scenarios {
		path := filepath.Join(dir, name+".yaml")
		require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(body, config)), 0o644))
	}
	return dir
}

const quietScenario = `name: quiet
description: In-band readings produce no deviations
config: %s
steps:
  - ingest:
      facility: depot-north
      at: "2026-03-01T08:00:00Z"
      every: 15m
      values: ["4", "5", "6"]
    expect:
      deviations: 0
assertions:
  - type: trace_count
    event: reading
    count: 3
`

const wrongScenario = `name: wrong
description: Expects a deviation that never happens
config: %s
steps:
  - ingest:
      facility: depot-north
      at: "2026-03-01T08:00:00Z"
      values: ["4"]
    expect:
      deviations: 1
assertions:
  - type: trace_count
    event: deviation
    count: 1
`

func TestTestCommandMissingArgs(t *testing.T) {
	_, err := runTestCmd(t, "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg")
}

func TestTestCommandNonExistentScenariosDir(t *testing.T) {
	_, err := runTestCmd(t, "text", "/nonexistent/scenarios")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "scenarios directory not found")
}

func TestTestCommandEmptyDir(t *testing.T) {
	out, err := runTestCmd(t, "text", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found.")
}

func TestTestCommandPassingScenarios(t *testing.T) {
	out, err := runTestCmd(t, "text", "testdata/scenarios")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ short_spike")
	assert.Contains(t, out, "1 passed, 0 failed, 1 total")
}

func TestTestCommandFailingScenario(t *testing.T) {
	dir := scenarioDir(t, map[string]string{"quiet": quietScenario, "wrong": wrongScenario})

	out, err := runTestCmd(t, "json", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp struct {
		Status string     `json:"status"`
		Data   TestResult `json:"data"`
		Error  *CLIError  `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, "E_TEST_FAILED", resp.Error.Code)
	assert.Equal(t, 1, resp.Data.Passed)
	assert.Equal(t, 1, resp.Data.Failed)

	require.Len(t, resp.Data.Scenarios, 2)
	assert.Equal(t, "quiet", resp.Data.Scenarios[0].Name)
	assert.Equal(t, "wrong", resp.Data.Scenarios[1].Name)
	assert.NotEmpty(t, resp.Data.Scenarios[1].Errors)
}

func TestTestCommandFilter(t *testing.T) {
	dir := scenarioDir(t, map[string]string{"quiet": quietScenario, "wrong": wrongScenario})

	out, err := runTestCmd(t, "text", dir, "--filter", "qu*")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ quiet")
	assert.NotContains(t, out, "wrong")

	_, err = runTestCmd(t, "text", dir, "--filter", "[")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to find scenarios")
}

func TestTestCommandLoadError(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("name: bad\n"), 0o644))

	out, err := runTestCmd(t, "text", dir)
	require.Error(t, err)
	assert.Contains(t, out, "✗ bad.yaml")
	assert.Contains(t, out, "failed to load scenario")
}

func TestTestCommandGoldenUpdateAndCompare(t *testing.T) {
	dir := scenarioDir(t, map[string]string{"quiet": quietScenario})
	golden := filepath.Join(dir, "golden", "quiet.golden")

	out, err := runTestCmd(t, "text", dir, "--update")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ quiet (golden updated)")

	data, err := os.ReadFile(golden)
	require.NoError(t, err)

	scenario, err := harness.LoadScenario(filepath.Join(dir, "quiet.yaml"))
	require.NoError(t, err)
	res, err := harness.Run(scenario)
	require.NoError(t, err)
	want, err := (&harness.TraceSnapshot{ScenarioName: "quiet", Trace: res.Trace}).Marshal()
	require.NoError(t, err)
	assert.Equal(t, string(want), string(data))

	_, err = runTestCmd(t, "text", dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(golden, []byte(`{"scenario_name":"quiet","trace":[]}`), 0o644))
	out, err = runTestCmd(t, "text", dir)
	require.Error(t, err)
	assert.Contains(t, out, "trace does not match golden file")
}

func TestGoldenFilePath(t *testing.T) {
	assert.Equal(t, filepath.Join("s", "golden", "cold.golden"), goldenFilePath(filepath.Join("s", "cold.yaml")))
	assert.Equal(t, filepath.Join("golden", "x.golden"), goldenFilePath("x.yml"))
}
