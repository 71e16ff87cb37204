package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	harnessScenarios = filepath.Join("..", "harness", "testdata", "scenarios")
	harnessGolden    = filepath.Join("..", "harness", "testdata", "golden")
)

const passingScenario = `name: tiny
description: configure and start on the fallback
mode: fallback
steps:
  - op: configure
  - op: start
    expect:
      state:
        running: true
assertions:
  - type: final_state
    expect:
      phase: running
`

const failingScenario = `name: broken
description: pause while stopped
mode: fallback
steps:
  - op: configure
  - op: pause
    expect:
      outcome: ok
`

func executeScenario(t *testing.T, format string, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewScenarioCommand(&RootOptions{Format: format})
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func writeScenario(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestScenarioCommandMissingArgs(t *testing.T) {
	_, err := executeScenario(t, "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg")
}

func TestScenarioCommandNonExistentPath(t *testing.T) {
	_, err := executeScenario(t, "text", "/nonexistent/scenarios")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to find scenarios")
}

func TestScenarioCommandEmptyDir(t *testing.T) {
	out, err := executeScenario(t, "text", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found")

	out, err = executeScenario(t, "json", t.TempDir())
	require.NoError(t, err)
	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestScenarioCommandHarnessFixtures(t *testing.T) {
	out, err := executeScenario(t, "text", harnessScenarios, "--golden", harnessGolden)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ lifecycle")
	assert.Contains(t, out, "✓ reset_and_errors")
	assert.Contains(t, out, "Scenario Summary: 2 passed, 0 failed, 2 total")
}

func TestScenarioCommandFilter(t *testing.T) {
	out, err := executeScenario(t, "json", harnessScenarios, "--golden", harnessGolden, "--filter", "reset*")
	require.NoError(t, err)

	var resp struct {
		Status string         `json:"status"`
		Data   ScenarioReport `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	require.Len(t, resp.Data.Scenarios, 1)
	assert.Equal(t, "reset_and_errors", resp.Data.Scenarios[0].Name)
	assert.Equal(t, "worker", resp.Data.Scenarios[0].Backend)
}

func TestScenarioCommandInvalidFilter(t *testing.T) {
	_, err := executeScenario(t, "text", harnessScenarios, "--filter", "[")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestScenarioCommandFailure(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "broken.yaml", failingScenario)

	out, err := executeScenario(t, "text", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ broken")
	assert.Contains(t, out, "expected outcome ok, got FAULT:HOST_ERROR")
	assert.Contains(t, out, "1 failed")

	out, err = executeScenario(t, "json", dir)
	require.Error(t, err)
	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeScenario, resp.Error.Code)
}

func TestScenarioCommandUpdateThenCompare(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "tiny.yaml", passingScenario)

	out, err := executeScenario(t, "text", dir, "--update")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ tiny (golden updated)")

	goldenPath := filepath.Join(dir, "golden", "tiny.golden")
	golden, err := os.ReadFile(goldenPath)
	require.NoError(t, err)
	assert.Contains(t, string(golden), `"scenario_name":"tiny"`)

	_, err = executeScenario(t, "text", dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(goldenPath, []byte(`{"stale":true}`), 0o644))
	out, err = executeScenario(t, "text", dir)
	require.Error(t, err)
	assert.Contains(t, out, "trace does not match golden file")
}

func TestScenarioCommandLoadError(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "bad.yaml", "name: bad\n")

	out, err := executeScenario(t, "text", dir)
	require.Error(t, err)
	assert.Contains(t, out, "✗ bad.yaml")
	assert.Contains(t, out, "failed to load scenario")
}
