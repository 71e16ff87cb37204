package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadScenario_Fixture(t *testing.T) {
	s := loadFixture(t, "reset_and_errors")

	assert.Equal(t, "reset_and_errors", s.Name)
	assert.Equal(t, "worker", s.Mode)
	assert.Equal(t, "worker-session", s.Session)
	assert.Equal(t, 2, s.Simulation.InitialEntities)
	require.Len(t, s.Steps, 10)

	add := s.Steps[4]
	assert.Equal(t, OpAddEntities, add.Op)
	assert.Equal(t, 2, add.Count)
	require.NotNil(t, add.Position)
	assert.InDelta(t, 20.0, add.Position.Y, 1e-9)
	require.NotNil(t, add.Expect)
	assert.Equal(t, 4, add.Expect.State["entity_count"])
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"missing name", "description: d\nsteps: [{op: start}]\n", "name is required"},
		{"missing description", "name: n\nsteps: [{op: start}]\n", "description is required"},
		{"no steps", "name: n\ndescription: d\n", "steps list is required"},
		{"empty op", "name: n\ndescription: d\nsteps: [{speed: 2}]\n", "steps[0]: op is required"},
		{"unknown op", "name: n\ndescription: d\nsteps: [{op: teleport}]\n", `unknown op "teleport"`},
		{"bad mode", "name: n\ndescription: d\nmode: remote\nsteps: [{op: start}]\n", "unknown backend mode"},
		{"typo field", "name: n\ndescription: d\nstep: [{op: start}]\n", "field step not found"},
		{"assertion without type", "name: n\ndescription: d\nsteps: [{op: start}]\nassertions: [{op: start}]\n", "type is required"},
		{"unknown assertion", "name: n\ndescription: d\nsteps: [{op: start}]\nassertions: [{type: magic}]\n", `unknown assertion type "magic"`},
		{"contains without op", "name: n\ndescription: d\nsteps: [{op: start}]\nassertions: [{type: trace_contains}]\n", "op is required for trace_contains"},
		{"order without ops", "name: n\ndescription: d\nsteps: [{op: start}]\nassertions: [{type: trace_order}]\n", "ops list is required"},
		{"negative count", "name: n\ndescription: d\nsteps: [{op: start}]\nassertions: [{type: trace_count, op: start, count: -1}]\n", "count must be non-negative"},
		{"final without expect", "name: n\ndescription: d\nsteps: [{op: start}]\nassertions: [{type: final_state}]\n", "expect is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDiscoverScenarios(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.yaml", "a.yml", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.yaml"), 0o755))

	files, err := DiscoverScenarios(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a.yml"), filepath.Join(dir, "b.yaml")}, files)

	single, err := DiscoverScenarios(filepath.Join(dir, "notes.txt"))
	require.NoError(t, err)
	assert.Len(t, single, 1)

	_, err = DiscoverScenarios(filepath.Join(dir, "missing"))
	var nf *ScenarioNotFoundError
	assert.ErrorAs(t, err, &nf)
}
