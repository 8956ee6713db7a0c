package harness

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/blocksync/internal/ir"
)

// TestScenarios runs every scenario in testdata/scenarios and compares its
// message log with testdata/golden/<name>.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -run TestScenarios -update
func TestScenarios(t *testing.T) {
	files, err := filepath.Glob(filepath.Join("testdata", "scenarios", "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, files)

	for _, f := range files {
		name := strings.TrimSuffix(filepath.Base(f), ".yaml")
		t.Run(name, func(t *testing.T) {
			scenario, err := LoadScenario(f)
			require.NoError(t, err)
			require.Equal(t, name, scenario.Name, "golden files are named after the scenario")

			result, err := RunWithGolden(t, scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass)
		})
	}
}

func TestTraceSnapshot_Canonical(t *testing.T) {
	snapshot := TraceSnapshot{
		ScenarioName: "s",
		Session:      "room",
		Trace: []TraceEvent{
			{Seq: 1, Kind: ir.KindInit, Value: ir.Object{"b": ir.Int(2), "a": ir.String("x")}, From: "conn-1/barrier/b-1"},
			{Seq: 2, Kind: ir.KindSet, Record: "M1", Key: "a", From: "conn-1/M1"},
		},
	}

	data, err := snapshot.MarshalTrace()
	require.NoError(t, err)
	assert.Equal(t,
		`{"scenario_name":"s","session":"room","trace":[`+
			`{"from":"conn-1/barrier/b-1","kind":"init","seq":1,"value":{"a":"x","b":2}},`+
			`{"from":"conn-1/M1","key":"a","kind":"set","record":"M1","seq":2}]}`,
		string(data))
}

func TestAssertGolden_ExistingResult(t *testing.T) {
	scenario, err := LoadScenario(filepath.Join("testdata", "scenarios", "two_writers_converge.yaml"))
	require.NoError(t, err)

	result, err := Run(scenario)
	require.NoError(t, err)
	require.True(t, result.Pass, "errors: %v", result.Errors)
	require.NoError(t, AssertGolden(t, scenario.Name, scenario.Session, result))
}
