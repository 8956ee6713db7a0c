package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/blocksync/internal/ir"
)

func join(p string) Step { return Step{Participant: p, Action: ActionJoin} }

func set(p, key string, value any) Step {
	return Step{Participant: p, Action: ActionSet, Key: key, Value: value}
}

func TestRun_MinimalScenario(t *testing.T) {
	scenario := &Scenario{
		Name:         "minimal",
		Description:  "Minimal test scenario",
		Session:      "doc",
		Seed:         map[string]any{"title": "draft"},
		Participants: []string{"alice"},
		Steps:        []Step{join("alice"), set("alice", "count", 1)},
		Assertions: []Assertion{
			{Type: AssertValue, Participant: "alice", Key: "count", Expect: 1},
			{Type: AssertTraceCount, Key: "count", Count: 1},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.True(t, result.Pass, "errors: %v", result.Errors)
	require.Len(t, result.Trace, 2)
	assert.Equal(t, ir.KindInit, result.Trace[0].Kind)
	assert.Equal(t, ir.Object{"title": ir.String("draft")}, result.Trace[0].Value)
	assert.Equal(t, TraceEvent{
		Seq:    2,
		Kind:   ir.KindSet,
		Record: "M1",
		Key:    "count",
		Value:  ir.Int(1),
		From:   "conn-1/M1",
	}, result.Trace[1])

	assert.Equal(t, ir.Object{"title": ir.String("draft"), "count": ir.Int(1)}, result.State["alice"])
	assert.NotEmpty(t, result.Hashes["alice"])
}

func TestRun_Deterministic(t *testing.T) {
	scenario := &Scenario{
		Name:         "deterministic",
		Description:  "Same scenario, same log",
		Session:      "doc",
		Participants: []string{"alice", "bob"},
		Steps: []Step{
			join("alice"),
			join("bob"),
			set("alice", "a", 1),
			set("bob", "b", 2),
			{Participant: "bob", Action: ActionSettle},
		},
		Assertions: []Assertion{{Type: AssertConverged}},
	}

	first, err := Run(scenario)
	require.NoError(t, err)
	second, err := Run(scenario)
	require.NoError(t, err)

	assert.True(t, first.Pass, "errors: %v", first.Errors)
	assert.Equal(t, first.Trace, second.Trace)
	assert.Equal(t, first.Hashes, second.Hashes)

	last := first.Trace[len(first.Trace)-1]
	assert.Equal(t, ir.KindInit, last.Kind)
	assert.Equal(t, "conn-2/barrier/b-2", last.From)
}

func TestRun_UnexpectedStepErrorFails(t *testing.T) {
	scenario := &Scenario{
		Name:         "bad_step",
		Description:  "A write to a missing block",
		Participants: []string{"alice"},
		Steps: []Step{
			join("alice"),
			{Participant: "alice", Action: ActionSet, Path: "/missing/", Key: "x", Value: 1},
		},
		Assertions: []Assertion{{Type: AssertConverged}},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "steps[1] (alice set)")
	assert.Contains(t, result.Errors[0], "no block at /missing/")
}

func TestRun_ExpectedErrors(t *testing.T) {
	scenario := &Scenario{
		Name:         "expected_errors",
		Description:  "Local errors are reported and nothing is published",
		Seed:         map[string]any{"child": map[string]any{"type": "Object"}, "title": "draft"},
		Participants: []string{"alice"},
		Steps: []Step{
			join("alice"),
			{Participant: "alice", Action: ActionSet, Path: "/child/", Key: "name", Value: "title", ExpectError: string(ir.ErrCodeNameConflict)},
			{Participant: "alice", Action: ActionSet, Key: "type", Value: "Other", ExpectError: string(ir.ErrCodeReadOnly)},
			{Participant: "alice", Action: ActionSet, Key: "x", Value: map[string]any{"type": "Nope"}, ExpectError: string(ir.ErrCodeUnknownType)},
		},
		Assertions: []Assertion{
			{Type: AssertChildren, Participant: "alice", Names: []string{"child"}},
			{Type: AssertTraceCount, Key: "name", Count: 0},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Len(t, result.Trace, 1)
}

func TestRun_ExpectedErrorMissing(t *testing.T) {
	scenario := &Scenario{
		Name:         "missing_error",
		Description:  "A step declared to fail succeeds",
		Participants: []string{"alice"},
		Steps: []Step{
			join("alice"),
			{Participant: "alice", Action: ActionSet, Key: "x", Value: 1, ExpectError: string(ir.ErrCodeNameConflict)},
		},
		Assertions: []Assertion{{Type: AssertConverged}},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "expected error NAME_CONFLICT, got none")
}

func TestRun_StepBeforeJoin(t *testing.T) {
	scenario := &Scenario{
		Name:         "before_join",
		Description:  "Steps need a joined participant",
		Participants: []string{"alice"},
		Steps: []Step{
			set("alice", "x", 1),
			{Participant: "alice", Action: ActionSuspend},
		},
		Assertions: []Assertion{{Type: AssertTraceCount, Key: "x", Count: 0}},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], "alice has not joined")
	assert.Contains(t, result.Errors[1], "alice has not joined")
}

func TestRun_JoinTwice(t *testing.T) {
	scenario := &Scenario{
		Name:         "join_twice",
		Description:  "A participant joins once",
		Participants: []string{"alice"},
		Steps:        []Step{join("alice"), join("alice")},
		Assertions:   []Assertion{{Type: AssertConverged}},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "alice is already online")
}

func TestRun_OfflineStateReported(t *testing.T) {
	scenario := &Scenario{
		Name:         "offline_state",
		Description:  "A suspended participant keeps its own tree",
		Seed:         map[string]any{"title": "draft"},
		Participants: []string{"alice", "bob"},
		Steps: []Step{
			join("alice"),
			join("bob"),
			{Participant: "alice", Action: ActionSuspend},
			set("alice", "x", 1),
			set("bob", "title", "final"),
		},
		Assertions: []Assertion{
			{Type: AssertConverged},
			{Type: AssertValue, Participant: "alice", Key: "title", Expect: "draft"},
			{Type: AssertValue, Participant: "bob", Key: "x", Expect: nil},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)

	assert.Equal(t, ir.Object{"title": ir.String("draft"), "x": ir.Int(1)}, result.State["alice"])
	assert.Equal(t, ir.Object{"title": ir.String("final")}, result.State["bob"])
	assert.NotContains(t, result.Hashes, "alice")
	assert.Contains(t, result.Hashes, "bob")
}

func TestRun_RegistersTypes(t *testing.T) {
	scenario := &Scenario{
		Name:         "types",
		Description:  "Scenario types resolve",
		Types:        []string{"Counter"},
		Participants: []string{"alice"},
		Steps: []Step{
			join("alice"),
			set("alice", "c", map[string]any{"type": "Counter", "count": 1}),
		},
		Assertions: []Assertion{
			{Type: AssertChildren, Participant: "alice", Names: []string{"c"}},
			{Type: AssertSpec, Participant: "alice", Path: "/c/", Expect: map[string]any{"count": 1}},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Equal(t, ir.Object{
		"c": ir.Object{"count": ir.Int(1), "type": ir.String("Counter")},
	}, result.State["alice"])
}

func TestRun_ConflictingType(t *testing.T) {
	scenario := &Scenario{
		Name:         "conflict",
		Description:  "Object is built in",
		Types:        []string{"Object"},
		Participants: []string{"alice"},
		Steps:        []Step{join("alice")},
		Assertions:   []Assertion{{Type: AssertConverged}},
	}

	_, err := Run(scenario)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `register type "Object"`)
}
