package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/blocksync/internal/assembly"
)

// DefaultSession is the session name used when a scenario does not name one.
const DefaultSession = "scenario"

// Scenario defines a conformance scenario.
// Participants join one session through a shared in-process relay, run
// their steps strictly in order, and the resulting message log and final
// trees are checked by the assertions.
type Scenario struct {
	// Name uniquely identifies this scenario. It also names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Session is the session every participant joins.
	// Defaults to DefaultSession.
	Session string `yaml:"session,omitempty"`

	// Types lists extra type tags to register. Each accepts its properties
	// unchanged.
	Types []string `yaml:"types,omitempty"`

	// Seed is the root spec offered by the first participant to join.
	Seed map[string]any `yaml:"seed,omitempty"`

	// Participants names every participant that appears in Steps.
	Participants []string `yaml:"participants"`

	// Steps run in order. Before each step an online participant applies
	// everything the relay has sequenced so far.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace and trees.
	// Supported types: converged, spec, value, children, trace_order, trace_count
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one participant action.
type Step struct {
	// Participant performs the step.
	Participant string `yaml:"participant"`

	// Action is one of join, set, delete, ready, settle, suspend, resume, leave.
	Action string `yaml:"action"`

	// Path addresses the block for set, delete and ready. Defaults to "/".
	Path string `yaml:"path,omitempty"`

	// Key is the property written by set and delete.
	Key string `yaml:"key,omitempty"`

	// Value is written by set. Nested maps with a "type" key create children.
	Value any `yaml:"value,omitempty"`

	// Async skips waiting for an online write to come back.
	Async bool `yaml:"async,omitempty"`

	// ExpectError is the error code the step must fail with
	// (e.g. NAME_CONFLICT). Empty means the step must succeed.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// Step actions.
const (
	ActionJoin    = "join"
	ActionSet     = "set"
	ActionDelete  = "delete"
	ActionReady   = "ready"
	ActionSettle  = "settle"
	ActionSuspend = "suspend"
	ActionResume  = "resume"
	ActionLeave   = "leave"
)

// Assertion validates the trace or a participant's final tree.
type Assertion struct {
	// Type specifies the assertion type:
	// - "converged": every online participant holds the same tree
	// - "spec": the block at Path has exactly Expect as its spec
	// - "value": the block at Path holds Expect under Key (null: absent)
	// - "children": the block at Path has exactly Names as children
	// - "trace_order": the first writes of Keys appear in that order
	// - "trace_count": Key is written exactly Count times
	Type string `yaml:"type"`

	// Participant whose tree is inspected (spec, value, children).
	Participant string `yaml:"participant,omitempty"`

	// Path addresses the block. Defaults to "/".
	Path string `yaml:"path,omitempty"`

	// Key is the property inspected (value, trace_count).
	Key string `yaml:"key,omitempty"`

	// Expect is the expected spec (spec) or value (value).
	Expect any `yaml:"expect,omitempty"`

	// Names are the expected child names, in any order (children).
	Names []string `yaml:"names,omitempty"`

	// Keys is the expected write order (trace_order).
	Keys []string `yaml:"keys,omitempty"`

	// Count is the expected number of writes (trace_count).
	Count int `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertConverged  = "converged"
	AssertSpec       = "spec"
	AssertValue      = "value"
	AssertChildren   = "children"
	AssertTraceOrder = "trace_order"
	AssertTraceCount = "trace_count"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML with strict field validation.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // catches typos like "assertion:" vs "assertions:"
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	if scenario.Session == "" {
		scenario.Session = DefaultSession
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	if len(s.Participants) == 0 {
		return fmt.Errorf("participants list is required and must be non-empty")
	}

	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	known := make(map[string]bool, len(s.Participants))
	for i, p := range s.Participants {
		if p == "" {
			return fmt.Errorf("participants[%d]: name is required", i)
		}
		if known[p] {
			return fmt.Errorf("participants[%d]: duplicate participant %q", i, p)
		}
		known[p] = true
	}

	for i, t := range s.Types {
		if t == "" {
			return fmt.Errorf("types[%d]: name is required", i)
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step, known); err != nil {
			return err
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion, known); err != nil {
			return err
		}
	}

	return nil
}

func validateStep(index int, step *Step, known map[string]bool) error {
	if !known[step.Participant] {
		return fmt.Errorf("steps[%d]: unknown participant %q", index, step.Participant)
	}
	if step.Path != "" && !assembly.IsPath(step.Path) {
		return fmt.Errorf("steps[%d]: path %q must start with /", index, step.Path)
	}

	switch step.Action {
	case ActionSet, ActionDelete:
		if step.Key == "" {
			return fmt.Errorf("steps[%d]: key is required for %s", index, step.Action)
		}
	case ActionJoin, ActionReady, ActionSettle, ActionSuspend, ActionResume, ActionLeave:
	case "":
		return fmt.Errorf("steps[%d]: action is required", index)
	default:
		return fmt.Errorf("steps[%d]: unknown action %q", index, step.Action)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion, known map[string]bool) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertConverged:
		return nil
	case AssertSpec, AssertValue, AssertChildren:
		if !known[a.Participant] {
			return fmt.Errorf("assertions[%d]: unknown participant %q for %s", index, a.Participant, a.Type)
		}
		if a.Path != "" && !assembly.IsPath(a.Path) {
			return fmt.Errorf("assertions[%d]: path %q must start with /", index, a.Path)
		}
	case AssertTraceOrder:
		if len(a.Keys) == 0 {
			return fmt.Errorf("assertions[%d]: keys list is required for trace_order", index)
		}
		return nil
	case AssertTraceCount:
		if a.Key == "" {
			return fmt.Errorf("assertions[%d]: key is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
		return nil
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	switch a.Type {
	case AssertSpec:
		if a.Expect == nil {
			return fmt.Errorf("assertions[%d]: expect is required for spec", index)
		}
		if _, ok := a.Expect.(map[string]any); !ok {
			return fmt.Errorf("assertions[%d]: expect must be a mapping for spec", index)
		}
	case AssertValue:
		if a.Key == "" {
			return fmt.Errorf("assertions[%d]: key is required for value", index)
		}
	}
	return nil
}
