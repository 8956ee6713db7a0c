package harness

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/blocksync/internal/block"
	"github.com/roach88/blocksync/internal/ir"
)

// AssertionContext gives assertions access to the participants' trees.
type AssertionContext struct {
	// Sessions maps participant names to their sessions. Participants that
	// never joined are absent.
	Sessions map[string]*block.Session
}

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s", event.Seq, event.Kind)
			if event.Record != "" {
				fmt.Fprintf(&buf, " %s.%s=%s", event.Record, event.Key, formatValue(event.Value))
			}
			if event.From != "" {
				fmt.Fprintf(&buf, " from %s", event.From)
			}
			buf.WriteByte('\n')
		}
	}

	return buf.String()
}

// formatValue renders a value as canonical JSON for messages.
func formatValue(v ir.Value) string {
	if ir.IsAbsent(v) {
		return "<absent>"
	}
	data, err := ir.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

// assertConverged checks that every online participant holds the same tree.
func assertConverged(result *Result) error {
	if len(result.Hashes) == 0 {
		return &AssertionError{
			Type:     AssertConverged,
			Expected: "at least one participant online",
			Actual:   "no participant online",
		}
	}

	names := make([]string, 0, len(result.Hashes))
	for name := range result.Hashes {
		names = append(names, name)
	}
	slices.Sort(names)

	first := names[0]
	for _, name := range names[1:] {
		if result.Hashes[name] != result.Hashes[first] || !ir.Equal(result.State[name], result.State[first]) {
			return &AssertionError{
				Type:     AssertConverged,
				Expected: fmt.Sprintf("%s to match %s: %s", name, first, formatValue(result.State[first])),
				Actual:   formatValue(result.State[name]),
				Trace:    result.Trace,
			}
		}
	}
	return nil
}

// lookup resolves the block an assertion inspects.
func lookup(actx *AssertionContext, a Assertion) (*block.Block, error) {
	path := a.Path
	if path == "" {
		path = "/"
	}
	s, ok := actx.Sessions[a.Participant]
	if !ok {
		return nil, &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("participant %s to have joined", a.Participant),
			Actual:   "never joined",
		}
	}
	b := s.Find(path)
	if b == nil {
		return nil, &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("block at %s for %s", path, a.Participant),
			Actual:   "not found",
		}
	}
	return b, nil
}

// assertSpec checks a block's spec exactly, type tags of children excluded.
func assertSpec(actx *AssertionContext, a Assertion) error {
	b, err := lookup(actx, a)
	if err != nil {
		return err
	}
	expected, err := ir.FromGo(a.Expect)
	if err != nil {
		return fmt.Errorf("assertion spec: %w", err)
	}
	actual := b.Spec()
	if !ir.Equal(expected, actual) {
		return &AssertionError{
			Type:     AssertSpec,
			Expected: fmt.Sprintf("%s %s = %s", a.Participant, b.Path(), formatValue(expected)),
			Actual:   formatValue(actual),
		}
	}
	return nil
}

// assertValue checks a single property. A null expectation means absent.
func assertValue(actx *AssertionContext, a Assertion) error {
	b, err := lookup(actx, a)
	if err != nil {
		return err
	}
	expected, err := ir.FromGo(a.Expect)
	if err != nil {
		return fmt.Errorf("assertion value: %w", err)
	}
	actual := b.Model().Value(a.Key)
	if !ir.Equal(expected, actual) {
		return &AssertionError{
			Type:     AssertValue,
			Expected: fmt.Sprintf("%s %s%s = %s", a.Participant, b.Path(), a.Key, formatValue(expected)),
			Actual:   formatValue(actual),
		}
	}
	return nil
}

// assertChildren checks the set of child names.
func assertChildren(actx *AssertionContext, a Assertion) error {
	b, err := lookup(actx, a)
	if err != nil {
		return err
	}
	expected := slices.Clone(a.Names)
	slices.Sort(expected)
	actual := b.Children().Names()
	slices.Sort(actual)
	if !slices.Equal(expected, actual) {
		return &AssertionError{
			Type:     AssertChildren,
			Expected: fmt.Sprintf("%s %s children %v", a.Participant, b.Path(), expected),
			Actual:   fmt.Sprintf("%v", actual),
		}
	}
	return nil
}

// assertTraceOrder checks that the first write of each key appears in the
// given order. Writes don't need to be consecutive.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	positions := make(map[string]int64)
	for _, event := range trace {
		if event.Kind != ir.KindSet {
			continue
		}
		if _, seen := positions[event.Key]; !seen {
			positions[event.Key] = event.Seq
		}
	}

	for _, key := range a.Keys {
		if _, ok := positions[key]; !ok {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("writes of all keys: %v", a.Keys),
				Actual:   fmt.Sprintf("no write of %s", key),
				Trace:    trace,
			}
		}
	}

	for i := 1; i < len(a.Keys); i++ {
		prev, curr := a.Keys[i-1], a.Keys[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("writes in order: %v", a.Keys),
				Actual: fmt.Sprintf("%s (seq %d) should be before %s (seq %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

// assertTraceCount checks how many times a key was written.
func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, event := range trace {
		if event.Kind == ir.KindSet && event.Key == a.Key {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d writes of %s", a.Count, a.Key),
			Actual:   fmt.Sprintf("%d writes", count),
			Trace:    trace,
		}
	}
	return nil
}

// EvaluateAssertions runs all assertions and returns the failure messages.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertConverged:
			err = assertConverged(result)
		case AssertSpec:
			err = assertSpec(actx, a)
		case AssertValue:
			err = assertValue(actx, a)
		case AssertChildren:
			err = assertChildren(actx, a)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, a)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}
