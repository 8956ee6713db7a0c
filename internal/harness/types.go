package harness

import (
	"github.com/roach88/blocksync/internal/ir"
)

// TraceEvent is one message of the session's total order, as sequenced by
// the relay.
type TraceEvent struct {
	Seq    int64    `json:"seq"`
	Kind   string   `json:"kind"`
	Record string   `json:"record,omitempty"`
	Key    string   `json:"key,omitempty"`
	Value  ir.Value `json:"value,omitempty"`
	From   string   `json:"from,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass indicates overall success: every step behaved as declared and
	// every assertion held.
	Pass bool `json:"pass"`

	// Trace is the session's message log in sequence order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains step and assertion failures.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// State holds each participant's final root spec, type tags included.
	State map[string]ir.Object `json:"state,omitempty"`

	// Hashes holds the replica hash of each participant still online.
	Hashes map[string]string `json:"hashes,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		State:  make(map[string]ir.Object),
		Hashes: make(map[string]string),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddMessageTrace appends a sequenced message to the trace.
func (r *Result) AddMessageTrace(m ir.Message) {
	r.Trace = append(r.Trace, TraceEvent{
		Seq:    m.Seq,
		Kind:   m.Kind,
		Record: m.Record,
		Key:    m.Key,
		Value:  m.Value,
		From:   m.From,
	})
}
