package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/blocksync/internal/block"
	"github.com/roach88/blocksync/internal/channel"
	"github.com/roach88/blocksync/internal/ir"
	"github.com/roach88/blocksync/internal/registry"
	"github.com/roach88/blocksync/internal/store"
	"github.com/roach88/blocksync/internal/testutil"
)

// DefaultTimeout bounds every step that waits on the relay.
const DefaultTimeout = 5 * time.Second

// Option configures a Harness.
type Option func(*Harness)

// WithLogger sets the logger handed to the relay and every session.
// Runs are silent by default.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithTimeout sets how long a step may wait on the relay.
func WithTimeout(d time.Duration) Option {
	return func(h *Harness) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// participant is one scenario participant and the tree it holds.
type participant struct {
	name    string
	session *block.Session
	ids     *testutil.SequenceGenerator
}

func (p *participant) online() bool {
	return p.session != nil && p.session.IsOnline()
}

// Harness runs one scenario against a fresh relay.
//
// Every run uses deterministic connection and barrier identifiers and a
// fresh in-memory log, so the same scenario always produces the same
// message log.
type Harness struct {
	scenario     *Scenario
	session      string
	hub          *channel.Hub
	reg          *registry.Registry
	seed         ir.Object
	seeded       bool
	logger       *slog.Logger
	timeout      time.Duration
	participants map[string]*participant
}

// Run executes a scenario and returns the result.
//
// Execution flow:
// 1. Open an in-memory log and a relay on top of it
// 2. Register the scenario's types
// 3. Execute steps in order, each after its participant has caught up
// 4. Let every online participant catch up and collect trace and trees
// 5. Evaluate assertions
//
// An error is returned only when the run itself cannot be set up; step and
// assertion failures are reported in the Result.
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	h := &Harness{
		scenario:     scenario,
		session:      scenario.Session,
		reg:          registry.New(),
		logger:       testutil.QuietLogger(),
		timeout:      DefaultTimeout,
		participants: make(map[string]*participant, len(scenario.Participants)),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.session == "" {
		h.session = DefaultSession
	}

	for _, t := range scenario.Types {
		if err := h.reg.Register(t, registry.Passthrough); err != nil {
			return nil, fmt.Errorf("register type %q: %w", t, err)
		}
	}
	if scenario.Seed != nil {
		v, err := ir.FromGo(scenario.Seed)
		if err != nil {
			return nil, fmt.Errorf("seed: %w", err)
		}
		h.seed = v.(ir.Object)
	}

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	h.hub = channel.NewHub(
		channel.WithLog(st),
		channel.WithLogger(h.logger),
		channel.WithIDGenerator(testutil.NewSequenceGenerator("conn")),
	)
	defer h.hub.Close()

	for _, name := range scenario.Participants {
		h.participants[name] = &participant{
			name: name,
			ids:  testutil.NewSequenceGenerator("b"),
		}
	}
	defer h.leaveAll()

	ctx := context.Background()
	result := NewResult()
	for i, step := range scenario.Steps {
		err := h.execute(ctx, step)
		if msg := checkStep(i, step, err); msg != "" {
			result.AddError(msg)
		}
		h.logger.Debug("step completed",
			"step", i,
			"participant", step.Participant,
			"action", step.Action,
			"error", err)
	}

	h.collect(ctx, result)

	actx := &AssertionContext{Sessions: make(map[string]*block.Session)}
	for name, p := range h.participants {
		if p.session != nil {
			actx.Sessions[name] = p.session
		}
	}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}

	return result, nil
}

// execute runs one step and returns the error of the operation it performs.
func (h *Harness) execute(ctx context.Context, step Step) error {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	p := h.participants[step.Participant]
	if err := h.catchUp(ctx, p); err != nil {
		return err
	}

	switch step.Action {
	case ActionJoin:
		return h.join(ctx, p)
	case ActionSet:
		return h.set(ctx, p, step, step.Value)
	case ActionDelete:
		return h.set(ctx, p, step, nil)
	case ActionReady:
		b, err := h.find(p, step.Path)
		if err != nil {
			return err
		}
		return b.Ready().Wait(ctx)
	}

	if p.session == nil {
		return fmt.Errorf("%s has not joined", p.name)
	}
	switch step.Action {
	case ActionSettle:
		return p.session.Settle(ctx)
	case ActionSuspend:
		return p.session.Suspend()
	case ActionResume:
		return p.session.Resume(ctx)
	case ActionLeave:
		return p.session.Leave(ctx)
	}
	return fmt.Errorf("unknown action %q", step.Action)
}

// join connects a participant for the first time, or takes its tree back
// online after it left.
func (h *Harness) join(ctx context.Context, p *participant) error {
	opts := block.SessionOptions{
		Name:        h.session,
		Registry:    h.reg,
		Logger:      h.logger,
		IDGenerator: p.ids,
	}

	if p.session == nil {
		if !h.seeded {
			opts.Spec = h.seed
		}
		s, err := block.Join(ctx, h.hub, opts)
		if err != nil {
			return err
		}
		h.seeded = true
		p.session = s
		return nil
	}

	if p.session.IsOnline() {
		return fmt.Errorf("%s is already online", p.name)
	}
	s, err := p.session.Root().Join(ctx, h.hub, opts)
	if err != nil {
		return err
	}
	p.session = s
	return nil
}

func (h *Harness) set(ctx context.Context, p *participant, step Step, value any) error {
	b, err := h.find(p, step.Path)
	if err != nil {
		return err
	}
	if err := b.Model().Set(step.Key, value); err != nil {
		return err
	}
	if step.Async || !b.IsOnline() {
		return nil
	}
	return b.Ready().Wait(ctx)
}

func (h *Harness) find(p *participant, path string) (*block.Block, error) {
	if p.session == nil {
		return nil, fmt.Errorf("%s has not joined", p.name)
	}
	if path == "" {
		path = "/"
	}
	b := p.session.Find(path)
	if b == nil {
		return nil, fmt.Errorf("%s has no block at %s", p.name, path)
	}
	return b, nil
}

// catchUp waits until an online participant has applied everything the
// relay sequenced so far. Offline participants return at once.
func (h *Harness) catchUp(ctx context.Context, p *participant) error {
	if !p.online() {
		return nil
	}
	head := h.hub.Head(h.session)

	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for p.online() && p.session.Seq() < head {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s catching up to seq %d: %w", p.name, head, ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

// collect brings every online participant up to date and records the
// trace and final trees.
func (h *Harness) collect(ctx context.Context, result *Result) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	for _, name := range h.scenario.Participants {
		if err := h.catchUp(ctx, h.participants[name]); err != nil {
			result.AddError(err.Error())
		}
	}

	for _, m := range h.hub.Messages(h.session) {
		result.AddMessageTrace(m)
	}

	for _, name := range h.scenario.Participants {
		p := h.participants[name]
		if p.session == nil {
			continue
		}
		result.State[name] = p.session.Root().FullSpec()
		if !p.online() {
			continue
		}
		hash, err := p.session.Hash()
		if err != nil {
			result.AddError(fmt.Sprintf("%s: hash: %v", name, err))
			continue
		}
		result.Hashes[name] = hash
	}
}

func (h *Harness) leaveAll() {
	for _, p := range h.participants {
		if p.session != nil {
			p.session.Leave(context.Background())
		}
	}
}

// checkStep compares a step's outcome with its declared expectation and
// returns a failure message, or "" if the step behaved as declared.
func checkStep(index int, step Step, err error) string {
	label := fmt.Sprintf("steps[%d] (%s %s)", index, step.Participant, step.Action)
	if step.ExpectError == "" {
		if err != nil {
			return fmt.Sprintf("%s: unexpected error: %v", label, err)
		}
		return ""
	}

	var e *ir.Error
	switch {
	case err == nil:
		return fmt.Sprintf("%s: expected error %s, got none", label, step.ExpectError)
	case !errors.As(err, &e) || string(e.Code) != step.ExpectError:
		return fmt.Sprintf("%s: expected error %s, got: %v", label, step.ExpectError, err)
	}
	return ""
}
