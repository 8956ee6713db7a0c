// Package replica holds the canonical records of one session as seen by one
// participant.
//
// A Replica applies the session's ordered message log. Every participant
// applies the same messages in the same order through the same code, so all
// replicas of a session hold identical records with identical identifiers.
// After each message the replica publishes a local Change notification to
// subscribers of the affected records.
//
// A Replica is not safe for concurrent use; the caller serializes Apply,
// Subscribe and reads.
package replica

import (
	"fmt"
	"log/slog"

	"github.com/roach88/blocksync/internal/assembly"
	"github.com/roach88/blocksync/internal/ir"
	"github.com/roach88/blocksync/internal/registry"
)

// Change is the local notification published after a message is applied.
type Change struct {
	Seq    int64
	Record string
	Key    string
	Value  ir.Value
	From   string

	// Err is set when the message could not be applied. The record is
	// unchanged but the originator still sees its write come back.
	Err error

	// Destroyed marks the notification sent to a record's subscribers when
	// the record is destroyed.
	Destroyed bool
}

type subscription struct {
	id int
	fn func(Change)
}

// Replica is one participant's copy of a session's records.
type Replica struct {
	session string
	reg     *registry.Registry
	logger  *slog.Logger

	root    *Record
	records map[string]*Record
	lastID  int64
	seq     int64

	subs    map[string][]subscription
	nextSub int
	pending []Change
}

// Option configures a Replica.
type Option func(*Replica)

// WithLogger sets the logger used for messages that cannot be applied.
func WithLogger(l *slog.Logger) Option {
	return func(r *Replica) {
		if l != nil {
			r.logger = l
		}
	}
}

// New creates an empty replica for session. The root record is created by
// the first init message.
func New(session string, reg *registry.Registry, opts ...Option) *Replica {
	r := &Replica{
		session: session,
		reg:     reg,
		logger:  slog.Default(),
		records: make(map[string]*Record),
		subs:    make(map[string][]subscription),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Session returns the session name.
func (r *Replica) Session() string { return r.session }

// Root returns the root record, or nil before the first init message.
func (r *Replica) Root() *Record { return r.root }

// Seq returns the sequence number of the last applied message.
func (r *Replica) Seq() int64 { return r.seq }

// Find returns a live record by identifier or path.
func (r *Replica) Find(ref string) *Record {
	rec, ok := r.Resolve(ref)
	if !ok {
		return nil
	}
	return rec
}

// Len returns the number of live records, attached or not.
func (r *Replica) Len() int { return len(r.records) }

// Snapshot returns a deep copy of the root spec, or nil before init.
func (r *Replica) Snapshot() ir.Object {
	if r.root == nil {
		return nil
	}
	return r.root.Snapshot()
}

// Hash fingerprints the root's full spec. Converged replicas hash equally.
func (r *Replica) Hash() (string, error) {
	if r.root == nil {
		return ir.SpecHash(ir.Object{})
	}
	return ir.SpecHash(r.root.FullSpec())
}

// Subscribe registers fn for changes to the record id. The returned function
// cancels the subscription and may be called more than once.
func (r *Replica) Subscribe(id string, fn func(Change)) (cancel func()) {
	r.nextSub++
	sub := subscription{id: r.nextSub, fn: fn}
	r.subs[id] = append(r.subs[id], sub)
	return func() { r.unsubscribe(id, sub.id) }
}

func (r *Replica) unsubscribe(record string, id int) {
	subs := r.subs[record]
	for i, s := range subs {
		if s.id == id {
			// copy so an in-progress delivery keeps its own slice
			next := make([]subscription, 0, len(subs)-1)
			next = append(next, subs[:i]...)
			next = append(next, subs[i+1:]...)
			if len(next) == 0 {
				delete(r.subs, record)
			} else {
				r.subs[record] = next
			}
			return
		}
	}
}

// Apply applies one delivered message.
//
// Messages at or below the last applied sequence number are ignored, so
// redelivery is harmless. A message that cannot be applied is logged and
// skipped; every replica skips it identically. The returned error is
// informational.
func (r *Replica) Apply(m ir.Message) error {
	if m.Seq != 0 {
		if m.Seq <= r.seq {
			return nil
		}
		r.seq = m.Seq
	}

	var err error
	switch m.Kind {
	case ir.KindInit:
		err = r.applyInit(m)
	case ir.KindSet:
		err = r.applySet(m)
	default:
		err = fmt.Errorf("unknown message kind %q", m.Kind)
	}
	if err != nil {
		r.logger.Warn("message not applied",
			"session", r.session,
			"seq", m.Seq,
			"record", m.Record,
			"key", m.Key,
			"from", m.From,
			"error", err)
	}
	r.flush()
	return err
}

func (r *Replica) applyInit(m ir.Message) error {
	if r.root != nil {
		r.logger.Debug("ignoring init for initialized session", "session", r.session, "seq", m.Seq)
		return nil
	}

	spec := ir.Object{}
	if !ir.IsAbsent(m.Value) {
		obj, ok := m.Value.(ir.Object)
		if !ok {
			return fmt.Errorf("init value must be an object, got %T", m.Value)
		}
		spec = obj
	}
	tag, props, err := r.reg.Create(spec)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}

	r.root = r.newRecord(tag)
	for _, key := range props.SortedKeys() {
		if assembly.IsReserved(key) {
			continue
		}
		if err := assembly.SetProperty[*Record](r, r.root, key, props[key]); err != nil {
			r.logger.Warn("init property not applied",
				"session", r.session, "key", key, "error", err)
		}
	}
	return nil
}

func (r *Replica) applySet(m ir.Message) error {
	rec, ok := r.records[m.Record]
	if !ok {
		// The record may have been destroyed after the write was issued.
		// The originator still needs its write to come back.
		return fmt.Errorf("no record %q", m.Record)
	}

	err := assembly.SetProperty[*Record](r, rec, m.Key, m.Value)
	r.pending = append(r.pending, Change{
		Seq:    m.Seq,
		Record: rec.id,
		Key:    m.Key,
		Value:  m.Value,
		From:   m.From,
		Err:    err,
	})
	return err
}

// flush delivers queued notifications in order. Handlers may subscribe,
// unsubscribe, or read records, but must not call Apply.
func (r *Replica) flush() {
	for len(r.pending) > 0 {
		c := r.pending[0]
		r.pending = r.pending[1:]
		for _, s := range r.subs[c.Record] {
			s.fn(c)
		}
	}
	r.pending = nil
}

func (r *Replica) newRecord(tag string) *Record {
	r.lastID++
	rec := newRecord(fmt.Sprintf("M%d", r.lastID), tag)
	r.records[rec.id] = rec
	return rec
}

// Spec implements assembly.Keeper.
func (r *Replica) Spec(rec *Record) ir.Object { return rec.spec }

// Create implements assembly.Keeper.
func (r *Replica) Create(tag string, props ir.Object) (*Record, ir.Object, error) {
	init, err := r.reg.Build(tag, props)
	if err != nil {
		return nil, nil, err
	}
	return r.newRecord(tag), init, nil
}

// Resolve implements assembly.Keeper. References are record identifiers or,
// when they start with a slash, paths from the root.
func (r *Replica) Resolve(ref string) (*Record, bool) {
	if assembly.IsPath(ref) {
		if r.root == nil {
			return nil, false
		}
		return assembly.Lookup(r.root, ref)
	}
	rec, ok := r.records[ref]
	return rec, ok
}

// Destroyed implements assembly.Keeper.
func (r *Replica) Destroyed(rec *Record) {
	rec.destroyed = true
	delete(r.records, rec.id)
	r.pending = append(r.pending, Change{Seq: r.seq, Record: rec.id, Destroyed: true})
}
