package block

import (
	"fmt"

	"github.com/roach88/blocksync/internal/assembly"
	"github.com/roach88/blocksync/internal/ir"
	"github.com/roach88/blocksync/internal/replica"
)

// synchronizer bridges one Block to its record for one connection.
//
// It is created attached and is terminal once detached: a reconnect builds
// a fresh synchronizer and re-adopts the block. All methods run with the
// world lock held.
type synchronizer struct {
	s   *Session
	b   *Block
	rec *replica.Record
	id  string

	outstanding int
	ready       *Signal
	cancel      func()
	detached    bool
}

// setProperty publishes a write. Local state changes only when the write
// comes back through apply.
func (y *synchronizer) setProperty(key string, v ir.Value) error {
	if y.detached {
		return ir.NewNotConnected(assembly.Path(y.b), "set")
	}
	y.outstanding++
	if y.ready == nil {
		y.ready = newSignal()
	}

	m := ir.Message{
		Kind:   ir.KindSet,
		Record: y.rec.ID(),
		Key:    key,
		Value:  v,
		From:   y.id,
	}
	if err := y.s.conn.Publish(y.s.ctx, m); err != nil {
		y.acknowledge()
		return fmt.Errorf("publish %s on %s: %w", key, assembly.Path(y.b), err)
	}
	y.s.metrics.WriteIssued()
	return nil
}

func (y *synchronizer) acknowledge() {
	if y.outstanding > 0 {
		y.outstanding--
	}
	if y.outstanding == 0 && y.ready != nil {
		y.ready.resolve(nil)
		y.ready = nil
	}
}

func (y *synchronizer) readiness() *Signal {
	if y.outstanding == 0 || y.ready == nil {
		return resolvedSignal(nil)
	}
	return y.ready
}

// onChange receives the record's notifications from the replica.
func (y *synchronizer) onChange(c replica.Change) {
	if y.detached {
		return
	}
	if c.Destroyed {
		y.s.destroyed(y)
		return
	}
	if c.Err == nil {
		y.s.mirror(y, c)
	}
	if c.From == y.id {
		y.s.metrics.WriteAcknowledged()
		y.acknowledge()
	}
}

// detach unsubscribes, abandons outstanding writes and restores direct
// writes on the block and its descendants. It is idempotent.
func (y *synchronizer) detach() {
	if y.detached {
		return
	}
	y.detached = true
	y.cancel()
	y.outstanding = 0
	if y.ready != nil {
		y.ready.resolve(nil)
		y.ready = nil
	}
	if y.b.sync == y {
		y.b.sync = nil
	}
	for _, c := range y.b.asm.Children() {
		if c.sync != nil {
			c.sync.detach()
		}
	}
}

// integrate makes b mirror rec and attaches a synchronizer to it. Children
// are integrated first and installed in b's model once complete. A nil b
// gets a new block. The caller holds the world lock.
func (s *Session) integrate(rec *replica.Record, b *Block) *Block {
	if b == nil {
		b = s.w.newBlock(rec.Type())
	}
	if b.sync != nil {
		b.sync.detach()
	}
	b.tag = rec.Type()
	b.id = rec.ID()
	b.session = s.name
	b.destroyed = false

	spec := rec.Spec()
	model := make(ir.Object, len(spec))
	for _, key := range spec.SortedKeys() {
		childRec := rec.Child(key)
		if childRec == nil {
			model[key] = ir.CloneValue(spec[key])
			continue
		}
		c := s.integrate(childRec, s.candidate(b, key, childRec))
		s.attach(b, key, c)
		model[key] = c.model
	}
	for _, c := range b.asm.Children() {
		if rec.Child(c.asm.Name()) == nil {
			assembly.RemoveChild(b, c)
		}
	}
	b.model = model

	y := &synchronizer{s: s, b: b, rec: rec, id: s.conn.ID() + "/" + rec.ID()}
	y.cancel = s.replica.Subscribe(rec.ID(), y.onChange)
	b.sync = y
	s.blocks[rec.ID()] = b
	return b
}

// candidate picks the existing block to re-adopt for childRec, if any.
func (s *Session) candidate(parent *Block, key string, childRec *replica.Record) *Block {
	if c, ok := s.blocks[childRec.ID()]; ok && c.w == parent.w {
		return c
	}
	c, ok := parent.asm.Child(key)
	if !ok {
		return nil
	}
	if c.id == "" || c.session != s.name || c.id == childRec.ID() {
		return c
	}
	return nil
}

// attach places c under parent as name, displacing any other occupant.
func (s *Session) attach(parent *Block, name string, c *Block) {
	if cur, ok := parent.asm.Child(name); ok && cur != c {
		s.release(cur)
	}
	if p, ok := c.asm.Parent(); ok {
		if p == parent && c.asm.Name() == name {
			return
		}
		assembly.RemoveChild(p, c)
	}
	if err := assembly.AddChild(parent, name, c); err != nil {
		s.logger.Warn("block not attached",
			"session", s.name, "parent", assembly.Path(parent), "name", name, "error", err)
	}
}

// release takes a block that no longer mirrors anything at its position out
// of the tree.
func (s *Session) release(b *Block) {
	if b.sync != nil {
		b.sync.detach()
	}
	if p, ok := b.asm.Parent(); ok {
		delete(p.model, b.asm.Name())
		assembly.RemoveChild(p, b)
	}
}

// mirror applies one change to the block's naked model and tree position.
func (s *Session) mirror(y *synchronizer, c replica.Change) {
	b, rec := y.b, y.rec
	switch c.Key {
	case assembly.ParentKey, assembly.NameKey:
		s.place(b, rec)
		return
	}

	childRec := rec.Child(c.Key)
	if cur, ok := b.asm.Child(c.Key); ok && (childRec == nil || cur.id != childRec.ID()) {
		s.release(cur)
	}
	if childRec != nil {
		if cur, ok := b.asm.Child(c.Key); ok {
			b.model[c.Key] = cur.model
			return
		}
		child := s.integrate(childRec, nil)
		b.inherit(child)
		s.attach(b, c.Key, child)
		b.model[c.Key] = child.model
		return
	}

	if ir.IsAbsent(c.Value) {
		delete(b.model, c.Key)
		return
	}
	b.model[c.Key] = ir.CloneValue(c.Value)
}

// place moves b to wherever rec now sits.
func (s *Session) place(b *Block, rec *replica.Record) {
	p, hasParent := b.asm.Parent()
	pr := rec.Parent()
	if pr == nil {
		if hasParent {
			delete(p.model, b.asm.Name())
			assembly.RemoveChild(p, b)
		}
		if rec.Name() != "" {
			_ = assembly.Rename(b, rec.Name())
		}
		return
	}

	target, ok := s.blocks[pr.ID()]
	if !ok {
		s.logger.Warn("no block for parent record", "session", s.name, "record", rec.ID(), "parent", pr.ID())
		return
	}
	name := rec.Name()
	if hasParent && p == target {
		if b.asm.Name() == name {
			return
		}
		old := b.asm.Name()
		if err := assembly.Rename(b, name); err != nil {
			s.logger.Warn("block not renamed", "session", s.name, "record", rec.ID(), "name", name, "error", err)
			return
		}
		delete(p.model, old)
		p.model[name] = b.model
		return
	}

	if cur, ok := target.asm.Child(name); ok && cur != b {
		s.release(cur)
	}
	if hasParent {
		delete(p.model, b.asm.Name())
	}
	if err := assembly.Move(b, target, name); err != nil {
		s.logger.Warn("block not moved", "session", s.name, "record", rec.ID(), "parent", pr.ID(), "error", err)
		return
	}
	target.model[name] = b.model
}

// destroyed handles the destruction of y's record.
func (s *Session) destroyed(y *synchronizer) {
	b := y.b
	y.detach()
	delete(s.blocks, y.rec.ID())
	if p, ok := b.asm.Parent(); ok {
		delete(p.model, b.asm.Name())
		assembly.RemoveChild(p, b)
	}
	b.destroyed = true
}
