package replica

import (
	"github.com/roach88/blocksync/internal/assembly"
	"github.com/roach88/blocksync/internal/ir"
)

// Record is the canonical, replicated instance of one node's spec.
//
// A Record never references blocks, synchronizers, or anything else that is
// specific to one participant. Its spec is mutated only by Replica.Apply.
type Record struct {
	asm       assembly.Assembly[*Record]
	id        string
	tag       string
	spec      ir.Object
	destroyed bool
}

func newRecord(id, tag string) *Record {
	return &Record{id: id, tag: tag, spec: ir.Object{}}
}

// Assembly implements assembly.Node.
func (r *Record) Assembly() *assembly.Assembly[*Record] { return &r.asm }

// ID returns the record's session-wide identifier.
func (r *Record) ID() string { return r.id }

// Type returns the type tag the record was created from. The root record of
// an untyped session has no tag.
func (r *Record) Type() string { return r.tag }

// Name returns the record's name within its parent.
func (r *Record) Name() string { return r.asm.Name() }

// Parent returns the parent record, or nil for the root or a detached record.
func (r *Record) Parent() *Record {
	p, _ := r.asm.Parent()
	return p
}

// Child returns the child record named name, or nil.
func (r *Record) Child(name string) *Record {
	c, _ := r.asm.Child(name)
	return c
}

// Children returns child records in insertion order.
func (r *Record) Children() []*Record { return r.asm.Children() }

// Path returns the slash-delimited path from the root.
func (r *Record) Path() string { return assembly.Path(r) }

// Destroyed reports whether the record has been destroyed.
func (r *Record) Destroyed() bool { return r.destroyed }

// Spec returns the live spec. Child specs are linked in under their names.
// Callers must not modify it.
func (r *Record) Spec() ir.Object { return r.spec }

// Snapshot returns a deep copy of the spec without type tags.
func (r *Record) Snapshot() ir.Object { return r.spec.Clone() }

// FullSpec returns a deep copy of the spec with type tags on every child, so
// that the result recreates this subtree when applied to an empty record.
func (r *Record) FullSpec() ir.Object {
	out := make(ir.Object, len(r.spec)+1)
	for k, v := range r.spec {
		if c := r.Child(k); c != nil {
			out[k] = c.FullSpec()
			continue
		}
		out[k] = ir.CloneValue(v)
	}
	if r.tag != "" {
		out[ir.TypeKey] = ir.String(r.tag)
	}
	return out
}
