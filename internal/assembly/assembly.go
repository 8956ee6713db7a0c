package assembly

import (
	"errors"
	"fmt"
	"slices"

	"github.com/roach88/blocksync/internal/ir"
)

// Node is implemented by every type that embeds an Assembly.
type Node[N any] interface {
	comparable
	Assembly() *Assembly[N]
}

var (
	// ErrAttached is returned when adding a child that already has a parent.
	ErrAttached = errors.New("node already has a parent")

	// ErrCycle is returned when a move would make a node its own ancestor.
	ErrCycle = errors.New("node cannot become its own ancestor")

	// ErrUnnamed is returned when attaching a node that has no name.
	ErrUnnamed = errors.New("node has no name")
)

// Assembly holds a node's position in the tree.
//
// The parent field is a back-reference only; a node never owns its parent.
// Children are owned by the parent and iterate in insertion order.
//
// The zero value is a detached node with no children.
type Assembly[N any] struct {
	name      string
	parent    N
	hasParent bool
	order     []string
	children  map[string]N
}

// Name returns the node's name among its siblings.
func (a *Assembly[N]) Name() string { return a.name }

// Parent returns the node's parent, if attached.
func (a *Assembly[N]) Parent() (N, bool) { return a.parent, a.hasParent }

// HasParent reports whether the node is attached to a parent.
func (a *Assembly[N]) HasParent() bool { return a.hasParent }

// Child returns the child registered under name.
func (a *Assembly[N]) Child(name string) (N, bool) {
	c, ok := a.children[name]
	return c, ok
}

// Len returns the number of children.
func (a *Assembly[N]) Len() int { return len(a.order) }

// Names returns child names in insertion order.
func (a *Assembly[N]) Names() []string { return slices.Clone(a.order) }

// Children returns children in insertion order.
func (a *Assembly[N]) Children() []N {
	out := make([]N, 0, len(a.order))
	for _, name := range a.order {
		out = append(out, a.children[name])
	}
	return out
}

// Range calls fn for each child in insertion order until fn returns false.
// fn may not add or remove children of this node.
func (a *Assembly[N]) Range(fn func(name string, child N) bool) {
	for _, name := range a.order {
		if !fn(name, a.children[name]) {
			return
		}
	}
}

// AddChild attaches child to parent under name.
//
// It fails with a NameConflict error if name is occupied; the caller must
// clear the existing occupant first. A child that already has a parent is
// rejected with ErrAttached: moving is always remove-then-add (see Move).
func AddChild[N Node[N]](parent N, name string, child N) error {
	pa := parent.Assembly()
	ca := child.Assembly()
	if name == "" {
		return ErrUnnamed
	}
	if _, ok := pa.children[name]; ok {
		return ir.NewNameConflict(Path(parent), name)
	}
	if ca.hasParent {
		return fmt.Errorf("add %q to %s: %w", name, Path(parent), ErrAttached)
	}
	if parent == child || isAncestor(child, parent) {
		return fmt.Errorf("add %q to %s: %w", name, Path(parent), ErrCycle)
	}

	if pa.children == nil {
		pa.children = make(map[string]N)
	}
	pa.children[name] = child
	pa.order = append(pa.order, name)
	ca.name = name
	ca.parent = parent
	ca.hasParent = true
	return nil
}

// RemoveChild detaches child from parent, clearing its back-reference and
// its name. It reports false if child is not a child of parent.
func RemoveChild[N Node[N]](parent N, child N) bool {
	pa := parent.Assembly()
	ca := child.Assembly()
	if !ca.hasParent || ca.parent != parent {
		return false
	}
	if cur, ok := pa.children[ca.name]; !ok || cur != child {
		return false
	}

	delete(pa.children, ca.name)
	if i := slices.Index(pa.order, ca.name); i >= 0 {
		pa.order = slices.Delete(pa.order, i, i+1)
	}
	var zero N
	ca.name = ""
	ca.parent = zero
	ca.hasParent = false
	return true
}

// Rename changes node's name. The parent's lookup is updated in one step and
// the child keeps its position in the parent's iteration order.
func Rename[N Node[N]](node N, name string) error {
	a := node.Assembly()
	if name == "" {
		return ErrUnnamed
	}
	if name == a.name {
		return nil
	}
	if !a.hasParent {
		a.name = name
		return nil
	}

	pa := a.parent.Assembly()
	if _, ok := pa.children[name]; ok {
		return ir.NewNameConflict(Path(a.parent), name)
	}
	old := a.name
	delete(pa.children, old)
	pa.children[name] = node
	if i := slices.Index(pa.order, old); i >= 0 {
		pa.order[i] = name
	}
	a.name = name
	return nil
}

// Move detaches node from its current parent (if any) and attaches it to
// newParent under name. All checks run before anything changes, so a failed
// move leaves the tree untouched.
func Move[N Node[N]](node N, newParent N, name string) error {
	a := node.Assembly()
	pa := newParent.Assembly()
	if name == "" {
		return ErrUnnamed
	}
	if a.hasParent && a.parent == newParent && a.name == name {
		return nil
	}
	if _, ok := pa.children[name]; ok {
		return ir.NewNameConflict(Path(newParent), name)
	}
	if newParent == node || isAncestor(node, newParent) {
		return fmt.Errorf("move %q to %s: %w", name, Path(newParent), ErrCycle)
	}

	if a.hasParent {
		RemoveChild(a.parent, node)
	}
	return AddChild(newParent, name, node)
}

// Root returns the topmost ancestor of node.
func Root[N Node[N]](node N) N {
	for {
		p, ok := node.Assembly().Parent()
		if !ok {
			return node
		}
		node = p
	}
}

// isAncestor reports whether anc is a strict ancestor of node.
func isAncestor[N Node[N]](anc, node N) bool {
	for p, ok := node.Assembly().Parent(); ok; p, ok = p.Assembly().Parent() {
		if p == anc {
			return true
		}
	}
	return false
}
