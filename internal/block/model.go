package block

import (
	"github.com/roach88/blocksync/internal/assembly"
	"github.com/roach88/blocksync/internal/ir"
)

// Model is the accessor for a block's properties. Reads see the naked
// model; writes are intercepted and routed by connection state.
type Model struct {
	b *Block
}

// Block returns the block this model belongs to.
func (m *Model) Block() *Block { return m.b }

// Get returns the value under key: a *Model for a child, a copy of the
// ir.Value otherwise, or nil when the key is absent.
func (m *Model) Get(key string) any {
	m.b.w.mu.Lock()
	defer m.b.w.mu.Unlock()
	if c, ok := m.b.asm.Child(key); ok {
		return c.Model()
	}
	v, ok := m.b.model[key]
	if !ok {
		return nil
	}
	return ir.CloneValue(v)
}

// Value returns a copy of the value under key. A child reads as its spec
// without type tags. An absent key returns nil.
func (m *Model) Value(key string) ir.Value {
	m.b.w.mu.Lock()
	defer m.b.w.mu.Unlock()
	v, ok := m.b.model[key]
	if !ok {
		return nil
	}
	return ir.CloneValue(v)
}

// Has reports whether key holds a value.
func (m *Model) Has(key string) bool {
	m.b.w.mu.Lock()
	defer m.b.w.mu.Unlock()
	_, ok := m.b.model[key]
	return ok
}

// Keys returns the model's keys in canonical order.
func (m *Model) Keys() []string {
	m.b.w.mu.Lock()
	defer m.b.w.mu.Unlock()
	return m.b.model.SortedKeys()
}

// Set assigns value to key.
//
// value may be an ir.Value, plain Go data accepted by ir.FromGo, or a
// *Block or *Model (as a parent reference). A nil value removes the key.
// Online, the write is published and applied when it comes back; offline it
// is applied at once and offered to the block's recorders. Local
// bookkeeping errors are returned before anything is published. A destroyed
// block no longer belongs to any session and rejects writes with
// NotConnected.
func (m *Model) Set(key string, value any) error {
	m.b.w.mu.Lock()
	defer m.b.w.mu.Unlock()
	if m.b.destroyed {
		return ir.NewNotConnected(assembly.Path(m.b), "set")
	}
	if target := blockOf(value); target != nil && key == assembly.ParentKey && m.b.sync == nil {
		return m.b.setParentOffline(target)
	}
	v, err := toValue(value)
	if err != nil {
		return err
	}
	return m.b.set(key, v)
}

// Delete removes key. It is Set(key, nil).
func (m *Model) Delete(key string) error {
	return m.Set(key, nil)
}

func blockOf(value any) *Block {
	switch v := value.(type) {
	case *Block:
		return v
	case *Model:
		return v.b
	}
	return nil
}

// toValue converts a Set argument. The caller holds the world lock.
func toValue(value any) (ir.Value, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case *Block:
		return ir.String(v.ref()), nil
	case *Model:
		return ir.String(v.b.ref()), nil
	case ir.Value:
		return ir.CloneValue(v), nil
	}
	return ir.FromGo(value)
}

// Children is a read-only view of a block's children. Structural changes
// go through Model.Set with type-tagged values or the parent key.
type Children struct {
	b *Block
}

// Get returns the child named name, or nil.
func (c Children) Get(name string) *Block {
	c.b.w.mu.Lock()
	defer c.b.w.mu.Unlock()
	child, _ := c.b.asm.Child(name)
	return child
}

// Len returns the number of children.
func (c Children) Len() int {
	c.b.w.mu.Lock()
	defer c.b.w.mu.Unlock()
	return c.b.asm.Len()
}

// Names returns child names in insertion order.
func (c Children) Names() []string {
	c.b.w.mu.Lock()
	defer c.b.w.mu.Unlock()
	return c.b.asm.Names()
}

// Range calls fn for each child in insertion order until fn returns false.
// fn runs without the tree lock held and may use the children freely.
func (c Children) Range(fn func(name string, child *Block) bool) {
	c.b.w.mu.Lock()
	names := c.b.asm.Names()
	children := c.b.asm.Children()
	c.b.w.mu.Unlock()
	for i, child := range children {
		if !fn(names[i], child) {
			return
		}
	}
}

// Set always fails with a ReadOnly error.
func (c Children) Set(name string, _ any) error {
	return ir.NewReadOnly(c.path(), name, "children")
}

// Delete always fails with a ReadOnly error.
func (c Children) Delete(name string) error {
	return ir.NewReadOnly(c.path(), name, "children")
}

func (c Children) path() string {
	c.b.w.mu.Lock()
	defer c.b.w.mu.Unlock()
	return assembly.Path(c.b)
}
