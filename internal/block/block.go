package block

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/roach88/blocksync/internal/assembly"
	"github.com/roach88/blocksync/internal/ir"
	"github.com/roach88/blocksync/internal/registry"
)

// world is the state shared by every block of one tree.
type world struct {
	mu           sync.Mutex
	reg          *registry.Registry
	nextRecorder int

	// retired holds removed recorder ids. Blocks detached from the tree
	// may still list them.
	retired map[int]struct{}
}

func newWorld(reg *registry.Registry) *world {
	if reg == nil {
		reg = registry.New()
	}
	return &world{reg: reg, retired: make(map[int]struct{})}
}

func (w *world) newBlock(tag string) *Block {
	return &Block{w: w, tag: tag, model: ir.Object{}}
}

// Block is the participant-local handle for one node.
//
// A Block outlives any connection: its naked model stays readable while
// offline, and offline writes go through local bookkeeping. While a
// synchronizer is attached, writes are published to the replication channel
// instead and only take effect when they come back.
type Block struct {
	asm   assembly.Assembly[*Block]
	w     *world
	tag   string
	model ir.Object

	// id and session name the record this block last mirrored.
	id      string
	session string

	sync      *synchronizer
	recorders []recorderEntry
	destroyed bool

	// offline captures writes made while a session root is disconnected.
	offline   *Recording
	offlineID int
}

// New creates an offline root block from spec. A type tag in spec is
// resolved through reg; a nil reg gets a fresh registry.
func New(reg *registry.Registry, spec ir.Object) (*Block, error) {
	w := newWorld(reg)
	tag, props, err := w.reg.Create(spec)
	if err != nil {
		return nil, err
	}

	b := w.newBlock(tag)
	k := offlineKeeper{w: w, root: b}
	for _, key := range props.SortedKeys() {
		if assembly.IsReserved(key) {
			continue
		}
		if err := assembly.SetProperty[*Block](k, b, key, props[key]); err != nil {
			return nil, fmt.Errorf("new block: %w", err)
		}
	}
	return b, nil
}

// Assembly implements assembly.Node.
func (b *Block) Assembly() *assembly.Assembly[*Block] { return &b.asm }

// Model returns the block's property accessor.
func (b *Block) Model() *Model { return &Model{b: b} }

// Children returns a read-only view of the block's children.
func (b *Block) Children() Children { return Children{b: b} }

// ID returns the identifier of the record this block mirrors, or last
// mirrored. It is empty for a block that has never been online.
func (b *Block) ID() string {
	b.w.mu.Lock()
	defer b.w.mu.Unlock()
	return b.id
}

// Type returns the block's type tag.
func (b *Block) Type() string {
	b.w.mu.Lock()
	defer b.w.mu.Unlock()
	return b.tag
}

// Name returns the block's name within its parent.
func (b *Block) Name() string {
	b.w.mu.Lock()
	defer b.w.mu.Unlock()
	return b.asm.Name()
}

// Parent returns the parent block, or nil.
func (b *Block) Parent() *Block {
	b.w.mu.Lock()
	defer b.w.mu.Unlock()
	p, _ := b.asm.Parent()
	return p
}

// Path returns the block's slash-delimited path from its root.
func (b *Block) Path() string {
	b.w.mu.Lock()
	defer b.w.mu.Unlock()
	return assembly.Path(b)
}

// IsOnline reports whether a synchronizer is attached.
func (b *Block) IsOnline() bool {
	b.w.mu.Lock()
	defer b.w.mu.Unlock()
	return b.sync != nil
}

// Destroyed reports whether the block's record was destroyed, or the block
// itself was destroyed by an offline write.
func (b *Block) Destroyed() bool {
	b.w.mu.Lock()
	defer b.w.mu.Unlock()
	return b.destroyed
}

// Spec returns a deep copy of the block's non-default properties, children
// included, without type tags.
func (b *Block) Spec() ir.Object {
	b.w.mu.Lock()
	defer b.w.mu.Unlock()
	return b.model.Clone()
}

// FullSpec returns a deep copy of the block's properties with type tags on
// the block and every child, suitable for recreating the subtree.
func (b *Block) FullSpec() ir.Object {
	b.w.mu.Lock()
	defer b.w.mu.Unlock()
	return b.fullSpec()
}

func (b *Block) fullSpec() ir.Object {
	out := make(ir.Object, len(b.model)+1)
	for k, v := range b.model {
		if c, ok := b.asm.Child(k); ok {
			out[k] = c.fullSpec()
			continue
		}
		out[k] = ir.CloneValue(v)
	}
	if b.tag != "" {
		out[ir.TypeKey] = ir.String(b.tag)
	}
	return out
}

// Ready returns a signal that completes when every write this block issued
// has come back from the channel. An offline block, or one with nothing
// outstanding, returns a completed signal.
func (b *Block) Ready() *Signal {
	b.w.mu.Lock()
	defer b.w.mu.Unlock()
	if b.sync == nil {
		return resolvedSignal(nil)
	}
	return b.sync.readiness()
}

// set routes one assignment. The caller holds the world lock.
func (b *Block) set(key string, v ir.Value) error {
	if b.sync != nil {
		return b.sync.s.write(b, key, v)
	}

	k := offlineKeeper{w: b.w, root: assembly.Root(b)}
	if err := b.w.checkWrite(b, key, v, k.Resolve); err != nil {
		return err
	}
	b.capture(key, v)
	if err := assembly.SetProperty[*Block](k, b, key, v); err != nil {
		return err
	}
	if _, typed := ir.TypeTag(v); typed {
		if c, ok := b.asm.Child(key); ok {
			b.inherit(c)
		}
	}
	return nil
}

// setParentOffline moves b under target. Resolving the target directly
// lets a detached block rejoin the tree it came from.
func (b *Block) setParentOffline(target *Block) error {
	if target.w != b.w {
		return fmt.Errorf("set parent on %s: target belongs to another tree", assembly.Path(b))
	}
	ref := ir.String(assembly.Path(target))
	resolve := func(string) (*Block, bool) { return target, true }
	if err := b.w.checkWrite(b, assembly.ParentKey, ref, resolve); err != nil {
		return err
	}
	b.capture(assembly.ParentKey, ref)
	k := offlineKeeper{w: b.w, root: assembly.Root(target)}
	return assembly.ChangeParent[*Block](k, b, target, b.asm.Name())
}

// checkWrite reports the local errors an assignment would hit, before it
// is applied offline or published online.
func (w *world) checkWrite(b *Block, key string, v ir.Value, resolve func(string) (*Block, bool)) error {
	switch key {
	case "":
		return fmt.Errorf("set on %s: empty key", assembly.Path(b))
	case ir.TypeKey:
		return ir.NewReadOnly(assembly.Path(b), key, "the type tag")
	case assembly.NameKey:
		name, ok := v.(ir.String)
		if !ok || name == "" {
			return fmt.Errorf("set name on %s: name must be a non-empty string", assembly.Path(b))
		}
		if p, ok := b.asm.Parent(); ok && string(name) != b.asm.Name() {
			return occupied(p, string(name), b)
		}
		return nil
	case assembly.ParentKey:
		if ir.IsAbsent(v) {
			return nil
		}
		ref, ok := v.(ir.String)
		if !ok {
			return fmt.Errorf("set parent on %s: reference must be a string", assembly.Path(b))
		}
		target, ok := resolve(string(ref))
		if !ok {
			return fmt.Errorf("set parent on %s: no node for %q", assembly.Path(b), ref)
		}
		if b.asm.Name() == "" {
			return fmt.Errorf("set parent on %s: %w", assembly.Path(b), assembly.ErrUnnamed)
		}
		for n, ok := target, true; ok; n, ok = n.asm.Parent() {
			if n == b {
				return fmt.Errorf("set parent on %s: %w", assembly.Path(b), assembly.ErrCycle)
			}
		}
		if p, ok := b.asm.Parent(); ok && p == target {
			return nil
		}
		return occupied(target, b.asm.Name(), b)
	}

	if obj, ok := v.(ir.Object); ok {
		if err := w.reg.Validate(ir.Object{key: obj}); err != nil {
			var e *ir.Error
			if errors.As(err, &e) && e.Node != "" {
				e.Node = assembly.Path(b) + e.Node[1:]
			}
			return err
		}
	}
	return nil
}

func occupied(parent *Block, name string, self *Block) error {
	if c, ok := parent.asm.Child(name); ok {
		if c == self {
			return nil
		}
		return ir.NewNameConflict(assembly.Path(parent), name)
	}
	if _, ok := parent.model[name]; ok {
		return ir.NewNameConflict(assembly.Path(parent), name)
	}
	return nil
}

// ref returns the reference other participants use for b: the record id
// while online, the path otherwise.
func (b *Block) ref() string {
	if b.sync != nil {
		return b.id
	}
	return assembly.Path(b)
}

// inherit copies b's recorders onto the subtree rooted at c.
func (b *Block) inherit(c *Block) {
	assembly.Walk(c, func(n *Block) {
		n.recorders = slices.Clone(b.recorders)
	})
}

// offlineKeeper applies bookkeeping directly to a block tree.
type offlineKeeper struct {
	w    *world
	root *Block
}

func (k offlineKeeper) Spec(b *Block) ir.Object { return b.model }

func (k offlineKeeper) Create(tag string, props ir.Object) (*Block, ir.Object, error) {
	init, err := k.w.reg.Build(tag, props)
	if err != nil {
		return nil, nil, err
	}
	return k.w.newBlock(tag), init, nil
}

func (k offlineKeeper) Resolve(ref string) (*Block, bool) {
	if assembly.IsPath(ref) {
		return assembly.Lookup(k.root, ref)
	}
	var found *Block
	assembly.Walk(k.root, func(n *Block) {
		if found == nil && n.id == ref {
			found = n
		}
	})
	return found, found != nil && ref != ""
}

func (k offlineKeeper) Destroyed(b *Block) {
	b.destroyed = true
}
