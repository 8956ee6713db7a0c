package assembly

import (
	"fmt"

	"github.com/roach88/blocksync/internal/ir"
)

// Reserved keys handled structurally rather than stored in a spec.
const (
	ParentKey = "parent"
	NameKey   = "name"
)

// Keeper supplies the node-type specific half of the bookkeeping protocol.
type Keeper[N Node[N]] interface {
	// Spec returns the node's live spec. Bookkeeping mutates it in place.
	Spec(n N) ir.Object

	// Create makes a new detached node for a type tag. It returns the
	// properties to apply to the new node, normally props itself or the
	// registered constructor's result.
	Create(tag string, props ir.Object) (N, ir.Object, error)

	// Resolve finds the node a parent reference names.
	Resolve(ref string) (N, bool)

	// Destroyed is called once per node after it has been removed from the
	// tree by Destroy.
	Destroyed(n N)
}

// IsReserved reports whether key is handled structurally.
func IsReserved(key string) bool { return key == ParentKey || key == NameKey }

// SetProperty applies one assignment to node.
//
//   - parent: move node under the referenced node (absent detaches it)
//   - name: rename node within its parent
//   - a key holding a child: destroy that child, then continue
//   - a type-tagged value: create a child named key
//   - otherwise: store the value, or delete the key if the value is absent
func SetProperty[N Node[N]](k Keeper[N], node N, key string, value ir.Value) error {
	switch key {
	case ParentKey:
		return setParent(k, node, value)
	case NameKey:
		s, ok := value.(ir.String)
		if !ok || s == "" {
			return fmt.Errorf("set name on %s: name must be a non-empty string", Path(node))
		}
		return rename(k, node, string(s))
	}

	if child, ok := node.Assembly().Child(key); ok {
		Destroy(k, child)
	}

	spec := k.Spec(node)
	if tag, ok := ir.TypeTag(value); ok {
		_, props := ir.SplitType(value.(ir.Object))
		child, err := create(k, tag, props)
		if err != nil {
			return fmt.Errorf("create %q under %s: %w", key, Path(node), err)
		}
		if err := AddChild(node, key, child); err != nil {
			Destroy(k, child)
			return err
		}
		spec[key] = k.Spec(child)
		return nil
	}

	if ir.IsAbsent(value) {
		delete(spec, key)
		return nil
	}
	spec[key] = value
	return nil
}

// create builds a detached child and applies its properties in canonical
// key order, so nested children are created in the same order everywhere.
func create[N Node[N]](k Keeper[N], tag string, props ir.Object) (N, error) {
	child, init, err := k.Create(tag, props)
	if err != nil {
		var zero N
		return zero, err
	}
	for _, key := range init.SortedKeys() {
		if IsReserved(key) {
			continue
		}
		if err := SetProperty(k, child, key, init[key]); err != nil {
			Destroy(k, child)
			var zero N
			return zero, err
		}
	}
	return child, nil
}

// Destroy removes node and all its descendants, children first, then detaches
// node from its parent and drops its key from the parent's spec.
func Destroy[N Node[N]](k Keeper[N], node N) {
	for _, c := range node.Assembly().Children() {
		Destroy(k, c)
	}
	detach(k, node)
	k.Destroyed(node)
}

func detach[N Node[N]](k Keeper[N], node N) {
	a := node.Assembly()
	parent, ok := a.Parent()
	if !ok {
		return
	}
	delete(k.Spec(parent), a.Name())
	RemoveChild(parent, node)
}

func setParent[N Node[N]](k Keeper[N], node N, value ir.Value) error {
	if ir.IsAbsent(value) {
		detach(k, node)
		return nil
	}
	ref, ok := value.(ir.String)
	if !ok {
		return fmt.Errorf("set parent on %s: reference must be a string", Path(node))
	}
	parent, ok := k.Resolve(string(ref))
	if !ok {
		return fmt.Errorf("set parent on %s: no node for %q", Path(node), ref)
	}
	return ChangeParent(k, node, parent, node.Assembly().Name())
}

// ChangeParent moves node under parent as name, keeping both parents' specs
// linked to the tree. A failed move changes nothing.
func ChangeParent[N Node[N]](k Keeper[N], node, parent N, name string) error {
	a := node.Assembly()
	old, hadParent := a.Parent()
	oldName := a.Name()
	if err := checkFree(k, parent, name); err != nil {
		return err
	}
	if err := Move(node, parent, name); err != nil {
		return err
	}
	if hadParent {
		delete(k.Spec(old), oldName)
	}
	k.Spec(parent)[name] = k.Spec(node)
	return nil
}

func rename[N Node[N]](k Keeper[N], node N, name string) error {
	a := node.Assembly()
	old := a.Name()
	if parent, ok := a.Parent(); ok {
		if err := checkFree(k, parent, name); err != nil {
			return err
		}
	}
	if err := Rename(node, name); err != nil {
		return err
	}
	if parent, ok := a.Parent(); ok && old != name {
		spec := k.Spec(parent)
		delete(spec, old)
		spec[name] = k.Spec(node)
	}
	return nil
}

// checkFree fails with NameConflict when name holds a plain value in parent's
// spec. Children under name are left to the tree's own check.
func checkFree[N Node[N]](k Keeper[N], parent N, name string) error {
	if _, isChild := parent.Assembly().Child(name); isChild {
		return nil
	}
	if _, ok := k.Spec(parent)[name]; ok {
		return ir.NewNameConflict(Path(parent), name)
	}
	return nil
}
