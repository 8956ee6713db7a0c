package assembly

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/blocksync/internal/ir"
)

type keeper struct {
	root      *node
	created   []string
	destroyed []*node
}

func newKeeper() *keeper { return &keeper{root: newNode("")} }

func (k *keeper) Spec(n *node) ir.Object { return n.spec }

func (k *keeper) Create(tag string, props ir.Object) (*node, ir.Object, error) {
	if tag == "Unknown" {
		return nil, nil, ir.NewUnknownType(tag)
	}
	k.created = append(k.created, tag)
	return newNode(tag), props, nil
}

func (k *keeper) Resolve(ref string) (*node, bool) { return Lookup(k.root, ref) }

func (k *keeper) Destroyed(n *node) { k.destroyed = append(k.destroyed, n) }

func (k *keeper) set(t *testing.T, n *node, key string, v ir.Value) {
	t.Helper()
	require.NoError(t, SetProperty[*node](k, n, key, v))
}

func (k *keeper) child(t *testing.T, path string) *node {
	t.Helper()
	n, ok := Lookup(k.root, path)
	require.True(t, ok, "no node at %s", path)
	return n
}

func TestSetPropertyScenario(t *testing.T) {
	k := newKeeper()
	k.set(t, k.root, "foo", ir.Int(1))
	k.set(t, k.root, "child", ir.Object{"type": ir.String("X"), "y": ir.Int(2)})

	require.Equal(t, 1, k.root.asm.Len())
	child := k.child(t, "/child/")
	assert.Equal(t, "X", child.tag)
	assert.Equal(t, ir.Object{"y": ir.Int(2)}, child.spec)

	k.set(t, k.root, "foo", nil)

	assert.True(t, ir.Equal(ir.Object{"child": ir.Object{"y": ir.Int(2)}}, k.root.spec))
	_, present := k.root.spec["foo"]
	assert.False(t, present, "absent values remove the key")
}

func TestSetPropertyNullRemovesKey(t *testing.T) {
	k := newKeeper()
	k.set(t, k.root, "foo", ir.String("bar"))
	k.set(t, k.root, "foo", ir.Null{})

	_, present := k.root.spec["foo"]
	assert.False(t, present)
}

func TestSetPropertyReplacingChildDestroysSubtreeOnce(t *testing.T) {
	k := newKeeper()
	k.set(t, k.root, "child", ir.Object{
		"type": ir.String("X"),
		"a":    ir.Object{"type": ir.String("X")},
		"b":    ir.Object{"type": ir.String("X"), "c": ir.Object{"type": ir.String("X")}},
	})
	old := k.child(t, "/child/")
	oldNodes := []*node{old, k.child(t, "/child/a/"), k.child(t, "/child/b/"), k.child(t, "/child/b/c/")}

	k.set(t, k.root, "child", ir.Object{"type": ir.String("Y"), "v": ir.Int(1)})

	require.Len(t, k.destroyed, 4)
	assert.ElementsMatch(t, oldNodes, k.destroyed)
	assert.Same(t, old, k.destroyed[3], "children are destroyed before their parent")

	fresh := k.child(t, "/child/")
	assert.NotSame(t, old, fresh)
	assert.Equal(t, "Y", fresh.tag)
	assert.Equal(t, ir.Object{"v": ir.Int(1)}, k.root.spec["child"])
}

func TestSetPropertyPlainValueOverChild(t *testing.T) {
	k := newKeeper()
	k.set(t, k.root, "child", ir.Object{"type": ir.String("X")})
	k.set(t, k.root, "child", ir.Int(3))

	assert.Len(t, k.destroyed, 1)
	assert.Equal(t, 0, k.root.asm.Len())
	assert.Equal(t, ir.Int(3), k.root.spec["child"])
}

func TestChildSpecIsLinkedIntoParentSpec(t *testing.T) {
	k := newKeeper()
	k.set(t, k.root, "child", ir.Object{"type": ir.String("X")})
	child := k.child(t, "/child/")

	k.set(t, child, "y", ir.Int(7))
	assert.True(t, ir.Equal(ir.Object{"child": ir.Object{"y": ir.Int(7)}}, k.root.spec))
}

func TestNestedChildrenCreatedInCanonicalOrder(t *testing.T) {
	k := newKeeper()
	k.set(t, k.root, "child", ir.Object{
		"type": ir.String("P"),
		"z":    ir.Object{"type": ir.String("Z")},
		"a":    ir.Object{"type": ir.String("A")},
		"M":    ir.Object{"type": ir.String("M")},
	})

	assert.Equal(t, []string{"P", "M", "A", "Z"}, k.created)
	assert.Equal(t, []string{"M", "a", "z"}, k.child(t, "/child/").asm.Names())
}

func TestUnknownTypeLeavesTreeUnchanged(t *testing.T) {
	k := newKeeper()
	k.set(t, k.root, "keep", ir.Int(1))

	err := SetProperty[*node](k, k.root, "child", ir.Object{
		"type":  ir.String("X"),
		"inner": ir.Object{"type": ir.String("Unknown")},
	})

	assert.True(t, ir.IsUnknownType(err))
	assert.Equal(t, 0, k.root.asm.Len())
	assert.Equal(t, ir.Object{"keep": ir.Int(1)}, k.root.spec)
	assert.Len(t, k.destroyed, 1, "the partially built child is destroyed")
}

func TestReparentPreservesDescendantSpecs(t *testing.T) {
	k := newKeeper()
	k.set(t, k.root, "a", ir.Object{
		"type": ir.String("X"),
		"sub":  ir.Object{"type": ir.String("X"), "v": ir.Int(1)},
	})
	k.set(t, k.root, "b", ir.Object{"type": ir.String("X")})
	a := k.child(t, "/a/")
	before := a.spec.Clone()

	k.set(t, a, ParentKey, ir.String("/b/"))

	assert.Equal(t, "/b/a/", Path(a))
	assert.Equal(t, before, a.spec)
	assert.NotContains(t, k.root.spec, "a")
	assert.True(t, ir.Equal(ir.Object{"b": ir.Object{"a": before}}, k.root.spec))
	assert.Empty(t, k.destroyed, "moving never destroys")
}

func TestDetachAndReattach(t *testing.T) {
	k := newKeeper()
	k.set(t, k.root, "a", ir.Object{"type": ir.String("X"), "v": ir.Int(1)})
	k.set(t, k.root, "b", ir.Object{"type": ir.String("X")})
	a := k.child(t, "/a/")

	k.set(t, a, ParentKey, nil)
	assert.False(t, a.asm.HasParent())
	assert.NotContains(t, k.root.spec, "a")

	err := SetProperty[*node](k, a, ParentKey, ir.String("/b/"))
	assert.ErrorIs(t, err, ErrUnnamed, "a detached node needs a name first")

	k.set(t, a, NameKey, ir.String("moved"))
	k.set(t, a, ParentKey, ir.String("/b/"))

	assert.Equal(t, "/b/moved/", Path(a))
	assert.Equal(t, ir.Object{"v": ir.Int(1)}, k.child(t, "/b/").spec["moved"])
}

func TestReparentNameConflict(t *testing.T) {
	k := newKeeper()
	k.set(t, k.root, "a", ir.Object{"type": ir.String("X")})
	k.set(t, k.root, "b", ir.Object{"type": ir.String("X"), "a": ir.Int(5)})
	a := k.child(t, "/a/")

	err := SetProperty[*node](k, a, ParentKey, ir.String("/b/"))

	assert.True(t, ir.IsNameConflict(err))
	assert.Equal(t, "/a/", Path(a))
	assert.Equal(t, ir.Int(5), k.child(t, "/b/").spec["a"])
}

func TestRenameThroughNameKey(t *testing.T) {
	k := newKeeper()
	k.set(t, k.root, "a", ir.Object{"type": ir.String("X"), "v": ir.Int(1)})
	k.set(t, k.root, "taken", ir.Int(0))
	a := k.child(t, "/a/")

	k.set(t, a, NameKey, ir.String("b"))

	got, ok := k.root.asm.Child("b")
	require.True(t, ok)
	assert.Same(t, a, got)
	assert.NotContains(t, k.root.spec, "a")
	assert.Equal(t, ir.Object{"v": ir.Int(1)}, k.root.spec["b"])

	assert.True(t, ir.IsNameConflict(SetProperty[*node](k, a, NameKey, ir.String("taken"))))
	assert.Error(t, SetProperty[*node](k, a, NameKey, ir.Int(1)))
}

func TestDestroyDetachesFromParentSpec(t *testing.T) {
	k := newKeeper()
	k.set(t, k.root, "a", ir.Object{"type": ir.String("X"), "b": ir.Object{"type": ir.String("X")}})
	a := k.child(t, "/a/")

	Destroy[*node](k, a)

	assert.Len(t, k.destroyed, 2)
	assert.Empty(t, k.root.spec)
	assert.Equal(t, 0, a.asm.Len())
}
