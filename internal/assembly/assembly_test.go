package assembly

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/blocksync/internal/ir"
)

type node struct {
	asm  Assembly[*node]
	tag  string
	spec ir.Object
}

func (n *node) Assembly() *Assembly[*node] { return &n.asm }

func newNode(tag string) *node { return &node{tag: tag, spec: ir.Object{}} }

func TestAddChildNameConflict(t *testing.T) {
	root := newNode("")
	a, b := newNode("X"), newNode("X")

	require.NoError(t, AddChild(root, "a", a))
	err := AddChild(root, "a", b)

	assert.True(t, ir.IsNameConflict(err))
	assert.False(t, b.asm.HasParent())
	got, _ := root.asm.Child("a")
	assert.Same(t, a, got)
}

func TestAddChildRejectsAttachedChild(t *testing.T) {
	p1, p2, c := newNode(""), newNode(""), newNode("X")
	require.NoError(t, AddChild(p1, "c", c))

	err := AddChild(p2, "c", c)
	assert.ErrorIs(t, err, ErrAttached)
	assert.Equal(t, 0, p2.asm.Len())
}

func TestChildrenIterateInInsertionOrder(t *testing.T) {
	root := newNode("")
	for _, name := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, AddChild(root, name, newNode("X")))
	}

	assert.Equal(t, []string{"zeta", "alpha", "mid"}, root.asm.Names())

	var seen []string
	root.asm.Range(func(name string, child *node) bool {
		assert.Equal(t, name, child.asm.Name())
		seen = append(seen, name)
		return len(seen) < 2
	})
	assert.Equal(t, []string{"zeta", "alpha"}, seen)
}

func TestRemoveChildClearsBackReferenceAndName(t *testing.T) {
	root, c := newNode(""), newNode("X")
	require.NoError(t, AddChild(root, "c", c))

	assert.True(t, RemoveChild(root, c))
	assert.False(t, c.asm.HasParent())
	assert.Empty(t, c.asm.Name())
	_, ok := root.asm.Child("c")
	assert.False(t, ok)
	assert.False(t, RemoveChild(root, c), "second removal is a no-op")
}

func TestRenameIsAtomic(t *testing.T) {
	root := newNode("")
	a, b := newNode("X"), newNode("X")
	require.NoError(t, AddChild(root, "a", a))
	require.NoError(t, AddChild(root, "b", b))

	require.NoError(t, Rename(a, "renamed"))

	got, ok := root.asm.Child("renamed")
	require.True(t, ok)
	assert.Same(t, a, got)
	_, ok = root.asm.Child("a")
	assert.False(t, ok)
	assert.Equal(t, []string{"renamed", "b"}, root.asm.Names())

	assert.True(t, ir.IsNameConflict(Rename(a, "b")))
	assert.Equal(t, "renamed", a.asm.Name())
}

func TestMoveRejectsCycle(t *testing.T) {
	root, a, b := newNode(""), newNode("X"), newNode("X")
	require.NoError(t, AddChild(root, "a", a))
	require.NoError(t, AddChild(a, "b", b))

	assert.ErrorIs(t, Move(a, b, "a"), ErrCycle)
	assert.ErrorIs(t, Move(a, a, "self"), ErrCycle)
	assert.Equal(t, "/a/b/", Path(b), "failed move leaves the tree unchanged")
}

func TestPathAndLookup(t *testing.T) {
	root, a, b := newNode(""), newNode("X"), newNode("X")
	require.NoError(t, AddChild(root, "a", a))
	require.NoError(t, AddChild(a, "b", b))

	assert.Equal(t, "/", Path(root))
	assert.Equal(t, "/a/", Path(a))
	assert.Equal(t, "/a/b/", Path(b))

	for _, p := range []string{"/a/b/", "/a/b", "a//b"} {
		got, ok := Lookup(root, p)
		require.True(t, ok, p)
		assert.Same(t, b, got, p)
	}
	got, ok := Lookup(root, "/")
	assert.True(t, ok)
	assert.Same(t, root, got)

	_, ok = Lookup(root, "/a/missing/")
	assert.False(t, ok)

	assert.True(t, IsPath("/a/"))
	assert.False(t, IsPath("M3"))
	assert.Same(t, root, Root(b))
}

func TestWalkVisitsParentsFirst(t *testing.T) {
	root, a, b, c := newNode(""), newNode("X"), newNode("X"), newNode("X")
	require.NoError(t, AddChild(root, "a", a))
	require.NoError(t, AddChild(a, "b", b))
	require.NoError(t, AddChild(root, "c", c))

	var paths []string
	Walk(root, func(n *node) { paths = append(paths, Path(n)) })
	assert.Equal(t, []string{"/", "/a/", "/a/b/", "/c/"}, paths)
}
