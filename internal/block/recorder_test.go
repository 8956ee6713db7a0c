package block

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/blocksync/internal/ir"
)

type captured struct {
	path  string
	key   string
	value ir.Value
}

func collect(into *[]captured) RecorderFunc {
	return func(b *Block, key string, value ir.Value) {
		*into = append(*into, captured{path: b.asm.Name(), key: key, value: value})
	}
}

func TestRecorder_CapturesOfflineWrites(t *testing.T) {
	root := newOffline(t, ir.Object{"a": x(nil)})
	var got []captured
	remove := root.AddRecorder(collect(&got))

	require.NoError(t, root.Model().Set("n", 1))
	require.NoError(t, root.Children().Get("a").Model().Set("v", 2))

	assert.Equal(t, []captured{
		{path: "", key: "n", value: ir.Int(1)},
		{path: "a", key: "v", value: ir.Int(2)},
	}, got)

	remove()
	remove()
	require.NoError(t, root.Model().Set("n", 3))
	assert.Len(t, got, 2)
}

func TestRecorder_NewChildrenInherit(t *testing.T) {
	root := newOffline(t, nil)
	var got []captured
	root.AddRecorder(collect(&got))

	require.NoError(t, root.Model().Set("c", x(ir.Object{"g": x(nil)})))
	g := root.Children().Get("c").Children().Get("g")
	require.NoError(t, g.Model().Set("deep", true))

	require.Len(t, got, 2)
	assert.Equal(t, "g", got[1].path)
	assert.Equal(t, "deep", got[1].key)
}

func TestRecorder_RemoveReachesDetachedBlocks(t *testing.T) {
	root := newOffline(t, ir.Object{"a": x(nil)})
	a := root.Children().Get("a")
	var got []captured
	remove := root.AddRecorder(collect(&got))

	require.NoError(t, a.Model().Set("parent", nil))
	remove()
	remove()

	require.NoError(t, a.Model().Set("v", 1))
	require.NoError(t, root.Model().Set("w", 2))
	require.Len(t, got, 1)
	assert.Equal(t, "parent", got[0].key)
}

func TestRecorder_RejectedWritesAreNotCaptured(t *testing.T) {
	root := newOffline(t, ir.Object{"a": x(nil), "b": x(nil)})
	var got []captured
	root.AddRecorder(collect(&got))

	assert.Error(t, root.Children().Get("a").Model().Set("name", "b"))
	assert.Error(t, root.Model().Set("c", ir.Object{"type": ir.String("Nope")}))
	assert.Empty(t, got)
}

func TestRecording_KeepsEntriesInOrder(t *testing.T) {
	root := newOffline(t, ir.Object{"a": x(nil)})
	rec := NewRecording()
	root.AddRecorder(rec)

	a := root.Children().Get("a")
	require.NoError(t, a.Model().Set("x", 1))
	require.NoError(t, a.Model().Set("name", "b"))
	require.NoError(t, a.Model().Set("x", 2))

	entries := rec.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, Entry{Path: "/a/", Key: "x", Value: ir.Int(1)}, entries[0])
	// captured before the rename took effect
	assert.Equal(t, Entry{Path: "/a/", Key: "name", Value: ir.String("b")}, entries[1])
	assert.Equal(t, Entry{Path: "/b/", Key: "x", Value: ir.Int(2)}, entries[2])

	rec.Reset()
	assert.Equal(t, 0, rec.Len())
}
