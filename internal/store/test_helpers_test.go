package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/blocksync/internal/ir"
)

// createTestStore creates a new store in a temporary directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestMessage creates a sequenced set message.
func createTestMessage(t *testing.T, session string, seq int64, key string, value ir.Value) ir.Message {
	t.Helper()
	m, err := ir.Message{
		Session: session,
		Kind:    ir.KindSet,
		Record:  "M1",
		Key:     key,
		Value:   value,
		From:    "view-1",
	}.Sequenced(seq)
	require.NoError(t, err)
	return m
}
