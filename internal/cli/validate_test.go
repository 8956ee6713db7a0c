package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/blocksync/internal/ir"
)

const noteSpec = `title: draft
notes:
  type: Note
  body: hi
  todo:
    type: Note
    body: later
`

func runValidateCmd(t *testing.T, format string, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewValidateCommand(&RootOptions{Format: format})
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestValidateValidSpec(t *testing.T) {
	path := writeSpec(t, "doc.yaml", noteSpec)

	out, err := runValidateCmd(t, "text", path, "--type", "Note")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ "+path+" is valid")
	assert.Contains(t, out, "Blocks: 3")
}

func TestValidateValidSpecJSON(t *testing.T) {
	path := writeSpec(t, "doc.cue", `
type: "Page"
title: "draft"
notes: {type: "Note", body: "hi"}
`)

	out, err := runValidateCmd(t, "json", path, "--type", "Note,Page")
	require.NoError(t, err)

	var resp struct {
		Status string           `json:"status"`
		Data   ValidationResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.Data.Valid)
	assert.Equal(t, "Page", resp.Data.Type)
	assert.Equal(t, 2, resp.Data.Blocks)
	assert.Equal(t, []string{"notes", "title"}, resp.Data.Keys)
}

func TestValidateUnknownType(t *testing.T) {
	path := writeSpec(t, "doc.yaml", noteSpec)

	out, err := runValidateCmd(t, "text", path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "is invalid")
	assert.Contains(t, out, "[E101]")
}

func TestValidateUnknownTypeJSON(t *testing.T) {
	path := writeSpec(t, "doc.json", `{"notes": {"type": "Note", "todo": {"type": "Todo"}}}`)

	out, err := runValidateCmd(t, "json", path, "--type", "Note")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp struct {
		Status string           `json:"status"`
		Data   ValidationResult `json:"data"`
		Error  *CLIError        `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.False(t, resp.Data.Valid)
	assert.Equal(t, "/notes/todo/", resp.Data.Node)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeUnknownType, resp.Error.Code)
}

func TestValidateUnknownRootType(t *testing.T) {
	path := writeSpec(t, "doc.json", `{"type": "Page", "title": "draft"}`)

	_, err := runValidateCmd(t, "text", path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.True(t, ir.IsUnknownType(err))
}

func TestValidateLoadErrors(t *testing.T) {
	tests := []struct {
		name     string
		path     func(t *testing.T) string
		wantCode string
	}{
		{"missing file", func(t *testing.T) string { return filepath.Join(t.TempDir(), "nope.yaml") }, ErrCodeNotFound},
		{"parse error", func(t *testing.T) string { return writeSpec(t, "doc.json", "{") }, ErrCodeParse},
		{"unsupported", func(t *testing.T) string { return writeSpec(t, "doc.txt", "x") }, ErrCodeUnsupported},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := runValidateCmd(t, "text", tt.path(t))
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
			assert.Contains(t, err.Error(), tt.wantCode)
			assert.Contains(t, out, "Error ["+tt.wantCode+"]")
		})
	}
}

func TestValidateDuplicateType(t *testing.T) {
	path := writeSpec(t, "doc.yaml", noteSpec)

	_, err := runValidateCmd(t, "text", path, "--type", "Note", "--type", "Note")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestValidationCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"unknown type", ir.NewUnknownType("Todo"), ErrCodeUnknownType},
		{"read only", ir.NewReadOnly("/", "type", "type tag"), ErrCodeReadOnlyKey},
		{"name conflict", ir.NewNameConflict("/", "title"), ErrCodeNameConflict},
		{"wrapped", errors.Join(errors.New("new block"), ir.NewNameConflict("/", "x")), ErrCodeNameConflict},
		{"constructor", errors.New("count must be positive"), ErrCodeConstructor},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, validationCode(tt.err))
		})
	}
}
