package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/blocksync/internal/block"
	"github.com/roach88/blocksync/internal/ir"
	"github.com/roach88/blocksync/internal/registry"
)

// ValidateOptions holds flags for the validate command.
type ValidateOptions struct {
	*RootOptions
	Types []string
}

// ValidationResult holds validation results.
type ValidationResult struct {
	File   string   `json:"file"`
	Valid  bool     `json:"valid"`
	Type   string   `json:"type,omitempty"`
	Blocks int      `json:"blocks,omitempty"`
	Keys   []string `json:"keys,omitempty"`
	Node   string   `json:"node,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ValidateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "validate <spec-file>",
		Short: "Check that a spec builds a tree",
		Long: `Load a JSON, YAML or CUE spec and build an offline tree from it.

Every type tag must be registered with --type. Registered types accept
their properties unchanged.

Exit codes:
  0 - Spec builds a tree
  1 - Spec is invalid (unknown type, read-only key, name conflict)
  2 - Command error (file not found, parse error)

Examples:
  blocksync validate doc.yaml
  blocksync validate doc.cue --type Counter --type Note
  blocksync validate doc.json --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringSliceVar(&opts.Types, "type", nil, "register a type tag (repeatable)")

	return cmd
}

func runValidate(opts *ValidateOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	spec, err := LoadSpecFile(path)
	if err != nil {
		var le *LoadError
		if errors.As(err, &le) {
			formatter.Error(le.Code, le.Error(), nil)
			return WrapExitError(ExitCommandError, le.Code, err)
		}
		formatter.Error(ErrCodeGeneric, err.Error(), nil)
		return WrapExitError(ExitCommandError, ErrCodeGeneric, err)
	}
	formatter.VerboseLog("Loaded %s (%d top-level keys)", path, len(spec))

	reg := registry.New()
	for _, t := range opts.Types {
		if err := reg.Register(t, registry.Passthrough); err != nil {
			formatter.Error(ErrCodeGeneric, err.Error(), nil)
			return WrapExitError(ExitCommandError, ErrCodeGeneric, err)
		}
	}

	result := ValidationResult{File: path}
	b, err := buildTree(reg, spec)
	if err != nil {
		code := validationCode(err)
		var e *ir.Error
		if errors.As(err, &e) {
			result.Node = e.Node
		}
		formatter.Report(result, &CLIError{Code: code, Message: err.Error()}, func(w io.Writer) {
			fmt.Fprintf(w, "✗ %s is invalid\n", path)
			fmt.Fprintf(w, "  [%s] %v\n", code, err)
		})
		return WrapExitError(ExitFailure, code, err)
	}

	result.Valid = true
	result.Type = b.Type()
	result.Blocks = countBlocks(b)
	result.Keys = b.Spec().SortedKeys()
	return formatter.Report(result, nil, func(w io.Writer) {
		fmt.Fprintf(w, "✓ %s is valid\n", path)
		fmt.Fprintf(w, "  Blocks: %d\n", result.Blocks)
		if result.Type != "" {
			fmt.Fprintf(w, "  Root type: %s\n", result.Type)
		}
	})
}

// buildTree resolves every type tag before building, so an unknown tag is
// reported with the path where it occurs.
func buildTree(reg *registry.Registry, spec ir.Object) (*block.Block, error) {
	if err := reg.Validate(spec); err != nil {
		return nil, err
	}
	return block.New(reg, spec)
}

// validationCode maps a build error onto a CLI error code.
func validationCode(err error) string {
	switch {
	case ir.IsUnknownType(err):
		return ErrCodeUnknownType
	case ir.IsReadOnly(err):
		return ErrCodeReadOnlyKey
	case ir.IsNameConflict(err):
		return ErrCodeNameConflict
	default:
		return ErrCodeConstructor
	}
}

func countBlocks(b *block.Block) int {
	n := 1
	b.Children().Range(func(_ string, child *block.Block) bool {
		n += countBlocks(child)
		return true
	})
	return n
}
