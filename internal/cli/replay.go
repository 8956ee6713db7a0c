package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/spf13/cobra"

	"github.com/roach88/blocksync/internal/ir"
	"github.com/roach88/blocksync/internal/registry"
	"github.com/roach88/blocksync/internal/replica"
	"github.com/roach88/blocksync/internal/store"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Database string
	Session  string // optional - specific session only
}

// ReplaySessionResult holds the replay result for a single session.
type ReplaySessionResult struct {
	Session       string    `json:"session"`
	Messages      int       `json:"messages"`
	LastSeq       int64     `json:"last_seq"`
	Skipped       int       `json:"skipped"`
	Records       int       `json:"records"`
	Hash          string    `json:"hash"`
	Deterministic bool      `json:"deterministic"`
	Spec          ir.Object `json:"spec,omitempty"`
}

// ReplayResult holds the overall replay result.
type ReplayResult struct {
	Sessions         []ReplaySessionResult `json:"sessions"`
	TotalSessions    int                   `json:"total_sessions"`
	AllDeterministic bool                  `json:"all_deterministic"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay a relay log and verify determinism",
		Long: `Replay the durable relay log and check that every session converges.

Each session's messages are applied twice, in sequence order, to two fresh
replicas. Both must end with the same tree hash. Type tags found in the
log are registered with constructors that keep their properties.

Exit codes:
  0 - All sessions are deterministic
  1 - Determinism verification failed (hashes differ)
  2 - Command error (database not found, etc.)

Examples:
  blocksync replay --db ./blocksync.db
  blocksync replay --db ./blocksync.db --session room
  blocksync replay --db ./blocksync.db --format json -v`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Session, "session", "", "replay specific session only")

	return cmd
}

func runReplay(opts *ReplayOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
	logger := opts.Logger(cmd.ErrOrStderr())

	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	infos, err := st.Sessions(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list sessions", err)
	}
	if opts.Session != "" {
		infos = filterSessions(infos, opts.Session)
		if len(infos) == 0 {
			return WrapExitError(ExitCommandError,
				fmt.Sprintf("session %q has no messages", opts.Session), nil)
		}
	}

	result := ReplayResult{
		Sessions:         make([]ReplaySessionResult, 0, len(infos)),
		TotalSessions:    len(infos),
		AllDeterministic: true,
	}
	if len(infos) == 0 {
		return formatter.Report(result, nil, func(w io.Writer) {
			fmt.Fprintln(w, "No sessions found in database.")
		})
	}

	for _, info := range infos {
		formatter.VerboseLog("Replaying session %s (%d messages)", info.Name, info.Messages)
		sr, err := replaySession(ctx, st, info, logger)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to replay session %s", info.Name), err)
		}
		if !opts.Verbose {
			sr.Spec = nil
		}
		result.Sessions = append(result.Sessions, sr)
		if !sr.Deterministic {
			result.AllDeterministic = false
		}
	}

	var cliErr *CLIError
	if !result.AllDeterministic {
		cliErr = &CLIError{Code: ErrCodeDeterminism, Message: "determinism verification failed"}
	}
	if err := formatter.Report(result, cliErr, func(w io.Writer) {
		printReplayText(w, result, opts.Verbose)
	}); err != nil {
		return err
	}
	if !result.AllDeterministic {
		return NewExitError(ExitFailure, "determinism verification failed")
	}
	return nil
}

func filterSessions(infos []store.SessionInfo, name string) []store.SessionInfo {
	for _, info := range infos {
		if info.Name == name {
			return []store.SessionInfo{info}
		}
	}
	return nil
}

// replaySession applies a session's log to two fresh replicas and compares
// the resulting hashes.
func replaySession(ctx context.Context, st *store.Store, info store.SessionInfo, logger *slog.Logger) (ReplaySessionResult, error) {
	msgs, err := st.ReadMessages(ctx, info.Name)
	if err != nil {
		return ReplaySessionResult{}, err
	}

	reg := registry.New()
	for _, tag := range logTypeTags(msgs) {
		if reg.Lookup(tag) {
			continue
		}
		if err := reg.Register(tag, registry.Passthrough); err != nil {
			return ReplaySessionResult{}, fmt.Errorf("register type %q: %w", tag, err)
		}
	}

	first := replica.New(info.Name, reg, replica.WithLogger(logger))
	skipped := 0
	for _, m := range msgs {
		if err := first.Apply(m); err != nil {
			skipped++
		}
	}
	second := replica.New(info.Name, reg, replica.WithLogger(logger))
	for _, m := range msgs {
		second.Apply(m)
	}

	h1, err := first.Hash()
	if err != nil {
		return ReplaySessionResult{}, fmt.Errorf("first replay: %w", err)
	}
	h2, err := second.Hash()
	if err != nil {
		return ReplaySessionResult{}, fmt.Errorf("second replay: %w", err)
	}

	return ReplaySessionResult{
		Session:       info.Name,
		Messages:      len(msgs),
		LastSeq:       info.LastSeq,
		Skipped:       skipped,
		Records:       first.Len(),
		Hash:          h1,
		Deterministic: h1 == h2,
		Spec:          first.Snapshot(),
	}, nil
}

// logTypeTags returns every type tag carried by a message value, sorted.
func logTypeTags(msgs []ir.Message) []string {
	seen := make(map[string]bool)
	var walk func(v ir.Value)
	walk = func(v ir.Value) {
		switch v := v.(type) {
		case ir.Object:
			if tag, ok := ir.TypeTag(v); ok && tag != "" {
				seen[tag] = true
			}
			for _, child := range v {
				walk(child)
			}
		case ir.Array:
			for _, item := range v {
				walk(item)
			}
		}
	}
	for _, m := range msgs {
		walk(m.Value)
	}

	tags := make([]string, 0, len(seen))
	for tag := range seen {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

func printReplayText(w io.Writer, result ReplayResult, verbose bool) {
	fmt.Fprintf(w, "Replay Summary: %d session(s)\n", result.TotalSessions)
	fmt.Fprintln(w)

	for _, s := range result.Sessions {
		status := "✓"
		if !s.Deterministic {
			status = "✗"
		}
		fmt.Fprintf(w, "%s Session: %s\n", status, s.Session)
		fmt.Fprintf(w, "  Messages: %d (last seq %d, %d skipped)\n", s.Messages, s.LastSeq, s.Skipped)
		fmt.Fprintf(w, "  Records: %d\n", s.Records)
		fmt.Fprintf(w, "  Hash: %s\n", s.Hash)
		if verbose && s.Spec != nil {
			if data, err := ir.MarshalCanonical(s.Spec); err == nil {
				fmt.Fprintf(w, "  Spec: %s\n", data)
			}
		}
		if !s.Deterministic {
			fmt.Fprintln(w, "  Warning: Non-deterministic replay detected!")
		}
		fmt.Fprintln(w)
	}

	if result.AllDeterministic {
		fmt.Fprintln(w, "✓ All sessions verified deterministic")
		return
	}
	fmt.Fprintln(w, "✗ Determinism verification failed")
}
