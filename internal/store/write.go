package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/blocksync/internal/ir"
)

// ErrUnsequenced is returned when appending a message without seq or id.
var ErrUnsequenced = errors.New("message has not been sequenced")

// AppendMessage inserts a sequenced message into its session's log.
// Uses ON CONFLICT(id) DO NOTHING for idempotency - appending the same
// message twice is silently ignored. A different message at an occupied
// (session, seq) position is an error.
func (s *Store) AppendMessage(ctx context.Context, m ir.Message) error {
	if m.Seq <= 0 || m.ID == "" {
		return fmt.Errorf("append message: %w", ErrUnsequenced)
	}

	value, err := marshalValue(m.Value)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages
		(id, session, seq, kind, record, key, value, origin)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		m.ID,
		m.Session,
		m.Seq,
		m.Kind,
		m.Record,
		m.Key,
		value,
		m.From,
	)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}

	return nil
}
