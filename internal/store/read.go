package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/blocksync/internal/ir"
)

// SessionInfo summarizes one session's log.
type SessionInfo struct {
	Name     string
	Messages int64
	LastSeq  int64
}

// ReadMessages returns a session's whole log in sequence order.
// Returns an empty slice (not nil) for an unknown session.
func (s *Store) ReadMessages(ctx context.Context, session string) ([]ir.Message, error) {
	return s.ReadMessagesAfter(ctx, session, 0)
}

// ReadMessagesAfter returns the messages of session with seq > after, in
// sequence order.
func (s *Store) ReadMessagesAfter(ctx context.Context, session string, after int64) ([]ir.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session, seq, kind, record, key, value, origin
		FROM messages
		WHERE session = ? AND seq > ?
		ORDER BY seq ASC
	`, session, after)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	messages := []ir.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	return messages, nil
}

// ReadMessage retrieves a single message by ID.
// Returns sql.ErrNoRows if not found.
func (s *Store) ReadMessage(ctx context.Context, id string) (ir.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session, seq, kind, record, key, value, origin
		FROM messages
		WHERE id = ?
	`, id)

	return scanMessage(row)
}

// LastSeq returns the highest seq in a session's log, or 0 when empty.
func (s *Store) LastSeq(ctx context.Context, session string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) FROM messages WHERE session = ?
	`, session).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("last seq: %w", err)
	}
	return seq, nil
}

// Sessions lists every session with at least one message, ordered by name.
func (s *Store) Sessions(ctx context.Context) ([]SessionInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session, COUNT(*), MAX(seq)
		FROM messages
		GROUP BY session
		ORDER BY session COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	sessions := []SessionInfo{}
	for rows.Next() {
		var info SessionInfo
		if err := rows.Scan(&info.Name, &info.Messages, &info.LastSeq); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (ir.Message, error) {
	var (
		m     ir.Message
		value sql.NullString
	)
	err := row.Scan(&m.ID, &m.Session, &m.Seq, &m.Kind, &m.Record, &m.Key, &value, &m.From)
	if err != nil {
		if err == sql.ErrNoRows {
			return ir.Message{}, err
		}
		return ir.Message{}, fmt.Errorf("scan message: %w", err)
	}

	m.Value, err = unmarshalValue(value)
	if err != nil {
		return ir.Message{}, fmt.Errorf("message %s: %w", m.ID, err)
	}
	return m, nil
}
