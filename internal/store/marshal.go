package store

import (
	"database/sql"
	"fmt"

	"github.com/roach88/blocksync/internal/ir"
)

// marshalValue converts a message value to canonical JSON TEXT.
// Absent values are stored as SQL NULL.
func marshalValue(v ir.Value) (sql.NullString, error) {
	if ir.IsAbsent(v) {
		return sql.NullString{}, nil
	}
	data, err := ir.MarshalCanonical(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal value: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// unmarshalValue parses stored JSON TEXT. Integers are decoded through
// json.Number so values above 2^53 survive.
func unmarshalValue(data sql.NullString) (ir.Value, error) {
	if !data.Valid {
		return nil, nil
	}
	v, err := ir.UnmarshalValue([]byte(data.String))
	if err != nil {
		return nil, fmt.Errorf("unmarshal value: %w", err)
	}
	return v, nil
}
