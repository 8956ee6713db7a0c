package ir

import (
	"errors"
	"fmt"
)

// Error represents a local bookkeeping or connection error.
//
// These errors are raised synchronously to the caller and are never sent
// over the replication channel: they describe a mistake in the calling
// participant's own intent, not a replicated fault.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Key is the property or child name involved, if any.
	Key string

	// Node is the path or record id of the node involved, if any.
	Node string
}

// ErrorCode categorizes errors.
type ErrorCode string

const (
	// ErrCodeNameConflict indicates a child name is already in use.
	ErrCodeNameConflict ErrorCode = "NAME_CONFLICT"

	// ErrCodeReadOnly indicates an assignment through a read-only view.
	ErrCodeReadOnly ErrorCode = "READ_ONLY"

	// ErrCodeUnknownType indicates a spec names an unregistered type.
	ErrCodeUnknownType ErrorCode = "UNKNOWN_TYPE"

	// ErrCodeNotConnected indicates an operation needs a live session.
	ErrCodeNotConnected ErrorCode = "NOT_CONNECTED"
)

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Node != "" && e.Key != "":
		return fmt.Sprintf("%s: %s (node=%s, key=%s)", e.Code, e.Message, e.Node, e.Key)
	case e.Key != "":
		return fmt.Sprintf("%s: %s (key=%s)", e.Code, e.Message, e.Key)
	case e.Node != "":
		return fmt.Sprintf("%s: %s (node=%s)", e.Code, e.Message, e.Node)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewNameConflict creates an Error for a name already occupied under node.
func NewNameConflict(node, name string) *Error {
	return &Error{
		Code:    ErrCodeNameConflict,
		Message: fmt.Sprintf("child %q already exists; set it to null first", name),
		Key:     name,
		Node:    node,
	}
}

// NewReadOnly creates an Error for an assignment through a read-only view.
func NewReadOnly(node, key, what string) *Error {
	return &Error{
		Code:    ErrCodeReadOnly,
		Message: what + " is read-only",
		Key:     key,
		Node:    node,
	}
}

// NewUnknownType creates an Error for an unregistered type tag.
func NewUnknownType(tag string) *Error {
	return &Error{
		Code:    ErrCodeUnknownType,
		Message: fmt.Sprintf("type %q is not registered", tag),
		Key:     TypeKey,
	}
}

// NewNotConnected creates an Error for an operation that needs a session.
func NewNotConnected(node, op string) *Error {
	return &Error{
		Code:    ErrCodeNotConnected,
		Message: op + " requires a connected session",
		Node:    node,
	}
}

func hasCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsNameConflict reports whether err is a NameConflict error.
func IsNameConflict(err error) bool { return hasCode(err, ErrCodeNameConflict) }

// IsReadOnly reports whether err is a ReadOnlyViolation error.
func IsReadOnly(err error) bool { return hasCode(err, ErrCodeReadOnly) }

// IsUnknownType reports whether err is an UnknownType error.
func IsUnknownType(err error) bool { return hasCode(err, ErrCodeUnknownType) }

// IsNotConnected reports whether err is a NotConnected error.
func IsNotConnected(err error) bool { return hasCode(err, ErrCodeNotConnected) }
