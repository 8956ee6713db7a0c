// Package channel defines the Replication Channel contract and provides an
// in-process relay that implements it.
//
// A channel sequences every message published to a session into one total
// order and delivers that order, from the first message, to every connection
// of the session. Participants apply the delivered order to their replicas;
// the channel never interprets message content.
package channel

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/roach88/blocksync/internal/ir"
)

// ErrClosed is returned by operations on a closed connection or relay.
var ErrClosed = errors.New("channel: connection closed")

// Transport opens connections to sessions.
type Transport interface {
	// Connect joins session. Delivery on the returned Conn starts at seq 1,
	// replaying everything the session has already sequenced.
	Connect(ctx context.Context, session string) (Conn, error)
}

// Conn is one participant's connection to a session.
//
// Publish and Next may be called concurrently with each other, but Next must
// be called from a single goroutine.
type Conn interface {
	// ID identifies the connection. It is unique per connection, so a
	// participant that reconnects gets a new one.
	ID() string

	// Publish submits m for sequencing. The channel fills in Session, Seq
	// and ID. Publish returns before delivery.
	Publish(ctx context.Context, m ir.Message) error

	// Next blocks until the next message in the session's order is available.
	// A relay that refuses a message after Publish returned reports it here
	// as a *Rejection; the connection stays usable.
	Next(ctx context.Context) (ir.Message, error)

	// Close releases the connection. Pending deliveries are discarded.
	Close() error
}

// Rejection is returned by Next when the relay refused a message published
// on the connection. From is the refused message's From.
type Rejection struct {
	From   string
	Reason string
}

func (r *Rejection) Error() string {
	return "channel: message from " + r.From + " rejected: " + r.Reason
}

// IsRejection reports whether err is a *Rejection and returns it.
func IsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}

// IDGenerator produces connection identifiers.
// Implemented by UUIDv7Generator (production) and testutil generators (tests).
type IDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 identifiers.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new UUIDv7 and returns it as a hyphenated string.
// Panics if UUID generation fails (should never happen in practice).
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// ValidKind reports whether kind may be published.
func ValidKind(kind string) bool {
	return kind == ir.KindInit || kind == ir.KindSet
}
