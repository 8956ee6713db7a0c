// Package redisrelay carries the Replication Channel over Redis Streams.
//
// Each session is one stream. Publish appends an entry with XADD; every
// reader scans the stream from the beginning, so position in the stream is
// the session order and seq is simply the entry's 1-based position. Readers
// that never talk to each other still agree on every seq and message ID.
package redisrelay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/roach88/blocksync/internal/channel"
	"github.com/roach88/blocksync/internal/ir"
	"github.com/roach88/blocksync/internal/metrics"
)

// DefaultPrefix is prepended to session names to form stream keys.
const DefaultPrefix = "blocksync:session:"

const (
	fieldMessage  = "msg"
	defaultBlock  = time.Second
	defaultBatch  = 128
	streamStartID = "0"
)

// Transport connects participants through Redis.
type Transport struct {
	client  redis.UniversalClient
	prefix  string
	block   time.Duration
	ids     channel.IDGenerator
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures a Transport.
type Option func(*Transport)

// WithPrefix sets the stream key prefix.
func WithPrefix(p string) Option {
	return func(t *Transport) { t.prefix = p }
}

// WithBlock sets how long one XREAD waits for new entries.
func WithBlock(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.block = d
		}
	}
}

// WithIDGenerator sets the connection ID generator.
func WithIDGenerator(g channel.IDGenerator) Option {
	return func(t *Transport) {
		if g != nil {
			t.ids = g
		}
	}
}

// WithLogger sets the transport's logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithMetrics counts connections and appended messages on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Transport) { t.metrics = m }
}

// NewTransport creates a Transport over client.
func NewTransport(client redis.UniversalClient, opts ...Option) *Transport {
	t := &Transport{
		client: client,
		prefix: DefaultPrefix,
		block:  defaultBlock,
		ids:    channel.UUIDv7Generator{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// StreamKey returns the stream holding session.
func (t *Transport) StreamKey(session string) string {
	return t.prefix + session
}

// Connect implements channel.Transport.
func (t *Transport) Connect(ctx context.Context, session string) (channel.Conn, error) {
	if session == "" {
		return nil, errors.New("session name must not be empty")
	}
	if err := t.client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect %s: %w", session, err)
	}
	t.metrics.Connected(1)
	return &conn{
		t:       t,
		id:      t.ids.Generate(),
		session: session,
		key:     t.StreamKey(session),
		lastID:  streamStartID,
		done:    make(chan struct{}),
	}, nil
}

type conn struct {
	t       *Transport
	id      string
	session string
	key     string

	mu      sync.Mutex // serializes Next
	lastID  string
	seq     int64
	pending []ir.Message

	closeOnce sync.Once
	done      chan struct{}
}

func (c *conn) ID() string { return c.id }

func (c *conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *conn) Publish(ctx context.Context, m ir.Message) error {
	if c.closed() {
		return channel.ErrClosed
	}
	if !channel.ValidKind(m.Kind) {
		return fmt.Errorf("publish: unknown message kind %q", m.Kind)
	}
	m.Session = c.session
	data, err := encodeEntry(m)
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	err = c.t.client.XAdd(ctx, &redis.XAddArgs{
		Stream: c.key,
		Values: map[string]any{fieldMessage: data},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", c.key, err)
	}
	c.t.metrics.Sequenced(m.Kind)
	return nil
}

func (c *conn) Next(ctx context.Context) (ir.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for len(c.pending) == 0 {
		if c.closed() {
			return ir.Message{}, channel.ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return ir.Message{}, err
		}
		if err := c.fill(ctx); err != nil {
			return ir.Message{}, err
		}
	}
	m := c.pending[0]
	c.pending = c.pending[1:]
	return m, nil
}

// fill reads the next batch of entries. A read that times out with no
// entries is not an error.
func (c *conn) fill(ctx context.Context) error {
	streams, err := c.t.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{c.key, c.lastID},
		Count:   defaultBatch,
		Block:   c.t.block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.closed() {
			return channel.ErrClosed
		}
		return fmt.Errorf("read %s: %w", c.key, err)
	}

	for _, s := range streams {
		for _, entry := range s.Messages {
			c.lastID = entry.ID
			// Position counts every entry, including ones that fail to
			// decode, so all readers keep the same numbering.
			c.seq++
			m, err := decodeEntry(entry.Values, c.session, c.seq)
			if err != nil {
				c.t.logger.Warn("skipping undecodable stream entry",
					"stream", c.key, "entry", entry.ID, "seq", c.seq, "error", err)
				continue
			}
			c.pending = append(c.pending, m)
		}
	}
	return nil
}

func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.t.metrics.Connected(-1)
	})
	return nil
}

// encodeEntry serializes an unsequenced message for the stream.
func encodeEntry(m ir.Message) (string, error) {
	m.Seq = 0
	m.ID = ""
	data, err := m.MarshalJSON()
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// decodeEntry rebuilds the message at position seq.
func decodeEntry(values map[string]any, session string, seq int64) (ir.Message, error) {
	raw, ok := values[fieldMessage]
	if !ok {
		return ir.Message{}, fmt.Errorf("entry has no %q field", fieldMessage)
	}
	var data []byte
	switch v := raw.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return ir.Message{}, fmt.Errorf("entry field %q has type %T", fieldMessage, raw)
	}

	var m ir.Message
	if err := m.UnmarshalJSON(data); err != nil {
		return ir.Message{}, err
	}
	if !channel.ValidKind(m.Kind) {
		return ir.Message{}, fmt.Errorf("unknown message kind %q", m.Kind)
	}
	m.Session = session
	return m.Sequenced(seq)
}
