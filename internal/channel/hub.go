package channel

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/roach88/blocksync/internal/ir"
	"github.com/roach88/blocksync/internal/metrics"
	"github.com/roach88/blocksync/internal/store"
)

// Hub is an in-process relay. It sequences each session's messages under a
// single lock, so the order it assigns is the order every connection sees.
//
// With WithLog the Hub loads a session's stored log the first time the
// session is touched and appends every message before delivering it, so a
// restarted Hub continues the same order.
//
// Thread-safety: all methods are safe for concurrent use.
type Hub struct {
	mu       sync.Mutex
	sessions map[string]*sessionLog
	closed   bool

	log     *store.Store
	metrics *metrics.Metrics
	logger  *slog.Logger
	ids     IDGenerator
}

type sessionLog struct {
	name     string
	clock    *Clock
	messages []ir.Message
	conns    map[*hubConn]struct{}
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithLog persists every sequenced message to s.
func WithLog(s *store.Store) HubOption {
	return func(h *Hub) { h.log = s }
}

// WithMetrics records relay counters on m.
func WithMetrics(m *metrics.Metrics) HubOption {
	return func(h *Hub) { h.metrics = m }
}

// WithLogger sets the Hub's logger.
func WithLogger(l *slog.Logger) HubOption {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithIDGenerator sets the generator for connection identifiers.
func WithIDGenerator(g IDGenerator) HubOption {
	return func(h *Hub) {
		if g != nil {
			h.ids = g
		}
	}
}

// NewHub creates an empty Hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		sessions: make(map[string]*sessionLog),
		logger:   slog.Default(),
		ids:      UUIDv7Generator{},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Connect implements Transport.
func (h *Hub) Connect(ctx context.Context, session string) (Conn, error) {
	if session == "" {
		return nil, fmt.Errorf("connect: empty session name")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}

	s, err := h.sessionLocked(ctx, session)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", session, err)
	}

	c := &hubConn{
		hub:     h,
		session: s,
		id:      h.ids.Generate(),
		queue:   newQueue(s.messages),
	}
	s.conns[c] = struct{}{}
	h.metrics.Connected(1)
	h.logger.Debug("participant connected", "session", session, "conn", c.id, "backlog", len(s.messages))
	return c, nil
}

// Head returns the last sequence number assigned in session, or 0.
func (h *Hub) Head(session string) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.sessions[session]; ok {
		return s.clock.Current()
	}
	return 0
}

// Messages returns a copy of the session's sequenced messages.
func (h *Hub) Messages(session string) []ir.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.sessions[session]; ok {
		return slices.Clone(s.messages)
	}
	return nil
}

// Sessions returns the names of sessions the Hub holds, sorted.
func (h *Hub) Sessions() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.sessions))
	for name := range h.sessions {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Close closes every connection. Further Connect calls fail with ErrClosed.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for _, s := range h.sessions {
		for c := range s.conns {
			c.closeLocked()
		}
	}
	return nil
}

// sessionLocked returns the session, loading its stored log on first use.
func (h *Hub) sessionLocked(ctx context.Context, name string) (*sessionLog, error) {
	if s, ok := h.sessions[name]; ok {
		return s, nil
	}

	s := &sessionLog{
		name:  name,
		clock: NewClock(),
		conns: make(map[*hubConn]struct{}),
	}
	if h.log != nil {
		msgs, err := h.log.ReadMessages(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("load log: %w", err)
		}
		for i, m := range msgs {
			if m.Seq != int64(i+1) {
				return nil, fmt.Errorf("load log: gap at seq %d (found %d)", i+1, m.Seq)
			}
		}
		s.messages = msgs
		s.clock = NewClockAt(int64(len(msgs)))
	}

	h.sessions[name] = s
	h.metrics.SessionOpened()
	return s, nil
}

// publish sequences m into the session of c and fans it out.
func (h *Hub) publish(ctx context.Context, c *hubConn, m ir.Message) error {
	if !ValidKind(m.Kind) {
		return fmt.Errorf("publish: unknown message kind %q", m.Kind)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	s := c.session

	m.Session = s.name
	sequenced, err := m.Sequenced(s.clock.Peek())
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	if h.log != nil {
		if err := h.log.AppendMessage(ctx, sequenced); err != nil {
			h.metrics.LogError()
			h.logger.Error("append to log failed",
				"session", s.name, "seq", sequenced.Seq, "error", err)
			return fmt.Errorf("publish: %w", err)
		}
	}

	s.clock.Next()
	s.messages = append(s.messages, sequenced)
	for peer := range s.conns {
		peer.queue.Enqueue(sequenced)
	}
	h.metrics.Sequenced(sequenced.Kind)
	h.logger.Debug("sequenced",
		"session", s.name,
		"seq", sequenced.Seq,
		"kind", sequenced.Kind,
		"record", sequenced.Record,
		"key", sequenced.Key,
		"from", sequenced.From)
	return nil
}

type hubConn struct {
	hub     *Hub
	session *sessionLog
	id      string
	queue   *queue
	closed  bool // guarded by hub.mu
}

func (c *hubConn) ID() string { return c.id }

func (c *hubConn) Publish(ctx context.Context, m ir.Message) error {
	return c.hub.publish(ctx, c, m)
}

func (c *hubConn) Next(ctx context.Context) (ir.Message, error) {
	return c.queue.Pop(ctx)
}

func (c *hubConn) Close() error {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	c.closeLocked()
	return nil
}

func (c *hubConn) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	delete(c.session.conns, c)
	c.queue.Close()
	c.hub.metrics.Connected(-1)
	c.hub.logger.Debug("participant disconnected", "session", c.session.name, "conn", c.id)
}
