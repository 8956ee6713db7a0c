package wsrelay

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/blocksync/internal/channel"
	"github.com/roach88/blocksync/internal/ir"
)

// Transport connects to a Server.
type Transport struct {
	base   string
	dialer *websocket.Dialer
	logger *slog.Logger
}

// TransportOption configures a Transport.
type TransportOption func(*Transport)

// WithDialer sets the websocket dialer.
func WithDialer(d *websocket.Dialer) TransportOption {
	return func(t *Transport) {
		if d != nil {
			t.dialer = d
		}
	}
}

// WithLogger sets the client's logger.
func WithLogger(l *slog.Logger) TransportOption {
	return func(t *Transport) {
		if l != nil {
			t.logger = l
		}
	}
}

// NewTransport creates a client for the server at base. base may use the
// ws, wss, http or https scheme.
func NewTransport(base string, opts ...TransportOption) *Transport {
	base = strings.TrimSuffix(base, "/")
	switch {
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	}
	t := &Transport{
		base:   base,
		dialer: websocket.DefaultDialer,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Connect implements channel.Transport.
func (t *Transport) Connect(ctx context.Context, session string) (channel.Conn, error) {
	u := t.base + "/sessions/" + url.PathEscape(session)
	ws, _, err := t.dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = ws.SetReadDeadline(deadline)
	}
	var hello frame
	if err := ws.ReadJSON(&hello); err != nil {
		ws.Close()
		return nil, fmt.Errorf("read hello: %w", err)
	}
	if hello.Type != FrameHello {
		ws.Close()
		return nil, fmt.Errorf("connect %s: %s", session, hello.Error)
	}
	_ = ws.SetReadDeadline(time.Time{})

	c := &clientConn{
		ws:         ws,
		id:         hello.Conn,
		session:    session,
		logger:     t.logger,
		deliveries: make(chan delivery, 256),
		closing:    make(chan struct{}),
		done:       make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

type clientConn struct {
	ws      *websocket.Conn
	id      string
	session string
	logger  *slog.Logger

	writeMu    sync.Mutex
	deliveries chan delivery
	closing    chan struct{}
	done       chan struct{}
	closeOnce  sync.Once
}

// delivery is a sequenced message or, when rejected is set, a refusal of
// one of this connection's publishes.
type delivery struct {
	m        ir.Message
	rejected *channel.Rejection
}

func (d delivery) result() (ir.Message, error) {
	if d.rejected != nil {
		return ir.Message{}, d.rejected
	}
	return d.m, nil
}

func (c *clientConn) ID() string { return c.id }

func (c *clientConn) Publish(ctx context.Context, m ir.Message) error {
	select {
	case <-c.done:
		return channel.ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.ws.SetWriteDeadline(deadline)
		defer c.ws.SetWriteDeadline(time.Time{})
	}
	if err := c.ws.WriteJSON(frame{Type: FramePublish, Message: &m}); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

func (c *clientConn) Next(ctx context.Context) (ir.Message, error) {
	// Drain what was delivered before the connection ended.
	select {
	case d := <-c.deliveries:
		return d.result()
	default:
	}

	select {
	case d := <-c.deliveries:
		return d.result()
	case <-c.done:
		return ir.Message{}, channel.ErrClosed
	case <-ctx.Done():
		return ir.Message{}, ctx.Err()
	}
}

func (c *clientConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closing)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	<-c.done
	return err
}

func (c *clientConn) readLoop() {
	defer close(c.done)
	for {
		var f frame
		if err := c.ws.ReadJSON(&f); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.logger.Debug("relay connection ended", "session", c.session, "conn", c.id, "error", err)
			}
			return
		}
		switch f.Type {
		case FrameDeliver:
			if f.Message == nil {
				continue
			}
			if !c.push(delivery{m: *f.Message}) {
				return
			}
		case FrameError:
			c.logger.Warn("relay rejected message", "session", c.session, "conn", c.id, "from", f.From, "error", f.Error)
			if f.From == "" {
				continue
			}
			if !c.push(delivery{rejected: &channel.Rejection{From: f.From, Reason: f.Error}}) {
				return
			}
		}
	}
}

// push queues d for Next. It gives up once Close is called.
func (c *clientConn) push(d delivery) bool {
	select {
	case c.deliveries <- d:
		return true
	case <-c.closing:
		return false
	}
}
