package wsrelay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/blocksync/internal/channel"
	"github.com/roach88/blocksync/internal/metrics"
)

// Server exposes a channel.Transport over websockets.
type Server struct {
	transport channel.Transport
	router    *mux.Router
	upgrader  websocket.Upgrader
	logger    *slog.Logger
	gatherer  prometheus.Gatherer
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the server's logger.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithGatherer serves metrics gathered by g at /metrics.
func WithGatherer(g prometheus.Gatherer) ServerOption {
	return func(s *Server) { s.gatherer = g }
}

// WithCheckOrigin sets the websocket origin check. The default accepts any
// origin.
func WithCheckOrigin(fn func(*http.Request) bool) ServerOption {
	return func(s *Server) { s.upgrader.CheckOrigin = fn }
}

// NewServer creates a Server relaying to t.
func NewServer(t channel.Transport, opts ...ServerOption) *Server {
	s := &Server{
		transport: t,
		router:    mux.NewRouter(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.router.HandleFunc("/sessions/{name}", s.handleSession).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", handleHealth).Methods(http.MethodGet)
	if s.gatherer != nil {
		s.router.Handle("/metrics", metrics.Handler(s.gatherer)).Methods(http.MethodGet)
	}
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		s.logger.Warn("websocket upgrade failed", "session", name, "error", err)
		return
	}
	defer ws.Close()

	// The request context ends when the handler returns; the relay loop
	// gets its own.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, err := s.transport.Connect(ctx, name)
	if err != nil {
		s.logger.Warn("connect failed", "session", name, "error", err)
		_ = ws.WriteJSON(frame{Type: FrameError, Error: err.Error()})
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	write := func(f frame) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return ws.WriteJSON(f)
	}

	if err := write(frame{Type: FrameHello, Conn: conn.ID()}); err != nil {
		return
	}
	s.logger.Info("participant joined", "session", name, "conn", conn.ID())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			m, err := conn.Next(ctx)
			if rej, ok := channel.IsRejection(err); ok {
				if err := write(frame{Type: FrameError, From: rej.From, Error: rej.Reason}); err != nil {
					_ = ws.Close()
					return
				}
				continue
			}
			if err != nil {
				if !errors.Is(err, context.Canceled) && !errors.Is(err, channel.ErrClosed) {
					s.logger.Warn("delivery stopped", "session", name, "conn", conn.ID(), "error", err)
				}
				// unblock the reader
				_ = ws.Close()
				return
			}
			if err := write(frame{Type: FrameDeliver, Message: &m}); err != nil {
				_ = ws.Close()
				return
			}
		}
	}()

	for {
		var f frame
		if err := ws.ReadJSON(&f); err != nil {
			break
		}
		if f.Type != FramePublish || f.Message == nil {
			_ = write(frame{Type: FrameError, Error: "expected publish frame"})
			continue
		}
		if err := conn.Publish(ctx, *f.Message); err != nil {
			s.logger.Warn("publish failed", "session", name, "conn", conn.ID(), "error", err)
			_ = write(frame{Type: FrameError, From: f.Message.From, Error: err.Error()})
		}
	}

	cancel()
	<-done
	s.logger.Info("participant left", "session", name, "conn", conn.ID())
}
