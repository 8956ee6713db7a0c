package block

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/roach88/blocksync/internal/assembly"
	"github.com/roach88/blocksync/internal/channel"
	"github.com/roach88/blocksync/internal/ir"
	"github.com/roach88/blocksync/internal/metrics"
	"github.com/roach88/blocksync/internal/registry"
	"github.com/roach88/blocksync/internal/replica"
)

// ErrLeft is returned when resuming a session that was left.
var ErrLeft = errors.New("block: session was left")

// SessionOptions configures a Session.
type SessionOptions struct {
	// Name is the session to join.
	Name string

	// Registry resolves type tags. It defaults to a fresh registry.
	// (*Block).Join always uses the registry the block was created with.
	Registry *registry.Registry

	// Spec seeds the root record when the session is new. It is ignored
	// when the session already has a root, and by (*Block).Join, which
	// seeds with the block's full spec.
	Spec ir.Object

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics is optional.
	Metrics *metrics.Metrics

	// IDGenerator produces barrier tokens. It defaults to UUIDv7.
	IDGenerator channel.IDGenerator
}

type sessionState int

const (
	stateConnecting sessionState = iota
	stateOnline
	stateSuspended
	stateLeft
)

// Session is one participant's connection to a replicated session.
//
// A Session owns a delivery loop that reads the channel's ordered messages,
// applies them to a private Replica, and lets each block's synchronizer
// mirror the result. The blocks survive the connection: Suspend and Leave
// detach every synchronizer and start recording offline writes on the root;
// Resume and (*Block).Join reconnect, re-adopt the same blocks and replay
// what was recorded.
//
// Thread-safety model:
//   - Block, Model and Children methods: safe from any goroutine
//   - Leave, Suspend, Resume, Settle, Replay: safe from any goroutine,
//     lifecycle calls are serialized
//   - Recorders run inside writes and must not call back into blocks
type Session struct {
	name      string
	transport channel.Transport
	logger    *slog.Logger
	metrics   *metrics.Metrics
	ids       channel.IDGenerator
	w         *world

	life sync.Mutex // serializes connect and disconnect

	// guarded by w.mu
	state    sessionState
	root     *Block
	blocks   map[string]*Block
	conn     channel.Conn
	replica  *replica.Replica
	ctx      context.Context
	cancel   context.CancelFunc
	pumpDone chan struct{}
	barriers map[string]*Signal
	seededBy string
}

func newSession(t channel.Transport, opts SessionOptions, w *world) *Session {
	s := &Session{
		name:      opts.Name,
		transport: t,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		ids:       opts.IDGenerator,
		w:         w,
		state:     stateConnecting,
		blocks:    make(map[string]*Block),
		barriers:  make(map[string]*Signal),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.ids == nil {
		s.ids = channel.UUIDv7Generator{}
	}
	return s
}

// Join connects to a session and returns it once the local replica holds
// the root record. opts.Spec seeds the session if it is new.
func Join(ctx context.Context, t channel.Transport, opts SessionOptions) (*Session, error) {
	if opts.Name == "" {
		return nil, errors.New("join: session name must not be empty")
	}
	s := newSession(t, opts, newWorld(opts.Registry))

	s.life.Lock()
	defer s.life.Unlock()
	if err := s.connect(ctx, opts.Spec); err != nil {
		return nil, err
	}
	return s, nil
}

// Join takes the offline tree rooted at b online. The block's full spec
// seeds the session if it is new; otherwise the session's state wins and b
// is re-adopted as its root. Writes recorded since b last left a session
// are replayed.
func (b *Block) Join(ctx context.Context, t channel.Transport, opts SessionOptions) (*Session, error) {
	if opts.Name == "" {
		return nil, errors.New("join: session name must not be empty")
	}

	b.w.mu.Lock()
	switch {
	case b.asm.HasParent():
		b.w.mu.Unlock()
		return nil, fmt.Errorf("join %s: block %s is not a root", opts.Name, assembly.Path(b))
	case b.sync != nil:
		b.w.mu.Unlock()
		return nil, fmt.Errorf("join %s: block is already online", opts.Name)
	}
	seed := b.fullSpec()
	b.w.mu.Unlock()

	s := newSession(t, opts, b.w)
	s.root = b

	s.life.Lock()
	defer s.life.Unlock()
	if err := s.connect(ctx, seed); err != nil {
		return nil, err
	}
	return s, nil
}

// Name returns the session name.
func (s *Session) Name() string { return s.name }

// Root returns the root block.
func (s *Session) Root() *Block {
	s.w.mu.Lock()
	defer s.w.mu.Unlock()
	return s.root
}

// IsOnline reports whether the session is connected.
func (s *Session) IsOnline() bool {
	s.w.mu.Lock()
	defer s.w.mu.Unlock()
	return s.state == stateOnline
}

// Find returns the block for a record identifier or a path from the root.
// Identifiers only resolve for blocks seen by this session.
func (s *Session) Find(ref string) *Block {
	s.w.mu.Lock()
	defer s.w.mu.Unlock()
	b, _ := s.find(ref)
	return b
}

func (s *Session) find(ref string) (*Block, bool) {
	if assembly.IsPath(ref) {
		if s.root == nil {
			return nil, false
		}
		return assembly.Lookup(s.root, ref)
	}
	b, ok := s.blocks[ref]
	return b, ok
}

// Seq returns the sequence number of the last message applied locally.
func (s *Session) Seq() int64 {
	s.w.mu.Lock()
	defer s.w.mu.Unlock()
	if s.replica == nil {
		return 0
	}
	return s.replica.Seq()
}

// Hash fingerprints the local replica. Converged participants report the
// same hash.
func (s *Session) Hash() (string, error) {
	s.w.mu.Lock()
	defer s.w.mu.Unlock()
	if s.replica == nil {
		return "", ir.NewNotConnected("/", "hash")
	}
	return s.replica.Hash()
}

// connect opens a connection, seeds the session, waits for the root record
// and integrates the block tree. The caller holds s.life.
func (s *Session) connect(ctx context.Context, seed ir.Object) error {
	conn, err := s.transport.Connect(ctx, s.name)
	if err != nil {
		return fmt.Errorf("join %s: %w", s.name, err)
	}
	rep := replica.New(s.name, s.w.reg, replica.WithLogger(s.logger))
	pctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	token := s.barrierToken(conn)
	sig := newSignal()

	s.w.mu.Lock()
	s.state = stateConnecting
	s.conn, s.replica = conn, rep
	s.ctx, s.cancel, s.pumpDone = pctx, cancel, done
	s.barriers[token] = sig
	s.w.mu.Unlock()

	go s.pump(pctx, conn, rep, done)

	if seed == nil {
		seed = ir.Object{}
	}
	if err := conn.Publish(ctx, ir.Message{Kind: ir.KindInit, Value: seed, From: token}); err != nil {
		s.teardown()
		return fmt.Errorf("join %s: %w", s.name, err)
	}
	if err := sig.Wait(ctx); err != nil {
		s.teardown()
		return fmt.Errorf("join %s: %w", s.name, err)
	}

	s.w.mu.Lock()
	rootRec := rep.Root()
	if rootRec == nil {
		s.w.mu.Unlock()
		s.teardown()
		return fmt.Errorf("join %s: session has no root record", s.name)
	}
	s.root = s.integrate(rootRec, s.root)
	s.state = stateOnline

	var entries []Entry
	if s.root.offline != nil {
		if s.seededBy != token {
			entries = s.root.offline.Entries()
		}
		s.root.removeRecorder(s.root.offlineID)
		s.root.offline = nil
	}
	s.w.mu.Unlock()

	s.logger.Info("session joined", "session", s.name, "conn", conn.ID(), "seeded", s.seededBy == token)

	if len(entries) > 0 {
		report, err := s.Replay(ctx, entries)
		s.logger.Info("offline writes replayed",
			"session", s.name,
			"replayed", len(report.Replayed),
			"dropped", len(report.Dropped),
			"failed", len(report.Failed),
			"pending", len(report.Pending))
		if err != nil {
			// The tree goes back offline with the unreplayed writes queued
			// ahead of anything recorded since, for the next reconnect.
			s.requeue(report.Pending)
			if derr := s.disconnect(context.Background(), stateSuspended); derr != nil {
				s.logger.Warn("disconnect after failed replay", "session", s.name, "error", derr)
			}
			return fmt.Errorf("join %s: replay: %w", s.name, err)
		}
	}
	return nil
}

// requeue puts writes that were never replayed in front of the root's
// offline recording, creating it if the tree is still online.
func (s *Session) requeue(pending []Entry) {
	if len(pending) == 0 {
		return
	}
	s.w.mu.Lock()
	defer s.w.mu.Unlock()
	if s.root == nil {
		return
	}
	if s.root.offline == nil {
		rec := NewRecording()
		s.root.offline = rec
		s.root.offlineID = s.root.addRecorder(rec)
	}
	s.root.offline.prepend(pending)
	s.logger.Warn("offline writes kept for the next reconnect", "session", s.name, "pending", len(pending))
}

// pump is the delivery loop for one connection.
func (s *Session) pump(ctx context.Context, conn channel.Conn, rep *replica.Replica, done chan struct{}) {
	defer close(done)
	for {
		m, err := conn.Next(ctx)
		if rej, ok := channel.IsRejection(err); ok {
			s.rejected(conn, rej)
			continue
		}
		if err != nil {
			if ctx.Err() == nil {
				s.lost(conn, err)
			}
			return
		}

		s.w.mu.Lock()
		if s.replica != rep {
			s.w.mu.Unlock()
			return
		}
		hadRoot := rep.Root() != nil
		_ = rep.Apply(m)
		if m.Kind == ir.KindInit && m.From != "" {
			if !hadRoot && rep.Root() != nil {
				s.seededBy = m.From
			}
			if sig, ok := s.barriers[m.From]; ok {
				delete(s.barriers, m.From)
				sig.resolve(nil)
			}
		}
		s.w.mu.Unlock()
	}
}

// rejected settles the write or barrier the relay refused. The write never
// enters the order, so it counts as acknowledged; a barrier fails.
func (s *Session) rejected(conn channel.Conn, rej *channel.Rejection) {
	s.w.mu.Lock()
	defer s.w.mu.Unlock()
	if s.conn != conn {
		return
	}
	s.logger.Warn("relay rejected write", "session", s.name, "from", rej.From, "reason", rej.Reason)
	if sig, ok := s.barriers[rej.From]; ok {
		delete(s.barriers, rej.From)
		sig.resolve(rej)
		return
	}
	id, ok := strings.CutPrefix(rej.From, conn.ID()+"/")
	if !ok {
		return
	}
	if b, ok := s.blocks[id]; ok && b.sync != nil && b.sync.id == rej.From {
		b.sync.acknowledge()
	}
}

// lost handles a connection that failed underneath the session. The tree
// goes offline as if suspended.
func (s *Session) lost(conn channel.Conn, err error) {
	s.w.mu.Lock()
	defer s.w.mu.Unlock()
	if s.conn != conn {
		return
	}
	s.logger.Error("session connection lost", "session", s.name, "conn", conn.ID(), "error", err)
	s.failBarriers(err)
	if s.state == stateOnline {
		s.goOffline(stateSuspended)
	}
	s.cancel()
	_ = conn.Close()
}

// teardown abandons a connection that never came online.
func (s *Session) teardown() {
	s.w.mu.Lock()
	conn, cancel, done := s.conn, s.cancel, s.pumpDone
	s.w.mu.Unlock()

	cancel()
	_ = conn.Close()
	<-done

	s.w.mu.Lock()
	defer s.w.mu.Unlock()
	s.failBarriers(ir.NewNotConnected("/", "join"))
	if s.conn == conn {
		s.conn, s.replica = nil, nil
	}
	if s.state == stateConnecting {
		s.state = stateSuspended
	}
}

// barrierToken returns a From value no synchronizer or other connection
// can produce.
func (s *Session) barrierToken(conn channel.Conn) string {
	return conn.ID() + "/barrier/" + s.ids.Generate()
}

func (s *Session) failBarriers(err error) {
	for token, sig := range s.barriers {
		delete(s.barriers, token)
		sig.resolve(err)
	}
}

// goOffline detaches every synchronizer and starts recording on the root.
// The caller holds the world lock.
func (s *Session) goOffline(next sessionState) {
	for _, b := range s.blocks {
		if b.sync != nil {
			b.sync.detach()
		}
	}
	s.failBarriers(ir.NewNotConnected("/", "settle"))
	s.conn, s.replica = nil, nil
	s.state = next

	if s.root != nil && s.root.offline == nil {
		rec := NewRecording()
		s.root.offline = rec
		s.root.offlineID = s.root.addRecorder(rec)
	}
}

// disconnect stops the delivery loop and takes the tree offline. The caller
// holds s.life.
func (s *Session) disconnect(ctx context.Context, next sessionState) error {
	s.w.mu.Lock()
	if s.state != stateOnline {
		if next == stateLeft {
			s.state = stateLeft
		}
		s.w.mu.Unlock()
		return nil
	}
	conn, cancel, done := s.conn, s.cancel, s.pumpDone
	s.w.mu.Unlock()

	cancel()
	err := conn.Close()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}

	s.w.mu.Lock()
	defer s.w.mu.Unlock()
	if s.conn == conn && s.state == stateOnline {
		s.goOffline(next)
	} else if next == stateLeft {
		s.state = stateLeft
	}
	s.logger.Info("session disconnected", "session", s.name, "conn", conn.ID(), "left", next == stateLeft)
	return err
}

// Leave disconnects for good. Outstanding writes are abandoned and their
// signals resolved; the blocks stay usable offline and record their writes
// for a later (*Block).Join. A failure to close the connection is returned,
// but the tree is offline either way.
func (s *Session) Leave(ctx context.Context) error {
	s.life.Lock()
	defer s.life.Unlock()
	return s.disconnect(ctx, stateLeft)
}

// Suspend disconnects until Resume, as when the participant becomes
// inactive.
func (s *Session) Suspend() error {
	s.life.Lock()
	defer s.life.Unlock()
	return s.disconnect(context.Background(), stateSuspended)
}

// Resume reconnects a suspended session, re-adopts its blocks and replays
// the writes recorded while suspended.
func (s *Session) Resume(ctx context.Context) error {
	s.life.Lock()
	defer s.life.Unlock()

	s.w.mu.Lock()
	state := s.state
	var seed ir.Object
	if s.root != nil {
		seed = s.root.fullSpec()
	}
	s.w.mu.Unlock()

	switch state {
	case stateOnline:
		return nil
	case stateLeft:
		return ErrLeft
	}
	return s.connect(ctx, seed)
}

// Settle waits until every message the channel had sequenced before the
// call has been applied locally.
func (s *Session) Settle(ctx context.Context) error {
	s.w.mu.Lock()
	if s.state != stateOnline {
		s.w.mu.Unlock()
		return ir.NewNotConnected("/", "settle")
	}
	conn := s.conn
	token := s.barrierToken(conn)
	sig := newSignal()
	s.barriers[token] = sig
	s.w.mu.Unlock()

	// A later init is ignored by every replica, so it serves as a marker.
	if err := conn.Publish(ctx, ir.Message{Kind: ir.KindInit, From: token}); err != nil {
		s.w.mu.Lock()
		delete(s.barriers, token)
		s.w.mu.Unlock()
		return fmt.Errorf("settle %s: %w", s.name, err)
	}
	return sig.Wait(ctx)
}

// write publishes an online write after the local checks. The caller holds
// the world lock.
func (s *Session) write(b *Block, key string, v ir.Value) error {
	if s.state != stateOnline || b.sync == nil {
		return ir.NewNotConnected(assembly.Path(b), "set")
	}
	if err := s.w.checkWrite(b, key, v, s.find); err != nil {
		return err
	}
	return b.sync.setProperty(key, v)
}

// Replay re-issues captured writes in order. Each entry resolves to the
// block with the same record identifier in this session, or else the block
// at the same path; an entry that resolves to neither is dropped and
// logged. Each write is awaited before the next entry is resolved, so
// writes into children created by earlier entries find their targets.
//
// If the context ends or the connection goes away, Replay stops and returns
// the error; entries it never published are listed in the report's Pending.
func (s *Session) Replay(ctx context.Context, entries []Entry) (ReplayReport, error) {
	var report ReplayReport
	stop := func(i int, err error) (ReplayReport, error) {
		report.Pending = slices.Clone(entries[i:])
		return report, err
	}
	for i, e := range entries {
		if err := ctx.Err(); err != nil {
			return stop(i, err)
		}

		s.w.mu.Lock()
		if s.state != stateOnline {
			s.w.mu.Unlock()
			return stop(i, ir.NewNotConnected("/", "replay"))
		}
		b := s.resolveEntry(e)
		if b == nil {
			s.w.mu.Unlock()
			s.logger.Warn("dropping offline write: node not found",
				"session", s.name, "record", e.ID, "path", e.Path, "key", e.Key)
			report.Dropped = append(report.Dropped, e)
			s.metrics.Replayed("dropped")
			continue
		}
		v := ir.CloneValue(e.Value)
		if err := s.w.checkWrite(b, e.Key, v, s.find); err != nil {
			s.w.mu.Unlock()
			s.logger.Warn("offline write rejected",
				"session", s.name, "path", e.Path, "key", e.Key, "error", err)
			report.Failed = append(report.Failed, ReplayFailure{Entry: e, Err: err})
			s.metrics.Replayed("failed")
			continue
		}
		if err := b.sync.setProperty(e.Key, v); err != nil {
			s.w.mu.Unlock()
			return stop(i, err)
		}
		ready := b.sync.readiness()
		s.w.mu.Unlock()

		report.Replayed = append(report.Replayed, e)
		s.metrics.Replayed("replayed")
		if err := ready.Wait(ctx); err != nil {
			return stop(i+1, err)
		}
	}
	return report, nil
}

func (s *Session) resolveEntry(e Entry) *Block {
	if e.ID != "" && e.Session == s.name {
		if b, ok := s.blocks[e.ID]; ok && b.sync != nil {
			return b
		}
	}
	if e.Path == "" || s.root == nil {
		return nil
	}
	b, ok := assembly.Lookup(s.root, e.Path)
	if !ok || b.sync == nil {
		return nil
	}
	return b
}

// Leave disconnects the session b belongs to. It is a no-op offline.
func (b *Block) Leave(ctx context.Context) error {
	b.w.mu.Lock()
	y := b.sync
	b.w.mu.Unlock()
	if y == nil {
		return nil
	}
	return y.s.Leave(ctx)
}
