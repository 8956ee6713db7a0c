package block

import (
	"context"
	"sync"
)

// Signal is a completion event. It is resolved at most once; a Signal that
// resolved with a nil error means the awaited writes came back, or were
// abandoned by a detach.
type Signal struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newSignal() *Signal {
	return &Signal{done: make(chan struct{})}
}

// resolvedSignal returns a Signal that has already completed with err.
func resolvedSignal(err error) *Signal {
	s := newSignal()
	s.resolve(err)
	return s
}

func (s *Signal) resolve(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}

// Done returns a channel that is closed when the signal completes.
func (s *Signal) Done() <-chan struct{} { return s.done }

// Completed reports whether the signal has completed.
func (s *Signal) Completed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Err returns the error the signal completed with. It is nil while the
// signal is pending.
func (s *Signal) Err() error {
	if !s.Completed() {
		return nil
	}
	return s.err
}

// Wait blocks until the signal completes or ctx is done.
func (s *Signal) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
