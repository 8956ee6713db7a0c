package channel

import (
	"context"
	"sync"

	"github.com/roach88/blocksync/internal/ir"
)

// queue is a thread-safe FIFO of delivered messages for one connection.
//
// The queue is unbounded so a relay never blocks on a slow reader; a slow
// reader only grows its own backlog.
//
// The queue uses a channel for signaling to enable context-aware waiting
// (prevents goroutine hangs on context cancellation).
type queue struct {
	mu       sync.Mutex
	messages []ir.Message
	closed   bool
	signal   chan struct{} // Signals availability (buffered, size 1)
}

func newQueue(initial []ir.Message) *queue {
	q := &queue{
		messages: make([]ir.Message, 0, max(len(initial), 64)),
		signal:   make(chan struct{}, 1),
	}
	q.messages = append(q.messages, initial...)
	if len(initial) > 0 {
		q.signal <- struct{}{}
	}
	return q
}

// Enqueue adds a message to the back of the queue.
// Returns false if the queue is closed.
func (q *queue) Enqueue(m ir.Message) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.messages = append(q.messages, m)

	// Non-blocking: the buffer of 1 coalesces multiple signals
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue removes the front message without blocking.
// Returns (ir.Message{}, false) if the queue is empty.
func (q *queue) TryDequeue() (ir.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.messages) == 0 {
		return ir.Message{}, false
	}

	m := q.messages[0]
	// Clear the slot so the backing array does not retain the value.
	q.messages[0] = ir.Message{}
	if len(q.messages) == 1 {
		q.messages = q.messages[:0]
	} else {
		q.messages = q.messages[1:]
	}

	return m, true
}

// Pop blocks until a message is available, the queue is closed, or ctx ends.
func (q *queue) Pop(ctx context.Context) (ir.Message, error) {
	for {
		if q.isClosed() {
			return ir.Message{}, ErrClosed
		}
		if m, ok := q.TryDequeue(); ok {
			return m, nil
		}
		select {
		case <-ctx.Done():
			return ir.Message{}, ctx.Err()
		case <-q.signal:
		}
	}
}

// Len returns the current queue length.
func (q *queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

// Close signals that no more messages will be enqueued and wakes waiters.
func (q *queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	q.messages = nil
	close(q.signal)
}

func (q *queue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
