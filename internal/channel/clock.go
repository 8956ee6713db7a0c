package channel

import "sync/atomic"

// Clock is the monotonic logical clock a relay stamps sequence numbers from.
//
// All messages of a session are stamped with strictly increasing, dense seq
// numbers. Replay of a stored log resumes the clock at the last stored seq.
//
// Thread-safety: Clock is safe for concurrent use (atomic operations).
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a new clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a new clock starting at a specific sequence number.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next sequence number and increments the clock.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Peek returns the number Next would return, without incrementing.
func (c *Clock) Peek() int64 {
	return c.seq.Load() + 1
}

// Current returns the current sequence number without incrementing.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
