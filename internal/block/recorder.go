package block

import (
	"slices"
	"sync"

	"github.com/roach88/blocksync/internal/assembly"
	"github.com/roach88/blocksync/internal/ir"
)

// Recorder observes offline writes. Capture runs with the tree lock held,
// before the write is applied, and must not call back into blocks.
type Recorder interface {
	Capture(b *Block, key string, value ir.Value)
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(b *Block, key string, value ir.Value)

// Capture implements Recorder.
func (f RecorderFunc) Capture(b *Block, key string, value ir.Value) { f(b, key, value) }

type recorderEntry struct {
	id int
	r  Recorder
}

// AddRecorder attaches r to b and its current descendants. Children created
// later inherit their parent's recorders. The returned function detaches r
// from every block of the tree.
func (b *Block) AddRecorder(r Recorder) (remove func()) {
	b.w.mu.Lock()
	id := b.addRecorder(r)
	b.w.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.w.mu.Lock()
			defer b.w.mu.Unlock()
			b.removeRecorder(id)
		})
	}
}

func (b *Block) addRecorder(r Recorder) int {
	b.w.nextRecorder++
	id := b.w.nextRecorder
	assembly.Walk(b, func(n *Block) {
		n.recorders = append(slices.Clone(n.recorders), recorderEntry{id: id, r: r})
	})
	return id
}

// removeRecorder drops recorder id from b's tree and retires it, so blocks
// detached from the tree stop offering it writes too. The caller holds the
// world lock.
func (b *Block) removeRecorder(id int) {
	b.w.retired[id] = struct{}{}
	assembly.Walk(assembly.Root(b), func(n *Block) {
		n.pruneRecorders()
	})
}

func (b *Block) pruneRecorders() {
	b.recorders = slices.DeleteFunc(slices.Clone(b.recorders), func(e recorderEntry) bool {
		_, gone := b.w.retired[e.id]
		return gone
	})
}

func (b *Block) capture(key string, v ir.Value) {
	b.pruneRecorders()
	for _, e := range b.recorders {
		e.r.Capture(b, key, v)
	}
}

// Entry is one captured write.
type Entry struct {
	// Session and ID identify the record the block last mirrored. ID is
	// empty for a block created offline.
	Session string `json:"session,omitempty" yaml:"session,omitempty"`
	ID      string `json:"id,omitempty" yaml:"id,omitempty"`

	// Path is the block's path when the write was made.
	Path  string   `json:"path" yaml:"path"`
	Key   string   `json:"key" yaml:"key"`
	Value ir.Value `json:"value,omitempty" yaml:"-"`
}

// Recording is a Recorder that keeps every captured write in order. It is
// safe for concurrent use.
type Recording struct {
	mu      sync.Mutex
	entries []Entry
}

// NewRecording returns an empty Recording.
func NewRecording() *Recording { return &Recording{} }

// Capture implements Recorder.
func (r *Recording) Capture(b *Block, key string, value ir.Value) {
	e := Entry{
		Session: b.session,
		ID:      b.id,
		Path:    assembly.Path(b),
		Key:     key,
		Value:   ir.CloneValue(value),
	}
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
}

// Entries returns the captured writes in capture order.
func (r *Recording) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.entries)
}

// prepend puts entries ahead of everything captured so far.
func (r *Recording) prepend(entries []Entry) {
	r.mu.Lock()
	r.entries = append(slices.Clone(entries), r.entries...)
	r.mu.Unlock()
}

// Len returns the number of captured writes.
func (r *Recording) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Reset discards captured writes.
func (r *Recording) Reset() {
	r.mu.Lock()
	r.entries = nil
	r.mu.Unlock()
}

// ReplayFailure is an entry that resolved to a block but was rejected
// locally, e.g. with a NameConflict.
type ReplayFailure struct {
	Entry Entry
	Err   error
}

// ReplayReport describes the outcome of replaying captured writes.
type ReplayReport struct {
	Replayed []Entry
	Dropped  []Entry
	Failed   []ReplayFailure

	// Pending holds the entries left unpublished when replay stopped early.
	Pending []Entry
}
