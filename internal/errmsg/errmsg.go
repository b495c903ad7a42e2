// Package errmsg implements the thread-local error-message ring that
// library code uses to surface diagnostic context alongside a plain error
// return, the way the lower layers of a store-and-forward stack log without
// depending on the caller's logging configuration.
package errmsg

import (
	"sync"

	"github.com/pkg/errors"
)

const ringCapacity = 64

// Memo is one entry appended to a Ring.
type Memo struct {
	Source string // function or component that raised the condition
	Err    error  // wrapped error, carries a stack via github.com/pkg/errors
}

// Ring is a bounded, mutex-protected ring buffer of Memo records, one per
// goroutine-independent component instance (an Engine, a Span, an endpoint).
// It plays the role the spec assigns to the per-thread "errmsg" stack:
// callers append with Put, and a daemon drains the ring on shutdown with
// Drain so nothing is lost even when nobody was watching at put-time.
type Ring struct {
	mu      sync.Mutex
	memos   []Memo
	dropped int
}

// New returns an empty Ring.
func New() *Ring {
	return &Ring{memos: make([]Memo, 0, ringCapacity)}
}

// Put appends a wrapped error under the given source tag. When the ring is
// full the oldest memo is evicted and the eviction is counted, mirroring
// putErrmsg's "best effort, never blocks the caller" contract.
func (r *Ring) Put(source string, err error) {
	if err == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	wrapped := Memo{Source: source, Err: errors.WithMessage(err, source)}
	if len(r.memos) >= ringCapacity {
		r.memos = append(r.memos[1:], wrapped)
		r.dropped++
		return
	}
	r.memos = append(r.memos, wrapped)
}

// Putf is a convenience wrapper building the error from a format string.
func (r *Ring) Putf(source, format string, args ...any) {
	r.Put(source, errors.Errorf(format, args...))
}

// Drain returns and clears all accumulated memos, for a shutting-down
// daemon to log before it exits (writeErrmsgMemos in the spec's vocabulary).
func (r *Ring) Drain() []Memo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.memos
	r.memos = make([]Memo, 0, ringCapacity)
	return out
}

// Dropped reports how many memos were evicted before being drained.
func (r *Ring) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}
