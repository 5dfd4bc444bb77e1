package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
)

// Func is called after every advance with the running count and the total
type Func func(done, total int)

// Tracker counts completed items and prints a progress line as they finish.
// It is safe for concurrent use.
type Tracker struct {
	total int
	every int
	unit  string
	out   io.Writer

	done      atomic.Int64
	mu        sync.Mutex // serialises writes and callbacks
	onAdvance Func
}

// Option configures a Tracker
type Option func(*Tracker)

// WithWriter sends progress lines to w instead of stdout. A nil writer
// silences output.
func WithWriter(w io.Writer) Option {
	return func(t *Tracker) { t.out = w }
}

// WithEvery prints a line every n items instead of after each one.
func WithEvery(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.every = n
		}
	}
}

// WithUnit names what is being counted, e.g. "pages downloaded"
func WithUnit(unit string) Option {
	return func(t *Tracker) {
		if unit != "" {
			t.unit = unit
		}
	}
}

// WithCallback registers fn to observe every advance.
func WithCallback(fn Func) Option {
	return func(t *Tracker) { t.onAdvance = fn }
}

// New creates a tracker for total items
func New(total int, opts ...Option) *Tracker {
	t := &Tracker{
		total: total,
		every: 1,
		unit:  "works processed",
		out:   os.Stdout,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Advance records n more completed items and returns the new count.
func (t *Tracker) Advance(n int) int {
	if n <= 0 {
		return t.Done()
	}
	done := int(t.done.Add(int64(n)))

	t.mu.Lock()
	defer t.mu.Unlock()
	crossed := done/t.every != (done-n)/t.every
	if t.out != nil && (crossed || done == t.total) {
		fmt.Fprintf(t.out, "Progress: %d/%d %s\n", done, t.total, t.unit)
	}
	if t.onAdvance != nil {
		t.onAdvance(done, t.total)
	}
	return done
}

// Done returns the number of items completed so far
func (t *Tracker) Done() int {
	return int(t.done.Load())
}

// Total returns the expected number of items
func (t *Tracker) Total() int {
	return t.total
}
