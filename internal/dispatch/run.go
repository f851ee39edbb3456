package dispatch

import (
	"context"
	"sync"
	"time"
)

// Result is the outcome of one command in a batch.
type Result struct {
	Index   int
	Command string
	Err     error
}

// OK reports whether the command evaluated successfully.
func (r Result) OK() bool { return r.Err == nil }

// Run tracks one scheduled batch.
type Run struct {
	mu        sync.Mutex
	results   []Result
	completed []bool
	scheduled []bool
	stops     map[int]func() bool
	remaining int
	cancelled bool
	done      chan struct{}
}

func newRun(commands []string) *Run {
	r := &Run{
		results:   make([]Result, len(commands)),
		completed: make([]bool, len(commands)),
		scheduled: make([]bool, len(commands)),
		stops:     make(map[int]func() bool),
		remaining: len(commands),
		done:      make(chan struct{}),
	}
	for i, c := range commands {
		r.results[i] = Result{Index: i, Command: c}
	}
	return r
}

// schedule must not hold mu while calling the clock: a clock may run f inline.
func (r *Run) schedule(c Clock, i int, delay time.Duration, f func()) {
	r.mu.Lock()
	if r.cancelled || r.completed[i] {
		r.mu.Unlock()
		return
	}
	r.scheduled[i] = true
	r.mu.Unlock()

	stop := c.AfterFunc(delay, f)

	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.completed[i]:
	case r.cancelled:
		// Cancel ran between scheduling and registering the stop func.
		if stop() {
			r.completeLocked(i, ErrCancelled)
		}
	default:
		r.stops[i] = stop
	}
}

func (r *Run) complete(i int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completeLocked(i, err)
}

func (r *Run) completeLocked(i int, err error) {
	if r.completed[i] {
		return
	}
	r.completed[i] = true
	r.results[i].Err = err
	delete(r.stops, i)
	r.remaining--
	if r.remaining == 0 {
		close(r.done)
	}
}

// Cancel stops every command that has not started yet. Commands already
// running finish normally.
func (r *Run) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelled {
		return
	}
	r.cancelled = true
	for i, stop := range r.stops {
		if stop() {
			r.completeLocked(i, ErrCancelled)
		}
	}
	for i := range r.results {
		if !r.completed[i] && !r.scheduled[i] {
			r.completeLocked(i, ErrCancelled)
		}
	}
}

// Done is closed once every command has completed or been cancelled.
func (r *Run) Done() <-chan struct{} { return r.done }

// Wait blocks until the batch finishes or ctx ends and returns the results
// collected so far.
func (r *Run) Wait(ctx context.Context) ([]Result, error) {
	select {
	case <-r.done:
		return r.Results(), nil
	case <-ctx.Done():
		return r.Results(), ctx.Err()
	}
}

// Results returns a copy of the per-command outcomes.
func (r *Run) Results() []Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Result(nil), r.results...)
}

// Failed counts commands that completed with an error.
func (r *Run) Failed() int {
	n := 0
	for _, res := range r.Results() {
		if res.Err != nil {
			n++
		}
	}
	return n
}
