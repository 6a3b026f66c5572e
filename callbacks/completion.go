package callbacks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/glycerine/loquet"
)

// Void is the outcome type of completions
// that carry no value.
type Void = struct{}

var ErrNotCompleted = fmt.Errorf("callbacks: completion is still pending")
var ErrCompletedWithFailure = fmt.Errorf("callbacks: completion failed")
var ErrAlreadyCompleted = fmt.Errorf("callbacks: completion already settled")
var ErrNilFailure = fmt.Errorf("callbacks: failure reported with a nil error")

// Observer is invoked exactly once, after c has
// completed. It may return a completion for any
// follow-on work it started, or nil. A failed
// follow-on is traced to the sink.
type Observer[T any] func(c *Completion[T]) *Completion[Void]

// Completion is a single-assignment, observable
// future. It starts pending and is settled exactly
// once, either with a value or with an error.
// After that the outcome never changes.
//
// Observers never run on the stack of the goroutine
// that calls Observe or settles the completion. They
// are queued on the owning Isolate, so they run one at a
// time with every other callback of that owner. A
// completion with no isolate (or whose isolate has
// closed) runs its observers one at a time, in
// registration order, on a helper goroutine.
//
// c.mut may be held while submitting to c.iso; the
// isolate never takes a completion's lock under its own.
type Completion[T any] struct {
	mut sync.Mutex
	iso *Isolate

	done bool
	val  T
	err  error

	observers []Observer[T]

	// observers waiting for the helper goroutine.
	// Created on first use; draining says whether
	// the helper is running.
	late     *queue.Queue
	draining bool

	// closed once settled; lets waiters select on it.
	doneCh *loquet.Chan[T]
}

func newCompletion[T any](iso *Isolate) *Completion[T] {
	return &Completion[T]{
		iso:    iso,
		doneCh: loquet.NewChan[T](nil),
	}
}

// Succeeded returns a completion already settled with v.
func Succeeded[T any](iso *Isolate, v T) *Completion[T] {
	c := newCompletion[T](iso)
	c.settle(v, nil)
	return c
}

// Failed returns a completion already settled with err.
func Failed[T any](iso *Isolate, err error) *Completion[T] {
	if err == nil {
		err = ErrNilFailure
	}
	c := newCompletion[T](iso)
	var zero T
	c.settle(zero, err)
	return c
}

// NewDeferred returns a pending completion and the
// Trigger that settles it. The producer keeps the
// trigger; the consumer gets the completion.
func NewDeferred[T any](iso *Isolate) (*Completion[T], *Trigger[T]) {
	c := newCompletion[T](iso)
	return c, &Trigger[T]{c: c}
}

// Isolate returns the owning isolate, or nil.
func (c *Completion[T]) Isolate() *Isolate {
	return c.iso
}

// IsCompleted reports whether c has been settled.
func (c *Completion[T]) IsCompleted() (done bool) {
	c.mut.Lock()
	done = c.done
	c.mut.Unlock()
	return
}

// WhenDone returns a channel that is closed
// once c is settled.
func (c *Completion[T]) WhenDone() <-chan struct{} {
	return c.doneCh.WhenClosed()
}

// Await blocks up to timeout for c to complete and
// reports whether it has. A zero timeout just polls;
// a negative timeout waits forever. Await never
// cancels the work behind c.
func (c *Completion[T]) Await(timeout time.Duration) bool {
	if timeout == 0 || c.IsCompleted() {
		return c.IsCompleted()
	}
	if timeout < 0 {
		<-c.WhenDone()
		return true
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-c.WhenDone():
		return true
	case <-t.C:
		return c.IsCompleted()
	}
}

// Wait blocks until c completes or ctx is done.
// It returns c's failure, or ctx.Err() if the
// wait was abandoned.
func (c *Completion[T]) Wait(ctx context.Context) error {
	select {
	case <-c.WhenDone():
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Outcome returns the value of a successful completion.
// It returns ErrNotCompleted while pending, and an
// error wrapping both ErrCompletedWithFailure and
// the cause if c failed.
func (c *Completion[T]) Outcome() (v T, err error) {
	c.mut.Lock()
	defer c.mut.Unlock()
	if !c.done {
		return v, ErrNotCompleted
	}
	if c.err != nil {
		return v, fmt.Errorf("%w: %w", ErrCompletedWithFailure, c.err)
	}
	return c.val, nil
}

// Err returns the failure cause; nil while pending
// or after success.
func (c *Completion[T]) Err() (err error) {
	c.mut.Lock()
	err = c.err
	c.mut.Unlock()
	return
}

// Observe registers obs to run once c completes. If c
// is already complete, obs is queued immediately; it
// still never runs before Observe returns.
func (c *Completion[T]) Observe(obs Observer[T]) {
	if obs == nil {
		return
	}
	c.mut.Lock()
	defer c.mut.Unlock()
	if !c.done {
		c.observers = append(c.observers, obs)
		return
	}
	c.dispatchLocked(obs)
}

// settle is the one Pending -> Completed transition.
// First writer wins; later writers get ErrAlreadyCompleted,
// and the attempt is traced to the sink as well.
func (c *Completion[T]) settle(v T, err error) error {
	c.mut.Lock()
	if c.done {
		prior := c.err
		c.mut.Unlock()
		rejected := fmt.Errorf("%w (prior failure: '%v'; rejected failure: '%v')",
			ErrAlreadyCompleted, prior, err)
		c.sink().Trace(Handled, rejected, "double resolution")
		return rejected
	}
	c.done = true
	c.val = v
	c.err = err
	obs := c.observers
	c.observers = nil
	// queued before unlocking, so a late Observe
	// cannot get ahead of these.
	c.dispatchLocked(obs...)
	c.mut.Unlock()

	c.doneCh.Close()
	return nil
}

func (c *Completion[T]) sink() Sink {
	if c.iso != nil {
		return c.iso.sink
	}
	return DefaultSink
}

// dispatchLocked must be called with c.mut held.
func (c *Completion[T]) dispatchLocked(obs ...Observer[T]) {
	if len(obs) == 0 {
		return
	}
	if c.iso != nil && (c.late == nil || c.late.Length() == 0) {
		for i, o := range obs {
			o := o
			if !c.iso.submit(isoTask{run: func() error {
				c.runObserver(o)
				return nil
			}}) {
				// owner is gone; observers still must run exactly once.
				obs = obs[i:]
				break
			}
			if i == len(obs)-1 {
				return
			}
		}
	}
	if c.late == nil {
		c.late = queue.New()
	}
	for _, o := range obs {
		c.late.Add(o)
	}
	if !c.draining {
		c.draining = true
		go c.drainLate()
	}
}

// drainLate is the helper goroutine: one observer
// at a time, oldest first.
func (c *Completion[T]) drainLate() {
	for {
		c.mut.Lock()
		if c.late.Length() == 0 {
			c.draining = false
			c.mut.Unlock()
			return
		}
		o := c.late.Remove().(Observer[T])
		c.mut.Unlock()
		c.runObserver(o)
	}
}

func (c *Completion[T]) runObserver(obs Observer[T]) {
	var follow *Completion[Void]
	func() {
		defer func() {
			if r := recover(); r != nil {
				c.sink().Trace(Handled, fmt.Errorf("observer panic: %v", r), "observer panicked")
			}
		}()
		follow = obs(c)
	}()
	if follow == nil {
		return
	}
	sink := c.sink()
	follow.Observe(func(f *Completion[Void]) *Completion[Void] {
		if err := f.Err(); err != nil {
			sink.Trace(Deferred, err, "observer follow-on completion failed")
		}
		return nil
	})
}

func (c *Completion[T]) String() string {
	c.mut.Lock()
	defer c.mut.Unlock()
	switch {
	case !c.done:
		return "Completion{pending}"
	case c.err != nil:
		return fmt.Sprintf("Completion{failed: '%v'}", c.err)
	}
	return fmt.Sprintf("Completion{succeeded: %v}", c.val)
}

// Trigger settles the completion it was created with.
// Exactly one of Succeed or Fail takes effect; a second
// call returns an error wrapping ErrAlreadyCompleted,
// since it means two producers think they own the result.
type Trigger[T any] struct {
	c *Completion[T]
}

// Completion returns the completion this trigger settles.
func (t *Trigger[T]) Completion() *Completion[T] {
	return t.c
}

func (t *Trigger[T]) Succeed(v T) error {
	return t.c.settle(v, nil)
}

func (t *Trigger[T]) Fail(err error) error {
	if err == nil {
		err = ErrNilFailure
	}
	var zero T
	return t.c.settle(zero, err)
}
