package callbacks

import (
	"fmt"
	"strings"
)

// ChainedError aggregates the failures of chained
// completions, in source order.
type ChainedError struct {
	Causes []error
}

func (e *ChainedError) Error() string {
	var parts []string
	for _, c := range e.Causes {
		parts = append(parts, fmt.Sprintf("'%v'", c))
	}
	return fmt.Sprintf("callbacks: %v chained completions failed: [%v]",
		len(e.Causes), strings.Join(parts, "; "))
}

func (e *ChainedError) Unwrap() []error {
	return e.Causes
}

// AndChained returns a completion that settles only
// after both a and b have settled. It succeeds iff
// both succeed. If exactly one fails, that cause is
// surfaced unchanged. If both fail, the result fails
// with a *ChainedError holding a's cause then b's.
//
// The result is owned by a's isolate (or b's, if a
// has none).
func AndChained[A, B any](a *Completion[A], b *Completion[B]) *Completion[Void] {
	iso := a.iso
	if iso == nil {
		iso = b.iso
	}
	out, trig := NewDeferred[Void](iso)
	go func() {
		<-a.WhenDone()
		<-b.WhenDone()
		ea, eb := a.Err(), b.Err()
		switch {
		case ea == nil && eb == nil:
			trig.Succeed(Void{})
		case ea != nil && eb != nil:
			trig.Fail(&ChainedError{Causes: []error{ea, eb}})
		case ea != nil:
			trig.Fail(ea)
		default:
			trig.Fail(eb)
		}
	}()
	return out
}

// All settles after every one of cs has settled. On
// success it carries the values in argument order.
// A single failure is surfaced as is; several are
// aggregated in a *ChainedError, in argument order.
func All[T any](iso *Isolate, cs ...*Completion[T]) *Completion[[]T] {
	out, trig := NewDeferred[[]T](iso)
	go func() {
		vals := make([]T, len(cs))
		var errs []error
		for i, c := range cs {
			<-c.WhenDone()
			v, err := c.Outcome()
			if err != nil {
				errs = append(errs, c.Err())
				continue
			}
			vals[i] = v
		}
		switch len(errs) {
		case 0:
			trig.Succeed(vals)
		case 1:
			trig.Fail(errs[0])
		default:
			trig.Fail(&ChainedError{Causes: errs})
		}
	}()
	return out
}

// Then returns a completion settled with f applied to
// c's value. A failure of c skips f and is passed through.
// f runs on its own goroutine, not on the isolate.
func Then[T, U any](iso *Isolate, c *Completion[T], f func(T) (U, error)) *Completion[U] {
	out, trig := NewDeferred[U](iso)
	go func() {
		<-c.WhenDone()
		v, err := c.Outcome()
		if err != nil {
			trig.Fail(c.Err())
			return
		}
		u, err := callCatching(func() (U, error) { return f(v) })
		if err != nil {
			trig.Fail(err)
			return
		}
		trig.Succeed(u)
	}()
	return out
}

// Adapt turns a blocking, future-like call into a
// Completion. wait is run on a new goroutine and
// its result settles the returned completion.
func Adapt[T any](iso *Isolate, wait func() (T, error)) *Completion[T] {
	out, trig := NewDeferred[T](iso)
	go func() {
		v, err := callCatching(wait)
		if err != nil {
			trig.Fail(err)
			return
		}
		trig.Succeed(v)
	}()
	return out
}

// FromChan settles on the first value from vals or
// the first error from errs, whichever arrives first.
// A closed vals channel with no value is a failure.
func FromChan[T any](iso *Isolate, vals <-chan T, errs <-chan error) *Completion[T] {
	out, trig := NewDeferred[T](iso)
	go func() {
		select {
		case v, ok := <-vals:
			if !ok {
				trig.Fail(fmt.Errorf("callbacks: value channel closed without a value"))
				return
			}
			trig.Succeed(v)
		case err := <-errs:
			trig.Fail(err)
		}
	}()
	return out
}

func callCatching[T any](f func() (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callbacks: recovered panic: %v", r)
		}
	}()
	return f()
}
