package callbacks

import (
	"fmt"
	"sync"
	"time"
)

// Resolution records what the reporter did about
// a traced error.
type Resolution int

const (
	// Handled: the error was dealt with locally,
	// e.g. one pending request was failed.
	Handled Resolution = 0

	// Deferred: the error was passed along to
	// someone else (a callback, a completion) to deal with.
	Deferred Resolution = 1

	// Ignored: nothing could be done; the event was dropped.
	Ignored Resolution = 2
)

func (r Resolution) String() string {
	switch r {
	case Handled:
		return "Handled"
	case Deferred:
		return "Deferred"
	case Ignored:
		return "Ignored"
	}
	return fmt.Sprintf("Resolution(%v)", int(r))
}

// Sink is the single destination for errors and
// events that cannot be returned to a caller:
// observer failures, dropped frames, protocol
// warnings, double resolutions.
type Sink interface {
	Trace(r Resolution, err error, msg string)
}

// LogSink prints every trace through the
// time-stamped logger.
type LogSink struct {
	Name string

	// Quiet suppresses Ignored traces unless verbose is on.
	Quiet bool
}

func (s *LogSink) Trace(r Resolution, err error, msg string) {
	if s.Quiet && r == Ignored {
		pp("%v: [%v] %v: '%v'", s.Name, r, msg, err)
		return
	}
	alwaysPrintf("%v: [%v] %v: '%v'", s.Name, r, msg, err)
}

// DefaultSink is used when no other Sink is supplied.
var DefaultSink Sink = &LogSink{Name: "callbacks", Quiet: true}

// Event is one trace kept by a CollectingSink.
type Event struct {
	When       time.Time
	Resolution Resolution
	Err        error
	Msg        string
}

// CollectingSink keeps every trace in memory.
// Tests use it to assert on warnings.
type CollectingSink struct {
	mut    sync.Mutex
	events []Event
}

func NewCollectingSink() *CollectingSink {
	return &CollectingSink{}
}

func (s *CollectingSink) Trace(r Resolution, err error, msg string) {
	s.mut.Lock()
	s.events = append(s.events, Event{
		When:       time.Now(),
		Resolution: r,
		Err:        err,
		Msg:        msg,
	})
	s.mut.Unlock()
}

// Events returns a copy of the traces seen so far.
func (s *CollectingSink) Events() (evs []Event) {
	s.mut.Lock()
	evs = append(evs, s.events...)
	s.mut.Unlock()
	return
}

// Len returns the number of traces seen so far.
func (s *CollectingSink) Len() (n int) {
	s.mut.Lock()
	n = len(s.events)
	s.mut.Unlock()
	return
}
