package callbacks

import (
	"fmt"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/glycerine/idem"
)

var ErrIsolateClosed = fmt.Errorf("callbacks: isolate closed")
var ErrIsolateCloseTimeout = fmt.Errorf("callbacks: timeout waiting for isolate to drain")

// Isolate is a serialization domain: every task
// submitted to it runs on one worker goroutine,
// one at a time, in submission order. Owners hand
// their callbacks to an Isolate instead of guarding
// their state with locks.
type Isolate struct {
	name string
	sink Sink

	mut    sync.Mutex
	q      *queue.Queue // of isoTask
	closed bool

	// the worker's goroutine number, so Close
	// called from a task does not wait on itself.
	workerGoro int

	wake chan struct{}
	Halt *idem.Halter
}

type isoTask struct {
	run  func() error
	trig *Trigger[Void]
}

// NewIsolate starts the worker goroutine. A nil
// sink means DefaultSink.
func NewIsolate(name string, sink Sink) *Isolate {
	if sink == nil {
		sink = DefaultSink
	}
	iso := &Isolate{
		name: name,
		sink: sink,
		q:    queue.New(),
		wake: make(chan struct{}, 1),
		Halt: idem.NewHalterNamed(fmt.Sprintf("Isolate(%v)", name)),
	}
	started := make(chan struct{})
	go iso.loop(started)
	<-started
	return iso
}

func (iso *Isolate) Name() string {
	return iso.name
}

// Sink returns where this isolate reports failures.
func (iso *Isolate) Sink() Sink {
	return iso.sink
}

// Len returns the number of queued, not yet started, tasks.
func (iso *Isolate) Len() (n int) {
	iso.mut.Lock()
	n = iso.q.Length()
	iso.mut.Unlock()
	return
}

// Enqueue schedules task and returns a completion
// that settles once task has run: with task's error
// (or a recovered panic) as failure. On a closed
// isolate the completion fails with ErrIsolateClosed.
func (iso *Isolate) Enqueue(task func() error) *Completion[Void] {
	c, trig := NewDeferred[Void](iso)
	if !iso.submit(isoTask{run: task, trig: trig}) {
		trig.Fail(fmt.Errorf("%w: '%v'", ErrIsolateClosed, iso.name))
	}
	return c
}

// submit returns false if the isolate is closed.
func (iso *Isolate) submit(t isoTask) bool {
	iso.mut.Lock()
	if iso.closed {
		iso.mut.Unlock()
		return false
	}
	iso.q.Add(t)
	iso.mut.Unlock()

	select {
	case iso.wake <- struct{}{}:
	default:
	}
	return true
}

// next pops the oldest task. When the queue is empty it
// reports whether the isolate is closed, checked under
// the same lock that submit uses, so no accepted
// task is ever left behind.
func (iso *Isolate) next() (t isoTask, ok, closed bool) {
	iso.mut.Lock()
	defer iso.mut.Unlock()
	if iso.q.Length() > 0 {
		return iso.q.Remove().(isoTask), true, false
	}
	return t, false, iso.closed
}

func (iso *Isolate) loop(started chan struct{}) {
	iso.workerGoro = GoroNumber()
	close(started)
	defer iso.Halt.Done.Close()

	for {
		t, ok, closed := iso.next()
		if ok {
			iso.run(t)
			continue
		}
		if closed {
			return
		}
		select {
		case <-iso.wake:
		case <-iso.Halt.ReqStop.Chan:
		}
	}
}

func (iso *Isolate) run(t isoTask) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("callbacks: isolate '%v' task panic: %v", iso.name, r)
				iso.sink.Trace(Deferred, err, "isolate task panicked")
			}
		}()
		err = t.run()
	}()
	if t.trig == nil {
		return
	}
	if err != nil {
		t.trig.Fail(err)
	} else {
		t.trig.Succeed(Void{})
	}
}

// Close stops the isolate from accepting new tasks.
// Tasks already queued still run, in order. Close
// then waits up to timeout for them to finish; zero
// means do not wait, negative means wait forever.
// Called from one of the isolate's own tasks, Close
// never waits. Close is idempotent.
func (iso *Isolate) Close(timeout time.Duration) error {
	iso.mut.Lock()
	iso.closed = true
	iso.mut.Unlock()
	iso.Halt.ReqStop.Close()

	if timeout == 0 || GoroNumber() == iso.workerGoro {
		return nil
	}
	if timeout < 0 {
		<-iso.Halt.Done.Chan
		return nil
	}
	select {
	case <-iso.Halt.Done.Chan:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("%w: '%v' after %v", ErrIsolateCloseTimeout, iso.name, timeout)
	}
}

// IsClosed reports whether Close has been called.
func (iso *Isolate) IsClosed() (closed bool) {
	iso.mut.Lock()
	closed = iso.closed
	iso.mut.Unlock()
	return
}

func (iso *Isolate) String() string {
	return fmt.Sprintf("Isolate(%v, queued=%v, closed=%v)", iso.name, iso.Len(), iso.IsClosed())
}
