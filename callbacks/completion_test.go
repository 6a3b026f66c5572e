package callbacks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	cv "github.com/glycerine/goconvey/convey"
)

var _ = fmt.Printf

func Test001_completion_settles_exactly_once(t *testing.T) {

	cv.Convey("a deferred completion accepts the first settle and rejects the second", t, func() {
		c, trig := NewDeferred[string](nil)
		cv.So(c.IsCompleted(), cv.ShouldBeFalse)

		_, err := c.Outcome()
		cv.So(errors.Is(err, ErrNotCompleted), cv.ShouldBeTrue)

		cv.So(trig.Succeed("first"), cv.ShouldBeNil)

		err = trig.Succeed("second")
		cv.So(errors.Is(err, ErrAlreadyCompleted), cv.ShouldBeTrue)

		err = trig.Fail(fmt.Errorf("too late"))
		cv.So(errors.Is(err, ErrAlreadyCompleted), cv.ShouldBeTrue)

		v, err := c.Outcome()
		cv.So(err, cv.ShouldBeNil)
		cv.So(v, cv.ShouldEqual, "first")

		// repeatedly readable
		v, err = c.Outcome()
		cv.So(err, cv.ShouldBeNil)
		cv.So(v, cv.ShouldEqual, "first")
		cv.So(c.Err(), cv.ShouldBeNil)
		cv.So(c.Await(0), cv.ShouldBeTrue)
		cv.So(trig.Completion(), cv.ShouldEqual, c)
	})

	cv.Convey("a rejected second settle is reported to the owner's sink, not just returned", t, func() {
		sink := NewCollectingSink()
		iso := NewIsolate("test001", sink)
		defer iso.Close(time.Second)

		_, trig := NewDeferred[int](iso)
		cv.So(trig.Succeed(1), cv.ShouldBeNil)
		cv.So(sink.Len(), cv.ShouldEqual, 0)

		err := trig.Fail(fmt.Errorf("late"))
		cv.So(errors.Is(err, ErrAlreadyCompleted), cv.ShouldBeTrue)
		evs := sink.Events()
		cv.So(len(evs), cv.ShouldEqual, 1)
		cv.So(evs[0].Resolution, cv.ShouldEqual, Handled)
		cv.So(errors.Is(evs[0].Err, ErrAlreadyCompleted), cv.ShouldBeTrue)
	})
}

func Test002_await_poll_timeout_and_forever(t *testing.T) {

	cv.Convey("Await polls on 0, times out on positive, waits forever on negative", t, func() {
		c, trig := NewDeferred[int](nil)

		cv.So(c.Await(0), cv.ShouldBeFalse)

		t0 := time.Now()
		cv.So(c.Await(20*time.Millisecond), cv.ShouldBeFalse)
		cv.So(time.Since(t0) >= 20*time.Millisecond, cv.ShouldBeTrue)

		go func() {
			time.Sleep(10 * time.Millisecond)
			trig.Succeed(7)
		}()
		cv.So(c.Await(-1), cv.ShouldBeTrue)
		v, err := c.Outcome()
		cv.So(err, cv.ShouldBeNil)
		cv.So(v, cv.ShouldEqual, 7)

		// timing out did not cancel anything; a late
		// settle is still accepted.
		c2, trig2 := NewDeferred[int](nil)
		cv.So(c2.Await(time.Millisecond), cv.ShouldBeFalse)
		cv.So(trig2.Succeed(3), cv.ShouldBeNil)
		cv.So(c2.Await(0), cv.ShouldBeTrue)
	})
}

func Test003_failure_outcome_and_wait(t *testing.T) {

	cv.Convey("a failed completion reports the cause through Err, Outcome and Wait", t, func() {
		cause := fmt.Errorf("disk on fire")
		c := Failed[int](nil, cause)
		cv.So(c.IsCompleted(), cv.ShouldBeTrue)
		cv.So(c.Err(), cv.ShouldEqual, cause)

		_, err := c.Outcome()
		cv.So(errors.Is(err, ErrCompletedWithFailure), cv.ShouldBeTrue)
		cv.So(errors.Is(err, cause), cv.ShouldBeTrue)

		cv.So(c.Wait(context.Background()), cv.ShouldEqual, cause)

		ok := Succeeded(nil, 42)
		v, err := ok.Outcome()
		cv.So(err, cv.ShouldBeNil)
		cv.So(v, cv.ShouldEqual, 42)

		pending, _ := NewDeferred[int](nil)
		ctx, canc := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer canc()
		cv.So(pending.Wait(ctx), cv.ShouldEqual, context.DeadlineExceeded)

		cv.So(errors.Is(Failed[int](nil, nil).Err(), ErrNilFailure), cv.ShouldBeTrue)
	})
}

func Test004_observers_fire_in_registration_order(t *testing.T) {

	cv.Convey("observers registered before completion run once each, in registration order, on the isolate", t, func() {
		iso := NewIsolate("test004", nil)
		defer iso.Close(time.Second)

		c, trig := NewDeferred[int](iso)
		got := make(chan int, 10)
		for i := 1; i <= 3; i++ {
			i := i
			c.Observe(func(c *Completion[int]) *Completion[Void] {
				v, _ := c.Outcome()
				got <- i*100 + v
				return nil
			})
		}
		trig.Succeed(5)

		cv.So(<-got, cv.ShouldEqual, 105)
		cv.So(<-got, cv.ShouldEqual, 205)
		cv.So(<-got, cv.ShouldEqual, 305)

		select {
		case extra := <-got:
			t.Fatalf("observer ran twice: %v", extra)
		case <-time.After(20 * time.Millisecond):
		}
	})

	cv.Convey("completions settled in order c1, c2, c3 dispatch their observers in that order", t, func() {
		iso := NewIsolate("test004b", nil)
		defer iso.Close(time.Second)

		got := make(chan string, 10)
		var trigs []*Trigger[string]
		for i := 0; i < 3; i++ {
			c, trig := NewDeferred[string](iso)
			c.Observe(func(c *Completion[string]) *Completion[Void] {
				v, _ := c.Outcome()
				got <- v
				return nil
			})
			trigs = append(trigs, trig)
		}
		trigs[0].Succeed("c1")
		trigs[1].Succeed("c2")
		trigs[2].Succeed("c3")
		cv.So(<-got, cv.ShouldEqual, "c1")
		cv.So(<-got, cv.ShouldEqual, "c2")
		cv.So(<-got, cv.ShouldEqual, "c3")
	})
}

func Test005_observe_on_completed_is_deferred(t *testing.T) {

	cv.Convey("Observe on an already completed completion never runs the observer synchronously", t, func() {
		iso := NewIsolate("test005", nil)
		defer iso.Close(time.Second)

		// occupy the isolate so the observer cannot run yet.
		release := make(chan struct{})
		busy := make(chan struct{})
		iso.Enqueue(func() error {
			close(busy)
			<-release
			return nil
		})
		<-busy

		c := Succeeded(iso, "done")
		ran := make(chan bool, 1)
		c.Observe(func(c *Completion[string]) *Completion[Void] {
			ran <- true
			return nil
		})

		select {
		case <-ran:
			t.Fatalf("observer ran before the isolate was free")
		default:
		}
		close(release)
		cv.So(<-ran, cv.ShouldBeTrue)
	})

	cv.Convey("without an isolate, late observers still run, and never on the caller's stack", t, func() {
		c := Succeeded[int](nil, 1)
		goro := GoroNumber()
		ranOn := make(chan int, 1)
		c.Observe(func(c *Completion[int]) *Completion[Void] {
			ranOn <- GoroNumber()
			return nil
		})
		cv.So(<-ranOn, cv.ShouldNotEqual, goro)
	})

	cv.Convey("late observers without an isolate run one at a time, in registration order", t, func() {
		c := Succeeded[int](nil, 1)
		const N = 50
		var inflight, overlapped int64
		var mut sync.Mutex
		var order []int
		done := make(chan struct{})
		for i := 0; i < N; i++ {
			i := i
			c.Observe(func(c *Completion[int]) *Completion[Void] {
				if atomic.AddInt64(&inflight, 1) > 1 {
					atomic.StoreInt64(&overlapped, 1)
				}
				time.Sleep(50 * time.Microsecond)
				mut.Lock()
				order = append(order, i)
				mut.Unlock()
				atomic.AddInt64(&inflight, -1)
				if i == N-1 {
					close(done)
				}
				return nil
			})
		}
		<-done
		cv.So(atomic.LoadInt64(&overlapped), cv.ShouldEqual, 0)
		mut.Lock()
		defer mut.Unlock()
		cv.So(len(order), cv.ShouldEqual, N)
		for i := range order {
			if order[i] != i {
				t.Fatalf("observer %v ran in slot %v", order[i], i)
			}
		}
	})

	cv.Convey("after the isolate closes, early and late observers keep registration order", t, func() {
		iso := NewIsolate("test005c", nil)
		iso.Close(time.Second)
		c, trig := NewDeferred[int](iso)
		got := make(chan int, 10)
		for i := 0; i < 3; i++ {
			i := i
			c.Observe(func(c *Completion[int]) *Completion[Void] {
				got <- i
				return nil
			})
		}
		trig.Succeed(7)
		for i := 3; i < 6; i++ {
			i := i
			c.Observe(func(c *Completion[int]) *Completion[Void] {
				got <- i
				return nil
			})
		}
		for i := 0; i < 6; i++ {
			cv.So(<-got, cv.ShouldEqual, i)
		}
	})
}

func Test006_failed_follow_on_is_traced(t *testing.T) {

	cv.Convey("an observer whose follow-on fails, or that panics, is reported to the sink", t, func() {
		sink := NewCollectingSink()
		iso := NewIsolate("test006", sink)
		defer iso.Close(time.Second)

		c, trig := NewDeferred[int](iso)
		c.Observe(func(c *Completion[int]) *Completion[Void] {
			return Failed[Void](iso, fmt.Errorf("follow-on broke"))
		})
		c.Observe(func(c *Completion[int]) *Completion[Void] {
			panic("observer blew up")
		})
		trig.Succeed(1)

		deadline := time.Now().Add(2 * time.Second)
		for sink.Len() < 2 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		evs := sink.Events()
		cv.So(len(evs), cv.ShouldEqual, 2)
	})
}
