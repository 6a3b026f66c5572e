package callbacks

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	cv "github.com/glycerine/goconvey/convey"
)

func Test020_isolate_runs_one_task_at_a_time(t *testing.T) {

	cv.Convey("tasks submitted from many goroutines never overlap", t, func() {
		iso := NewIsolate("test020", nil)
		defer iso.Close(time.Second)

		var inflight, maxInflight int64
		count := 0 // only touched on the isolate
		const goros = 8
		const per = 50

		var wg sync.WaitGroup
		var last *Completion[Void]
		var lastMut sync.Mutex
		for g := 0; g < goros; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < per; i++ {
					c := iso.Enqueue(func() error {
						n := atomic.AddInt64(&inflight, 1)
						for {
							m := atomic.LoadInt64(&maxInflight)
							if n <= m || atomic.CompareAndSwapInt64(&maxInflight, m, n) {
								break
							}
						}
						count++
						atomic.AddInt64(&inflight, -1)
						return nil
					})
					lastMut.Lock()
					last = c
					lastMut.Unlock()
				}
			}()
		}
		wg.Wait()

		// FIFO: a task enqueued after all others has
		// seen every one of them run.
		final := iso.Enqueue(func() error { return nil })
		cv.So(final.Await(5*time.Second), cv.ShouldBeTrue)
		cv.So(last.IsCompleted(), cv.ShouldBeTrue)

		cv.So(atomic.LoadInt64(&maxInflight), cv.ShouldEqual, 1)
		got := make(chan int, 1)
		iso.Enqueue(func() error { got <- count; return nil })
		cv.So(<-got, cv.ShouldEqual, goros*per)
	})

	cv.Convey("tasks from one submitter run in submission order", t, func() {
		iso := NewIsolate("test020b", nil)
		defer iso.Close(time.Second)

		var order []int
		for i := 0; i < 100; i++ {
			i := i
			iso.Enqueue(func() error {
				order = append(order, i)
				return nil
			})
		}
		done := iso.Enqueue(func() error { return nil })
		cv.So(done.Await(5*time.Second), cv.ShouldBeTrue)
		for i := range order {
			if order[i] != i {
				t.Fatalf("out of order at %v: %v", i, order[i])
			}
		}
		cv.So(len(order), cv.ShouldEqual, 100)
	})
}

func Test021_task_errors_and_panics_fail_their_completion(t *testing.T) {

	cv.Convey("a task's error or panic becomes the failure of its completion, and the isolate keeps going", t, func() {
		sink := NewCollectingSink()
		iso := NewIsolate("test021", sink)
		defer iso.Close(time.Second)

		boom := fmt.Errorf("boom")
		c1 := iso.Enqueue(func() error { return boom })
		c2 := iso.Enqueue(func() error { panic("kaboom") })
		c3 := iso.Enqueue(func() error { return nil })

		cv.So(c3.Await(5*time.Second), cv.ShouldBeTrue)
		cv.So(c3.Err(), cv.ShouldBeNil)
		cv.So(c1.Err(), cv.ShouldEqual, boom)
		cv.So(c2.Err(), cv.ShouldNotBeNil)
		cv.So(sink.Len(), cv.ShouldEqual, 1)
	})
}

func Test022_isolate_close_drains_then_rejects(t *testing.T) {

	cv.Convey("Close lets queued tasks finish, then Enqueue fails with ErrIsolateClosed", t, func() {
		iso := NewIsolate("test022", nil)

		release := make(chan struct{})
		iso.Enqueue(func() error { <-release; return nil })
		ran := 0
		for i := 0; i < 5; i++ {
			iso.Enqueue(func() error { ran++; return nil })
		}
		go func() {
			time.Sleep(10 * time.Millisecond)
			close(release)
		}()
		cv.So(iso.Close(5*time.Second), cv.ShouldBeNil)
		cv.So(ran, cv.ShouldEqual, 5)
		cv.So(iso.IsClosed(), cv.ShouldBeTrue)

		c := iso.Enqueue(func() error { return nil })
		cv.So(c.IsCompleted(), cv.ShouldBeTrue)
		cv.So(errors.Is(c.Err(), ErrIsolateClosed), cv.ShouldBeTrue)

		// idempotent
		cv.So(iso.Close(time.Second), cv.ShouldBeNil)
	})

	cv.Convey("Close from inside a task does not wait on itself", t, func() {
		iso := NewIsolate("test022b", nil)
		c := iso.Enqueue(func() error {
			return iso.Close(time.Hour)
		})
		cv.So(c.Await(5*time.Second), cv.ShouldBeTrue)
		cv.So(c.Err(), cv.ShouldBeNil)
		<-iso.Halt.Done.Chan
	})

	cv.Convey("observers of a completion whose isolate closed still run once", t, func() {
		iso := NewIsolate("test022c", nil)
		c, trig := NewDeferred[int](iso)
		ran := make(chan int, 2)
		c.Observe(func(c *Completion[int]) *Completion[Void] {
			ran <- 1
			return nil
		})
		iso.Close(time.Second)
		trig.Succeed(1)
		cv.So(<-ran, cv.ShouldEqual, 1)
	})
}
