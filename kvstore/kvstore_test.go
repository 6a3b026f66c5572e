package kvstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	cv "github.com/glycerine/goconvey/convey"
	"github.com/glycerine/interop"
	"github.com/glycerine/interop/callbacks"
)

type kvEnv struct {
	srv   *interop.Channel
	drv   *Driver
	clis  []*interop.Channel
	conns []*Connector
}

func (e *kvEnv) Close() {
	for _, c := range e.clis {
		c.Terminate(5 * time.Second)
	}
	e.srv.Terminate(5 * time.Second)
}

// newKV starts a driver and n connectors, each on
// its own channel.
func newKV(n int, hook func(s *interop.Session, key string)) *kvEnv {
	mt := interop.NewMemTransport()
	cfg := interop.NewConfig()
	cfg.Transport = mt
	cfg.Identity = "kv-driver"
	srv, err := interop.NewChannel(cfg)
	panicOn(err)
	drv, err := NewDriver(srv)
	panicOn(err)
	drv.beforeServe = hook
	_, err = srv.AcceptEndpoint("kv")
	panicOn(err)

	e := &kvEnv{srv: srv, drv: drv}
	for i := 0; i < n; i++ {
		ccfg := interop.NewConfig()
		ccfg.Transport = mt
		ccfg.Identity = fmt.Sprintf("kv-connector-%v", i)
		cli, err := interop.NewChannel(ccfg)
		panicOn(err)
		peer, err := cli.ConnectEndpoint(context.Background(), "kv")
		panicOn(err)
		c := Connect(cli, peer)
		if !c.Await(5 * time.Second) {
			panic("kv connect timed out")
		}
		conn, err := c.Outcome()
		panicOn(err)
		e.clis = append(e.clis, cli)
		e.conns = append(e.conns, conn)
	}
	return e
}

func await[T any](c *callbacks.Completion[T]) (T, error) {
	if !c.Await(5 * time.Second) {
		var zero T
		return zero, fmt.Errorf("timed out waiting on %v", c)
	}
	return c.Outcome()
}

func Test001_puts_without_waiting_then_get(t *testing.T) {

	cv.Convey("put a=1 and put b=2 back to back both succeed, and get a returns 1", t, func() {
		e := newKV(1, nil)
		defer e.Close()
		kv := e.conns[0]

		p1 := kv.Put("a", "1")
		p2 := kv.Put("b", "2")
		both := callbacks.AndChained(p1, p2)
		_, err := await(both)
		cv.So(err, cv.ShouldBeNil)

		v, err := await(kv.Get("a"))
		cv.So(err, cv.ShouldBeNil)
		cv.So(v, cv.ShouldEqual, "1")

		v, err = await(kv.Get("b"))
		cv.So(err, cv.ShouldBeNil)
		cv.So(v, cv.ShouldEqual, "2")
		cv.So(e.drv.Len(), cv.ShouldEqual, 2)
	})

	cv.Convey("later writes win, deletes report what they removed, missing keys are ErrNotFound", t, func() {
		e := newKV(1, nil)
		defer e.Close()
		kv := e.conns[0]

		// no waiting in between; the driver keeps order.
		kv.Put("k", "old")
		kv.Put("k", "new")
		v, err := await(kv.Get("k"))
		cv.So(err, cv.ShouldBeNil)
		cv.So(v, cv.ShouldEqual, "new")

		found, err := await(kv.Delete("k"))
		cv.So(err, cv.ShouldBeNil)
		cv.So(found, cv.ShouldBeTrue)
		found, err = await(kv.Delete("k"))
		cv.So(err, cv.ShouldBeNil)
		cv.So(found, cv.ShouldBeFalse)

		_, err = await(kv.Get("k"))
		cv.So(errors.Is(err, ErrNotFound), cv.ShouldBeTrue)
		cv.So(e.drv.Served(), cv.ShouldEqual, 6)
	})

	cv.Convey("Close ends the session and fails anything still pending", t, func() {
		e := newKV(1, nil)
		defer e.Close()
		kv := e.conns[0]
		cv.So(kv.Close(), cv.ShouldBeNil)
		cv.So(kv.Session().State(), cv.ShouldEqual, interop.Destroyed)
		_, err := await(kv.Get("a"))
		cv.So(errors.Is(err, interop.ErrSessionClosed), cv.ShouldBeTrue)

		deadline := time.Now().Add(5 * time.Second)
		for e.drv.Sessions() != 0 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		cv.So(e.drv.Sessions(), cv.ShouldEqual, 0)
	})
}

func Test002_two_consumers_are_independent(t *testing.T) {

	cv.Convey("cancelling consumer 1 fails only consumer 1's pending requests", t, func() {
		release := make(chan struct{})
		holding := make(chan string, 10)
		e := newKV(2, func(s *interop.Session, key string) {
			if strings.HasPrefix(key, "held/") {
				holding <- key
				<-release
			}
		})
		defer e.Close()
		kv1, kv2 := e.conns[0], e.conns[1]

		g1 := kv1.Put("held/1", "x")
		g2 := kv2.Put("held/2", "y")
		after2 := kv2.Get("held/2")

		got := map[string]bool{}
		for i := 0; i < 2; i++ {
			select {
			case k := <-holding:
				got[k] = true
			case <-time.After(5 * time.Second):
				t.Fatalf("driver never picked up both held requests")
			}
		}
		cv.So(got["held/1"] && got["held/2"], cv.ShouldBeTrue)

		kv1.Cancel()
		_, err := await(g1)
		cv.So(errors.Is(err, interop.ErrConnectionLost), cv.ShouldBeTrue)

		// consumer 2 is still waiting, and unharmed.
		cv.So(g2.IsCompleted(), cv.ShouldBeFalse)
		cv.So(kv2.Session().Pending(), cv.ShouldEqual, 2)

		close(release)
		_, err = await(g2)
		cv.So(err, cv.ShouldBeNil)
		v, err := await(after2)
		cv.So(err, cv.ShouldBeNil)
		cv.So(v, cv.ShouldEqual, "y")
		cv.So(kv2.Session().State(), cv.ShouldEqual, interop.Active)
	})
}
