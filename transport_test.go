package interop

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	cv "github.com/glycerine/goconvey/convey"
)

func Test140_mem_transport_and_limit_listener(t *testing.T) {

	cv.Convey("mem addresses are exclusive, and dialing nobody fails", t, func() {
		mt := NewMemTransport()
		lsn, err := mt.Listen("here")
		cv.So(err, cv.ShouldBeNil)
		_, err = mt.Listen("here")
		cv.So(errors.Is(err, ErrAddrInUse), cv.ShouldBeTrue)

		_, err = mt.Dial(context.Background(), "nowhere")
		cv.So(errors.Is(err, ErrNoListener), cv.ShouldBeTrue)

		lsn.Close()
		_, err = lsn.Accept()
		cv.So(errors.Is(err, net.ErrClosed), cv.ShouldBeTrue)

		// the name is free again.
		lsn2, err := mt.Listen("here")
		cv.So(err, cv.ShouldBeNil)
		lsn2.Close()
	})

	cv.Convey("a limit listener holds further dialers until an accepted conn closes", t, func() {
		mt := NewMemTransport()
		raw, err := mt.Listen("capped")
		panicOn(err)
		lsn := newLimitListener(raw, 1)
		defer lsn.Close()

		accepted := make(chan net.Conn, 2)
		go func() {
			for {
				c, err := lsn.Accept()
				if err != nil {
					return
				}
				accepted <- c
			}
		}()

		c1, err := mt.Dial(context.Background(), "capped")
		cv.So(err, cv.ShouldBeNil)
		defer c1.Close()
		s1 := <-accepted

		ctx, canc := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_, err = mt.Dial(ctx, "capped")
		canc()
		cv.So(err, cv.ShouldEqual, context.DeadlineExceeded)

		s1.Close()
		c2, err := mt.Dial(context.Background(), "capped")
		cv.So(err, cv.ShouldBeNil)
		defer c2.Close()
		s2 := <-accepted
		s2.Close()
	})
}
