package interop

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/glycerine/idem"
	"github.com/glycerine/interop/callbacks"
)

var ErrLinkClosed = fmt.Errorf("interop: link closed")
var ErrHelloExpected = fmt.Errorf("interop: first frame on a link must be hello")

// link is one physical connection to one peer
// channel. Any number of sessions share it. It has
// exactly one reader and one writer goroutine; every
// frame sent on the link goes through the writer's
// FIFO, so frames from one sender keep their order.
type link struct {
	ch       *Channel
	conn     net.Conn
	outbound bool

	fw *frameWriter
	fr *frameReader

	mut     sync.Mutex
	outq    *queue.Queue // of *frame
	closing bool
	failErr error
	peer    string
	serial  int64

	wake    chan struct{}
	helloCh chan struct{}

	Halt *idem.Halter
	wg   sync.WaitGroup
}

func newLink(ch *Channel, conn net.Conn, outbound bool) (*link, error) {
	fw, err := newFrameWriter(ch.cfg)
	if err != nil {
		return nil, err
	}
	l := &link{
		ch:       ch,
		conn:     conn,
		outbound: outbound,
		fw:       fw,
		fr:       newFrameReader(ch.cfg),
		outq:     queue.New(),
		wake:     make(chan struct{}, 1),
		helloCh:  make(chan struct{}),
		Halt:     idem.NewHalterNamed(fmt.Sprintf("link(%v<->%v)", conn.LocalAddr(), conn.RemoteAddr())),
	}
	return l, nil
}

// start queues our hello and launches the reader and
// writer. done is called once both have exited.
func (l *link) start(done func()) {
	l.send(&frame{Kind: frameHello, Ident: l.ch.identity})
	l.wg.Add(2)
	go l.writeLoop()
	go l.readLoop()
	go func() {
		l.wg.Wait()
		l.fw.Close()
		l.fr.Close()
		l.Halt.Done.Close()
		done()
	}()
}

// isReady reports whether the peer's hello is in.
func (l *link) isReady() bool {
	select {
	case <-l.helloCh:
		return true
	default:
	}
	return false
}

func (l *link) Peer() (p string) {
	l.mut.Lock()
	p = l.peer
	l.mut.Unlock()
	return
}

// send queues f for the writer. It never waits
// on the network.
func (l *link) send(f *frame) error {
	l.mut.Lock()
	if l.closing {
		err := l.failErr
		l.mut.Unlock()
		if err != nil {
			return fmt.Errorf("%w: %w", ErrLinkClosed, err)
		}
		return ErrLinkClosed
	}
	l.serial++
	f.Serial = l.serial
	l.outq.Add(f)
	l.mut.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

func (l *link) nextOut() (f *frame, ok, closing bool) {
	l.mut.Lock()
	defer l.mut.Unlock()
	if l.outq.Length() > 0 {
		return l.outq.Remove().(*frame), true, false
	}
	return nil, false, l.closing
}

func (l *link) writeLoop() {
	defer l.wg.Done()
	for {
		f, ok, closing := l.nextOut()
		if ok {
			n, err := l.fw.writeFrame(l.conn, f)
			if err != nil {
				if n == 0 && errors.Is(err, ErrFrameTooBig) {
					// nothing hit the wire; the link is fine.
					l.ch.drop(err, "outbound frame too big")
					continue
				}
				l.fail(err)
				return
			}
			l.ch.stats.frameOut(n)
			continue
		}
		if closing {
			// everything queued before close is flushed.
			l.conn.Close()
			return
		}
		select {
		case <-l.wake:
		case <-l.Halt.ReqStop.Chan:
		}
	}
}

func (l *link) readLoop() {
	defer l.wg.Done()

	hsTimeout := l.ch.cfg.HandshakeTimeout
	f, n, err := l.fr.readFrame(l.conn, &hsTimeout)
	if err == nil && f.Kind != frameHello {
		err = fmt.Errorf("%w: got %v", ErrHelloExpected, f.Kind)
	}
	if err != nil {
		l.readFailed(err)
		return
	}
	l.ch.stats.frameIn(n)
	// clear the handshake deadline.
	l.conn.SetReadDeadline(time.Time{})

	l.mut.Lock()
	l.peer = f.Ident
	l.mut.Unlock()
	close(l.helloCh)
	l.ch.linkReady(l)

	for {
		f, n, err := l.fr.readFrame(l.conn, &l.ch.cfg.ReadTimeout)
		if err != nil {
			l.readFailed(err)
			return
		}
		l.ch.stats.frameIn(n)
		l.ch.dispatch(l, f)
	}
}

func (l *link) readFailed(err error) {
	l.mut.Lock()
	orderly := l.closing && l.failErr == nil
	l.mut.Unlock()
	if orderly {
		return
	}
	l.fail(err)
}

// close stops new sends, lets the writer flush what is
// queued, then closes the connection.
func (l *link) close() {
	l.mut.Lock()
	l.closing = true
	l.mut.Unlock()
	l.Halt.ReqStop.Close()
}

// forceClose is for when the writer cannot flush in time.
func (l *link) forceClose() {
	l.close()
	l.conn.Close()
}

// fail tears the link down hard and fails every
// session riding on it. Only the first cause counts.
func (l *link) fail(cause error) {
	l.mut.Lock()
	if l.failErr != nil {
		l.mut.Unlock()
		return
	}
	wasClosing := l.closing
	l.failErr = cause
	l.closing = true
	l.mut.Unlock()

	l.conn.Close()
	l.Halt.ReqStop.Close()
	if wasClosing {
		return
	}
	l.ch.sink.Trace(callbacks.Deferred, cause, fmt.Sprintf("link to '%v' failed", l.Peer()))
	l.ch.linkFailed(l, cause)
}

func (l *link) String() string {
	return fmt.Sprintf("link{peer=%v local=%v remote=%v}", l.Peer(), l.conn.LocalAddr(), l.conn.RemoteAddr())
}
