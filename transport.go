package interop

import (
	"context"
	"fmt"
	"net"
	"sync"
)

var ErrNoListener = fmt.Errorf("interop: no listener at address")
var ErrAddrInUse = fmt.Errorf("interop: address already in use")

// Transport opens the physical connections that
// links run over.
type Transport interface {
	Listen(addr string) (net.Listener, error)
	Dial(ctx context.Context, addr string) (net.Conn, error)
}

// TCPTransport is the default.
type TCPTransport struct{}

func (TCPTransport) Listen(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

func (TCPTransport) Dial(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

// MemTransport connects endpoints in one process by
// name, over net.Pipe. Names are any non-empty string.
type MemTransport struct {
	mut sync.Mutex
	lsn map[string]*memListener
}

func NewMemTransport() *MemTransport {
	return &MemTransport{lsn: make(map[string]*memListener)}
}

// DefaultMemTransport is what a config file
// naming transport "mem" gets.
var DefaultMemTransport = NewMemTransport()

func (t *MemTransport) Listen(addr string) (net.Listener, error) {
	t.mut.Lock()
	defer t.mut.Unlock()
	if _, taken := t.lsn[addr]; taken {
		return nil, fmt.Errorf("%w: mem '%v'", ErrAddrInUse, addr)
	}
	ml := &memListener{
		t:      t,
		addr:   memAddr(addr),
		conns:  make(chan net.Conn),
		closed: make(chan struct{}),
	}
	t.lsn[addr] = ml
	return ml, nil
}

func (t *MemTransport) Dial(ctx context.Context, addr string) (net.Conn, error) {
	t.mut.Lock()
	ml, ok := t.lsn[addr]
	t.mut.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: mem '%v'", ErrNoListener, addr)
	}
	cli, srv := net.Pipe()
	select {
	case ml.conns <- srv:
		return cli, nil
	case <-ml.closed:
		return nil, fmt.Errorf("%w: mem '%v' closed", ErrNoListener, addr)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type memAddr string

func (a memAddr) Network() string { return "mem" }
func (a memAddr) String() string  { return string(a) }

type memListener struct {
	t     *MemTransport
	addr  memAddr
	conns chan net.Conn

	closeOnce sync.Once
	closed    chan struct{}
}

func (l *memListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *memListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.t.mut.Lock()
		if l.t.lsn[string(l.addr)] == l {
			delete(l.t.lsn, string(l.addr))
		}
		l.t.mut.Unlock()
	})
	return nil
}

func (l *memListener) Addr() net.Addr {
	return l.addr
}
