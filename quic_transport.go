package interop

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

const quicALPN = "interop"

// how long a closing link waits for the peer to
// hang up before tearing down the QUIC connection
// itself; lets our final frames drain.
const quicLinger = 2 * time.Second

// QUICTransport runs each link on its own QUIC
// connection, over one bidirectional stream.
//
// With nil TLS configs the listener presents a fresh
// self-signed ed25519 certificate and the dialer
// accepts any certificate: frames are encrypted but
// the peer is not authenticated.
type QUICTransport struct {
	ServerTLS *tls.Config
	ClientTLS *tls.Config

	// KeepAlive defaults to 5s.
	KeepAlive time.Duration
}

func (t *QUICTransport) quicConfig() *quic.Config {
	ka := t.KeepAlive
	if ka <= 0 {
		ka = 5 * time.Second
	}
	return &quic.Config{
		KeepAlivePeriod:   ka,
		InitialPacketSize: 1200, // fits an MTU of 1280, as on Tailscale.
	}
}

func (t *QUICTransport) Listen(addr string) (net.Listener, error) {
	tlsConf := t.ServerTLS
	if tlsConf == nil {
		var err error
		tlsConf, err = selfSignedTLS()
		if err != nil {
			return nil, err
		}
	}
	ql, err := quic.ListenAddr(addr, tlsConf, t.quicConfig())
	if err != nil {
		return nil, err
	}
	ctx, canc := context.WithCancel(context.Background())
	l := &quicListener{
		ql:    ql,
		conns: make(chan net.Conn),
		ctx:   ctx,
		canc:  canc,
	}
	go l.acceptLoop()
	return l, nil
}

func (t *QUICTransport) Dial(ctx context.Context, addr string) (net.Conn, error) {
	tlsConf := t.ClientTLS
	if tlsConf == nil {
		tlsConf = &tls.Config{
			InsecureSkipVerify: true,
			NextProtos:         []string{quicALPN},
		}
	}
	qc, err := quic.DialAddr(ctx, addr, tlsConf, t.quicConfig())
	if err != nil {
		return nil, err
	}
	// the listener only sees the stream once we write
	// on it; our hello is always the first thing sent.
	st, err := qc.OpenStreamSync(ctx)
	if err != nil {
		qc.CloseWithError(0, "")
		return nil, err
	}
	return &quicConn{Stream: st, qc: qc}, nil
}

type quicListener struct {
	ql    *quic.Listener
	conns chan net.Conn

	ctx       context.Context
	canc      context.CancelFunc
	closeOnce sync.Once
	closeErr  error
}

func (l *quicListener) acceptLoop() {
	for {
		qc, err := l.ql.Accept(l.ctx)
		if err != nil {
			//vv("quic accept loop done: '%v'", err)
			return
		}
		go l.acceptStream(qc)
	}
}

// one stream per connection; a link owns both.
func (l *quicListener) acceptStream(qc quic.Connection) {
	st, err := qc.AcceptStream(l.ctx)
	if err != nil {
		qc.CloseWithError(0, "")
		return
	}
	c := &quicConn{Stream: st, qc: qc}
	select {
	case l.conns <- c:
	case <-l.ctx.Done():
		c.Close()
	}
}

func (l *quicListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.ctx.Done():
		return nil, net.ErrClosed
	}
}

func (l *quicListener) Close() error {
	l.closeOnce.Do(func() {
		l.canc()
		l.closeErr = l.ql.Close()
	})
	return l.closeErr
}

func (l *quicListener) Addr() net.Addr {
	return l.ql.Addr()
}

// quicConn is the net.Conn a link sees: reads, writes
// and deadlines go to the stream, addresses come from
// the connection.
type quicConn struct {
	quic.Stream
	qc quic.Connection

	closeOnce sync.Once
}

func (c *quicConn) LocalAddr() net.Addr  { return c.qc.LocalAddr() }
func (c *quicConn) RemoteAddr() net.Addr { return c.qc.RemoteAddr() }

func (c *quicConn) Close() error {
	c.closeOnce.Do(func() {
		c.Stream.Close() // FIN after anything already written.
		c.Stream.CancelRead(0)
		go func() {
			select {
			case <-c.qc.Context().Done():
			case <-time.After(quicLinger):
			}
			c.qc.CloseWithError(0, "")
		}()
	})
	return nil
}

func selfSignedTLS() (*tls.Config, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, err
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: quicALPN},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, pub, priv)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: priv}},
		NextProtos:   []string{quicALPN},
	}, nil
}
