package interop

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/glycerine/greenpack/msgp"
	"github.com/glycerine/interop/hash"
)

// =========================
//
// frame structure
//
// 1. magic: first 8 bytes. magic[7] names the body compression.
//
// 2. lenHeader: next 8 bytes: *header_length*, big endian uint64.
//
// 3. header: next header_length bytes, a msgpack map
//    with the routing fields of frame.
//
// 4. lenBody: next 8 bytes: *body_length*, big endian uint64.
//
// 5. body: next body_length bytes: the (possibly
//    compressed) encoded payload.
//
// =========================

type frameKind uint8

const (
	frameHello      frameKind = 1 // first frame each way on a link; Ident set.
	frameOpen       frameKind = 2 // session handshake; body is the init message.
	frameOpenAck    frameKind = 3
	frameOpenReject frameKind = 4 // Reason set.
	frameData       frameKind = 5
	frameClose      frameKind = 6 // orderly session end.
	frameAbort      frameKind = 7 // session failed on the sender's side; Reason set.
)

func (k frameKind) String() string {
	switch k {
	case frameHello:
		return "hello"
	case frameOpen:
		return "open"
	case frameOpenAck:
		return "openAck"
	case frameOpenReject:
		return "openReject"
	case frameData:
		return "data"
	case frameClose:
		return "close"
	case frameAbort:
		return "abort"
	}
	return fmt.Sprintf("frameKind(%d)", uint8(k))
}

var ErrBadFrame = fmt.Errorf("interop: malformed frame")

type frame struct {
	Kind        frameKind
	SessionID   string
	SessionSpec string
	SelfRole    string // the sender's role
	PeerRole    string // the role the sender expects us to play
	MessageSpec string
	Ident       string
	Reason      string
	Serial      int64
	Sum         []byte
	Body        []byte
}

func (f *frame) String() string {
	return fmt.Sprintf("frame{%v sid=%v sspec=%v mspec=%v serial=%v len(body)=%v}",
		f.Kind, f.SessionID, f.SessionSpec, f.MessageSpec, f.Serial, len(f.Body))
}

const frameHeaderFields = 10

func (f *frame) appendHeader(b []byte) []byte {
	b = msgp.AppendMapHeader(b, frameHeaderFields)
	b = msgp.AppendString(b, "kind")
	b = msgp.AppendUint8(b, uint8(f.Kind))
	b = msgp.AppendString(b, "sid")
	b = msgp.AppendString(b, f.SessionID)
	b = msgp.AppendString(b, "sspec")
	b = msgp.AppendString(b, f.SessionSpec)
	b = msgp.AppendString(b, "self")
	b = msgp.AppendString(b, f.SelfRole)
	b = msgp.AppendString(b, "peer")
	b = msgp.AppendString(b, f.PeerRole)
	b = msgp.AppendString(b, "mspec")
	b = msgp.AppendString(b, f.MessageSpec)
	b = msgp.AppendString(b, "ident")
	b = msgp.AppendString(b, f.Ident)
	b = msgp.AppendString(b, "reason")
	b = msgp.AppendString(b, f.Reason)
	b = msgp.AppendString(b, "serial")
	b = msgp.AppendInt64(b, f.Serial)
	b = msgp.AppendString(b, "sum")
	b = msgp.AppendBytes(b, f.Sum)
	return b
}

// readHeader skips keys it does not know, so newer
// peers can add fields.
func (f *frame) readHeader(b []byte) (err error) {
	var n uint32
	n, b, err = msgp.ReadMapHeaderBytes(b)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBadFrame, err)
	}
	for i := uint32(0); i < n; i++ {
		var key string
		key, b, err = msgp.ReadStringBytes(b)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrBadFrame, err)
		}
		switch key {
		case "kind":
			var k uint8
			k, b, err = msgp.ReadUint8Bytes(b)
			f.Kind = frameKind(k)
		case "sid":
			f.SessionID, b, err = msgp.ReadStringBytes(b)
		case "sspec":
			f.SessionSpec, b, err = msgp.ReadStringBytes(b)
		case "self":
			f.SelfRole, b, err = msgp.ReadStringBytes(b)
		case "peer":
			f.PeerRole, b, err = msgp.ReadStringBytes(b)
		case "mspec":
			f.MessageSpec, b, err = msgp.ReadStringBytes(b)
		case "ident":
			f.Ident, b, err = msgp.ReadStringBytes(b)
		case "reason":
			f.Reason, b, err = msgp.ReadStringBytes(b)
		case "serial":
			f.Serial, b, err = msgp.ReadInt64Bytes(b)
		case "sum":
			f.Sum, b, err = msgp.ReadBytesBytes(b, nil)
		default:
			b, err = msgp.Skip(b)
		}
		if err != nil {
			return fmt.Errorf("%w: field '%v': %w", ErrBadFrame, key, err)
		}
	}
	if f.Kind < frameHello || f.Kind > frameAbort {
		return fmt.Errorf("%w: unknown kind %v", ErrBadFrame, uint8(f.Kind))
	}
	if len(f.Sum) == 0 {
		f.Sum = nil
	}
	return nil
}

// frameWriter belongs to one link's writer goroutine.
type frameWriter struct {
	cfg     *Config
	press   *pressor
	b3      *hash.Blake3
	hdrBuf  []byte
	lenBuf  [8]byte
	timeout *time.Duration
}

func newFrameWriter(cfg *Config) (*frameWriter, error) {
	press, err := newPressor(cfg.CompressAlgo)
	if err != nil {
		return nil, err
	}
	w := &frameWriter{
		cfg:     cfg,
		press:   press,
		hdrBuf:  make([]byte, 0, 512),
		timeout: &cfg.WriteTimeout,
	}
	if cfg.Checksum {
		w.b3 = hash.NewBlake3()
	}
	return w, nil
}

// writeFrame returns the number of bytes put on the wire.
func (w *frameWriter) writeFrame(conn net.Conn, f *frame) (n int, err error) {
	if len(f.Body) > w.cfg.MaxFrameBytes {
		return 0, fmt.Errorf("%w: body of %v bytes", ErrFrameTooBig, len(f.Body))
	}
	if w.b3 != nil && len(f.Body) > 0 {
		f.Sum = w.b3.Sum256(f.Body)
	}
	body, err := w.press.compress(f.Body)
	if err != nil {
		return 0, err
	}
	m7 := w.press.magic7
	if len(body) >= len(f.Body) {
		// incompressible; readers cap the wire length,
		// so never send more than the raw body.
		body = f.Body
		m7 = magic7b_none
	}
	header := f.appendHeader(w.hdrBuf[:0])

	var magicCheck [8]byte
	copy(magicCheck[:], magic[:])
	magicCheck[7] = byte(m7)
	if err := writeFull(conn, magicCheck[:], w.timeout); err != nil {
		return n, err
	}
	n += 8

	binary.BigEndian.PutUint64(w.lenBuf[:], uint64(len(header)))
	if err := writeFull(conn, w.lenBuf[:], w.timeout); err != nil {
		return n, err
	}
	n += 8
	if err := writeFull(conn, header, w.timeout); err != nil {
		return n, err
	}
	n += len(header)

	binary.BigEndian.PutUint64(w.lenBuf[:], uint64(len(body)))
	if err := writeFull(conn, w.lenBuf[:], w.timeout); err != nil {
		return n, err
	}
	n += 8
	if err := writeFull(conn, body, w.timeout); err != nil {
		return n, err
	}
	n += len(body)
	return n, nil
}

func (w *frameWriter) Close() {
	w.press.Close()
}

// frameReader belongs to one link's reader goroutine.
type frameReader struct {
	cfg    *Config
	decomp *decomp
	b3     *hash.Blake3
	lenBuf [8]byte
}

func newFrameReader(cfg *Config) *frameReader {
	return &frameReader{
		cfg:    cfg,
		decomp: newDecomp(cfg.MaxFrameBytes),
		b3:     hash.NewBlake3(),
	}
}

// readFrame reads one frame from conn. A nil or zero
// timeout means wait forever.
func (r *frameReader) readFrame(conn net.Conn, timeout *time.Duration) (f *frame, n int, err error) {
	var magicCheck [8]byte
	if err := readFull(conn, magicCheck[:], timeout); err != nil {
		return nil, n, err
	}
	n += 8
	m7, err := checkMagic(magicCheck[:])
	if err != nil {
		return nil, n, err
	}

	headerLen, err := r.readLen(conn, timeout)
	if err != nil {
		return nil, n, err
	}
	n += 8
	header := make([]byte, headerLen)
	if err := readFull(conn, header, timeout); err != nil {
		return nil, n, err
	}
	n += int(headerLen)
	f = &frame{}
	if err := f.readHeader(header); err != nil {
		return nil, n, err
	}

	bodyLen, err := r.readLen(conn, timeout)
	if err != nil {
		return nil, n, err
	}
	n += 8
	body := make([]byte, bodyLen)
	if err := readFull(conn, body, timeout); err != nil {
		return nil, n, err
	}
	n += int(bodyLen)

	f.Body, err = r.decomp.decompress(m7, body)
	if err != nil {
		return nil, n, fmt.Errorf("%w: decompress %v: %w", ErrBadFrame, m7, err)
	}
	if f.Sum != nil {
		if err := r.b3.Verify(f.Body, f.Sum); err != nil {
			return nil, n, err
		}
	}
	return f, n, nil
}

func (r *frameReader) readLen(conn net.Conn, timeout *time.Duration) (uint64, error) {
	if err := readFull(conn, r.lenBuf[:], timeout); err != nil {
		return 0, err
	}
	k := binary.BigEndian.Uint64(r.lenBuf[:])
	if k > uint64(r.cfg.MaxFrameBytes) {
		return 0, fmt.Errorf("%w: length %v is over %v", ErrFrameTooBig, k, r.cfg.MaxFrameBytes)
	}
	return k, nil
}

func (r *frameReader) Close() {
	r.decomp.Close()
}

// readFull reads exactly len(buf) bytes from conn
func readFull(conn net.Conn, buf []byte, timeout *time.Duration) error {

	if timeout != nil && *timeout > 0 {
		conn.SetReadDeadline(time.Now().Add(*timeout))
	}

	need := len(buf)
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if total == need {
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// writeFull writes all bytes in buf to conn
func writeFull(conn net.Conn, buf []byte, timeout *time.Duration) error {

	if timeout != nil && *timeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(*timeout))
	}

	need := len(buf)
	total := 0
	for total < len(buf) {
		n, err := conn.Write(buf[total:])
		total += n
		if total == need {
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}
