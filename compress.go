package interop

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

var ErrFrameTooBig = fmt.Errorf("interop: frame exceeds MaxFrameBytes")

// pressor compresses frame bodies on the write side
// of one link. Only the link's writer goroutine uses it.
type pressor struct {
	magic7 magic7b
	zenc   *zstd.Encoder
	lz     *lz4.Writer
	out    bytes.Buffer
}

func newPressor(algo string) (p *pressor, err error) {
	m7, err := encodeMagic7(algo)
	if err != nil {
		return nil, err
	}
	p = &pressor{magic7: m7}
	switch m7 {
	case magic7b_lz4:
		p.lz = lz4.NewWriter(nil)
		options := []lz4.Option{
			lz4.BlockChecksumOption(true),
			lz4.CompressionLevelOption(lz4.Fast),
		}
		if err := p.lz.Apply(options...); err != nil {
			return nil, fmt.Errorf("could not apply lz4 options: '%v'", err)
		}
	case magic7b_zstd01, magic7b_zstd03, magic7b_zstd07, magic7b_zstd11:
		// The "Fastest" is roughly equivalent to zstd level 1.
		// The "Default" is roughly equivalent to zstd level 3 (default).
		// The "Better"  is roughly equivalent to zstd level 7.
		// The "Best"    is roughly equivalent to zstd level 11.
		level := zstd.SpeedDefault
		switch m7 {
		case magic7b_zstd01:
			level = zstd.SpeedFastest
		case magic7b_zstd07:
			level = zstd.SpeedBetterCompression
		case magic7b_zstd11:
			level = zstd.SpeedBestCompression
		}
		// The nil argument here means only do []byte compressions.
		p.zenc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
		if err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *pressor) compress(body []byte) ([]byte, error) {
	if len(body) == 0 {
		return body, nil
	}
	switch p.magic7 {
	case magic7b_none:
		return body, nil
	case magic7b_s2:
		return s2.Encode(nil, body), nil
	case magic7b_lz4:
		p.out.Reset()
		p.lz.Reset(&p.out)
		if _, err := p.lz.Write(body); err != nil {
			return nil, err
		}
		if err := p.lz.Close(); err != nil {
			return nil, err
		}
		return append([]byte{}, p.out.Bytes()...), nil
	}
	return p.zenc.EncodeAll(body, nil), nil
}

// Close releases held resources, important for cleanup.
func (p *pressor) Close() {
	if p.zenc != nil {
		p.zenc.Close()
	}
}

// decomp undoes whatever compression the peer chose,
// frame by frame, on the read side of one link.
type decomp struct {
	maxFrameBytes int
	zdec          *zstd.Decoder
	lz            *lz4.Reader
}

func newDecomp(maxFrameBytes int) *decomp {
	return &decomp{maxFrameBytes: maxFrameBytes}
}

func (d *decomp) decompress(m7 magic7b, body []byte) ([]byte, error) {
	if len(body) == 0 {
		return body, nil
	}
	switch m7 {
	case magic7b_none:
		return body, nil
	case magic7b_s2:
		n, err := s2.DecodedLen(body)
		if err != nil {
			return nil, err
		}
		if n > d.maxFrameBytes {
			return nil, fmt.Errorf("%w: s2 body expands to %v", ErrFrameTooBig, n)
		}
		return s2.Decode(nil, body)
	case magic7b_lz4:
		if d.lz == nil {
			d.lz = lz4.NewReader(nil)
		}
		d.lz.Reset(bytes.NewReader(body))
		var out bytes.Buffer
		// read one past the limit to detect overflow.
		n, err := io.Copy(&out, io.LimitReader(d.lz, int64(d.maxFrameBytes)+1))
		if err != nil {
			return nil, err
		}
		if n > int64(d.maxFrameBytes) {
			return nil, fmt.Errorf("%w: lz4 body expands past %v", ErrFrameTooBig, d.maxFrameBytes)
		}
		return out.Bytes(), nil
	}
	if d.zdec == nil {
		var err error
		d.zdec, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(uint64(d.maxFrameBytes)))
		if err != nil {
			return nil, err
		}
	}
	return d.zdec.DecodeAll(body, nil)
}

func (d *decomp) Close() {
	if d.zdec != nil {
		d.zdec.Close()
	}
}
