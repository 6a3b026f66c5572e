package hash

import (
	"bytes"
	"fmt"
	"sync"

	cristalbase64 "github.com/cristalhq/base64"
	"github.com/glycerine/blake3"
)

// SumLen is the length in bytes of a frame checksum.
const SumLen = 32

var ErrChecksumMismatch = fmt.Errorf("hash: blake3 checksum mismatch")

// Blake3 computes frame checksums. It is goroutine
// safe; a link keeps one per direction so the reader
// and writer never contend.
type Blake3 struct {
	mut    sync.Mutex
	hasher *blake3.Hasher
}

// NewBlake3 creates a new Blake3.
func NewBlake3() *Blake3 {
	return &Blake3{
		hasher: blake3.New(64, nil),
	}
}

// Sum256 returns the first 32 bytes of the 512-bit
// digest of by.
func (b *Blake3) Sum256(by []byte) (digest []byte) {
	b.mut.Lock()
	b.hasher.Reset()
	b.hasher.Write(by)
	digest = b.hasher.Sum(nil)
	b.mut.Unlock()
	return digest[:SumLen]
}

// Verify returns nil if sum is the checksum of by.
func (b *Blake3) Verify(by, sum []byte) error {
	got := b.Sum256(by)
	if !bytes.Equal(got, sum) {
		return fmt.Errorf("%w: got '%v', frame says '%v'",
			ErrChecksumMismatch, SumString(got), SumString(sum))
	}
	return nil
}

// Blake3OfBytes is goroutine safe and lock free, since
// it creates a new hasher every time.
func Blake3OfBytes(by []byte) []byte {
	h := blake3.New(64, nil)
	h.Write(by)
	return h.Sum(nil)[:SumLen]
}

// SumString renders a checksum for logs.
func SumString(sum []byte) string {
	return "blake3.32B-" + cristalbase64.URLEncoding.EncodeToString(sum)
}
