package hash

import (
	"errors"
	"sync"
	"testing"

	cv "github.com/glycerine/goconvey/convey"
)

func Test001_frame_checksum(t *testing.T) {

	cv.Convey("Sum256 matches the lock free Blake3OfBytes, and Verify catches a flipped bit", t, func() {
		b3 := NewBlake3()
		data := []byte("hello world!")
		sum := b3.Sum256(data)
		cv.So(len(sum), cv.ShouldEqual, SumLen)
		cv.So(sum, cv.ShouldResemble, Blake3OfBytes(data))
		cv.So(b3.Verify(data, sum), cv.ShouldBeNil)

		bad := append([]byte{}, data...)
		bad[0] ^= 1
		err := b3.Verify(bad, sum)
		cv.So(errors.Is(err, ErrChecksumMismatch), cv.ShouldBeTrue)
		cv.So(SumString(sum)[:11], cv.ShouldEqual, "blake3.32B-")
	})

	cv.Convey("a shared Blake3 gives the same answer from many goroutines", t, func() {
		b3 := NewBlake3()
		want := Blake3OfBytes([]byte("abc"))
		var wg sync.WaitGroup
		bad := make(chan []byte, 100)
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 50; j++ {
					if got := b3.Sum256([]byte("abc")); string(got) != string(want) {
						bad <- got
					}
				}
			}()
		}
		wg.Wait()
		close(bad)
		cv.So(len(bad), cv.ShouldEqual, 0)
	})
}
