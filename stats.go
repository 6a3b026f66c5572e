package interop

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	tdigest "github.com/caio/go-tdigest"
)

// Stats is a point-in-time snapshot of a Channel's counters.
type Stats struct {
	FramesIn      int64
	FramesOut     int64
	BytesIn       int64
	BytesOut      int64
	FramesDropped int64

	SessionsCreated   int64
	SessionsDestroyed int64
	SessionsFailed    int64

	RequestsSent      int64
	RequestsResolved  int64
	RequestsCancelled int64
	RepliesUnmatched  int64

	// request round trip quantiles, over resolved requests.
	RTTCount uint64
	RTTp50   time.Duration
	RTTp99   time.Duration
	RTTp999  time.Duration
}

func (s Stats) String() string {
	return fmt.Sprintf("Stats{frames in/out=%v/%v bytes in/out=%v/%v dropped=%v "+
		"sessions created/destroyed/failed=%v/%v/%v "+
		"requests sent/resolved/cancelled=%v/%v/%v unmatched=%v "+
		"rtt n=%v p50=%v p99=%v p999=%v}",
		s.FramesIn, s.FramesOut, s.BytesIn, s.BytesOut, s.FramesDropped,
		s.SessionsCreated, s.SessionsDestroyed, s.SessionsFailed,
		s.RequestsSent, s.RequestsResolved, s.RequestsCancelled, s.RepliesUnmatched,
		s.RTTCount, s.RTTp50, s.RTTp99, s.RTTp999)
}

type stats struct {
	framesIn      atomic.Int64
	framesOut     atomic.Int64
	bytesIn       atomic.Int64
	bytesOut      atomic.Int64
	framesDropped atomic.Int64

	sessionsCreated   atomic.Int64
	sessionsDestroyed atomic.Int64
	sessionsFailed    atomic.Int64

	requestsSent      atomic.Int64
	requestsResolved  atomic.Int64
	requestsCancelled atomic.Int64
	repliesUnmatched  atomic.Int64

	mut sync.Mutex
	td  *tdigest.TDigest
}

func newStats() *stats {
	td, err := tdigest.New(tdigest.Compression(100))
	panicOn(err)
	return &stats{td: td}
}

func (s *stats) frameIn(n int) {
	s.framesIn.Add(1)
	s.bytesIn.Add(int64(n))
}

func (s *stats) frameOut(n int) {
	s.framesOut.Add(1)
	s.bytesOut.Add(int64(n))
}

func (s *stats) frameDropped()     { s.framesDropped.Add(1) }
func (s *stats) sessionCreated()   { s.sessionsCreated.Add(1) }
func (s *stats) sessionDestroyed() { s.sessionsDestroyed.Add(1) }
func (s *stats) sessionFailed()    { s.sessionsFailed.Add(1) }
func (s *stats) requestSent()      { s.requestsSent.Add(1) }
func (s *stats) replyUnmatched()   { s.repliesUnmatched.Add(1) }

func (s *stats) requestCancelled(n int) {
	s.requestsCancelled.Add(int64(n))
}

func (s *stats) requestResolved(rtt time.Duration) {
	s.requestsResolved.Add(1)
	s.mut.Lock()
	err := s.td.Add(float64(rtt)) // nanoseconds
	s.mut.Unlock()
	panicOn(err)
}

func (s *stats) snapshot() (r Stats) {
	r = Stats{
		FramesIn:          s.framesIn.Load(),
		FramesOut:         s.framesOut.Load(),
		BytesIn:           s.bytesIn.Load(),
		BytesOut:          s.bytesOut.Load(),
		FramesDropped:     s.framesDropped.Load(),
		SessionsCreated:   s.sessionsCreated.Load(),
		SessionsDestroyed: s.sessionsDestroyed.Load(),
		SessionsFailed:    s.sessionsFailed.Load(),
		RequestsSent:      s.requestsSent.Load(),
		RequestsResolved:  s.requestsResolved.Load(),
		RequestsCancelled: s.requestsCancelled.Load(),
		RepliesUnmatched:  s.repliesUnmatched.Load(),
	}
	s.mut.Lock()
	r.RTTCount = s.td.Count()
	if r.RTTCount > 0 {
		r.RTTp50 = time.Duration(s.td.Quantile(0.50))
		r.RTTp99 = time.Duration(s.td.Quantile(0.99))
		r.RTTp999 = time.Duration(s.td.Quantile(0.999))
	}
	s.mut.Unlock()
	return
}
