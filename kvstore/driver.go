package kvstore

import (
	"fmt"
	"sync/atomic"

	"github.com/glycerine/interop"
)

// Driver serves the kv session for any number of
// connectors. Each session's requests are handled on
// that session's isolate, one at a time, in the order
// they arrived; the keys are shared by all sessions.
type Driver struct {
	ch    *interop.Channel
	store *Mutexmap[string, string]

	served   atomic.Int64
	sessions atomic.Int64

	// called before each request is served; tests
	// use it to hold a session's requests.
	beforeServe func(s *interop.Session, key string)
}

// NewDriver makes ch accept kv sessions.
func NewDriver(ch *interop.Channel) (*Driver, error) {
	d := &Driver{
		ch:    ch,
		store: NewMutexmap[string, string](),
	}
	if err := ch.Accept(Spec().Mirror(), d.accept); err != nil {
		return nil, err
	}
	return d, nil
}

// Served returns the number of requests answered.
func (d *Driver) Served() int64 {
	return d.served.Load()
}

// Sessions returns the number of live kv sessions.
func (d *Driver) Sessions() int64 {
	return d.sessions.Load()
}

func (d *Driver) Len() int {
	return d.store.Len()
}

func (d *Driver) accept(s *interop.Session, init *interop.Message) (interop.SessionCallbacks, error) {
	if init == nil || init.Spec != OpenMsg {
		return interop.SessionCallbacks{}, fmt.Errorf("kv sessions start with %v", OpenMsg.ID)
	}
	d.sessions.Add(1)
	gone := func(s *interop.Session) error {
		d.sessions.Add(-1)
		vv("kv session %v from '%v' ended: %v", s.ID(), s.Peer(), s.State())
		return nil
	}
	return interop.SessionCallbacks{
		Received:  d.received,
		Destroyed: gone,
		Failed: func(s *interop.Session, cause error) error {
			if s.State() == interop.Failed {
				return gone(s)
			}
			// still open; a message could not be read.
			alwaysPrintf("kv session %v: %v", s.ID(), cause)
			return nil
		},
	}, nil
}

func (d *Driver) received(s *interop.Session, m *interop.Message) error {
	if m.Spec == CloseMsg {
		// the session ends once this returns.
		return nil
	}
	var r Reply
	switch req := m.Payload.(type) {
	case *PutRequest:
		d.hook(s, req.Key)
		r.Tok = req.Tok
		d.store.Set(req.Key, req.Value)
		r.Found = true
	case *GetRequest:
		d.hook(s, req.Key)
		r.Tok = req.Tok
		r.Value, r.Found = d.store.Get(req.Key)
	case *DeleteRequest:
		d.hook(s, req.Key)
		r.Tok = req.Tok
		r.Found = d.store.Del(req.Key)
	default:
		return fmt.Errorf("kv driver: unexpected %v", m)
	}
	d.served.Add(1)
	return s.Send(interop.NewMessage(ReplyMsg, &r))
}

func (d *Driver) hook(s *interop.Session, key string) {
	if d.beforeServe != nil {
		d.beforeServe(s, key)
	}
}
