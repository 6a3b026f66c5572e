package interop

import (
	"fmt"
	"sync"
	"time"

	"github.com/glycerine/interop/callbacks"
)

var ErrNotInSession = fmt.Errorf("interop: message spec is not part of this session")
var ErrSessionClosed = fmt.Errorf("interop: session is not open")
var ErrWrongDirection = fmt.Errorf("interop: message direction not allowed here")
var ErrNoToken = fmt.Errorf("interop: request payload carries no CompletionToken")
var ErrSessionRejected = fmt.Errorf("interop: peer rejected session")
var ErrSessionDestroyed = fmt.Errorf("interop: session destroyed")
var ErrPeerAborted = fmt.Errorf("interop: peer aborted session")
var ErrHandshakeTimeout = fmt.Errorf("interop: handshake timed out")
var ErrBadTransition = fmt.Errorf("interop: illegal session state transition")

type SessionState int

const (
	Pending   SessionState = 0
	Created   SessionState = 1
	Active    SessionState = 2
	Destroyed SessionState = 3
	Failed    SessionState = 4
)

func (s SessionState) String() string {
	switch s {
	case Pending:
		return "Pending"
	case Created:
		return "Created"
	case Active:
		return "Active"
	case Destroyed:
		return "Destroyed"
	case Failed:
		return "Failed"
	}
	return fmt.Sprintf("SessionState(%d)", int(s))
}

// sessionTransitions lists every legal move.
// Destroyed and Failed are terminal.
var sessionTransitions = map[SessionState][]SessionState{
	Pending: {Created, Destroyed, Failed},
	Created: {Active, Destroyed, Failed},
	Active:  {Destroyed, Failed},
}

func canTransition(from, to SessionState) bool {
	for _, ok := range sessionTransitions[from] {
		if ok == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions exist.
func (s SessionState) Terminal() bool {
	return len(sessionTransitions[s]) == 0
}

// SessionCallbacks is what the connector or driver
// layer supplies for one session. Every call runs on
// the session's Isolate, one at a time, in the order
// the events happened. Nil members are skipped. A
// returned error is traced to the channel's sink.
type SessionCallbacks struct {
	Created   func(s *Session) error
	Received  func(s *Session, msg *Message) error
	Failed    func(s *Session, cause error) error
	Destroyed func(s *Session) error
}

// Session is one typed conversation with one peer,
// multiplexed with others over a shared link.
type Session struct {
	id        string
	ch        *Channel
	lnk       *link
	spec      *SessionSpec
	peer      string
	initiator bool

	iso *callbacks.Isolate
	reg *Registry

	mut        sync.Mutex
	state      SessionState
	cause      error
	hsTimer    *time.Timer
	connectTrg *callbacks.Trigger[*Session]

	// only touched on iso.
	cb SessionCallbacks
}

func newSession(ch *Channel, lnk *link, id string, spec *SessionSpec, initiator bool, reg *Registry) *Session {
	s := &Session{
		id:        id,
		ch:        ch,
		lnk:       lnk,
		spec:      spec,
		peer:      lnk.Peer(),
		initiator: initiator,
		reg:       reg,
	}
	s.iso = callbacks.NewIsolate("session-"+id, ch.sink)
	return s
}

func (s *Session) ID() string { return s.id }
func (s *Session) Peer() string { return s.peer }
func (s *Session) Spec() *SessionSpec { return s.spec }
func (s *Session) Isolate() *callbacks.Isolate { return s.iso }

// Initiator reports whether this side called Connect.
func (s *Session) Initiator() bool { return s.initiator }

func (s *Session) State() (st SessionState) {
	s.mut.Lock()
	st = s.state
	s.mut.Unlock()
	return
}

// Cause is why the session failed or was destroyed, if known.
func (s *Session) Cause() (err error) {
	s.mut.Lock()
	err = s.cause
	s.mut.Unlock()
	return
}

// Pending returns the number of requests awaiting a reply.
func (s *Session) Pending() int {
	return s.reg.Len()
}

func (s *Session) String() string {
	return fmt.Sprintf("Session{%v %v peer=%v %v}", s.id, QualifiedName(s.spec), s.peer, s.State())
}

// SetCallbacks replaces the callbacks. The swap is
// queued on the session's isolate, so it never
// happens while a callback is running.
func (s *Session) SetCallbacks(cb SessionCallbacks) *callbacks.Completion[callbacks.Void] {
	return s.iso.Enqueue(func() error {
		s.cb = cb
		return nil
	})
}

// advance makes the non-terminal move from -> to.
func (s *Session) advance(from, to SessionState) error {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.state != from || !canTransition(from, to) {
		return fmt.Errorf("%w: %v -> %v (currently %v)", ErrBadTransition, from, to, s.state)
	}
	s.state = to
	if s.hsTimer != nil && from == Pending {
		s.hsTimer.Stop()
		s.hsTimer = nil
	}
	return nil
}

func (s *Session) isOpen() bool {
	st := s.State()
	return st == Created || st == Active
}

// Send encodes msg and queues it on the link. It
// does not wait for the peer. Sending a Termination
// message destroys the session locally once queued.
func (s *Session) Send(msg *Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if !s.spec.Has(msg.Spec) {
		return fmt.Errorf("%w: '%v' in %v", ErrNotInSession, msg.Spec.ID, QualifiedName(s.spec))
	}
	if msg.Spec.Direction == Initiation {
		return fmt.Errorf("%w: '%v' is an Initiation message; pass it to Connect", ErrWrongDirection, msg.Spec.ID)
	}
	if st := s.State(); st != Created && st != Active {
		return fmt.Errorf("%w: %v is %v", ErrSessionClosed, s.id, st)
	}
	body, err := encodePayload(msg)
	if err != nil {
		return err
	}
	if err := s.ch.checkBodySize(msg.Spec, body); err != nil {
		return err
	}
	err = s.lnk.send(&frame{
		Kind:        frameData,
		SessionID:   s.id,
		MessageSpec: msg.Spec.ID,
		Body:        body,
	})
	if err != nil {
		return err
	}
	if msg.Spec.Direction == Termination {
		s.finish(Destroyed, nil, 0)
	}
	return nil
}

func encodePayload(msg *Message) ([]byte, error) {
	if msg.Spec.Codec == nil {
		return nil, nil
	}
	return msg.Spec.Codec.Encode(msg.Payload)
}

// Request sends msg and returns a completion for the
// reply: the Reply-purpose message whose payload
// carries the same CompletionToken. A reply payload
// whose ReplyErr is non-nil fails it instead. If the
// session ends first, the completion fails with an
// error wrapping ErrConnectionLost.
func (s *Session) Request(msg *Message) *callbacks.Completion[*Message] {
	if msg == nil {
		return callbacks.Failed[*Message](s.iso, ErrNilSpec)
	}
	tk, ok := msg.Payload.(Tokened)
	if !ok {
		return callbacks.Failed[*Message](s.iso, fmt.Errorf("%w: %T", ErrNoToken, msg.Payload))
	}
	tok := tk.Token()
	c, trig := callbacks.NewDeferred[*Message](s.iso)
	pr := &PendingRequest{Token: tok, Trigger: trig, Sent: time.Now()}
	if err := s.reg.Add(tok, pr); err != nil {
		s.ch.sink.Trace(callbacks.Handled, err, "request refused")
		trig.Fail(err)
		return c
	}
	s.ch.stats.requestSent()

	if err := s.Send(msg); err != nil {
		if got, ok := s.reg.Resolve(tok.MessageID); ok {
			got.Trigger.Fail(err)
		}
		return c
	}
	// a teardown that drained the registry just before
	// our Add would otherwise miss this request.
	if st := s.State(); st.Terminal() {
		if got, ok := s.reg.Resolve(tok.MessageID); ok {
			got.Trigger.Fail(fmt.Errorf("%w: session %v", ErrConnectionLost, st))
			s.ch.stats.requestCancelled(1)
		}
	}
	return c
}

// Destroy closes the session from this side: the peer
// is told, pending requests fail with ErrConnectionLost,
// and Destroyed runs. Calling it again does nothing.
func (s *Session) Destroy() {
	s.finish(Destroyed, nil, frameClose)
}

// finish is the one path into a terminal state.
// notify, if non-zero, is the frame kind to tell the peer.
// It returns false if the session was already finished.
func (s *Session) finish(to SessionState, cause error, notify frameKind) bool {
	s.mut.Lock()
	if s.state.Terminal() {
		s.mut.Unlock()
		return false
	}
	from := s.state
	s.state = to
	s.cause = cause
	if s.hsTimer != nil {
		s.hsTimer.Stop()
		s.hsTimer = nil
	}
	trg := s.connectTrg
	s.connectTrg = nil
	s.mut.Unlock()

	s.ch.removeSession(s)

	if notify != 0 {
		f := &frame{Kind: notify, SessionID: s.id}
		if cause != nil {
			f.Reason = cause.Error()
		}
		// a dead link has nobody to tell.
		s.lnk.send(f)
	}

	cancelCause := cause
	if cancelCause == nil {
		cancelCause = ErrSessionDestroyed
	}
	n := s.reg.CancelAll(cancelCause)
	s.ch.stats.requestCancelled(n)

	if trg != nil {
		trg.Fail(fmt.Errorf("%w: while %v: %w", ErrSessionClosed, from, cancelCause))
	}

	switch to {
	case Destroyed:
		s.ch.stats.sessionDestroyed()
		s.post("Destroyed", func(cb *SessionCallbacks) error {
			if cb.Destroyed == nil {
				return nil
			}
			return cb.Destroyed(s)
		})
	case Failed:
		s.ch.stats.sessionFailed()
		s.post("Failed", func(cb *SessionCallbacks) error {
			if cb.Failed == nil {
				return nil
			}
			return cb.Failed(s, cause)
		})
	}
	// queued callbacks still run; nothing new is accepted.
	s.iso.Close(0)
	return true
}

// post runs a callback on the session isolate.
func (s *Session) post(what string, f func(cb *SessionCallbacks) error) {
	s.iso.Enqueue(func() error {
		if err := f(&s.cb); err != nil {
			s.ch.sink.Trace(callbacks.Handled,
				fmt.Errorf("session %v %v callback: %w", s.id, what, err),
				"session callback returned error")
		}
		return nil
	})
}

// created moves Pending -> Created, runs the Created
// callback, then moves to Active.
func (s *Session) created() error {
	if err := s.advance(Pending, Created); err != nil {
		return err
	}
	s.ch.stats.sessionCreated()
	s.post("Created", func(cb *SessionCallbacks) error {
		var err error
		if cb.Created != nil {
			err = cb.Created(s)
		}
		if err2 := s.advance(Created, Active); err2 != nil {
			pp("session %v not activated: %v", s.id, err2)
		}
		return err
	})
	return nil
}

// receive handles a data frame for this session.
// It runs on the link's reader goroutine.
func (s *Session) receive(f *frame) {
	if !s.isOpen() {
		s.ch.drop(fmt.Errorf("%w: %v is %v", ErrSessionClosed, s.id, s.State()), "data frame for a closed session")
		return
	}
	mspec, ok := s.spec.Message(f.MessageSpec)
	if !ok {
		s.ch.drop(fmt.Errorf("%w: '%v' in %v", ErrNotInSession, f.MessageSpec, QualifiedName(s.spec)), "unknown message spec")
		return
	}
	msg := &Message{Spec: mspec}
	if mspec.Codec != nil {
		payload, err := mspec.Codec.Decode(f.Body)
		if err != nil {
			// no token to blame, so the session hears about it.
			err = fmt.Errorf("session %v message '%v': %w", s.id, mspec.ID, err)
			s.ch.sink.Trace(callbacks.Deferred, err, "payload decode failed")
			s.post("Failed", func(cb *SessionCallbacks) error {
				if cb.Failed == nil {
					return nil
				}
				return cb.Failed(s, err)
			})
			return
		}
		msg.Payload = payload
	}

	if mspec.Purpose == Reply {
		if tk, ok := msg.Payload.(Tokened); ok {
			s.resolve(tk.Token(), msg)
			if mspec.Direction == Termination {
				s.finish(Destroyed, nil, 0)
			}
			return
		}
	}
	s.post("Received", func(cb *SessionCallbacks) error {
		if cb.Received == nil {
			return nil
		}
		return cb.Received(s, msg)
	})
	if mspec.Direction == Termination {
		s.finish(Destroyed, nil, 0)
	}
}

func (s *Session) resolve(tok CompletionToken, msg *Message) {
	pr, ok := s.reg.Resolve(tok.MessageID)
	if !ok {
		s.ch.sink.Trace(callbacks.Ignored,
			fmt.Errorf("%w: %v on session %v", ErrUnknownToken, tok, s.id),
			"reply dropped")
		s.ch.stats.replyUnmatched()
		return
	}
	s.ch.stats.requestResolved(time.Since(pr.Sent))
	if rf, ok := msg.Payload.(ReplyFailure); ok {
		if err := rf.ReplyErr(); err != nil {
			pr.Trigger.Fail(err)
			return
		}
	}
	pr.Trigger.Succeed(msg)
}
