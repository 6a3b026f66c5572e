package interop

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/glycerine/idem"
	"github.com/glycerine/interop/callbacks"
)

var ErrChannelTerminated = fmt.Errorf("interop: channel terminated")
var ErrTerminateTimeout = fmt.Errorf("interop: timeout waiting for channel I/O to stop")
var ErrUnknownPeer = fmt.Errorf("interop: no link to peer")
var ErrUnknownSession = fmt.Errorf("interop: no such session")
var ErrNotAccepting = fmt.Errorf("interop: no accepted session spec matches")

// AcceptFunc decides whether to take an inbound
// session, and supplies its callbacks. init is the
// initiator's Initiation message, or nil. A non-nil
// error rejects the session; its text goes back to
// the initiator. It runs on the new session's isolate.
type AcceptFunc func(s *Session, init *Message) (SessionCallbacks, error)

type acceptEntry struct {
	spec    *SessionSpec
	factory AcceptFunc
}

// Channel owns the links to its peers and every
// session multiplexed over them.
//
// Locking: specMut, linkMut and sessMut each guard
// only their own table, and none is ever held while
// taking another, or while taking a Session's or
// Registry's lock.
type Channel struct {
	cfg      *Config
	identity string
	sink     callbacks.Sink
	stats    *stats

	specMut    sync.Mutex
	registered map[string]*SessionSpec
	accepting  []*acceptEntry

	linkMut     sync.Mutex
	links       map[*link]bool
	byPeer      map[string]*link
	lsns        []net.Listener
	terminating bool

	sessMut  sync.Mutex
	sessions map[string]*Session
	// set once terminate has taken its final snapshot
	// of sessions; nothing is added after that.
	sessionsClosed bool

	termOnce sync.Once
	termErr  error

	// counts accept loops and link I/O goroutines.
	ioWG sync.WaitGroup

	Halt *idem.Halter
}

// NewChannel makes a channel. A nil cfg means NewConfig().
func NewChannel(cfg *Config) (*Channel, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	// our own copy; the caller may reuse theirs.
	c := *cfg
	cfg = &c
	if cfg.Identity == "" {
		cfg.Identity = NewIdentity("ch")
	}
	ch := &Channel{
		cfg:        cfg,
		identity:   cfg.Identity,
		sink:       cfg.sink(),
		stats:      newStats(),
		registered: make(map[string]*SessionSpec),
		links:      make(map[*link]bool),
		byPeer:     make(map[string]*link),
		sessions:   make(map[string]*Session),
		Halt:       idem.NewHalterNamed("Channel(" + cfg.Identity + ")"),
	}
	return ch, nil
}

// Identity is how peers know this channel.
func (ch *Channel) Identity() string {
	return ch.identity
}

func (ch *Channel) Stats() Stats {
	return ch.stats.snapshot()
}

func (ch *Channel) String() string {
	return fmt.Sprintf("Channel{%v peers=%v sessions=%v}", ch.identity, len(ch.Peers()), len(ch.Sessions()))
}

// Register declares that this channel can take part
// in sessions of spec, as spec.Self. Registering the
// same spec again is a no-op; a different spec with
// the same ID and roles is an error.
func (ch *Channel) Register(spec *SessionSpec) error {
	if spec == nil || spec.byID == nil {
		return fmt.Errorf("%w: use NewSessionSpec", ErrBadSpec)
	}
	key := spec.ID + "/" + spec.Self.ID
	ch.specMut.Lock()
	defer ch.specMut.Unlock()
	if prior, ok := ch.registered[key]; ok && prior != spec {
		return fmt.Errorf("%w: %v already registered", ErrBadSpec, QualifiedName(spec))
	}
	ch.registered[key] = spec
	return nil
}

// Accept makes this channel the responder for spec:
// inbound opens from a peer playing spec.Peer are
// handed to factory. Accept implies Register.
func (ch *Channel) Accept(spec *SessionSpec, factory AcceptFunc) error {
	if factory == nil {
		return fmt.Errorf("%w: nil AcceptFunc", ErrBadSpec)
	}
	if err := ch.Register(spec); err != nil {
		return err
	}
	ch.specMut.Lock()
	ch.accepting = append(ch.accepting, &acceptEntry{spec: spec, factory: factory})
	ch.specMut.Unlock()
	return nil
}

func (ch *Channel) matchAccept(f *frame) (e *acceptEntry, known bool) {
	ch.specMut.Lock()
	defer ch.specMut.Unlock()
	for _, a := range ch.accepting {
		if a.spec.answers(f.SessionSpec, f.SelfRole, f.PeerRole) {
			return a, true
		}
	}
	for _, r := range ch.registered {
		if r.ID == f.SessionSpec {
			known = true
		}
	}
	return nil, known
}

// AcceptEndpoint listens on addr for peer links. The
// returned address has the real port when addr asked
// for port 0.
func (ch *Channel) AcceptEndpoint(addr string) (net.Addr, error) {
	lsn, err := ch.cfg.transport().Listen(addr)
	if err != nil {
		return nil, err
	}
	if ch.cfg.MaxInboundLinks > 0 {
		lsn = newLimitListener(lsn, ch.cfg.MaxInboundLinks)
	}
	ch.linkMut.Lock()
	if ch.terminating {
		ch.linkMut.Unlock()
		lsn.Close()
		return nil, ErrChannelTerminated
	}
	ch.lsns = append(ch.lsns, lsn)
	ch.ioWG.Add(1)
	ch.linkMut.Unlock()

	go ch.acceptLoop(lsn)
	return lsn.Addr(), nil
}

func (ch *Channel) acceptLoop(lsn net.Listener) {
	defer ch.ioWG.Done()
	for {
		conn, err := lsn.Accept()
		if err != nil {
			if !ch.isTerminating() {
				ch.sink.Trace(callbacks.Ignored, err, "listener stopped")
			}
			return
		}
		if _, err := ch.startLink(conn, false); err != nil {
			conn.Close()
			if err == ErrChannelTerminated {
				return
			}
			ch.sink.Trace(callbacks.Handled, err, "could not start inbound link")
		}
	}
}

// ConnectEndpoint dials addr, exchanges hellos, and
// returns the peer's identity for use with Connect.
func (ch *Channel) ConnectEndpoint(ctx context.Context, addr string) (peer string, err error) {
	if ch.cfg.ConnectTimeout > 0 {
		var canc context.CancelFunc
		ctx, canc = context.WithTimeout(ctx, ch.cfg.ConnectTimeout)
		defer canc()
	}
	conn, err := ch.cfg.transport().Dial(ctx, addr)
	if err != nil {
		return "", err
	}
	l, err := ch.startLink(conn, true)
	if err != nil {
		conn.Close()
		return "", err
	}

	var hs <-chan time.Time
	if ch.cfg.HandshakeTimeout > 0 {
		t := time.NewTimer(ch.cfg.HandshakeTimeout)
		defer t.Stop()
		hs = t.C
	}
	select {
	case <-l.helloCh:
		return l.Peer(), nil
	case <-l.Halt.ReqStop.Chan:
		l.mut.Lock()
		err = l.failErr
		l.mut.Unlock()
		if err == nil {
			err = ErrLinkClosed
		}
		return "", err
	case <-hs:
		l.fail(ErrHandshakeTimeout)
		return "", ErrHandshakeTimeout
	case <-ctx.Done():
		l.fail(ctx.Err())
		return "", ctx.Err()
	}
}

func (ch *Channel) startLink(conn net.Conn, outbound bool) (*link, error) {
	l, err := newLink(ch, conn, outbound)
	if err != nil {
		return nil, err
	}
	ch.linkMut.Lock()
	if ch.terminating {
		ch.linkMut.Unlock()
		return nil, ErrChannelTerminated
	}
	ch.links[l] = true
	ch.ioWG.Add(1)
	ch.linkMut.Unlock()

	l.start(func() {
		ch.linkGone(l)
		ch.ioWG.Done()
	})
	return l, nil
}

// linkReady runs once the peer's hello is in.
// The first live link to a peer carries new sessions.
func (ch *Channel) linkReady(l *link) {
	peer := l.Peer()
	ch.linkMut.Lock()
	if cur, ok := ch.byPeer[peer]; !ok || cur == nil {
		ch.byPeer[peer] = l
	}
	ch.linkMut.Unlock()
	pp("%v: link up to '%v'", ch.identity, peer)
}

func (ch *Channel) linkGone(l *link) {
	peer := l.Peer()
	ch.linkMut.Lock()
	delete(ch.links, l)
	if ch.byPeer[peer] == l {
		delete(ch.byPeer, peer)
		// fall back to another link to the same peer, if any.
		for o := range ch.links {
			if o.Peer() == peer && o.isReady() {
				ch.byPeer[peer] = o
				break
			}
		}
	}
	ch.linkMut.Unlock()
}

// linkFailed fails every session riding on l.
func (ch *Channel) linkFailed(l *link, cause error) {
	ch.linkGone(l)
	for _, s := range ch.sessionsOn(l) {
		s.finish(Failed, fmt.Errorf("%w: %w", ErrConnectionLost, cause), 0)
	}
}

func (ch *Channel) linkTo(peer string) (*link, bool) {
	ch.linkMut.Lock()
	l, ok := ch.byPeer[peer]
	ch.linkMut.Unlock()
	return l, ok
}

// Peers lists the identities with a live link, sorted.
func (ch *Channel) Peers() (peers []string) {
	ch.linkMut.Lock()
	for p := range ch.byPeer {
		peers = append(peers, p)
	}
	ch.linkMut.Unlock()
	sort.Strings(peers)
	return
}

func (ch *Channel) isTerminating() (b bool) {
	ch.linkMut.Lock()
	b = ch.terminating
	ch.linkMut.Unlock()
	return
}

func (ch *Channel) addSession(s *Session) error {
	ch.sessMut.Lock()
	defer ch.sessMut.Unlock()
	if ch.sessionsClosed {
		return ErrChannelTerminated
	}
	if _, dup := ch.sessions[s.id]; dup {
		return fmt.Errorf("%w: duplicate session id '%v'", ErrBadFrame, s.id)
	}
	ch.sessions[s.id] = s
	return nil
}

func (ch *Channel) removeSession(s *Session) {
	ch.sessMut.Lock()
	if ch.sessions[s.id] == s {
		delete(ch.sessions, s.id)
	}
	ch.sessMut.Unlock()
}

func (ch *Channel) session(id string) (s *Session, ok bool) {
	ch.sessMut.Lock()
	s, ok = ch.sessions[id]
	ch.sessMut.Unlock()
	return
}

// Sessions returns the live sessions, ordered by id.
func (ch *Channel) Sessions() (ss []*Session) {
	ch.sessMut.Lock()
	for _, s := range ch.sessions {
		ss = append(ss, s)
	}
	ch.sessMut.Unlock()
	sort.Slice(ss, func(i, j int) bool { return ss[i].id < ss[j].id })
	return
}

func (ch *Channel) sessionsOn(l *link) (ss []*Session) {
	ch.sessMut.Lock()
	for _, s := range ch.sessions {
		if s.lnk == l {
			ss = append(ss, s)
		}
	}
	ch.sessMut.Unlock()
	return
}

// Connect opens a session of spec with peer, which
// must already be linked via ConnectEndpoint or an
// inbound link. init, if not nil, must be one of
// spec's Initiation messages; the peer's AcceptFunc
// gets it. cb runs on the new session's isolate. The
// returned completion succeeds once the peer accepts,
// after cb.Created has been queued.
func (ch *Channel) Connect(peer string, spec *SessionSpec, init *Message, cb SessionCallbacks) *callbacks.Completion[*Session] {
	if err := ch.Register(spec); err != nil {
		return callbacks.Failed[*Session](nil, err)
	}
	if ch.isTerminating() {
		return callbacks.Failed[*Session](nil, ErrChannelTerminated)
	}
	l, ok := ch.linkTo(peer)
	if !ok {
		return callbacks.Failed[*Session](nil, fmt.Errorf("%w: '%v'", ErrUnknownPeer, peer))
	}
	f := &frame{
		Kind:        frameOpen,
		SessionSpec: spec.ID,
		SelfRole:    spec.Self.ID,
		PeerRole:    spec.Peer.ID,
	}
	if init != nil {
		if err := init.Validate(); err != nil {
			return callbacks.Failed[*Session](nil, err)
		}
		if !spec.Has(init.Spec) {
			return callbacks.Failed[*Session](nil, fmt.Errorf("%w: '%v'", ErrNotInSession, init.Spec.ID))
		}
		if init.Spec.Direction != Initiation {
			return callbacks.Failed[*Session](nil, fmt.Errorf("%w: init '%v' is %v", ErrWrongDirection, init.Spec.ID, init.Spec.Direction))
		}
		body, err := encodePayload(init)
		if err != nil {
			return callbacks.Failed[*Session](nil, err)
		}
		if err := ch.checkBodySize(init.Spec, body); err != nil {
			return callbacks.Failed[*Session](nil, err)
		}
		f.MessageSpec = init.Spec.ID
		f.Body = body
	}

	s := newSession(ch, l, NewCallID(), spec, true, NewRegistry())
	s.cb = cb
	f.SessionID = s.id
	c, trig := callbacks.NewDeferred[*Session](s.iso)
	s.connectTrg = trig
	if err := ch.addSession(s); err != nil {
		s.iso.Close(0)
		trig.Fail(err)
		return c
	}
	if ch.cfg.HandshakeTimeout > 0 {
		s.mut.Lock()
		s.hsTimer = time.AfterFunc(ch.cfg.HandshakeTimeout, func() {
			if s.State() == Pending {
				s.finish(Failed, ErrHandshakeTimeout, frameAbort)
			}
		})
		s.mut.Unlock()
	}
	if err := l.send(f); err != nil {
		s.finish(Failed, err, 0)
	}
	return c
}

// dispatch routes one inbound frame. It runs on the
// link's reader goroutine. Frames nobody can use are
// traced and dropped; the link stays up.
func (ch *Channel) dispatch(l *link, f *frame) {
	if f.Kind == frameOpen {
		ch.handleOpen(l, f)
		return
	}
	s, ok := ch.session(f.SessionID)
	if !ok || s.lnk != l {
		ch.drop(fmt.Errorf("%w: '%v' (%v)", ErrUnknownSession, f.SessionID, f.Kind), "frame for unknown session")
		return
	}
	switch f.Kind {
	case frameOpenAck:
		if !s.initiator {
			ch.drop(fmt.Errorf("%w: openAck to responder", ErrBadFrame), "unexpected openAck")
			return
		}
		if err := s.created(); err != nil {
			ch.drop(err, "late openAck")
			return
		}
		s.mut.Lock()
		trg := s.connectTrg
		s.connectTrg = nil
		s.mut.Unlock()
		if trg != nil {
			trg.Succeed(s)
		}
	case frameOpenReject:
		s.finish(Failed, fmt.Errorf("%w: %v", ErrSessionRejected, f.Reason), 0)
	case frameData:
		s.receive(f)
	case frameClose:
		s.finish(Destroyed, nil, 0)
	case frameAbort:
		s.finish(Failed, fmt.Errorf("%w: %v", ErrPeerAborted, f.Reason), 0)
	default:
		ch.drop(fmt.Errorf("%w: unexpected %v", ErrBadFrame, f.Kind), "frame dropped")
	}
}

// checkBodySize refuses, before anything is queued,
// a body the link would never carry.
func (ch *Channel) checkBodySize(mspec *MessageSpec, body []byte) error {
	if len(body) > ch.cfg.MaxFrameBytes {
		return fmt.Errorf("%w: '%v' encodes to %v bytes; MaxFrameBytes is %v",
			ErrFrameTooBig, mspec.ID, len(body), ch.cfg.MaxFrameBytes)
	}
	return nil
}

func (ch *Channel) drop(err error, msg string) {
	ch.stats.frameDropped()
	ch.sink.Trace(callbacks.Ignored, err, msg)
}

func (ch *Channel) reject(l *link, f *frame, reason error) {
	ch.drop(reason, "session open rejected")
	l.send(&frame{Kind: frameOpenReject, SessionID: f.SessionID, Reason: reason.Error()})
}

func (ch *Channel) handleOpen(l *link, f *frame) {
	if ch.isTerminating() {
		ch.reject(l, f, ErrChannelTerminated)
		return
	}
	entry, known := ch.matchAccept(f)
	if entry == nil {
		if known {
			ch.reject(l, f, fmt.Errorf("%w: %v as %v", ErrNotAccepting, f.SessionSpec, f.PeerRole))
		} else {
			ch.reject(l, f, fmt.Errorf("%w: unknown session spec '%v'", ErrNotAccepting, f.SessionSpec))
		}
		return
	}
	var init *Message
	if f.MessageSpec != "" {
		mspec, ok := entry.spec.Message(f.MessageSpec)
		if !ok || mspec.Direction != Initiation {
			ch.reject(l, f, fmt.Errorf("%w: bad init message '%v'", ErrWrongDirection, f.MessageSpec))
			return
		}
		init = &Message{Spec: mspec}
		if mspec.Codec != nil {
			payload, err := mspec.Codec.Decode(f.Body)
			if err != nil {
				ch.reject(l, f, err)
				return
			}
			init.Payload = payload
		}
	}

	s := newSession(ch, l, f.SessionID, entry.spec, false, NewRegistry())
	if err := ch.addSession(s); err != nil {
		s.iso.Close(0)
		ch.reject(l, f, err)
		return
	}
	s.iso.Enqueue(func() error {
		cb, err := entry.factory(s, init)
		if err != nil {
			l.send(&frame{Kind: frameOpenReject, SessionID: s.id, Reason: err.Error()})
			s.finish(Failed, fmt.Errorf("%w: %w", ErrSessionRejected, err), 0)
			return nil
		}
		s.cb = cb
		if s.State() != Pending {
			// torn down while we decided.
			return nil
		}
		// Created before the ack goes out, so the session
		// can send as soon as the initiator can.
		if err := s.created(); err != nil {
			return nil
		}
		if err := l.send(&frame{Kind: frameOpenAck, SessionID: s.id}); err != nil {
			s.finish(Failed, err, 0)
		}
		return nil
	})
}

// Terminate stops accepting links and sessions,
// destroys every session (failing all pending
// requests), closes links and listeners, and waits up
// to timeout for the I/O goroutines to exit. Sockets
// are closed either way; ErrTerminateTimeout only
// says the wait ran out. A zero timeout does not
// wait; a negative one waits forever. Later calls
// return the first result.
func (ch *Channel) Terminate(timeout time.Duration) error {
	ch.termOnce.Do(func() {
		ch.termErr = ch.terminate(timeout)
	})
	return ch.termErr
}

func (ch *Channel) terminate(timeout time.Duration) error {
	ch.linkMut.Lock()
	ch.terminating = true
	lsns := ch.lsns
	ch.lsns = nil
	ch.linkMut.Unlock()
	ch.Halt.ReqStop.Close()

	for _, lsn := range lsns {
		lsn.Close()
	}
	ch.sessMut.Lock()
	ch.sessionsClosed = true
	var live []*Session
	for _, s := range ch.sessions {
		live = append(live, s)
	}
	ch.sessMut.Unlock()
	for _, s := range live {
		s.finish(Destroyed, ErrChannelTerminated, frameClose)
	}

	ch.linkMut.Lock()
	var links []*link
	for l := range ch.links {
		links = append(links, l)
	}
	ch.linkMut.Unlock()
	for _, l := range links {
		l.close()
	}

	done := make(chan struct{})
	go func() {
		ch.ioWG.Wait()
		ch.Halt.Done.Close()
		close(done)
	}()
	var err error
	switch {
	case timeout < 0:
		<-done
	case timeout == 0:
	default:
		select {
		case <-done:
		case <-time.After(timeout):
			for _, l := range links {
				l.forceClose()
			}
			err = fmt.Errorf("%w: after %v", ErrTerminateTimeout, timeout)
		}
	}
	return err
}
