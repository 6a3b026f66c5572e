package interop

import (
	"fmt"
)

var ErrBadSpec = fmt.Errorf("interop: malformed specification")

// Direction says where in a session's life a message
// may appear. Receiving or sending a Termination
// message ends the session.
type Direction int

const (
	Initiation  Direction = 1
	Exchange    Direction = 2
	Termination Direction = 3
)

func (d Direction) String() string {
	switch d {
	case Initiation:
		return "Initiation"
	case Exchange:
		return "Exchange"
	case Termination:
		return "Termination"
	}
	return fmt.Sprintf("Direction(%d)", int(d))
}

// Purpose tags what a message does to request
// correlation. A Reply resolves the pending Request
// whose CompletionToken it carries.
type Purpose int

const (
	Cast    Purpose = 0 // one-way; nothing pending.
	Request Purpose = 1
	Reply   Purpose = 2
	Control Purpose = 3
)

func (p Purpose) String() string {
	switch p {
	case Cast:
		return "Cast"
	case Request:
		return "Request"
	case Reply:
		return "Reply"
	case Control:
		return "Control"
	}
	return fmt.Sprintf("Purpose(%d)", int(p))
}

// Specification is the closed set of things that
// can be specified: *MessageSpec, Role and
// *SessionSpec. Only this package can add variants.
type Specification interface {
	specification()
}

// MessageSpec is the contract for one kind of
// message. A nil Codec means the message is
// control-only and carries no payload.
type MessageSpec struct {
	ID        string
	Direction Direction
	Purpose   Purpose
	Codec     Codec
}

func (*MessageSpec) specification() {}

func (m *MessageSpec) String() string {
	return fmt.Sprintf("MessageSpec{%v %v %v}", m.ID, m.Direction, m.Purpose)
}

// Role names one side of a session.
type Role struct {
	ID string
}

func (Role) specification() {}

// SessionSpec is (self role, peer role, message set).
// The responder registers the Mirror of what the
// initiator registers.
type SessionSpec struct {
	ID       string
	Self     Role
	Peer     Role
	Messages []*MessageSpec

	byID map[string]*MessageSpec
}

func (*SessionSpec) specification() {}

// NewSessionSpec checks the message set for empty
// or duplicate identifiers.
func NewSessionSpec(id string, self, peer Role, msgs ...*MessageSpec) (*SessionSpec, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: session spec needs an ID", ErrBadSpec)
	}
	if self.ID == "" || peer.ID == "" {
		return nil, fmt.Errorf("%w: session spec '%v' needs both roles", ErrBadSpec, id)
	}
	s := &SessionSpec{
		ID:       id,
		Self:     self,
		Peer:     peer,
		Messages: msgs,
		byID:     make(map[string]*MessageSpec),
	}
	for _, m := range msgs {
		if m == nil || m.ID == "" {
			return nil, fmt.Errorf("%w: session spec '%v' has a message with no ID", ErrBadSpec, id)
		}
		if _, dup := s.byID[m.ID]; dup {
			return nil, fmt.Errorf("%w: session spec '%v' lists message '%v' twice", ErrBadSpec, id, m.ID)
		}
		s.byID[m.ID] = m
	}
	return s, nil
}

// Message looks up a member message spec by ID.
func (s *SessionSpec) Message(id string) (m *MessageSpec, ok bool) {
	m, ok = s.byID[id]
	return
}

// Has reports whether m is in the message set.
func (s *SessionSpec) Has(m *MessageSpec) bool {
	if m == nil {
		return false
	}
	got, ok := s.byID[m.ID]
	return ok && got == m
}

// Mirror returns the same session seen from the
// peer: roles swapped, same message set.
func (s *SessionSpec) Mirror() *SessionSpec {
	return &SessionSpec{
		ID:       s.ID,
		Self:     s.Peer,
		Peer:     s.Self,
		Messages: s.Messages,
		byID:     s.byID,
	}
}

// answers reports whether s can respond to an open
// sent by a peer that calls itself peerSelf and us peerPeer.
func (s *SessionSpec) answers(sspecID, peerSelf, peerPeer string) bool {
	return s.ID == sspecID && s.Self.ID == peerPeer && s.Peer.ID == peerSelf
}

func (s *SessionSpec) String() string {
	return fmt.Sprintf("SessionSpec{%v: %v->%v, %v messages}", s.ID, s.Self.ID, s.Peer.ID, len(s.Messages))
}

// QualifiedName gives a log and wire friendly name
// for any specification.
func QualifiedName(spec Specification) string {
	switch x := spec.(type) {
	case *MessageSpec:
		return "message:" + x.ID
	case Role:
		return "role:" + x.ID
	case *SessionSpec:
		return "session:" + x.ID + "/" + x.Self.ID + "->" + x.Peer.ID
	}
	return "unknown"
}
