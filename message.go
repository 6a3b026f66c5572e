package interop

import (
	cryrand "crypto/rand"
	"fmt"
	mathrand2 "math/rand/v2"
	"sync"

	cristalbase64 "github.com/cristalhq/base64"
	"github.com/glycerine/base58"
)

var ErrNilSpec = fmt.Errorf("interop: message has no specification")
var ErrControlPayload = fmt.Errorf("interop: control-only message carries a payload")

// Message is one typed unit exchanged on a session.
// Payload is whatever Spec.Codec encodes and decodes;
// it must be nil when Spec.Codec is nil.
type Message struct {
	Spec    *MessageSpec
	Payload any
}

func NewMessage(spec *MessageSpec, payload any) *Message {
	return &Message{Spec: spec, Payload: payload}
}

func (m *Message) Validate() error {
	if m == nil || m.Spec == nil {
		return ErrNilSpec
	}
	if m.Spec.Codec == nil && m.Payload != nil {
		return fmt.Errorf("%w: '%v'", ErrControlPayload, m.Spec.ID)
	}
	return nil
}

func (m *Message) String() string {
	if m == nil || m.Spec == nil {
		return "Message{nil}"
	}
	return fmt.Sprintf("Message{%v: %v}", m.Spec.ID, m.Payload)
}

// CompletionToken links a request to its eventual
// reply. The reply payload echoes the request's token.
type CompletionToken struct {
	MessageID string `json:"messageID"`
	ClientID  string `json:"clientID"`
}

func NewCompletionToken(clientID string) CompletionToken {
	return CompletionToken{MessageID: NewCallID(), ClientID: clientID}
}

func (t CompletionToken) String() string {
	return fmt.Sprintf("token(%v from %v)", t.MessageID, t.ClientID)
}

// Tokened payloads carry a CompletionToken. Request
// and Reply payloads must implement it.
type Tokened interface {
	Token() CompletionToken
}

// ReplyFailure is implemented by reply payloads that
// can report a remote failure. A non-nil ReplyErr
// fails the pending request instead of succeeding it.
type ReplyFailure interface {
	ReplyErr() error
}

var chacha8randMut sync.Mutex
var chacha8rand *mathrand2.ChaCha8 = newCryrandSeededChaCha8()

func newCryrandSeededChaCha8() *mathrand2.ChaCha8 {
	var seed [32]byte
	_, err := cryrand.Read(seed[:])
	panicOn(err)
	return mathrand2.NewChaCha8(seed)
}

// NewCallID returns 21 pseudo random bytes,
// base64 URL encoded. Not cryptographically random.
func NewCallID() (cid string) {
	var pseudo [21]byte
	chacha8randMut.Lock()
	chacha8rand.Read(pseudo[:])
	chacha8randMut.Unlock()
	cid = cristalbase64.URLEncoding.EncodeToString(pseudo[:])
	return
}

// NewIdentity makes a channel identity: name, if
// given, followed by 16 random bytes in base58.
func NewIdentity(name string) string {
	var random [16]byte
	_, err := cryrand.Read(random[:])
	panicOn(err)
	id := base58.Encode(random[:])
	if name == "" {
		return id
	}
	return name + "-" + id
}
