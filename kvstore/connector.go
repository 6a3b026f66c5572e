package kvstore

import (
	"github.com/glycerine/interop"
	"github.com/glycerine/interop/callbacks"
)

// Connector is the client side of one kv session.
// Requests may be issued from any goroutine and
// need not wait for each other; the driver serves
// them in the order they were sent.
type Connector struct {
	sess     *interop.Session
	clientID string
}

// Connect opens a kv session with the driver at peer.
func Connect(ch *interop.Channel, peer string) *callbacks.Completion[*Connector] {
	c := ch.Connect(peer, Spec(), interop.NewMessage(OpenMsg, nil), interop.SessionCallbacks{})
	return callbacks.Then(c.Isolate(), c, func(s *interop.Session) (*Connector, error) {
		return &Connector{sess: s, clientID: ch.Identity()}, nil
	})
}

func (c *Connector) Session() *interop.Session {
	return c.sess
}

func (c *Connector) token() interop.CompletionToken {
	return interop.NewCompletionToken(c.clientID)
}

func (c *Connector) Put(key, value string) *callbacks.Completion[callbacks.Void] {
	req := &PutRequest{Tok: c.token(), Key: key, Value: value}
	return callbacks.Then(c.sess.Isolate(), c.sess.Request(interop.NewMessage(PutMsg, req)),
		func(m *interop.Message) (v callbacks.Void, err error) {
			return
		})
}

// Get fails with ErrNotFound for a missing key.
func (c *Connector) Get(key string) *callbacks.Completion[string] {
	req := &GetRequest{Tok: c.token(), Key: key}
	return callbacks.Then(c.sess.Isolate(), c.sess.Request(interop.NewMessage(GetMsg, req)),
		func(m *interop.Message) (string, error) {
			r := m.Payload.(*Reply)
			if !r.Found {
				return "", ErrNotFound
			}
			return r.Value, nil
		})
}

// Delete reports whether the key existed.
func (c *Connector) Delete(key string) *callbacks.Completion[bool] {
	req := &DeleteRequest{Tok: c.token(), Key: key}
	return callbacks.Then(c.sess.Isolate(), c.sess.Request(interop.NewMessage(DeleteMsg, req)),
		func(m *interop.Message) (bool, error) {
			return m.Payload.(*Reply).Found, nil
		})
}

// Close ends the session. Requests still pending
// fail with interop.ErrConnectionLost.
func (c *Connector) Close() error {
	return c.sess.Send(interop.NewMessage(CloseMsg, nil))
}

// Cancel drops the session without a goodbye message.
func (c *Connector) Cancel() {
	c.sess.Destroy()
}
