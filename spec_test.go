package interop

import (
	"errors"
	"fmt"
	"testing"

	cv "github.com/glycerine/goconvey/convey"
	"github.com/glycerine/greenpack/msgp"
)

// point has hand written msgpack methods, the same
// shape greenpack generates.
type point struct {
	X, Y int64
	Name string
}

func (z *point) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendMapHeader(b, 3)
	b = msgp.AppendString(b, "X")
	b = msgp.AppendInt64(b, z.X)
	b = msgp.AppendString(b, "Y")
	b = msgp.AppendInt64(b, z.Y)
	b = msgp.AppendString(b, "Name")
	b = msgp.AppendString(b, z.Name)
	return b, nil
}

func (z *point) UnmarshalMsg(b []byte) (o []byte, err error) {
	var n uint32
	n, b, err = msgp.ReadMapHeaderBytes(b)
	if err != nil {
		return b, err
	}
	for i := uint32(0); i < n; i++ {
		var key string
		key, b, err = msgp.ReadStringBytes(b)
		if err != nil {
			return b, err
		}
		switch key {
		case "X":
			z.X, b, err = msgp.ReadInt64Bytes(b)
		case "Y":
			z.Y, b, err = msgp.ReadInt64Bytes(b)
		case "Name":
			z.Name, b, err = msgp.ReadStringBytes(b)
		default:
			b, err = msgp.Skip(b)
		}
		if err != nil {
			return b, err
		}
	}
	return b, nil
}

func Test120_session_spec_rules(t *testing.T) {

	cv.Convey("NewSessionSpec rejects duplicate or empty message ids; Mirror swaps roles", t, func() {
		a := &MessageSpec{ID: "a", Direction: Exchange, Codec: RawCodec{}}
		_, err := NewSessionSpec("s", Role{"x"}, Role{"y"}, a, a)
		cv.So(errors.Is(err, ErrBadSpec), cv.ShouldBeTrue)

		_, err = NewSessionSpec("s", Role{"x"}, Role{}, a)
		cv.So(errors.Is(err, ErrBadSpec), cv.ShouldBeTrue)

		spec, err := NewSessionSpec("s", Role{"x"}, Role{"y"}, a)
		cv.So(err, cv.ShouldBeNil)
		m := spec.Mirror()
		cv.So(m.Self.ID, cv.ShouldEqual, "y")
		cv.So(m.Peer.ID, cv.ShouldEqual, "x")
		cv.So(m.Has(a), cv.ShouldBeTrue)

		// the responder answers an open from the initiator, not from itself.
		cv.So(m.answers("s", "x", "y"), cv.ShouldBeTrue)
		cv.So(m.answers("s", "y", "x"), cv.ShouldBeFalse)
		cv.So(m.answers("t", "x", "y"), cv.ShouldBeFalse)

		// a look-alike spec with the same ID is not a member.
		cv.So(spec.Has(&MessageSpec{ID: "a"}), cv.ShouldBeFalse)
	})

	cv.Convey("QualifiedName dispatches on the kind of specification", t, func() {
		spec, _ := NewSessionSpec("kv", Role{"connector"}, Role{"driver"})
		cv.So(QualifiedName(spec), cv.ShouldEqual, "session:kv/connector->driver")
		cv.So(QualifiedName(Role{"driver"}), cv.ShouldEqual, "role:driver")
		cv.So(QualifiedName(&MessageSpec{ID: "kv.put"}), cv.ShouldEqual, "message:kv.put")
	})

	cv.Convey("control-only messages must not carry a payload", t, func() {
		ctl := &MessageSpec{ID: "bye", Direction: Termination, Purpose: Control}
		cv.So(NewMessage(ctl, nil).Validate(), cv.ShouldBeNil)
		cv.So(errors.Is(NewMessage(ctl, "x").Validate(), ErrControlPayload), cv.ShouldBeTrue)
		cv.So(errors.Is(NewMessage(nil, nil).Validate(), ErrNilSpec), cv.ShouldBeTrue)
	})
}

func Test121_codecs(t *testing.T) {

	cv.Convey("each codec decodes what it encoded, and refuses the wrong type", t, func() {
		by, err := RawCodec{}.Encode([]byte{1, 2, 3})
		cv.So(err, cv.ShouldBeNil)
		v, err := RawCodec{}.Decode(by)
		cv.So(err, cv.ShouldBeNil)
		cv.So(v, cv.ShouldResemble, []byte{1, 2, 3})
		_, err = RawCodec{}.Encode(42)
		cv.So(errors.Is(err, ErrEncode), cv.ShouldBeTrue)

		by, _ = StringCodec{}.Encode("hi")
		v, _ = StringCodec{}.Decode(by)
		cv.So(v, cv.ShouldEqual, "hi")

		jc := JSONCodec[point]{}
		by, err = jc.Encode(point{X: 1, Y: 2, Name: "p"})
		cv.So(err, cv.ShouldBeNil)
		v, err = jc.Decode(by)
		cv.So(err, cv.ShouldBeNil)
		cv.So(*(v.(*point)), cv.ShouldResemble, point{X: 1, Y: 2, Name: "p"})
		_, err = jc.Decode([]byte("{not json"))
		cv.So(errors.Is(err, ErrDecode), cv.ShouldBeTrue)
		_, err = jc.Encode("nope")
		cv.So(errors.Is(err, ErrEncode), cv.ShouldBeTrue)

		gc := GreenpackCodec[point, *point]{}
		by, err = gc.Encode(&point{X: -5, Y: 7, Name: "green"})
		cv.So(err, cv.ShouldBeNil)
		v, err = gc.Decode(by)
		cv.So(err, cv.ShouldBeNil)
		cv.So(*(v.(*point)), cv.ShouldResemble, point{X: -5, Y: 7, Name: "green"})
		_, err = gc.Encode(point{})
		cv.So(errors.Is(err, ErrEncode), cv.ShouldBeTrue)
	})

	cv.Convey("identities and call ids are distinct", t, func() {
		seen := make(map[string]bool)
		for i := 0; i < 100; i++ {
			id := NewCallID()
			cv.So(seen[id], cv.ShouldBeFalse)
			seen[id] = true
		}
		a, b := NewIdentity("x"), NewIdentity("x")
		cv.So(a, cv.ShouldNotEqual, b)
		cv.So(a[:2], cv.ShouldEqual, "x-")
		cv.So(fmt.Sprintf("%v", NewCompletionToken("me")), cv.ShouldContainSubstring, "from me")
	})
}
