package interop

import (
	"fmt"

	gjson "github.com/goccy/go-json"
)

var ErrEncode = fmt.Errorf("interop: payload encode failed")
var ErrDecode = fmt.Errorf("interop: payload decode failed")

// Codec turns one message spec's payloads into
// bytes and back.
type Codec interface {
	Encode(payload any) ([]byte, error)
	Decode(by []byte) (any, error)
}

// RawCodec passes []byte payloads through untouched.
type RawCodec struct{}

func (RawCodec) Encode(payload any) ([]byte, error) {
	switch x := payload.(type) {
	case []byte:
		return x, nil
	case nil:
		return nil, nil
	}
	return nil, fmt.Errorf("%w: RawCodec wants []byte, got %T", ErrEncode, payload)
}

func (RawCodec) Decode(by []byte) (any, error) {
	return append([]byte{}, by...), nil
}

type StringCodec struct{}

func (StringCodec) Encode(payload any) ([]byte, error) {
	s, ok := payload.(string)
	if !ok {
		return nil, fmt.Errorf("%w: StringCodec wants string, got %T", ErrEncode, payload)
	}
	return []byte(s), nil
}

func (StringCodec) Decode(by []byte) (any, error) {
	return string(by), nil
}

// JSONCodec encodes T or *T, and always decodes to *T.
type JSONCodec[T any] struct{}

func (JSONCodec[T]) Encode(payload any) ([]byte, error) {
	switch payload.(type) {
	case T, *T:
	default:
		var zero T
		return nil, fmt.Errorf("%w: JSONCodec[%T] got %T", ErrEncode, zero, payload)
	}
	by, err := gjson.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncode, err)
	}
	return by, nil
}

func (JSONCodec[T]) Decode(by []byte) (any, error) {
	v := new(T)
	if err := gjson.Unmarshal(by, v); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return v, nil
}

// Greenpackable is what greenpack generates for a
// struct: MarshalMsg and UnmarshalMsg on *T.
type Greenpackable[T any] interface {
	*T
	MarshalMsg(b []byte) ([]byte, error)
	UnmarshalMsg(b []byte) ([]byte, error)
}

// GreenpackCodec encodes *T values that have
// greenpack (msgpack) generated methods, and
// decodes to *T.
type GreenpackCodec[T any, PT Greenpackable[T]] struct{}

func (GreenpackCodec[T, PT]) Encode(payload any) ([]byte, error) {
	p, ok := payload.(PT)
	if !ok {
		return nil, fmt.Errorf("%w: GreenpackCodec got %T", ErrEncode, payload)
	}
	by, err := p.MarshalMsg(nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncode, err)
	}
	return by, nil
}

func (GreenpackCodec[T, PT]) Decode(by []byte) (any, error) {
	v := PT(new(T))
	if _, err := v.UnmarshalMsg(by); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return v, nil
}
