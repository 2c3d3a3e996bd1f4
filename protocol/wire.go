package protocol

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

var (
	// ErrEmptyMessage is returned when a buffer carries no known message.
	ErrEmptyMessage = errors.New("protocol: no message in payload")
	// ErrUnknownMessage is returned for a well-formed envelope whose message
	// kind this server does not understand.
	ErrUnknownMessage = errors.New("protocol: unknown message kind")
)

// Message is one member of the rendezvous envelope oneof.
type Message interface {
	Kind() Kind
	appendFields(b []byte) []byte
	decodeFields(b []byte) error
}

// Marshal wraps msg in the rendezvous envelope.
func Marshal(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, ErrEmptyMessage
	}
	inner := msg.appendFields(nil)
	out := protowire.AppendTag(nil, protowire.Number(msg.Kind()), protowire.BytesType)
	return protowire.AppendBytes(out, inner), nil
}

// Unmarshal decodes an envelope. Unknown fields are skipped; when the envelope
// only carries kinds this server does not handle, ErrUnknownMessage is
// returned together with the last kind seen.
func Unmarshal(data []byte) (Message, error) {
	var (
		found   Message
		unknown Kind
	)
	err := walkFields(data, func(num protowire.Number, v field) error {
		if v.typ != protowire.BytesType {
			return nil
		}
		msg := newMessage(Kind(num))
		if msg == nil {
			unknown = Kind(num)
			return nil
		}
		if err := msg.decodeFields(v.bytes); err != nil {
			return fmt.Errorf("decode %s: %w", Kind(num), err)
		}
		found = msg
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		if unknown != 0 {
			return nil, fmt.Errorf("%w: %d", ErrUnknownMessage, unknown)
		}
		return nil, ErrEmptyMessage
	}
	return found, nil
}

type field struct {
	typ    protowire.Type
	varint uint64
	bytes  []byte
}

func walkFields(b []byte, visit func(num protowire.Number, v field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		v := field{typ: typ}
		switch typ {
		case protowire.VarintType:
			v.varint, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			v.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if err := visit(num, v); err != nil {
			return err
		}
	}
	return nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendInt32(b []byte, num protowire.Number, v int32) []byte {
	return appendVarint(b, num, uint64(int64(v)))
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return appendVarint(b, num, 1)
}

func appendMessage(b []byte, num protowire.Number, inner []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, inner)
}

func (v field) asString() string { return string(v.bytes) }
func (v field) asBytes() []byte  { return append([]byte(nil), v.bytes...) }
func (v field) asInt32() int32   { return int32(v.varint) }
func (v field) asBool() bool     { return v.varint != 0 }
