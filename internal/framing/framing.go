// Package framing implements the variant array messages exchanged
// after the security type negotiation.
//
// A message is a big-endian uint32 size followed by size bytes holding a
// sequence of values serialized like a Qt 5 data stream serializes a
// QVariant: a big-endian uint32 type id, a one byte null flag and the
// value itself. Only the types needed by the handshake are supported.
//
// Receiving is partial-read aware: [IsReadyForReceive] tells whether the
// buffered bytes contain a whole message and [Receive] parses it without
// consuming anything else.
package framing

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ooni/minirfb/internal/bytesx"
)

// Kind is the type id of a serialized value.
type Kind uint32

const (
	// KindBool is a boolean encoded as one byte.
	KindBool = Kind(1)

	// KindInt is a big-endian int32.
	KindInt = Kind(2)

	// KindUInt is a big-endian uint32.
	KindUInt = Kind(3)

	// KindString is a length-prefixed UTF-16BE string.
	KindString = Kind(10)

	// KindByteArray is a length-prefixed byte array.
	KindByteArray = Kind(12)
)

// String implements fmt.Stringer
func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindUInt:
		return "uint"
	case KindString:
		return "string"
	case KindByteArray:
		return "bytearray"
	default:
		return fmt.Sprintf("kind(%d)", uint32(k))
	}
}

const (
	// HeaderSize is the size of the message size prefix.
	HeaderSize = 4

	// MaxMessageSize is the largest message body we accept.
	MaxMessageSize = 64 * 1024 * 1024
)

var (
	// ErrMessageTooLarge means the size prefix exceeds [MaxMessageSize].
	ErrMessageTooLarge = errors.New("framing: message too large")

	// ErrMalformed means the message body cannot be parsed.
	ErrMalformed = errors.New("framing: malformed message")

	// ErrUnsupportedKind means the body contains a value we cannot parse.
	ErrUnsupportedKind = errors.New("framing: unsupported value kind")

	// ErrNoMoreValues means we tried to read past the last value.
	ErrNoMoreValues = errors.New("framing: no more values")

	// ErrUnexpectedKind means the next value has a different type.
	ErrUnexpectedKind = errors.New("framing: unexpected value kind")
)

// Value is a single typed value of a [Message].
type Value struct {
	Kind Kind
	Data any
}

// Message is a variant array message. The zero value is an empty message
// ready to be written to or sent.
type Message struct {
	values []Value
	pos    int
}

// NewMessage creates a message containing the given values.
func NewMessage(values ...Value) *Message {
	return &Message{values: values}
}

// Int returns a [KindInt] value.
func Int(v int32) Value { return Value{Kind: KindInt, Data: v} }

// UInt returns a [KindUInt] value.
func UInt(v uint32) Value { return Value{Kind: KindUInt, Data: v} }

// Bool returns a [KindBool] value.
func Bool(v bool) Value { return Value{Kind: KindBool, Data: v} }

// String returns a [KindString] value.
func String(v string) Value { return Value{Kind: KindString, Data: v} }

// ByteArray returns a [KindByteArray] value.
func ByteArray(v []byte) Value { return Value{Kind: KindByteArray, Data: v} }

// Write appends a value to the message.
func (m *Message) Write(v Value) *Message {
	m.values = append(m.values, v)
	return m
}

// Len returns the number of values in the message.
func (m *Message) Len() int {
	return len(m.values)
}

// Values returns a copy of the values in the message.
func (m *Message) Values() []Value {
	return append([]Value{}, m.values...)
}

// Remaining returns the number of values not read yet.
func (m *Message) Remaining() int {
	return len(m.values) - m.pos
}

func (m *Message) next() (Value, error) {
	if m.pos >= len(m.values) {
		return Value{}, ErrNoMoreValues
	}
	v := m.values[m.pos]
	m.pos++
	return v, nil
}

// ReadInt reads the next value as an int32. Unsigned values are converted.
func (m *Message) ReadInt() (int32, error) {
	v, err := m.next()
	if err != nil {
		return 0, err
	}
	switch v.Kind {
	case KindInt:
		return v.Data.(int32), nil
	case KindUInt:
		return int32(v.Data.(uint32)), nil
	default:
		return 0, fmt.Errorf("%w: want int, got %s", ErrUnexpectedKind, v.Kind)
	}
}

// ReadString reads the next value as a string.
func (m *Message) ReadString() (string, error) {
	v, err := m.next()
	if err != nil {
		return "", err
	}
	if v.Kind != KindString {
		return "", fmt.Errorf("%w: want string, got %s", ErrUnexpectedKind, v.Kind)
	}
	return v.Data.(string), nil
}

// ReadByteArray reads the next value as a byte array.
func (m *Message) ReadByteArray() ([]byte, error) {
	v, err := m.next()
	if err != nil {
		return nil, err
	}
	if v.Kind != KindByteArray {
		return nil, fmt.Errorf("%w: want bytearray, got %s", ErrUnexpectedKind, v.Kind)
	}
	return v.Data.([]byte), nil
}

// ReadBool reads the next value as a bool.
func (m *Message) ReadBool() (bool, error) {
	v, err := m.next()
	if err != nil {
		return false, err
	}
	if v.Kind != KindBool {
		return false, fmt.Errorf("%w: want bool, got %s", ErrUnexpectedKind, v.Kind)
	}
	return v.Data.(bool), nil
}

// Marshal serializes the message including its size prefix.
func (m *Message) Marshal() ([]byte, error) {
	body := &bytes.Buffer{}
	for _, v := range m.values {
		if err := writeValue(body, v); err != nil {
			return nil, err
		}
	}
	if body.Len() > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}
	out := &bytes.Buffer{}
	bytesx.WriteUint32(out, uint32(body.Len()))
	out.Write(body.Bytes())
	return out.Bytes(), nil
}

func writeValue(buf *bytes.Buffer, v Value) error {
	bytesx.WriteUint32(buf, uint32(v.Kind))
	buf.WriteByte(0) // not null
	switch v.Kind {
	case KindBool:
		if v.Data.(bool) {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case KindInt:
		bytesx.WriteUint32(buf, uint32(v.Data.(int32)))
	case KindUInt:
		bytesx.WriteUint32(buf, v.Data.(uint32))
	case KindString:
		return bytesx.WriteString(buf, v.Data.(string))
	case KindByteArray:
		bytesx.WriteByteArray(buf, v.Data.([]byte))
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedKind, v.Kind)
	}
	return nil
}

// IsReadyForReceive returns whether buf starts with a complete message.
// It returns an error if the size prefix is invalid, in which case the
// stream cannot be resynchronized.
func IsReadyForReceive(buf []byte) (bool, error) {
	if len(buf) < HeaderSize {
		return false, nil
	}
	size := binary.BigEndian.Uint32(buf[:HeaderSize])
	if size > MaxMessageSize {
		return false, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, size)
	}
	return uint64(len(buf)) >= uint64(HeaderSize)+uint64(size), nil
}

// Receive parses the message at the beginning of buf and returns it along
// with the number of bytes it occupies. The caller must have checked
// [IsReadyForReceive] first.
func Receive(buf []byte) (*Message, int, error) {
	ready, err := IsReadyForReceive(buf)
	if err != nil {
		return nil, 0, err
	}
	if !ready {
		return nil, 0, fmt.Errorf("%w: incomplete message", ErrMalformed)
	}
	size := int(binary.BigEndian.Uint32(buf[:HeaderSize]))
	body := bytes.NewBuffer(buf[HeaderSize : HeaderSize+size])
	msg := &Message{}
	for body.Len() > 0 {
		v, err := readValue(body)
		if err != nil {
			return nil, 0, err
		}
		msg.values = append(msg.values, v)
	}
	return msg, HeaderSize + size, nil
}

func readValue(body *bytes.Buffer) (Value, error) {
	kind, err := bytesx.ReadUint32(body)
	if err != nil {
		return Value{}, fmt.Errorf("%w: %s", ErrMalformed, err.Error())
	}
	isNull, err := body.ReadByte()
	if err != nil {
		return Value{}, fmt.Errorf("%w: missing null flag", ErrMalformed)
	}
	v := Value{Kind: Kind(kind)}
	switch v.Kind {
	case KindBool:
		b, err := body.ReadByte()
		if err != nil {
			return Value{}, fmt.Errorf("%w: short bool", ErrMalformed)
		}
		v.Data = b != 0
	case KindInt:
		n, err := bytesx.ReadUint32(body)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %s", ErrMalformed, err.Error())
		}
		v.Data = int32(n)
	case KindUInt:
		n, err := bytesx.ReadUint32(body)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %s", ErrMalformed, err.Error())
		}
		v.Data = n
	case KindString:
		s, err := bytesx.ReadString(body)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %s", ErrMalformed, err.Error())
		}
		v.Data = s
	case KindByteArray:
		b, err := bytesx.ReadByteArray(body)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %s", ErrMalformed, err.Error())
		}
		v.Data = b
	default:
		return Value{}, fmt.Errorf("%w: %s", ErrUnsupportedKind, v.Kind)
	}
	if isNull != 0 && v.Kind != KindString && v.Kind != KindByteArray {
		return Value{}, fmt.Errorf("%w: null %s", ErrMalformed, v.Kind)
	}
	return v, nil
}
