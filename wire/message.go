package wire

import (
	"encoding/binary"
	"unicode/utf8"

	"github.com/gogpu/yutani/fd"
	"github.com/gogpu/yutani/protoerr"
)

// headerWords is the number of 32-bit words in every message's header
// (object id, size<<16|opcode).
const headerWords = 2

// HeaderSize is the header's size in bytes.
const HeaderSize = headerWords * 4

// MaxMessageSize bounds a single message's total wire size. It matches the
// capacity of the word ring buffer backing a Stream (1024 words, 4 KiB),
// since no message can ever be staged in one piece beyond that anyway.
const MaxMessageSize = wordBufWords * 4

// Header is the decoded form of a message's first two wire words.
type Header struct {
	Object ObjectId
	Opcode uint16
	Size   uint16 // total message size in bytes, header included
}

// Message is one fully-framed, decoded-header message. Its argument words
// have already been pulled out of the owning Stream's receive buffer, so a
// dispatcher can decode them at its own pace without racing the next
// recvmsg. The fd argument primitive still reads live from the stream's fd
// ring, since file descriptors are not scoped to a single message on the
// wire (§3: "the n-th fd argument in the message stream is the n-th
// undelivered ancillary fd").
type Message struct {
	Header
	args   []byte
	pos    int
	stream *Stream
}

// HasMore reports whether unread argument bytes remain.
func (m *Message) HasMore() bool { return m.pos < len(m.args) }

// Remaining returns the number of unread argument bytes.
func (m *Message) Remaining() int { return len(m.args) - m.pos }

func (m *Message) take(n int) ([]byte, error) {
	if n < 0 || m.pos+n > len(m.args) {
		return nil, protoerr.WrapProtocol(uint32(m.Object), protoerr.CodeImplementation, protoerr.ErrCorrupt)
	}
	b := m.args[m.pos : m.pos+n]
	m.pos += n
	return b, nil
}

// ReadUint32 decodes an unsigned 32-bit argument.
func (m *Message) ReadUint32() (uint32, error) {
	b, err := m.take(4)
	if err != nil {
		return 0, err
	}
	return binary.NativeEndian.Uint32(b), nil
}

// ReadInt32 decodes a signed 32-bit argument.
func (m *Message) ReadInt32() (int32, error) {
	v, err := m.ReadUint32()
	return int32(v), err
}

// ReadFixed decodes a 24.8 fixed-point argument.
func (m *Message) ReadFixed() (Fixed, error) {
	v, err := m.ReadUint32()
	return Fixed(v), err
}

// ReadObject decodes an object argument. A wire value of 0 decodes to
// Null; callers for non-nullable slots should use ReadNonNullObject
// instead.
func (m *Message) ReadObject() (ObjectId, error) {
	v, err := m.ReadUint32()
	return ObjectId(v), err
}

// ReadNonNullObject decodes an object argument and rejects Null.
func (m *Message) ReadNonNullObject() (ObjectId, error) {
	id, err := m.ReadObject()
	if err != nil {
		return 0, err
	}
	if id == Null {
		return 0, protoerr.NewProtocol(uint32(m.Object), protoerr.CodeInvalidObject, "%v", protoerr.ErrNonNullable)
	}
	return id, nil
}

// ReadNewIDTyped decodes a statically typed new_id argument: just the
// object ID, since the interface and version are known from the request's
// signature.
func (m *Message) ReadNewIDTyped() (ObjectId, error) {
	v, err := m.ReadUint32()
	return ObjectId(v), err
}

// ReadNewIDDynamic decodes the untyped new_id form used by requests like
// wl_registry.bind: interface name, version, then object ID.
func (m *Message) ReadNewIDDynamic() (NewId, error) {
	iface, err := m.ReadString(false)
	if err != nil {
		return NewId{}, err
	}
	version, err := m.ReadUint32()
	if err != nil {
		return NewId{}, err
	}
	id, err := m.ReadUint32()
	if err != nil {
		return NewId{}, err
	}
	return NewId{ID: ObjectId(id), Interface: iface, Version: version}, nil
}

// ReadString decodes a length-prefixed, NUL-terminated, word-padded string.
// If nullable is true, a zero-length wire value decodes to ("", nil)
// representing the null string; otherwise a zero length is itself
// malformed (every encoded non-null string includes its NUL terminator,
// so a real empty string still has length 1).
func (m *Message) ReadString(nullable bool) (string, error) {
	length, err := m.ReadUint32()
	if err != nil {
		return "", err
	}
	if length == 0 {
		if nullable {
			return "", nil
		}
		return "", protoerr.NewProtocol(uint32(m.Object), protoerr.CodeInvalidMethod, "%v", protoerr.ErrCorrupt)
	}
	if length > MaxMessageSize {
		return "", protoerr.WrapProtocol(uint32(m.Object), protoerr.CodeImplementation, protoerr.ErrCorrupt)
	}
	padded := int(length) + padding(int(length))
	raw, err := m.take(padded)
	if err != nil {
		return "", err
	}
	if raw[length-1] != 0 {
		return "", protoerr.WrapProtocol(uint32(m.Object), protoerr.CodeImplementation, protoerr.ErrCorrupt)
	}
	data := raw[:length-1]
	if !utf8.Valid(data) {
		return "", protoerr.WrapProtocol(uint32(m.Object), protoerr.CodeInvalidMethod, protoerr.ErrUTF8)
	}
	return string(data), nil
}

// ReadArray decodes a length-prefixed, word-padded byte array.
func (m *Message) ReadArray() ([]byte, error) {
	length, err := m.ReadUint32()
	if err != nil {
		return nil, err
	}
	if length == 0 {
		return nil, nil
	}
	if length > MaxMessageSize {
		return nil, protoerr.WrapProtocol(uint32(m.Object), protoerr.CodeImplementation, protoerr.ErrCorrupt)
	}
	padded := int(length) + padding(int(length))
	raw, err := m.take(padded)
	if err != nil {
		return nil, err
	}
	out := make([]byte, length)
	copy(out, raw[:length])
	return out, nil
}

// ReadFD pops the next undelivered ancillary file descriptor in FIFO
// order. It fails with protoerr.ErrNoFD if none is buffered.
func (m *Message) ReadFD() (fd.Fd, error) {
	f, ok := m.stream.rxFDs.Pop()
	if !ok {
		return fd.Invalid, protoerr.NewProtocol(uint32(m.Object), protoerr.CodeImplementation, "%v", protoerr.ErrNoFD)
	}
	return f, nil
}

// DebugString renders a human-readable trace line for WAYLAND_DEBUG
// logging, in the spirit of the original implementation's wire debug
// formatter: "iface@object.opcode [N arg bytes]".
func (m *Message) DebugString(iface string) string {
	return debugLine(iface, uint32(m.Object), m.Opcode, len(m.args))
}

func padding(length int) int {
	return (4 - (length % 4)) % 4
}
