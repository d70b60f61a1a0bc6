// Package wire implements Wayland's binary wire protocol: a native-endian
// stream of 32-bit words with out-of-band file descriptors carried as
// SCM_RIGHTS ancillary data. Stream shuttles bytes and descriptors between
// one connected socket and the four staging ring buffers the protocol
// needs (inbound/outbound words, inbound/outbound descriptors); Message
// decodes argument primitives from an already-framed message in order.
package wire

// ObjectId identifies a protocol object within one client's namespace.
// Zero is the wire encoding of "no object" (a nullable argument left
// unset); it is never a live object.
type ObjectId uint32

const (
	// Null is the wire value meaning "no object" for a nullable argument.
	Null ObjectId = 0

	// DisplayID is the object ID that always denotes wl_display; it
	// exists for the lifetime of the connection.
	DisplayID ObjectId = 1

	// ServerIDStart is the first ID in the server-allocated range
	// [ServerIDStart, 0xFFFFFFFF]. Client-allocated IDs occupy
	// [1, ServerIDStart).
	ServerIDStart ObjectId = 0xFF000000
)

// IsServerAllocated reports whether id falls in the server-owned ID range.
func (id ObjectId) IsServerAllocated() bool { return id >= ServerIDStart }

// NewId is a decoded new_id argument. For statically typed new_id
// arguments (the common case — the interface is known from the request's
// signature) only ID is populated. For the untyped form used by requests
// like wl_registry.bind, Interface and Version are decoded off the wire
// too.
type NewId struct {
	ID        ObjectId
	Interface string
	Version   uint32
}

// Fixed is Wayland's signed 24.8 fixed-point number: the high 24 bits are
// the integer part, the low 8 bits the fraction.
type Fixed int32

// FixedFromFloat converts a float64 to Fixed, truncating precision beyond
// 1/256.
func FixedFromFloat(f float64) Fixed { return Fixed(f * 256.0) }

// Float returns the Fixed value as a float64.
func (f Fixed) Float() float64 { return float64(f) / 256.0 }

// FixedFromInt converts an integer to Fixed with a zero fractional part.
func FixedFromInt(i int32) Fixed { return Fixed(i << 8) }

// Int returns the integer part of the Fixed value, truncating the
// fraction.
func (f Fixed) Int() int32 { return int32(f) >> 8 }
