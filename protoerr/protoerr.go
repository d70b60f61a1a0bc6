// Package protoerr implements the three-tier error taxonomy the compositor
// core uses to decide whether a bad message costs the offending client a
// display.error event, costs it the connection, or is a server-internal
// bug with no wire representation at all.
package protoerr

import (
	"errors"
	"fmt"
)

// Code is a wl_display.error error_code value.
type Code uint32

// Well-known display error codes (wayland.xml's wl_display error enum).
const (
	CodeInvalidObject  Code = 0
	CodeInvalidMethod  Code = 1
	CodeNoMemory       Code = 2
	CodeImplementation Code = 3
)

// Protocol is an error attributable to the client: malformed arguments, a
// reference to a missing or wrong-typed object, an unsupported version, and
// so on. The dispatch loop reports it to the client via display.error and
// abandons the offending message, but the connection continues.
type Protocol struct {
	Object  uint32
	Code    Code
	Message string
	cause   error
}

func (e *Protocol) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("protocol error on object %d: %s: %v", e.Object, e.Message, e.cause)
	}
	return fmt.Sprintf("protocol error on object %d: %s", e.Object, e.Message)
}

func (e *Protocol) Unwrap() error { return e.cause }

// NewProtocol builds a Protocol error for object with a formatted message.
func NewProtocol(object uint32, code Code, format string, args ...any) *Protocol {
	return &Protocol{Object: object, Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapProtocol builds a Protocol error around a lower-level decode error,
// keeping it reachable via errors.Is/errors.As.
func WrapProtocol(object uint32, code Code, cause error) *Protocol {
	return &Protocol{Object: object, Code: code, Message: cause.Error(), cause: cause}
}

// Sentinel reasons wrapped by Protocol errors raised throughout wire
// decoding and object-table lookups.
var (
	ErrNoObject             = errors.New("no object with that id")
	ErrNoGlobal             = errors.New("no global with that name")
	ErrUTF8                 = errors.New("string argument is not valid utf-8")
	ErrUnsupportedVersion   = errors.New("requested version exceeds the global's advertised version")
	ErrUnexpectedObjectType = errors.New("object exists but has the wrong interface")
	ErrInvalidOpcode        = errors.New("opcode out of range for interface")
	ErrNonNullable          = errors.New("null object id in a non-nullable argument")
	ErrNoFD                 = errors.New("no file descriptor available to decode")
	ErrCorrupt              = errors.New("malformed message framing")
)

// Dispatch is a server-internal error: recoverable, never reported to the
// client over the wire, but distinct from a System error because it does
// not by itself require dropping the connection.
type Dispatch struct {
	Err error
}

func (e *Dispatch) Error() string { return e.Err.Error() }
func (e *Dispatch) Unwrap() error { return e.Err }

// NewDispatch wraps err as a Dispatch error.
func NewDispatch(err error) *Dispatch { return &Dispatch{Err: err} }

var (
	ErrObjectLeased = errors.New("object is already leased")
	ErrObjectExists = errors.New("object id already occupied")
)

// System is fatal: the client connection (or, for process-level
// invariants, the whole server) cannot safely continue.
type System struct {
	Err error
}

func (e *System) Error() string { return fmt.Sprintf("system error: %v", e.Err) }
func (e *System) Unwrap() error { return e.Err }

// NewSystem wraps err as a System error.
func NewSystem(err error) *System { return &System{Err: err} }

// IsFatal reports whether err should cause the event loop to drop the
// client that produced it.
func IsFatal(err error) bool {
	var sys *System
	return errors.As(err, &sys)
}

// IsCorrupt reports whether err is (or wraps) ErrCorrupt. Corrupt framing
// is categorized as a Protocol error per the wire format's own invariants,
// but it is never a matter of policy: a corrupt byte stream leaves the
// parser's position undefined, so the caller must always escalate it to a
// fatal disconnect rather than hand it to the user error handler.
func IsCorrupt(err error) bool {
	return errors.Is(err, ErrCorrupt)
}
