//go:build linux

package wire

import (
	"encoding/binary"
	"errors"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/gogpu/yutani/fd"
	"github.com/gogpu/yutani/protoerr"
	"github.com/gogpu/yutani/ringbuf"
)

// wordBufWords is the word ring buffer's capacity, per the core design's
// rationale: 1024 32-bit words (4 KiB), matching Wayland wire granularity
// so the hot path never needs a sub-word bounds check.
const wordBufWords = 1024

// fdBufSlots is the ancillary file descriptor ring buffer's capacity.
const fdBufSlots = 8

// ErrClosed is returned by Stream operations after Close.
var ErrClosed = errors.New("wire: stream closed")

// ErrWouldBlock is returned by Sendmsg when the socket's send buffer is
// full; the unsent words and fds stay in the outbound buffers for a later
// Sendmsg call.
var ErrWouldBlock = errors.New("wire: send would block")

// Stream wraps one accepted (or dialed) connection socket and the four
// staging ring buffers the wire codec needs: inbound/outbound words and
// inbound/outbound file descriptors.
type Stream struct {
	sock   int
	closed bool

	rxWords *ringbuf.Ring[uint32]
	txWords *ringbuf.Ring[uint32]
	rxFDs   *ringbuf.Ring[fd.Fd]
	txFDs   *ringbuf.Ring[fd.Fd]
}

// NewStream takes ownership of sock, a connected, non-blocking Unix domain
// socket descriptor.
func NewStream(sock int) *Stream {
	return &Stream{
		sock:    sock,
		rxWords: ringbuf.New[uint32](wordBufWords),
		txWords: ringbuf.New[uint32](wordBufWords),
		rxFDs:   ringbuf.New[fd.Fd](fdBufSlots),
		txFDs:   ringbuf.New[fd.Fd](fdBufSlots),
	}
}

// Fd returns the underlying socket descriptor, for epoll registration.
func (s *Stream) Fd() int { return s.sock }

// Close closes the socket and releases any fds still sitting in the
// staging buffers undelivered.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	for {
		f, ok := s.rxFDs.Pop()
		if !ok {
			break
		}
		_ = f.Close()
	}
	for {
		f, ok := s.txFDs.Pop()
		if !ok {
			break
		}
		_ = f.Close()
	}
	return unix.Close(s.sock)
}

// wordsAsBytes reinterprets a []uint32 segment as the []byte view over the
// same memory, in native byte order — the wire format *is* the host's
// native 32-bit word layout, so no copy is needed to hand these words to
// recvmsg/sendmsg.
func wordsAsBytes(words []uint32) []byte {
	if len(words) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*4)
}

func byteSegsFromWords(a, b []uint32) [][]byte {
	bufs := make([][]byte, 0, 2)
	if len(a) > 0 {
		bufs = append(bufs, wordsAsBytes(a))
	}
	if len(b) > 0 {
		bufs = append(bufs, wordsAsBytes(b))
	}
	return bufs
}

// Recvmsg performs one recvmsg(2) call scattered across the free region of
// rxWords (one or two segments depending on wraparound), with an ancillary
// buffer sized for up to fdBufSlots SCM_RIGHTS descriptors. It returns true
// iff any bytes were moved. A would-block condition is not an error: it
// simply returns (false, nil).
func (s *Stream) Recvmsg() (bool, error) {
	if s.closed {
		return false, ErrClosed
	}

	a, b := s.rxWords.FreeSegments()
	bufs := byteSegsFromWords(a, b)
	if len(bufs) == 0 {
		// No room to stage more until the caller drains complete
		// messages out of rxWords.
		return false, nil
	}

	oob := make([]byte, unix.CmsgSpace(fdBufSlots*4))

	n, oobn, _, _, err := unix.RecvmsgBuffers(s.sock, bufs, oob, unix.MSG_CMSG_CLOEXEC)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			return false, nil
		}
		return false, err
	}
	if n == 0 {
		return false, ErrPeerClosed
	}

	// n is always a multiple of 4: Wayland frames are word-aligned and we
	// never stage a partial word across two recvmsg calls, but guard
	// against a pathological kernel short write mid-word regardless.
	words := n / 4
	s.rxWords.CommitPush(words)
	if rem := n % 4; rem != 0 {
		return true, protoerr.WrapProtocol(0, protoerr.CodeImplementation, protoerr.ErrCorrupt)
	}

	if oobn > 0 {
		fds, perr := parseSCMRights(oob[:oobn])
		if perr != nil {
			return true, perr
		}
		for _, raw := range fds {
			if _, ok := s.rxFDs.Push(fd.Fd(raw)); !ok {
				// Buffer exhausted (shouldn't happen: wl_display caps any
				// single message's fds well under fdBufSlots): close
				// immediately rather than leaking it.
				_ = unix.Close(raw)
			}
		}
	}

	return true, nil
}

// ErrPeerClosed indicates the peer performed an orderly shutdown (recvmsg
// returned 0 bytes). It is returned whether or not earlier data is still
// staged in rxWords; messages already staged remain readable through
// NextMessage.
var ErrPeerClosed = errors.New("wire: connection closed by peer")

func parseSCMRights(oob []byte) ([]int, error) {
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, protoerr.NewSystem(err)
	}
	var fds []int
	for _, scm := range scms {
		if scm.Header.Level != unix.SOL_SOCKET || scm.Header.Type != unix.SCM_RIGHTS {
			continue
		}
		got, err := unix.ParseUnixRights(&scm)
		if err != nil {
			return nil, protoerr.NewSystem(err)
		}
		fds = append(fds, got...)
	}
	return fds, nil
}

// Sendmsg flushes the used region of txWords (and any queued txFDs) with
// sendmsg(2) calls, retrying on a short write until the buffer is empty or
// the socket reports EAGAIN, in which case it returns ErrWouldBlock and
// leaves the rest buffered.
func (s *Stream) Sendmsg() error {
	if s.closed {
		return ErrClosed
	}
	for s.txWords.Len() > 0 {
		a, b := s.txWords.UsedSegments()
		bufs := byteSegsFromWords(a, b)

		var oob []byte
		var drained []fd.Fd
		if s.txFDs.Len() > 0 {
			raws := make([]int, 0, s.txFDs.Len())
			for {
				f, ok := s.txFDs.Pop()
				if !ok {
					break
				}
				drained = append(drained, f)
				raws = append(raws, f.Int())
			}
			oob = unix.UnixRights(raws...)
		}

		n, err := unix.SendmsgBuffers(s.sock, bufs, oob, nil, unix.MSG_NOSIGNAL)
		if err != nil {
			// Put any drained fds back so a retried Sendmsg still sends
			// them attached to the bytes they belong with.
			for i := len(drained) - 1; i >= 0; i-- {
				s.txFDs.Push(drained[i])
			}
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
				return ErrWouldBlock
			}
			return err
		}

		s.txWords.CommitPop(n / 4)
	}
	return nil
}

// ArgWriter accumulates one outbound message's argument bytes and queued
// fds before Commit encodes the header and pushes everything onto the
// owning Stream's tx buffers.
type ArgWriter struct {
	stream *Stream
	object ObjectId
	opcode uint16
	buf    []byte
	fds    []fd.Fd
}

// BeginMessage starts building an event (or, in a client implementation, a
// request) addressed to object with the given opcode.
func (s *Stream) BeginMessage(object ObjectId, opcode uint16) *ArgWriter {
	return &ArgWriter{stream: s, object: object, opcode: opcode}
}

// PutUint32 appends an unsigned 32-bit argument.
func (w *ArgWriter) PutUint32(v uint32) *ArgWriter {
	var b [4]byte
	binary.NativeEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
	return w
}

// PutInt32 appends a signed 32-bit argument.
func (w *ArgWriter) PutInt32(v int32) *ArgWriter { return w.PutUint32(uint32(v)) }

// PutFixed appends a fixed-point argument.
func (w *ArgWriter) PutFixed(v Fixed) *ArgWriter { return w.PutUint32(uint32(v)) }

// PutObject appends an object argument (0 encodes null).
func (w *ArgWriter) PutObject(id ObjectId) *ArgWriter { return w.PutUint32(uint32(id)) }

// PutNewID appends a statically typed new_id argument.
func (w *ArgWriter) PutNewID(id ObjectId) *ArgWriter { return w.PutUint32(uint32(id)) }

// PutNewIDDynamic appends the untyped new_id form: interface, version, id.
func (w *ArgWriter) PutNewIDDynamic(iface string, version uint32, id ObjectId) *ArgWriter {
	w.PutString(iface)
	w.PutUint32(version)
	w.PutUint32(uint32(id))
	return w
}

// PutString appends a length-prefixed, NUL-terminated, word-padded string.
func (w *ArgWriter) PutString(s string) *ArgWriter {
	length := uint32(len(s) + 1)
	w.PutUint32(length)
	w.buf = append(w.buf, s...)
	w.buf = append(w.buf, 0)
	for i := 0; i < padding(int(length)); i++ {
		w.buf = append(w.buf, 0)
	}
	return w
}

// PutArray appends a length-prefixed, word-padded byte array.
func (w *ArgWriter) PutArray(data []byte) *ArgWriter {
	length := uint32(len(data))
	w.PutUint32(length)
	w.buf = append(w.buf, data...)
	for i := 0; i < padding(int(length)); i++ {
		w.buf = append(w.buf, 0)
	}
	return w
}

// PutFD queues a file descriptor to ride as SCM_RIGHTS ancillary data with
// this message once Commit flushes it.
func (w *ArgWriter) PutFD(f fd.Fd) *ArgWriter {
	w.fds = append(w.fds, f)
	return w
}

// Commit encodes the message header and pushes the header and argument
// words onto the stream's outbound word buffer, and any queued fds onto
// its outbound fd buffer. It calls Sendmsg itself only when the outbound
// word buffer lacks room for the message; otherwise callers flush once per
// dispatch cycle per the core's ordering guarantees.
func (w *ArgWriter) Commit() error {
	total := HeaderSize + len(w.buf)
	if total > MaxMessageSize {
		return protoerr.NewDispatch(errMessageTooLarge)
	}
	needWords := total / 4
	if w.stream.txWords.Free() < needWords {
		if err := w.stream.Sendmsg(); err != nil && !errors.Is(err, ErrWouldBlock) {
			return err
		}
	}
	if w.stream.txWords.Free() < needWords {
		return protoerr.NewSystem(errTxBufferFull)
	}

	w.stream.txWords.Push(uint32(w.object))
	w.stream.txWords.Push(uint32(total)<<16 | uint32(w.opcode))
	for i := 0; i < len(w.buf); i += 4 {
		w.stream.txWords.Push(binary.NativeEndian.Uint32(w.buf[i : i+4]))
	}

	for _, f := range w.fds {
		if _, ok := w.stream.txFDs.Push(f); !ok {
			return protoerr.NewSystem(errTxFDBufferFull)
		}
	}
	return nil
}

var (
	errMessageTooLarge  = errors.New("wire: message exceeds the staging buffer's capacity")
	errTxBufferFull     = errors.New("wire: outbound word buffer still full after a flush attempt")
	errTxFDBufferFull   = errors.New("wire: outbound fd buffer is full")
)

// NextMessage parses the oldest complete message out of rxWords, if one is
// fully buffered. It returns (nil, false, nil) when fewer words than the
// declared size are currently available — the caller should wait for more
// data and try again without having consumed anything.
func (s *Stream) NextMessage() (*Message, bool, error) {
	if s.rxWords.Len() < headerWords {
		return nil, false, nil
	}
	w0, _ := s.rxWords.Get(0)
	w1, _ := s.rxWords.Get(1)

	size := uint16(w1 >> 16)
	opcode := uint16(w1 & 0xFFFF)

	if size < HeaderSize || size%4 != 0 {
		return nil, false, protoerr.WrapProtocol(w0, protoerr.CodeImplementation, protoerr.ErrCorrupt)
	}

	needWords := int(size) / 4
	if s.rxWords.Len() < needWords {
		return nil, false, nil
	}

	s.rxWords.Pop() // object id
	s.rxWords.Pop() // size<<16|opcode

	argWords := needWords - headerWords
	args := make([]byte, argWords*4)
	for i := 0; i < argWords; i++ {
		w, _ := s.rxWords.Pop()
		binary.NativeEndian.PutUint32(args[i*4:], w)
	}

	return &Message{
		Header: Header{Object: ObjectId(w0), Opcode: opcode, Size: size},
		args:   args,
		stream: s,
	}, true, nil
}
