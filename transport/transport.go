// Package transport implements the byte-stream transports the rest of
// the stack is built on top of: a real Linux serial port and a raw TCP
// tunnel. Both satisfy the same small capability-set interface so the
// rest of the stack never knows which one it is talking to.
package transport

import (
	"errors"
	"time"
)

// ErrTimeout is returned by Read when the deadline elapses before any bytes
// (and no delimiter) arrive. It is never wrapped so callers can compare with
// errors.Is directly.
var ErrTimeout = errors.New("transport: read timeout")

// ErrClosed is returned by Read/Write on an already-closed transport.
var ErrClosed = errors.New("transport: closed")

// NoDeadline disables the read deadline: Read blocks until data arrives,
// the transport is closed, or an I/O error occurs. Interactive modes (the
// friendly-REPL passthrough) use this.
const NoDeadline time.Duration = -1

// Transport is the capability set every concrete transport implements:
// read-with-deadline, write, close, and three optional capabilities a
// given link may or may not support.
type Transport interface {
	// Read blocks for up to deadline (or forever, if deadline is
	// NoDeadline) waiting for at least one byte, then returns whatever is
	// immediately available. It returns ErrTimeout if the deadline elapses
	// with nothing read.
	Read(deadline time.Duration) ([]byte, error)

	// Write writes b in full or returns an error; it never partially
	// writes from the caller's perspective.
	Write(b []byte) error

	// Close releases the underlying resource. Safe to call more than once.
	Close() error

	// ControlLines reports whether SetDTR/SetRTS are meaningful on this
	// transport (false for TCP).
	ControlLines() bool
	SetDTR(on bool) error
	SetRTS(on bool) error

	// Reconnectable reports whether Reconnect is meaningful (true for
	// USB-CDC-style serial where the device vanishes and reappears across
	// a machine reset; false for a TCP tunnel, where the caller is
	// expected to redial).
	Reconnectable() bool
	Reconnect(timeout time.Duration) error
}

// ErrNotSupported is returned by the optional-capability methods when the
// concrete transport doesn't implement them.
var ErrNotSupported = errors.New("transport: capability not supported")
