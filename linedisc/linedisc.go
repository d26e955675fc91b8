// Package linedisc implements the line discipline: a buffered,
// deadline-aware search/slice primitive over a transport's byte stream. It
// never interprets bytes — only scans for literal patterns.
package linedisc

import (
	"bytes"
	"errors"
	"time"

	"mpyhost/transport"
)

// DefaultHighWater is the consumed-prefix length, in bytes, past which
// Buffer reclaims the backing array. Only bytes already returned to a
// caller are ever dropped; unconsumed bytes stay buffered however long a
// pattern takes to arrive.
const DefaultHighWater = 64 * 1024

// Buffer is the growable read buffer: it reads the underlying transport
// in blocks, appends them, and scans incrementally for literal delimiter
// patterns. Bytes before off have been returned to a caller; bytes from
// off on are live and visible to the next read.
type Buffer struct {
	t         transport.Transport
	buf       []byte
	off       int // consumed prefix, reclaimed once it crosses highWater
	scanned   int // live-byte count proven not to contain a pattern start
	highWater int
}

// New wraps t in a line discipline buffer.
func New(t transport.Transport) *Buffer {
	return &Buffer{t: t, highWater: DefaultHighWater}
}

// SetHighWater overrides DefaultHighWater; mostly useful in tests that want
// to exercise compaction without consuming 64KB of fixture data.
func (b *Buffer) SetHighWater(n int) { b.highWater = n }

// ReadUntil reads from the transport until pattern appears in the stream
// or deadline elapses. It returns the bytes preceding pattern (never
// including pattern itself) and whether pattern was actually found. On a
// timeout it returns whatever was accumulated so far with matched=false
// and a transport.ErrTimeout error; the accumulated bytes remain buffered
// for the next call (no byte is lost).
func (b *Buffer) ReadUntil(pattern []byte, deadline time.Duration) ([]byte, bool, error) {
	if before, ok := b.takeMatch(pattern); ok {
		return before, true, nil
	}

	var absDeadline time.Time
	hasDeadline := deadline != transport.NoDeadline
	if hasDeadline {
		absDeadline = time.Now().Add(deadline)
	}

	for {
		readDeadline := transport.NoDeadline
		if hasDeadline {
			readDeadline = time.Until(absDeadline)
			if readDeadline <= 0 {
				return b.snapshot(), false, transport.ErrTimeout
			}
		}
		chunk, err := b.t.Read(readDeadline)
		if err != nil {
			if errors.Is(err, transport.ErrTimeout) {
				if !hasDeadline {
					continue
				}
				return b.snapshot(), false, transport.ErrTimeout
			}
			return nil, false, err
		}
		b.append(chunk)
		if before, ok := b.takeMatch(pattern); ok {
			return before, true, nil
		}
	}
}

// ReadN reads exactly n bytes, blocking up to deadline. It is a
// supplemental primitive beyond ReadUntil/ReadAvailable/Drain: raw-paste's
// fixed-width window-size and ack fields can't be expressed as a pattern
// search, so the flow-control code needs an exact-count read built on the
// same buffer.
func (b *Buffer) ReadN(n int, deadline time.Duration) ([]byte, error) {
	var absDeadline time.Time
	hasDeadline := deadline != transport.NoDeadline
	if hasDeadline {
		absDeadline = time.Now().Add(deadline)
	}
	for len(b.buf)-b.off < n {
		readDeadline := transport.NoDeadline
		if hasDeadline {
			readDeadline = time.Until(absDeadline)
			if readDeadline <= 0 {
				return nil, transport.ErrTimeout
			}
		}
		chunk, err := b.t.Read(readDeadline)
		if err != nil {
			if errors.Is(err, transport.ErrTimeout) {
				if !hasDeadline {
					continue
				}
				return nil, transport.ErrTimeout
			}
			return nil, err
		}
		b.append(chunk)
	}
	out := append([]byte(nil), b.buf[b.off:b.off+n]...)
	b.consume(b.off + n)
	return out, nil
}

// ReadAvailable drains and returns whatever is currently buffered plus one
// non-blocking-ish read (zero deadline) of the transport, without scanning
// for any pattern. Used by passthrough/interactive modes.
func (b *Buffer) ReadAvailable() []byte {
	chunk, err := b.t.Read(0)
	if err == nil {
		b.append(chunk)
	}
	out := append([]byte(nil), b.buf[b.off:]...)
	b.consume(len(b.buf))
	return out
}

// Drain reads and discards from the transport for the given duration,
// used by stop() to flush in-flight output after a cancellation.
func (b *Buffer) Drain(d time.Duration) {
	deadline := time.Now().Add(d)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}
		if _, err := b.t.Read(remaining); err != nil {
			return
		}
		b.consume(len(b.buf))
	}
}

func (b *Buffer) append(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	b.buf = append(b.buf, chunk...)
}

// takeMatch scans for pattern starting from the proven-safe offset, and if
// found, consumes it (and everything before it), returning the preceding
// bytes.
func (b *Buffer) takeMatch(pattern []byte) ([]byte, bool) {
	start := b.off + b.scanned - len(pattern) + 1
	if start < b.off {
		start = b.off
	}
	idx := bytes.Index(b.buf[start:], pattern)
	if idx < 0 {
		b.scanned = len(b.buf) - b.off - len(pattern) + 1
		if b.scanned < 0 {
			b.scanned = 0
		}
		return nil, false
	}
	idx += start
	before := append([]byte(nil), b.buf[b.off:idx]...)
	b.consume(idx + len(pattern))
	return before, true
}

// consume advances the consumed-prefix cursor to newOff and reclaims the
// backing array once the dead prefix crosses highWater. Only bytes already
// handed back to a caller are dropped; live bytes are copied down intact.
func (b *Buffer) consume(newOff int) {
	b.off = newOff
	b.scanned = 0
	if b.off < b.highWater {
		return
	}
	b.buf = append([]byte(nil), b.buf[b.off:]...)
	b.off = 0
}

func (b *Buffer) snapshot() []byte {
	return append([]byte(nil), b.buf[b.off:]...)
}
