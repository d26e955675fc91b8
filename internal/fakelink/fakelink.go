// Package fakelink provides an in-memory transport.Transport pair for
// tests, standing in for a real serial port or TCP tunnel. One end plays
// the "device", the other the "host"; bytes written to one are readable
// from the other.
package fakelink

import (
	"bytes"
	"sync"
	"time"

	"mpyhost/transport"
)

// Pair returns two connected endpoints: host and device. Writes to device
// are readable from host and vice versa.
func Pair() (host, device *Endpoint) {
	a := make(chan []byte, 256)
	b := make(chan []byte, 256)
	host = &Endpoint{out: a, in: b}
	device = &Endpoint{out: b, in: a}
	return host, device
}

// Endpoint is one side of an in-memory full-duplex byte pipe.
type Endpoint struct {
	out chan []byte
	in  chan []byte

	mu     sync.Mutex
	buf    []byte
	closed bool

	dtr, rts bool
}

func (e *Endpoint) Read(deadline time.Duration) ([]byte, error) {
	e.mu.Lock()
	if len(e.buf) > 0 {
		b := e.buf
		e.buf = nil
		e.mu.Unlock()
		return b, nil
	}
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, transport.ErrClosed
	}

	if deadline == transport.NoDeadline {
		b, ok := <-e.in
		if !ok {
			return nil, transport.ErrClosed
		}
		return b, nil
	}
	if deadline <= 0 {
		select {
		case b, ok := <-e.in:
			if !ok {
				return nil, transport.ErrClosed
			}
			return b, nil
		default:
			return nil, transport.ErrTimeout
		}
	}
	timer := time.NewTimer(deadline)
	defer timer.Stop()
	select {
	case b, ok := <-e.in:
		if !ok {
			return nil, transport.ErrClosed
		}
		return b, nil
	case <-timer.C:
		return nil, transport.ErrTimeout
	}
}

func (e *Endpoint) Write(b []byte) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return transport.ErrClosed
	}
	e.mu.Unlock()
	cp := append([]byte(nil), b...)
	e.out <- cp
	return nil
}

func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()
	close(e.out)
	return nil
}

func (e *Endpoint) ControlLines() bool { return true }
func (e *Endpoint) SetDTR(on bool) error {
	e.mu.Lock()
	e.dtr = on
	e.mu.Unlock()
	return nil
}
func (e *Endpoint) SetRTS(on bool) error {
	e.mu.Lock()
	e.rts = on
	e.mu.Unlock()
	return nil
}
func (e *Endpoint) Reconnectable() bool           { return false }
func (e *Endpoint) Reconnect(time.Duration) error { return transport.ErrNotSupported }

// DeviceLoop runs a trivial scripted device on the device endpoint,
// responding to writes with scripted output. It's a building block, not
// a full MicroPython simulator: tests that need real REPL or VFS
// semantics drive `device` directly instead.
func DeviceLoop(device *Endpoint, handle func(in []byte) (out []byte, stop bool)) {
	go func() {
		for {
			in, err := device.Read(transport.NoDeadline)
			if err != nil {
				return
			}
			out, stop := handle(in)
			if len(out) > 0 {
				_ = device.Write(out)
			}
			if stop {
				return
			}
		}
	}()
}

// ContainsAll reports whether haystack contains every needle in order,
// used by tests asserting a sequence of frames/bytes appeared on the wire.
func ContainsAll(haystack []byte, needles ...[]byte) bool {
	rest := haystack
	for _, n := range needles {
		idx := bytes.Index(rest, n)
		if idx < 0 {
			return false
		}
		rest = rest[idx+len(n):]
	}
	return true
}
