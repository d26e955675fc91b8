package transport

import (
	"net"
	"strconv"
	"strings"
	"time"
)

// DefaultTCPPort is the default port for a TCP tunnel exposing the same
// raw REPL byte stream a serial link would.
const DefaultTCPPort = 23

// TCP is a raw, unframed net.Conn-backed transport for the TCP-tunnel case.
// It has no control lines and no reconnect primitive of its own (the
// caller is expected to redial and build a fresh TCP).
type TCP struct {
	addr string
	conn net.Conn
}

// DialTCP opens a TCP tunnel to addr (host:port; port defaults to
// DefaultTCPPort if omitted from addr by the caller).
func DialTCP(addr string, timeout time.Duration) (*TCP, error) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(strings.Trim(addr, "[]"), strconv.Itoa(DefaultTCPPort))
	}
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, wrapErr("dial "+addr, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return &TCP{addr: addr, conn: conn}, nil
}

func (t *TCP) Read(deadline time.Duration) ([]byte, error) {
	if t.conn == nil {
		return nil, ErrClosed
	}
	if deadline == NoDeadline {
		_ = t.conn.SetReadDeadline(time.Time{})
	} else {
		_ = t.conn.SetReadDeadline(time.Now().Add(deadline))
	}
	buf := make([]byte, 4096)
	n, err := t.conn.Read(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, ErrTimeout
		}
		return nil, wrapErr("read "+t.addr, err)
	}
	return buf[:n], nil
}

func (t *TCP) Write(b []byte) error {
	if t.conn == nil {
		return ErrClosed
	}
	_, err := t.conn.Write(b)
	if err != nil {
		return wrapErr("write "+t.addr, err)
	}
	return nil
}

func (t *TCP) Close() error {
	if t.conn == nil {
		return nil
	}
	conn := t.conn
	t.conn = nil
	return conn.Close()
}

func (t *TCP) ControlLines() bool  { return false }
func (t *TCP) SetDTR(bool) error   { return ErrNotSupported }
func (t *TCP) SetRTS(bool) error   { return ErrNotSupported }
func (t *TCP) Reconnectable() bool { return false }
func (t *TCP) Reconnect(time.Duration) error {
	return ErrNotSupported
}
