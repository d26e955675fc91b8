// Package mount implements the on-device VFS agent and its host-side
// demultiplexing proxy.
package mount

import (
	"bytes"
	"encoding/binary"
)

// magic is the frame delimiter scanned for in the device's output stream.
// Four bytes keeps a coincidental collision with printed REPL output
// vanishingly unlikely while staying cheap to scan for.
var magic = []byte{0xF5, 'V', 'F', 'S'}

// headerLen is magic(4) + kind(1) + seq(1) + length(4): a complete valid
// frame being present is a simple length check against this fixed header,
// no recursive length-of-length encoding needed since a payload is always
// bounded by a single request or one transfer chunk.
const headerLen = 10

// maxPayload bounds how large a claimed frame length is taken seriously;
// past this, a matched magic is treated as coincidental REPL output.
const maxPayload = 1 << 20

// Request/response kinds. The reply to a request carries the same kind
// byte as the request it answers.
const (
	KindStat byte = 1 + iota
	KindListdir
	KindOpen
	KindRead
	KindClose
	KindWrite
	KindRemove
	KindMkdir
	KindRename
)

// Error codes carried in the first byte of every reply payload.
const (
	ErrOK byte = iota
	ErrNotFound
	ErrPermission
	ErrIO
	ErrBadRequest
)

// Frame is one decoded VFS request or reply.
type Frame struct {
	Kind byte
	Seq  byte
	Body []byte
}

// Encode renders f as a complete wire frame.
func Encode(kind, seq byte, body []byte) []byte {
	out := make([]byte, 0, headerLen+len(body))
	out = append(out, magic...)
	out = append(out, kind, seq)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	out = append(out, lenBuf[:]...)
	out = append(out, body...)
	return out
}

// extract scans buf for the frame magic and attempts to pull one complete
// frame out of it. If the magic is found and a complete valid frame
// follows it, that frame is extracted; otherwise everything up to (but
// not including) a partial magic match is emitted as output and the
// remainder is retained in the buffer.
//
// Returns the frame (nil if none found yet), the bytes to forward as plain
// output, and the bytes to retain in the scan buffer for the next call.
func extract(buf []byte) (frame *Frame, passthrough []byte, remainder []byte) {
	idx := indexMagic(buf)
	if idx < 0 {
		// Hold back a trailing partial match of the magic (e.g. the device
		// wrote "...\xF5VF" and "S..." arrives on the next read) so it
		// isn't flushed as output and then missed.
		if tail := partialMagicSuffix(buf); tail > 0 {
			return nil, buf[:len(buf)-tail], buf[len(buf)-tail:]
		}
		return nil, buf, nil
	}
	if len(buf)-idx < headerLen {
		return nil, buf[:idx], buf[idx:]
	}
	kind := buf[idx+4]
	seq := buf[idx+5]
	length := binary.BigEndian.Uint32(buf[idx+6 : idx+10])
	if length > maxPayload {
		// Coincidental magic: treat the matched byte itself as output and
		// resume scanning just past it.
		return nil, buf[:idx+1], buf[idx+1:]
	}
	total := headerLen + int(length)
	if len(buf)-idx < total {
		return nil, buf[:idx], buf[idx:]
	}
	body := make([]byte, length)
	copy(body, buf[idx+headerLen:idx+total])
	return &Frame{Kind: kind, Seq: seq, Body: body}, buf[:idx], buf[idx+total:]
}

// partialMagicSuffix returns the length of the longest proper suffix of
// buf that equals a proper prefix of magic, or 0 if none does.
func partialMagicSuffix(buf []byte) int {
	maxLen := len(magic) - 1
	if maxLen > len(buf) {
		maxLen = len(buf)
	}
	for n := maxLen; n > 0; n-- {
		if bytes.Equal(buf[len(buf)-n:], magic[:n]) {
			return n
		}
	}
	return 0
}

func indexMagic(buf []byte) int {
	for i := 0; i+len(magic) <= len(buf); i++ {
		if buf[i] == magic[0] && buf[i+1] == magic[1] && buf[i+2] == magic[2] && buf[i+3] == magic[3] {
			return i
		}
	}
	return -1
}
