package repl

import "time"

// State is the device's REPL mode as tracked by the engine.
type State int

const (
	StateUnknown State = iota
	StateFriendly
	StateRaw
	StateRawPaste
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateFriendly:
		return "friendly"
	case StateRaw:
		return "raw"
	case StateRawPaste:
		return "raw-paste"
	case StateClosed:
		return "closed"
	default:
		return "invalid"
	}
}

// Control bytes the friendly/raw REPL protocol is built from.
const (
	ctrlA byte = 0x01
	ctrlB byte = 0x02
	ctrlC byte = 0x03
	ctrlD byte = 0x04
)

var (
	friendlyPrompt = []byte(">>> ")
	RawBanner      = []byte("raw REPL; CTRL-B to exit\r\n>")
	rawPasteProbe  = []byte{0x05, 'A', 0x01}
)

// Capabilities is the device's cached capability set: raw-paste support,
// deflate availability, free RAM, bytecode version, and board identity.
// Populated by the platform probe and by the raw-paste probe, whose
// outcome (either way, window size included) is cached so the three-byte
// probe goes out once per boot, not once per code unit. Invalidated on
// any reset.
type Capabilities struct {
	RawPasteSupported bool
	RawPasteProbed    bool
	RawPasteWindow    uint16
	HasDeflate        bool
	HasHashlib        bool
	FreeRAM           int
	BytecodeVersion   int
	BoardFamily       string
	Platform          string
	Version           string
	Impl              string
	Machine           string
	UniqueID          string
}

// CodeUnit is a UTF-8 byte sequence plus a timeout. A Timeout of zero
// means "send and return immediately" (Submit); any other timeout is the
// deadline Execute uses to collect stdout.
type CodeUnit struct {
	Code    []byte
	Timeout time.Duration
}
