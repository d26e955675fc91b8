package repl

import (
	"encoding/binary"
	"errors"
	"time"

	"mpyhost/errs"
	"mpyhost/transport"
)

// TryRawPaste probes for raw-paste support and, if present, submits unit
// via the flow-controlled raw-paste path; otherwise it transparently
// downgrades to the normal raw Execute path. The probe's outcome (window
// size included) is cached either way, so later calls go straight to the
// right path without re-probing; a reset clears the cache.
func (e *Engine) TryRawPaste(unit CodeUnit) ([]byte, error) {
	if e.State() != StateRaw {
		return nil, errors.New("repl: raw-paste requires raw mode")
	}
	defer e.notifyReset()
	timeout := unit.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	caps := e.Capabilities()
	if caps.RawPasteProbed {
		if !caps.RawPasteSupported {
			return e.Execute(unit)
		}
		return e.rawPasteExec(unit, caps.RawPasteWindow, timeout)
	}

	supported, windowSize, err := e.probeRawPaste(timeout)
	if err != nil {
		return nil, err
	}
	if !supported {
		return e.Execute(unit)
	}
	return e.rawPasteExec(unit, windowSize, timeout)
}

// ExecuteRawPaste is the strict variant of TryRawPaste: a device without
// raw-paste support yields a *errs.CapabilityError instead of a
// transparent downgrade to the plain raw execute path.
func (e *Engine) ExecuteRawPaste(unit CodeUnit) ([]byte, error) {
	if e.State() != StateRaw {
		return nil, errors.New("repl: raw-paste requires raw mode")
	}
	defer e.notifyReset()
	timeout := unit.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	caps := e.Capabilities()
	if caps.RawPasteProbed {
		if !caps.RawPasteSupported {
			return nil, &errs.CapabilityError{Capability: "raw-paste"}
		}
		return e.rawPasteExec(unit, caps.RawPasteWindow, timeout)
	}
	supported, windowSize, err := e.probeRawPaste(timeout)
	if err != nil {
		return nil, err
	}
	if !supported {
		return nil, &errs.CapabilityError{Capability: "raw-paste"}
	}
	return e.rawPasteExec(unit, windowSize, timeout)
}

// rawPasteExec runs the flow-controlled send and the stdout/stderr
// collection shared by TryRawPaste and ExecuteRawPaste.
func (e *Engine) rawPasteExec(unit CodeUnit, windowSize uint16, timeout time.Duration) ([]byte, error) {
	e.setState(StateRawPaste)
	defer e.setState(StateRaw)

	if err := e.sendRawPaste(unit.Code, windowSize, timeout); err != nil {
		return nil, err
	}

	stdout, _, err := e.ld.ReadUntil([]byte{ctrlD}, timeout)
	if err != nil {
		if errors.Is(err, transport.ErrTimeout) {
			return nil, &errs.ProtocolTimeoutError{Op: "raw-paste: stdout"}
		}
		return nil, wrapTransport("raw-paste: stdout", err)
	}
	stderr, _, err := e.ld.ReadUntil([]byte{ctrlD}, timeout)
	if err != nil {
		if errors.Is(err, transport.ErrTimeout) {
			return nil, &errs.ProtocolTimeoutError{Op: "raw-paste: stderr"}
		}
		return nil, wrapTransport("raw-paste: stderr", err)
	}
	_, _, _ = e.ld.ReadUntil([]byte(">"), timeout)

	if len(stderr) > 0 {
		return nil, &errs.CmdError{Cmd: string(unit.Code), Result: stdout, Stderr: string(stderr)}
	}
	return stdout, nil
}

// probeRawPaste sends the three-byte probe and decodes the device's
// reply: "R\x00" (unsupported) or "R\x01" + u16-le window size + "\x01".
func (e *Engine) probeRawPaste(timeout time.Duration) (bool, uint16, error) {
	if err := e.write(rawPasteProbe); err != nil {
		return false, 0, wrapTransport("raw-paste probe", err)
	}
	head, err := e.ld.ReadN(2, timeout)
	if err != nil {
		if errors.Is(err, transport.ErrTimeout) {
			return false, 0, &errs.ProtocolTimeoutError{Op: "raw-paste probe"}
		}
		return false, 0, wrapTransport("raw-paste probe", err)
	}
	if head[0] != 'R' {
		return false, 0, &errs.ProtocolDesyncError{Op: "raw-paste probe: expected 'R'"}
	}

	switch head[1] {
	case 0x00:
		e.markRawPaste(false, 0)
		return false, 0, nil
	case 0x01:
		rest, err := e.ld.ReadN(3, timeout)
		if err != nil {
			if errors.Is(err, transport.ErrTimeout) {
				return false, 0, &errs.ProtocolTimeoutError{Op: "raw-paste probe: window"}
			}
			return false, 0, wrapTransport("raw-paste probe: window", err)
		}
		if rest[2] != 0x01 {
			return false, 0, &errs.ProtocolDesyncError{Op: "raw-paste probe: expected ack"}
		}
		windowSize := binary.LittleEndian.Uint16(rest[0:2])
		e.markRawPaste(true, windowSize)
		return true, windowSize, nil
	default:
		return false, 0, &errs.ProtocolDesyncError{Op: "raw-paste probe: unexpected status byte"}
	}
}

func (e *Engine) markRawPaste(supported bool, windowSize uint16) {
	caps := e.Capabilities()
	caps.RawPasteSupported = supported
	caps.RawPasteProbed = true
	caps.RawPasteWindow = windowSize
	e.SetCapabilities(caps)
}

// sendRawPaste writes code under window-size flow control: at most
// windowSize bytes unacknowledged at a time, each 0x01 from the device
// granting another windowSize bytes of credit, 0x03 aborting. Once all
// code is sent, a final Ctrl-D (end-of-data) is written — which itself
// consumes one unit of credit, so a code unit whose length is exactly
// windowSize must wait for one more credit byte before Ctrl-D can go out.
func (e *Engine) sendRawPaste(code []byte, windowSize uint16, timeout time.Duration) error {
	credit := int(windowSize)
	sent := 0
	for sent < len(code) {
		if credit == 0 {
			if err := e.waitCredit(&credit, windowSize, timeout); err != nil {
				return err
			}
			continue
		}
		n := credit
		if remain := len(code) - sent; remain < n {
			n = remain
		}
		if err := e.write(code[sent : sent+n]); err != nil {
			return wrapTransport("raw-paste chunk", err)
		}
		sent += n
		credit -= n
		if err := e.drainFlowBytes(&credit, windowSize); err != nil {
			return err
		}
	}
	if credit == 0 {
		if err := e.waitCredit(&credit, windowSize, timeout); err != nil {
			return err
		}
	}
	if err := e.write([]byte{ctrlD}); err != nil {
		return wrapTransport("raw-paste end-of-data", err)
	}
	return nil
}

func (e *Engine) waitCredit(credit *int, windowSize uint16, timeout time.Duration) error {
	b, err := e.ld.ReadN(1, timeout)
	if err != nil {
		if errors.Is(err, transport.ErrTimeout) {
			return &errs.ProtocolTimeoutError{Op: "raw-paste: awaiting credit"}
		}
		return wrapTransport("raw-paste: awaiting credit", err)
	}
	switch b[0] {
	case 0x01:
		*credit += int(windowSize)
		return nil
	case 0x03:
		return errors.New("repl: raw-paste aborted by device")
	default:
		return &errs.ProtocolDesyncError{Op: "raw-paste: unexpected flow byte"}
	}
}

// drainFlowBytes opportunistically consumes any already-arrived credit
// bytes without blocking, so credit accumulated while a chunk was in
// flight isn't left to trickle in one byte at a time later.
func (e *Engine) drainFlowBytes(credit *int, windowSize uint16) error {
	for _, c := range e.ld.ReadAvailable() {
		switch c {
		case 0x01:
			*credit += int(windowSize)
		case 0x03:
			return errors.New("repl: raw-paste aborted by device")
		default:
			return &errs.ProtocolDesyncError{Op: "raw-paste: unexpected flow byte"}
		}
	}
	return nil
}
