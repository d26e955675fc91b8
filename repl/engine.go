// Package repl implements the REPL protocol engine: the state machine
// that drives the device between friendly and raw REPL, executes code
// units, and captures their stdout/stderr.
package repl

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"mpyhost/errs"
	"mpyhost/linedisc"
	"mpyhost/transport"
)

// resyncAttempts bounds the Ctrl-C/drain/Ctrl-A retry loop before EnterRaw
// gives up and returns a desync error.
const resyncAttempts = 3

// stopDrainBound caps how much output Stop() may discard while draining
// back to the friendly prompt, so a device stuck refusing to print a
// prompt can't make Stop() block forever.
const stopDrainBound = 4096

// Engine owns the line discipline over a transport and tracks the
// device's REPL state. Exclusive write access to the transport is the
// transport's own concern (transport.InterceptingTransport serializes its
// Write against the mount proxy's reply frames); the engine keeps every
// multi-byte protocol step inside a single Write call so no reply frame
// can land between a code unit's bytes and its trailing Ctrl-D.
type Engine struct {
	t   transport.Transport
	ld  *linedisc.Buffer
	log *zap.Logger

	mu               sync.Mutex
	state            State
	caps             Capabilities
	helpersInstalled bool
	resetObserver    func()
}

// New wires an Engine over t.
func New(t transport.Transport, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		t:     t,
		ld:    linedisc.New(t),
		log:   log,
		state: StateUnknown,
	}
}

// SetResetObserver installs fn to be called after every blocking
// operation returns (Execute, Submit, EnterRaw, ExitRaw, SoftReset, Stop,
// TryRawPaste). The mount proxy uses this to notice, and recover from,
// a device reset that happened while something else was simply reading
// its output — the observer runs once the triggering read has fully
// unwound, so it's always safe for it to submit its own code unit.
func (e *Engine) SetResetObserver(fn func()) {
	e.mu.Lock()
	e.resetObserver = fn
	e.mu.Unlock()
}

func (e *Engine) notifyReset() {
	e.mu.Lock()
	fn := e.resetObserver
	e.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// FlushInput discards any bytes stranded in the line discipline by an
// operation that timed out or desynced, without touching device state.
// The mount proxy flushes before re-installing after a reset, since the
// aborted operation's leftovers (the reset banner's tail) would otherwise
// be read as the next code unit's ack.
func (e *Engine) FlushInput() {
	e.ld.ReadAvailable()
}

// State returns the engine's current REPL state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// Capabilities returns the cached capability struct (raw-paste support,
// deflate, free RAM, ...), populated by the platform probe.
func (e *Engine) Capabilities() Capabilities {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.caps
}

// SetCapabilities installs the capability struct the platform probe decoded.
func (e *Engine) SetCapabilities(c Capabilities) {
	e.mu.Lock()
	e.caps = c
	e.mu.Unlock()
}

// HelpersInstalled reports whether the one-time helper-installation code
// unit has run since the last reset.
func (e *Engine) HelpersInstalled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.helpersInstalled
}

// SetHelpersInstalled marks the helper functions as installed (or not).
func (e *Engine) SetHelpersInstalled(v bool) {
	e.mu.Lock()
	e.helpersInstalled = v
	e.mu.Unlock()
}

func (e *Engine) write(b []byte) error {
	return e.t.Write(b)
}

// EnterRaw drives Unknown -> Raw: Ctrl-C to interrupt, Ctrl-B for friendly
// mode, Ctrl-A for raw mode, retrying with the bounded Ctrl-C/drain/Ctrl-A
// resync loop if the banner doesn't show up.
func (e *Engine) EnterRaw(timeout time.Duration) error {
	defer e.notifyReset()
	if err := e.write([]byte{ctrlC}); err != nil {
		return wrapTransport("enter raw: interrupt", err)
	}
	e.ld.Drain(100 * time.Millisecond)

	if err := e.write([]byte{ctrlB}); err != nil {
		return wrapTransport("enter raw: friendly", err)
	}
	if _, _, err := e.ld.ReadUntil(friendlyPrompt, timeout); err != nil {
		e.log.Debug("enter raw: friendly prompt not observed, continuing", zap.Error(err))
	}

	for attempt := 0; attempt < resyncAttempts; attempt++ {
		if err := e.write([]byte{ctrlA}); err != nil {
			return wrapTransport("enter raw: ctrl-a", err)
		}
		_, matched, err := e.ld.ReadUntil(RawBanner, timeout)
		if matched {
			e.setState(StateRaw)
			e.log.Info("entered raw repl")
			return nil
		}
		if err != nil && !errors.Is(err, transport.ErrTimeout) {
			return wrapTransport("enter raw: read banner", err)
		}
		e.log.Warn("raw repl banner not observed, resyncing", zap.Int("attempt", attempt+1))
		_ = e.write([]byte{ctrlC, ctrlC})
		e.ld.Drain(100 * time.Millisecond)
	}
	return &errs.ProtocolDesyncError{Op: "enter raw repl"}
}

// ExitRaw drives Raw -> Friendly.
func (e *Engine) ExitRaw(timeout time.Duration) error {
	defer e.notifyReset()
	if err := e.write([]byte{ctrlB}); err != nil {
		return wrapTransport("exit raw", err)
	}
	_, matched, err := e.ld.ReadUntil(friendlyPrompt, timeout)
	if !matched {
		if err != nil && errors.Is(err, transport.ErrTimeout) {
			return &errs.ProtocolTimeoutError{Op: "exit raw"}
		}
		return wrapTransport("exit raw", err)
	}
	e.setState(StateFriendly)
	return nil
}

// Execute submits a code unit and collects its stdout. A non-empty stderr
// yields a *errs.CmdError rather than being returned as output.
func (e *Engine) Execute(unit CodeUnit) ([]byte, error) {
	if unit.Timeout == 0 {
		return nil, e.Submit(unit)
	}
	defer e.notifyReset()
	if e.State() != StateRaw {
		return nil, errors.New("repl: Execute requires raw mode")
	}
	if err := e.submitCode(unit.Code); err != nil {
		return nil, err
	}

	stdout, _, err := e.ld.ReadUntil([]byte{ctrlD}, unit.Timeout)
	if err != nil {
		if errors.Is(err, transport.ErrTimeout) {
			return nil, &errs.ProtocolTimeoutError{Op: "execute: stdout"}
		}
		return nil, wrapTransport("execute: stdout", err)
	}

	stderr, _, err := e.ld.ReadUntil([]byte{ctrlD}, unit.Timeout)
	if err != nil {
		if errors.Is(err, transport.ErrTimeout) {
			return nil, &errs.ProtocolTimeoutError{Op: "execute: stderr"}
		}
		return nil, wrapTransport("execute: stderr", err)
	}

	// Trailing '>' returns the engine to idle-within-Raw.
	_, _, _ = e.ld.ReadUntil([]byte(">"), unit.Timeout)

	if len(stderr) > 0 {
		return nil, &errs.CmdError{Cmd: string(unit.Code), Result: stdout, Stderr: string(stderr)}
	}
	return stdout, nil
}

// Submit writes the code unit and Ctrl-D, discards the OK ack, and returns
// immediately without collecting output (the timeout==0 case).
func (e *Engine) Submit(unit CodeUnit) error {
	defer e.notifyReset()
	if e.State() != StateRaw {
		return errors.New("repl: Submit requires raw mode")
	}
	return e.submitCode(unit.Code)
}

// submitCode writes code + Ctrl-D as one Write and consumes the "OK"
// compile ack.
func (e *Engine) submitCode(code []byte) error {
	unit := make([]byte, 0, len(code)+1)
	unit = append(unit, code...)
	unit = append(unit, ctrlD)
	if err := e.t.Write(unit); err != nil {
		return wrapTransport("submit", err)
	}

	ack, err := e.ld.ReadN(2, 5*time.Second)
	if err != nil {
		if errors.Is(err, transport.ErrTimeout) {
			return &errs.ProtocolTimeoutError{Op: "submit: OK ack"}
		}
		return wrapTransport("submit: OK ack", err)
	}
	if !bytes.Equal(ack, []byte("OK")) {
		return &errs.ProtocolDesyncError{Op: "submit: expected OK ack"}
	}
	return nil
}

// SoftReset sends Ctrl-D in the current mode and waits for the resulting
// banner: the friendly prompt (boot scripts ran) in Friendly mode, or the
// raw banner (no boot scripts) in Raw mode. Both invalidate cached
// capabilities and the helper-installed flag.
func (e *Engine) SoftReset(timeout time.Duration) error {
	defer e.notifyReset()
	state := e.State()
	if err := e.write([]byte{ctrlD}); err != nil {
		return wrapTransport("soft reset", err)
	}
	e.SetHelpersInstalled(false)
	e.SetCapabilities(Capabilities{})

	switch state {
	case StateFriendly:
		if _, matched, err := e.ld.ReadUntil(friendlyPrompt, timeout); !matched {
			return resetWaitErr("soft reset (friendly)", err)
		}
	case StateRaw:
		if _, matched, err := e.ld.ReadUntil(RawBanner, timeout); !matched {
			return resetWaitErr("soft reset (raw)", err)
		}
	default:
		return errors.New("repl: soft reset requires friendly or raw mode")
	}
	return nil
}

// Stop sends Ctrl-C twice and reads until the friendly prompt reappears,
// discarding in-flight output. It is safe to call at any time.
func (e *Engine) Stop(timeout time.Duration) error {
	defer e.notifyReset()
	_ = e.write([]byte{ctrlC, ctrlC})
	deadline := time.Now().Add(timeout)
	drained := 0
	for drained < stopDrainBound {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		if remaining > 50*time.Millisecond {
			remaining = 50 * time.Millisecond
		}
		before, matched, err := e.ld.ReadUntil(friendlyPrompt, remaining)
		drained = len(before)
		if matched {
			e.setState(StateFriendly)
			return nil
		}
		if err != nil && !errors.Is(err, transport.ErrTimeout) {
			return wrapTransport("stop", err)
		}
	}
	e.setState(StateUnknown)
	return nil
}

// MachineReset submits a hard `machine.reset()` with Submit semantics,
// closes the transport, and (on a reconnectable transport such as
// USB-CDC) retries Reconnect until it succeeds or reconnectTimeout
// elapses. The engine returns to StateUnknown on success.
func (e *Engine) MachineReset(reconnectTimeout time.Duration) error {
	if e.State() == StateRaw {
		_ = e.Submit(CodeUnit{Code: []byte("import machine; machine.reset()")})
	}
	if err := e.t.Close(); err != nil {
		e.log.Warn("machine reset: close before reconnect failed", zap.Error(err))
	}
	e.setState(StateClosed)
	if e.t.Reconnectable() {
		if err := e.t.Reconnect(reconnectTimeout); err != nil {
			return wrapTransport("machine reset: reconnect", err)
		}
	}
	e.SetHelpersInstalled(false)
	e.SetCapabilities(Capabilities{})
	e.setState(StateUnknown)
	return nil
}

func resetWaitErr(op string, err error) error {
	if err != nil && errors.Is(err, transport.ErrTimeout) {
		return &errs.ProtocolTimeoutError{Op: op}
	}
	return wrapTransport(op, err)
}

func wrapTransport(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}
