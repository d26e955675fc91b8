package command

import (
	_ "embed"
	"time"

	"mpyhost/repl"
)

// helpersSource is the one-time, device-side helper module: batched
// recursive listing, multi-file stat+hash, and a shared SHA-256 routine,
// so that Ls/Tree/FileInfo cost one round trip instead of one per file.
//
//go:embed helpers.py
var helpersSource []byte

// Runner is the subset of *repl.Engine the command layer depends on. It
// exists so tests can substitute a fake without importing transport/linedisc
// plumbing.
type Runner interface {
	Execute(unit repl.CodeUnit) ([]byte, error)
	TryRawPaste(unit repl.CodeUnit) ([]byte, error)
	HelpersInstalled() bool
	SetHelpersInstalled(bool)
}

// Commands is the device operations layer: each operation is a small
// code unit submitted through the REPL engine and its output decoded
// with the restricted literal reader.
type Commands struct {
	eng     Runner
	Timeout time.Duration
}

// New wires Commands over eng. timeout is the default per-operation
// deadline; individual calls may override it by passing a non-zero value.
func New(eng Runner, timeout time.Duration) *Commands {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Commands{eng: eng, Timeout: timeout}
}

func (c *Commands) timeout(override time.Duration) time.Duration {
	if override != 0 {
		return override
	}
	return c.Timeout
}

// ensureHelpers installs the helper module once per boot (invalidated by
// repl.Engine.SoftReset/MachineReset via SetHelpersInstalled(false)).
func (c *Commands) ensureHelpers(timeout time.Duration) error {
	if c.eng.HelpersInstalled() {
		return nil
	}
	if _, err := c.eng.TryRawPaste(repl.CodeUnit{Code: helpersSource, Timeout: timeout}); err != nil {
		return err
	}
	c.eng.SetHelpersInstalled(true)
	return nil
}

// Eval submits code and decodes the single literal its stdout prints.
func (c *Commands) Eval(code string, timeout time.Duration) (Literal, error) {
	timeout = c.timeout(timeout)
	out, err := c.eng.TryRawPaste(repl.CodeUnit{Code: []byte(code), Timeout: timeout})
	if err != nil {
		return Literal{}, err
	}
	return Parse(trimNewline(string(out)))
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
