// Package probe implements the platform probe code unit and the
// decoding of its structured reply into a repl.Capabilities value.
package probe

import (
	_ "embed"
	"fmt"
	"strings"
	"time"

	"mpyhost/command"
	"mpyhost/repl"
)

//go:embed probe.py
var probeSource []byte

// Runner is the subset of *repl.Engine the probe needs.
type Runner interface {
	TryRawPaste(unit repl.CodeUnit) ([]byte, error)
}

// Run submits the embedded probe code unit and decodes its reply. The
// result does not set the RawPaste fields (supported/probed/window):
// those are owned by repl.Engine's own raw-paste probing and are left for
// the caller to carry over from the engine's current values.
func Run(r Runner, timeout time.Duration) (repl.Capabilities, error) {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	out, err := r.TryRawPaste(repl.CodeUnit{Code: probeSource, Timeout: timeout})
	if err != nil {
		return repl.Capabilities{}, err
	}
	lit, err := command.Parse(strings.TrimSpace(string(out)))
	if err != nil {
		return repl.Capabilities{}, fmt.Errorf("probe: decode reply: %w", err)
	}
	if lit.Kind != command.KindDict {
		return repl.Capabilities{}, fmt.Errorf("probe: expected dict reply, got %v", lit.Kind)
	}
	return decode(lit), nil
}

func decode(lit command.Literal) repl.Capabilities {
	m := map[string]command.Literal{}
	for _, e := range lit.Dict {
		if k, ok := e.Key.AsString(); ok {
			m[k] = e.Value
		}
	}
	str := func(key string) string {
		s, _ := m[key].AsString()
		return s
	}
	integer := func(key string) int {
		n, _ := m[key].AsInt()
		return int(n)
	}
	boolean := func(key string) bool {
		v, ok := m[key]
		return ok && v.Kind == command.KindBool && v.Bool
	}

	return repl.Capabilities{
		HasDeflate:      boolean("has_deflate"),
		HasHashlib:      boolean("has_hashlib"),
		FreeRAM:         integer("free_ram"),
		BytecodeVersion: integer("bytecode_version"),
		BoardFamily:     str("machine"),
		Platform:        str("platform"),
		Version:         str("version"),
		Impl:            str("impl"),
		Machine:         str("machine"),
		UniqueID:        str("unique_id"),
	}
}
