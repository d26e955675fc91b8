package command

import (
	"fmt"
	"strings"
	"time"
)

// GetSysPath returns the device's current sys.path.
func (c *Commands) GetSysPath(timeout time.Duration) ([]string, error) {
	timeout = c.timeout(timeout)
	v, err := c.Eval("import sys as _sys\nprint(repr(list(_sys.path)))", timeout)
	if err != nil {
		return nil, err
	}
	return literalStrings(v), nil
}

// SetSysPath replaces sys.path wholesale.
func (c *Commands) SetSysPath(entries []string, timeout time.Duration) error {
	timeout = c.timeout(timeout)
	code := fmt.Sprintf("import sys as _sys\n_sys.path[:]=%s\nprint(repr(None))", pyStrList(entries))
	_, err := c.Eval(code, timeout)
	return err
}

// PrependSysPath inserts entry at the front of sys.path, deduping any
// existing occurrence so repeated mounts don't pile up duplicate entries.
func (c *Commands) PrependSysPath(entry string, timeout time.Duration) error {
	timeout = c.timeout(timeout)
	code := fmt.Sprintf(
		"import sys as _sys\n"+
			"_e=%s\n"+
			"while _e in _sys.path:\n"+
			" _sys.path.remove(_e)\n"+
			"_sys.path.insert(0,_e)\n"+
			"print(repr(None))", pyStr(entry))
	_, err := c.Eval(code, timeout)
	return err
}

// AppendSysPath appends entry to sys.path, deduping any existing
// occurrence.
func (c *Commands) AppendSysPath(entry string, timeout time.Duration) error {
	timeout = c.timeout(timeout)
	code := fmt.Sprintf(
		"import sys as _sys\n"+
			"_e=%s\n"+
			"while _e in _sys.path:\n"+
			" _sys.path.remove(_e)\n"+
			"_sys.path.append(_e)\n"+
			"print(repr(None))", pyStr(entry))
	_, err := c.Eval(code, timeout)
	return err
}

// RemoveFromSysPath removes every occurrence of entry from sys.path.
func (c *Commands) RemoveFromSysPath(entry string, timeout time.Duration) error {
	timeout = c.timeout(timeout)
	code := fmt.Sprintf(
		"import sys as _sys\n"+
			"_e=%s\n"+
			"while _e in _sys.path:\n"+
			" _sys.path.remove(_e)\n"+
			"print(repr(None))", pyStr(entry))
	_, err := c.Eval(code, timeout)
	return err
}

func pyStrList(entries []string) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, e := range entries {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(pyStr(e))
	}
	sb.WriteByte(']')
	return sb.String()
}

func literalStrings(v Literal) []string {
	out := make([]string, 0, len(v.List))
	for _, item := range v.List {
		if s, ok := item.AsString(); ok {
			out = append(out, s)
		}
	}
	return out
}
