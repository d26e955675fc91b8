package command

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"mpyhost/errs"
)

// Entry is one child of a listed directory: Size is -1 for a subdirectory.
type Entry struct {
	Name  string
	Size  int64
	IsDir bool
}

// TreeNode is one node of a recursive directory listing (Tree).
type TreeNode struct {
	Path     string
	Size     int64
	IsDir    bool
	Children []TreeNode
}

// FileStatus is one entry of a FileInfo reply: Missing is true when the
// path doesn't exist on the device at all; Hash is nil when the size
// didn't match the expected size (no point hashing a short/stale file) or
// when the device has no hashlib.
type FileStatus struct {
	Missing bool
	Size    int64
	Hash    []byte
}

// pyStr renders s as a single-quoted Python string literal.
func pyStr(s string) string {
	var sb strings.Builder
	sb.WriteByte('\'')
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '\\':
			sb.WriteString(`\\`)
		case '\'':
			sb.WriteString(`\'`)
		case '\n':
			sb.WriteString(`\n`)
		case '\r':
			sb.WriteString(`\r`)
		default:
			sb.WriteByte(c)
		}
	}
	sb.WriteByte('\'')
	return sb.String()
}

// pyBytes renders b as a b'...' literal, escaping every byte outside the
// printable, non-quote, non-backslash ASCII range.
func pyBytes(b []byte) string {
	var sb strings.Builder
	sb.WriteString("b'")
	for _, c := range b {
		switch {
		case c == '\\':
			sb.WriteString(`\\`)
		case c == '\'':
			sb.WriteString(`\'`)
		case c == '\n':
			sb.WriteString(`\n`)
		case c == '\r':
			sb.WriteString(`\r`)
		case c >= 0x20 && c < 0x7f:
			sb.WriteByte(c)
		default:
			fmt.Fprintf(&sb, `\x%02x`, c)
		}
	}
	sb.WriteString("'")
	return sb.String()
}

// osError reports whether err is a CmdError whose device-side traceback
// is an OSError, which is how every absent-path failure comes back from
// the helper module.
func osError(err error) bool {
	var ce *errs.CmdError
	return errors.As(err, &ce) && strings.Contains(ce.Stderr, "OSError")
}

// Ls lists the immediate children of path. A path that does not exist, or
// names a file, yields a DirNotFound error.
func (c *Commands) Ls(path string, timeout time.Duration) ([]Entry, error) {
	timeout = c.timeout(timeout)
	if err := c.ensureHelpers(timeout); err != nil {
		return nil, err
	}
	v, err := c.Eval(fmt.Sprintf("_mh_ls(%s)", pyStr(path)), timeout)
	if err != nil {
		if osError(err) {
			return nil, &errs.PathError{Op: "ls", Path: path, Kind: errs.DirNotFound}
		}
		return nil, err
	}
	out := make([]Entry, 0, len(v.List))
	for _, item := range v.List {
		name, _ := item.List[0].AsString()
		if item.List[1].IsNone() {
			out = append(out, Entry{Name: name, Size: -1, IsDir: true})
			continue
		}
		size, _ := item.List[1].AsInt()
		out = append(out, Entry{Name: name, Size: size})
	}
	return out, nil
}

// Tree recursively lists path and every descendant, with per-directory
// cumulative sizes.
func (c *Commands) Tree(path string, timeout time.Duration) (TreeNode, error) {
	timeout = c.timeout(timeout)
	if err := c.ensureHelpers(timeout); err != nil {
		return TreeNode{}, err
	}
	v, err := c.Eval(fmt.Sprintf("_mh_tree(%s)", pyStr(path)), timeout)
	if err != nil {
		if osError(err) {
			return TreeNode{}, &errs.PathError{Op: "tree", Path: path, Kind: errs.DirNotFound}
		}
		return TreeNode{}, err
	}
	return decodeTree(v)
}

func decodeTree(v Literal) (TreeNode, error) {
	if v.Kind != KindList || len(v.List) != 3 {
		return TreeNode{}, fmt.Errorf("command: malformed tree reply")
	}
	path, _ := v.List[0].AsString()
	size, _ := v.List[1].AsInt()
	node := TreeNode{Path: path, Size: size, IsDir: true}
	for _, kid := range v.List[2].List {
		if len(kid.List) != 3 {
			return TreeNode{}, fmt.Errorf("command: malformed tree child")
		}
		name, _ := kid.List[0].AsString()
		ksize, _ := kid.List[1].AsInt()
		if kid.List[2].IsNone() {
			node.Children = append(node.Children, TreeNode{Path: name, Size: ksize})
			continue
		}
		child, err := decodeTree(Literal{Kind: KindList, List: []Literal{kid.List[0], kid.List[1], kid.List[2]}})
		if err != nil {
			return TreeNode{}, err
		}
		node.Children = append(node.Children, child)
	}
	return node, nil
}

// Stat returns the size and directory-ness of a single path without
// needing the helper module installed.
func (c *Commands) Stat(path string, timeout time.Duration) (size int64, isDir bool, err error) {
	timeout = c.timeout(timeout)
	code := fmt.Sprintf(
		"import uos as _uos\n"+
			"try:\n"+
			" _st=_uos.stat(%s)\n"+
			" print(repr((_st[0]&0x4000!=0,_st[6])))\n"+
			"except OSError:\n"+
			" print(repr(None))",
		pyStr(path))
	v, err := c.Eval(code, timeout)
	if err != nil {
		return 0, false, err
	}
	if v.IsNone() {
		return 0, false, &errs.PathError{Op: "stat", Path: path, Kind: errs.PathNotFound}
	}
	dirFlag := v.List[0].Bool
	n, _ := v.List[1].AsInt()
	return n, dirFlag, nil
}

// Mkdir creates path and any missing parent directories.
func (c *Commands) Mkdir(path string, timeout time.Duration) error {
	timeout = c.timeout(timeout)
	if err := c.ensureHelpers(timeout); err != nil {
		return err
	}
	_, err := c.Eval(fmt.Sprintf("_mh_mkdir(%s)", pyStr(path)), timeout)
	return err
}

// Delete removes path, recursively if it is a directory.
func (c *Commands) Delete(path string, timeout time.Duration) error {
	timeout = c.timeout(timeout)
	if err := c.ensureHelpers(timeout); err != nil {
		return err
	}
	_, err := c.Eval(fmt.Sprintf("_mh_delete(%s)", pyStr(path)), timeout)
	return err
}

// Rename moves src to dst (a plain os.rename; no cross-filesystem support
// is assumed, matching MicroPython's uos.rename).
func (c *Commands) Rename(src, dst string, timeout time.Duration) error {
	timeout = c.timeout(timeout)
	code := fmt.Sprintf(
		"import uos as _uos\n"+
			"_uos.rename(%s,%s)\n"+
			"print(repr(None))", pyStr(src), pyStr(dst))
	_, err := c.Eval(code, timeout)
	return err
}

// HashFile returns the SHA-256 digest of path, or nil if the device has no
// hashlib module.
func (c *Commands) HashFile(path string, timeout time.Duration) ([]byte, error) {
	timeout = c.timeout(timeout)
	if err := c.ensureHelpers(timeout); err != nil {
		return nil, err
	}
	v, err := c.Eval(fmt.Sprintf("_mh_hashfile(%s)", pyStr(path)), timeout)
	if err != nil {
		return nil, err
	}
	if v.IsNone() {
		return nil, nil
	}
	b, _ := v.AsBytes()
	return b, nil
}

// FileInfo batches a stat+hash check for every path in expectedSizes in a
// single round trip: the skip phase of the transfer pipeline uses this to
// decide which files already match the host's copy.
func (c *Commands) FileInfo(expectedSizes map[string]int64, timeout time.Duration) (map[string]FileStatus, error) {
	timeout = c.timeout(timeout)
	if err := c.ensureHelpers(timeout); err != nil {
		return nil, err
	}
	var sb strings.Builder
	sb.WriteByte('{')
	first := true
	for path, size := range expectedSizes {
		if !first {
			sb.WriteByte(',')
		}
		first = false
		fmt.Fprintf(&sb, "%s:%d", pyStr(path), size)
	}
	sb.WriteByte('}')

	v, err := c.Eval(fmt.Sprintf("_mh_fileinfo(%s)", sb.String()), timeout)
	if err != nil {
		return nil, err
	}
	out := make(map[string]FileStatus, len(v.Dict))
	for _, e := range v.Dict {
		path, _ := e.Key.AsString()
		if e.Value.IsNone() {
			out[path] = FileStatus{Missing: true}
			continue
		}
		size, _ := e.Value.List[0].AsInt()
		var hash []byte
		if !e.Value.List[1].IsNone() {
			hash, _ = e.Value.List[1].AsBytes()
		}
		out[path] = FileStatus{Size: size, Hash: hash}
	}
	return out, nil
}

// GetChunk reads length bytes of path starting at offset.
func (c *Commands) GetChunk(path string, offset, length int64, timeout time.Duration) ([]byte, error) {
	timeout = c.timeout(timeout)
	code := fmt.Sprintf(
		"with open(%s,'rb') as _f:\n"+
			" _f.seek(%d)\n"+
			" print(repr(_f.read(%d)))", pyStr(path), offset, length)
	v, err := c.Eval(code, timeout)
	if err != nil {
		return nil, err
	}
	b, ok := v.AsBytes()
	if !ok {
		return nil, fmt.Errorf("command: get chunk: unexpected reply kind %v", v.Kind)
	}
	return b, nil
}

// PutChunk writes data at offset into path. create truncates (or creates)
// the file first; subsequent chunks of the same transfer pass create=false
// so the write seeks into the already-opened-and-extended file.
func (c *Commands) PutChunk(path string, offset int64, data []byte, create bool, timeout time.Duration) error {
	timeout = c.timeout(timeout)
	mode := "r+b"
	if create {
		mode = "wb"
	}
	code := fmt.Sprintf(
		"with open(%s,%s) as _f:\n"+
			" _f.seek(%d)\n"+
			" _f.write(%s)\n"+
			"print(repr(None))", pyStr(path), pyStr(mode), offset, pyBytes(data))
	_, err := c.Eval(code, timeout)
	return err
}

// Getcwd returns the device's current working directory.
func (c *Commands) Getcwd(timeout time.Duration) (string, error) {
	timeout = c.timeout(timeout)
	v, err := c.Eval("import uos as _uos\nprint(repr(_uos.getcwd()))", timeout)
	if err != nil {
		return "", err
	}
	s, _ := v.AsString()
	return s, nil
}

// Chdir changes the device's current working directory.
func (c *Commands) Chdir(path string, timeout time.Duration) error {
	timeout = c.timeout(timeout)
	code := fmt.Sprintf("import uos as _uos\n_uos.chdir(%s)\nprint(repr(None))", pyStr(path))
	_, err := c.Eval(code, timeout)
	return err
}
