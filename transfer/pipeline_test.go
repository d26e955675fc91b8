package transfer_test

import (
	"bytes"
	"crypto/sha256"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/stretchr/testify/require"

	"mpyhost/command"
	"mpyhost/repl"
	"mpyhost/transfer"
)

// fakeDeviceFS is an in-memory stand-in for a MicroPython device's
// filesystem, driving enough of the generated Python back to Go state to
// exercise the transfer pipeline's skip/transfer/progress logic without a
// real device.
type fakeDeviceFS struct {
	mu        sync.Mutex
	files     map[string][]byte
	installed bool
}

func newFakeDeviceFS() *fakeDeviceFS {
	return &fakeDeviceFS{files: map[string][]byte{}}
}

func (f *fakeDeviceFS) Execute(unit repl.CodeUnit) ([]byte, error) {
	return f.exec(string(unit.Code))
}

func (f *fakeDeviceFS) TryRawPaste(unit repl.CodeUnit) ([]byte, error) {
	return f.exec(string(unit.Code))
}

func (f *fakeDeviceFS) HelpersInstalled() bool     { return f.installed }
func (f *fakeDeviceFS) SetHelpersInstalled(v bool) { f.installed = v }

var (
	reFirstQuoted = regexp.MustCompile(`'((?:[^'\\]|\\.)*)'`)
	reFileInfo    = regexp.MustCompile(`_mh_fileinfo\((\{[^)]*\})\)`)
	reSeek        = regexp.MustCompile(`\.seek\((\d+)\)`)
	reRead        = regexp.MustCompile(`\.read\((\d+)\)`)
	reBytesLit    = regexp.MustCompile(`\((b'(?:[^'\\]|\\.)*')`)
	reMode        = regexp.MustCompile(`'(wb|r\+b)'`)
)

func (f *fakeDeviceFS) exec(code string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case contains(code, "def _mh_ls"):
		f.installed = true
		return nil, nil

	case contains(code, "_mh_fileinfo("):
		m := reFileInfo.FindStringSubmatch(code)
		lit, err := command.Parse(m[1])
		if err != nil {
			return nil, err
		}
		out := map[string]command.Literal{}
		for _, e := range lit.Dict {
			path, _ := e.Key.AsString()
			expected, _ := e.Value.AsInt()
			data, ok := f.files[path]
			if !ok {
				out[path] = command.Literal{Kind: command.KindNone}
				continue
			}
			if int64(len(data)) != expected {
				out[path] = literalTuple(literalInt(int64(len(data))), command.Literal{Kind: command.KindNone})
				continue
			}
			out[path] = literalTuple(literalInt(int64(len(data))), literalBytes(sha256Sum(data)))
		}
		return []byte(reprDict(out)), nil

	case contains(code, "_f.write(") && contains(code, "DeflateIO"):
		path := reFirstQuoted.FindStringSubmatch(code)[1]
		offset, _ := strconv.Atoi(reSeek.FindStringSubmatch(code)[1])
		lit, _ := command.Parse(reBytesLit.FindStringSubmatch(code)[1])
		b, _ := lit.AsBytes()
		raw, err := inflate(b)
		if err != nil {
			return nil, err
		}
		f.writeAt(path, offset, raw, contains(code, "'wb'"))
		return []byte("None"), nil

	case contains(code, "_f.write("):
		path := reFirstQuoted.FindStringSubmatch(code)[1]
		offset, _ := strconv.Atoi(reSeek.FindStringSubmatch(code)[1])
		lit, _ := command.Parse(reBytesLit.FindStringSubmatch(code)[1])
		b, _ := lit.AsBytes()
		mode := reMode.FindStringSubmatch(code)[1]
		f.writeAt(path, offset, b, mode == "wb")
		return []byte("None"), nil

	case contains(code, "_z.write(_raw)"):
		path := reFirstQuoted.FindStringSubmatch(code)[1]
		offset, _ := strconv.Atoi(reSeek.FindStringSubmatch(code)[1])
		length, _ := strconv.Atoi(reRead.FindStringSubmatch(code)[1])
		raw := f.readAt(path, offset, length)
		compressed, err := deflate(raw)
		if err != nil {
			return nil, err
		}
		return []byte(reprBytes(compressed)), nil

	case contains(code, "_f.read("):
		path := reFirstQuoted.FindStringSubmatch(code)[1]
		offset, _ := strconv.Atoi(reSeek.FindStringSubmatch(code)[1])
		length, _ := strconv.Atoi(reRead.FindStringSubmatch(code)[1])
		raw := f.readAt(path, offset, length)
		return []byte(reprBytes(raw)), nil

	case contains(code, "_uos.stat("):
		path := reFirstQuoted.FindStringSubmatch(code)[1]
		data, ok := f.files[path]
		if !ok {
			return []byte("None"), nil
		}
		return []byte("(False, " + strconv.Itoa(len(data)) + ")"), nil
	}
	return []byte("None"), nil
}

func (f *fakeDeviceFS) writeAt(path string, offset int, data []byte, truncate bool) {
	cur := f.files[path]
	if truncate {
		cur = nil
	}
	need := offset + len(data)
	if len(cur) < need {
		grown := make([]byte, need)
		copy(grown, cur)
		cur = grown
	}
	copy(cur[offset:], data)
	f.files[path] = cur
}

func (f *fakeDeviceFS) readAt(path string, offset, length int) []byte {
	data := f.files[path]
	if offset >= len(data) {
		return nil
	}
	end := offset + length
	if end > len(data) {
		end = len(data)
	}
	return data[offset:end]
}

func contains(s, sub string) bool { return bytes.Contains([]byte(s), []byte(sub)) }

func literalInt(n int64) command.Literal    { return command.Literal{Kind: command.KindInt, Int: n} }
func literalBytes(b []byte) command.Literal { return command.Literal{Kind: command.KindBytes, Bytes: b} }
func literalTuple(items ...command.Literal) command.Literal {
	return command.Literal{Kind: command.KindList, List: items}
}

func sha256Sum(b []byte) []byte {
	h := sha256.Sum256(b)
	return h[:]
}

func deflate(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(b); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func inflate(b []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(b))
	defer r.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func reprBytes(b []byte) string {
	var sb bytes.Buffer
	sb.WriteString("b'")
	for _, c := range b {
		switch {
		case c == '\\':
			sb.WriteString(`\\`)
		case c == '\'':
			sb.WriteString(`\'`)
		case c >= 0x20 && c < 0x7f:
			sb.WriteByte(c)
		default:
			sb.WriteString("\\x")
			const hex = "0123456789abcdef"
			sb.WriteByte(hex[c>>4])
			sb.WriteByte(hex[c&0xf])
		}
	}
	sb.WriteString("'")
	return sb.String()
}

func reprDict(m map[string]command.Literal) string {
	var sb bytes.Buffer
	sb.WriteByte('{')
	first := true
	for k, v := range m {
		if !first {
			sb.WriteByte(',')
		}
		first = false
		sb.WriteString("'" + k + "':")
		sb.WriteString(reprLiteral(v))
	}
	sb.WriteByte('}')
	return sb.String()
}

func reprLiteral(v command.Literal) string {
	switch v.Kind {
	case command.KindNone:
		return "None"
	case command.KindInt:
		return strconv.FormatInt(v.Int, 10)
	case command.KindBytes:
		return reprBytes(v.Bytes)
	case command.KindList:
		var sb bytes.Buffer
		sb.WriteByte('(')
		for i, it := range v.List {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(reprLiteral(it))
		}
		sb.WriteByte(')')
		return sb.String()
	}
	return "None"
}

func TestPipelinePlanAndTransfer(t *testing.T) {
	dir := t.TempDir()
	mustWrite := func(name, content string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
		return p
	}

	localA := mustWrite("a.py", "print('a')")
	localB := mustWrite("b.py", "print('b')")

	dev := newFakeDeviceFS()
	cmds := command.New(dev, time.Second)
	caps := repl.Capabilities{FreeRAM: 0, HasDeflate: false}
	pipe := transfer.New(cmds, func() repl.Capabilities { return caps }, time.Second)

	plan, err := pipe.Plan([]transfer.FileSpec{
		{LocalPath: localA, RemotePath: "/a.py"},
		{LocalPath: localB, RemotePath: "/b.py"},
	})
	require.NoError(t, err)
	require.Equal(t, 2, plan.Transferred())
	require.Equal(t, 0, plan.Skipped())

	var progressed []int64
	result, err := pipe.TransferPlan(plan, transfer.CompressDisable, func(done, total int64) {
		progressed = append(progressed, done)
	})
	require.NoError(t, err)
	require.Equal(t, 2, result.Transferred)
	require.NotEmpty(t, progressed)
	require.Equal(t, []byte("print('a')"), dev.files["/a.py"])
	require.Equal(t, []byte("print('b')"), dev.files["/b.py"])

	// Re-planning after a successful transfer should skip everything.
	plan2, err := pipe.Plan([]transfer.FileSpec{
		{LocalPath: localA, RemotePath: "/a.py"},
		{LocalPath: localB, RemotePath: "/b.py"},
	})
	require.NoError(t, err)
	require.Equal(t, 0, plan2.Transferred())
	require.Equal(t, 2, plan2.Skipped())
}

func TestPipelineGetRoundTrip(t *testing.T) {
	dev := newFakeDeviceFS()
	dev.files["/data.bin"] = []byte("0123456789abcdef")
	cmds := command.New(dev, time.Second)
	caps := repl.Capabilities{FreeRAM: 0}
	pipe := transfer.New(cmds, func() repl.Capabilities { return caps }, time.Second)

	dir := t.TempDir()
	dst := filepath.Join(dir, "data.bin")
	n, err := pipe.Get("/data.bin", dst, transfer.CompressAuto, nil)
	require.NoError(t, err)
	require.Equal(t, int64(16), n)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, []byte("0123456789abcdef"), got)

	_, err = pipe.Get("/data.bin", dst, transfer.CompressForce, nil)
	require.Error(t, err, "forced compression without device deflate must fail")
}

func TestPipelineGetHonorsCompressDisable(t *testing.T) {
	dev := newFakeDeviceFS()
	dev.files["/data.bin"] = []byte("0123456789abcdef")
	cmds := command.New(dev, time.Second)
	caps := repl.Capabilities{FreeRAM: 0, HasDeflate: true}
	pipe := transfer.New(cmds, func() repl.Capabilities { return caps }, time.Second)

	dir := t.TempDir()
	dst := filepath.Join(dir, "data.bin")
	n, err := pipe.Get("/data.bin", dst, transfer.CompressDisable, nil)
	require.NoError(t, err)
	require.Equal(t, int64(16), n)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, []byte("0123456789abcdef"), got)
}

func TestPipelineCompressedPutAndGet(t *testing.T) {
	dev := newFakeDeviceFS()
	cmds := command.New(dev, time.Second)
	caps := repl.Capabilities{FreeRAM: 0, HasDeflate: true}
	pipe := transfer.New(cmds, func() repl.Capabilities { return caps }, time.Second)

	dir := t.TempDir()
	text := "the quick brown fox jumps over the lazy dog, repeated, " +
		"the quick brown fox jumps over the lazy dog, repeated again and again"
	local := filepath.Join(dir, "doc.txt")
	require.NoError(t, os.WriteFile(local, []byte(text), 0o644))

	result, err := pipe.Put(local, "/doc.txt", transfer.CompressForce, nil)
	require.NoError(t, err)
	require.Equal(t, 1, result.Transferred)
	require.Equal(t, []byte(text), dev.files["/doc.txt"])

	dst := filepath.Join(dir, "doc_back.txt")
	_, err = pipe.Get("/doc.txt", dst, transfer.CompressAuto, nil)
	require.NoError(t, err)
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, text, string(got))
}
