package command_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mpyhost/command"
	"mpyhost/repl"
)

// fakeRunner answers TryRawPaste/Execute by pattern-matching the generated
// code string against canned replies, standing in for a real device so the
// command layer's code-generation and literal-decoding can be tested
// without a REPL engine.
type fakeRunner struct {
	installed bool
	replies   []reply
}

type reply struct {
	contains string
	stdout   string
}

func (f *fakeRunner) TryRawPaste(unit repl.CodeUnit) ([]byte, error) {
	code := string(unit.Code)
	if strings.Contains(code, "def _mh_ls") {
		f.installed = true
		return nil, nil
	}
	for _, r := range f.replies {
		if strings.Contains(code, r.contains) {
			return []byte(r.stdout), nil
		}
	}
	return []byte("None"), nil
}

func (f *fakeRunner) Execute(unit repl.CodeUnit) ([]byte, error) { return f.TryRawPaste(unit) }
func (f *fakeRunner) HelpersInstalled() bool                     { return f.installed }
func (f *fakeRunner) SetHelpersInstalled(v bool)                 { f.installed = v }

func TestCommandsLs(t *testing.T) {
	fr := &fakeRunner{replies: []reply{
		{contains: "_mh_ls(", stdout: "[('boot.py', 512), ('lib', None)]"},
	}}
	c := command.New(fr, time.Second)

	entries, err := c.Ls("/", 0)
	require.NoError(t, err)
	require.True(t, fr.installed)
	require.Len(t, entries, 2)
	require.Equal(t, "boot.py", entries[0].Name)
	require.Equal(t, int64(512), entries[0].Size)
	require.False(t, entries[0].IsDir)
	require.True(t, entries[1].IsDir)
}

func TestCommandsTree(t *testing.T) {
	fr := &fakeRunner{replies: []reply{
		{contains: "_mh_tree(", stdout: "('/', 12, [('a.py', 12, None), ('lib', 0, [])])"},
	}}
	c := command.New(fr, time.Second)

	node, err := c.Tree("/", 0)
	require.NoError(t, err)
	require.Equal(t, int64(12), node.Size)
	require.Len(t, node.Children, 2)
	require.Equal(t, "a.py", node.Children[0].Path)
	require.True(t, node.Children[1].IsDir)
}

func TestCommandsStatMissing(t *testing.T) {
	fr := &fakeRunner{replies: []reply{
		{contains: "_uos.stat", stdout: "None"},
	}}
	c := command.New(fr, time.Second)

	_, _, err := c.Stat("/missing", 0)
	require.Error(t, err)
}

func TestCommandsStatFound(t *testing.T) {
	fr := &fakeRunner{replies: []reply{
		{contains: "_uos.stat", stdout: "(False, 42)"},
	}}
	c := command.New(fr, time.Second)

	size, isDir, err := c.Stat("/a.py", 0)
	require.NoError(t, err)
	require.Equal(t, int64(42), size)
	require.False(t, isDir)
}

func TestCommandsFileInfo(t *testing.T) {
	fr := &fakeRunner{replies: []reply{
		{contains: "_mh_fileinfo(", stdout: "{'a.py': (10, b'\\x01\\x02'), 'b.py': None}"},
	}}
	c := command.New(fr, time.Second)

	out, err := c.FileInfo(map[string]int64{"a.py": 10, "b.py": 5}, 0)
	require.NoError(t, err)
	require.False(t, out["a.py"].Missing)
	require.Equal(t, int64(10), out["a.py"].Size)
	require.Equal(t, []byte{0x01, 0x02}, out["a.py"].Hash)
	require.True(t, out["b.py"].Missing)
}

func TestCommandsGetPutChunk(t *testing.T) {
	fr := &fakeRunner{replies: []reply{
		{contains: "_f.read(", stdout: `b'hello'`},
		{contains: "_f.write(", stdout: "None"},
	}}
	c := command.New(fr, time.Second)

	b, err := c.GetChunk("/a.bin", 0, 5, 0)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), b)

	err = c.PutChunk("/a.bin", 0, []byte("hello"), true, 0)
	require.NoError(t, err)
}

func TestCommandsSysPath(t *testing.T) {
	fr := &fakeRunner{replies: []reply{
		{contains: "list(_sys.path)", stdout: "['', '/lib']"},
	}}
	c := command.New(fr, time.Second)

	paths, err := c.GetSysPath(0)
	require.NoError(t, err)
	require.Equal(t, []string{"", "/lib"}, paths)

	require.NoError(t, c.PrependSysPath("/sd", 0))
	require.NoError(t, c.AppendSysPath("/sd", 0))
	require.NoError(t, c.RemoveFromSysPath("/sd", 0))
}
