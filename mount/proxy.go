package mount

import (
	"bytes"
	_ "embed"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mpyhost/errs"
	"mpyhost/repl"
)

//go:embed agent.py
var agentSource []byte

// Runner is the subset of *repl.Engine the proxy needs to install and
// tear down the on-device agent.
type Runner interface {
	Execute(unit repl.CodeUnit) ([]byte, error)
	FlushInput()
}

// Mount is one live mount's bookkeeping: where it's rooted on the device
// and on the host, whether it accepts writes, and its submounts.
type Mount struct {
	ID              string // correlates log lines across a multi-mount session
	MountPoint      string
	LocalRoot       string
	Writable        bool
	Submounts       map[string]string // relative device path -> host path
	CompileCache    *CompileCache     // nil if compile_policy is None
	BytecodeVersion int
}

// Proxy is the host-side half of the mount: it owns the live mount list,
// demultiplexes VFS frames out of the transport's read stream via
// InterceptingTransport's FrameFilter hook, and answers requests by
// reading/writing the local filesystem on the mount's behalf.
type Proxy struct {
	eng Runner
	wr  writer
	log *zap.Logger

	mu     sync.Mutex
	mounts []*Mount // installation order; LIFO teardown, re-install in this order
	buf    []byte   // demultiplexer scan buffer, retained across Filter calls

	resetScan    []byte // raw-banner scan buffer, retained across Filter calls
	pendingReset bool   // set by scanForReset, drained by CheckPendingReset

	handles *handleTable
}

// writer is the write side of the transport the proxy sends reply frames
// over; *transport.InterceptingTransport satisfies it.
type writer interface {
	Write(b []byte) error
}

// NewProxy wires a Proxy over eng (for installing/tearing down the agent)
// and wr (for writing reply frames). Call Filter from the owning
// InterceptingTransport.SetFilter.
func NewProxy(eng Runner, wr writer, log *zap.Logger) *Proxy {
	if log == nil {
		log = zap.NewNop()
	}
	return &Proxy{eng: eng, wr: wr, log: log, handles: newHandleTable(defaultHandleCapacity)}
}

// Filter is the transport.FrameFilter: it demultiplexes VFS frames out of
// chunk, services each one completely (including writing the reply), and
// returns only the bytes that belong to ordinary REPL output.
func (p *Proxy) Filter(chunk []byte) []byte {
	p.mu.Lock()
	p.buf = append(p.buf, chunk...)
	var out []byte
	for {
		frame, passthrough, remainder := extract(p.buf)
		out = append(out, passthrough...)
		p.buf = remainder
		if frame == nil {
			break
		}
		p.mu.Unlock()
		reply := p.service(frame)
		if err := p.wr.Write(reply); err != nil {
			p.log.Warn("mount proxy: failed writing reply frame", zap.Error(err))
		}
		p.mu.Lock()
	}
	p.mu.Unlock()
	p.scanForReset(out)
	return out
}

// scanForReset watches the ordinary output bytes (VFS frames already
// stripped) for the raw REPL banner the device reprints whenever it tears
// down its own VFS registrations — whether that happened because a
// caller asked for a soft reset, because the running code called
// machine.soft_reset() on its own, or because the board rebooted
// unprompted. It only raises a flag; the actual re-install happens from
// CheckPendingReset once the read that surfaced the banner has fully
// returned, since re-installing means submitting a new code unit and
// that can't safely happen while a read is already in flight on the same
// line discipline.
func (p *Proxy) scanForReset(out []byte) {
	if len(out) == 0 && len(p.resetScan) == 0 {
		return
	}
	p.mu.Lock()
	p.resetScan = append(p.resetScan, out...)
	if idx := bytes.Index(p.resetScan, repl.RawBanner); idx >= 0 {
		p.resetScan = p.resetScan[idx+len(repl.RawBanner):]
		p.pendingReset = true
	} else {
		keep := partialSuffixMatch(p.resetScan, repl.RawBanner)
		p.resetScan = append([]byte(nil), p.resetScan[len(p.resetScan)-keep:]...)
	}
	p.mu.Unlock()
}

// partialSuffixMatch returns the length of the longest proper suffix of
// buf that equals a proper prefix of pattern, so a banner split across
// two reads isn't missed.
func partialSuffixMatch(buf, pattern []byte) int {
	maxLen := len(pattern) - 1
	if maxLen > len(buf) {
		maxLen = len(buf)
	}
	for n := maxLen; n > 0; n-- {
		if bytes.Equal(buf[len(buf)-n:], pattern[:n]) {
			return n
		}
	}
	return 0
}

// CheckPendingReset re-installs every live mount if scanForReset flagged a
// banner sighting since the last check. repl.Engine calls this right
// after every blocking operation returns — late enough that the line
// discipline is idle and safe to reuse, which is what lets the re-install
// happen with no caller action regardless of what triggered the reset.
func (p *Proxy) CheckPendingReset() {
	p.mu.Lock()
	if !p.pendingReset {
		p.mu.Unlock()
		return
	}
	p.pendingReset = false
	mounts := append([]*Mount(nil), p.mounts...)
	p.mu.Unlock()

	if len(mounts) == 0 {
		return
	}
	p.log.Warn("raw repl banner observed with mounts live, re-installing")
	if err := p.reinstall(mounts); err != nil {
		p.log.Error("mount proxy: re-install after reset failed", zap.Error(err))
	}
}

// Mount canonicalises localRoot, rejects a mountPoint nested inside an
// existing live mount, installs the on-device shim, and adds the mount to
// the live list.
func (p *Proxy) Mount(localRoot, mountPoint string, writable bool, compileCache *CompileCache, bytecodeVersion int) (*Mount, error) {
	root, err := filepath.Abs(localRoot)
	if err != nil {
		return nil, err
	}
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}
	mountPoint = normalizeMountPoint(mountPoint)

	p.mu.Lock()
	for _, m := range p.mounts {
		if withinMountPoint(mountPoint, m.MountPoint) {
			p.mu.Unlock()
			return nil, fmt.Errorf("mount: %s is nested inside existing mount %s", mountPoint, m.MountPoint)
		}
	}
	p.mu.Unlock()

	m := &Mount{
		ID:              uuid.NewString(),
		MountPoint:      mountPoint,
		LocalRoot:       root,
		Writable:        writable,
		Submounts:       map[string]string{},
		CompileCache:    compileCache,
		BytecodeVersion: bytecodeVersion,
	}
	if err := p.install(m); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.mounts = append(p.mounts, m)
	p.mu.Unlock()
	return m, nil
}

// AddSubmount routes paths under relDevicePath (relative to m's mount
// point) to a separate host directory.
func (p *Proxy) AddSubmount(m *Mount, relDevicePath, hostPath string) error {
	root, err := filepath.Abs(hostPath)
	if err != nil {
		return err
	}
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	m.Submounts[strings.Trim(relDevicePath, "/")] = root
	return nil
}

// install submits the code unit that defines the VFS shim class (the full
// agent source is sent on every call) and registers an instance at
// m.MountPoint.
func (p *Proxy) install(m *Mount) error {
	code := string(agentSource) + "\n" +
		fmt.Sprintf("import uos as _uos_mount\n_uos_mount.mount(MountedFS(%s), %s, readonly=%s)\n",
			pyStr(m.MountPoint), pyStr(m.MountPoint), pyBool(!m.Writable))
	if _, err := p.eng.Execute(repl.CodeUnit{Code: []byte(code), Timeout: 5 * time.Second}); err != nil {
		return fmt.Errorf("mount: install %s: %w", m.MountPoint, err)
	}
	p.log.Info("mount installed", zap.String("id", m.ID), zap.String("mount_point", m.MountPoint), zap.Bool("writable", m.Writable))
	return nil
}

// Unmount tears down one mount: closes its open handles and unregisters
// the device-side VFS.
func (p *Proxy) Unmount(m *Mount) error {
	code := fmt.Sprintf("import uos as _uos_mount\n_uos_mount.umount(%s)\n", pyStr(m.MountPoint))
	_, err := p.eng.Execute(repl.CodeUnit{Code: []byte(code), Timeout: 5 * time.Second})

	p.drop(m)
	p.closeHandlesUnder(m)
	return err
}

// Close tears down every live mount, LIFO, and frees all handles.
func (p *Proxy) Close() error {
	p.mu.Lock()
	mounts := append([]*Mount(nil), p.mounts...)
	p.mu.Unlock()
	for i := len(mounts) - 1; i >= 0; i-- {
		_ = p.Unmount(mounts[i])
	}
	p.handles.closeAll()
	return nil
}

// Mounts returns the live mounts in installation order. The session layer
// uses this to restore the device working directory to the first mount's
// mount point after a reset.
func (p *Proxy) Mounts() []*Mount {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Mount(nil), p.mounts...)
}

// OnReset re-installs every live mount in original order after a soft
// reset destroyed the device-side VFS registrations. Exposed for callers
// that want to force a re-install explicitly; CheckPendingReset drives
// the same path automatically once a reset banner has been observed.
func (p *Proxy) OnReset() error {
	p.mu.Lock()
	mounts := append([]*Mount(nil), p.mounts...)
	p.mu.Unlock()
	return p.reinstall(mounts)
}

// reinstall closes every open handle (they all point at device-side file
// descriptors the reset just invalidated) and re-registers each mount in
// turn. Input is flushed first: whatever operation surfaced the reset
// banner may have stranded the banner's tail in the line discipline, and
// those bytes must not be read as the install code unit's ack.
func (p *Proxy) reinstall(mounts []*Mount) error {
	p.eng.FlushInput()
	p.handles.closeAll()
	var firstErr error
	for _, m := range mounts {
		err := p.install(m)
		if err == nil {
			continue
		}
		if firstErr == nil {
			firstErr = err
		}
		// A mount that can't come back is dropped; the REPL (and the
		// remaining mounts) keep going.
		p.drop(m)
		p.log.Error("mount dropped: re-install after reset failed",
			zap.String("mount_point", m.MountPoint), zap.Error(err))
	}
	return firstErr
}

func (p *Proxy) drop(m *Mount) {
	p.mu.Lock()
	for i, mm := range p.mounts {
		if mm == m {
			p.mounts = append(p.mounts[:i], p.mounts[i+1:]...)
			break
		}
	}
	p.mu.Unlock()
}

func (p *Proxy) closeHandlesUnder(m *Mount) {
	for i := 0; i < len(p.handles.slots); i++ {
		of, ok := p.handles.get(uint16(i))
		if !ok {
			continue
		}
		if of.mountID == m.ID {
			closeOne(of)
			p.handles.free(uint16(i))
		}
	}
}

// service dispatches one decoded frame to its handler and returns the
// complete reply wire frame.
func (p *Proxy) service(f *Frame) []byte {
	switch f.Kind {
	case KindStat:
		return p.handleStat(f)
	case KindListdir:
		return p.handleListdir(f)
	case KindOpen:
		return p.handleOpen(f)
	case KindRead:
		return p.handleRead(f)
	case KindClose:
		return p.handleClose(f)
	case KindWrite:
		return p.handleWrite(f)
	case KindRemove:
		return p.handleRemove(f)
	case KindMkdir:
		return p.handleMkdir(f)
	case KindRename:
		return p.handleRename(f)
	default:
		return Encode(f.Kind, f.Seq, []byte{ErrBadRequest})
	}
}

func (p *Proxy) resolve(devicePath string) (m *Mount, hostPath string, writable bool, errCode byte) {
	p.mu.Lock()
	var best *Mount
	for _, cand := range p.mounts {
		if withinMountPoint(devicePath, cand.MountPoint) {
			if best == nil || len(cand.MountPoint) > len(best.MountPoint) {
				best = cand
			}
		}
	}
	p.mu.Unlock()
	if best == nil {
		return nil, "", false, ErrNotFound
	}

	rel := strings.TrimPrefix(devicePath, best.MountPoint)
	rel = strings.TrimPrefix(rel, "/")
	root := best.LocalRoot
	if sub, subRel, ok := matchSubmount(rel, best.Submounts); ok {
		root = sub
		rel = subRel
	}

	host, err := containedJoin(root, rel)
	if err != nil {
		return best, "", best.Writable, ErrPermission
	}
	return best, host, best.Writable, ErrOK
}

func matchSubmount(rel string, submounts map[string]string) (hostRoot, subRel string, ok bool) {
	best := ""
	for prefix := range submounts {
		if rel == prefix || strings.HasPrefix(rel, prefix+"/") {
			if len(prefix) > len(best) {
				best = prefix
			}
		}
	}
	if best == "" {
		return "", "", false
	}
	subRel = strings.TrimPrefix(rel, best)
	subRel = strings.TrimPrefix(subRel, "/")
	return submounts[best], subRel, true
}

// containedJoin joins rel onto root and rejects the result if it resolves
// (symlinks included) outside root. filepath.Join cleans the joined path,
// so a leading "../" climbs above root; filepath.Rel against the resolved
// root then yields a ".."-prefixed result for any such request (e.g.
// "../../etc/passwd"), which a strings.HasPrefix test on the cleaned path
// would not reliably catch.
func containedJoin(root, rel string) (string, error) {
	candidate := filepath.Join(root, rel)

	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		realRoot = root
	}
	realCandidate := candidate
	if resolved, err := filepath.EvalSymlinks(candidate); err == nil {
		realCandidate = resolved
	} else if resolvedDir, derr := filepath.EvalSymlinks(filepath.Dir(candidate)); derr == nil {
		realCandidate = filepath.Join(resolvedDir, filepath.Base(candidate))
	}

	relCheck, err := filepath.Rel(realRoot, realCandidate)
	if err != nil {
		return "", &errs.PermissionError{Op: "mount", Path: rel}
	}
	if relCheck == ".." || strings.HasPrefix(relCheck, ".."+string(filepath.Separator)) {
		return "", &errs.PermissionError{Op: "mount", Path: rel}
	}
	return candidate, nil
}

func normalizeMountPoint(p string) string {
	p = "/" + strings.Trim(p, "/")
	return p
}

// withinMountPoint reports whether devicePath is mountPoint itself or
// nested under it.
func withinMountPoint(devicePath, mountPoint string) bool {
	if devicePath == mountPoint {
		return true
	}
	return strings.HasPrefix(devicePath, mountPoint+"/")
}

// --- request handlers ---

func (p *Proxy) handleStat(f *Frame) []byte {
	path, _ := unpackStr(f.Body, 0)
	_, host, _, code := p.resolve(path)
	if code != ErrOK {
		return Encode(f.Kind, f.Seq, []byte{code})
	}
	st, err := os.Stat(host)
	if err != nil {
		return Encode(f.Kind, f.Seq, []byte{ErrNotFound})
	}
	body := make([]byte, 0, 6)
	body = append(body, ErrOK)
	if st.IsDir() {
		body = append(body, 1)
	} else {
		body = append(body, 0)
	}
	body = appendUint32(body, uint64OrZero(st.Size()))
	return Encode(f.Kind, f.Seq, body)
}

func (p *Proxy) handleListdir(f *Frame) []byte {
	path, _ := unpackStr(f.Body, 0)
	_, host, _, code := p.resolve(path)
	if code != ErrOK {
		return Encode(f.Kind, f.Seq, []byte{code})
	}
	entries, err := os.ReadDir(host)
	if err != nil {
		return Encode(f.Kind, f.Seq, []byte{ErrIO})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	body := []byte{ErrOK, 0, 0}
	binary.BigEndian.PutUint16(body[1:3], uint16(len(entries)))
	for _, e := range entries {
		body = appendStr(body, e.Name())
		if e.IsDir() {
			body = append(body, 1)
			body = appendUint32(body, 0)
			continue
		}
		info, err := e.Info()
		var size int64
		if err == nil {
			size = info.Size()
		}
		body = append(body, 0)
		body = appendUint32(body, uint64OrZero(size))
	}
	return Encode(f.Kind, f.Seq, body)
}

func (p *Proxy) handleOpen(f *Frame) []byte {
	path, off := unpackStr(f.Body, 0)
	if off >= len(f.Body) {
		return Encode(f.Kind, f.Seq, []byte{ErrBadRequest})
	}
	mode := f.Body[off]

	m, host, writable, code := p.resolve(path)
	if code != ErrOK {
		return Encode(f.Kind, f.Seq, []byte{code})
	}
	if mode != 'r' && !writable {
		return Encode(f.Kind, f.Seq, []byte{ErrPermission})
	}

	if mode == 'r' && m.CompileCache != nil && strings.HasSuffix(host, ".py") {
		if data, compiled, err := m.CompileCache.Get(host, m.BytecodeVersion); err == nil && compiled {
			return p.openBytes(f, m, data)
		}
	}

	var flag int
	switch mode {
	case 'r':
		flag = os.O_RDONLY
	case 'w':
		flag = os.O_RDWR | os.O_CREATE | os.O_TRUNC
	case 'a':
		flag = os.O_RDWR | os.O_CREATE | os.O_APPEND
	default:
		return Encode(f.Kind, f.Seq, []byte{ErrBadRequest})
	}
	file, err := os.OpenFile(host, flag, 0o644)
	if err != nil {
		if os.IsNotExist(err) {
			return Encode(f.Kind, f.Seq, []byte{ErrNotFound})
		}
		return Encode(f.Kind, f.Seq, []byte{ErrIO})
	}
	handle, ok := p.handles.alloc(&openFile{path: host, f: file, mode: mode, mountID: m.ID})
	if !ok {
		_ = file.Close()
		return Encode(f.Kind, f.Seq, []byte{ErrIO})
	}
	body := []byte{ErrOK, 0, 0}
	binary.BigEndian.PutUint16(body[1:3], handle)
	return Encode(f.Kind, f.Seq, body)
}

// openBytes serves an in-memory compiled blob through the same handle
// table as a real *os.File, by writing it to a backing temp file: keeps
// READ/WRITE/CLOSE uniform across both code paths. The backing file is
// marked temp so handleClose/closeHandlesUnder/closeAll remove it instead
// of leaking it in the OS temp directory.
func (p *Proxy) openBytes(f *Frame, m *Mount, data []byte) []byte {
	tmp, err := os.CreateTemp("", "mpyhost-mpy-*")
	if err != nil {
		return Encode(f.Kind, f.Seq, []byte{ErrIO})
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return Encode(f.Kind, f.Seq, []byte{ErrIO})
	}
	if _, err := tmp.Seek(0, 0); err != nil {
		_ = tmp.Close()
		return Encode(f.Kind, f.Seq, []byte{ErrIO})
	}
	handle, ok := p.handles.alloc(&openFile{path: tmp.Name(), f: tmp, mode: 'r', mountID: m.ID, temp: true})
	if !ok {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return Encode(f.Kind, f.Seq, []byte{ErrIO})
	}
	body := []byte{ErrOK, 0, 0}
	binary.BigEndian.PutUint16(body[1:3], handle)
	return Encode(f.Kind, f.Seq, body)
}

func (p *Proxy) handleRead(f *Frame) []byte {
	if len(f.Body) < 6 {
		return Encode(f.Kind, f.Seq, []byte{ErrBadRequest})
	}
	handle := binary.BigEndian.Uint16(f.Body[0:2])
	n := binary.BigEndian.Uint32(f.Body[2:6])
	of, ok := p.handles.get(handle)
	if !ok {
		return Encode(f.Kind, f.Seq, []byte{ErrBadRequest})
	}
	buf := make([]byte, n)
	read, err := of.f.Read(buf)
	if err != nil && read == 0 {
		// EOF (or any read error past it) is reported as a zero-length
		// body, not an error: MicroPython's VFS protocol treats a short
		// read as the end-of-file signal.
		return Encode(f.Kind, f.Seq, []byte{ErrOK, 0})
	}
	body := make([]byte, 0, 2+read)
	body = append(body, ErrOK, 0)
	body = append(body, buf[:read]...)
	return Encode(f.Kind, f.Seq, body)
}

func (p *Proxy) handleWrite(f *Frame) []byte {
	if len(f.Body) < 6 {
		return Encode(f.Kind, f.Seq, []byte{ErrBadRequest})
	}
	handle := binary.BigEndian.Uint16(f.Body[0:2])
	n := binary.BigEndian.Uint32(f.Body[2:6])
	data := f.Body[6:]
	if uint32(len(data)) < n {
		return Encode(f.Kind, f.Seq, []byte{ErrBadRequest})
	}
	of, ok := p.handles.get(handle)
	if !ok {
		return Encode(f.Kind, f.Seq, []byte{ErrBadRequest})
	}
	written, err := of.f.Write(data[:n])
	if err != nil {
		return Encode(f.Kind, f.Seq, []byte{ErrIO})
	}
	body := append([]byte{ErrOK}, make([]byte, 4)...)
	binary.BigEndian.PutUint32(body[1:], uint32(written))
	return Encode(f.Kind, f.Seq, body)
}

func (p *Proxy) handleClose(f *Frame) []byte {
	if len(f.Body) < 2 {
		return Encode(f.Kind, f.Seq, []byte{ErrBadRequest})
	}
	handle := binary.BigEndian.Uint16(f.Body[0:2])
	if of, ok := p.handles.get(handle); ok {
		closeOne(of)
		p.handles.free(handle)
	}
	return Encode(f.Kind, f.Seq, []byte{ErrOK})
}

func (p *Proxy) handleRemove(f *Frame) []byte {
	path, _ := unpackStr(f.Body, 0)
	_, host, writable, code := p.resolve(path)
	if code != ErrOK {
		return Encode(f.Kind, f.Seq, []byte{code})
	}
	if !writable {
		return Encode(f.Kind, f.Seq, []byte{ErrPermission})
	}
	if err := os.RemoveAll(host); err != nil {
		return Encode(f.Kind, f.Seq, []byte{ErrIO})
	}
	return Encode(f.Kind, f.Seq, []byte{ErrOK})
}

func (p *Proxy) handleMkdir(f *Frame) []byte {
	path, _ := unpackStr(f.Body, 0)
	_, host, writable, code := p.resolve(path)
	if code != ErrOK {
		return Encode(f.Kind, f.Seq, []byte{code})
	}
	if !writable {
		return Encode(f.Kind, f.Seq, []byte{ErrPermission})
	}
	if err := os.MkdirAll(host, 0o755); err != nil {
		return Encode(f.Kind, f.Seq, []byte{ErrIO})
	}
	return Encode(f.Kind, f.Seq, []byte{ErrOK})
}

func (p *Proxy) handleRename(f *Frame) []byte {
	oldPath, off := unpackStr(f.Body, 0)
	newPath, _ := unpackStr(f.Body, off)
	_, oldHost, writable, code := p.resolve(oldPath)
	if code != ErrOK {
		return Encode(f.Kind, f.Seq, []byte{code})
	}
	if !writable {
		return Encode(f.Kind, f.Seq, []byte{ErrPermission})
	}
	_, newHost, _, code2 := p.resolve(newPath)
	if code2 != ErrOK {
		return Encode(f.Kind, f.Seq, []byte{code2})
	}
	if err := os.Rename(oldHost, newHost); err != nil {
		return Encode(f.Kind, f.Seq, []byte{ErrIO})
	}
	return Encode(f.Kind, f.Seq, []byte{ErrOK})
}

// --- wire codec helpers mirroring agent.py's _pack_str/_unpack_str ---

func unpackStr(b []byte, off int) (string, int) {
	if off+2 > len(b) {
		return "", off
	}
	n := int(binary.BigEndian.Uint16(b[off : off+2]))
	start := off + 2
	end := start + n
	if end > len(b) {
		end = len(b)
	}
	return string(b[start:end]), end
}

func appendStr(b []byte, s string) []byte {
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(s)))
	b = append(b, lenBuf[:]...)
	return append(b, s...)
}

func appendUint32(b []byte, v uint64) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(v))
	return append(b, buf[:]...)
}

func uint64OrZero(n int64) uint64 {
	if n < 0 {
		return 0
	}
	return uint64(n)
}

func pyStr(s string) string {
	var b strings.Builder
	b.WriteByte('\'')
	for _, r := range s {
		switch r {
		case '\'', '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		case '\n':
			b.WriteString(`\n`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('\'')
	return b.String()
}

func pyBool(v bool) string {
	if v {
		return "True"
	}
	return "False"
}
