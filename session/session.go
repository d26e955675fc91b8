package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mpyhost/command"
	"mpyhost/mount"
	"mpyhost/probe"
	"mpyhost/repl"
	"mpyhost/transfer"
	"mpyhost/transport"
)

// Session owns one device connection end to end: the transport, the write
// guard shared between code-unit submission and the mount proxy's frame
// interception, the REPL engine, the command layer, the transfer pipeline,
// and the live-mounts proxy. No operation here ever touches another
// Session's state, and a multi-command invocation threads one Session
// through every command in order.
type Session struct {
	ID  string
	log *zap.Logger

	cfg *Config

	writeMu *sync.Mutex
	inner   transport.Transport
	xport   *transport.InterceptingTransport

	Engine   *repl.Engine
	Commands *command.Commands
	Transfer *transfer.Pipeline
	Mounts   *mount.Proxy
}

// Open dials cfg.Port (serial) or cfg.Address (TCP) — whichever is set,
// preferring Port — enters raw REPL, and wires every subordinate
// component. The caller owns the returned Session and must Close it.
func Open(cfg *Config, log *zap.Logger) (*Session, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var inner transport.Transport
	var err error
	switch {
	case cfg.Port != "":
		inner, err = transport.NewSerial(cfg.Port, cfg.Baud)
	case cfg.Address != "":
		inner, err = transport.DialTCP(cfg.Address, cfg.Timeout)
	default:
		return nil, fmt.Errorf("session: neither port nor address configured")
	}
	if err != nil {
		return nil, err
	}
	return OpenWithTransport(inner, cfg, log)
}

// OpenWithTransport wires a Session over an already-opened transport,
// skipping Open's serial/TCP dial. repl.New takes the same kind of seam
// (any transport.Transport) for its own tests; this is that same shape
// lifted to the session layer so tests can substitute an in-memory
// fakelink pair for a real port.
func OpenWithTransport(inner transport.Transport, cfg *Config, log *zap.Logger) (*Session, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if log == nil {
		log = zap.NewNop()
	}

	id := uuid.NewString()
	log = log.With(zap.String("session", id))

	writeMu := &sync.Mutex{}
	xport := transport.NewInterceptingTransport(inner, writeMu)

	eng := repl.New(xport, log.Named("repl"))
	if err := eng.EnterRaw(cfg.Timeout); err != nil {
		_ = inner.Close()
		return nil, err
	}

	cmds := command.New(eng, cfg.Timeout)
	pipeline := transfer.New(cmds, eng.Capabilities, cfg.Timeout)
	pipeline.ForcedChunkSize = cfg.ChunkSize

	proxy := mount.NewProxy(eng, xport, log.Named("mount"))
	xport.SetFilter(proxy.Filter)
	eng.SetResetObserver(proxy.CheckPendingReset)

	s := &Session{
		ID:       id,
		log:      log,
		cfg:      cfg,
		writeMu:  writeMu,
		inner:    inner,
		xport:    xport,
		Engine:   eng,
		Commands: cmds,
		Transfer: pipeline,
		Mounts:   proxy,
	}
	s.refreshProbe()
	return s, nil
}

// refreshProbe runs the platform probe and merges its result into the
// engine's capability cache. probe.Run's decode deliberately omits the
// RawPaste fields (see its doc comment): the raw-paste probe, run as part
// of submitting the probe code unit, already updated those on the engine
// as a side effect, so carry them forward instead of clobbering them with
// zero values. Called once at open and again after every reset, which
// clears the cache.
func (s *Session) refreshProbe() {
	caps, err := probe.Run(s.Engine, s.cfg.Timeout)
	if err != nil {
		s.log.Warn("platform probe failed", zap.Error(err))
		return
	}
	rp := s.Engine.Capabilities()
	caps.RawPasteSupported = rp.RawPasteSupported
	caps.RawPasteProbed = rp.RawPasteProbed
	caps.RawPasteWindow = rp.RawPasteWindow
	s.Engine.SetCapabilities(caps)
}

// CompressMode resolves cfg.Compress's tri-state into a transfer.CompressMode.
func (s *Session) CompressMode() transfer.CompressMode {
	switch {
	case s.cfg.Compress == nil:
		return transfer.CompressAuto
	case *s.cfg.Compress:
		return transfer.CompressForce
	default:
		return transfer.CompressDisable
	}
}

// Sync transfers a set of local/remote file pairs, honoring the session's
// force and compress options: with Force set the skip phase is bypassed
// entirely, otherwise destinations whose size and SHA-256 already match
// the source are skipped.
func (s *Session) Sync(files []transfer.FileSpec, progress transfer.ProgressFunc) (transfer.Result, error) {
	var plan transfer.Plan
	var err error
	if s.cfg.Force {
		plan, err = transfer.PlanAll(files)
	} else {
		plan, err = s.Transfer.Plan(files)
	}
	if err != nil {
		return transfer.Result{}, err
	}
	return s.Transfer.TransferPlan(plan, s.CompressMode(), progress)
}

// Get downloads a single remote file to localPath, honoring the session's
// compress option the same way Sync does for uploads.
func (s *Session) Get(remotePath, localPath string, progress transfer.ProgressFunc) (int64, error) {
	return s.Transfer.Get(remotePath, localPath, s.CompressMode(), progress)
}

// Mount installs a VFS mount, delegating to the mount proxy; it exists at
// the Session level so callers never need to reach past it into the mount
// package directly.
func (s *Session) Mount(localRoot, mountPoint string, writable bool, compileCache *mount.CompileCache, bytecodeVersion int) (*mount.Mount, error) {
	return s.Mounts.Mount(localRoot, mountPoint, writable, compileCache, bytecodeVersion)
}

// timeout resolves a zero per-call override to the session's configured
// default, the same convention command.Commands uses.
func (s *Session) timeout(override time.Duration) time.Duration {
	if override != 0 {
		return override
	}
	return s.cfg.Timeout
}

// Reset performs a soft reset (Ctrl-D). The mount proxy notices the raw
// banner reappearing in the device's output as part of SoftReset's own
// read and re-installs every live mount on its own; this just waits for
// SoftReset to return and then restores the working directory.
func (s *Session) Reset(timeout time.Duration) error {
	timeout = s.timeout(timeout)
	if err := s.Engine.SoftReset(timeout); err != nil {
		return err
	}
	s.refreshProbe()
	if live := s.Mounts.Mounts(); len(live) > 0 {
		return s.Commands.Chdir(live[0].MountPoint, timeout)
	}
	return nil
}

// MachineReset runs machine.reset(), closes the transport, and reconnects
// using cfg.ReconnectTimeout. On success the engine re-enters raw REPL;
// the mount proxy sees the raw banner in that read and re-installs every
// live mount, as after a soft reset. The working directory is not
// restored.
func (s *Session) MachineReset() error {
	if err := s.Engine.MachineReset(s.cfg.ReconnectTimeout); err != nil {
		return err
	}
	if err := s.Engine.EnterRaw(s.cfg.Timeout); err != nil {
		return err
	}
	s.refreshProbe()
	return nil
}

// Stop is the always-safe cancellation primitive (Ctrl-C twice, drain to
// the friendly prompt); it does not touch mount state.
func (s *Session) Stop(timeout time.Duration) error {
	return s.Engine.Stop(s.timeout(timeout))
}

// Close tears down mounts in LIFO order and closes the underlying
// transport.
func (s *Session) Close() error {
	_ = s.Mounts.Close()
	return s.inner.Close()
}
