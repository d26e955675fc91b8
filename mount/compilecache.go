package mount

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ErrNoCrossCompiler is returned by the no-op CrossCompiler: mpy-cross
// integration is an interface seam here, not a shipped implementation.
var ErrNoCrossCompiler = errors.New("mount: no mpy-cross implementation configured")

// CrossCompiler compiles MicroPython source into .mpy bytecode targeting a
// given bytecode version. Only the interface is part of this package; a
// real cross-compiler is a caller concern.
type CrossCompiler interface {
	Compile(source []byte, targetBytecodeVersion int) ([]byte, error)
}

// noopCrossCompiler always reports ErrNoCrossCompiler, so CompileCache
// falls back to serving raw .py source.
type noopCrossCompiler struct{}

func (noopCrossCompiler) Compile([]byte, int) ([]byte, error) { return nil, ErrNoCrossCompiler }

// CompileCache stores compiled .mpy blobs in local_root's __pycache__ next
// to the source, keyed by source mtime, and watches local_root with
// fsnotify so a host-side edit invalidates the cache the instant the file
// changes, rather than waiting for the next OPEN's mtime comparison.
type CompileCache struct {
	cross CrossCompiler
	log   *zap.Logger

	mu      sync.Mutex
	mtimes  map[string]time.Time
	cached  map[string][]byte // nil entry = fallback to raw source
	watcher *fsnotify.Watcher
}

// NewCompileCache watches localRoot and serves cached compiles against
// cross (a no-op CrossCompiler if cross is nil).
func NewCompileCache(localRoot string, cross CrossCompiler, log *zap.Logger) (*CompileCache, error) {
	if cross == nil {
		cross = noopCrossCompiler{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(localRoot); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	cc := &CompileCache{
		cross:   cross,
		log:     log,
		mtimes:  map[string]time.Time{},
		cached:  map[string][]byte{},
		watcher: watcher,
	}
	go cc.watchLoop()
	return cc, nil
}

func (c *CompileCache) watchLoop() {
	for {
		select {
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				c.invalidate(ev.Name)
			}
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.log.Warn("compile cache watch error", zap.Error(err))
		}
	}
}

func (c *CompileCache) invalidate(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.mtimes, path)
	delete(c.cached, path)
}

// Get returns the bytes to serve for sourcePath: a cached/freshly compiled
// .mpy if compilation succeeds, otherwise the raw source. isCompiled
// reports which one was returned.
//
// Three cases never reach the cross-compiler: a pre-existing ".mpy"
// sibling on disk (not the __pycache__ one this cache itself writes)
// always wins outright; boot.py/main.py and empty source files always
// fall back to raw .py, since MicroPython's own boot sequence expects to
// run those as source.
func (c *CompileCache) Get(sourcePath string, targetBytecodeVersion int) (data []byte, isCompiled bool, err error) {
	if sibling, err := os.ReadFile(strings.TrimSuffix(sourcePath, filepath.Ext(sourcePath)) + ".mpy"); err == nil {
		return sibling, true, nil
	}

	st, err := os.Stat(sourcePath)
	if err != nil {
		return nil, false, err
	}
	base := filepath.Base(sourcePath)
	if base == "boot.py" || base == "main.py" || st.Size() == 0 {
		raw, err := os.ReadFile(sourcePath)
		return raw, false, err
	}

	c.mu.Lock()
	if mt, ok := c.mtimes[sourcePath]; ok && mt.Equal(st.ModTime()) {
		cached, hit := c.cached[sourcePath]
		c.mu.Unlock()
		if hit && cached != nil {
			return cached, true, nil
		}
		raw, err := os.ReadFile(sourcePath)
		return raw, false, err
	}
	c.mu.Unlock()

	raw, err := os.ReadFile(sourcePath)
	if err != nil {
		return nil, false, err
	}
	compiled, cerr := c.cross.Compile(raw, targetBytecodeVersion)

	c.mu.Lock()
	c.mtimes[sourcePath] = st.ModTime()
	defer c.mu.Unlock()
	if cerr != nil {
		c.cached[sourcePath] = nil
		return raw, false, nil
	}
	c.cached[sourcePath] = compiled
	if err := writeSidecar(sourcePath, compiled); err != nil {
		c.log.Warn("compile cache: sidecar write failed", zap.String("path", sourcePath), zap.Error(err))
	}
	return compiled, true, nil
}

func writeSidecar(sourcePath string, compiled []byte) error {
	dir := filepath.Join(filepath.Dir(sourcePath), "__pycache__")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	name := filepath.Base(sourcePath)
	name = strings.TrimSuffix(name, filepath.Ext(name)) + ".mpy"
	return os.WriteFile(filepath.Join(dir, name), compiled, 0o644)
}

// Close stops the fsnotify watch.
func (c *CompileCache) Close() error {
	return c.watcher.Close()
}
