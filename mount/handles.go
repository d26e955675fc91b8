package mount

import (
	"os"
	"sync"
)

// defaultHandleCapacity is the handle-table size used when a requested
// capacity is below 8; any requested capacity of 8 or more is used as is.
const defaultHandleCapacity = 16

// openFile is one entry of the proxy's open-file table: host path, the
// open *os.File, and the mode that governs which ops are legal. A single
// *os.File tracks its own cursor, so a separate read/write cursor field
// isn't needed.
type openFile struct {
	path    string
	f       *os.File
	mode    byte // 'r', 'w', or 'a'
	mountID string
	temp    bool // true if path is a CompileCache-backed scratch file that must be removed on close
}

// closeOne closes of's file and, if it backs a temp file, removes it.
func closeOne(of *openFile) {
	_ = of.f.Close()
	if of.temp {
		_ = os.Remove(of.path)
	}
}

// handleTable is the proxy's open-file table, shared by all its mounts
// (each entry records its mountID): opaque small-integer handles,
// least-free-first allocation.
type handleTable struct {
	mu    sync.Mutex
	slots []*openFile
}

func newHandleTable(capacity int) *handleTable {
	if capacity < 8 {
		capacity = defaultHandleCapacity
	}
	return &handleTable{slots: make([]*openFile, capacity)}
}

// alloc installs of in the lowest-numbered free slot. ok is false if the
// table is full.
func (t *handleTable) alloc(of *openFile) (handle uint16, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, slot := range t.slots {
		if slot == nil {
			t.slots[i] = of
			return uint16(i), true
		}
	}
	return 0, false
}

func (t *handleTable) get(handle uint16) (*openFile, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(handle) >= len(t.slots) {
		return nil, false
	}
	of := t.slots[handle]
	return of, of != nil
}

func (t *handleTable) free(handle uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(handle) < len(t.slots) {
		t.slots[handle] = nil
	}
}

// closeAll closes every open file and empties the table: a mount teardown
// invalidates all its handles.
func (t *handleTable) closeAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, of := range t.slots {
		if of != nil {
			closeOne(of)
			t.slots[i] = nil
		}
	}
}
