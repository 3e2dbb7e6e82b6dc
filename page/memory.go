package page

import (
	"sync"
	"sync/atomic"
)

// MemoryManager is an in-memory relation. Every Flush is trivially atomic.
type MemoryManager struct {
	frames frameTable
	lsn    atomic.Uint64

	hookMu    sync.Mutex
	flushHook func(images []Image) error
}

var _ Manager = (*MemoryManager)(nil)

// NewMemoryManager creates an empty in-memory relation.
func NewMemoryManager() *MemoryManager {
	return &MemoryManager{}
}

// SetFlushHook installs a hook run before every flush. A non-nil error from the
// hook fails the flush, which leaves the modified pages untouched.
func (m *MemoryManager) SetFlushHook(fn func(images []Image) error) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.flushHook = fn
}

func (m *MemoryManager) Get(blk BlockNumber, mode LockMode) (*Buffer, error) {
	return m.frames.get(m, blk, mode)
}

func (m *MemoryManager) TryGet(blk BlockNumber, mode LockMode) (*Buffer, bool, error) {
	return m.frames.tryGet(m, blk, mode)
}

func (m *MemoryManager) Extend() (*Buffer, error) {
	blk, f, err := m.frames.grow()
	if err != nil {
		return nil, err
	}
	return &Buffer{blk: blk, mode: Exclusive, f: f, mgr: m}, nil
}

func (m *MemoryManager) NumBlocks() BlockNumber { return m.frames.len() }

func (m *MemoryManager) Flush(images []Image) error {
	m.hookMu.Lock()
	hook := m.flushHook
	m.hookMu.Unlock()
	if hook != nil {
		if err := hook(images); err != nil {
			return err
		}
	}
	lsn := m.lsn.Add(1)
	for _, img := range images {
		img.Page.setLSN(lsn)
	}
	return nil
}
