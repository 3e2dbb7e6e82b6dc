package page

import (
	"errors"
	"fmt"
	"sync"
)

// LockMode is the lock strength taken on a buffer.
type LockMode int

const (
	// Share allows concurrent readers.
	Share LockMode = iota
	// Exclusive is required to modify a page.
	Exclusive
)

func (m LockMode) String() string {
	if m == Exclusive {
		return "exclusive"
	}
	return "share"
}

var (
	// ErrIO reports a page allocation, read or write failure. It is fatal to the
	// current statement.
	ErrIO = errors.New("page i/o failure")

	// ErrInvalidBlock is returned for block numbers beyond the end of the relation.
	ErrInvalidBlock = errors.New("invalid block number")

	// ErrNotExclusive is returned when Modify is given a buffer without an exclusive lock.
	ErrNotExclusive = errors.New("buffer not exclusively locked")

	// ErrReleased is returned when a released buffer is used.
	ErrReleased = errors.New("buffer already released")
)

// Image is a page image paired with its block number.
type Image struct {
	Block BlockNumber
	Page  *Page
}

// Manager is the host buffer manager consumed by every storage component.
//
// Get pins and locks a block. TryGet does the same without waiting and reports
// false if the lock is held elsewhere. Extend grows the relation by one zeroed
// block which is returned exclusively locked. Flush durably writes a group of
// page images as a single crash-safe unit; it is only called by Modify.
type Manager interface {
	Get(blk BlockNumber, mode LockMode) (*Buffer, error)
	TryGet(blk BlockNumber, mode LockMode) (*Buffer, bool, error)
	Extend() (*Buffer, error)
	NumBlocks() BlockNumber
	Flush(images []Image) error
}

// Buffer is a pinned, locked page. Release must be called on every exit path.
type Buffer struct {
	blk      BlockNumber
	mode     LockMode
	f        *frame
	mgr      Manager
	released bool
}

// Number returns the block number of the buffer.
func (b *Buffer) Number() BlockNumber { return b.blk }

// Mode returns the lock mode held.
func (b *Buffer) Mode() LockMode { return b.mode }

// Page returns the locked page. It is valid until Release and must not be
// mutated outside Modify.
func (b *Buffer) Page() *Page { return &b.f.page }

// Release unlocks and unpins the buffer. It is safe to call more than once.
func (b *Buffer) Release() {
	if b == nil || b.released {
		return
	}
	b.released = true
	if b.mode == Exclusive {
		b.f.mu.Unlock()
	} else {
		b.f.mu.RUnlock()
	}
}

// Modify applies fn to private copies of the buffers' pages. If fn succeeds the
// copies are flushed as one unit and installed; otherwise nothing changes. All
// buffers must belong to the same manager and be exclusively locked.
func Modify(bufs []*Buffer, fn func(pages []*Page) error) error {
	if len(bufs) == 0 {
		return nil
	}
	mgr := bufs[0].mgr
	seen := make(map[BlockNumber]struct{}, len(bufs))
	pages := make([]*Page, len(bufs))
	for i, b := range bufs {
		switch {
		case b.released:
			return fmt.Errorf("modify block %d: %w", b.blk, ErrReleased)
		case b.mode != Exclusive:
			return fmt.Errorf("modify block %d: %w", b.blk, ErrNotExclusive)
		case b.mgr != mgr:
			return fmt.Errorf("modify block %d: buffers from different relations", b.blk)
		}
		if _, dup := seen[b.blk]; dup {
			return fmt.Errorf("modify block %d: buffer passed twice", b.blk)
		}
		seen[b.blk] = struct{}{}
		cp := b.f.page
		pages[i] = &cp
	}

	if err := fn(pages); err != nil {
		return err
	}

	images := make([]Image, len(bufs))
	for i, b := range bufs {
		images[i] = Image{Block: b.blk, Page: pages[i]}
	}
	if err := mgr.Flush(images); err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
	for i, b := range bufs {
		b.f.page = *pages[i]
	}
	return nil
}

// ModifyOne is Modify for a single buffer.
func ModifyOne(buf *Buffer, fn func(p *Page) error) error {
	return Modify([]*Buffer{buf}, func(pages []*Page) error {
		return fn(pages[0])
	})
}

type frame struct {
	mu   sync.RWMutex
	page Page
}

// frameTable holds the in-memory image of every block of a relation.
type frameTable struct {
	mu     sync.RWMutex
	frames []*frame
}

func (t *frameTable) lookup(blk BlockNumber) (*frame, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !blk.Valid() || int(blk) >= len(t.frames) {
		return nil, fmt.Errorf("%w: %d (relation has %d blocks)", ErrInvalidBlock, blk, len(t.frames))
	}
	return t.frames[blk], nil
}

// grow appends an exclusively locked, zeroed frame.
func (t *frameTable) grow() (BlockNumber, *frame, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.frames) >= int(InvalidBlockNumber) {
		return InvalidBlockNumber, nil, fmt.Errorf("%w: relation is full", ErrIO)
	}
	f := &frame{}
	f.mu.Lock()
	t.frames = append(t.frames, f)
	return BlockNumber(len(t.frames) - 1), f, nil
}

func (t *frameTable) len() BlockNumber {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return BlockNumber(len(t.frames))
}

func (t *frameTable) get(mgr Manager, blk BlockNumber, mode LockMode) (*Buffer, error) {
	f, err := t.lookup(blk)
	if err != nil {
		return nil, err
	}
	if mode == Exclusive {
		f.mu.Lock()
	} else {
		f.mu.RLock()
	}
	return &Buffer{blk: blk, mode: mode, f: f, mgr: mgr}, nil
}

func (t *frameTable) tryGet(mgr Manager, blk BlockNumber, mode LockMode) (*Buffer, bool, error) {
	f, err := t.lookup(blk)
	if err != nil {
		return nil, false, err
	}
	var ok bool
	if mode == Exclusive {
		ok = f.mu.TryLock()
	} else {
		ok = f.mu.TryRLock()
	}
	if !ok {
		return nil, false, nil
	}
	return &Buffer{blk: blk, mode: mode, f: f, mgr: mgr}, true, nil
}
