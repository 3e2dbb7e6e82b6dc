package page

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"github.com/hupe1980/searchpages/internal/fs"
)

const (
	journalSuffix = ".journal"
	// journal record: [count u32][count x (block u32, image)][crc u32]
	journalEntrySize = 4 + Size
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// FileManager is a relation backed by a single file plus a redo journal.
//
// Every Flush first writes the page images to the journal and syncs it, then
// writes them in place and truncates the journal. Opening a relation replays a
// complete journal record left behind by a crash; a torn record is ignored, so
// the relation is always in either the pre- or post-flush state.
//
// All pages are held in memory once loaded.
type FileManager struct {
	fs      fs.FileSystem
	path    string
	rel     fs.File
	journal fs.File
	unlock  func() error

	frames frameTable

	mu     sync.Mutex // serialises Extend and Flush file writes
	lsn    uint64
	closed bool
	broken error // set when a journaled flush could not be applied in place
}

var _ Manager = (*FileManager)(nil)

// OpenFile opens or creates the relation at path. If fsys is nil, fs.Default is used.
func OpenFile(fsys fs.FileSystem, path string) (*FileManager, error) {
	if fsys == nil {
		fsys = fs.Default
	}
	rel, err := fsys.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: open relation: %w", ErrIO, err)
	}
	unlock, err := lockFile(rel)
	if err != nil {
		_ = rel.Close()
		return nil, fmt.Errorf("%w: lock relation: %w", ErrIO, err)
	}
	journal, err := fsys.OpenFile(path+journalSuffix, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		_ = unlock()
		_ = rel.Close()
		return nil, fmt.Errorf("%w: open journal: %w", ErrIO, err)
	}

	m := &FileManager{
		fs:      fsys,
		path:    path,
		rel:     rel,
		journal: journal,
		unlock:  unlock,
	}
	if err := m.recover(); err != nil {
		_ = m.Close()
		return nil, err
	}
	if err := m.load(); err != nil {
		_ = m.Close()
		return nil, err
	}
	return m, nil
}

// Path returns the relation file path.
func (m *FileManager) Path() string { return m.path }

func (m *FileManager) recover() error {
	info, err := m.journal.Stat()
	if err != nil {
		return fmt.Errorf("%w: stat journal: %w", ErrIO, err)
	}
	if info.Size() == 0 {
		return nil
	}
	buf := make([]byte, info.Size())
	if _, err := m.journal.ReadAt(buf, 0); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: read journal: %w", ErrIO, err)
	}
	images, ok := decodeJournal(buf)
	if ok {
		if err := m.writeImages(images); err != nil {
			return err
		}
	}
	return m.clearJournal()
}

func (m *FileManager) load() error {
	info, err := m.rel.Stat()
	if err != nil {
		return fmt.Errorf("%w: stat relation: %w", ErrIO, err)
	}
	n := info.Size() / Size
	if info.Size()%Size != 0 {
		// a torn Extend; the partial block was never handed out durably
		if err := m.rel.Truncate(n * Size); err != nil {
			return fmt.Errorf("%w: truncate relation: %w", ErrIO, err)
		}
	}
	for i := int64(0); i < n; i++ {
		_, f, err := m.frames.grow()
		if err != nil {
			return err
		}
		if _, err := m.rel.ReadAt(f.page.data[:], i*Size); err != nil {
			f.mu.Unlock()
			return fmt.Errorf("%w: read block %d: %w", ErrIO, i, err)
		}
		if lsn := f.page.LSN(); lsn > m.lsn {
			m.lsn = lsn
		}
		f.mu.Unlock()
	}
	return nil
}

func (m *FileManager) Get(blk BlockNumber, mode LockMode) (*Buffer, error) {
	return m.frames.get(m, blk, mode)
}

func (m *FileManager) TryGet(blk BlockNumber, mode LockMode) (*Buffer, bool, error) {
	return m.frames.tryGet(m, blk, mode)
}

func (m *FileManager) NumBlocks() BlockNumber { return m.frames.len() }

func (m *FileManager) Extend() (*Buffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.usable(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}

	blk := m.frames.len()
	var zero [Size]byte
	if _, err := m.rel.WriteAt(zero[:], int64(blk)*Size); err != nil {
		return nil, fmt.Errorf("%w: extend relation: %w", ErrIO, err)
	}
	got, f, err := m.frames.grow()
	if err != nil {
		return nil, err
	}
	return &Buffer{blk: got, mode: Exclusive, f: f, mgr: m}, nil
}

func (m *FileManager) Flush(images []Image) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.usable(); err != nil {
		return err
	}

	m.lsn++
	for _, img := range images {
		img.Page.setLSN(m.lsn)
	}

	if _, err := m.journal.WriteAt(encodeJournal(images), 0); err != nil {
		_ = m.journal.Truncate(0)
		return fmt.Errorf("write journal: %w", err)
	}
	if err := m.journal.Sync(); err != nil {
		// the record is not known to be durable; make sure it is never replayed
		_ = m.journal.Truncate(0)
		return fmt.Errorf("sync journal: %w", err)
	}
	// The record is durable from here on. If it cannot be applied in place it
	// is replayed on the next open, and no further flush may overwrite it.
	if err := m.writeImages(images); err != nil {
		m.broken = err
		return nil
	}
	if err := m.clearJournal(); err != nil {
		m.broken = err
	}
	return nil
}

func (m *FileManager) usable() error {
	if m.closed {
		return errors.New("relation closed")
	}
	if m.broken != nil {
		return fmt.Errorf("relation needs recovery: %w", m.broken)
	}
	return nil
}

func (m *FileManager) writeImages(images []Image) error {
	for _, img := range images {
		if _, err := m.rel.WriteAt(img.Page.data[:], int64(img.Block)*Size); err != nil {
			return fmt.Errorf("write block %d: %w", img.Block, err)
		}
	}
	if err := m.rel.Sync(); err != nil {
		return fmt.Errorf("sync relation: %w", err)
	}
	return nil
}

func (m *FileManager) clearJournal() error {
	if err := m.journal.Truncate(0); err != nil {
		return fmt.Errorf("truncate journal: %w", err)
	}
	return m.journal.Sync()
}

// Close releases the relation files.
func (m *FileManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return errors.Join(m.journal.Close(), m.unlock(), m.rel.Close())
}

func encodeJournal(images []Image) []byte {
	buf := make([]byte, 4+len(images)*journalEntrySize+4)
	binary.LittleEndian.PutUint32(buf, uint32(len(images)))
	off := 4
	for _, img := range images {
		binary.LittleEndian.PutUint32(buf[off:], uint32(img.Block))
		copy(buf[off+4:], img.Page.data[:])
		off += journalEntrySize
	}
	binary.LittleEndian.PutUint32(buf[off:], crc32.Checksum(buf[:off], crcTable))
	return buf
}

func decodeJournal(buf []byte) ([]Image, bool) {
	if len(buf) < 8 {
		return nil, false
	}
	n := int(binary.LittleEndian.Uint32(buf))
	end := 4 + n*journalEntrySize
	if n == 0 || len(buf) < end+4 {
		return nil, false
	}
	if crc32.Checksum(buf[:end], crcTable) != binary.LittleEndian.Uint32(buf[end:]) {
		return nil, false
	}
	images := make([]Image, n)
	off := 4
	for i := range images {
		p := &Page{}
		copy(p.data[:], buf[off+4:off+journalEntrySize])
		images[i] = Image{Block: BlockNumber(binary.LittleEndian.Uint32(buf[off:])), Page: p}
		off += journalEntrySize
	}
	return images, true
}
