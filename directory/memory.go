package directory

import (
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/hupe1980/searchpages/page"
	"github.com/hupe1980/searchpages/txn"
)

// MemoryDirectory keeps entries and bytes in memory. It follows the same
// visibility, drop and reclamation rules as BlockDirectory.
type MemoryDirectory struct {
	txm    *txn.Manager
	logger *slog.Logger

	mu       sync.RWMutex
	files    []*memFile
	counters Counters

	mergeMu sync.Mutex
	merges  []MergeEntry
}

var _ Directory = (*MemoryDirectory)(nil)

type memFile struct {
	e    Entry
	data []byte
}

// NewMemory creates an empty in-memory directory.
func NewMemory(txm *txn.Manager, optFns ...Option) *MemoryDirectory {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return &MemoryDirectory{txm: txm, logger: opts.logger}
}

func (d *MemoryDirectory) pendingFor(tx *txn.Tx) (*pending, error) {
	o, err := tx.ObserverFor(d, func() txn.Observer {
		return &pending{end: d.txEnd}
	})
	if err != nil {
		return nil, err
	}
	return o.(*pending), nil
}

// Create implements Directory.
func (d *MemoryDirectory) Create(tx *txn.Tx, path string) (Writer, error) {
	if err := checkPath(path); err != nil {
		return nil, err
	}
	p, err := d.pendingFor(tx)
	if err != nil {
		return nil, err
	}
	pc := &pendingCreate{path: path, head: page.InvalidBlockNumber}
	p.addCreate(pc)
	return &memWriter{d: d, tx: tx, p: p, pc: pc}, nil
}

type memWriter struct {
	d    *MemoryDirectory
	tx   *txn.Tx
	p    *pending
	pc   *pendingCreate
	buf  []byte
	done bool
}

func (w *memWriter) Path() string { return w.pc.path }

func (w *memWriter) Write(b []byte) (int, error) {
	if w.done {
		return 0, ErrWriterClosed
	}
	w.buf = append(w.buf, b...)
	return len(b), nil
}

func (w *memWriter) Close() error {
	if w.done {
		return ErrWriterClosed
	}
	w.done = true
	d := w.d
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, f := range d.files {
		if f.e.Path == w.pc.path && occupies(d.txm, f.e) {
			return fmt.Errorf("%w: %s", ErrExists, w.pc.path)
		}
	}
	d.files = append(d.files, &memFile{
		e:    Entry{Path: w.pc.path, Start: page.InvalidBlockNumber, Bytes: int64(len(w.buf)), Xmin: w.tx.ID()},
		data: w.buf,
	})
	w.p.markRegistered(w.pc)
	return nil
}

func (d *MemoryDirectory) lookup(snap *txn.Snapshot, path string) (*memFile, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, f := range d.files {
		if f.e.Path == path && visible(snap, f.e) {
			return f, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
}

// Open implements Directory.
func (d *MemoryDirectory) Open(snap *txn.Snapshot, path string) (File, error) {
	f, err := d.lookup(snap, path)
	if err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return &memHandle{e: f.e, data: f.data}, nil
}

type memHandle struct {
	e    Entry
	data []byte
}

func (h *memHandle) Entry() Entry { return h.e }

func (h *memHandle) ReadAll() ([]byte, error) { return h.data, nil }

func (h *memHandle) Chunks() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for c := range slices.Chunk(h.data, page.PayloadCapacity) {
			if !yield(c, nil) {
				return
			}
		}
	}
}

// Exists implements Directory.
func (d *MemoryDirectory) Exists(snap *txn.Snapshot, path string) (bool, error) {
	_, err := d.lookup(snap, path)
	return err == nil, nil
}

// List implements Directory.
func (d *MemoryDirectory) List(snap *txn.Snapshot) ([]Entry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []Entry
	for _, f := range d.files {
		if visible(snap, f.e) {
			out = append(out, f.e)
		}
	}
	return out, nil
}

// Delete implements Directory.
func (d *MemoryDirectory) Delete(tx *txn.Tx, path string) error {
	p, err := d.pendingFor(tx)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	conflict := false
	for _, f := range d.files {
		if f.e.Path != path {
			continue
		}
		switch dropDecision(d.txm, tx, f.e) {
		case dropMark:
			f.e.Xmax = tx.ID()
			p.addDrop()
			return nil
		case dropAlready:
			return nil
		case dropConflict:
			conflict = true
		}
	}
	if conflict {
		return fmt.Errorf("%w: %s", ErrDropConflict, path)
	}
	return fmt.Errorf("%w: %s", ErrNotFound, path)
}

// Discard implements Directory.
func (d *MemoryDirectory) Discard(tx *txn.Tx, path string) error {
	p, err := d.pendingFor(tx)
	if err != nil {
		return err
	}
	if p.take(path) == nil {
		return fmt.Errorf("%w: %s not created by xid %d", ErrNotFound, path, tx.ID())
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.files = slices.DeleteFunc(d.files, func(f *memFile) bool {
		return f.e.Path == path && f.e.Xmin == tx.ID()
	})
	return nil
}

func (d *MemoryDirectory) txEnd(tx *txn.Tx, committed bool, p *pending) {
	if committed {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.files = slices.DeleteFunc(d.files, func(f *memFile) bool { return f.e.Xmin == tx.ID() })
	for _, f := range d.files {
		if f.e.Xmax == tx.ID() {
			f.e.Xmax = txn.InvalidXID
		}
	}
}

// Vacuum implements Directory.
func (d *MemoryDirectory) Vacuum(horizon txn.XID) (VacuumResult, error) {
	var res VacuumResult
	d.mu.Lock()
	d.files = slices.DeleteFunc(d.files, func(f *memFile) bool {
		if reclaimable(d.txm, f.e, horizon) {
			res.Reclaimed = append(res.Reclaimed, f.e)
			return true
		}
		return false
	})
	d.mu.Unlock()

	ml, ok, err := d.TryLockMerge()
	if err != nil {
		return res, err
	}
	if !ok {
		res.MergeLockBusy = true
		return res, nil
	}
	defer ml.Release()
	res.MergesRemoved, err = ml.GC()
	return res, err
}

// TryLockMerge implements Directory.
func (d *MemoryDirectory) TryLockMerge() (MergeLock, bool, error) {
	if !d.mergeMu.TryLock() {
		return nil, false, nil
	}
	return &memMergeLock{d: d}, true, nil
}

type memMergeLock struct {
	d        *MemoryDirectory
	released bool
}

func (l *memMergeLock) InFlight() ([]MergeEntry, error) { return slices.Clone(l.d.merges), nil }

func (l *memMergeLock) Record(tx *txn.Tx, segments []uuid.UUID) error {
	for _, id := range segments {
		l.d.merges = append(l.d.merges, MergeEntry{Holder: tx.ID(), PID: int32(tx.PID()), Segment: id})
	}
	return nil
}

func (l *memMergeLock) Forget(tx *txn.Tx) error {
	l.d.merges = slices.DeleteFunc(l.d.merges, func(m MergeEntry) bool { return m.Holder == tx.ID() })
	return nil
}

func (l *memMergeLock) GC() (int, error) {
	l.d.mu.RLock()
	entries := make([]Entry, len(l.d.files))
	for i, f := range l.d.files {
		entries[i] = f.e
	}
	l.d.mu.RUnlock()

	present := presentSegments(entries)
	before := len(l.d.merges)
	l.d.merges = slices.DeleteFunc(l.d.merges, func(m MergeEntry) bool {
		return mergeGarbage(l.d.txm, m, present)
	})
	return before - len(l.d.merges), nil
}

func (l *memMergeLock) Release() {
	if l.released {
		return
	}
	l.released = true
	l.d.mergeMu.Unlock()
}

// Counters implements Directory.
func (d *MemoryDirectory) Counters() (Counters, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.counters, nil
}

// AddCounters implements Directory.
func (d *MemoryDirectory) AddCounters(segments, documents uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.counters.Segments += segments
	d.counters.Documents += documents
	return nil
}
