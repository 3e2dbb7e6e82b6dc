package directory

import (
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/hupe1980/searchpages/internal/fsm"
	"github.com/hupe1980/searchpages/internal/linkedlist"
	"github.com/hupe1980/searchpages/internal/metapage"
	"github.com/hupe1980/searchpages/page"
	"github.com/hupe1980/searchpages/txn"
)

// BlockDirectory stores entries and component bytes in a relation.
type BlockDirectory struct {
	mgr     page.Manager
	txm     *txn.Manager
	fsm     *fsm.FSM
	entries *linkedlist.Items[Entry]
	merges  *linkedlist.Items[MergeEntry]
	cache   *readerCache
	logger  *slog.Logger
	meta    metapage.Meta

	mu       sync.Mutex
	inflight map[page.BlockNumber]struct{} // heads of chains not yet registered
}

var _ Directory = (*BlockDirectory)(nil)

// OpenBlock opens the directory of the relation managed by mgr, formatting
// the relation first if it is empty.
func OpenBlock(mgr page.Manager, txm *txn.Manager, optFns ...Option) (*BlockDirectory, error) {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	var (
		meta metapage.Meta
		err  error
	)
	if mgr.NumBlocks() == 0 {
		meta, err = metapage.Bootstrap(mgr,
			func(p *page.Page) { linkedlist.FormatItems[Entry](p, entryCodec{}) },
			fsm.Format,
			func(p *page.Page) { p.Init(page.KindAnchor) },
			func(p *page.Page) { linkedlist.FormatItems[MergeEntry](p, mergeCodec{}) },
		)
	} else {
		meta, err = metapage.Read(mgr)
	}
	if err != nil {
		return nil, fmt.Errorf("open directory: %w", err)
	}

	cache, err := newReaderCache(opts.cacheBytes)
	if err != nil {
		return nil, fmt.Errorf("open directory: reader cache: %w", err)
	}

	var fsmOpts []fsm.Option
	if opts.extendBatch > 0 {
		fsmOpts = append(fsmOpts, fsm.WithExtendBatch(opts.extendBatch))
	}
	space := fsm.New(mgr, metapage.FSMBlock, fsmOpts...)
	return &BlockDirectory{
		mgr:      mgr,
		txm:      txm,
		fsm:      space,
		entries:  linkedlist.OpenItems[Entry](mgr, space, metapage.DirectoryBlock, entryCodec{}),
		merges:   linkedlist.OpenItems[MergeEntry](mgr, space, metapage.MergeListBlock, mergeCodec{}),
		cache:    cache,
		logger:   opts.logger,
		meta:     meta,
		inflight: make(map[page.BlockNumber]struct{}),
	}, nil
}

// Meta returns the relation metadata read when the directory was opened.
func (d *BlockDirectory) Meta() metapage.Meta { return d.meta }

// FSM returns the relation's free space manager.
func (d *BlockDirectory) FSM() *fsm.FSM { return d.fsm }

// Close releases the reader cache.
func (d *BlockDirectory) Close() error {
	d.cache.close()
	return nil
}

func (d *BlockDirectory) pendingFor(tx *txn.Tx) (*pending, error) {
	o, err := tx.ObserverFor(d, func() txn.Observer {
		return &pending{end: d.txEnd}
	})
	if err != nil {
		return nil, err
	}
	return o.(*pending), nil
}

// Create implements Directory.
func (d *BlockDirectory) Create(tx *txn.Tx, path string) (Writer, error) {
	if err := checkPath(path); err != nil {
		return nil, err
	}
	p, err := d.pendingFor(tx)
	if err != nil {
		return nil, err
	}
	list, err := linkedlist.CreateBytes(d.mgr, d.fsm)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	pc := &pendingCreate{path: path, head: list.Head()}
	d.mu.Lock()
	d.inflight[pc.head] = struct{}{}
	d.mu.Unlock()
	p.addCreate(pc)

	return &blockWriter{d: d, tx: tx, p: p, pc: pc, list: list, w: list.NewWriter()}, nil
}

type blockWriter struct {
	d    *BlockDirectory
	tx   *txn.Tx
	p    *pending
	pc   *pendingCreate
	list *linkedlist.Bytes
	w    *linkedlist.Writer
	done bool
}

func (w *blockWriter) Path() string { return w.pc.path }

func (w *blockWriter) Write(b []byte) (int, error) {
	if w.done {
		return 0, ErrWriterClosed
	}
	return w.w.Write(b)
}

// Close flushes the chain and registers the entry. The chain is complete and
// its lock released before any entry points at it.
func (w *blockWriter) Close() error {
	if w.done {
		return ErrWriterClosed
	}
	w.done = true
	if err := w.w.Close(); err != nil {
		return fmt.Errorf("write %s: %w", w.pc.path, err)
	}
	e := Entry{Path: w.pc.path, Start: w.list.Head(), Bytes: w.w.Written(), Xmin: w.tx.ID()}
	if err := w.d.register(e); err != nil {
		return err
	}
	w.p.markRegistered(w.pc)
	w.d.mu.Lock()
	delete(w.d.inflight, w.pc.head)
	w.d.mu.Unlock()
	return nil
}

func (d *BlockDirectory) register(e Entry) error {
	g, err := d.entries.Lock(page.Exclusive)
	if err != nil {
		return err
	}
	defer g.Release()
	for cur, err := range g.All() {
		if err != nil {
			return err
		}
		if cur.Path == e.Path && occupies(d.txm, cur) {
			return fmt.Errorf("%w: %s", ErrExists, e.Path)
		}
	}
	return g.Append(e)
}

func (d *BlockDirectory) lookup(snap *txn.Snapshot, path string) (Entry, error) {
	for e, err := range d.entries.All() {
		if err != nil {
			return Entry{}, err
		}
		if e.Path == path && visible(snap, e) {
			return e, nil
		}
	}
	return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, path)
}

// Open implements Directory.
func (d *BlockDirectory) Open(snap *txn.Snapshot, path string) (File, error) {
	e, err := d.lookup(snap, path)
	if err != nil {
		return nil, err
	}
	return &blockFile{d: d, e: e, list: linkedlist.OpenBytes(d.mgr, d.fsm, e.Start)}, nil
}

type blockFile struct {
	d    *BlockDirectory
	e    Entry
	list *linkedlist.Bytes
}

func (f *blockFile) Entry() Entry { return f.e }

// ReadAll returns the component bytes. The returned slice may be shared with
// the reader cache and must not be modified.
func (f *blockFile) ReadAll() ([]byte, error) {
	if data, ok := f.d.cache.get(f.e.Path); ok {
		return data, nil
	}
	data, err := f.list.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.e.Path, err)
	}
	if int64(len(data)) != f.e.Bytes {
		return nil, fmt.Errorf("read %s: %w: %d of %d bytes", f.e.Path, linkedlist.ErrTruncated, len(data), f.e.Bytes)
	}
	f.d.cache.set(f.e.Path, data)
	return data, nil
}

func (f *blockFile) Chunks() iter.Seq2[[]byte, error] { return f.list.Chunks() }

// Exists implements Directory.
func (d *BlockDirectory) Exists(snap *txn.Snapshot, path string) (bool, error) {
	_, err := d.lookup(snap, path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// List implements Directory.
func (d *BlockDirectory) List(snap *txn.Snapshot) ([]Entry, error) {
	var out []Entry
	for e, err := range d.entries.All() {
		if err != nil {
			return nil, err
		}
		if visible(snap, e) {
			out = append(out, e)
		}
	}
	return out, nil
}

// All returns every entry regardless of visibility.
func (d *BlockDirectory) All() ([]Entry, error) { return d.entries.Collect() }

// Delete implements Directory.
func (d *BlockDirectory) Delete(tx *txn.Tx, path string) error {
	p, err := d.pendingFor(tx)
	if err != nil {
		return err
	}
	var (
		found    bool
		conflict bool
	)
	_, err = d.entries.Update(func(e Entry) (Entry, linkedlist.Op) {
		if found || e.Path != path {
			return e, linkedlist.Keep
		}
		switch dropDecision(d.txm, tx, e) {
		case dropMark:
			found = true
			e.Xmax = tx.ID()
			return e, linkedlist.Replace
		case dropAlready:
			found = true
		case dropConflict:
			conflict = true
		}
		return e, linkedlist.Keep
	})
	switch {
	case err != nil:
		return fmt.Errorf("delete %s: %w", path, err)
	case found:
		p.addDrop()
		return nil
	case conflict:
		return fmt.Errorf("%w: %s", ErrDropConflict, path)
	default:
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
}

// Discard implements Directory.
func (d *BlockDirectory) Discard(tx *txn.Tx, path string) error {
	p, err := d.pendingFor(tx)
	if err != nil {
		return err
	}
	pc := p.take(path)
	if pc == nil {
		return fmt.Errorf("%w: %s not created by xid %d", ErrNotFound, path, tx.ID())
	}
	if pc.registered {
		var removed bool
		_, err := d.entries.Update(func(e Entry) (Entry, linkedlist.Op) {
			if e.Path == path && e.Xmin == tx.ID() && e.Start == pc.head {
				removed = true
				return e, linkedlist.Remove
			}
			return e, linkedlist.Keep
		})
		if err != nil {
			return fmt.Errorf("discard %s: %w", path, err)
		}
		if !removed {
			return nil
		}
	}
	_, err = d.freeChain(pc.head)
	d.mu.Lock()
	delete(d.inflight, pc.head)
	d.mu.Unlock()
	return err
}

func (d *BlockDirectory) freeChain(head page.BlockNumber) (int, error) {
	list := linkedlist.OpenBytes(d.mgr, d.fsm, head)
	blocks, err := list.Blocks()
	if err != nil {
		return 0, err
	}
	if err := list.Free(); err != nil {
		return 0, err
	}
	return len(blocks), nil
}

// txEnd drains the bookkeeping of a finished transaction.
func (d *BlockDirectory) txEnd(tx *txn.Tx, committed bool, p *pending) {
	var heads []page.BlockNumber
	for _, pc := range p.unregistered() {
		heads = append(heads, pc.head)
	}

	if !committed {
		_, err := d.entries.Update(func(e Entry) (Entry, linkedlist.Op) {
			switch {
			case e.Xmin == tx.ID():
				heads = append(heads, e.Start)
				return e, linkedlist.Remove
			case e.Xmax == tx.ID():
				e.Xmax = txn.InvalidXID
				return e, linkedlist.Replace
			}
			return e, linkedlist.Keep
		})
		if err != nil {
			// vacuum reclaims entries of aborted creators
			d.logger.Error("directory abort cleanup failed", "xid", tx.ID(), "error", err)
		}
	}

	freed := 0
	for _, head := range heads {
		n, err := d.freeChain(head)
		if err != nil {
			d.logger.Error("directory free chain failed", "xid", tx.ID(), "head", head, "error", err)
			continue
		}
		freed += n
		d.mu.Lock()
		delete(d.inflight, head)
		d.mu.Unlock()
	}
	if len(heads) > 0 || p.drops > 0 {
		d.logger.Debug("directory transaction end",
			"xid", tx.ID(), "committed", committed, "freed_chains", len(heads), "freed_blocks", freed, "drops", p.drops)
	}
}

// Vacuum implements Directory.
func (d *BlockDirectory) Vacuum(horizon txn.XID) (VacuumResult, error) {
	var res VacuumResult
	_, err := d.entries.Update(func(e Entry) (Entry, linkedlist.Op) {
		if reclaimable(d.txm, e, horizon) {
			res.Reclaimed = append(res.Reclaimed, e)
			return e, linkedlist.Remove
		}
		return e, linkedlist.Keep
	})
	if err != nil {
		return res, fmt.Errorf("vacuum directory: %w", err)
	}

	for _, e := range res.Reclaimed {
		d.cache.del(e.Path)
		n, err := d.freeChain(e.Start)
		if err != nil {
			// the entry is gone, so the chain can only leak
			d.logger.Error("vacuum free chain failed", "path", e.Path, "head", e.Start, "error", err)
			continue
		}
		res.FreedBlocks += n
	}

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

// TryLockMerge implements Directory. The token is the exclusive lock on the
// merge anchor block.
func (d *BlockDirectory) TryLockMerge() (MergeLock, bool, error) {
	buf, ok, err := d.mgr.TryGet(metapage.MergeLockBlock, page.Exclusive)
	if err != nil || !ok {
		return nil, false, err
	}
	return &blockMergeLock{d: d, buf: buf}, true, nil
}

type blockMergeLock struct {
	d   *BlockDirectory
	buf *page.Buffer
}

func (l *blockMergeLock) InFlight() ([]MergeEntry, error) { return l.d.merges.Collect() }

func (l *blockMergeLock) Record(tx *txn.Tx, segments []uuid.UUID) error {
	items := make([]MergeEntry, len(segments))
	for i, id := range segments {
		items[i] = MergeEntry{Holder: tx.ID(), PID: int32(tx.PID()), Segment: id}
	}
	return l.d.merges.Append(items...)
}

func (l *blockMergeLock) Forget(tx *txn.Tx) error {
	_, err := l.d.merges.Update(func(m MergeEntry) (MergeEntry, linkedlist.Op) {
		if m.Holder == tx.ID() {
			return m, linkedlist.Remove
		}
		return m, linkedlist.Keep
	})
	return err
}

func (l *blockMergeLock) GC() (int, error) {
	all, err := l.d.entries.Collect()
	if err != nil {
		return 0, err
	}
	present := presentSegments(all)
	return l.d.merges.Update(func(m MergeEntry) (MergeEntry, linkedlist.Op) {
		if mergeGarbage(l.d.txm, m, present) {
			l.d.logger.Debug("merge entry removed", "holder", m.Holder, "pid", m.PID, "segment", m.Segment)
			return m, linkedlist.Remove
		}
		return m, linkedlist.Keep
	})
}

func (l *blockMergeLock) Release() { l.buf.Release() }

// Counters implements Directory.
func (d *BlockDirectory) Counters() (Counters, error) {
	m, err := metapage.Read(d.mgr)
	if err != nil {
		return Counters{}, err
	}
	return Counters{Segments: m.Segments, Documents: m.Documents}, nil
}

// AddCounters implements Directory.
func (d *BlockDirectory) AddCounters(segments, documents uint64) error {
	_, err := metapage.Update(d.mgr, func(m *metapage.Meta) {
		m.Segments += segments
		m.Documents += documents
	})
	return err
}
