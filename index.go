package searchpages

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/hupe1980/searchpages/directory"
	"github.com/hupe1980/searchpages/heap"
	"github.com/hupe1980/searchpages/internal/merge"
	"github.com/hupe1980/searchpages/internal/resource"
	"github.com/hupe1980/searchpages/internal/segment"
	"github.com/hupe1980/searchpages/page"
	"github.com/hupe1980/searchpages/txn"
	"github.com/hupe1980/searchpages/visibility"
)

// Heap is the host heap relation the index points into. *heap.Table
// implements it.
type Heap interface {
	visibility.Fetcher
	// IsDead reports whether no snapshot at or after horizon can see any
	// version of the row.
	IsDead(tid heap.TID, horizon txn.XID) bool
}

// Index is a full-text index whose segments live in a directory.
// It is safe for concurrent use; every operation runs on behalf of a host
// transaction supplied by the caller, except Vacuum which runs its own.
type Index struct {
	dir    directory.Directory
	owned  bool
	txm    *txn.Manager
	heap   Heap
	policy merge.LayeredPolicy
	merger *merge.Coordinator
	rc     *resource.Controller
	opts   options
	logger *Logger
	closed atomic.Bool
}

// Open opens the index stored in the relation managed by mgr, formatting
// an empty relation first.
func Open(mgr page.Manager, txm *txn.Manager, h Heap, optFns ...Option) (*Index, error) {
	o := applyOptions(optFns)
	dir, err := directory.OpenBlock(mgr, txm,
		directory.WithLogger(o.logger.Logger),
		directory.WithCacheBytes(o.cacheBytes),
	)
	if err != nil {
		return nil, err
	}
	idx := newIndex(dir, txm, h, o)
	idx.owned = true
	return idx, nil
}

// New returns an index over an existing directory, such as a
// directory.MemoryDirectory in tests. The caller keeps ownership of dir.
func New(dir directory.Directory, txm *txn.Manager, h Heap, optFns ...Option) *Index {
	return newIndex(dir, txm, h, applyOptions(optFns))
}

func newIndex(dir directory.Directory, txm *txn.Manager, h Heap, o options) *Index {
	rc := resource.NewController(o.resource)
	idx := &Index{
		dir:  dir,
		txm:  txm,
		heap: h,
		policy: merge.LayeredPolicy{
			Layers:        o.layers,
			Fudge:         o.fudge,
			MinMergeCount: o.minMergeCount,
		},
		rc:     rc,
		opts:   o,
		logger: o.logger,
	}
	idx.merger = merge.NewCoordinator(dir, h,
		merge.WithLogger(o.logger.Logger),
		merge.WithResourceController(rc),
		merge.WithSegmentOptions(o.segment),
	)
	return idx
}

// Directory returns the directory the index stores its segments in.
func (idx *Index) Directory() directory.Directory { return idx.dir }

// Close releases resources held by the index. A directory passed to New is
// left open.
func (idx *Index) Close() error {
	if !idx.closed.CompareAndSwap(false, true) {
		return nil
	}
	if c, ok := idx.dir.(interface{ Close() error }); ok && idx.owned {
		return c.Close()
	}
	return nil
}

func (idx *Index) checkOpen() error {
	if idx.closed.Load() {
		return ErrClosed
	}
	return nil
}

// SegmentInfo describes one live segment.
type SegmentInfo struct {
	ID         uuid.UUID
	Bytes      int64
	Docs       int
	Deleted    int
	Tier       int64 // largest tier boundary Bytes reaches; 0 below the first
	Components int
	MergedFrom []uuid.UUID
}

// Segments lists the segments visible to tx in creation order.
func (idx *Index) Segments(tx *txn.Tx) ([]SegmentInfo, error) {
	if err := idx.checkOpen(); err != nil {
		return nil, err
	}
	infos, err := idx.catalog(tx.Snapshot())
	if err != nil {
		return nil, err
	}
	out := make([]SegmentInfo, 0, len(infos))
	for _, info := range infos {
		meta, deleted, err := segment.Describe(idx.dir, tx.Snapshot(), info)
		if err != nil {
			return nil, segmentError(info.ID, err)
		}
		out = append(out, SegmentInfo{
			ID:         info.ID,
			Bytes:      info.Bytes,
			Docs:       meta.Docs,
			Deleted:    deleted,
			Tier:       idx.policy.Tier(info.Bytes),
			Components: len(info.Entries),
			MergedFrom: meta.MergedFrom,
		})
	}
	return out, nil
}

func (idx *Index) catalog(snap *txn.Snapshot) ([]segment.Info, error) {
	entries, err := idx.dir.List(snap)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	return segment.Catalog(entries), nil
}

// CheckAccounting verifies that every block of the relation is owned by
// exactly one structure. It returns errors.ErrUnsupported for directories
// not backed by pages.
func (idx *Index) CheckAccounting() (directory.Accounting, error) {
	bd, ok := idx.dir.(*directory.BlockDirectory)
	if !ok {
		return directory.Accounting{}, errors.ErrUnsupported
	}
	a, err := bd.Accounting()
	if err != nil {
		return a, err
	}
	if !a.Balanced() {
		return a, fmt.Errorf("%w: %s", ErrUnbalanced, a)
	}
	return a, nil
}
