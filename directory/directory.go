package directory

import (
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/hupe1980/searchpages/page"
	"github.com/hupe1980/searchpages/txn"
)

// MaxPathLen is the longest path an entry can hold.
const MaxPathLen = 63

var (
	// ErrNotFound is returned when no visible entry has the path.
	ErrNotFound = errors.New("directory entry not found")
	// ErrExists is returned when registering a path that is already taken.
	ErrExists = errors.New("directory entry already exists")
	// ErrPathTooLong is returned for paths longer than MaxPathLen.
	ErrPathTooLong = errors.New("path too long")
	// ErrDropConflict is returned when another transaction retired the entry
	// first.
	ErrDropConflict = errors.New("entry concurrently dropped")
	// ErrWriterClosed is returned when a closed writer is used.
	ErrWriterClosed = errors.New("writer closed")
)

// Entry describes one stored component.
type Entry struct {
	Path  string
	Start page.BlockNumber // header block of the byte chain; invalid in memory
	Bytes int64
	Xmin  txn.XID
	Xmax  txn.XID // InvalidXID while live
}

// Live reports whether no transaction has retired the entry.
func (e Entry) Live() bool { return e.Xmax == txn.InvalidXID }

func (e Entry) String() string {
	return fmt.Sprintf("%s@%d (%d bytes, xmin=%d xmax=%d)", e.Path, e.Start, e.Bytes, e.Xmin, e.Xmax)
}

// MergeEntry records that a merge run by Holder consumes Segment.
type MergeEntry struct {
	Holder  txn.XID
	PID     int32
	Segment uuid.UUID
}

// Counters are the relation-wide numbering counters.
type Counters struct {
	Segments  uint64
	Documents uint64
}

// VacuumResult summarises a reclamation pass.
type VacuumResult struct {
	Reclaimed     []Entry
	FreedBlocks   int
	MergesRemoved int
	MergeLockBusy bool
}

// Writer streams one new component. The entry becomes visible to the
// writing transaction when Close returns.
type Writer interface {
	io.Writer
	Path() string
	Close() error
}

// File is a read handle on a visible entry.
type File interface {
	Entry() Entry
	ReadAll() ([]byte, error)
	Chunks() iter.Seq2[[]byte, error]
}

// MergeLock is the held merge token together with the merge list it
// protects. Release must be called on every exit path.
type MergeLock interface {
	// InFlight lists the segments consumed by merges whose holder has not
	// finished cleaning up.
	InFlight() ([]MergeEntry, error)
	// Record adds one entry per segment for a merge run by tx.
	Record(tx *txn.Tx, segments []uuid.UUID) error
	// Forget removes the entries recorded by tx.
	Forget(tx *txn.Tx) error
	// GC removes entries whose holder aborted or died, and entries of
	// committed merges whose input segments were fully reclaimed.
	GC() (int, error)
	Release()
}

// Directory is the storage capability search segments are written through.
type Directory interface {
	// Create opens a new component for writing on behalf of tx.
	Create(tx *txn.Tx, path string) (Writer, error)
	// Open returns a read handle on the entry visible to snap.
	Open(snap *txn.Snapshot, path string) (File, error)
	Exists(snap *txn.Snapshot, path string) (bool, error)
	// Delete retires the live entry by setting its xmax to tx.
	Delete(tx *txn.Tx, path string) error
	// Discard immediately removes an entry tx created and frees its storage.
	Discard(tx *txn.Tx, path string) error
	// List returns the entries visible to snap in creation order.
	List(snap *txn.Snapshot) ([]Entry, error)
	// TryLockMerge acquires the merge token without waiting.
	TryLockMerge() (MergeLock, bool, error)
	// Vacuum reclaims entries no snapshot at or after horizon can see.
	Vacuum(horizon txn.XID) (VacuumResult, error)
	Counters() (Counters, error)
	AddCounters(segments, documents uint64) error
}

// SegmentPath returns the path of a segment component.
func SegmentPath(id uuid.UUID, ext string) string { return id.String() + "." + ext }

// SegmentOf returns the segment a component path belongs to.
func SegmentOf(path string) (uuid.UUID, bool) {
	const n = 36
	if len(path) <= n || path[n] != '.' {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(path[:n])
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

func checkPath(path string) error {
	switch {
	case path == "":
		return fmt.Errorf("%w: empty path", ErrNotFound)
	case len(path) > MaxPathLen:
		return fmt.Errorf("%w: %q", ErrPathTooLong, path)
	case strings.IndexByte(path, 0) >= 0:
		return fmt.Errorf("%w: %q contains NUL", ErrPathTooLong, path)
	}
	return nil
}

// Option configures a directory.
type Option func(*options)

type options struct {
	logger      *slog.Logger
	cacheBytes  int64
	extendBatch int
}

func defaultOptions() options {
	return options{
		logger:     slog.New(slog.DiscardHandler),
		cacheBytes: 32 << 20,
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithCacheBytes bounds the reader cache of decoded components. Zero
// disables it.
func WithCacheBytes(n int64) Option {
	return func(o *options) { o.cacheBytes = n }
}

// WithExtendBatch sets how many blocks the relation grows by at a time.
func WithExtendBatch(n int) Option {
	return func(o *options) { o.extendBatch = n }
}
