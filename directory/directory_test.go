package directory

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/hupe1980/searchpages/page"
	"github.com/hupe1980/searchpages/txn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type dirFactory struct {
	name string
	open func(t *testing.T, txm *txn.Manager) Directory
}

func factories() []dirFactory {
	return []dirFactory{
		{"block", func(t *testing.T, txm *txn.Manager) Directory {
			d, err := OpenBlock(page.NewMemoryManager(), txm, WithCacheBytes(1<<20))
			require.NoError(t, err)
			t.Cleanup(func() { _ = d.Close() })
			return d
		}},
		{"memory", func(t *testing.T, txm *txn.Manager) Directory {
			return NewMemory(txm)
		}},
	}
}

func forEachDirectory(t *testing.T, fn func(t *testing.T, txm *txn.Manager, d Directory)) {
	for _, f := range factories() {
		t.Run(f.name, func(t *testing.T) {
			txm := txn.NewManager()
			fn(t, txm, f.open(t, txm))
		})
	}
}

func put(t *testing.T, d Directory, tx *txn.Tx, path string, data []byte) {
	t.Helper()
	w, err := d.Create(tx, path)
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
}

func read(t *testing.T, d Directory, snap *txn.Snapshot, path string) []byte {
	t.Helper()
	f, err := d.Open(snap, path)
	require.NoError(t, err)
	data, err := f.ReadAll()
	require.NoError(t, err)
	return data
}

func paths(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Path
	}
	return out
}

func TestDirectory_CreateVisibility(t *testing.T) {
	forEachDirectory(t, func(t *testing.T, txm *txn.Manager, d Directory) {
		writer := txm.Begin(1)
		other := txm.Begin(2)
		data := bytes.Repeat([]byte("abc"), 5000)
		put(t, d, writer, "seg.postings", data)

		assert.Equal(t, data, read(t, d, writer.Snapshot(), "seg.postings"))
		ok, err := d.Exists(other.Snapshot(), "seg.postings")
		require.NoError(t, err)
		assert.False(t, ok, "uncommitted entry is invisible to others")

		require.NoError(t, writer.Commit())
		ok, err = d.Exists(other.Snapshot(), "seg.postings")
		require.NoError(t, err)
		assert.False(t, ok, "committed after the snapshot was taken")

		later := txm.Begin(3)
		f, err := d.Open(later.Snapshot(), "seg.postings")
		require.NoError(t, err)
		assert.EqualValues(t, len(data), f.Entry().Bytes)

		var chunks [][]byte
		for c, err := range f.Chunks() {
			require.NoError(t, err)
			chunks = append(chunks, c)
		}
		assert.Equal(t, data, bytes.Join(chunks, nil))

		list, err := d.List(later.Snapshot())
		require.NoError(t, err)
		assert.Equal(t, []string{"seg.postings"}, paths(list))
	})
}

func TestDirectory_PathRules(t *testing.T) {
	forEachDirectory(t, func(t *testing.T, txm *txn.Manager, d Directory) {
		tx := txm.Begin(1)
		_, err := d.Create(tx, strings.Repeat("x", MaxPathLen+1))
		assert.ErrorIs(t, err, ErrPathTooLong)

		put(t, d, tx, "a", []byte("1"))
		w, err := d.Create(tx, "a")
		require.NoError(t, err)
		assert.ErrorIs(t, w.Close(), ErrExists)
		assert.ErrorIs(t, w.Close(), ErrWriterClosed)

		_, err = d.Open(tx.Snapshot(), "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestDirectory_DeleteKeepsOldSnapshots(t *testing.T) {
	forEachDirectory(t, func(t *testing.T, txm *txn.Manager, d Directory) {
		tx := txm.Begin(1)
		put(t, d, tx, "old.store", []byte("payload"))
		require.NoError(t, tx.Commit())

		reader := txm.Begin(2)
		dropper := txm.Begin(3)
		require.NoError(t, d.Delete(dropper, "old.store"))
		require.NoError(t, d.Delete(dropper, "old.store"), "repeat drop in the same transaction")

		racer := txm.Begin(4)
		assert.ErrorIs(t, d.Delete(racer, "old.store"), ErrDropConflict)
		require.NoError(t, racer.Abort())
		require.NoError(t, dropper.Commit())

		assert.Equal(t, []byte("payload"), read(t, d, reader.Snapshot(), "old.store"))

		after := txm.Begin(5)
		ok, err := d.Exists(after.Snapshot(), "old.store")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.ErrorIs(t, d.Delete(after, "old.store"), ErrNotFound)

		// the reader holds the horizon back
		res, err := d.Vacuum(txm.Horizon())
		require.NoError(t, err)
		assert.Empty(t, res.Reclaimed)

		require.NoError(t, reader.Commit())
		require.NoError(t, after.Commit())
		res, err = d.Vacuum(txm.Horizon())
		require.NoError(t, err)
		assert.Equal(t, []string{"old.store"}, paths(res.Reclaimed))
	})
}

func TestDirectory_AbortRollsBack(t *testing.T) {
	forEachDirectory(t, func(t *testing.T, txm *txn.Manager, d Directory) {
		tx := txm.Begin(1)
		put(t, d, tx, "kept", []byte("k"))
		require.NoError(t, tx.Commit())

		aborted := txm.Begin(1)
		put(t, d, aborted, "new", bytes.Repeat([]byte{1}, 3*page.PayloadCapacity))
		_, err := d.Create(aborted, "never-closed")
		require.NoError(t, err)
		require.NoError(t, d.Delete(aborted, "kept"))
		require.NoError(t, aborted.Abort())

		check := txm.Begin(2)
		list, err := d.List(check.Snapshot())
		require.NoError(t, err)
		assert.Equal(t, []string{"kept"}, paths(list))
		assert.True(t, list[0].Live(), "drop undone")

		// the path is free again
		put(t, d, check, "new", []byte("second try"))
	})
}

func TestDirectory_Discard(t *testing.T) {
	forEachDirectory(t, func(t *testing.T, txm *txn.Manager, d Directory) {
		tx := txm.Begin(1)
		put(t, d, tx, "partial", []byte("x"))
		require.NoError(t, d.Discard(tx, "partial"))
		ok, err := d.Exists(tx.Snapshot(), "partial")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.ErrorIs(t, d.Discard(tx, "partial"), ErrNotFound)
		require.NoError(t, tx.Commit())
	})
}

func TestDirectory_MergeLock(t *testing.T) {
	forEachDirectory(t, func(t *testing.T, txm *txn.Manager, d Directory) {
		seg := uuid.New()
		tx := txm.Begin(7)
		put(t, d, tx, SegmentPath(seg, "store"), []byte("s"))
		require.NoError(t, tx.Commit())

		ml, ok, err := d.TryLockMerge()
		require.NoError(t, err)
		require.True(t, ok)

		_, ok, err = d.TryLockMerge()
		require.NoError(t, err)
		assert.False(t, ok, "try-acquire never waits")

		res, err := d.Vacuum(txm.Horizon())
		require.NoError(t, err)
		assert.True(t, res.MergeLockBusy)

		merger := txm.Begin(9)
		require.NoError(t, ml.Record(merger, []uuid.UUID{seg}))
		inflight, err := ml.InFlight()
		require.NoError(t, err)
		require.Len(t, inflight, 1)
		assert.Equal(t, MergeEntry{Holder: merger.ID(), PID: 9, Segment: seg}, inflight[0])

		n, err := ml.GC()
		require.NoError(t, err)
		assert.Zero(t, n, "holder still running")
		ml.Release()

		// the merging backend dies; its entry is garbage on the next pass
		txm.Kill(9)
		res, err = d.Vacuum(txm.Horizon())
		require.NoError(t, err)
		assert.Equal(t, 1, res.MergesRemoved)
	})
}

func TestDirectory_MergeEntryOutlivesInputs(t *testing.T) {
	forEachDirectory(t, func(t *testing.T, txm *txn.Manager, d Directory) {
		seg := uuid.New()
		tx := txm.Begin(1)
		put(t, d, tx, SegmentPath(seg, "store"), []byte("s"))
		require.NoError(t, tx.Commit())

		merger := txm.Begin(2)
		ml, ok, err := d.TryLockMerge()
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, ml.Record(merger, []uuid.UUID{seg}))
		require.NoError(t, d.Delete(merger, SegmentPath(seg, "store")))
		ml.Release()

		reader := txm.Begin(3)
		require.NoError(t, merger.Commit())

		res, err := d.Vacuum(txm.Horizon())
		require.NoError(t, err)
		assert.Empty(t, res.Reclaimed)
		assert.Zero(t, res.MergesRemoved, "inputs not reclaimed yet")

		require.NoError(t, reader.Commit())
		res, err = d.Vacuum(txm.Horizon())
		require.NoError(t, err)
		assert.Len(t, res.Reclaimed, 1)
		assert.Equal(t, 1, res.MergesRemoved)
	})
}

func TestDirectory_Counters(t *testing.T) {
	forEachDirectory(t, func(t *testing.T, txm *txn.Manager, d Directory) {
		require.NoError(t, d.AddCounters(1, 10))
		require.NoError(t, d.AddCounters(2, 5))
		c, err := d.Counters()
		require.NoError(t, err)
		assert.Equal(t, Counters{Segments: 3, Documents: 15}, c)
	})
}

func TestSegmentPath(t *testing.T) {
	id := uuid.New()
	p := SegmentPath(id, "3.del")
	got, ok := SegmentOf(p)
	require.True(t, ok)
	assert.Equal(t, id, got)

	_, ok = SegmentOf("not-a-segment.store")
	assert.False(t, ok)
	assert.LessOrEqual(t, len(p), MaxPathLen)
}

func TestWriter_IsIOWriter(t *testing.T) {
	txm := txn.NewManager()
	d := NewMemory(txm)
	tx := txm.Begin(1)
	w, err := d.Create(tx, "copy")
	require.NoError(t, err)
	_, err = io.Copy(w, strings.NewReader("streamed"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	assert.Equal(t, []byte("streamed"), read(t, d, tx.Snapshot(), "copy"))
}
