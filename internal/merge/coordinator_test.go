package merge

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/hupe1980/searchpages/directory"
	"github.com/hupe1980/searchpages/heap"
	"github.com/hupe1980/searchpages/internal/resource"
	"github.com/hupe1980/searchpages/internal/segment"
	"github.com/hupe1980/searchpages/page"
	"github.com/hupe1980/searchpages/txn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	txm  *txn.Manager
	dir  *directory.BlockDirectory
	heap *heap.Table
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	txm := txn.NewManager()
	d, err := directory.OpenBlock(page.NewMemoryManager(), txm)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return &fixture{txm: txm, dir: d, heap: heap.NewTable(txm)}
}

// addSegment inserts n rows and indexes them as one committed segment.
func (f *fixture) addSegment(t *testing.T, n int) ([]heap.TID, uuid.UUID) {
	t.Helper()
	tx := f.txm.Begin(1)
	b := segment.NewBuilder(segment.DefaultOptions())
	var tids []heap.TID
	for i := range n {
		text := fmt.Sprintf("row %d common", i)
		tid := f.heap.Insert(tx, text)
		tids = append(tids, tid)
		b.Add(segment.Document{Key: int64(len(tids)), CTID: tid.Pack(), Text: text})
	}
	info, err := b.Write(f.dir, tx)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	return tids, info.ID
}

func (f *fixture) segments(t *testing.T) []segment.Info {
	t.Helper()
	tx := f.txm.Begin(9)
	defer tx.Commit()
	entries, err := f.dir.List(tx.Snapshot())
	require.NoError(t, err)
	return segment.Catalog(entries)
}

func TestCoordinator_MergesAndDropsInvisibleRows(t *testing.T) {
	f := newFixture(t)
	tids, _ := f.addSegment(t, 3)
	f.addSegment(t, 2)

	del := f.txm.Begin(2)
	require.NoError(t, f.heap.Delete(del, tids[1]))
	require.NoError(t, del.Commit())

	var path []State
	c := NewCoordinator(f.dir, f.heap, WithTransitionHook(func(_, to State) { path = append(path, to) }))

	tx := f.txm.Begin(1)
	res, err := c.Run(t.Context(), tx, OptimizePolicy{})
	require.NoError(t, err)
	assert.Equal(t, Done, res.State)
	assert.Equal(t, []State{CandidateSelected, LockAcquired, Merging, Committing, Done}, path)
	require.Len(t, res.Outputs, 1)
	assert.Equal(t, 4, res.Outputs[0].Docs)
	assert.Equal(t, 1, res.Outputs[0].Dropped)

	// not visible to others until commit
	assert.Len(t, f.segments(t), 2)
	require.NoError(t, tx.Commit())

	segs := f.segments(t)
	require.Len(t, segs, 1)
	assert.Equal(t, res.Outputs[0].Segment.ID, segs[0].ID)

	r := f.txm.Begin(3)
	defer r.Commit()
	s, err := segment.Load(f.dir, r.Snapshot(), segs[0])
	require.NoError(t, err)
	assert.Equal(t, 4, s.NumDocs())
	assert.Len(t, s.Meta().MergedFrom, 2)
}

func TestCoordinator_NothingToMerge(t *testing.T) {
	f := newFixture(t)
	f.addSegment(t, 1)

	c := NewCoordinator(f.dir, f.heap)
	tx := f.txm.Begin(1)
	defer tx.Commit()
	res, err := c.Run(t.Context(), tx, OptimizePolicy{})
	assert.ErrorIs(t, err, ErrNothingToMerge)
	assert.True(t, IsContention(err))
	assert.Equal(t, Abandoned, res.State)
}

func TestCoordinator_LockBusySkips(t *testing.T) {
	f := newFixture(t)
	f.addSegment(t, 1)
	f.addSegment(t, 1)

	lock, ok, err := f.dir.TryLockMerge()
	require.NoError(t, err)
	require.True(t, ok)

	c := NewCoordinator(f.dir, f.heap)
	tx := f.txm.Begin(1)
	_, err = c.Run(t.Context(), tx, OptimizePolicy{})
	assert.ErrorIs(t, err, ErrLockBusy)
	require.NoError(t, tx.Commit())
	lock.Release()

	assert.Len(t, f.segments(t), 2)
}

func TestCoordinator_InFlightSegmentsAreNotMergedTwice(t *testing.T) {
	f := newFixture(t)
	f.addSegment(t, 1)
	f.addSegment(t, 1)
	c := NewCoordinator(f.dir, f.heap)

	first := f.txm.Begin(1)
	_, err := c.Run(t.Context(), first, OptimizePolicy{})
	require.NoError(t, err)

	// the first merge has not committed; its inputs are still visible
	second := f.txm.Begin(2)
	_, err = c.Run(t.Context(), second, OptimizePolicy{})
	assert.ErrorIs(t, err, ErrNothingToMerge)
	require.NoError(t, second.Commit())
	require.NoError(t, first.Commit())
	assert.Len(t, f.segments(t), 1)
}

func TestCoordinator_AbortedMergeLeavesInputs(t *testing.T) {
	f := newFixture(t)
	f.addSegment(t, 2)
	f.addSegment(t, 2)
	c := NewCoordinator(f.dir, f.heap)

	tx := f.txm.Begin(1)
	_, err := c.Run(t.Context(), tx, OptimizePolicy{})
	require.NoError(t, err)
	require.NoError(t, tx.Abort())
	assert.Len(t, f.segments(t), 2)

	// the aborted holder's entries are collected by the next attempt
	tx = f.txm.Begin(1)
	res, err := c.Run(t.Context(), tx, OptimizePolicy{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.GCRemoved)
	require.NoError(t, tx.Commit())
	assert.Len(t, f.segments(t), 1)
}

func TestCoordinator_DeadHolderIsCollected(t *testing.T) {
	f := newFixture(t)
	_, a := f.addSegment(t, 1)
	_, b := f.addSegment(t, 1)

	// a backend records a merge and dies before finishing
	crashed := f.txm.Begin(7)
	lock, ok, err := f.dir.TryLockMerge()
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, lock.Record(crashed, []uuid.UUID{a, b}))
	lock.Release()
	f.txm.Kill(7)

	c := NewCoordinator(f.dir, f.heap)
	tx := f.txm.Begin(1)
	res, err := c.Run(t.Context(), tx, OptimizePolicy{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.GCRemoved)
	assert.Equal(t, Done, res.State)
	require.NoError(t, tx.Commit())
}

func TestCoordinator_MemoryLimitIsContention(t *testing.T) {
	f := newFixture(t)
	f.addSegment(t, 5)
	f.addSegment(t, 5)

	var path []State
	c := NewCoordinator(f.dir, f.heap,
		WithResourceController(resource.NewController(resource.Config{MemoryLimitBytes: 1})),
		WithTransitionHook(func(_, to State) { path = append(path, to) }))
	tx := f.txm.Begin(1)
	res, err := c.Run(t.Context(), tx, OptimizePolicy{})
	assert.True(t, IsContention(err))
	assert.Equal(t, Abandoned, res.State)
	assert.Equal(t, []State{CandidateSelected, LockAcquired, Merging, Abandoned}, path)

	// the attempt forgot its merge entries
	lock, ok, err := f.dir.TryLockMerge()
	require.NoError(t, err)
	require.True(t, ok)
	inFlight, err := lock.InFlight()
	require.NoError(t, err)
	assert.Empty(t, inFlight)
	lock.Release()
	require.NoError(t, tx.Commit())
	assert.Len(t, f.segments(t), 2)
}

func TestCoordinator_AllRowsGoneDropsInputs(t *testing.T) {
	f := newFixture(t)
	tids, _ := f.addSegment(t, 1)
	more, _ := f.addSegment(t, 1)

	del := f.txm.Begin(2)
	require.NoError(t, f.heap.Delete(del, tids[0]))
	require.NoError(t, f.heap.Delete(del, more[0]))
	require.NoError(t, del.Commit())

	c := NewCoordinator(f.dir, f.heap)
	tx := f.txm.Begin(1)
	res, err := c.Run(t.Context(), tx, OptimizePolicy{})
	require.NoError(t, err)
	require.Len(t, res.Outputs, 1)
	assert.Equal(t, uuid.Nil, res.Outputs[0].Segment.ID)
	require.NoError(t, tx.Commit())
	assert.Empty(t, f.segments(t))
}
