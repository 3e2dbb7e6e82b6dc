package directory

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/hupe1980/searchpages/internal/linkedlist"
	"github.com/hupe1980/searchpages/internal/metapage"
	"github.com/hupe1980/searchpages/page"
	"github.com/hupe1980/searchpages/txn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireBalanced(t *testing.T, d *BlockDirectory) Accounting {
	t.Helper()
	a, err := d.Accounting()
	require.NoError(t, err)
	require.True(t, a.Balanced(), a.String())
	return a
}

func TestBlockDirectory_Bootstrap(t *testing.T) {
	mgr := page.NewMemoryManager()
	d, err := OpenBlock(mgr, txn.NewManager())
	require.NoError(t, err)
	assert.Equal(t, page.BlockNumber(metapage.Reserved), mgr.NumBlocks())
	assert.Equal(t, metapage.Version, d.Meta().Version)

	a := requireBalanced(t, d)
	assert.Equal(t, metapage.Reserved, a.Structural)
}

func TestBlockDirectory_AccountingThroughLifecycle(t *testing.T) {
	txm := txn.NewManager()
	d, err := OpenBlock(page.NewMemoryManager(), txm, WithCacheBytes(0))
	require.NoError(t, err)

	tx := txm.Begin(1)
	put(t, d, tx, "a", bytes.Repeat([]byte{7}, 5*page.PayloadCapacity))
	w, err := d.Create(tx, "open")
	require.NoError(t, err)
	_, err = w.Write(bytes.Repeat([]byte{1}, 2*page.PayloadCapacity))
	require.NoError(t, err)

	a := requireBalanced(t, d)
	assert.Positive(t, a.InFlight)
	require.NoError(t, w.Close())
	require.NoError(t, tx.Commit())

	a = requireBalanced(t, d)
	assert.Zero(t, a.InFlight)
	referenced := a.Referenced

	aborted := txm.Begin(1)
	put(t, d, aborted, "doomed", bytes.Repeat([]byte{9}, 4*page.PayloadCapacity))
	require.NoError(t, aborted.Abort())
	a = requireBalanced(t, d)
	assert.Equal(t, referenced, a.Referenced, "aborted chain returned to the FSM")

	drop := txm.Begin(1)
	require.NoError(t, d.Delete(drop, "a"))
	require.NoError(t, drop.Commit())
	res, err := d.Vacuum(txm.Horizon())
	require.NoError(t, err)
	assert.Positive(t, res.FreedBlocks)
	a = requireBalanced(t, d)
	assert.Less(t, a.Referenced, referenced)

	// freed space is reused before the relation grows
	size := d.mgr.NumBlocks()
	again := txm.Begin(1)
	put(t, d, again, "b", bytes.Repeat([]byte{3}, 4*page.PayloadCapacity))
	require.NoError(t, again.Commit())
	assert.Equal(t, size, d.mgr.NumBlocks())
	requireBalanced(t, d)
}

func TestBlockDirectory_KilledCreatorReclaimedByVacuum(t *testing.T) {
	txm := txn.NewManager()
	d, err := OpenBlock(page.NewMemoryManager(), txm)
	require.NoError(t, err)

	tx := txm.Begin(42)
	put(t, d, tx, "orphan", []byte("left behind"))
	txm.Kill(42)

	all, err := d.All()
	require.NoError(t, err)
	require.Len(t, all, 1)

	res, err := d.Vacuum(txm.Horizon())
	require.NoError(t, err)
	assert.Len(t, res.Reclaimed, 1)
	requireBalanced(t, d)
}

func TestBlockDirectory_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.rel")
	txm := txn.NewManager()

	mgr, err := page.OpenFile(nil, path)
	require.NoError(t, err)
	d, err := OpenBlock(mgr, txm)
	require.NoError(t, err)
	tx := txm.Begin(1)
	put(t, d, tx, "durable", []byte("on disk"))
	require.NoError(t, tx.Commit())
	schema := d.Meta().SchemaID
	require.NoError(t, d.Close())
	require.NoError(t, mgr.Close())

	mgr, err = page.OpenFile(nil, path)
	require.NoError(t, err)
	defer mgr.Close()
	d, err = OpenBlock(mgr, txm)
	require.NoError(t, err)
	assert.Equal(t, schema, d.Meta().SchemaID)

	reader := txm.Begin(2)
	assert.Equal(t, []byte("on disk"), read(t, d, reader.Snapshot(), "durable"))
	requireBalanced(t, d)
}

func TestBlockDirectory_CorruptChainIsTruncated(t *testing.T) {
	txm := txn.NewManager()
	mgr := page.NewMemoryManager()
	d, err := OpenBlock(mgr, txm, WithCacheBytes(0))
	require.NoError(t, err)

	tx := txm.Begin(1)
	put(t, d, tx, "bad", bytes.Repeat([]byte{5}, 2*page.PayloadCapacity))
	put(t, d, tx, "good", []byte("fine"))
	require.NoError(t, tx.Commit())

	list, err := d.List(txm.Begin(2).Snapshot())
	require.NoError(t, err)
	blocks, err := linkedlist.OpenBytes(mgr, d.fsm, list[0].Start).Blocks()
	require.NoError(t, err)

	buf, err := mgr.Get(blocks[1], page.Exclusive)
	require.NoError(t, err)
	require.NoError(t, page.ModifyOne(buf, func(p *page.Page) error {
		p.Init(page.KindUnused)
		return nil
	}))
	buf.Release()

	reader := txm.Begin(3)
	f, err := d.Open(reader.Snapshot(), "bad")
	require.NoError(t, err)
	_, err = f.ReadAll()
	assert.ErrorIs(t, err, linkedlist.ErrTruncated)
	assert.Equal(t, []byte("fine"), read(t, d, reader.Snapshot(), "good"))
}
