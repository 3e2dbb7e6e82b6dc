package txn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshot_Visibility(t *testing.T) {
	m := NewManager()

	writer := m.Begin(1)
	reader := m.Begin(2)

	assert.True(t, writer.Snapshot().Sees(writer.ID()), "own work is visible")
	assert.False(t, reader.Snapshot().Sees(writer.ID()), "in-progress work is invisible")

	require.NoError(t, writer.Commit())
	assert.False(t, reader.Snapshot().Sees(writer.ID()), "committed after snapshot")
	assert.True(t, reader.FreshSnapshot().Sees(writer.ID()))

	later := m.Begin(3)
	assert.True(t, later.Snapshot().Sees(writer.ID()))
	assert.True(t, later.Snapshot().Sees(FrozenXID))
	assert.False(t, later.Snapshot().Sees(InvalidXID))
}

func TestSnapshot_VisibleXminXmax(t *testing.T) {
	m := NewManager()
	creator := m.Begin(1)
	require.NoError(t, creator.Commit())

	dropper := m.Begin(1)
	before := m.Begin(2)

	s := before.Snapshot()
	assert.True(t, s.Visible(creator.ID(), InvalidXID))
	assert.True(t, s.Visible(creator.ID(), dropper.ID()))
	assert.False(t, dropper.Snapshot().Visible(creator.ID(), dropper.ID()), "own drop")

	require.NoError(t, dropper.Commit())
	assert.True(t, s.Visible(creator.ID(), dropper.ID()), "drop committed after snapshot")

	after := m.Begin(3)
	assert.False(t, after.Snapshot().Visible(creator.ID(), dropper.ID()))
}

func TestManager_StatusAndAbort(t *testing.T) {
	m := NewManager()
	tx := m.Begin(1)
	assert.Equal(t, InProgress, m.Status(tx.ID()))
	require.NoError(t, tx.Abort())
	assert.Equal(t, Aborted, m.Status(tx.ID()))
	assert.ErrorIs(t, tx.Commit(), ErrNotActive)
	assert.False(t, tx.Active())
	assert.Equal(t, Committed, m.Status(FrozenXID))
	assert.Equal(t, Aborted, m.Status(XID(9999)))
}

func TestTx_Observers(t *testing.T) {
	m := NewManager()
	tx := m.Begin(1)

	var order []string
	require.NoError(t, tx.Observe(ObserverFunc(func(_ *Tx, committed bool) {
		assert.False(t, committed)
		order = append(order, "first")
	})))

	key := "pending"
	calls := 0
	create := func() Observer {
		calls++
		return ObserverFunc(func(*Tx, bool) { order = append(order, "keyed") })
	}
	_, err := tx.ObserverFor(key, create)
	require.NoError(t, err)
	_, err = tx.ObserverFor(key, create)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	require.NoError(t, tx.Abort())
	assert.Equal(t, []string{"keyed", "first"}, order)

	assert.ErrorIs(t, tx.Observe(ObserverFunc(func(*Tx, bool) {})), ErrNotActive)
}

func TestManager_HorizonAndProcesses(t *testing.T) {
	m := NewManager()
	old := m.Begin(10)
	_ = old.Snapshot()
	young := m.Begin(11)
	_ = young.Snapshot()

	assert.Equal(t, old.ID(), m.Horizon())
	assert.True(t, m.ProcessRunning(10))

	m.Kill(10)
	assert.False(t, m.ProcessRunning(10))
	assert.Equal(t, Aborted, m.Status(old.ID()))
	assert.False(t, old.Active())
	assert.ErrorIs(t, old.Commit(), ErrNotActive)

	require.NoError(t, young.Commit())
	assert.Greater(t, m.Horizon(), young.ID())
}
