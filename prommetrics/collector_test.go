package prommetrics

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hupe1980/searchpages"
	"github.com/hupe1980/searchpages/heap"
	"github.com/hupe1980/searchpages/page"
	"github.com/hupe1980/searchpages/txn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_Counts(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := New(reg)
	require.NoError(t, err)

	c.RecordInsert(3, time.Millisecond, nil)
	c.RecordInsert(2, time.Millisecond, errors.New("boom"))
	c.RecordMerge(4, 1, time.Millisecond, nil)
	c.RecordVacuum(2, 7, time.Millisecond, nil)

	assert.InDelta(t, 3, testutil.ToFloat64(c.docsInserted), 0)
	assert.InDelta(t, 4, testutil.ToFloat64(c.segmentsMerged), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(c.merges.WithLabelValues("success")), 0)
	assert.InDelta(t, 7, testutil.ToFloat64(c.vacuumFreed), 0)

	expected := `
# HELP searchpages_vacuum_deleted_documents_total Documents marked deleted by vacuum
# TYPE searchpages_vacuum_deleted_documents_total counter
searchpages_vacuum_deleted_documents_total 2
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "searchpages_vacuum_deleted_documents_total"))
	assert.Equal(t, 4, testutil.CollectAndCount(c.opLatency))
}

func TestCollector_DoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	assert.Error(t, err)
}

func TestCollector_WiredIntoIndex(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := New(reg)
	require.NoError(t, err)

	txm := txn.NewManager()
	table := heap.NewTable(txm)
	idx, err := searchpages.Open(page.NewMemoryManager(), txm, table, searchpages.WithMetricsCollector(c))
	require.NoError(t, err)
	defer idx.Close()

	tx := txm.Begin(1)
	for i := range 3 {
		tid := table.Insert(tx, "observed")
		require.NoError(t, idx.Insert(t.Context(), tx, searchpages.Document{Key: int64(i), Text: "observed"}, tid.Pack()))
	}
	require.NoError(t, tx.Commit())

	_, err = idx.Vacuum(t.Context(), searchpages.VacuumOptions{Optimize: true})
	require.NoError(t, err)

	assert.InDelta(t, 3, testutil.ToFloat64(c.docsInserted), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(c.segmentsMerged), 0)
}
