package searchpages

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems; the
// prommetrics package provides a Prometheus implementation.
type MetricsCollector interface {
	// RecordInsert is called after each flushed batch of documents.
	RecordInsert(docs int, duration time.Duration, err error)

	// RecordSearch is called after each search. results is the number of
	// matches yielded.
	RecordSearch(limit, results int, duration time.Duration, err error)

	// RecordMerge is called after each merge attempt that got past policy
	// selection. inputs counts merged segments, outputs written ones.
	RecordMerge(inputs, outputs int, duration time.Duration, err error)

	// RecordVacuum is called after each vacuum pass.
	RecordVacuum(deletedDocs, freedBlocks int, duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordInsert(int, time.Duration, error)      {}
func (NoopMetricsCollector) RecordSearch(int, int, time.Duration, error) {}
func (NoopMetricsCollector) RecordMerge(int, int, time.Duration, error)  {}
func (NoopMetricsCollector) RecordVacuum(int, int, time.Duration, error) {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and tests without external dependencies.
type BasicMetricsCollector struct {
	InsertCount      atomic.Int64
	InsertDocs       atomic.Int64
	InsertErrors     atomic.Int64
	SearchCount      atomic.Int64
	SearchResults    atomic.Int64
	SearchErrors     atomic.Int64
	SearchTotalNanos atomic.Int64
	MergeCount       atomic.Int64
	MergeInputs      atomic.Int64
	MergeErrors      atomic.Int64
	VacuumCount      atomic.Int64
	VacuumDeleted    atomic.Int64
	VacuumFreed      atomic.Int64
	VacuumErrors     atomic.Int64
}

// RecordInsert implements MetricsCollector.
func (b *BasicMetricsCollector) RecordInsert(docs int, _ time.Duration, err error) {
	b.InsertCount.Add(1)
	if err != nil {
		b.InsertErrors.Add(1)
		return
	}
	b.InsertDocs.Add(int64(docs))
}

// RecordSearch implements MetricsCollector.
func (b *BasicMetricsCollector) RecordSearch(_, results int, duration time.Duration, err error) {
	b.SearchCount.Add(1)
	b.SearchResults.Add(int64(results))
	b.SearchTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.SearchErrors.Add(1)
	}
}

// RecordMerge implements MetricsCollector.
func (b *BasicMetricsCollector) RecordMerge(inputs, _ int, _ time.Duration, err error) {
	if err != nil {
		b.MergeErrors.Add(1)
		return
	}
	b.MergeCount.Add(1)
	b.MergeInputs.Add(int64(inputs))
}

// RecordVacuum implements MetricsCollector.
func (b *BasicMetricsCollector) RecordVacuum(deleted, freed int, _ time.Duration, err error) {
	b.VacuumCount.Add(1)
	if err != nil {
		b.VacuumErrors.Add(1)
		return
	}
	b.VacuumDeleted.Add(int64(deleted))
	b.VacuumFreed.Add(int64(freed))
}

// BasicMetricsStats is a point-in-time view of a BasicMetricsCollector.
type BasicMetricsStats struct {
	InsertCount   int64
	InsertDocs    int64
	SearchCount   int64
	SearchErrors  int64
	AvgSearchTime time.Duration
	MergeCount    int64
	MergeInputs   int64
	VacuumCount   int64
	VacuumFreed   int64
}

// GetStats returns a snapshot of the collected counters.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	s := BasicMetricsStats{
		InsertCount:  b.InsertCount.Load(),
		InsertDocs:   b.InsertDocs.Load(),
		SearchCount:  b.SearchCount.Load(),
		SearchErrors: b.SearchErrors.Load(),
		MergeCount:   b.MergeCount.Load(),
		MergeInputs:  b.MergeInputs.Load(),
		VacuumCount:  b.VacuumCount.Load(),
		VacuumFreed:  b.VacuumFreed.Load(),
	}
	if s.SearchCount > 0 {
		s.AvgSearchTime = time.Duration(b.SearchTotalNanos.Load() / s.SearchCount)
	}
	return s
}
