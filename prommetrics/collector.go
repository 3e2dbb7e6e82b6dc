// Package prommetrics exports index metrics to Prometheus.
package prommetrics

import (
	"time"

	"github.com/hupe1980/searchpages"
	"github.com/prometheus/client_golang/prometheus"
)

var _ searchpages.MetricsCollector = (*Collector)(nil)

// Collector implements searchpages.MetricsCollector on Prometheus metrics.
type Collector struct {
	opLatency      *prometheus.HistogramVec
	docsInserted   prometheus.Counter
	merges         *prometheus.CounterVec
	segmentsMerged prometheus.Counter
	searchResults  prometheus.Histogram
	vacuumDeleted  prometheus.Counter
	vacuumFreed    prometheus.Counter
}

// New creates the metrics and registers them with reg. A nil reg means
// prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		opLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "searchpages_operation_latency_seconds",
			Help:    "Latency of index operations",
			Buckets: prometheus.DefBuckets,
		}, []string{"op", "status"}),
		docsInserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "searchpages_documents_inserted_total",
			Help: "Documents written to new segments",
		}),
		merges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "searchpages_merges_total",
			Help: "Merge attempts that ran",
		}, []string{"status"}),
		segmentsMerged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "searchpages_segments_merged_total",
			Help: "Input segments consumed by merges",
		}),
		searchResults: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "searchpages_search_results",
			Help:    "Matches returned per search",
			Buckets: prometheus.ExponentialBuckets(1, 4, 6),
		}),
		vacuumDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "searchpages_vacuum_deleted_documents_total",
			Help: "Documents marked deleted by vacuum",
		}),
		vacuumFreed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "searchpages_vacuum_freed_blocks_total",
			Help: "Blocks returned to the free space map by vacuum",
		}),
	}

	for _, m := range []prometheus.Collector{
		c.opLatency, c.docsInserted, c.merges, c.segmentsMerged,
		c.searchResults, c.vacuumDeleted, c.vacuumFreed,
	} {
		if err := reg.Register(m); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func status(err error) string {
	switch {
	case err == nil:
		return "success"
	case searchpages.IsContention(err):
		return "skipped"
	case searchpages.IsCorrupt(err):
		return "corrupt"
	default:
		return "error"
	}
}

// RecordInsert implements searchpages.MetricsCollector.
func (c *Collector) RecordInsert(docs int, d time.Duration, err error) {
	c.opLatency.WithLabelValues("insert", status(err)).Observe(d.Seconds())
	if err == nil {
		c.docsInserted.Add(float64(docs))
	}
}

// RecordSearch implements searchpages.MetricsCollector.
func (c *Collector) RecordSearch(_, results int, d time.Duration, err error) {
	c.opLatency.WithLabelValues("search", status(err)).Observe(d.Seconds())
	c.searchResults.Observe(float64(results))
}

// RecordMerge implements searchpages.MetricsCollector.
func (c *Collector) RecordMerge(inputs, _ int, d time.Duration, err error) {
	s := status(err)
	c.opLatency.WithLabelValues("merge", s).Observe(d.Seconds())
	c.merges.WithLabelValues(s).Inc()
	if err == nil {
		c.segmentsMerged.Add(float64(inputs))
	}
}

// RecordVacuum implements searchpages.MetricsCollector.
func (c *Collector) RecordVacuum(deleted, freed int, d time.Duration, err error) {
	c.opLatency.WithLabelValues("vacuum", status(err)).Observe(d.Seconds())
	c.vacuumDeleted.Add(float64(deleted))
	c.vacuumFreed.Add(float64(freed))
}
