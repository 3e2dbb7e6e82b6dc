package searchpages

import (
	"log/slog"
	"os"

	"github.com/hupe1980/searchpages/codec"
	"github.com/hupe1980/searchpages/internal/merge"
	"github.com/hupe1980/searchpages/internal/resource"
	"github.com/hupe1980/searchpages/internal/segment"
)

// Compression selects how a segment component is compressed.
type Compression = segment.CompressionType

// Compression types.
const (
	CompressionNone = segment.CompressionNone
	CompressionLZ4  = segment.CompressionLZ4
	CompressionZSTD = segment.CompressionZSTD
)

// ResourceConfig bounds the memory, concurrency and IO of merges, vacuum
// and export.
type ResourceConfig = resource.Config

type options struct {
	logger           *Logger
	metricsCollector MetricsCollector
	layers           []int64
	fudge            float64
	minMergeCount    int
	mergeDisabled    bool
	resource         ResourceConfig
	cacheBytes       int64
	segment          segment.Options
	pid              int
}

// Option configures Open and New.
type Option func(*options)

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := searchpages.NewJSONLogger(slog.LevelInfo)
//	idx, _ := searchpages.Open(mgr, txm, table, searchpages.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithMetricsCollector configures a metrics collector for monitoring operations.
// Pass nil to disable metrics collection.
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithTiers sets the merge tier boundaries in bytes.
//
// Example matching small test segments:
//
//	searchpages.WithTiers(1<<10, 10<<10, 100<<10)
func WithTiers(bytes ...int64) Option {
	return func(o *options) {
		o.layers = bytes
	}
}

// WithFudge sets how far above a tier boundary a merge result must land.
// The default is 0.33.
func WithFudge(f float64) Option {
	return func(o *options) {
		o.fudge = f
	}
}

// WithMinMergeCount sets the smallest number of segments worth merging.
func WithMinMergeCount(n int) Option {
	return func(o *options) {
		o.minMergeCount = n
	}
}

// WithMergeDisabled turns off the merge attempt after each flush. Vacuum
// with Optimize still merges.
func WithMergeDisabled() Option {
	return func(o *options) {
		o.mergeDisabled = true
	}
}

// WithResourceConfig bounds background work.
func WithResourceConfig(cfg ResourceConfig) Option {
	return func(o *options) {
		o.resource = cfg
	}
}

// WithReaderCacheBytes bounds the cache of decoded segment components kept
// by Open. Zero disables it.
func WithReaderCacheBytes(n int64) Option {
	return func(o *options) {
		o.cacheBytes = n
	}
}

// WithCompression sets the compression of new postings and store
// components.
func WithCompression(postings, store Compression) Option {
	return func(o *options) {
		o.segment.Postings = postings
		o.segment.Store = store
	}
}

// WithCodec configures the codec new segment metadata and export manifests
// are written with. Existing data names its codec and is read with it.
//
// If nil is passed, codec.Default is used.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c == nil {
			c = codec.Default
		}
		o.segment.Codec = c
	}
}

// WithPID sets the process id vacuum transactions run under. Defaults to
// the current process.
func WithPID(pid int) Option {
	return func(o *options) {
		o.pid = pid
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		metricsCollector: NoopMetricsCollector{},
		logger:           NoopLogger(),
		layers:           merge.DefaultLayers,
		fudge:            merge.DefaultFudge,
		minMergeCount:    merge.DefaultMinMergeCount,
		cacheBytes:       32 << 20,
		segment:          segment.DefaultOptions(),
		pid:              os.Getpid(),
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
