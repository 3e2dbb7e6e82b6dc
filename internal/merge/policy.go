package merge

import (
	"cmp"
	"slices"

	"github.com/google/uuid"
)

// SegmentStats holds what the policy needs to know about a segment.
type SegmentStats struct {
	ID      uuid.UUID
	Bytes   int64
	Docs    int // including deleted
	Deleted int
}

// Live returns the number of documents not deleted.
func (s SegmentStats) Live() int { return s.Docs - s.Deleted }

// AdjustedBytes scales the size by the live fraction so segments full of
// deletes sort into lower layers.
func (s SegmentStats) AdjustedBytes() int64 {
	if s.Live() <= 0 {
		return 0
	}
	return int64(float64(s.Bytes) * float64(s.Live()) / float64(s.Docs))
}

// Candidate is a set of segments to merge into one.
type Candidate struct {
	Layer    int64 // 0 for optimize
	Segments []uuid.UUID
}

// Policy proposes merges. Implementations must be deterministic for a
// given input.
type Policy interface {
	Pick(segments []SegmentStats) []Candidate
}

// LayeredPolicy is the default tiered policy.
type LayeredPolicy struct {
	// Layers are the tier boundaries in bytes, in any order.
	Layers []int64
	// Fudge inflates each layer's target so a merge result lands at or
	// above the layer it was built for.
	Fudge float64
	// MinMergeCount is the smallest number of segments worth merging.
	MinMergeCount int
}

// DefaultLayers are 100KB, 1MB, 10MB and 100MB.
var DefaultLayers = []int64{100 << 10, 1 << 20, 10 << 20, 100 << 20}

const (
	DefaultFudge         = 0.33
	DefaultMinMergeCount = 2
)

// NewLayeredPolicy returns the policy with default layers.
func NewLayeredPolicy() LayeredPolicy {
	return LayeredPolicy{Layers: DefaultLayers, Fudge: DefaultFudge, MinMergeCount: DefaultMinMergeCount}
}

// Tier returns the largest layer bytes reaches, or 0 below the smallest.
func (p LayeredPolicy) Tier(bytes int64) int64 {
	var tier int64
	for _, l := range p.Layers {
		if bytes >= l && l > tier {
			tier = l
		}
	}
	return tier
}

// Pick walks the layers from largest to smallest. Within a layer it takes
// the not yet claimed segments whose adjusted size fits the layer, largest
// first, and closes a candidate as soon as their bytes reach the inflated
// target. A trailing candidate below the target is dropped.
// Closed candidates claim their segments even when they end up with fewer
// than MinMergeCount members and are discarded. Segments without live
// documents ride along with the first surviving candidate.
func (p LayeredPolicy) Pick(segments []SegmentStats) []Candidate {
	minCount := max(p.MinMergeCount, 2)
	layers := slices.Clone(p.Layers)
	slices.SortFunc(layers, func(a, b int64) int { return cmp.Compare(b, a) })

	sorted := slices.Clone(segments)
	slices.SortStableFunc(sorted, func(a, b SegmentStats) int {
		if c := cmp.Compare(b.AdjustedBytes(), a.AdjustedBytes()); c != 0 {
			return c
		}
		return cmp.Compare(a.ID.String(), b.ID.String())
	})

	claimed := make(map[uuid.UUID]bool)
	var closed []Candidate
	for _, layer := range layers {
		target := layer + int64(float64(layer)*p.Fudge)
		var (
			cur   []uuid.UUID
			bytes int64
		)
		for _, s := range sorted {
			if claimed[s.ID] || s.Live() <= 0 || s.AdjustedBytes() > layer {
				continue
			}
			cur = append(cur, s.ID)
			bytes += s.Bytes
			if bytes >= target {
				closed = append(closed, Candidate{Layer: layer, Segments: cur})
				for _, id := range cur {
					claimed[id] = true
				}
				cur, bytes = nil, 0
			}
		}
	}

	var out []Candidate
	for _, c := range closed {
		if len(c.Segments) >= minCount {
			out = append(out, c)
		}
	}

	if len(out) > 0 {
		for _, s := range sorted {
			if s.Live() <= 0 && !claimed[s.ID] {
				out[0].Segments = append(out[0].Segments, s.ID)
			}
		}
	}
	return out
}

// OptimizePolicy merges every segment into one whenever that changes
// anything: two or more segments, or a single segment with deletes.
type OptimizePolicy struct{}

func (OptimizePolicy) Pick(segments []SegmentStats) []Candidate {
	if len(segments) == 0 || (len(segments) == 1 && segments[0].Deleted == 0) {
		return nil
	}
	ids := make([]uuid.UUID, len(segments))
	for i, s := range segments {
		ids[i] = s.ID
	}
	return []Candidate{{Segments: ids}}
}
