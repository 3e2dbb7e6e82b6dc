package searchpages

import (
	"context"
	"errors"
	"iter"
	"sync/atomic"
	"time"

	"github.com/hupe1980/searchpages/internal/segment"
	"github.com/hupe1980/searchpages/parallel"
	"github.com/hupe1980/searchpages/txn"
	"github.com/hupe1980/searchpages/visibility"
	"golang.org/x/sync/errgroup"
)

// SearchMatch is one visible search result.
type SearchMatch struct {
	Score float32
	Key   int64
	CTID  uint64
}

// Search returns the best limit documents matching any term of query, as
// seen by tx. Scores are BM25 over statistics of every visible segment.
// Matches come best first, ties broken by ascending key. Rows invisible to
// tx are filtered before they count against limit.
//
// The sequence is lazy and single-use: ranging over it a second time yields
// ErrResultsConsumed. A corrupt segment does not stop the search; its
// *CorruptSegmentError is yielded after every match of the healthy
// segments.
func (idx *Index) Search(ctx context.Context, tx *txn.Tx, query string, limit int) iter.Seq2[SearchMatch, error] {
	var used atomic.Bool
	return func(yield func(SearchMatch, error) bool) {
		if !used.CompareAndSwap(false, true) {
			yield(SearchMatch{}, ErrResultsConsumed)
			return
		}

		start := time.Now()
		matches, corrupt, err := idx.search(ctx, tx, query, limit)
		idx.opts.metricsCollector.RecordSearch(limit, len(matches), time.Since(start), errors.Join(err, errors.Join(corrupt...)))
		idx.logger.LogSearch(ctx, limit, len(matches), err)
		if err != nil {
			yield(SearchMatch{}, err)
			return
		}
		for _, m := range matches {
			if !yield(m, nil) {
				return
			}
		}
		for _, err := range corrupt {
			if !yield(SearchMatch{}, err) {
				return
			}
		}
	}
}

func (idx *Index) search(ctx context.Context, tx *txn.Tx, query string, limit int) ([]SearchMatch, []error, error) {
	terms, err := idx.prepareSearch(tx, query, limit)
	if err != nil || len(terms) == 0 {
		return nil, nil, err
	}
	snap := tx.Snapshot()
	infos, err := idx.catalog(snap)
	if err != nil {
		return nil, nil, err
	}

	var (
		segs    []*segment.Segment
		corrupt []error
	)
	for _, info := range infos {
		s, err := idx.loadSegment(snap, info)
		if IsCorrupt(err) {
			corrupt = append(corrupt, err)
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		segs = append(segs, s)
	}

	st := segment.NewStats(terms)
	for _, s := range segs {
		st.Add(s)
	}
	col := segment.NewCollector(limit)
	checker := visibility.New(idx.heap, tx)
	for _, s := range segs {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		if err := collect(s, terms, st, col, checker); err != nil {
			return nil, nil, err
		}
	}
	return toMatches(col.Results()), corrupt, nil
}

func (idx *Index) prepareSearch(tx *txn.Tx, query string, limit int) ([]string, error) {
	if err := idx.checkOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}
	if !tx.Active() {
		return nil, txn.ErrNotActive
	}
	return segment.QueryTerms(query), nil
}

func (idx *Index) loadSegment(snap *txn.Snapshot, info segment.Info) (*segment.Segment, error) {
	s, err := segment.Load(idx.dir, snap, info)
	if err != nil {
		err = segmentError(info.ID, err)
		if IsCorrupt(err) {
			idx.logger.WithSegment(info.ID).Error("skipping corrupt segment", "error", err)
		}
		return nil, err
	}
	return s, nil
}

// collect scores one segment into col, checking visibility only for hits
// that would make the cut.
func collect(s *segment.Segment, terms []string, st *segment.Stats, col *segment.Collector, checker *visibility.Checker) error {
	var err error
	s.Score(terms, st, func(h segment.Hit) bool {
		if !col.Admits(h) {
			return true
		}
		switch checker.Check(h.CTID) {
		case visibility.Visible:
			col.Push(h)
		case visibility.NotApplicable:
			err = txn.ErrNotActive
			return false
		}
		return true
	})
	return err
}

func toMatches(hits []segment.Hit) []SearchMatch {
	out := make([]SearchMatch, len(hits))
	for i, h := range hits {
		out[i] = SearchMatch{Score: h.Score, Key: h.Key, CTID: h.CTID}
	}
	return out
}

// ParallelSearch is Search fanned out over workers. Workers check segment
// ordinals out of a shared parallel.State, first to load the segments and
// then, after a reset, to score them. Results equal those of Search.
//
// Matches of healthy segments are returned even when the error reports
// corrupt segments.
func (idx *Index) ParallelSearch(ctx context.Context, tx *txn.Tx, query string, limit, workers int) ([]SearchMatch, error) {
	start := time.Now()
	matches, err := idx.parallelSearch(ctx, tx, query, limit, max(workers, 1))
	idx.opts.metricsCollector.RecordSearch(limit, len(matches), time.Since(start), err)
	idx.logger.LogSearch(ctx, limit, len(matches), err)
	return matches, err
}

func (idx *Index) parallelSearch(ctx context.Context, tx *txn.Tx, query string, limit, workers int) ([]SearchMatch, error) {
	terms, err := idx.prepareSearch(tx, query, limit)
	if err != nil || len(terms) == 0 {
		return nil, err
	}
	snap := tx.Snapshot()
	infos, err := idx.catalog(snap)
	if err != nil {
		return nil, err
	}

	state := parallel.NewState(len(infos))
	segs := make([]*segment.Segment, len(infos))
	corrupt := make([]error, len(infos))

	g, gctx := errgroup.WithContext(ctx)
	for range workers {
		g.Go(func() error {
			for {
				ord, ok := state.Checkout()
				if !ok {
					return nil
				}
				if err := gctx.Err(); err != nil {
					return err
				}
				s, err := idx.loadSegment(snap, infos[ord])
				if IsCorrupt(err) {
					corrupt[ord] = err
					continue
				}
				if err != nil {
					return err
				}
				segs[ord] = s
			}
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	st := segment.NewStats(terms)
	for _, s := range segs {
		if s != nil {
			st.Add(s)
		}
	}

	state.Reset()
	partial := make([][]segment.Hit, workers)
	g, gctx = errgroup.WithContext(ctx)
	for w := range workers {
		g.Go(func() error {
			col := segment.NewCollector(limit)
			checker := visibility.New(idx.heap, tx)
			for {
				ord, ok := state.Checkout()
				if !ok {
					break
				}
				if err := gctx.Err(); err != nil {
					return err
				}
				if segs[ord] == nil {
					continue
				}
				if err := collect(segs[ord], terms, st, col, checker); err != nil {
					return err
				}
			}
			partial[w] = col.Results()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	col := segment.NewCollector(limit)
	for _, hits := range partial {
		for _, h := range hits {
			col.Push(h)
		}
	}
	return toMatches(col.Results()), errors.Join(corrupt...)
}
