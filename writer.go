package searchpages

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hupe1980/searchpages/internal/merge"
	"github.com/hupe1980/searchpages/internal/resource"
	"github.com/hupe1980/searchpages/internal/segment"
	"github.com/hupe1980/searchpages/txn"
)

// Document is one indexed row.
type Document struct {
	// Key is the user-visible key; ties in score are broken by ascending key.
	Key  int64
	Text string
}

// Insert indexes a single document pointing at heap row ctid. The document
// becomes its own segment, visible once tx commits.
func (idx *Index) Insert(ctx context.Context, tx *txn.Tx, doc Document, ctid uint64) error {
	w, err := idx.NewWriter(tx)
	if err != nil {
		return err
	}
	if err := w.Add(doc, ctid); err != nil {
		return err
	}
	_, err = w.Flush(ctx)
	return err
}

// Writer batches documents of one transaction into segments.
// It is not safe for concurrent use.
type Writer struct {
	idx *Index
	tx  *txn.Tx
	b   *segment.Builder
}

// NewWriter returns a writer adding documents in tx.
func (idx *Index) NewWriter(tx *txn.Tx) (*Writer, error) {
	if err := idx.checkOpen(); err != nil {
		return nil, err
	}
	if !tx.Active() {
		return nil, txn.ErrNotActive
	}
	return &Writer{idx: idx, tx: tx, b: segment.NewBuilder(idx.opts.segment)}, nil
}

// Add buffers a document.
func (w *Writer) Add(doc Document, ctid uint64) error {
	if !w.tx.Active() {
		return txn.ErrNotActive
	}
	w.b.Add(segment.Document{Key: doc.Key, CTID: ctid, Text: doc.Text})
	return nil
}

// Len returns the number of buffered documents.
func (w *Writer) Len() int { return w.b.Len() }

// Flush writes the buffered documents as one segment and then gives the
// merge policy a chance to run. It returns the new segment id, or uuid.Nil
// when nothing was buffered.
//
// An error leaves tx in an undefined state; the caller must abort it.
func (w *Writer) Flush(ctx context.Context) (uuid.UUID, error) {
	if w.b.Len() == 0 {
		return uuid.Nil, nil
	}
	idx := w.idx
	start := time.Now()
	docs := w.b.Len()

	info, err := w.b.Write(idx.dir, w.tx)
	if err == nil {
		err = idx.dir.AddCounters(1, uint64(docs))
	}
	idx.opts.metricsCollector.RecordInsert(docs, time.Since(start), err)
	idx.logger.LogInsert(ctx, docs, info.ID, err)
	if err != nil {
		return uuid.Nil, fmt.Errorf("flush segment: %w", err)
	}
	w.b.Reset()

	if idx.opts.mergeDisabled {
		return info.ID, nil
	}
	if _, err := idx.merge(ctx, w.tx, idx.policy); err != nil {
		return info.ID, err
	}
	return info.ID, nil
}

// merge runs one merge attempt in tx. Contention and corrupt inputs are
// logged and swallowed; any other error is fatal to tx.
func (idx *Index) merge(ctx context.Context, tx *txn.Tx, policy merge.Policy) (merge.Result, error) {
	start := time.Now()
	res, err := idx.merger.Run(ctx, tx, policy)

	var inputs, outputs int
	for _, out := range res.Outputs {
		inputs += len(out.Inputs)
		if out.Segment.ID != uuid.Nil {
			outputs++
		}
	}
	contended := merge.IsContention(err)
	idx.logger.LogMerge(ctx, inputs, outputs, contended, err)
	if errors.Is(err, resource.ErrMemoryLimitExceeded) {
		idx.logger.DebugContext(ctx, "merge memory exhausted",
			"used", idx.rc.MemoryUsage(),
			"limit", idx.rc.MemoryLimit(),
		)
	}
	for _, out := range res.Outputs {
		if out.Segment.ID != uuid.Nil {
			idx.logger.WithSegment(out.Segment.ID).DebugContext(ctx, "merged segment",
				"inputs", len(out.Inputs),
				"docs", out.Docs,
			)
		}
	}
	if !errors.Is(err, merge.ErrNothingToMerge) {
		idx.opts.metricsCollector.RecordMerge(inputs, outputs, time.Since(start), err)
	}

	switch {
	case err == nil:
		return res, nil
	case contended:
		return res, nil
	case merge.IsCorruption(err) && len(res.Outputs) == 0:
		// the attempt cleaned up after itself; the corrupt input stays
		return res, nil
	default:
		return res, fmt.Errorf("merge: %w", err)
	}
}
