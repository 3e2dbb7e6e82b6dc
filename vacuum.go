package searchpages

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/google/uuid"
	"github.com/hupe1980/searchpages/directory"
	"github.com/hupe1980/searchpages/heap"
	"github.com/hupe1980/searchpages/internal/merge"
	"github.com/hupe1980/searchpages/internal/segment"
)

const (
	lockRetryMin = time.Millisecond
	lockRetryMax = 100 * time.Millisecond
)

// VacuumOptions configure a vacuum pass.
type VacuumOptions struct {
	// Optimize merges every segment into one after dead rows were marked.
	Optimize bool
}

// VacuumResult summarises a vacuum pass.
type VacuumResult struct {
	DeletedDocs         int // rows newly marked deleted
	SegmentsTouched     int // segments that got a new delete generation
	SegmentsMerged      int
	EntriesReclaimed    int
	FreedBlocks         int
	MergeEntriesRemoved int
	CorruptSegments     []uuid.UUID
}

// Vacuum marks documents whose heap rows are dead, optionally merges all
// segments, and then returns the storage of entries no snapshot can see to
// the free space manager. It runs its own transactions. With no writes in
// between, a second call changes nothing.
func (idx *Index) Vacuum(ctx context.Context, opts VacuumOptions) (VacuumResult, error) {
	if err := idx.checkOpen(); err != nil {
		return VacuumResult{}, err
	}
	start := time.Now()
	res, err := idx.vacuum(ctx, opts)
	idx.opts.metricsCollector.RecordVacuum(res.DeletedDocs, res.FreedBlocks, time.Since(start), err)
	idx.logger.LogVacuum(ctx, res, err)
	return res, err
}

func (idx *Index) vacuum(ctx context.Context, opts VacuumOptions) (VacuumResult, error) {
	var res VacuumResult
	if err := idx.bulkDelete(ctx, &res); err != nil {
		return res, fmt.Errorf("vacuum bulk delete: %w", err)
	}
	if opts.Optimize {
		if err := idx.optimize(ctx, &res); err != nil {
			return res, fmt.Errorf("vacuum optimize: %w", err)
		}
	}

	vr, err := idx.dir.Vacuum(idx.txm.Horizon())
	res.EntriesReclaimed = len(vr.Reclaimed)
	res.FreedBlocks = vr.FreedBlocks
	res.MergeEntriesRemoved += vr.MergesRemoved
	if err != nil {
		return res, fmt.Errorf("vacuum reclaim: %w", err)
	}
	return res, nil
}

// lockMerge waits for the merge lock, backing off between attempts.
func (idx *Index) lockMerge(ctx context.Context) (directory.MergeLock, error) {
	delay := lockRetryMin
	for {
		lock, ok, err := idx.dir.TryLockMerge()
		if err != nil {
			return nil, err
		}
		if ok {
			return lock, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, lockRetryMax)
	}
}

// bulkDelete writes a new delete generation for every segment holding
// documents whose rows are dead. It holds the merge lock until its
// transaction ended so no merge consumes a segment it is updating.
func (idx *Index) bulkDelete(ctx context.Context, res *VacuumResult) (err error) {
	horizon := idx.txm.Horizon()

	lock, err := idx.lockMerge(ctx)
	if err != nil {
		return err
	}
	defer lock.Release()

	removed, err := lock.GC()
	if err != nil {
		return err
	}
	res.MergeEntriesRemoved += removed
	inFlight, err := lock.InFlight()
	if err != nil {
		return err
	}
	busy := make(map[uuid.UUID]bool, len(inFlight))
	for _, m := range inFlight {
		busy[m.Segment] = true
	}

	tx := idx.txm.Begin(idx.opts.pid)
	defer func() {
		if err != nil {
			err = errors.Join(err, tx.Abort())
		}
	}()

	infos, err := idx.catalog(tx.Snapshot())
	if err != nil {
		return err
	}
	for _, info := range infos {
		if busy[info.ID] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := idx.rc.AcquireIO(ctx, int(info.Bytes)); err != nil {
			return err
		}
		s, err := idx.loadSegment(tx.Snapshot(), info)
		if IsCorrupt(err) {
			res.CorruptSegments = append(res.CorruptSegments, info.ID)
			continue
		}
		if err != nil {
			return err
		}

		dead := roaring.New()
		for ord := range uint32(s.NumDocs()) {
			if !s.IsDeleted(ord) && idx.heap.IsDead(heap.Unpack(s.Doc(ord).CTID), horizon) {
				dead.Add(ord)
			}
		}
		if dead.IsEmpty() {
			continue
		}
		wrote, err := segment.WriteDeletes(idx.dir, tx, s, dead)
		if err != nil {
			return fmt.Errorf("segment %s: %w", info.ID, err)
		}
		if wrote {
			res.SegmentsTouched++
			res.DeletedDocs += int(dead.GetCardinality())
		}
	}
	return tx.Commit()
}

// optimize merges every mergeable segment in its own transaction.
func (idx *Index) optimize(ctx context.Context, res *VacuumResult) error {
	tx := idx.txm.Begin(idx.opts.pid)
	mr, err := idx.merge(ctx, tx, merge.OptimizePolicy{})
	if err != nil {
		return errors.Join(err, tx.Abort())
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if mr.State == merge.Done {
		for _, out := range mr.Outputs {
			res.SegmentsMerged += len(out.Inputs)
		}
	}
	return nil
}

