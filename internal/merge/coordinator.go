package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/google/uuid"
	"github.com/hupe1980/searchpages/directory"
	"github.com/hupe1980/searchpages/internal/linkedlist"
	"github.com/hupe1980/searchpages/internal/resource"
	"github.com/hupe1980/searchpages/internal/segment"
	"github.com/hupe1980/searchpages/page"
	"github.com/hupe1980/searchpages/txn"
	"github.com/hupe1980/searchpages/visibility"
)

var (
	// ErrLockBusy is returned when another backend holds the merge lock or
	// no background capacity is left.
	ErrLockBusy = errors.New("merge lock busy")
	// ErrNothingToMerge is returned when the policy proposes nothing.
	ErrNothingToMerge = errors.New("nothing to merge")
)

// IsContention reports whether err only means the merge should be retried
// on a later opportunity.
func IsContention(err error) bool {
	return errors.Is(err, ErrLockBusy) ||
		errors.Is(err, ErrNothingToMerge) ||
		errors.Is(err, resource.ErrMemoryLimitExceeded)
}

// IsCorruption reports whether err means stored data does not decode.
func IsCorruption(err error) bool {
	return errors.Is(err, segment.ErrCorrupt) ||
		errors.Is(err, linkedlist.ErrTruncated) ||
		errors.Is(err, page.ErrCorruptPage)
}

// State is a step of a merge attempt.
type State int

const (
	Idle State = iota
	CandidateSelected
	LockAcquired
	Merging
	Committing
	Done
	Abandoned
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case CandidateSelected:
		return "candidate-selected"
	case LockAcquired:
		return "lock-acquired"
	case Merging:
		return "merging"
	case Committing:
		return "committing"
	case Done:
		return "done"
	case Abandoned:
		return "abandoned"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Output describes one segment a merge produced.
type Output struct {
	Inputs  []uuid.UUID
	Segment segment.Info // zero ID when no input row survived
	Docs    int
	Dropped int // rows left behind as invisible or deleted
}

// Result summarises a merge attempt.
type Result struct {
	State   State
	Outputs []Output
	// GCRemoved counts stranded merge entries discarded under the lock.
	GCRemoved int
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithResourceController bounds memory, slots and IO of merges.
func WithResourceController(rc *resource.Controller) Option {
	return func(c *Coordinator) { c.rc = rc }
}

// WithSegmentOptions sets the encoding of merged segments.
func WithSegmentOptions(o segment.Options) Option {
	return func(c *Coordinator) { c.segOpts = o }
}

// WithTransitionHook calls fn on every state change.
func WithTransitionHook(fn func(from, to State)) Option {
	return func(c *Coordinator) { c.hook = fn }
}

// Coordinator runs merges through a directory.
type Coordinator struct {
	dir     directory.Directory
	heap    visibility.Fetcher
	rc      *resource.Controller
	segOpts segment.Options
	logger  *slog.Logger
	hook    func(from, to State)
}

// NewCoordinator returns a coordinator that checks row visibility against
// heap.
func NewCoordinator(dir directory.Directory, heap visibility.Fetcher, opts ...Option) *Coordinator {
	c := &Coordinator{
		dir:     dir,
		heap:    heap,
		segOpts: segment.DefaultOptions(),
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// attempt carries one run through the state machine.
type attempt struct {
	c     *Coordinator
	tx    *txn.Tx
	state State
	res   Result
}

func (a *attempt) to(s State) {
	from := a.state
	a.state = s
	a.c.logger.Debug("merge transition", "xid", a.tx.ID(), "from", from.String(), "to", s.String())
	if a.c.hook != nil {
		a.c.hook(from, s)
	}
}

func (a *attempt) abandon(err error) (Result, error) {
	a.to(Abandoned)
	a.res.State = Abandoned
	return a.res, err
}

// Run asks policy for candidates among the segments visible to tx and
// merges them in tx. New segments are registered and inputs marked dropped
// in tx, so the merge becomes visible when tx commits.
//
// Contention (see IsContention) leaves no trace. If an error is returned
// from the Committing state, tx holds partial drops and must be aborted.
func (c *Coordinator) Run(ctx context.Context, tx *txn.Tx, policy Policy) (Result, error) {
	a := &attempt{c: c, tx: tx, state: Idle}

	snap := tx.FreshSnapshot()
	infos, stats, err := c.describe(snap)
	if err != nil {
		return a.abandon(err)
	}
	if len(policy.Pick(stats)) == 0 {
		return a.abandon(ErrNothingToMerge)
	}
	a.to(CandidateSelected)

	lock, ok, err := c.dir.TryLockMerge()
	if err != nil {
		return a.abandon(err)
	}
	if !ok {
		return a.abandon(ErrLockBusy)
	}
	defer lock.Release()
	a.to(LockAcquired)

	if a.res.GCRemoved, err = lock.GC(); err != nil {
		return a.abandon(err)
	}
	inFlight, err := lock.InFlight()
	if err != nil {
		return a.abandon(err)
	}
	busy := make(map[uuid.UUID]bool, len(inFlight))
	for _, m := range inFlight {
		busy[m.Segment] = true
	}
	stats = slices.DeleteFunc(stats, func(s SegmentStats) bool { return busy[s.ID] })
	candidates := policy.Pick(stats)
	if len(candidates) == 0 {
		return a.abandon(ErrNothingToMerge)
	}

	if !c.rc.TryAcquireBackground() {
		return a.abandon(fmt.Errorf("%w: no background slot", ErrLockBusy))
	}
	defer c.rc.ReleaseBackground()

	var all []uuid.UUID
	for _, cand := range candidates {
		all = append(all, cand.Segments...)
	}
	if err := lock.Record(tx, all); err != nil {
		return a.abandon(err)
	}
	a.to(Merging)

	byID := make(map[uuid.UUID]segment.Info, len(infos))
	for _, info := range infos {
		byID[info.ID] = info
	}

	var written []segment.Info
	fail := func(err error) (Result, error) {
		for _, info := range written {
			err = errors.Join(err, segment.Discard(c.dir, tx, info))
		}
		if ferr := lock.Forget(tx); ferr != nil {
			err = errors.Join(err, ferr)
		}
		a.res.Outputs = nil
		return a.abandon(err)
	}

	checker := visibility.NewWithSnapshot(c.heap, tx, snap)
	builders := make([]*segment.Builder, len(candidates))
	for i, cand := range candidates {
		out, b, err := c.rewrite(ctx, snap, checker, cand, byID)
		if err != nil {
			return fail(err)
		}
		builders[i] = b
		a.res.Outputs = append(a.res.Outputs, out)
	}

	for i, b := range builders {
		if b.Len() == 0 {
			continue
		}
		info, err := b.Write(c.dir, tx)
		if err != nil {
			return fail(fmt.Errorf("write merged segment: %w", err))
		}
		written = append(written, info)
		a.res.Outputs[i].Segment = info
	}

	a.to(Committing)
	for _, id := range all {
		if err := segment.Drop(c.dir, tx, byID[id]); err != nil {
			a.to(Abandoned)
			a.res.State = Abandoned
			return a.res, fmt.Errorf("drop merged input %s: %w", id, err)
		}
	}
	if err := c.dir.AddCounters(uint64(len(written)), 0); err != nil {
		a.to(Abandoned)
		a.res.State = Abandoned
		return a.res, err
	}

	a.to(Done)
	a.res.State = Done
	for _, out := range a.res.Outputs {
		c.logger.Info("merged segments",
			"xid", tx.ID(),
			"inputs", len(out.Inputs),
			"output", out.Segment.ID,
			"docs", out.Docs,
			"dropped", out.Dropped,
			"bytes", out.Segment.Bytes)
	}
	return a.res, nil
}

// rewrite reads the live rows of one candidate into a builder.
func (c *Coordinator) rewrite(ctx context.Context, snap *txn.Snapshot, checker *visibility.Checker, cand Candidate, byID map[uuid.UUID]segment.Info) (Output, *segment.Builder, error) {
	out := Output{Inputs: cand.Segments}

	var reserved int64
	for _, id := range cand.Segments {
		reserved += byID[id].Bytes
	}
	if err := c.rc.AcquireMemory(reserved); err != nil {
		return out, nil, err
	}
	defer c.rc.ReleaseMemory(reserved)

	b := segment.NewBuilder(c.segOpts)
	b.MergedFrom(cand.Segments...)
	for _, id := range cand.Segments {
		info := byID[id]
		if err := c.rc.AcquireIO(ctx, int(info.Bytes)); err != nil {
			return out, nil, err
		}
		s, err := segment.Load(c.dir, snap, info)
		if err != nil {
			return out, nil, fmt.Errorf("load %s: %w", id, err)
		}
		docs, err := s.Documents()
		if err != nil {
			return out, nil, fmt.Errorf("read %s: %w", id, err)
		}
		out.Dropped += s.NumDeleted()
		for _, d := range docs {
			switch checker.Check(d.CTID) {
			case visibility.Visible:
				b.Add(d)
				out.Docs++
			case visibility.Invisible:
				out.Dropped++
			default:
				return out, nil, txn.ErrNotActive
			}
		}
	}
	return out, b, nil
}

// describe lists the segments visible to snap with their policy stats.
func (c *Coordinator) describe(snap *txn.Snapshot) ([]segment.Info, []SegmentStats, error) {
	entries, err := c.dir.List(snap)
	if err != nil {
		return nil, nil, err
	}
	infos := segment.Catalog(entries)
	stats := make([]SegmentStats, 0, len(infos))
	for _, info := range infos {
		meta, deleted, err := segment.Describe(c.dir, snap, info)
		if IsCorruption(err) {
			c.logger.Error("skipping corrupt segment", "segment", info.ID, "error", err)
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("describe %s: %w", info.ID, err)
		}
		stats = append(stats, SegmentStats{ID: info.ID, Bytes: info.Bytes, Docs: meta.Docs, Deleted: deleted})
	}
	return infos, stats, nil
}
