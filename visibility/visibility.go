// Package visibility decides whether the row behind a packed ctid is visible
// to a snapshot.
package visibility

import (
	"github.com/hupe1980/searchpages/heap"
	"github.com/hupe1980/searchpages/txn"
)

// Verdict is the outcome of a visibility check.
type Verdict int

const (
	// Invisible covers rows that are dead, not yet committed, or physically gone.
	Invisible Verdict = iota
	Visible
	// NotApplicable is returned when no transaction is active, for example
	// while a backend shuts down.
	NotApplicable
)

func (v Verdict) String() string {
	switch v {
	case Visible:
		return "visible"
	case Invisible:
		return "invisible"
	default:
		return "not-applicable"
	}
}

// Fetcher is the heap access method: an index-style fetch by row address
// that follows update chains and honors a snapshot.
type Fetcher interface {
	Fetch(tid heap.TID, snap *txn.Snapshot) (heap.Tuple, bool)
}

const memoSize = 1024

// Checker answers visibility questions for one scan. It is not safe for
// concurrent use; parallel workers build their own.
type Checker struct {
	heap Fetcher
	tx   *txn.Tx
	snap *txn.Snapshot
	memo map[uint64]bool
}

// New returns a checker bound to the transaction's snapshot.
func New(h Fetcher, tx *txn.Tx) *Checker {
	var snap *txn.Snapshot
	if tx != nil {
		snap = tx.Snapshot()
	}
	return NewWithSnapshot(h, tx, snap)
}

// NewWithSnapshot returns a checker that judges rows against snap while tx
// is active.
func NewWithSnapshot(h Fetcher, tx *txn.Tx, snap *txn.Snapshot) *Checker {
	return &Checker{heap: h, tx: tx, snap: snap, memo: make(map[uint64]bool)}
}

// Check returns the verdict for the packed row identifier ctid. A row that
// no longer exists is Invisible, never an error.
func (c *Checker) Check(ctid uint64) Verdict {
	if c == nil || c.snap == nil || !c.tx.Active() {
		return NotApplicable
	}
	if ok, hit := c.memo[ctid]; hit {
		return verdict(ok)
	}
	_, ok := c.heap.Fetch(heap.Unpack(ctid), c.snap)
	if len(c.memo) >= memoSize {
		clear(c.memo)
	}
	c.memo[ctid] = ok
	return verdict(ok)
}

// IsVisible reports whether the row is visible. Outside a transaction it
// reports false.
func (c *Checker) IsVisible(ctid uint64) bool { return c.Check(ctid) == Visible }

func verdict(ok bool) Verdict {
	if ok {
		return Visible
	}
	return Invisible
}
