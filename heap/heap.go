package heap

import (
	"errors"
	"fmt"
	"sync"

	"github.com/hupe1980/searchpages/txn"
)

// TuplesPerBlock is the number of line pointers handed out per heap block.
const TuplesPerBlock = 64

// TID is a physical row address: heap block plus 1-based line pointer offset.
type TID struct {
	Block  uint32
	Offset uint16
}

// InvalidTID addresses no row.
var InvalidTID = TID{}

// Valid reports whether the TID can address a row.
func (t TID) Valid() bool { return t.Offset != 0 }

// Pack encodes the TID into the packed row identifier stored in segments.
func (t TID) Pack() uint64 { return uint64(t.Block)<<16 | uint64(t.Offset) }

// Unpack decodes a packed row identifier.
func Unpack(ctid uint64) TID {
	return TID{Block: uint32(ctid >> 16), Offset: uint16(ctid & 0xffff)}
}

func (t TID) String() string { return fmt.Sprintf("(%d,%d)", t.Block, t.Offset) }

var (
	// ErrNoSuchTuple is returned when a TID does not address a tuple.
	ErrNoSuchTuple = errors.New("no such tuple")
	// ErrConcurrentUpdate is returned when a tuple was already updated or deleted.
	ErrConcurrentUpdate = errors.New("tuple concurrently updated")
)

// Tuple is one row version.
type Tuple struct {
	TID  TID
	Xmin txn.XID
	Xmax txn.XID
	Data string

	next       TID
	hotUpdated bool
	heapOnly   bool
	redirect   bool
}

// Table is an in-memory heap relation with multi-version tuples and HOT chains.
type Table struct {
	txm *txn.Manager

	mu     sync.RWMutex
	tuples map[TID]*Tuple
	next   TID
}

// NewTable creates an empty heap relation.
func NewTable(txm *txn.Manager) *Table {
	return &Table{
		txm:    txm,
		tuples: make(map[TID]*Tuple),
		next:   TID{Block: 0, Offset: 1},
	}
}

func (t *Table) allocLocked() TID {
	tid := t.next
	if t.next.Offset == TuplesPerBlock {
		t.next = TID{Block: t.next.Block + 1, Offset: 1}
	} else {
		t.next.Offset++
	}
	return tid
}

// Insert stores a new row version created by tx.
func (t *Table) Insert(tx *txn.Tx, data string) TID {
	t.mu.Lock()
	defer t.mu.Unlock()
	tid := t.allocLocked()
	t.tuples[tid] = &Tuple{TID: tid, Xmin: tx.ID(), Data: data}
	return tid
}

// resolveLocked follows a pruned root's redirect to the tuple it stands for.
func (t *Table) resolveLocked(tid TID) (*Tuple, bool) {
	tup, ok := t.tuples[tid]
	if ok && tup.redirect {
		tup, ok = t.tuples[tup.next]
	}
	return tup, ok
}

func (t *Table) retireLocked(tx *txn.Tx, tid TID) (*Tuple, error) {
	tup, ok := t.resolveLocked(tid)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchTuple, tid)
	}
	if !tx.Snapshot().Visible(tup.Xmin, tup.Xmax) {
		return nil, fmt.Errorf("%w: %s not visible", ErrNoSuchTuple, tid)
	}
	if tup.Xmax != txn.InvalidXID && t.txm.Status(tup.Xmax) != txn.Aborted {
		return nil, fmt.Errorf("%w: %s", ErrConcurrentUpdate, tid)
	}
	tup.Xmax = tx.ID()
	tup.hotUpdated = false
	tup.next = InvalidTID
	return tup, nil
}

// Delete retires the row version at tid.
func (t *Table) Delete(tx *txn.Tx, tid TID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := t.retireLocked(tx, tid)
	return err
}

// Update retires the row version at tid and stores a new version. A HOT
// update links the versions so index entries pointing at the old version keep
// finding the row; a non-HOT update requires a new index entry for the new TID.
func (t *Table) Update(tx *txn.Tx, tid TID, data string, hot bool) (TID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	old, err := t.retireLocked(tx, tid)
	if err != nil {
		return InvalidTID, err
	}
	nt := t.allocLocked()
	t.tuples[nt] = &Tuple{TID: nt, Xmin: tx.ID(), Data: data, heapOnly: hot}
	if hot {
		old.hotUpdated = true
		old.next = nt
	}
	return nt, nil
}

// Fetch returns the version of the row at tid visible to snap, following the
// HOT chain. It reports false if no version is visible or the row is gone.
func (t *Table) Fetch(tid TID, snap *txn.Snapshot) (Tuple, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for hops := 0; tid.Valid() && hops <= len(t.tuples); hops++ {
		tup, ok := t.tuples[tid]
		if !ok {
			return Tuple{}, false
		}
		if tup.redirect {
			tid = tup.next
			continue
		}
		if snap.Visible(tup.Xmin, tup.Xmax) {
			return *tup, true
		}
		if !tup.hotUpdated {
			return Tuple{}, false
		}
		tid = tup.next
	}
	return Tuple{}, false
}

func (t *Table) deadLocked(tup *Tuple, horizon txn.XID) bool {
	if t.txm.Status(tup.Xmin) == txn.Aborted {
		return true
	}
	if tup.Xmax == txn.InvalidXID {
		return false
	}
	return t.txm.Status(tup.Xmax) == txn.Committed && tup.Xmax < horizon
}

// IsDead reports whether every version reachable from tid is invisible to all
// current and future snapshots. A missing row is dead.
func (t *Table) IsDead(tid TID, horizon txn.XID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for hops := 0; tid.Valid() && hops <= len(t.tuples); hops++ {
		tup, ok := t.tuples[tid]
		if !ok {
			return true
		}
		if tup.redirect {
			tid = tup.next
			continue
		}
		if !t.deadLocked(tup, horizon) {
			return false
		}
		if !tup.hotUpdated {
			return true
		}
		tid = tup.next
	}
	return true
}

// Prune physically removes versions that are dead to everyone, returning how
// many were removed. A dead chain root whose HOT chain still holds a live
// version is turned into a redirect to that version, so index entries that
// carry the root's TID keep finding the row.
func (t *Table) Prune(horizon txn.XID) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	redirects := make(map[TID]TID)
	for tid, tup := range t.tuples {
		if tup.heapOnly {
			continue
		}
		if !tup.redirect && !t.deadLocked(tup, horizon) {
			continue
		}
		if live, ok := t.firstLiveLocked(tup, horizon); ok {
			redirects[tid] = live
		}
	}

	n := 0
	for tid, tup := range t.tuples {
		if to, ok := redirects[tid]; ok {
			if !tup.redirect {
				n++
			}
			t.tuples[tid] = &Tuple{TID: tid, next: to, redirect: true}
			continue
		}
		if tup.redirect || t.deadLocked(tup, horizon) {
			delete(t.tuples, tid)
			if !tup.redirect {
				n++
			}
		}
	}
	return n
}

// firstLiveLocked walks the HOT chain after root and returns the first version
// that is not dead.
func (t *Table) firstLiveLocked(root *Tuple, horizon txn.XID) (TID, bool) {
	cur := root
	for hops := 0; hops <= len(t.tuples); hops++ {
		if !cur.redirect && !cur.hotUpdated {
			return InvalidTID, false
		}
		next, ok := t.tuples[cur.next]
		if !ok {
			return InvalidTID, false
		}
		if !t.deadLocked(next, horizon) {
			return next.TID, true
		}
		cur = next
	}
	return InvalidTID, false
}

// Len returns the number of stored row versions.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, tup := range t.tuples {
		if !tup.redirect {
			n++
		}
	}
	return n
}
