package directory

import (
	"sync"

	"github.com/google/uuid"
	"github.com/hupe1980/searchpages/page"
	"github.com/hupe1980/searchpages/txn"
)

func visible(snap *txn.Snapshot, e Entry) bool { return snap.Visible(e.Xmin, e.Xmax) }

// occupies reports whether e still claims its path: anything but the
// leftovers of an aborted creator.
func occupies(txm *txn.Manager, e Entry) bool {
	return txm.Status(e.Xmin) != txn.Aborted
}

type dropAction int

const (
	dropSkip dropAction = iota
	dropMark
	dropAlready
	dropConflict
)

// dropDecision decides what Delete does with an entry of the requested path.
// Drops act on the latest committed state rather than the transaction
// snapshot, like an update of the newest row version.
func dropDecision(txm *txn.Manager, tx *txn.Tx, e Entry) dropAction {
	if e.Xmin != tx.ID() && txm.Status(e.Xmin) != txn.Committed {
		return dropSkip
	}
	switch {
	case e.Xmax == txn.InvalidXID:
		return dropMark
	case e.Xmax == tx.ID():
		return dropAlready
	}
	switch txm.Status(e.Xmax) {
	case txn.Aborted:
		return dropMark
	case txn.Committed:
		return dropSkip
	default:
		return dropConflict
	}
}

// reclaimable reports whether no snapshot at or after horizon can see e.
func reclaimable(txm *txn.Manager, e Entry, horizon txn.XID) bool {
	if txm.Status(e.Xmin) == txn.Aborted {
		return true
	}
	return e.Xmax != txn.InvalidXID && e.Xmax < horizon && txm.Status(e.Xmax) == txn.Committed
}

// mergeGarbage reports whether a merge entry can go: its holder aborted or
// died, or it committed and every input component has been reclaimed.
func mergeGarbage(txm *txn.Manager, m MergeEntry, present map[uuid.UUID]bool) bool {
	switch txm.Status(m.Holder) {
	case txn.Committed:
		return !present[m.Segment]
	case txn.Aborted:
		return true
	default:
		return !txm.IsRunning(m.Holder)
	}
}

func presentSegments(entries []Entry) map[uuid.UUID]bool {
	present := make(map[uuid.UUID]bool)
	for _, e := range entries {
		if id, ok := SegmentOf(e.Path); ok {
			present[id] = true
		}
	}
	return present
}

// pendingCreate is a component a transaction started writing.
type pendingCreate struct {
	path       string
	head       page.BlockNumber
	registered bool
}

// pending is the per-transaction bookkeeping of creates and drops. It is
// registered as an observer of the transaction and drained when it ends.
type pending struct {
	mu      sync.Mutex
	creates []*pendingCreate
	drops   int
	end     func(tx *txn.Tx, committed bool, p *pending)
}

func (p *pending) TxEnd(tx *txn.Tx, committed bool) { p.end(tx, committed, p) }

func (p *pending) addCreate(c *pendingCreate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.creates = append(p.creates, c)
}

func (p *pending) addDrop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.drops++
}

func (p *pending) markRegistered(c *pendingCreate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c.registered = true
}

func (p *pending) take(path string) *pendingCreate {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, c := range p.creates {
		if c.path == path {
			p.creates = append(p.creates[:i], p.creates[i+1:]...)
			return c
		}
	}
	return nil
}

// unregistered returns the creates that never became entries.
func (p *pending) unregistered() []*pendingCreate {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*pendingCreate
	for _, c := range p.creates {
		if !c.registered {
			out = append(out, c)
		}
	}
	return out
}
