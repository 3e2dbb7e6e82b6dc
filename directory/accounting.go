package directory

import (
	"fmt"
	"slices"

	"github.com/bits-and-blooms/bitset"
	"github.com/hupe1980/searchpages/internal/linkedlist"
	"github.com/hupe1980/searchpages/internal/metapage"
	"github.com/hupe1980/searchpages/page"
)

// Accounting classifies every block of the relation.
type Accounting struct {
	Total      int
	Structural int // metapage, anchors, directory, merge list and FSM pages
	Referenced int // chains of directory entries, live or retired
	Free       int // FSM ranges
	InFlight   int // chains being written and not yet registered

	// Leaked blocks belong to nothing; Duplicates are claimed twice.
	Leaked     []page.BlockNumber
	Duplicates []page.BlockNumber
}

// Balanced reports whether every block is owned exactly once.
func (a Accounting) Balanced() bool {
	return len(a.Leaked) == 0 && len(a.Duplicates) == 0 &&
		a.Structural+a.Referenced+a.Free+a.InFlight == a.Total
}

func (a Accounting) String() string {
	return fmt.Sprintf("total=%d structural=%d referenced=%d free=%d inflight=%d leaked=%d duplicates=%d",
		a.Total, a.Structural, a.Referenced, a.Free, a.InFlight, len(a.Leaked), len(a.Duplicates))
}

// Accounting walks every structure of the relation and classifies its
// blocks. The result is only meaningful while no writer is active.
func (d *BlockDirectory) Accounting() (Accounting, error) {
	total := d.mgr.NumBlocks()
	a := Accounting{Total: int(total)}
	owned := bitset.New(uint(total))

	claim := func(counter *int, blocks ...page.BlockNumber) error {
		for _, b := range blocks {
			if b >= total {
				return fmt.Errorf("accounting: block %d beyond relation end %d", b, total)
			}
			if owned.Test(uint(b)) {
				a.Duplicates = append(a.Duplicates, b)
				continue
			}
			owned.Set(uint(b))
			*counter++
		}
		return nil
	}

	if err := claim(&a.Structural, metapage.MetaBlock, metapage.MergeLockBlock); err != nil {
		return a, err
	}
	for _, list := range []func() ([]page.BlockNumber, error){d.entries.Blocks, d.merges.Blocks, d.fsm.Pages} {
		blocks, err := list()
		if err != nil {
			return a, err
		}
		if err := claim(&a.Structural, blocks...); err != nil {
			return a, err
		}
	}

	entries, err := d.entries.Collect()
	if err != nil {
		return a, err
	}
	for _, e := range entries {
		blocks, err := linkedlist.OpenBytes(d.mgr, d.fsm, e.Start).Blocks()
		if err != nil {
			return a, fmt.Errorf("accounting %s: %w", e.Path, err)
		}
		if err := claim(&a.Referenced, blocks...); err != nil {
			return a, err
		}
	}

	ranges, err := d.fsm.Ranges()
	if err != nil {
		return a, err
	}
	for _, r := range ranges {
		for b := r.Start; b < r.End(); b++ {
			if err := claim(&a.Free, b); err != nil {
				return a, err
			}
		}
	}

	d.mu.Lock()
	heads := make([]page.BlockNumber, 0, len(d.inflight))
	for h := range d.inflight {
		heads = append(heads, h)
	}
	d.mu.Unlock()
	slices.Sort(heads)
	for _, h := range heads {
		blocks, err := linkedlist.OpenBytes(d.mgr, d.fsm, h).Blocks()
		if err != nil {
			return a, err
		}
		if err := claim(&a.InFlight, blocks...); err != nil {
			return a, err
		}
	}

	for b := uint(0); b < uint(total); b++ {
		if !owned.Test(b) {
			a.Leaked = append(a.Leaked, page.BlockNumber(b))
		}
	}
	return a, nil
}
