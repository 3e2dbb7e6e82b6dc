package fsm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"

	"github.com/hupe1980/searchpages/page"
)

// DefaultExtendBatch is the number of blocks the relation grows by when the
// FSM cannot satisfy an allocation.
const DefaultExtendBatch = 8

// Page payload layout.
const (
	offCount  = 0
	offTail   = 4
	prefixLen = 8
	rangeLen  = 8

	// RangesPerPage is the capacity of one FSM page.
	RangesPerPage = (page.PayloadCapacity - prefixLen) / rangeLen
)

// ErrInvalidRange is returned for empty or overflowing ranges.
var ErrInvalidRange = errors.New("invalid block range")

// Range is a run of contiguous blocks.
type Range struct {
	Start page.BlockNumber
	Count uint32
}

// End returns the block after the range.
func (r Range) End() page.BlockNumber { return r.Start + page.BlockNumber(r.Count) }

func (r Range) String() string { return fmt.Sprintf("[%d,+%d)", r.Start, r.Count) }

// Coalesce sorts blocks and merges runs of consecutive numbers into ranges.
func Coalesce(blocks []page.BlockNumber) []Range {
	if len(blocks) == 0 {
		return nil
	}
	sorted := slices.Clone(blocks)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	out := []Range{{Start: sorted[0], Count: 1}}
	for _, b := range sorted[1:] {
		last := &out[len(out)-1]
		if b == last.End() {
			last.Count++
			continue
		}
		out = append(out, Range{Start: b, Count: 1})
	}
	return out
}

// Format initialises p as an empty FSM root.
func Format(p *page.Page) {
	p.Init(page.KindFSM)
	binary.LittleEndian.PutUint32(p.Payload()[offTail:], uint32(page.InvalidBlockNumber))
	p.SetPayloadLen(prefixLen)
}

// Option configures an FSM.
type Option func(*FSM)

// WithExtendBatch sets how many blocks the relation grows by at a time.
func WithExtendBatch(n int) Option {
	return func(f *FSM) {
		if n > 0 {
			f.extendBatch = n
		}
	}
}

// FSM is the free space manager of one relation.
type FSM struct {
	mgr         page.Manager
	root        page.BlockNumber
	extendBatch int
}

// New opens the FSM rooted at root.
func New(mgr page.Manager, root page.BlockNumber, opts ...Option) *FSM {
	f := &FSM{mgr: mgr, root: root, extendBatch: DefaultExtendBatch}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Extend registers blocks that have never been used.
func (f *FSM) Extend(r Range) error { return f.push([]Range{r}) }

// Push donates blocks freed by a dropped or merged-away segment.
func (f *FSM) Push(r Range) error { return f.push([]Range{r}) }

// Free returns individual blocks, coalescing them into ranges.
func (f *FSM) Free(blocks ...page.BlockNumber) error {
	return f.push(Coalesce(blocks))
}

func (f *FSM) push(ranges []Range) error {
	for _, r := range ranges {
		if r.Count == 0 || !r.Start.Valid() || r.End() < r.Start {
			return fmt.Errorf("%w: %s", ErrInvalidRange, r)
		}
	}
	if len(ranges) == 0 {
		return nil
	}
	s, err := f.load()
	if err != nil {
		return err
	}
	defer s.release()
	for _, r := range ranges {
		if err := s.push(f.mgr, r); err != nil {
			return err
		}
	}
	return s.commit()
}

// Drain removes and returns up to n reusable block numbers.
func (f *FSM) Drain(n int) ([]page.BlockNumber, error) {
	if n <= 0 {
		return nil, nil
	}
	s, err := f.load()
	if err != nil {
		return nil, err
	}
	defer s.release()
	out := s.drain(n)
	if len(out) == 0 {
		return nil, nil
	}
	if err := s.commit(); err != nil {
		return nil, err
	}
	return out, nil
}

// Allocate returns n blocks, draining the FSM first and extending the
// relation for the rest. Surplus blocks from an extension are registered
// with Extend.
func (f *FSM) Allocate(n int) ([]page.BlockNumber, error) {
	out, err := f.Drain(n)
	if err != nil {
		return nil, err
	}
	if len(out) == n {
		return out, nil
	}

	need := n - len(out)
	fresh := make([]page.BlockNumber, 0, max(need, f.extendBatch))
	for len(fresh) < cap(fresh) {
		buf, err := f.mgr.Extend()
		if err != nil {
			if ferr := f.Free(append(out, fresh...)...); ferr != nil {
				err = errors.Join(err, ferr)
			}
			return nil, err
		}
		fresh = append(fresh, buf.Number())
		buf.Release()
	}
	out = append(out, fresh[:need]...)
	if surplus := Coalesce(fresh[need:]); len(surplus) > 0 {
		if err := f.push(surplus); err != nil {
			return nil, errors.Join(err, f.Free(out...))
		}
	}
	return out, nil
}

// Ranges returns the free ranges in drain order.
func (f *FSM) Ranges() ([]Range, error) {
	var out []Range
	err := f.visit(func(blk page.BlockNumber, ranges []Range) {
		out = append(out, ranges...)
	})
	return out, err
}

// Pages returns the blocks that make up the FSM itself.
func (f *FSM) Pages() ([]page.BlockNumber, error) {
	var out []page.BlockNumber
	err := f.visit(func(blk page.BlockNumber, _ []Range) {
		out = append(out, blk)
	})
	return out, err
}

// FreeCount returns the number of free blocks.
func (f *FSM) FreeCount() (int, error) {
	n := 0
	err := f.visit(func(_ page.BlockNumber, ranges []Range) {
		for _, r := range ranges {
			n += int(r.Count)
		}
	})
	return n, err
}

func (f *FSM) visit(fn func(blk page.BlockNumber, ranges []Range)) error {
	root, err := f.mgr.Get(f.root, page.Share)
	if err != nil {
		return err
	}
	defer root.Release()

	blk := f.root
	limit := int(f.mgr.NumBlocks())
	for hops := 0; blk.Valid(); hops++ {
		if hops > limit {
			return fmt.Errorf("%w: fsm chain loops at block %d", page.ErrCorruptPage, blk)
		}
		buf := root
		if blk != f.root {
			if buf, err = f.mgr.Get(blk, page.Share); err != nil {
				return err
			}
		}
		ranges, err := decode(blk, buf.Page())
		next := buf.Page().Next()
		if buf != root {
			buf.Release()
		}
		if err != nil {
			return err
		}
		fn(blk, ranges)
		blk = next
	}
	return nil
}

func decode(blk page.BlockNumber, p *page.Page) ([]Range, error) {
	if err := p.Validate(page.KindFSM); err != nil {
		return nil, fmt.Errorf("fsm block %d: %w", blk, err)
	}
	b := p.Payload()
	n := int(binary.LittleEndian.Uint32(b[offCount:]))
	if n > RangesPerPage || p.PayloadLen() != prefixLen+n*rangeLen {
		return nil, fmt.Errorf("fsm block %d: %w: %d ranges", blk, page.ErrCorruptPage, n)
	}
	out := make([]Range, n)
	for i := range out {
		off := prefixLen + i*rangeLen
		out[i] = Range{
			Start: page.BlockNumber(binary.LittleEndian.Uint32(b[off:])),
			Count: binary.LittleEndian.Uint32(b[off+4:]),
		}
	}
	return out, nil
}

func encode(p *page.Page, ranges []Range) {
	b := p.Payload()
	binary.LittleEndian.PutUint32(b[offCount:], uint32(len(ranges)))
	for i, r := range ranges {
		off := prefixLen + i*rangeLen
		binary.LittleEndian.PutUint32(b[off:], uint32(r.Start))
		binary.LittleEndian.PutUint32(b[off+4:], r.Count)
	}
	p.SetPayloadLen(prefixLen + len(ranges)*rangeLen)
}
