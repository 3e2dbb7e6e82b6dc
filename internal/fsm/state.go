package fsm

import (
	"encoding/binary"
	"fmt"

	"github.com/hupe1980/searchpages/page"
)

type fpage struct {
	buf    *page.Buffer
	ranges []Range
	next   page.BlockNumber
	dirty  bool
	fresh  bool
}

// state is the FSM chain loaded under the root's exclusive lock. All pages
// stay exclusively locked until release.
type state struct {
	pages     []*fpage
	tail      int
	tailDirty bool
}

func (f *FSM) load() (*state, error) {
	root, err := f.mgr.Get(f.root, page.Exclusive)
	if err != nil {
		return nil, err
	}
	s := &state{}
	tailBlk := page.BlockNumber(binary.LittleEndian.Uint32(root.Page().Payload()[offTail:]))

	buf := root
	limit := int(f.mgr.NumBlocks())
	for {
		blk := buf.Number()
		ranges, err := decode(blk, buf.Page())
		if err != nil {
			buf.Release()
			s.release()
			return nil, err
		}
		fp := &fpage{buf: buf, ranges: ranges, next: buf.Page().Next()}
		s.pages = append(s.pages, fp)
		if blk == tailBlk {
			s.tail = len(s.pages) - 1
		}
		if !fp.next.Valid() {
			break
		}
		if len(s.pages) > limit {
			s.release()
			return nil, fmt.Errorf("%w: fsm chain loops at block %d", page.ErrCorruptPage, fp.next)
		}
		if buf, err = f.mgr.Get(fp.next, page.Exclusive); err != nil {
			s.release()
			return nil, err
		}
	}
	return s, nil
}

func (s *state) release() {
	for _, p := range s.pages {
		p.buf.Release()
	}
}

func (s *state) setTail(i int) {
	if s.tail != i {
		s.tail = i
		s.tailDirty = true
	}
}

func (s *state) push(mgr page.Manager, r Range) error {
	t := s.pages[s.tail]
	if n := len(t.ranges); n > 0 {
		last := &t.ranges[n-1]
		switch {
		case last.End() == r.Start:
			last.Count += r.Count
			t.dirty = true
			return nil
		case r.End() == last.Start:
			last.Start = r.Start
			last.Count += r.Count
			t.dirty = true
			return nil
		}
	}
	if len(t.ranges) < RangesPerPage {
		t.ranges = append(t.ranges, r)
		t.dirty = true
		return nil
	}
	for i, p := range s.pages {
		if len(p.ranges) == 0 {
			s.setTail(i)
			p.ranges = append(p.ranges, r)
			p.dirty = true
			return nil
		}
	}

	// every page is full: the first pushed block becomes a new FSM page
	blk := r.Start
	buf, err := mgr.Get(blk, page.Exclusive)
	if err != nil {
		return err
	}
	last := s.pages[len(s.pages)-1]
	last.next = blk
	last.dirty = true
	fp := &fpage{buf: buf, next: page.InvalidBlockNumber, dirty: true, fresh: true}
	if r.Count > 1 {
		fp.ranges = []Range{{Start: r.Start + 1, Count: r.Count - 1}}
	}
	s.pages = append(s.pages, fp)
	s.setTail(len(s.pages) - 1)
	return nil
}

func (s *state) drain(n int) []page.BlockNumber {
	var out []page.BlockNumber
	for _, p := range s.pages {
		for len(out) < n && len(p.ranges) > 0 {
			r := &p.ranges[0]
			take := min(uint32(n-len(out)), r.Count)
			for i := uint32(0); i < take; i++ {
				out = append(out, r.Start+page.BlockNumber(i))
			}
			r.Start += page.BlockNumber(take)
			r.Count -= take
			if r.Count == 0 {
				p.ranges = p.ranges[1:]
			}
			p.dirty = true
		}
		if len(out) == n {
			break
		}
	}
	return out
}

// commit writes every changed page in one modification.
func (s *state) commit() error {
	if s.tailDirty {
		s.pages[0].dirty = true
	}
	var bufs []*page.Buffer
	var dirty []*fpage
	for _, p := range s.pages {
		if p.dirty {
			bufs = append(bufs, p.buf)
			dirty = append(dirty, p)
		}
	}
	tailBlk := s.pages[s.tail].buf.Number()
	return page.Modify(bufs, func(pages []*page.Page) error {
		for i, p := range dirty {
			pg := pages[i]
			if p.fresh {
				pg.Init(page.KindFSM)
			}
			encode(pg, p.ranges)
			pg.SetNext(p.next)
			if p == s.pages[0] {
				binary.LittleEndian.PutUint32(pg.Payload()[offTail:], uint32(tailBlk))
			}
		}
		return nil
	})
}
