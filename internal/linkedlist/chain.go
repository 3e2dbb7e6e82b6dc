package linkedlist

import (
	"errors"
	"fmt"

	"github.com/hupe1980/searchpages/page"
)

// maxBatch bounds the number of fresh pages linked by a single Modify.
const maxBatch = 16

// chain is the part shared by byte and item lists.
type chain struct {
	mgr      page.Manager
	alloc    Allocator
	head     page.BlockNumber
	kind     page.Kind
	itemSize uint16
}

func create(mgr page.Manager, alloc Allocator, kind page.Kind, itemSize uint16) (*chain, error) {
	blocks, err := alloc.Allocate(1)
	if err != nil {
		return nil, fmt.Errorf("allocate list header: %w", err)
	}
	blk := blocks[0]
	buf, err := mgr.Get(blk, page.Exclusive)
	if err != nil {
		_ = alloc.Free(blk)
		return nil, err
	}
	defer buf.Release()

	err = page.ModifyOne(buf, func(p *page.Page) error {
		p.Init(page.KindListHeader)
		header{
			start:    page.InvalidBlockNumber,
			last:     page.InvalidBlockNumber,
			itemSize: itemSize,
			kind:     kind,
		}.encode(p)
		return nil
	})
	if err != nil {
		buf.Release()
		_ = alloc.Free(blk)
		return nil, err
	}
	return &chain{mgr: mgr, alloc: alloc, head: blk, kind: kind, itemSize: itemSize}, nil
}

func open(mgr page.Manager, alloc Allocator, head page.BlockNumber, kind page.Kind, itemSize uint16) *chain {
	return &chain{mgr: mgr, alloc: alloc, head: head, kind: kind, itemSize: itemSize}
}

// guard is a locked list header.
type guard struct {
	c   *chain
	buf *page.Buffer
	hdr header
}

func (c *chain) lock(mode page.LockMode) (*guard, error) {
	buf, err := c.mgr.Get(c.head, mode)
	if err != nil {
		if errors.Is(err, page.ErrInvalidBlock) {
			return nil, fmt.Errorf("%w: %w", ErrTruncated, err)
		}
		return nil, err
	}
	h, err := decodeHeader(c.head, buf.Page())
	if err != nil {
		buf.Release()
		return nil, err
	}
	if h.kind != c.kind || h.itemSize != c.itemSize {
		buf.Release()
		return nil, fmt.Errorf("%w: block %d holds %s items of %d bytes", ErrWrongList, c.head, h.kind, h.itemSize)
	}
	return &guard{c: c, buf: buf, hdr: h}, nil
}

func (g *guard) release() { g.buf.Release() }

// snapshot returns the header as of now, holding the header lock only while
// it is read.
func (c *chain) snapshot() (header, error) {
	g, err := c.lock(page.Share)
	if err != nil {
		return header{}, err
	}
	defer g.release()
	return g.hdr, nil
}

// walk visits the content pages described by h in chain order. Each page is
// locked with mode only while visit runs; used is the number of payload bytes
// belonging to the snapshot. after, if set, runs once the page is released and
// stops the walk by returning false.
func (c *chain) walk(h header, mode page.LockMode, visit func(buf *page.Buffer, used int) error, after func() bool) error {
	var seen uint64
	limit := int(c.mgr.NumBlocks())
	blk := h.start
	for hops := 0; blk.Valid(); hops++ {
		if hops > limit {
			return fmt.Errorf("%w: cycle at block %d", ErrTruncated, blk)
		}
		buf, err := c.mgr.Get(blk, mode)
		if err != nil {
			if errors.Is(err, page.ErrInvalidBlock) {
				return fmt.Errorf("%w: %w", ErrTruncated, err)
			}
			return err
		}
		p := buf.Page()
		if err := p.Validate(c.kind); err != nil {
			buf.Release()
			return fmt.Errorf("%w: block %d: %w", ErrTruncated, blk, err)
		}
		used := p.PayloadLen()
		isLast := blk == h.last
		if isLast {
			if used < int(h.lastLen) {
				buf.Release()
				return fmt.Errorf("%w: last block %d holds %d of %d bytes", ErrTruncated, blk, used, h.lastLen)
			}
			used = int(h.lastLen)
		}
		next := p.Next()

		err = visit(buf, used)
		buf.Release()
		if err != nil {
			return err
		}
		if after != nil && !after() {
			return nil
		}

		seen += uint64(used)
		if isLast {
			if seen != h.count {
				return fmt.Errorf("%w: chain holds %d of %d bytes", ErrTruncated, seen, h.count)
			}
			return nil
		}
		blk = next
	}
	if h.start.Valid() {
		return fmt.Errorf("%w: chain ends before block %d", ErrTruncated, h.last)
	}
	return nil
}

// blocks returns the header block followed by every content block.
func (c *chain) blocks() ([]page.BlockNumber, error) {
	h, err := c.snapshot()
	if err != nil {
		return nil, err
	}
	out := []page.BlockNumber{c.head}
	err = c.walk(h, page.Share, func(buf *page.Buffer, _ int) error {
		out = append(out, buf.Number())
		return nil
	}, nil)
	return out, err
}

// free retires the header and hands every block of the chain back to the
// allocator. The list must not be used afterwards.
func (c *chain) free() error {
	g, err := c.lock(page.Exclusive)
	if err != nil {
		return err
	}
	out := []page.BlockNumber{c.head}
	err = c.walk(g.hdr, page.Share, func(buf *page.Buffer, _ int) error {
		out = append(out, buf.Number())
		return nil
	}, nil)
	if err == nil {
		err = page.ModifyOne(g.buf, func(p *page.Page) error {
			p.Init(page.KindUnused)
			return nil
		})
	}
	g.release()
	if err != nil {
		return err
	}
	return c.alloc.Free(out...)
}

// append writes data after the current tail. unit is the record size; a
// record never straddles two pages.
func (g *guard) append(data []byte, unit int) error {
	c := g.c
	limit := page.PayloadCapacity / unit * unit

	if h := g.hdr; h.last.Valid() && int(h.lastLen) < limit && len(data) > 0 {
		n := min(limit-int(h.lastLen), len(data))
		tail, err := c.mgr.Get(h.last, page.Exclusive)
		if err != nil {
			return err
		}
		next := h
		next.lastLen += uint32(n)
		next.count += uint64(n)
		err = page.Modify([]*page.Buffer{g.buf, tail}, func(pages []*page.Page) error {
			if err := pages[1].Validate(c.kind); err != nil {
				return fmt.Errorf("%w: tail block %d: %w", ErrTruncated, h.last, err)
			}
			copy(pages[1].Payload()[h.lastLen:], data[:n])
			pages[1].SetPayloadLen(int(next.lastLen))
			next.encode(pages[0])
			return nil
		})
		tail.Release()
		if err != nil {
			return err
		}
		g.hdr = next
		data = data[n:]
	}
	if len(data) == 0 {
		return nil
	}

	blocks, err := c.alloc.Allocate((len(data) + limit - 1) / limit)
	if err != nil {
		return err
	}
	for len(blocks) > 0 {
		batch := blocks[:min(len(blocks), maxBatch)]
		n, err := g.link(batch, data, limit)
		if err != nil {
			_ = c.alloc.Free(blocks...)
			return err
		}
		data = data[n:]
		blocks = blocks[len(batch):]
	}
	return nil
}

// link fills the fresh blocks with data and links them after the tail in one
// page modification. It returns the number of bytes consumed.
func (g *guard) link(fresh []page.BlockNumber, data []byte, limit int) (int, error) {
	c := g.c
	h := g.hdr
	bufs := []*page.Buffer{g.buf}
	defer func() {
		for _, b := range bufs[1:] {
			b.Release()
		}
	}()

	hasPrev := h.last.Valid()
	if hasPrev {
		prev, err := c.mgr.Get(h.last, page.Exclusive)
		if err != nil {
			return 0, err
		}
		bufs = append(bufs, prev)
	}
	for _, blk := range fresh {
		b, err := c.mgr.Get(blk, page.Exclusive)
		if err != nil {
			return 0, err
		}
		bufs = append(bufs, b)
	}

	next := h
	consumed := 0
	err := page.Modify(bufs, func(pages []*page.Page) error {
		newPages := pages[1:]
		var prev *page.Page
		if hasPrev {
			prev = pages[1]
			newPages = pages[2:]
		}
		for i, p := range newPages {
			blk := fresh[i]
			n := min(limit, len(data)-consumed)
			p.Init(c.kind)
			copy(p.Payload(), data[consumed:consumed+n])
			p.SetPayloadLen(n)
			if prev != nil {
				prev.SetNext(blk)
			} else {
				next.start = blk
			}
			prev = p
			next.last = blk
			next.lastLen = uint32(n)
			next.count += uint64(n)
			consumed += n
		}
		next.encode(pages[0])
		return nil
	})
	if err != nil {
		return 0, err
	}
	g.hdr = next
	return consumed, nil
}
