package linkedlist

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/hupe1980/searchpages/page"
)

var (
	// ErrTruncated reports a chain that ends early, loops, or runs into a page
	// that does not belong to it.
	ErrTruncated = errors.New("linked list truncated")

	// ErrWrongList is returned when a header block holds a different kind of list.
	ErrWrongList = errors.New("not a list of the expected kind")
)

// Allocator hands out blocks for new pages and takes back blocks that are no
// longer referenced. Blocks returned by Allocate belong to the caller until
// they are linked into a chain or freed.
type Allocator interface {
	Allocate(n int) ([]page.BlockNumber, error)
	Free(blocks ...page.BlockNumber) error
}

// Header payload layout.
const (
	hdrStart    = 0
	hdrLast     = 4
	hdrCount    = 8
	hdrLastLen  = 16
	hdrItemSize = 20
	hdrKind     = 22
	hdrDead     = 24
	headerLen   = 28
)

type header struct {
	start    page.BlockNumber
	last     page.BlockNumber
	count    uint64 // payload bytes across the chain
	lastLen  uint32 // payload bytes of the last page
	itemSize uint16 // slot size for item lists, 0 for byte lists
	kind     page.Kind
	dead     uint32 // removed item slots awaiting reuse
}

func (h header) encode(p *page.Page) {
	b := p.Payload()
	binary.LittleEndian.PutUint32(b[hdrStart:], uint32(h.start))
	binary.LittleEndian.PutUint32(b[hdrLast:], uint32(h.last))
	binary.LittleEndian.PutUint64(b[hdrCount:], h.count)
	binary.LittleEndian.PutUint32(b[hdrLastLen:], h.lastLen)
	binary.LittleEndian.PutUint16(b[hdrItemSize:], h.itemSize)
	binary.LittleEndian.PutUint16(b[hdrKind:], uint16(h.kind))
	binary.LittleEndian.PutUint32(b[hdrDead:], h.dead)
	p.SetPayloadLen(headerLen)
}

func decodeHeader(blk page.BlockNumber, p *page.Page) (header, error) {
	if err := p.Validate(page.KindListHeader); err != nil {
		return header{}, fmt.Errorf("%w: header block %d: %w", ErrTruncated, blk, err)
	}
	if p.PayloadLen() < headerLen {
		return header{}, fmt.Errorf("%w: header block %d: short payload", ErrTruncated, blk)
	}
	b := p.Payload()
	h := header{
		start:    page.BlockNumber(binary.LittleEndian.Uint32(b[hdrStart:])),
		last:     page.BlockNumber(binary.LittleEndian.Uint32(b[hdrLast:])),
		count:    binary.LittleEndian.Uint64(b[hdrCount:]),
		lastLen:  binary.LittleEndian.Uint32(b[hdrLastLen:]),
		itemSize: binary.LittleEndian.Uint16(b[hdrItemSize:]),
		kind:     page.Kind(binary.LittleEndian.Uint16(b[hdrKind:])),
		dead:     binary.LittleEndian.Uint32(b[hdrDead:]),
	}
	if h.start.Valid() != h.last.Valid() || h.lastLen > page.PayloadCapacity {
		return header{}, fmt.Errorf("%w: header block %d: inconsistent terminal pointers", ErrTruncated, blk)
	}
	return h, nil
}
