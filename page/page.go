package page

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	// Size is the fixed size of every block in a relation.
	Size = 8192
	// HeaderSize is the size of the page header.
	HeaderSize = 16
	// TrailerSize is the size of the special area at the end of every page.
	TrailerSize = 8
	// PayloadCapacity is the number of payload bytes per page.
	PayloadCapacity = Size - HeaderSize - TrailerSize
)

// BlockNumber addresses a block within a relation.
type BlockNumber uint32

// InvalidBlockNumber marks the absence of a block (end of chain, unset anchor).
const InvalidBlockNumber BlockNumber = math.MaxUint32

// Valid reports whether b addresses a block.
func (b BlockNumber) Valid() bool { return b != InvalidBlockNumber }

// Kind identifies which component owns a page.
type Kind uint16

const (
	KindUnused Kind = iota
	KindMeta
	KindListHeader
	KindBytes
	KindItems
	KindFSM
	KindAnchor
)

func (k Kind) String() string {
	switch k {
	case KindUnused:
		return "unused"
	case KindMeta:
		return "meta"
	case KindListHeader:
		return "list-header"
	case KindBytes:
		return "bytes"
	case KindItems:
		return "items"
	case KindFSM:
		return "fsm"
	case KindAnchor:
		return "anchor"
	default:
		return fmt.Sprintf("kind(%d)", uint16(k))
	}
}

// ErrCorruptPage is returned when a page does not match its declared layout.
var ErrCorruptPage = errors.New("corrupt page")

// Header layout.
const (
	offLSN     = 0
	offKind    = 8
	offLen     = 10
	offSpecial = 12
)

// Trailer layout, relative to the special offset.
const (
	offNext = 0
	offXmax = 4
)

// Page is a fixed-size page image: header, payload and a small trailer.
//
// Pages are plain values. A Page obtained from a Buffer must be treated as
// read-only; mutations go through Modify.
type Page struct {
	data [Size]byte
}

// Init formats the page for the given kind, clearing its payload.
func (p *Page) Init(kind Kind) {
	lsn := p.LSN()
	clear(p.data[:])
	binary.LittleEndian.PutUint64(p.data[offLSN:], lsn)
	binary.LittleEndian.PutUint16(p.data[offKind:], uint16(kind))
	binary.LittleEndian.PutUint16(p.data[offSpecial:], Size-TrailerSize)
	p.SetNext(InvalidBlockNumber)
}

// IsNew reports whether the page has never been initialised.
func (p *Page) IsNew() bool {
	return binary.LittleEndian.Uint16(p.data[offSpecial:]) == 0
}

// Validate checks the declared trailer length and payload bounds, and that the
// page belongs to one of the expected kinds (any kind when none are given).
func (p *Page) Validate(kinds ...Kind) error {
	special := binary.LittleEndian.Uint16(p.data[offSpecial:])
	if special != Size-TrailerSize {
		return fmt.Errorf("%w: special offset %d, want %d", ErrCorruptPage, special, Size-TrailerSize)
	}
	if n := p.PayloadLen(); n > PayloadCapacity {
		return fmt.Errorf("%w: payload length %d exceeds %d", ErrCorruptPage, n, PayloadCapacity)
	}
	if len(kinds) == 0 {
		return nil
	}
	k := p.Kind()
	for _, want := range kinds {
		if k == want {
			return nil
		}
	}
	return fmt.Errorf("%w: unexpected page kind %s", ErrCorruptPage, k)
}

func (p *Page) LSN() uint64 { return binary.LittleEndian.Uint64(p.data[offLSN:]) }

func (p *Page) setLSN(lsn uint64) { binary.LittleEndian.PutUint64(p.data[offLSN:], lsn) }

func (p *Page) Kind() Kind { return Kind(binary.LittleEndian.Uint16(p.data[offKind:])) }

// PayloadLen returns the number of payload bytes in use.
func (p *Page) PayloadLen() int { return int(binary.LittleEndian.Uint16(p.data[offLen:])) }

// SetPayloadLen records the number of payload bytes in use.
func (p *Page) SetPayloadLen(n int) {
	if n < 0 || n > PayloadCapacity {
		panic(fmt.Sprintf("page: payload length %d out of range", n))
	}
	binary.LittleEndian.PutUint16(p.data[offLen:], uint16(n))
}

// Payload returns the full payload area.
func (p *Page) Payload() []byte { return p.data[HeaderSize : HeaderSize+PayloadCapacity] }

// Used returns the used prefix of the payload area.
func (p *Page) Used() []byte { return p.data[HeaderSize : HeaderSize+p.PayloadLen()] }

func (p *Page) trailer() []byte { return p.data[Size-TrailerSize:] }

// Next returns the next block in the page's chain.
func (p *Page) Next() BlockNumber {
	return BlockNumber(binary.LittleEndian.Uint32(p.trailer()[offNext:]))
}

func (p *Page) SetNext(b BlockNumber) {
	binary.LittleEndian.PutUint32(p.trailer()[offNext:], uint32(b))
}

// Xmax returns the transaction that retired the page, or 0.
func (p *Page) Xmax() uint32 { return binary.LittleEndian.Uint32(p.trailer()[offXmax:]) }

func (p *Page) SetXmax(xid uint32) { binary.LittleEndian.PutUint32(p.trailer()[offXmax:], xid) }

// Bytes returns the raw page image.
func (p *Page) Bytes() []byte { return p.data[:] }

// Load replaces the page image with src.
func (p *Page) Load(src []byte) error {
	if len(src) != Size {
		return fmt.Errorf("%w: image of %d bytes", ErrCorruptPage, len(src))
	}
	copy(p.data[:], src)
	return nil
}
