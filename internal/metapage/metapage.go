// Package metapage owns block 0 of a relation and the fixed positions of the
// well-known anchor blocks that follow it.
package metapage

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/hupe1980/searchpages/page"
)

// Well-known blocks.
const (
	MetaBlock      page.BlockNumber = 0
	DirectoryBlock page.BlockNumber = 1
	FSMBlock       page.BlockNumber = 2
	MergeLockBlock page.BlockNumber = 3
	MergeListBlock page.BlockNumber = 4

	// Reserved is the number of well-known blocks.
	Reserved = 5
)

const (
	// Magic identifies a relation formatted by this package ("SPIX").
	Magic uint32 = 0x58495053
	// Version is the on-page format version.
	Version uint16 = 1
)

// Payload layout.
const (
	offMagic     = 0
	offVersion   = 4
	offSchema    = 8
	offSegments  = 24
	offDocuments = 32
	metaLen      = 40
)

var (
	// ErrNotFormatted is returned when block 0 is missing or blank.
	ErrNotFormatted = errors.New("relation is not formatted")
	// ErrBadMagic is returned when block 0 belongs to something else.
	ErrBadMagic = errors.New("bad metapage magic")
	// ErrVersion is returned for an unsupported format version.
	ErrVersion = errors.New("unsupported metapage version")
	// ErrAlreadyFormatted is returned by Bootstrap on a non-empty relation.
	ErrAlreadyFormatted = errors.New("relation already formatted")
)

// Meta is the static metadata of an index relation plus its numbering
// counters.
type Meta struct {
	Version  uint16
	SchemaID uuid.UUID

	// Segments counts segments ever written.
	Segments uint64
	// Documents counts documents ever indexed.
	Documents uint64
}

func (m Meta) encode(p *page.Page) {
	b := p.Payload()
	binary.LittleEndian.PutUint32(b[offMagic:], Magic)
	binary.LittleEndian.PutUint16(b[offVersion:], m.Version)
	copy(b[offSchema:offSchema+16], m.SchemaID[:])
	binary.LittleEndian.PutUint64(b[offSegments:], m.Segments)
	binary.LittleEndian.PutUint64(b[offDocuments:], m.Documents)
	p.SetPayloadLen(metaLen)
}

func decode(p *page.Page) (Meta, error) {
	if p.IsNew() {
		return Meta{}, ErrNotFormatted
	}
	if err := p.Validate(page.KindMeta); err != nil {
		return Meta{}, fmt.Errorf("%w: %w", ErrBadMagic, err)
	}
	b := p.Payload()
	if p.PayloadLen() < metaLen || binary.LittleEndian.Uint32(b[offMagic:]) != Magic {
		return Meta{}, ErrBadMagic
	}
	m := Meta{
		Version:   binary.LittleEndian.Uint16(b[offVersion:]),
		Segments:  binary.LittleEndian.Uint64(b[offSegments:]),
		Documents: binary.LittleEndian.Uint64(b[offDocuments:]),
	}
	copy(m.SchemaID[:], b[offSchema:offSchema+16])
	if m.Version != Version {
		return Meta{}, fmt.Errorf("%w: %d", ErrVersion, m.Version)
	}
	return m, nil
}

// Bootstrap formats an empty relation. Block 0 receives a fresh Meta and the
// blocks after it are formatted by anchors, in order. Everything is written
// with a single page modification.
func Bootstrap(mgr page.Manager, anchors ...func(*page.Page)) (Meta, error) {
	if mgr.NumBlocks() != 0 {
		return Meta{}, ErrAlreadyFormatted
	}
	bufs := make([]*page.Buffer, 0, 1+len(anchors))
	defer func() {
		for _, b := range bufs {
			b.Release()
		}
	}()
	for range 1 + len(anchors) {
		buf, err := mgr.Extend()
		if err != nil {
			return Meta{}, err
		}
		bufs = append(bufs, buf)
	}

	m := Meta{Version: Version, SchemaID: uuid.New()}
	err := page.Modify(bufs, func(pages []*page.Page) error {
		pages[0].Init(page.KindMeta)
		m.encode(pages[0])
		for i, format := range anchors {
			format(pages[i+1])
		}
		return nil
	})
	if err != nil {
		return Meta{}, err
	}
	return m, nil
}

// Read returns the metadata stored in block 0.
func Read(mgr page.Manager) (Meta, error) {
	if mgr.NumBlocks() == 0 {
		return Meta{}, ErrNotFormatted
	}
	buf, err := mgr.Get(MetaBlock, page.Share)
	if err != nil {
		return Meta{}, err
	}
	defer buf.Release()
	return decode(buf.Page())
}

// Update applies fn to the metadata under an exclusive lock on block 0.
func Update(mgr page.Manager, fn func(*Meta)) (Meta, error) {
	buf, err := mgr.Get(MetaBlock, page.Exclusive)
	if err != nil {
		return Meta{}, err
	}
	defer buf.Release()
	m, err := decode(buf.Page())
	if err != nil {
		return Meta{}, err
	}
	fn(&m)
	err = page.ModifyOne(buf, func(p *page.Page) error {
		m.encode(p)
		return nil
	})
	return m, err
}
