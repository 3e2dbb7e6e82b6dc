package segment

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
)

// ErrCorrupt is returned when a component does not decode.
var ErrCorrupt = errors.New("corrupt segment component")

const (
	postingsMagic uint32 = 0x4f505053 // "SPPO"
	storeMagic    uint32 = 0x54535053 // "SPST"
)

// Document is one indexed row.
type Document struct {
	Key  int64
	CTID uint64
	Text string
}

// DocInfo is the per-document row of the postings component.
type DocInfo struct {
	Key    int64
	CTID   uint64
	Length uint32 // number of tokens
}

// Posting is one document containing a term.
type Posting struct {
	Doc  uint32
	Freq uint32
}

type postings struct {
	docs  []DocInfo
	terms map[string][]Posting
}

// encodePostings lays out:
//
//	magic u32 | ndocs uvarint | ndocs x (key varint, ctid uvarint, len uvarint)
//	nterms uvarint | nterms x (term, df uvarint, df x (doc delta uvarint, tf uvarint))
//
// Terms are sorted and strings are uvarint length-prefixed.
func encodePostings(p postings) []byte {
	buf := binary.LittleEndian.AppendUint32(nil, postingsMagic)
	buf = binary.AppendUvarint(buf, uint64(len(p.docs)))
	for _, d := range p.docs {
		buf = binary.AppendVarint(buf, d.Key)
		buf = binary.AppendUvarint(buf, d.CTID)
		buf = binary.AppendUvarint(buf, uint64(d.Length))
	}

	terms := make([]string, 0, len(p.terms))
	for t := range p.terms {
		terms = append(terms, t)
	}
	slices.Sort(terms)

	buf = binary.AppendUvarint(buf, uint64(len(terms)))
	for _, t := range terms {
		list := p.terms[t]
		buf = binary.AppendUvarint(buf, uint64(len(t)))
		buf = append(buf, t...)
		buf = binary.AppendUvarint(buf, uint64(len(list)))
		var prev uint32
		for _, e := range list {
			buf = binary.AppendUvarint(buf, uint64(e.Doc-prev))
			buf = binary.AppendUvarint(buf, uint64(e.Freq))
			prev = e.Doc
		}
	}
	return buf
}

func decodePostings(data []byte) (postings, error) {
	r := reader{buf: data}
	if m := r.u32(); m != postingsMagic {
		return postings{}, fmt.Errorf("%w: postings magic %#x", ErrCorrupt, m)
	}
	ndocs := r.count()
	p := postings{docs: make([]DocInfo, 0, ndocs)}
	for range ndocs {
		p.docs = append(p.docs, DocInfo{Key: r.varint(), CTID: r.uvarint(), Length: uint32(r.uvarint())})
	}

	nterms := r.count()
	p.terms = make(map[string][]Posting, nterms)
	for range nterms {
		term := r.str()
		df := r.count()
		list := make([]Posting, 0, df)
		var doc uint32
		for i := range df {
			delta := uint32(r.uvarint())
			if i > 0 && delta == 0 {
				r.fail("postings of %q not ascending", term)
			}
			doc += delta
			if int(doc) >= len(p.docs) {
				r.fail("posting of %q names document %d of %d", term, doc, len(p.docs))
			}
			list = append(list, Posting{Doc: doc, Freq: uint32(r.uvarint())})
		}
		p.terms[term] = list
	}
	if err := r.done(); err != nil {
		return postings{}, err
	}
	return p, nil
}

// encodeStore lays out magic u32 | ndocs uvarint | ndocs x text.
func encodeStore(docs []Document) []byte {
	buf := binary.LittleEndian.AppendUint32(nil, storeMagic)
	buf = binary.AppendUvarint(buf, uint64(len(docs)))
	for _, d := range docs {
		buf = binary.AppendUvarint(buf, uint64(len(d.Text)))
		buf = append(buf, d.Text...)
	}
	return buf
}

func decodeStore(data []byte) ([]string, error) {
	r := reader{buf: data}
	if m := r.u32(); m != storeMagic {
		return nil, fmt.Errorf("%w: store magic %#x", ErrCorrupt, m)
	}
	n := r.count()
	out := make([]string, 0, n)
	for range n {
		out = append(out, r.str())
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	return out, nil
}

// reader decodes sequentially and remembers the first failure.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) fail(format string, args ...any) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: %s at offset %d", ErrCorrupt, fmt.Sprintf(format, args...), r.off)
	}
	r.off = len(r.buf)
}

func (r *reader) u32() uint32 {
	if r.err != nil || len(r.buf)-r.off < 4 {
		r.fail("short read")
		return 0
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *reader) uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.buf[r.off:])
	if n <= 0 {
		r.fail("bad uvarint")
		return 0
	}
	r.off += n
	return v
}

func (r *reader) varint() int64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Varint(r.buf[r.off:])
	if n <= 0 {
		r.fail("bad varint")
		return 0
	}
	r.off += n
	return v
}

// count reads a length and bounds it by the bytes left, so a corrupt
// length never drives a huge allocation.
func (r *reader) count() int {
	v := r.uvarint()
	if v > uint64(len(r.buf)-r.off) {
		r.fail("count %d exceeds remaining %d bytes", v, len(r.buf)-r.off)
		return 0
	}
	return int(v)
}

func (r *reader) str() string {
	n := r.count()
	if r.err != nil {
		return ""
	}
	s := string(r.buf[r.off : r.off+n])
	r.off += n
	return s
}

func (r *reader) done() error {
	if r.err == nil && r.off != len(r.buf) {
		r.fail("%d trailing bytes", len(r.buf)-r.off)
	}
	return r.err
}
