package segment

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/hupe1980/searchpages/directory"
	"github.com/hupe1980/searchpages/txn"
)

// Segment is a loaded, read-only view of one segment as of a snapshot.
type Segment struct {
	info    Info
	meta    Meta
	docs    []DocInfo
	terms   map[string][]Posting
	deletes *roaring.Bitmap

	dir  directory.Directory
	snap *txn.Snapshot
}

// Load reads the metadata, postings and current delete generation of the
// segment described by info.
func Load(dir directory.Directory, snap *txn.Snapshot, info Info) (*Segment, error) {
	raw, err := readComponent(dir, snap, directory.SegmentPath(info.ID, ExtMeta))
	if err != nil {
		return nil, err
	}
	meta, err := decodeMeta(raw)
	if err != nil {
		return nil, err
	}
	if meta.ID != info.ID {
		return nil, fmt.Errorf("%w: meta names segment %s", ErrCorrupt, meta.ID)
	}

	raw, err = readComponent(dir, snap, directory.SegmentPath(info.ID, ExtPostings))
	if err != nil {
		return nil, err
	}
	raw, err = decompressBlock(raw, meta.Postings)
	if err != nil {
		return nil, fmt.Errorf("%w: postings: %w", ErrCorrupt, err)
	}
	p, err := decodePostings(raw)
	if err != nil {
		return nil, err
	}
	if len(p.docs) != meta.Docs {
		return nil, fmt.Errorf("%w: postings hold %d of %d documents", ErrCorrupt, len(p.docs), meta.Docs)
	}

	deletes := roaring.New()
	if path := info.DeletesPath(); path != "" {
		raw, err := readComponent(dir, snap, path)
		if err != nil {
			return nil, err
		}
		if err := deletes.UnmarshalBinary(raw); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrCorrupt, path, err)
		}
	}

	return &Segment{
		info:    info,
		meta:    meta,
		docs:    p.docs,
		terms:   p.terms,
		deletes: deletes,
		dir:     dir,
		snap:    snap,
	}, nil
}

func readComponent(dir directory.Directory, snap *txn.Snapshot, path string) ([]byte, error) {
	f, err := dir.Open(snap, path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	data, err := f.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

// Info returns the directory view the segment was loaded from.
func (s *Segment) Info() Info { return s.info }

// Meta returns the segment metadata.
func (s *Segment) Meta() Meta { return s.meta }

// NumDocs returns the number of documents including deleted ones.
func (s *Segment) NumDocs() int { return len(s.docs) }

// NumDeleted returns the number of deleted documents.
func (s *Segment) NumDeleted() int { return int(s.deletes.GetCardinality()) }

// Doc returns the row of ordinal ord.
func (s *Segment) Doc(ord uint32) DocInfo { return s.docs[ord] }

// IsDeleted reports whether ordinal ord was deleted.
func (s *Segment) IsDeleted(ord uint32) bool { return s.deletes.Contains(ord) }

// Deletes returns a copy of the delete bitmap.
func (s *Segment) Deletes() *roaring.Bitmap { return s.deletes.Clone() }

// DocFreq returns the number of documents containing term.
func (s *Segment) DocFreq(term string) int { return len(s.terms[term]) }

// Documents reads the document store and returns every live document in
// ordinal order.
func (s *Segment) Documents() ([]Document, error) {
	raw, err := readComponent(s.dir, s.snap, directory.SegmentPath(s.info.ID, ExtStore))
	if err != nil {
		return nil, err
	}
	raw, err = decompressBlock(raw, s.meta.Store)
	if err != nil {
		return nil, fmt.Errorf("%w: store: %w", ErrCorrupt, err)
	}
	texts, err := decodeStore(raw)
	if err != nil {
		return nil, err
	}
	if len(texts) != len(s.docs) {
		return nil, fmt.Errorf("%w: store holds %d of %d documents", ErrCorrupt, len(texts), len(s.docs))
	}

	out := make([]Document, 0, len(texts)-s.NumDeleted())
	for ord, text := range texts {
		if s.deletes.Contains(uint32(ord)) {
			continue
		}
		d := s.docs[ord]
		out = append(out, Document{Key: d.Key, CTID: d.CTID, Text: text})
	}
	return out, nil
}

// WriteDeletes stores the union of the current deletes and ords as the
// next delete generation and retires the previous one, all in tx. It
// returns false when ords adds nothing.
func WriteDeletes(dir directory.Directory, tx *txn.Tx, s *Segment, ords *roaring.Bitmap) (bool, error) {
	next := roaring.Or(s.deletes, ords)
	if next.GetCardinality() == s.deletes.GetCardinality() {
		return false, nil
	}
	next.RunOptimize()

	var buf bytes.Buffer
	if _, err := next.WriteTo(&buf); err != nil {
		return false, fmt.Errorf("encode deletes: %w", err)
	}
	path := DeletesPath(s.info.ID, s.info.DelGen+1)
	if err := writeComponent(dir, tx, path, buf.Bytes()); err != nil {
		return false, err
	}
	if prev := s.info.DeletesPath(); prev != "" {
		if err := dir.Delete(tx, prev); err != nil {
			return false, errors.Join(fmt.Errorf("retire %s: %w", prev, err), dir.Discard(tx, path))
		}
	}
	return true, nil
}

// Drop retires every component of the segment in tx.
func Drop(dir directory.Directory, tx *txn.Tx, info Info) error {
	for _, p := range info.Paths() {
		if err := dir.Delete(tx, p); err != nil {
			return fmt.Errorf("drop %s: %w", p, err)
		}
	}
	return nil
}

// Describe reads only the metadata and the delete count of a segment.
func Describe(dir directory.Directory, snap *txn.Snapshot, info Info) (Meta, int, error) {
	raw, err := readComponent(dir, snap, directory.SegmentPath(info.ID, ExtMeta))
	if err != nil {
		return Meta{}, 0, err
	}
	meta, err := decodeMeta(raw)
	if err != nil {
		return Meta{}, 0, err
	}
	path := info.DeletesPath()
	if path == "" {
		return meta, 0, nil
	}
	raw, err = readComponent(dir, snap, path)
	if err != nil {
		return Meta{}, 0, err
	}
	deletes := roaring.New()
	if err := deletes.UnmarshalBinary(raw); err != nil {
		return Meta{}, 0, fmt.Errorf("%w: %s: %w", ErrCorrupt, path, err)
	}
	return meta, int(deletes.GetCardinality()), nil
}
