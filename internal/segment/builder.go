package segment

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/hupe1980/searchpages/codec"
	"github.com/hupe1980/searchpages/directory"
	"github.com/hupe1980/searchpages/txn"
)

// Options configure how components are encoded.
type Options struct {
	Postings CompressionType
	Store    CompressionType
	Codec    codec.Codec
}

// DefaultOptions returns LZ4 postings, a ZSTD store and go-json metadata.
func DefaultOptions() Options {
	return Options{Postings: CompressionLZ4, Store: CompressionZSTD, Codec: codec.Default}
}

// Builder accumulates documents for one new segment.
type Builder struct {
	opts       Options
	docs       []Document
	infos      []DocInfo
	terms      map[string][]Posting
	tokens     int64
	mergedFrom []uuid.UUID
}

// NewBuilder returns an empty builder.
func NewBuilder(opts Options) *Builder {
	if opts.Codec == nil {
		opts.Codec = codec.Default
	}
	return &Builder{opts: opts, terms: make(map[string][]Posting)}
}

// Add indexes doc under the next ordinal.
func (b *Builder) Add(doc Document) {
	ord := uint32(len(b.docs))
	tokens := Tokenize(doc.Text)

	freq := make(map[string]uint32, len(tokens))
	for _, t := range tokens {
		freq[t]++
	}
	for t, n := range freq {
		b.terms[t] = append(b.terms[t], Posting{Doc: ord, Freq: n})
	}

	b.docs = append(b.docs, doc)
	b.infos = append(b.infos, DocInfo{Key: doc.Key, CTID: doc.CTID, Length: uint32(len(tokens))})
	b.tokens += int64(len(tokens))
}

// Len returns the number of documents added.
func (b *Builder) Len() int { return len(b.docs) }

// MergedFrom records the segments the new one replaces.
func (b *Builder) MergedFrom(ids ...uuid.UUID) { b.mergedFrom = append(b.mergedFrom, ids...) }

// Reset empties the builder for reuse.
func (b *Builder) Reset() {
	b.docs = b.docs[:0]
	b.infos = b.infos[:0]
	b.terms = make(map[string][]Posting)
	b.tokens = 0
	b.mergedFrom = nil
}

// Write stores the segment through dir on behalf of tx. The metadata
// component goes last; on failure every component already written is
// discarded.
func (b *Builder) Write(dir directory.Directory, tx *txn.Tx) (Info, error) {
	id := uuid.New()
	meta := Meta{
		ID:         id,
		Version:    FormatVersion,
		Docs:       len(b.docs),
		Tokens:     b.tokens,
		Terms:      len(b.terms),
		Postings:   b.opts.Postings,
		Store:      b.opts.Store,
		CreatedBy:  tx.ID(),
		MergedFrom: b.mergedFrom,
	}

	store, err := compressBlock(encodeStore(b.docs), b.opts.Store)
	if err != nil {
		return Info{}, fmt.Errorf("compress store: %w", err)
	}
	post, err := compressBlock(encodePostings(postings{docs: b.infos, terms: b.terms}), b.opts.Postings)
	if err != nil {
		return Info{}, fmt.Errorf("compress postings: %w", err)
	}
	metaBytes, err := encodeMeta(b.opts.Codec, meta)
	if err != nil {
		return Info{}, fmt.Errorf("encode meta: %w", err)
	}

	info := Info{ID: id}
	components := []struct {
		ext  string
		data []byte
	}{
		{ExtStore, store},
		{ExtPostings, post},
		{ExtMeta, metaBytes},
	}
	for _, c := range components {
		path := directory.SegmentPath(id, c.ext)
		if err := writeComponent(dir, tx, path, c.data); err != nil {
			return Info{}, errors.Join(err, discard(dir, tx, info.Paths()))
		}
		info.Entries = append(info.Entries, directory.Entry{Path: path, Bytes: int64(len(c.data)), Xmin: tx.ID()})
		info.Bytes += int64(len(c.data))
	}
	return info, nil
}

func writeComponent(dir directory.Directory, tx *txn.Tx, path string, data []byte) error {
	w, err := dir.Create(tx, path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := w.Write(data); err != nil {
		return errors.Join(fmt.Errorf("write %s: %w", path, err), dir.Discard(tx, path))
	}
	if err := w.Close(); err != nil {
		return errors.Join(err, dir.Discard(tx, path))
	}
	return nil
}

// discard removes components tx wrote.
func discard(dir directory.Directory, tx *txn.Tx, paths []string) error {
	var errs []error
	for _, p := range paths {
		if err := dir.Discard(tx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard removes every component of a segment tx wrote but has not
// committed.
func Discard(dir directory.Directory, tx *txn.Tx, info Info) error {
	return discard(dir, tx, info.Paths())
}
