package segment

import (
	"fmt"
	"strings"
	"testing"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/hupe1980/searchpages/codec"
	"github.com/hupe1980/searchpages/directory"
	"github.com/hupe1980/searchpages/page"
	"github.com/hupe1980/searchpages/txn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDir(t *testing.T) (*txn.Manager, directory.Directory) {
	t.Helper()
	txm := txn.NewManager()
	d, err := directory.OpenBlock(page.NewMemoryManager(), txm)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return txm, d
}

func writeSegment(t *testing.T, d directory.Directory, tx *txn.Tx, opts Options, docs ...Document) Info {
	t.Helper()
	b := NewBuilder(opts)
	for _, doc := range docs {
		b.Add(doc)
	}
	info, err := b.Write(d, tx)
	require.NoError(t, err)
	return info
}

func loadOnly(t *testing.T, d directory.Directory, snap *txn.Snapshot) *Segment {
	t.Helper()
	entries, err := d.List(snap)
	require.NoError(t, err)
	infos := Catalog(entries)
	require.Len(t, infos, 1)
	s, err := Load(d, snap, infos[0])
	require.NoError(t, err)
	return s
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"hello", "world", "42"}, Tokenize("Hello, WORLD! 42"))
	assert.Empty(t, Tokenize(" ... "))
	assert.Equal(t, []string{"a", "b"}, QueryTerms("a b A a B"))
}

func TestCompressionRoundTrip(t *testing.T) {
	data := []byte(strings.Repeat("the quick brown fox ", 200))
	for _, typ := range []CompressionType{CompressionNone, CompressionLZ4, CompressionZSTD} {
		t.Run(typ.String(), func(t *testing.T) {
			block, err := compressBlock(data, typ)
			require.NoError(t, err)
			if typ != CompressionNone {
				assert.Less(t, len(block), len(data))
			}
			out, err := decompressBlock(block, typ)
			require.NoError(t, err)
			assert.Equal(t, data, out)
		})
	}

	_, err := decompressBlock([]byte{1, 2}, CompressionLZ4)
	assert.Error(t, err)
}

func TestCompressionTypeText(t *testing.T) {
	for _, typ := range []CompressionType{CompressionNone, CompressionLZ4, CompressionZSTD} {
		text, err := typ.MarshalText()
		require.NoError(t, err)
		var back CompressionType
		require.NoError(t, back.UnmarshalText(text))
		assert.Equal(t, typ, back)
	}
	var c CompressionType
	assert.Error(t, c.UnmarshalText([]byte("snappy")))
}

func TestPostingsRejectCorruption(t *testing.T) {
	enc := encodePostings(postings{
		docs:  []DocInfo{{Key: 1, CTID: 9, Length: 2}},
		terms: map[string][]Posting{"a": {{Doc: 0, Freq: 2}}},
	})
	_, err := decodePostings(enc)
	require.NoError(t, err)

	for n := range len(enc) {
		_, err := decodePostings(enc[:n])
		assert.ErrorIs(t, err, ErrCorrupt, "prefix %d", n)
	}
	_, err = decodePostings(append(enc, 0))
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestWriteAndLoad(t *testing.T) {
	txm, d := newDir(t)
	tx := txm.Begin(1)
	info := writeSegment(t, d, tx, DefaultOptions(),
		Document{Key: 1, CTID: 11, Text: "apple banana"},
		Document{Key: 2, CTID: 12, Text: "banana cherry cherry"},
	)
	assert.Len(t, info.Entries, 3)
	assert.Positive(t, info.Bytes)

	// not visible to others before commit
	other := txm.Begin(2)
	entries, err := d.List(other.Snapshot())
	require.NoError(t, err)
	assert.Empty(t, Catalog(entries))
	require.NoError(t, other.Commit())

	require.NoError(t, tx.Commit())

	reader := txm.Begin(3)
	defer reader.Commit()
	s := loadOnly(t, d, reader.Snapshot())
	assert.Equal(t, info.ID, s.Meta().ID)
	assert.Equal(t, 2, s.NumDocs())
	assert.Equal(t, int64(5), s.Meta().Tokens)
	assert.Equal(t, "go-json", s.Meta().Codec)
	assert.Equal(t, 2, s.DocFreq("banana"))
	assert.Equal(t, DocInfo{Key: 2, CTID: 12, Length: 3}, s.Doc(1))

	docs, err := s.Documents()
	require.NoError(t, err)
	assert.Equal(t, []Document{
		{Key: 1, CTID: 11, Text: "apple banana"},
		{Key: 2, CTID: 12, Text: "banana cherry cherry"},
	}, docs)
}

func TestMetaReadableByEitherCodec(t *testing.T) {
	txm, d := newDir(t)
	tx := txm.Begin(1)
	opts := DefaultOptions()
	opts.Codec = codec.JSON{}
	writeSegment(t, d, tx, opts, Document{Key: 1, CTID: 1, Text: "x"})
	require.NoError(t, tx.Commit())

	r := txm.Begin(2)
	defer r.Commit()
	assert.Equal(t, "json", loadOnly(t, d, r.Snapshot()).Meta().Codec)
}

func TestScoreOrdersByRelevance(t *testing.T) {
	txm, d := newDir(t)
	tx := txm.Begin(1)
	writeSegment(t, d, tx, DefaultOptions(),
		Document{Key: 1, CTID: 1, Text: "cat"},
		Document{Key: 2, CTID: 2, Text: "cat cat dog"},
		Document{Key: 3, CTID: 3, Text: "dog"},
		Document{Key: 4, CTID: 4, Text: "bird"},
	)
	require.NoError(t, tx.Commit())

	r := txm.Begin(2)
	defer r.Commit()
	s := loadOnly(t, d, r.Snapshot())

	terms := QueryTerms("cat")
	st := NewStats(terms)
	st.Add(s)
	assert.Equal(t, int64(4), st.Docs)
	assert.Equal(t, int64(2), st.DF["cat"])

	c := NewCollector(0)
	s.Score(terms, st, func(h Hit) bool {
		c.Push(h)
		return true
	})
	hits := c.Results()
	require.Len(t, hits, 2)
	for _, h := range hits {
		assert.Positive(t, h.Score)
	}
	// key 2 has the higher tf but a longer document; both must be scored
	keys := []int64{hits[0].Key, hits[1].Key}
	assert.ElementsMatch(t, []int64{1, 2}, keys)
	assert.True(t, Better(hits[0], hits[1]))
}

func TestCollectorKeepsBest(t *testing.T) {
	c := NewCollector(3)
	for i := range 10 {
		c.Push(Hit{Key: int64(i), Score: float32(i % 5)})
	}
	got := c.Results()
	require.Len(t, got, 3)
	// scores 4,4,3 with ties broken by lower key
	assert.Equal(t, []int64{4, 9, 3}, []int64{got[0].Key, got[1].Key, got[2].Key})

	c = NewCollector(1)
	c.Push(Hit{Key: 5, Score: 1})
	assert.False(t, c.Admits(Hit{Key: 6, Score: 1}))
	assert.True(t, c.Admits(Hit{Key: 4, Score: 1}))
	assert.True(t, c.Admits(Hit{Key: 9, Score: 2}))
}

func TestWriteDeletesAdvancesGeneration(t *testing.T) {
	txm, d := newDir(t)
	tx := txm.Begin(1)
	var docs []Document
	for i := range 5 {
		docs = append(docs, Document{Key: int64(i), CTID: uint64(100 + i), Text: fmt.Sprintf("doc %d", i)})
	}
	writeSegment(t, d, tx, DefaultOptions(), docs...)
	require.NoError(t, tx.Commit())

	for gen, ords := range [][]uint32{{1}, {1, 3}} {
		tx := txm.Begin(1)
		s := loadOnly(t, d, tx.Snapshot())
		changed, err := WriteDeletes(d, tx, s, roaring.BitmapOf(ords...))
		require.NoError(t, err)
		assert.True(t, changed)
		require.NoError(t, tx.Commit())

		r := txm.Begin(2)
		s = loadOnly(t, d, r.Snapshot())
		assert.Equal(t, uint32(gen+1), s.Info().DelGen)
		assert.Equal(t, len(ords), s.NumDeleted())
		require.NoError(t, r.Commit())
	}

	tx = txm.Begin(1)
	s := loadOnly(t, d, tx.Snapshot())
	changed, err := WriteDeletes(d, tx, s, roaring.BitmapOf(3))
	require.NoError(t, err)
	assert.False(t, changed)

	live, err := s.Documents()
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 2, 4}, []int64{live[0].Key, live[1].Key, live[2].Key})

	hits := 0
	terms := QueryTerms("doc")
	st := NewStats(terms)
	st.Add(s)
	s.Score(terms, st, func(Hit) bool { hits++; return true })
	assert.Equal(t, 3, hits)
	require.NoError(t, tx.Commit())
}

func TestDropRetiresEveryComponent(t *testing.T) {
	txm, d := newDir(t)
	tx := txm.Begin(1)
	info := writeSegment(t, d, tx, DefaultOptions(), Document{Key: 1, CTID: 1, Text: "x"})
	require.NoError(t, tx.Commit())

	tx = txm.Begin(1)
	require.NoError(t, Drop(d, tx, info))
	require.NoError(t, tx.Commit())

	r := txm.Begin(2)
	defer r.Commit()
	entries, err := d.List(r.Snapshot())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDiscardRemovesUncommittedSegment(t *testing.T) {
	txm, d := newDir(t)
	tx := txm.Begin(1)
	info := writeSegment(t, d, tx, DefaultOptions(), Document{Key: 1, CTID: 1, Text: "x"})
	require.NoError(t, Discard(d, tx, info))

	entries, err := d.List(tx.Snapshot())
	require.NoError(t, err)
	assert.Empty(t, entries)
	require.NoError(t, tx.Commit())
}

func TestCatalogSkipsSegmentsWithoutMeta(t *testing.T) {
	txm, d := newDir(t)
	tx := txm.Begin(1)
	defer tx.Commit()

	info := writeSegment(t, d, tx, DefaultOptions(), Document{Key: 1, CTID: 1, Text: "x"})
	require.NoError(t, d.Discard(tx, directory.SegmentPath(info.ID, ExtMeta)))

	entries, err := d.List(tx.Snapshot())
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.Empty(t, Catalog(entries))
}

func TestDescribe(t *testing.T) {
	txm, d := newDir(t)
	tx := txm.Begin(1)
	writeSegment(t, d, tx, DefaultOptions(),
		Document{Key: 1, CTID: 1, Text: "a"},
		Document{Key: 2, CTID: 2, Text: "b"},
	)
	require.NoError(t, tx.Commit())

	tx = txm.Begin(1)
	_, err := WriteDeletes(d, tx, loadOnly(t, d, tx.Snapshot()), roaring.BitmapOf(0))
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	r := txm.Begin(2)
	defer r.Commit()
	entries, err := d.List(r.Snapshot())
	require.NoError(t, err)
	meta, deleted, err := Describe(d, r.Snapshot(), Catalog(entries)[0])
	require.NoError(t, err)
	assert.Equal(t, 2, meta.Docs)
	assert.Equal(t, 1, deleted)
}
