package linkedlist

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sync"
	"testing"

	"github.com/hupe1980/searchpages/page"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// extendAllocator grows the relation and recycles freed blocks LIFO.
type extendAllocator struct {
	mgr page.Manager

	mu   sync.Mutex
	free []page.BlockNumber
}

func (a *extendAllocator) Allocate(n int) ([]page.BlockNumber, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]page.BlockNumber, 0, n)
	for len(out) < n && len(a.free) > 0 {
		out = append(out, a.free[len(a.free)-1])
		a.free = a.free[:len(a.free)-1]
	}
	for len(out) < n {
		buf, err := a.mgr.Extend()
		if err != nil {
			return nil, err
		}
		out = append(out, buf.Number())
		buf.Release()
	}
	return out, nil
}

func (a *extendAllocator) Free(blocks ...page.BlockNumber) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.free = append(a.free, blocks...)
	return nil
}

func newAllocator() (*page.MemoryManager, *extendAllocator) {
	mgr := page.NewMemoryManager()
	return mgr, &extendAllocator{mgr: mgr}
}

type pair struct {
	A uint32
	B uint64
}

type pairCodec struct{}

func (pairCodec) Size() int { return 12 }

func (pairCodec) Encode(dst []byte, v pair) {
	binary.LittleEndian.PutUint32(dst, v.A)
	binary.LittleEndian.PutUint64(dst[4:], v.B)
}

func (pairCodec) Decode(src []byte) (pair, error) {
	if len(src) < 12 {
		return pair{}, errors.New("short record")
	}
	return pair{A: binary.LittleEndian.Uint32(src), B: binary.LittleEndian.Uint64(src[4:])}, nil
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func TestBytes_WriteReadAll(t *testing.T) {
	tests := []struct {
		name   string
		writes []int
	}{
		{"empty", nil},
		{"small", []int{10}},
		{"exact page", []int{page.PayloadCapacity}},
		{"multi page", []int{3*page.PayloadCapacity + 17}},
		{"appends fill tail", []int{100, page.PayloadCapacity, 5, 40 * page.PayloadCapacity}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mgr, alloc := newAllocator()
			l, err := CreateBytes(mgr, alloc)
			require.NoError(t, err)

			var want []byte
			for _, n := range tt.writes {
				p := pattern(n)
				_, err := l.Write(p)
				require.NoError(t, err)
				want = append(want, p...)
			}

			got, err := l.ReadAll()
			require.NoError(t, err)
			assert.True(t, bytes.Equal(want, got))

			n, err := l.Len()
			require.NoError(t, err)
			assert.EqualValues(t, len(want), n)

			var chunks [][]byte
			for c, err := range l.Chunks() {
				require.NoError(t, err)
				chunks = append(chunks, c)
			}
			assert.True(t, bytes.Equal(want, bytes.Join(chunks, nil)))
		})
	}
}

func TestBytes_WriterBuffers(t *testing.T) {
	mgr, alloc := newAllocator()
	l, err := CreateBytes(mgr, alloc)
	require.NoError(t, err)

	w := l.NewWriter()
	data := pattern(2*page.PayloadCapacity + 99)
	for i := 0; i < len(data); i += 1000 {
		_, err := w.Write(data[i:min(i+1000, len(data))])
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	assert.EqualValues(t, len(data), w.Written())

	got, err := l.ReadAll()
	require.NoError(t, err)
	assert.Equal(t, data, got)

	blocks, err := l.Blocks()
	require.NoError(t, err)
	assert.Len(t, blocks, 4, "header plus three content pages")
}

func TestBytes_ReaderSeesSnapshot(t *testing.T) {
	mgr, alloc := newAllocator()
	l, err := CreateBytes(mgr, alloc)
	require.NoError(t, err)
	_, err = l.Write(pattern(page.PayloadCapacity + 10))
	require.NoError(t, err)

	next, stop := iterPull(l)
	defer stop()
	first, err := next()
	require.NoError(t, err)
	assert.Len(t, first, page.PayloadCapacity)

	// append while the reader is between pages; it must not see the new tail
	_, err = l.Write(pattern(500))
	require.NoError(t, err)

	second, err := next()
	require.NoError(t, err)
	assert.Len(t, second, 10)
	_, err = next()
	assert.ErrorIs(t, err, errDone)
}

var errDone = errors.New("done")

func iterPull(l *Bytes) (func() ([]byte, error), func()) {
	ch := make(chan []byte)
	errs := make(chan error, 1)
	quit := make(chan struct{})
	go func() {
		defer close(ch)
		for c, err := range l.Chunks() {
			if err != nil {
				errs <- err
				return
			}
			select {
			case ch <- c:
			case <-quit:
				return
			}
		}
	}()
	next := func() ([]byte, error) {
		c, ok := <-ch
		if !ok {
			select {
			case err := <-errs:
				return nil, err
			default:
				return nil, errDone
			}
		}
		return c, nil
	}
	return next, func() { close(quit) }
}

func TestBytes_Free(t *testing.T) {
	mgr, alloc := newAllocator()
	l, err := CreateBytes(mgr, alloc)
	require.NoError(t, err)
	_, err = l.Write(pattern(2 * page.PayloadCapacity))
	require.NoError(t, err)

	blocks, err := l.Blocks()
	require.NoError(t, err)
	require.NoError(t, l.Free())
	assert.ElementsMatch(t, blocks, alloc.free)

	_, err = l.ReadAll()
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestBytes_DetectsTruncation(t *testing.T) {
	mgr, alloc := newAllocator()
	l, err := CreateBytes(mgr, alloc)
	require.NoError(t, err)
	_, err = l.Write(pattern(3 * page.PayloadCapacity))
	require.NoError(t, err)

	blocks, err := l.Blocks()
	require.NoError(t, err)

	// clobber the second content page
	buf, err := mgr.Get(blocks[2], page.Exclusive)
	require.NoError(t, err)
	require.NoError(t, page.ModifyOne(buf, func(p *page.Page) error {
		p.Init(page.KindFSM)
		return nil
	}))
	buf.Release()

	_, err = l.ReadAll()
	assert.ErrorIs(t, err, ErrTruncated)

	var seen int
	var last error
	for _, err := range l.Chunks() {
		if err != nil {
			last = err
			break
		}
		seen++
	}
	assert.Equal(t, 1, seen)
	assert.ErrorIs(t, last, ErrTruncated)
}

func TestOpen_WrongKind(t *testing.T) {
	mgr, alloc := newAllocator()
	b, err := CreateBytes(mgr, alloc)
	require.NoError(t, err)

	items := OpenItems[pair](mgr, alloc, b.Head(), pairCodec{})
	_, err = items.Collect()
	assert.ErrorIs(t, err, ErrWrongList)
}

func TestItems_AppendUpdateReuse(t *testing.T) {
	mgr, alloc := newAllocator()
	l, err := CreateItems[pair](mgr, alloc, pairCodec{})
	require.NoError(t, err)

	perPage := page.PayloadCapacity / 13
	var want []pair
	for i := 0; i < perPage+20; i++ {
		want = append(want, pair{A: uint32(i), B: uint64(i) * 10})
	}
	require.NoError(t, l.Append(want...))

	got, err := l.Collect()
	require.NoError(t, err)
	assert.Equal(t, want, got)

	n, err := l.Update(func(p pair) (pair, Op) {
		switch {
		case p.A%2 == 1:
			return p, Remove
		case p.A == 4:
			p.B = 999
			return p, Replace
		}
		return p, Keep
	})
	require.NoError(t, err)
	assert.Equal(t, len(want)/2+1, n)

	got, err = l.Collect()
	require.NoError(t, err)
	require.Len(t, got, (len(want)+1)/2)
	assert.Equal(t, pair{A: 4, B: 999}, got[2])

	before, err := l.Blocks()
	require.NoError(t, err)
	require.NoError(t, l.Append(pair{A: 1000}, pair{A: 1001}))
	after, err := l.Blocks()
	require.NoError(t, err)
	assert.Equal(t, before, after, "removed slots are reused")

	g, err := l.Lock(page.Share)
	require.NoError(t, err)
	assert.Equal(t, (len(want)+1)/2+2, g.Len())
	var count int
	for _, err := range g.All() {
		require.NoError(t, err)
		count++
	}
	g.Release()
	assert.Equal(t, (len(want)+1)/2+2, count)
}

func TestItems_ConcurrentAppend(t *testing.T) {
	mgr, alloc := newAllocator()
	l, err := CreateItems[pair](mgr, alloc, pairCodec{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				assert.NoError(t, l.Append(pair{A: uint32(w), B: uint64(i)}))
			}
		}(w)
	}
	wg.Wait()

	got, err := l.Collect()
	require.NoError(t, err)
	assert.Len(t, got, 1600)

	seen := make(map[pair]bool)
	for _, p := range got {
		assert.False(t, seen[p])
		seen[p] = true
	}
}

func TestItems_Free(t *testing.T) {
	mgr, alloc := newAllocator()
	l, err := CreateItems[pair](mgr, alloc, pairCodec{})
	require.NoError(t, err)
	for i := range page.PayloadCapacity / 13 * 2 {
		require.NoError(t, l.Append(pair{A: uint32(i)}))
	}

	blocks, err := l.Blocks()
	require.NoError(t, err)
	require.Len(t, blocks, 3)
	assert.Equal(t, l.Head(), blocks[0])

	require.NoError(t, l.Free())
	assert.ElementsMatch(t, blocks, alloc.free)
}

func TestModifyFailureLeavesListUnchanged(t *testing.T) {
	mgr, alloc := newAllocator()
	l, err := CreateBytes(mgr, alloc)
	require.NoError(t, err)
	_, err = l.Write([]byte("stable"))
	require.NoError(t, err)

	mgr.SetFlushHook(func([]page.Image) error { return errors.New("disk full") })
	_, err = l.Write(pattern(2 * page.PayloadCapacity))
	require.ErrorIs(t, err, page.ErrIO)
	mgr.SetFlushHook(nil)

	got, err := l.ReadAll()
	require.NoError(t, err)
	assert.Equal(t, []byte("stable"), got)
}
