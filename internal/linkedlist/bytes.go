package linkedlist

import (
	"iter"

	"github.com/hupe1980/searchpages/page"
)

// Bytes is a byte-stream list.
type Bytes struct {
	c *chain
}

// CreateBytes allocates the header of a new, empty byte list.
func CreateBytes(mgr page.Manager, alloc Allocator) (*Bytes, error) {
	c, err := create(mgr, alloc, page.KindBytes, 0)
	if err != nil {
		return nil, err
	}
	return &Bytes{c: c}, nil
}

// OpenBytes opens the byte list whose header is head.
func OpenBytes(mgr page.Manager, alloc Allocator, head page.BlockNumber) *Bytes {
	return &Bytes{c: open(mgr, alloc, head, page.KindBytes, 0)}
}

// Head returns the header block, which identifies the list.
func (l *Bytes) Head() page.BlockNumber { return l.c.head }

// BytesGuard is a byte list opened with a lock on its header.
type BytesGuard struct {
	g *guard
}

// Lock opens the list with the given lock mode. Release must be called on
// every exit path.
func (l *Bytes) Lock(mode page.LockMode) (*BytesGuard, error) {
	g, err := l.c.lock(mode)
	if err != nil {
		return nil, err
	}
	return &BytesGuard{g: g}, nil
}

// Len returns the number of bytes in the list.
func (g *BytesGuard) Len() int64 { return int64(g.g.hdr.count) }

// Write appends p. The guard must hold an exclusive lock.
func (g *BytesGuard) Write(p []byte) (int, error) {
	if err := g.g.append(p, 1); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Release unlocks the header.
func (g *BytesGuard) Release() { g.g.release() }

// Write appends p under an exclusive lock held for the whole append.
func (l *Bytes) Write(p []byte) (int, error) {
	g, err := l.Lock(page.Exclusive)
	if err != nil {
		return 0, err
	}
	defer g.Release()
	return g.Write(p)
}

// Len returns the number of bytes in the list.
func (l *Bytes) Len() (int64, error) {
	h, err := l.c.snapshot()
	if err != nil {
		return 0, err
	}
	return int64(h.count), nil
}

// Chunks returns the payload of each page in chain order. The sequence covers
// the data present when iteration starts.
func (l *Bytes) Chunks() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		h, err := l.c.snapshot()
		if err != nil {
			yield(nil, err)
			return
		}
		var chunk []byte
		err = l.c.walk(h, page.Share, func(buf *page.Buffer, used int) error {
			chunk = make([]byte, used)
			copy(chunk, buf.Page().Payload()[:used])
			return nil
		}, func() bool {
			return yield(chunk, nil)
		})
		if err != nil {
			yield(nil, err)
		}
	}
}

// ReadAll returns the whole byte stream.
func (l *Bytes) ReadAll() ([]byte, error) {
	h, err := l.c.snapshot()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, h.count)
	err = l.c.walk(h, page.Share, func(buf *page.Buffer, used int) error {
		out = append(out, buf.Page().Payload()[:used]...)
		return nil
	}, nil)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Blocks returns the header block followed by every content block.
func (l *Bytes) Blocks() ([]page.BlockNumber, error) { return l.c.blocks() }

// Free returns every block of the list to the allocator.
func (l *Bytes) Free() error { return l.c.free() }

// Writer buffers writes into page-sized appends.
type Writer struct {
	l   *Bytes
	buf []byte
	n   int64
	err error
}

// NewWriter returns a buffered writer appending to the list.
func (l *Bytes) NewWriter() *Writer {
	return &Writer{l: l, buf: make([]byte, 0, page.PayloadCapacity)}
}

// Write implements io.Writer.
func (w *Writer) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	written := 0
	for len(p) > 0 {
		n := min(cap(w.buf)-len(w.buf), len(p))
		w.buf = append(w.buf, p[:n]...)
		p = p[n:]
		written += n
		if len(w.buf) == cap(w.buf) {
			if err := w.flush(); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

func (w *Writer) flush() error {
	if len(w.buf) == 0 {
		return nil
	}
	if _, err := w.l.Write(w.buf); err != nil {
		w.err = err
		return err
	}
	w.n += int64(len(w.buf))
	w.buf = w.buf[:0]
	return nil
}

// Written returns the number of bytes appended to the list so far.
func (w *Writer) Written() int64 { return w.n }

// Close flushes any buffered data.
func (w *Writer) Close() error {
	if w.err != nil {
		return w.err
	}
	return w.flush()
}
