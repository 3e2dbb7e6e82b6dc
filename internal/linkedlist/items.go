package linkedlist

import (
	"fmt"
	"iter"

	"github.com/hupe1980/searchpages/page"
)

// Codec encodes fixed-size records.
type Codec[T any] interface {
	// Size is the encoded size of every record.
	Size() int
	Encode(dst []byte, v T)
	Decode(src []byte) (T, error)
}

// Slot flags.
const (
	slotDead byte = 0
	slotLive byte = 1
)

// Op tells Update what to do with a record.
type Op int

const (
	Keep Op = iota
	Replace
	Remove
)

// Items is a list of fixed-size records.
type Items[T any] struct {
	c     *chain
	codec Codec[T]
}

func slotSize[T any](codec Codec[T]) uint16 { return uint16(codec.Size() + 1) }

// CreateItems allocates the header of a new, empty item list.
func CreateItems[T any](mgr page.Manager, alloc Allocator, codec Codec[T]) (*Items[T], error) {
	if codec.Size()+1 > page.PayloadCapacity {
		return nil, fmt.Errorf("linkedlist: record size %d exceeds page capacity", codec.Size())
	}
	c, err := create(mgr, alloc, page.KindItems, slotSize(codec))
	if err != nil {
		return nil, err
	}
	return &Items[T]{c: c, codec: codec}, nil
}

// OpenItems opens the item list whose header is head.
func OpenItems[T any](mgr page.Manager, alloc Allocator, head page.BlockNumber, codec Codec[T]) *Items[T] {
	return &Items[T]{c: open(mgr, alloc, head, page.KindItems, slotSize(codec)), codec: codec}
}

// Head returns the header block, which identifies the list.
func (l *Items[T]) Head() page.BlockNumber { return l.c.head }

// Blocks returns the header block followed by every content block.
func (l *Items[T]) Blocks() ([]page.BlockNumber, error) { return l.c.blocks() }

// Free returns every block of the list to the allocator.
func (l *Items[T]) Free() error { return l.c.free() }

// ItemsGuard is an item list opened with a lock on its header.
type ItemsGuard[T any] struct {
	l *Items[T]
	g *guard
}

// Lock opens the list with the given lock mode. Release must be called on
// every exit path.
func (l *Items[T]) Lock(mode page.LockMode) (*ItemsGuard[T], error) {
	g, err := l.c.lock(mode)
	if err != nil {
		return nil, err
	}
	return &ItemsGuard[T]{l: l, g: g}, nil
}

// Release unlocks the header.
func (g *ItemsGuard[T]) Release() { g.g.release() }

// Len returns the number of live records.
func (g *ItemsGuard[T]) Len() int {
	return int(g.g.hdr.count/uint64(g.g.c.itemSize)) - int(g.g.hdr.dead)
}

// All iterates the live records under the guard's lock.
func (g *ItemsGuard[T]) All() iter.Seq2[T, error] {
	return g.l.scan(g.g.hdr)
}

// Append adds records, reusing removed slots first. The guard must hold an
// exclusive lock.
func (g *ItemsGuard[T]) Append(items ...T) error {
	if len(items) == 0 {
		return nil
	}
	size := int(g.g.c.itemSize)
	slots := make([]byte, len(items)*size)
	for i, it := range items {
		s := slots[i*size : (i+1)*size]
		s[0] = slotLive
		g.l.codec.Encode(s[1:], it)
	}
	if g.g.hdr.dead > 0 {
		var err error
		if slots, err = g.reuse(slots); err != nil {
			return err
		}
	}
	return g.g.append(slots, size)
}

// reuse writes encoded slots into removed slots and returns what did not fit.
func (g *ItemsGuard[T]) reuse(slots []byte) ([]byte, error) {
	size := int(g.g.c.itemSize)
	err := g.g.c.walk(g.g.hdr, page.Exclusive, func(buf *page.Buffer, used int) error {
		var free []int
		payload := buf.Page().Payload()
		for off := 0; off+size <= used && len(free)*size < len(slots); off += size {
			if payload[off] == slotDead {
				free = append(free, off)
			}
		}
		if len(free) == 0 {
			return nil
		}
		next := g.g.hdr
		next.dead -= uint32(len(free))
		err := page.Modify([]*page.Buffer{g.g.buf, buf}, func(pages []*page.Page) error {
			dst := pages[1].Payload()
			for i, off := range free {
				copy(dst[off:off+size], slots[i*size:(i+1)*size])
			}
			next.encode(pages[0])
			return nil
		})
		if err != nil {
			return err
		}
		g.g.hdr = next
		slots = slots[len(free)*size:]
		return nil
	}, func() bool {
		return len(slots) > 0 && g.g.hdr.dead > 0
	})
	return slots, err
}

// Update calls fn for every live record and applies the returned operation,
// one page modification per changed page. The guard must hold an exclusive
// lock. It returns the number of records replaced or removed.
func (g *ItemsGuard[T]) Update(fn func(T) (T, Op)) (int, error) {
	size := int(g.g.c.itemSize)
	changed := 0
	err := g.g.c.walk(g.g.hdr, page.Exclusive, func(buf *page.Buffer, used int) error {
		type edit struct {
			off int
			op  Op
			v   T
		}
		var edits []edit
		payload := buf.Page().Payload()
		for off := 0; off+size <= used; off += size {
			if payload[off] != slotLive {
				continue
			}
			v, err := g.l.codec.Decode(payload[off+1 : off+size])
			if err != nil {
				return fmt.Errorf("%w: block %d offset %d: %w", ErrTruncated, buf.Number(), off, err)
			}
			nv, op := fn(v)
			if op != Keep {
				edits = append(edits, edit{off: off, op: op, v: nv})
			}
		}
		if len(edits) == 0 {
			return nil
		}
		next := g.g.hdr
		err := page.Modify([]*page.Buffer{g.g.buf, buf}, func(pages []*page.Page) error {
			dst := pages[1].Payload()
			for _, e := range edits {
				if e.op == Remove {
					clear(dst[e.off : e.off+size])
					next.dead++
					continue
				}
				g.l.codec.Encode(dst[e.off+1:e.off+size], e.v)
			}
			next.encode(pages[0])
			return nil
		})
		if err != nil {
			return err
		}
		g.g.hdr = next
		changed += len(edits)
		return nil
	}, nil)
	return changed, err
}

// Append adds records under an exclusive lock held for the whole append.
func (l *Items[T]) Append(items ...T) error {
	g, err := l.Lock(page.Exclusive)
	if err != nil {
		return err
	}
	defer g.Release()
	return g.Append(items...)
}

// Update applies fn to every live record under an exclusive lock.
func (l *Items[T]) Update(fn func(T) (T, Op)) (int, error) {
	g, err := l.Lock(page.Exclusive)
	if err != nil {
		return 0, err
	}
	defer g.Release()
	return g.Update(fn)
}

// All iterates the live records present when iteration starts, holding the
// header lock only while the chain's terminal pointer is read.
func (l *Items[T]) All() iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		h, err := l.c.snapshot()
		if err != nil {
			var zero T
			yield(zero, err)
			return
		}
		l.scan(h)(yield)
	}
}

// Collect returns every live record.
func (l *Items[T]) Collect() ([]T, error) {
	var out []T
	for v, err := range l.All() {
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (l *Items[T]) scan(h header) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		size := int(l.c.itemSize)
		var batch []T
		err := l.c.walk(h, page.Share, func(buf *page.Buffer, used int) error {
			batch = batch[:0]
			payload := buf.Page().Payload()
			for off := 0; off+size <= used; off += size {
				if payload[off] != slotLive {
					continue
				}
				v, err := l.codec.Decode(payload[off+1 : off+size])
				if err != nil {
					return fmt.Errorf("%w: block %d offset %d: %w", ErrTruncated, buf.Number(), off, err)
				}
				batch = append(batch, v)
			}
			return nil
		}, func() bool {
			for _, v := range batch {
				if !yield(v, nil) {
					return false
				}
			}
			return true
		})
		if err != nil {
			var zero T
			yield(zero, err)
		}
	}
}

// FormatItems initialises p as the header of an empty item list. It is used to
// place lists at well-known blocks when a relation is bootstrapped.
func FormatItems[T any](p *page.Page, codec Codec[T]) {
	p.Init(page.KindListHeader)
	header{
		start:    page.InvalidBlockNumber,
		last:     page.InvalidBlockNumber,
		itemSize: slotSize(codec),
		kind:     page.KindItems,
	}.encode(p)
}
