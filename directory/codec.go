package directory

import (
	"encoding/binary"
	"fmt"

	"github.com/hupe1980/searchpages/page"
	"github.com/hupe1980/searchpages/txn"
)

// entryCodec lays out an Entry as
// [path len u8][path 63][start u32][bytes u64][xmin u32][xmax u32].
type entryCodec struct{}

const (
	entryPath  = 1
	entryStart = entryPath + MaxPathLen
	entryBytes = entryStart + 4
	entryXmin  = entryBytes + 8
	entryXmax  = entryXmin + 4
	entrySize  = entryXmax + 4
)

func (entryCodec) Size() int { return entrySize }

func (entryCodec) Encode(dst []byte, e Entry) {
	clear(dst[:entrySize])
	dst[0] = byte(len(e.Path))
	copy(dst[entryPath:entryStart], e.Path)
	binary.LittleEndian.PutUint32(dst[entryStart:], uint32(e.Start))
	binary.LittleEndian.PutUint64(dst[entryBytes:], uint64(e.Bytes))
	binary.LittleEndian.PutUint32(dst[entryXmin:], uint32(e.Xmin))
	binary.LittleEndian.PutUint32(dst[entryXmax:], uint32(e.Xmax))
}

func (entryCodec) Decode(src []byte) (Entry, error) {
	if len(src) < entrySize {
		return Entry{}, fmt.Errorf("short directory entry: %d bytes", len(src))
	}
	n := int(src[0])
	if n == 0 || n > MaxPathLen {
		return Entry{}, fmt.Errorf("directory entry path length %d", n)
	}
	return Entry{
		Path:  string(src[entryPath : entryPath+n]),
		Start: page.BlockNumber(binary.LittleEndian.Uint32(src[entryStart:])),
		Bytes: int64(binary.LittleEndian.Uint64(src[entryBytes:])),
		Xmin:  txn.XID(binary.LittleEndian.Uint32(src[entryXmin:])),
		Xmax:  txn.XID(binary.LittleEndian.Uint32(src[entryXmax:])),
	}, nil
}

// mergeCodec lays out a MergeEntry as [holder u32][pid i32][segment 16].
type mergeCodec struct{}

func (mergeCodec) Size() int { return 24 }

func (mergeCodec) Encode(dst []byte, m MergeEntry) {
	binary.LittleEndian.PutUint32(dst[0:], uint32(m.Holder))
	binary.LittleEndian.PutUint32(dst[4:], uint32(m.PID))
	copy(dst[8:24], m.Segment[:])
}

func (mergeCodec) Decode(src []byte) (MergeEntry, error) {
	if len(src) < 24 {
		return MergeEntry{}, fmt.Errorf("short merge entry: %d bytes", len(src))
	}
	m := MergeEntry{
		Holder: txn.XID(binary.LittleEndian.Uint32(src[0:])),
		PID:    int32(binary.LittleEndian.Uint32(src[4:])),
	}
	copy(m.Segment[:], src[8:24])
	return m, nil
}
