package segment

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/hupe1980/searchpages/codec"
	"github.com/hupe1980/searchpages/directory"
	"github.com/hupe1980/searchpages/txn"
)

// FormatVersion is the version written into new segment metadata.
const FormatVersion = 1

// Component extensions.
const (
	ExtPostings = "postings"
	ExtStore    = "store"
	ExtMeta     = "meta"
	extDeletes  = "del"
)

// Meta is the JSON metadata component.
type Meta struct {
	ID         uuid.UUID       `json:"id"`
	Version    int             `json:"version"`
	Codec      string          `json:"codec"`
	Docs       int             `json:"docs"`
	Tokens     int64           `json:"tokens"`
	Terms      int             `json:"terms"`
	Postings   CompressionType `json:"postings_compression"`
	Store      CompressionType `json:"store_compression"`
	CreatedBy  txn.XID         `json:"created_by"`
	MergedFrom []uuid.UUID     `json:"merged_from,omitempty"`
}

func encodeMeta(c codec.Codec, m Meta) ([]byte, error) {
	m.Codec = c.Name()
	return c.Marshal(m)
}

func decodeMeta(data []byte) (Meta, error) {
	var head struct {
		Codec string `json:"codec"`
	}
	if err := (codec.JSON{}).Unmarshal(data, &head); err != nil {
		return Meta{}, fmt.Errorf("%w: meta: %w", ErrCorrupt, err)
	}
	c, ok := codec.ByName(head.Codec)
	if !ok {
		return Meta{}, fmt.Errorf("%w: unknown meta codec %q", ErrCorrupt, head.Codec)
	}
	var m Meta
	if err := c.Unmarshal(data, &m); err != nil {
		return Meta{}, fmt.Errorf("%w: meta: %w", ErrCorrupt, err)
	}
	if m.Version != FormatVersion {
		return Meta{}, fmt.Errorf("%w: meta version %d", ErrCorrupt, m.Version)
	}
	return m, nil
}

// DeletesPath returns the path of delete generation gen.
func DeletesPath(id uuid.UUID, gen uint32) string {
	return directory.SegmentPath(id, strconv.FormatUint(uint64(gen), 10)+"."+extDeletes)
}

// Info groups the directory entries of one segment.
type Info struct {
	ID      uuid.UUID
	Entries []directory.Entry
	Bytes   int64
	DelGen  uint32 // 0 when no document was ever deleted
}

// Paths returns the paths of every component.
func (i Info) Paths() []string {
	out := make([]string, len(i.Entries))
	for n, e := range i.Entries {
		out[n] = e.Path
	}
	return out
}

// DeletesPath returns the path of the current delete generation, or "".
func (i Info) DeletesPath() string {
	if i.DelGen == 0 {
		return ""
	}
	return DeletesPath(i.ID, i.DelGen)
}

// Catalog groups visible entries into segments in creation order. A
// segment without a metadata component is still being written by its
// transaction and is left out.
func Catalog(entries []directory.Entry) []Info {
	var order []uuid.UUID
	byID := make(map[uuid.UUID]*Info)
	hasMeta := make(map[uuid.UUID]bool)
	for _, e := range entries {
		id, ok := directory.SegmentOf(e.Path)
		if !ok {
			continue
		}
		info, ok := byID[id]
		if !ok {
			info = &Info{ID: id}
			byID[id] = info
			order = append(order, id)
		}
		info.Entries = append(info.Entries, e)
		info.Bytes += e.Bytes

		switch ext := e.Path[len(id.String())+1:]; {
		case ext == ExtMeta:
			hasMeta[id] = true
		case strings.HasSuffix(ext, "."+extDeletes):
			gen, err := strconv.ParseUint(strings.TrimSuffix(ext, "."+extDeletes), 10, 32)
			if err == nil && uint32(gen) > info.DelGen {
				info.DelGen = uint32(gen)
			}
		}
	}

	out := make([]Info, 0, len(order))
	for _, id := range order {
		if hasMeta[id] {
			out = append(out, *byID[id])
		}
	}
	return out
}
