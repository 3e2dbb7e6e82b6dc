package searchpages

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/hupe1980/searchpages/blobstore"
	"github.com/hupe1980/searchpages/codec"
	"github.com/hupe1980/searchpages/internal/resource"
	"github.com/hupe1980/searchpages/internal/segment"
	"github.com/hupe1980/searchpages/txn"
)

// ManifestName is the blob name of an export manifest below its prefix.
const ManifestName = "MANIFEST.json"

const manifestVersion = 1

// Manifest lists the segments of one export. It is written last, so an
// export without a manifest is incomplete.
type Manifest struct {
	Version  int               `json:"version"`
	Codec    string            `json:"codec"`
	XID      txn.XID           `json:"xid"`
	Created  time.Time         `json:"created"`
	Segments []ManifestSegment `json:"segments"`
}

// ManifestSegment describes one exported segment.
type ManifestSegment struct {
	ID         uuid.UUID           `json:"id"`
	Docs       int                 `json:"docs"`
	Deleted    int                 `json:"deleted"`
	Bytes      int64               `json:"bytes"`
	Components []ManifestComponent `json:"components"`
}

// ManifestComponent is one copied segment component.
type ManifestComponent struct {
	Path  string `json:"path"`
	Bytes int64  `json:"bytes"`
}

// Export copies every segment visible to tx into store below prefix and
// then writes the manifest. Copies are throttled by the IO limit of the
// resource config.
func (idx *Index) Export(ctx context.Context, tx *txn.Tx, store blobstore.Store, prefix string) (Manifest, error) {
	m, err := idx.export(ctx, tx, store, prefix)
	idx.logger.LogExport(ctx, prefix, len(m.Segments), err)
	return m, err
}

func (idx *Index) export(ctx context.Context, tx *txn.Tx, store blobstore.Store, prefix string) (Manifest, error) {
	if err := idx.checkOpen(); err != nil {
		return Manifest{}, err
	}
	if !tx.Active() {
		return Manifest{}, txn.ErrNotActive
	}
	c := idx.opts.segment.Codec
	m := Manifest{
		Version: manifestVersion,
		Codec:   c.Name(),
		XID:     tx.ID(),
		Created: time.Now().UTC(),
	}

	snap := tx.Snapshot()
	infos, err := idx.catalog(snap)
	if err != nil {
		return m, err
	}
	for _, info := range infos {
		meta, deleted, err := segment.Describe(idx.dir, snap, info)
		if err != nil {
			return m, segmentError(info.ID, err)
		}
		ms := ManifestSegment{ID: info.ID, Docs: meta.Docs, Deleted: deleted, Bytes: info.Bytes}
		for _, e := range info.Entries {
			if err := idx.copyComponent(ctx, snap, store, path.Join(prefix, e.Path), e.Path); err != nil {
				return m, segmentError(info.ID, err)
			}
			ms.Components = append(ms.Components, ManifestComponent{Path: e.Path, Bytes: e.Bytes})
		}
		m.Segments = append(m.Segments, ms)
	}

	data, err := c.Marshal(m)
	if err != nil {
		return m, fmt.Errorf("encode manifest: %w", err)
	}
	if err := store.Put(ctx, path.Join(prefix, ManifestName), data); err != nil {
		return m, fmt.Errorf("write manifest: %w", err)
	}
	return m, nil
}

func (idx *Index) copyComponent(ctx context.Context, snap *txn.Snapshot, store blobstore.Store, dst, src string) error {
	f, err := idx.dir.Open(snap, src)
	if err != nil {
		return err
	}
	w, err := store.Create(ctx, dst)
	if err != nil {
		return err
	}
	rw := resource.NewRateLimitedWriter(ctx, w, idx.rc)

	var written int64
	for chunk, err := range f.Chunks() {
		if err == nil {
			_, err = rw.Write(chunk)
		}
		if err != nil {
			return errors.Join(fmt.Errorf("copy %s: %w", src, err), w.Abort())
		}
		written += int64(len(chunk))
	}
	if written != f.Entry().Bytes {
		return errors.Join(fmt.Errorf("copy %s: %d of %d bytes", src, written, f.Entry().Bytes), w.Abort())
	}
	return w.Close()
}

// ReadManifest reads the manifest of the export below prefix, decoding it
// with the codec it names.
func ReadManifest(ctx context.Context, store blobstore.Store, prefix string) (Manifest, error) {
	data, err := blobstore.ReadAll(ctx, store, path.Join(prefix, ManifestName))
	if err != nil {
		return Manifest{}, err
	}
	var head struct {
		Codec string `json:"codec"`
	}
	if err := (codec.JSON{}).Unmarshal(data, &head); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	c, ok := codec.ByName(head.Codec)
	if !ok {
		return Manifest{}, fmt.Errorf("decode manifest: unknown codec %q", head.Codec)
	}
	var m Manifest
	if err := c.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	if m.Version != manifestVersion {
		return Manifest{}, fmt.Errorf("decode manifest: version %d", m.Version)
	}
	return m, nil
}
