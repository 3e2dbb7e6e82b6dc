package directory

import (
	"github.com/dgraph-io/ristretto/v2"
)

// readerCache holds the bytes of committed components. Paths are never
// reused and component bytes never change, so entries only need to be
// dropped when their storage is reclaimed. A nil cache is disabled.
type readerCache struct {
	c *ristretto.Cache[string, []byte]
}

func newReaderCache(maxBytes int64) (*readerCache, error) {
	if maxBytes <= 0 {
		return nil, nil
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: max(maxBytes/1024, 1000),
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &readerCache{c: c}, nil
}

func (rc *readerCache) get(path string) ([]byte, bool) {
	if rc == nil {
		return nil, false
	}
	return rc.c.Get(path)
}

func (rc *readerCache) set(path string, data []byte) {
	if rc == nil {
		return
	}
	rc.c.Set(path, data, int64(len(data)))
}

func (rc *readerCache) del(path string) {
	if rc == nil {
		return
	}
	rc.c.Del(path)
}

func (rc *readerCache) close() {
	if rc == nil {
		return
	}
	rc.c.Close()
}
