package cowtree

import (
	"sync"

	cmap "github.com/zbh255/gocode/container/map"
	"github.com/zeebo/xxh3"
)

// pageCache caches clean, read-only page views keyed by page number, backed
// by a concurrent BTreeMap. Every cached buffer carries an xxh3 integrity
// hash so a reader can detect a torn/short read from the pager before
// handing stale bytes to the B+ tree; this is independent of the CRC32
// checksum a committed transaction's journal header carries over its own
// pages.
type pageCache struct {
	mu      sync.Mutex
	entries *cmap.BTreeMap[uint64, pageCacheEntry]
	stat    *iStat
}

type pageCacheEntry struct {
	buf   []byte
	hash  uint64
	valid bool
}

func newPageCache(stat *iStat) *pageCache {
	return &pageCache{
		entries: cmap.NewBtreeMap[uint64, pageCacheEntry](64),
		stat:    stat,
	}
}

// get returns a cached page's bytes if present and still hash-valid.
func (c *pageCache) get(id pageID) ([]byte, bool) {
	e, ok := c.entries.LoadOk(uint64(id))
	if !ok || !e.valid {
		c.stat.storageCacheMis.Add(1)
		return nil, false
	}
	if xxh3.Hash(e.buf) != e.hash {
		// Stale: the cached copy no longer matches the hash taken by put,
		// so it was modified after caching. Drop it rather than serve
		// corrupt bytes.
		c.entries.StoreOk(uint64(id), pageCacheEntry{})
		c.stat.storageCacheMis.Add(1)
		return nil, false
	}
	c.stat.storageCacheHit.Add(1)
	return e.buf, true
}

// put caches a clean copy of a page's bytes. Callers must copy before
// calling put if buf aliases a mutable pager view.
func (c *pageCache) put(id pageID, buf []byte) {
	c.entries.StoreOk(uint64(id), pageCacheEntry{buf: buf, hash: xxh3.Hash(buf), valid: true})
}

// invalidate drops a page from the cache; pager.write calls it for every
// page it writes.
func (c *pageCache) invalidate(id pageID) {
	c.entries.StoreOk(uint64(id), pageCacheEntry{})
}

// invalidateAll clears the cache; used after a remap changes every page's
// backing address space.
func (c *pageCache) invalidateAll() {
	c.entries = cmap.NewBtreeMap[uint64, pageCacheEntry](64)
}
