package cowtree

import (
	"fmt"
	"os"
	"sync"

	"github.com/nyan233/cowtree/internal/sys"
)

const defaultPageCount = 32

// pagerState is the generation token a transaction pins at begin time:
// resizing the backing map produces a new generation, so outstanding
// transactions keep using the generation they started on. Holding one
// keeps the mmap region it was issued from alive even if the pager grows
// concurrently.
type pagerState struct {
	gen  uint64
	base []byte
}

// pager presents the data file as an array of fixed-size pages. It is a
// memory-mapped implementation: pages are read from and written to the
// mmap'd region, which is grown by truncating the file and mapping it
// afresh; a superseded mapping is not unmapped.
type pager struct {
	mu sync.RWMutex

	file     *os.File
	path     string
	pageSize uint32

	gen   uint64
	base  []byte
	cache *pageCache

	cipher Cipher
	stat   *iStat
}

func newPager(path string, pageSize uint32, cipher Cipher, stat *iStat) *pager {
	return &pager{
		path:     path,
		pageSize: pageSize,
		cipher:   cipher,
		stat:     stat,
		cache:    newPageCache(stat),
	}
}

// open maps an existing (or freshly truncated) file. isFresh reports
// whether the caller must still format the header/free-space/root pages.
func (p *pager) open() (isFresh bool, err error) {
	p.file, err = os.OpenFile(p.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return false, err
	}
	stat, err := p.file.Stat()
	if err != nil {
		return false, err
	}
	size := stat.Size()
	if size == 0 {
		initial := uint64(p.pageSize) * defaultPageCount
		if err = p.file.Truncate(int64(initial)); err != nil {
			return false, err
		}
		size = int64(initial)
		isFresh = true
	}
	p.base, err = sys.MMap(p.file, uint64(size))
	if err != nil {
		return false, err
	}
	p.gen = 1
	return isFresh, nil
}

func (p *pager) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.base != nil {
		if err := sys.MUnmap(p.file, p.base); err != nil {
			return err
		}
		p.base = nil
	}
	if p.file != nil {
		if err := p.file.Close(); err != nil {
			return err
		}
		p.file = nil
	}
	return nil
}

// pin returns the currently pinned generation, for a transaction to hold
// across its lifetime.
func (p *pager) pin() *pagerState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return &pagerState{gen: p.gen, base: p.base}
}

func (p *pager) numAllocatedPages() uint32 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return uint32(len(p.base)) / p.pageSize
}

// ensureContinuous extends the file, if necessary, so pages
// [first, first+count) are backed.
func (p *pager) ensureContinuous(first pageID, count uint32) error {
	need := (uint64(first) + uint64(count)) * uint64(p.pageSize)
	p.mu.Lock()
	defer p.mu.Unlock()
	if need <= uint64(len(p.base)) {
		return nil
	}
	return p.growLocked(need)
}

// growLocked doubles the file under 1 GiB, then grows by flat 1 GiB
// increments beyond that. The grown file gets a new mapping; the previous
// one stays mapped so pinned states issued from it remain readable.
func (p *pager) growLocked(atLeast uint64) error {
	const oneGiB = 1024 * 1024 * 1024
	stat, err := p.file.Stat()
	if err != nil {
		return err
	}
	newSize := uint64(stat.Size())
	for newSize < atLeast {
		if newSize > oneGiB {
			newSize += oneGiB
		} else {
			newSize *= 2
		}
	}
	if err := p.file.Truncate(int64(newSize)); err != nil {
		return err
	}
	newBase, err := sys.MMap(p.file, newSize)
	if err != nil {
		return err
	}
	p.base = newBase
	p.gen++
	p.cache.invalidateAll()
	return nil
}

// view returns a mutable slice over one page's bytes for the given
// generation. Returns an error if state's generation is stale.
func (ps *pagerState) view(id pageID, pageSize uint32) ([]byte, error) {
	off := uint64(id) * uint64(pageSize)
	if off+uint64(pageSize) > uint64(len(ps.base)) {
		return nil, fmt.Errorf("cowtree: page %d out of range for pinned generation", id)
	}
	return ps.base[off : off+uint64(pageSize)], nil
}

// get returns a read-only view over page id, consulting the page cache
// first. The returned slice is only valid for the lifetime of state's
// generation. A page that was extended into the file (by growLocked) but
// never formatted reads back as all-zero bytes; bytesIsZero catches that
// case and reports it rather than handing back a page view whose header
// decodes to garbage-looking-valid zero values.
func (p *pager) get(state *pagerState, id pageID) (*page, error) {
	if cached, ok := p.cache.get(id); ok {
		return newPageView(cached), nil
	}
	buf, err := state.view(id, p.pageSize)
	if err != nil {
		return nil, err
	}
	if bytesIsZero(buf) {
		return nil, fmt.Errorf("cowtree: page %d was never formatted", id)
	}
	cp := make([]byte, len(buf))
	copy(cp, buf)
	if p.cipher != nil {
		if err := p.cipher.Decrypt(cp); err != nil {
			return nil, err
		}
	}
	p.cache.put(id, cp)
	return newPageView(cp), nil
}

// write copies a page's bytes to its native (or an explicit target) page
// number in the backing file, encrypting first if a cipher is configured.
func (p *pager) write(state *pagerState, id pageID, buf []byte) error {
	dst, err := state.view(id, p.pageSize)
	if err != nil {
		return err
	}
	if p.cipher != nil {
		enc, err := p.cipher.Encrypt(buf)
		if err != nil {
			return err
		}
		copy(dst, enc)
	} else {
		copy(dst, buf)
	}
	p.cache.invalidate(id)
	return nil
}

// writeRaw writes bytes directly at a byte offset in the file, used for the
// FileHeader pages which are not tree-shaped pages themselves.
func (p *pager) writeRaw(state *pagerState, offset uint64, buf []byte) error {
	if offset+uint64(len(buf)) > uint64(len(state.base)) {
		return fmt.Errorf("cowtree: writeRaw out of range")
	}
	copy(state.base[offset:], buf)
	return nil
}

func (p *pager) readRaw(state *pagerState, offset uint64, n int) ([]byte, error) {
	if offset+uint64(n) > uint64(len(state.base)) {
		return nil, fmt.Errorf("cowtree: readRaw out of range")
	}
	out := make([]byte, n)
	copy(out, state.base[offset:offset+uint64(n)])
	return out, nil
}

// flush is a no-op for mmap: writes already landed in the mapped region.
// It exists to keep the pager's public shape aligned with a future
// file-stream backend's flush(range).
func (p *pager) flush(pageID, pageID) error { return nil }

// sync performs a full fsync of the backing file.
func (p *pager) sync() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.file.Sync()
}

// tempPage returns a scratch, page-sized buffer not backed by the file,
// used when constructing a new file header before it has a home.
func (p *pager) tempPage() []byte {
	return make([]byte, p.pageSize)
}
