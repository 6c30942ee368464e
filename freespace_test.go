package cowtree

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// One page, 320 tracked pages.
func TestBitmapSizingOnePage(t *testing.T) {
	buf := make([]byte, 4096)
	b, err := newBitmap(buf, 0, 4096, 320, 4096)
	require.NoError(t, err)
	require.Equal(t, uint32(32704), b.maxNumberOfPages)
	require.Equal(t, uint32(1), b.modificationBitsInUse)
	require.Equal(t, uint32(4), b.modBitmapBytes)
}

// Two pages, 40 000 tracked pages.
func TestBitmapSizingTwoPages(t *testing.T) {
	buf := make([]byte, 8192)
	b, err := newBitmap(buf, 0, 8192, 40000, 4096)
	require.NoError(t, err)
	require.Equal(t, uint32(65472), b.maxNumberOfPages)
	require.Equal(t, uint32(2), b.modificationBitsInUse)
	require.Equal(t, uint32(4), b.modBitmapBytes)
}

// Ten pages, 90 000 tracked pages.
func TestBitmapSizingTenPages(t *testing.T) {
	buf := make([]byte, 40960)
	b, err := newBitmap(buf, 0, 40960, 90000, 4096)
	require.NoError(t, err)
	require.Equal(t, uint32(327616), b.maxNumberOfPages)
	require.Equal(t, uint32(3), b.modificationBitsInUse)
	require.Equal(t, uint32(4), b.modBitmapBytes)
}

// Copy-dirty-pages, single chunk: mark page 10 dirty on source,
// copyDirtyPagesTo returns 3 bytes copied.
func TestBitmapCopyDirtyPagesSingleChunk(t *testing.T) {
	srcBuf := make([]byte, 4096)
	dstBuf := make([]byte, 4096)
	src, err := newBitmap(srcBuf, 0, 4096, 20, 4096)
	require.NoError(t, err)
	dst, err := newBitmap(dstBuf, 0, 4096, 20, 4096)
	require.NoError(t, err)
	src.initAllFree()
	require.NoError(t, src.markPage(10, false))
	n, err := src.copyDirtyPagesTo(dst)
	require.NoError(t, err)
	require.Equal(t, 3, n)
}

// Copy-dirty-pages, two chunks: mark pages 10 and 40000 dirty,
// copy returns 4096 + 3404 bytes.
func TestBitmapCopyDirtyPagesTwoChunks(t *testing.T) {
	srcBuf := make([]byte, 8192)
	dstBuf := make([]byte, 8192)
	src, err := newBitmap(srcBuf, 0, 8192, 60000, 4096)
	require.NoError(t, err)
	dst, err := newBitmap(dstBuf, 0, 8192, 60000, 4096)
	require.NoError(t, err)
	src.initAllFree()
	require.NoError(t, src.markPage(10, false))
	require.NoError(t, src.markPage(40000, false))
	n, err := src.copyDirtyPagesTo(dst)
	require.NoError(t, err)
	require.Equal(t, 4096+3404, n)
}

func TestBitmapAllocateAndFree(t *testing.T) {
	buf := make([]byte, 4096)
	b, err := newBitmap(buf, 0, 4096, 100, 4096)
	require.NoError(t, err)
	b.initAllFree()
	require.Equal(t, uint32(100), b.freePages())

	start, ok := b.tryAllocate(5)
	require.True(t, ok)
	require.Equal(t, uint32(95), b.freePages())
	for i := start; i < start+5; i++ {
		free, err := b.isFree(i)
		require.NoError(t, err)
		require.False(t, free)
	}
	require.NoError(t, b.markPage(start, true))
	require.Equal(t, uint32(96), b.freePages())
}

func TestBitmapTryAllocateExhaustion(t *testing.T) {
	buf := make([]byte, 4096)
	b, err := newBitmap(buf, 0, 4096, 8, 4096)
	require.NoError(t, err)
	b.initAllFree()
	_, ok := b.tryAllocate(9)
	require.False(t, ok)
	_, ok = b.tryAllocate(8)
	require.True(t, ok)
	_, ok = b.tryAllocate(1)
	require.False(t, ok)
}
