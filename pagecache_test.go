package cowtree

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPageCacheGetPutInvalidate(t *testing.T) {
	c := newPageCache(&iStat{})

	_, ok := c.get(1)
	require.False(t, ok)

	buf := []byte("hello page")
	c.put(1, buf)

	got, ok := c.get(1)
	require.True(t, ok)
	require.Equal(t, buf, got)

	c.invalidate(1)
	_, ok = c.get(1)
	require.False(t, ok)
}

func TestPageCacheDetectsMutationAsStale(t *testing.T) {
	c := newPageCache(&iStat{})
	buf := make([]byte, 16)
	c.put(2, buf)

	// Mutating the backing buffer after caching invalidates its xxh3 hash,
	// so a subsequent get must treat it as a miss rather than serve stale
	// bytes.
	buf[0] = 0xFF

	_, ok := c.get(2)
	require.False(t, ok)
}

func TestPageCacheInvalidateAllClearsEverything(t *testing.T) {
	c := newPageCache(&iStat{})
	c.put(1, []byte("a"))
	c.put(2, []byte("b"))
	c.invalidateAll()

	_, ok := c.get(1)
	require.False(t, ok)
	_, ok = c.get(2)
	require.False(t, ok)
}
