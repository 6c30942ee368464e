package cowtree

import (
	"github.com/stretchr/testify/require"
	"testing"
)

func TestBytesIsZero(t *testing.T) {
	b := make([]byte, 32)
	require.True(t, bytesIsZero(b))
	b[16] = 1
	require.False(t, bytesIsZero(b))
}
