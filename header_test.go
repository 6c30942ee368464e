package cowtree

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleFileHeader(txid uint64) fileHeader {
	return fileHeader{
		Magic:          fileMagic,
		Version:        fileVersion,
		Journal:        journalInfo{RecentLog: 1, LogCount: 2, DataFlushCounter: 3, LastSyncedLog: 4, LastSyncedLogPage: 5},
		TransactionID:  txid,
		LastPageNumber: 10,
		FreeSpace:      freeSpaceHeader{FrontStart: 2, BackStart: 6, BufferPages: 4, TrackedPages: 128, ActiveIsBack: 0},
		DataRoot:       treeHeader{Root: 2, Depth: 1, PageCount: 3, EntryCount: 7},
		FreeSpaceRoot:  treeHeader{Root: 3, Depth: 0, PageCount: 1, EntryCount: 0},
	}
}

func TestFileHeaderEncodeDecodeRoundTrip(t *testing.T) {
	h := sampleFileHeader(9)
	buf := encodeFileHeader(h)
	got, err := decodeFileHeader(buf)
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestFileHeaderDecodeRejectsBadMagic(t *testing.T) {
	h := sampleFileHeader(1)
	buf := encodeFileHeader(h)
	buf[0] ^= 0xFF
	_, err := decodeFileHeader(buf)
	require.ErrorIs(t, err, ErrInvalidFormat)
}

func TestFileHeaderDecodeRejectsTruncated(t *testing.T) {
	h := sampleFileHeader(1)
	buf := encodeFileHeader(h)
	_, err := decodeFileHeader(buf[:len(buf)-1])
	require.ErrorIs(t, err, ErrInvalidFormat)
}

func TestChooseCurrentHeaderPicksHigherTransactionID(t *testing.T) {
	older := encodeFileHeader(sampleFileHeader(5))
	newer := encodeFileHeader(sampleFileHeader(6))

	h, which, err := chooseCurrentHeader(older, newer)
	require.NoError(t, err)
	require.Equal(t, uint64(6), h.TransactionID)
	require.Equal(t, headerPageB, which)

	h, which, err = chooseCurrentHeader(newer, older)
	require.NoError(t, err)
	require.Equal(t, uint64(6), h.TransactionID)
	require.Equal(t, headerPageA, which)
}

func TestChooseCurrentHeaderFallsBackWhenOneCorrupt(t *testing.T) {
	good := encodeFileHeader(sampleFileHeader(3))
	bad := make([]byte, len(good))

	h, which, err := chooseCurrentHeader(bad, good)
	require.NoError(t, err)
	require.Equal(t, uint64(3), h.TransactionID)
	require.Equal(t, headerPageB, which)
}

func TestChooseCurrentHeaderErrorsWhenBothCorrupt(t *testing.T) {
	bad := make([]byte, fileHeaderFixedSize)
	_, _, err := chooseCurrentHeader(bad, bad)
	require.ErrorIs(t, err, ErrInvalidFormat)
}

func TestTreeHeaderEncodeDecodeRoundTrip(t *testing.T) {
	h := treeHeader{Root: 42, Depth: 3, PageCount: 100, EntryCount: 5000}
	got, err := decodeTreeHeader(encodeTreeHeader(h))
	require.NoError(t, err)
	require.Equal(t, h, got)
}
