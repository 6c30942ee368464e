package cowtree

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func closeJournalManager(jm *journalManager) {
	for _, jf := range jm.files {
		_ = jf.close()
	}
}

func TestJournalBeginWriteCommitRoundTrip(t *testing.T) {
	dir := t.TempDir()
	jm := newJournalManager(dir, 4096, 8)
	defer closeJournalManager(jm)

	require.NoError(t, jm.beginTx(1, 2))
	page := make([]byte, 4096)
	page[0] = 0xAB
	require.NoError(t, jm.writePage(2, page))
	require.NoError(t, jm.commitTx(2, treeHeader{}))

	require.Len(t, jm.files, 1)
	jf := jm.files[0]
	require.Equal(t, uint64(1), jf.lastTxID)

	hdrBuf, err := jf.readPageAt(0)
	require.NoError(t, err)
	hdr, err := decodeTxJournalHeader(hdrBuf)
	require.NoError(t, err)
	require.Equal(t, uint64(1), hdr.TxID)
	require.Equal(t, uint8(markerStart|markerCommit), hdr.Marker)
	require.Equal(t, uint32(1), hdr.PageCount)

	snap := jm.snapshot()
	buf, ok := lookupJournalSnapshot(snap, 2)
	require.True(t, ok)
	require.Equal(t, byte(0xAB), buf[0])
}

func TestJournalSplitsAcrossTwoFilesThenRejectsThird(t *testing.T) {
	dir := t.TempDir()
	// One header slot plus one data slot per file: forces an immediate split.
	jm := newJournalManager(dir, 4096, 2)
	defer closeJournalManager(jm)

	require.NoError(t, jm.beginTx(1, 2))
	page := make([]byte, 4096)
	require.NoError(t, jm.writePage(2, page)) // fills file 0's single data slot
	require.NoError(t, jm.writePage(3, page)) // spills into a second file
	require.Len(t, jm.files, 2)
	require.NoError(t, jm.writePage(4, page)) // fills file 1's remaining slot

	err := jm.writePage(5, page)
	require.ErrorIs(t, err, ErrTransactionTooLarge)
}

func TestJournalApplyUpToRetiresFullyAppliedFiles(t *testing.T) {
	dir := t.TempDir()
	jm := newJournalManager(dir, 4096, 8)
	defer closeJournalManager(jm)

	require.NoError(t, jm.beginTx(1, 2))
	page := make([]byte, 4096)
	page[0] = 1
	require.NoError(t, jm.writePage(2, page))
	require.NoError(t, jm.commitTx(2, treeHeader{}))
	jm.current.full = true // force the next transaction into a fresh file

	require.NoError(t, jm.beginTx(2, 3))
	page2 := make([]byte, 4096)
	page2[0] = 2
	require.NoError(t, jm.writePage(3, page2))
	require.NoError(t, jm.commitTx(3, treeHeader{}))

	applied := make(map[pageID][]byte)
	retired, bytesApplied, err := jm.applyUpTo(2, func(id pageID, buf []byte) error {
		cp := make([]byte, len(buf))
		copy(cp, buf)
		applied[id] = cp
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, retired)
	require.Greater(t, bytesApplied, 0)
	require.Contains(t, applied, pageID(2))
	require.NotContains(t, applied, pageID(3))
}

func TestJournalFileNaming(t *testing.T) {
	name := journalFileName("/tmp/db-journal", 7)
	require.Equal(t, filepath.Join("/tmp/db-journal", "0000000000000000007.journal"), name)
}

func TestTxJournalHeaderEncodeDecodeRoundTrip(t *testing.T) {
	h := txJournalHeader{
		Magic:           journalHeaderMagic,
		TxID:            42,
		NextPageNumber:  5,
		LastPageNumber:  9,
		PageCount:       3,
		CRC:             12345,
		Marker:          markerStart | markerCommit,
		Root:            treeHeader{Root: 2, Depth: 1, PageCount: 1, EntryCount: 1},
		PageNumberInLog: 1,
	}
	buf := encodeTxJournalHeader(h)
	got, err := decodeTxJournalHeader(buf)
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestTxJournalHeaderDecodeRejectsBadMagic(t *testing.T) {
	h := txJournalHeader{Magic: [8]byte{'x'}, TxID: 1}
	buf := encodeTxJournalHeader(h)
	_, err := decodeTxJournalHeader(buf)
	require.ErrorIs(t, err, ErrCorruptJournal)
}
