package cowtree

import (
	"encoding/binary"
	"fmt"
)

// fileMagic identifies a cowtree data file.
var fileMagic = [8]byte{'c', 'o', 'w', 't', 'r', 'e', 'e', '1'}

const fileVersion uint32 = 1

// journalInfo is the journal-bookkeeping block of the FileHeader: five
// int64 fields, 40 bytes.
type journalInfo struct {
	RecentLog         int64
	LogCount          int64
	DataFlushCounter  int64
	LastSyncedLog     int64
	LastSyncedLogPage int64
}

const journalInfoSize = 40

// treeHeader is the per-tree state stored both as the FileHeader's "root
// tree header" and as an entry's value inside the root tree: root page
// number, depth, page count, and entry count.
type treeHeader struct {
	Root       pageID
	Depth      uint32
	PageCount  uint64
	EntryCount uint64
}

const treeHeaderSize = 4 + 4 + 8 + 8

func encodeTreeHeader(h treeHeader) []byte {
	b := make([]byte, treeHeaderSize)
	binary.BigEndian.PutUint32(b[0:4], uint32(h.Root))
	binary.BigEndian.PutUint32(b[4:8], h.Depth)
	binary.BigEndian.PutUint64(b[8:16], h.PageCount)
	binary.BigEndian.PutUint64(b[16:24], h.EntryCount)
	return b
}

func decodeTreeHeader(b []byte) (treeHeader, error) {
	if len(b) < treeHeaderSize {
		return treeHeader{}, fmt.Errorf("cowtree: truncated tree header")
	}
	return treeHeader{
		Root:       pageID(binary.BigEndian.Uint32(b[0:4])),
		Depth:      binary.BigEndian.Uint32(b[4:8]),
		PageCount:  binary.BigEndian.Uint64(b[8:16]),
		EntryCount: binary.BigEndian.Uint64(b[16:24]),
	}, nil
}

// freeSpaceHeader describes where the two free-space bitmap buffers live
// and how many pages they track (40 bytes on disk).
type freeSpaceHeader struct {
	FrontStart   pageID
	BackStart    pageID
	BufferPages  uint32
	TrackedPages uint32
	ActiveIsBack uint8
}

// freeSpaceHeaderSize is the on-disk size; the fields use the first 17
// bytes and the rest is zero padding.
const freeSpaceHeaderSize = 40

func encodeFreeSpaceHeader(h freeSpaceHeader) []byte {
	b := make([]byte, freeSpaceHeaderSize)
	binary.BigEndian.PutUint32(b[0:4], uint32(h.FrontStart))
	binary.BigEndian.PutUint32(b[4:8], uint32(h.BackStart))
	binary.BigEndian.PutUint32(b[8:12], h.BufferPages)
	binary.BigEndian.PutUint32(b[12:16], h.TrackedPages)
	b[16] = h.ActiveIsBack
	return b
}

func decodeFreeSpaceHeader(b []byte) (freeSpaceHeader, error) {
	if len(b) < freeSpaceHeaderSize {
		return freeSpaceHeader{}, fmt.Errorf("cowtree: truncated free-space header")
	}
	return freeSpaceHeader{
		FrontStart:   pageID(binary.BigEndian.Uint32(b[0:4])),
		BackStart:    pageID(binary.BigEndian.Uint32(b[4:8])),
		BufferPages:  binary.BigEndian.Uint32(b[8:12]),
		TrackedPages: binary.BigEndian.Uint32(b[12:16]),
		ActiveIsBack: b[16],
	}, nil
}

// fileHeader is the double-buffered commit record: pages 0 and 1 each
// carry one copy, and the copy with the larger TransactionID (whose
// magic/version validate) is current after a crash.
type fileHeader struct {
	Magic           [8]byte
	Version         uint32
	Journal         journalInfo
	TransactionID   uint64
	LastPageNumber  uint64
	FreeSpace       freeSpaceHeader
	DataRoot        treeHeader
	FreeSpaceRoot   treeHeader
}

const fileHeaderFixedSize = 8 + 4 + journalInfoSize + 8 + 8 + freeSpaceHeaderSize + treeHeaderSize + treeHeaderSize

func encodeFileHeader(h fileHeader) []byte {
	b := make([]byte, fileHeaderFixedSize)
	off := 0
	copy(b[off:], h.Magic[:])
	off += 8
	binary.BigEndian.PutUint32(b[off:], h.Version)
	off += 4
	binary.BigEndian.PutUint64(b[off:], uint64(h.Journal.RecentLog))
	binary.BigEndian.PutUint64(b[off+8:], uint64(h.Journal.LogCount))
	binary.BigEndian.PutUint64(b[off+16:], uint64(h.Journal.DataFlushCounter))
	binary.BigEndian.PutUint64(b[off+24:], uint64(h.Journal.LastSyncedLog))
	binary.BigEndian.PutUint64(b[off+32:], uint64(h.Journal.LastSyncedLogPage))
	off += journalInfoSize
	binary.BigEndian.PutUint64(b[off:], h.TransactionID)
	off += 8
	binary.BigEndian.PutUint64(b[off:], h.LastPageNumber)
	off += 8
	copy(b[off:], encodeFreeSpaceHeader(h.FreeSpace))
	off += freeSpaceHeaderSize
	copy(b[off:], encodeTreeHeader(h.DataRoot))
	off += treeHeaderSize
	copy(b[off:], encodeTreeHeader(h.FreeSpaceRoot))
	return b
}

func decodeFileHeader(b []byte) (fileHeader, error) {
	if len(b) < fileHeaderFixedSize {
		return fileHeader{}, fmt.Errorf("%w: header truncated", ErrInvalidFormat)
	}
	var h fileHeader
	off := 0
	copy(h.Magic[:], b[off:off+8])
	off += 8
	h.Version = binary.BigEndian.Uint32(b[off:])
	off += 4
	h.Journal = journalInfo{
		RecentLog:         int64(binary.BigEndian.Uint64(b[off:])),
		LogCount:          int64(binary.BigEndian.Uint64(b[off+8:])),
		DataFlushCounter:  int64(binary.BigEndian.Uint64(b[off+16:])),
		LastSyncedLog:     int64(binary.BigEndian.Uint64(b[off+24:])),
		LastSyncedLogPage: int64(binary.BigEndian.Uint64(b[off+32:])),
	}
	off += journalInfoSize
	h.TransactionID = binary.BigEndian.Uint64(b[off:])
	off += 8
	h.LastPageNumber = binary.BigEndian.Uint64(b[off:])
	off += 8
	var err error
	h.FreeSpace, err = decodeFreeSpaceHeader(b[off:])
	if err != nil {
		return fileHeader{}, err
	}
	off += freeSpaceHeaderSize
	h.DataRoot, err = decodeTreeHeader(b[off:])
	if err != nil {
		return fileHeader{}, err
	}
	off += treeHeaderSize
	h.FreeSpaceRoot, err = decodeTreeHeader(b[off:])
	if err != nil {
		return fileHeader{}, err
	}
	if h.Magic != fileMagic {
		return fileHeader{}, fmt.Errorf("%w: bad magic", ErrInvalidFormat)
	}
	if h.Version != fileVersion {
		return fileHeader{}, fmt.Errorf("%w: unsupported version %d", ErrInvalidFormat, h.Version)
	}
	return h, nil
}

// chooseCurrentHeader picks the current header: the one with the greatest
// TransactionID among those that validate.
func chooseCurrentHeader(a, b []byte) (fileHeader, pageID, error) {
	ha, errA := decodeFileHeader(a)
	hb, errB := decodeFileHeader(b)
	switch {
	case errA != nil && errB != nil:
		return fileHeader{}, 0, fmt.Errorf("%w: neither header page validates", ErrInvalidFormat)
	case errA != nil:
		return hb, headerPageB, nil
	case errB != nil:
		return ha, headerPageA, nil
	case hb.TransactionID > ha.TransactionID:
		return hb, headerPageB, nil
	default:
		return ha, headerPageA, nil
	}
}
