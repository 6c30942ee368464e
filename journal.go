package cowtree

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"sync"

	cmap "github.com/zbh255/gocode/container/map"
)

// journal marker bits: Start, Split (the transaction spilled into a second
// journal file), and Commit, OR'd together in one byte per transaction
// header.
const (
	markerStart  uint8 = 1
	markerSplit  uint8 = 2
	markerCommit uint8 = 4
)

var journalHeaderMagic = [8]byte{'c', 'o', 'w', 'j', 'r', 'n', 'l', '1'}

// txJournalHeader is the per-transaction header written as the first page
// of its segment in the journal.
type txJournalHeader struct {
	Magic             [8]byte
	TxID              uint64
	NextPageNumber    uint64
	LastPageNumber    uint64
	PageCount         uint32
	OverflowPageCount uint32
	CRC               uint32
	Marker            uint8
	Root              treeHeader
	PageNumberInLog   int64
}

const txJournalHeaderSize = 8 + 8 + 8 + 8 + 4 + 4 + 4 + 1 + treeHeaderSize + 8

func encodeTxJournalHeader(h txJournalHeader) []byte {
	b := make([]byte, txJournalHeaderSize)
	off := 0
	copy(b[off:], h.Magic[:])
	off += 8
	binary.BigEndian.PutUint64(b[off:], h.TxID)
	off += 8
	binary.BigEndian.PutUint64(b[off:], h.NextPageNumber)
	off += 8
	binary.BigEndian.PutUint64(b[off:], h.LastPageNumber)
	off += 8
	binary.BigEndian.PutUint32(b[off:], h.PageCount)
	off += 4
	binary.BigEndian.PutUint32(b[off:], h.OverflowPageCount)
	off += 4
	binary.BigEndian.PutUint32(b[off:], h.CRC)
	off += 4
	b[off] = h.Marker
	off++
	copy(b[off:], encodeTreeHeader(h.Root))
	off += treeHeaderSize
	binary.BigEndian.PutUint64(b[off:], uint64(h.PageNumberInLog))
	return b
}

func decodeTxJournalHeader(b []byte) (txJournalHeader, error) {
	if len(b) < txJournalHeaderSize {
		return txJournalHeader{}, fmt.Errorf("%w: journal header truncated", ErrCorruptJournal)
	}
	var h txJournalHeader
	off := 0
	copy(h.Magic[:], b[off:off+8])
	off += 8
	h.TxID = binary.BigEndian.Uint64(b[off:])
	off += 8
	h.NextPageNumber = binary.BigEndian.Uint64(b[off:])
	off += 8
	h.LastPageNumber = binary.BigEndian.Uint64(b[off:])
	off += 8
	h.PageCount = binary.BigEndian.Uint32(b[off:])
	off += 4
	h.OverflowPageCount = binary.BigEndian.Uint32(b[off:])
	off += 4
	h.CRC = binary.BigEndian.Uint32(b[off:])
	off += 4
	h.Marker = b[off]
	off++
	root, err := decodeTreeHeader(b[off:])
	if err != nil {
		return txJournalHeader{}, err
	}
	h.Root = root
	off += treeHeaderSize
	h.PageNumberInLog = int64(binary.BigEndian.Uint64(b[off:]))
	if h.Magic != journalHeaderMagic {
		return txJournalHeader{}, fmt.Errorf("%w: bad journal magic", ErrCorruptJournal)
	}
	return h, nil
}

// journalFile is one append-only segment, named "%019d.journal" by its
// monotonic number.
type journalFile struct {
	number      int64
	path        string
	file        *os.File
	pageSize    uint32
	capacity    int64 // pages
	writeCursor int64 // next free page slot
	translation *cmap.BTreeMap[uint64, int64]
	refCount    int32
	full        bool
	lastTxID    uint64
}

func journalFileName(dir string, number int64) string {
	return filepath.Join(dir, fmt.Sprintf("%019d.journal", number))
}

func openJournalFile(dir string, number int64, pageSize uint32, capacityPages int64, create bool) (*journalFile, error) {
	path := journalFileName(dir, number)
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, err
	}
	if create {
		if err := f.Truncate(int64(pageSize) * capacityPages); err != nil {
			return nil, err
		}
	}
	return &journalFile{
		number:      number,
		path:        path,
		file:        f,
		pageSize:    pageSize,
		capacity:    capacityPages,
		translation: cmap.NewBtreeMap[uint64, int64](32),
	}, nil
}

func (jf *journalFile) availablePages() int64 {
	return jf.capacity - jf.writeCursor
}

func (jf *journalFile) writePageAt(slot int64, buf []byte) error {
	off := slot * int64(jf.pageSize)
	_, err := jf.file.WriteAt(buf, off)
	return err
}

func (jf *journalFile) readPageAt(slot int64) ([]byte, error) {
	if jf.file == nil {
		return nil, ErrObjectDisposed
	}
	buf := make([]byte, jf.pageSize)
	_, err := jf.file.ReadAt(buf, slot*int64(jf.pageSize))
	return buf, err
}

func (jf *journalFile) close() error {
	if jf.file == nil {
		return nil
	}
	err := jf.file.Close()
	jf.file = nil
	return err
}

// journalManager is the ordered sequence of journal files plus its
// bookkeeping: a current file pointer, the header of the transaction being
// staged, and the last synced log position.
type journalManager struct {
	mu            sync.Mutex
	dir           string
	pageSize      uint32
	fileSizePages int64

	files   []*journalFile
	current *journalFile
	pending *txJournalHeaderWIP

	lastSyncedLog     int64
	lastSyncedLogPage int64
}

type txJournalHeaderWIP struct {
	hdr       txJournalHeader
	startSlot int64
	pages     []pageID
}

func newJournalManager(dir string, pageSize uint32, fileSizePages int64) *journalManager {
	return &journalManager{dir: dir, pageSize: pageSize, fileSizePages: fileSizePages}
}

// beginTx allocates (or resumes) the current journal file and stages a
// new transaction header at a slot reserved right where the previous
// transaction's data left off — each committed transaction keeps its own
// header in the file rather than sharing slot 0, so a crash recovery scan
// can walk the file as a sequence of (header, data...) records instead of
// only ever seeing the most recently committed transaction's header.
func (jm *journalManager) beginTx(txid, nextPageNumber uint64) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	if jm.current == nil || jm.current.full {
		number := int64(0)
		if n := len(jm.files); n > 0 {
			number = jm.files[n-1].number + 1
		}
		jf, err := openJournalFile(jm.dir, number, jm.pageSize, jm.fileSizePages, true)
		if err != nil {
			return err
		}
		jm.files = append(jm.files, jf)
		jm.current = jf
		jm.current.writeCursor = 0
	}
	startSlot := jm.current.writeCursor
	jm.current.writeCursor++
	jm.pending = &txJournalHeaderWIP{
		hdr: txJournalHeader{
			Magic:          journalHeaderMagic,
			TxID:           txid,
			NextPageNumber: nextPageNumber,
			Marker:         markerStart,
		},
		startSlot: startSlot,
	}
	return nil
}

// writePage appends one page into the current journal file, spilling into
// a second file if the first fills, and rejects a transaction that would
// need a third with ErrTransactionTooLarge.
func (jm *journalManager) writePage(id pageID, buf []byte) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	if jm.current.availablePages() < 1 {
		if len(jm.files) >= 2 && jm.pending.hdr.Marker&markerSplit != 0 {
			return ErrTransactionTooLarge
		}
		jm.pending.hdr.Marker |= markerSplit
		number := jm.current.number + 1
		jf, err := openJournalFile(jm.dir, number, jm.pageSize, jm.fileSizePages, true)
		if err != nil {
			return err
		}
		jm.files = append(jm.files, jf)
		jm.current.full = true
		jm.current = jf
		jm.current.writeCursor = 0
	}
	slot := jm.current.writeCursor
	if err := jm.current.writePageAt(slot, buf); err != nil {
		return err
	}
	jm.current.translation.StoreOk(uint64(id), slot)
	jm.current.writeCursor++
	jm.pending.pages = append(jm.pending.pages, id)
	return nil
}

// commitTx finalizes the staged header — CRC computed over exactly this
// transaction's page bytes as written into the journal file, not over the
// main data pager's mmap base — and syncs.
func (jm *journalManager) commitTx(lastPageNumber uint64, root treeHeader) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	h := jm.pending.hdr
	h.Marker |= markerCommit
	h.LastPageNumber = lastPageNumber
	h.PageCount = uint32(len(jm.pending.pages))
	h.Root = root

	headerFile := jm.files[len(jm.files)-1]
	if h.Marker&markerSplit != 0 {
		headerFile = jm.files[len(jm.files)-2]
	}

	crc := crc32.NewIEEE()
	for _, id := range jm.pending.pages {
		jf := jm.current
		slot, ok := jf.translation.LoadOk(uint64(id))
		if !ok {
			jf = headerFile
			slot, _ = jf.translation.LoadOk(uint64(id))
		}
		buf, err := jf.readPageAt(slot)
		if err != nil {
			return err
		}
		crc.Write(buf)
	}
	h.CRC = crc.Sum32()

	if err := headerFile.writePageAt(jm.pending.startSlot, encodeTxJournalHeader(h)); err != nil {
		return err
	}
	if err := jm.current.file.Sync(); err != nil {
		return err
	}
	if headerFile != jm.current {
		if err := headerFile.file.Sync(); err != nil {
			return err
		}
	}
	headerFile.lastTxID = h.TxID
	jm.current.lastTxID = h.TxID
	if jm.current.availablePages() < 2 {
		jm.current.full = true
	}
	jm.pending = nil
	return nil
}

// snapshot returns the ordered list of open journal files for a read
// transaction's lookup path; read transactions capture this list once at
// begin time, each file gaining a reader reference that pins it against
// applyUpTo's retirement until releaseSnapshot is called.
func (jm *journalManager) snapshot() []*journalFile {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	out := make([]*journalFile, len(jm.files))
	copy(out, jm.files)
	for _, f := range out {
		f.refCount++
	}
	return out
}

// releaseSnapshot drops the reader references a prior snapshot call
// added, letting applyUpTo retire those files once they are also behind
// the oldest active transaction. Releasing the same snapshot twice
// returns ErrObjectDisposed rather than driving a reference negative.
func (jm *journalManager) releaseSnapshot(files []*journalFile) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	for _, f := range files {
		if f.refCount <= 0 {
			return ErrObjectDisposed
		}
	}
	for _, f := range files {
		f.refCount--
	}
	return nil
}

// lookupJournalSnapshot scans newest-to-oldest, returning the first hit.
func lookupJournalSnapshot(files []*journalFile, id pageID) ([]byte, bool) {
	for i := len(files) - 1; i >= 0; i-- {
		if slot, ok := files[i].translation.LoadOk(uint64(id)); ok {
			buf, err := files[i].readPageAt(slot)
			if err != nil {
				continue
			}
			return buf, true
		}
	}
	return nil, false
}

// applyUpTo walks the journal files oldest-first and, through apply, copies
// into the main pager the pages of each file that is not the current one,
// whose last committed txid is strictly less than oldestActive, and that no
// read snapshot references; the walk stops at the first file that fails
// any of these, and the applied files are then retired. Transactions in
// the file it stops at, and in every newer file, are not applied even when
// their txid is below oldestActive.
func (jm *journalManager) applyUpTo(oldestActive uint64, apply func(id pageID, buf []byte) error) (retired int, bytesApplied int, err error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	// Files are ordered oldest-first; a file can only be retired once its
	// last committed transaction is behind every still-live reader and no
	// open read-transaction snapshot still holds a reference to it, and
	// once an older file can't be retired neither can anything newer that
	// might still be needed to resolve a page through it. Retirement is
	// whole-file, not per-transaction, since the translation table here is
	// flat across a file's lifetime.
	pagesToWrite := make(map[pageID][]byte)
	fullyApplied := make([]bool, len(jm.files))
	for fi, jf := range jm.files {
		if jf == jm.current || jf.lastTxID >= oldestActive || jf.refCount > 0 {
			break
		}
		jf.translation.Range(0, func(id uint64, s int64) bool {
			buf, rerr := jf.readPageAt(s)
			if rerr == nil {
				pagesToWrite[pageID(id)] = buf
			}
			return true
		})
		fullyApplied[fi] = true
	}

	ids := make([]pageID, 0, len(pagesToWrite))
	for id := range pagesToWrite {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if err = apply(id, pagesToWrite[id]); err != nil {
			return
		}
		bytesApplied += len(pagesToWrite[id])
	}

	kept := jm.files[:0]
	for fi, jf := range jm.files {
		if fullyApplied[fi] && jf != jm.current {
			jf.close()
			os.Remove(jf.path)
			retired++
			continue
		}
		kept = append(kept, jf)
	}
	jm.files = kept
	return
}

// recoveredJournalState is the logical state of the last fully committed
// transaction found while replaying existing journal segments on Open.
type recoveredJournalState struct {
	TxID           uint64
	LastPageNumber uint64
	Root           treeHeader
}

// recover rebuilds the journal manager from whatever segments already sit
// in dir from a previous process: it lists the "%019d.journal" files,
// reopens them in order, and walks each one as a sequence of
// (header, data pages...) records, verifying every header's CRC and
// commit marker along the way. The walk — and therefore recovery — stops
// at the first record that fails to decode or fails its CRC: that is the
// torn write left by whatever crashed last, and everything at or after it
// is discarded. Every page found in a transaction that passes is restored
// into the owning file's translation table so read transactions can find
// it exactly as if the process had never restarted; jm.current and its
// write cursor are left pointing at the first reusable slot after the
// last good transaction, so new commits continue safely.
func (jm *journalManager) recover() (*recoveredJournalState, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	entries, err := os.ReadDir(jm.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var numbers []int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		var n int64
		if _, serr := fmt.Sscanf(e.Name(), "%019d.journal", &n); serr != nil {
			continue
		}
		numbers = append(numbers, n)
	}
	if len(numbers) == 0 {
		return nil, nil
	}
	sort.Slice(numbers, func(i, j int) bool { return numbers[i] < numbers[j] })

	jm.files = jm.files[:0]
	for _, n := range numbers {
		jf, oerr := openJournalFile(jm.dir, n, jm.pageSize, jm.fileSizePages, false)
		if oerr != nil {
			return nil, oerr
		}
		jm.files = append(jm.files, jf)
	}

	type landing struct {
		fi, slot int
		id       pageID
	}

	var last *recoveredJournalState
	fi, slot := 0, int64(0)
scan:
	for fi < len(jm.files) {
		jf := jm.files[fi]
		if slot >= jf.capacity {
			fi++
			slot = 0
			continue
		}
		raw, rerr := jf.readPageAt(slot)
		if rerr != nil {
			break scan
		}
		h, derr := decodeTxJournalHeader(raw)
		if derr != nil {
			break scan
		}

		startFi := fi
		curFi, curSlot := fi, slot+1
		ordered := make([][]byte, 0, h.PageCount)
		landings := make([]landing, 0, h.PageCount)
		complete := true
		for i := uint32(0); i < h.PageCount; i++ {
			if curFi >= len(jm.files) {
				complete = false
				break
			}
			if curSlot >= jm.files[curFi].capacity {
				curFi++
				curSlot = 0
				if curFi >= len(jm.files) {
					complete = false
					break
				}
			}
			buf, rerr := jm.files[curFi].readPageAt(curSlot)
			if rerr != nil {
				complete = false
				break
			}
			ordered = append(ordered, buf)
			landings = append(landings, landing{fi: curFi, slot: int(curSlot), id: newPageView(buf).id()})
			curSlot++
		}
		if !complete {
			break scan
		}

		crc := crc32.NewIEEE()
		for _, buf := range ordered {
			crc.Write(buf)
		}
		if h.Marker&markerCommit == 0 || crc.Sum32() != h.CRC {
			break scan
		}

		for _, l := range landings {
			jm.files[l.fi].translation.StoreOk(uint64(l.id), int64(l.slot))
		}
		for idx := startFi; idx <= curFi; idx++ {
			jm.files[idx].lastTxID = h.TxID
		}
		last = &recoveredJournalState{TxID: h.TxID, LastPageNumber: h.LastPageNumber, Root: h.Root}

		fi, slot = curFi, curSlot
	}

	for idx := 0; idx < fi && idx < len(jm.files); idx++ {
		jm.files[idx].full = true
	}
	if fi < len(jm.files) {
		jm.current = jm.files[fi]
		jm.current.writeCursor = slot
		if jm.current.availablePages() < 2 {
			jm.current.full = true
		}
	} else if len(jm.files) > 0 {
		jm.files[len(jm.files)-1].full = true
		jm.current = nil
	}
	return last, nil
}
