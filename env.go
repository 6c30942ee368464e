package cowtree

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Config collects the ambient, implementation-chosen knobs: page size,
// optional page encryption, optional overflow-value compression, and the
// durability strategy. Exactly one durability strategy is active at a
// time — journaling, when enabled, replaces the double-buffered commit
// path rather than running alongside it.
type Config struct {
	PageSize         uint32
	Cipher           Cipher
	CompressOverflow bool
	JournalEnabled   bool
	JournalDir       string
	JournalFileSize  int64 // pages per journal file
	Logger           *slog.Logger
}

func (c *Config) setDefaults() {
	if c.PageSize == 0 {
		c.PageSize = 4096
	}
	if c.JournalFileSize == 0 {
		c.JournalFileSize = 1024
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

const rootTreeName = ""

// Environment is the top-level façade: it tracks active transactions, the
// single writer lock, the transaction counter, the root tree, and
// opens/recovers the file header.
type Environment struct {
	cfg      Config
	path     string
	pageSize uint32
	pager    *pager
	stat     iStat

	writerSem chan struct{}

	mu         sync.Mutex
	header     fileHeader
	nextTxID   uint64
	freeFront  *bitmap
	freeBack   *bitmap
	frontIsLive bool

	// activeTx is the active-transactions table, keyed by transaction id.
	// The zbh255/gocode BTreeMap used elsewhere for the page cache and the
	// journal's translation tables only ever needs Store/Load/Range, but a
	// live completeTx needs to remove entries to track the oldest active
	// transaction, so this one table is a plain mutex-guarded map instead
	// (guarded by mu below).
	activeTx map[uint64]struct{}
	journal  *journalManager
	logger   *slog.Logger
}

// Open opens an existing data file or formats a fresh one.
func Open(path string, cfg Config) (*Environment, error) {
	cfg.setDefaults()
	env := &Environment{
		cfg:       cfg,
		path:      path,
		pageSize:  cfg.PageSize,
		writerSem: make(chan struct{}, 1),
		activeTx:  make(map[uint64]struct{}, 16),
		logger:    cfg.Logger,
	}
	env.pager = newPager(path, cfg.PageSize, cfg.Cipher, &env.stat)
	fresh, err := env.pager.open()
	if err != nil {
		return nil, err
	}
	if cfg.JournalEnabled {
		dir := cfg.JournalDir
		if dir == "" {
			dir = filepath.Dir(path)
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
		env.journal = newJournalManager(dir, cfg.PageSize, cfg.JournalFileSize)
	}
	if fresh {
		if err := env.formatFresh(); err != nil {
			return nil, err
		}
	} else {
		if err := env.recover(); err != nil {
			return nil, err
		}
	}
	return env, nil
}

func (env *Environment) formatFresh() error {
	trackedPages := uint32(defaultPageCount * 4)
	bufBytes := int(env.pageSize)
	bufFront := make([]byte, bufBytes)
	bufBack := make([]byte, bufBytes)
	front, err := newBitmap(bufFront, 0, bufBytes, trackedPages, env.pageSize)
	if err != nil {
		return err
	}
	back, err := newBitmap(bufBack, 0, bufBytes, trackedPages, env.pageSize)
	if err != nil {
		return err
	}
	env.freeFront = front
	env.freeBack = back
	env.frontIsLive = true

	env.header = fileHeader{
		Magic:   fileMagic,
		Version: fileVersion,
		FreeSpace: freeSpaceHeader{
			FrontStart:   firstDataPg,
			BackStart:    firstDataPg + 1,
			BufferPages:  2,
			TrackedPages: trackedPages,
		},
		LastPageNumber: uint64(firstDataPg) + 1,
	}

	ps := env.pager.pin()
	if err := env.pager.writeRaw(ps, 0, encodeFileHeader(env.header)); err != nil {
		return err
	}
	h2 := env.header
	h2.TransactionID = 0
	if err := env.pager.writeRaw(ps, uint64(env.pageSize), encodeFileHeader(h2)); err != nil {
		return err
	}
	return env.pager.sync()
}

func (env *Environment) recover() error {
	ps := env.pager.pin()
	a, err := env.pager.readRaw(ps, 0, int(env.pageSize))
	if err != nil {
		return err
	}
	b, err := env.pager.readRaw(ps, uint64(env.pageSize), int(env.pageSize))
	if err != nil {
		return err
	}
	h, _, err := chooseCurrentHeader(a, b)
	if err != nil {
		return err
	}
	env.header = h
	env.nextTxID = h.TransactionID

	bufBytes := int(env.pageSize) * int(h.FreeSpace.BufferPages) / 2
	front := make([]byte, bufBytes)
	back := make([]byte, bufBytes)
	env.freeFront, err = newBitmap(front, 0, bufBytes, h.FreeSpace.TrackedPages, env.pageSize)
	if err != nil {
		return err
	}
	env.freeBack, err = newBitmap(back, 0, bufBytes, h.FreeSpace.TrackedPages, env.pageSize)
	if err != nil {
		return err
	}
	env.frontIsLive = true

	if env.cfg.JournalEnabled && env.journal != nil {
		env.logger.Info("journal recovery starting", "recent_log", h.Journal.RecentLog)
		recovered, err := env.journal.recover()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCorruptJournal, err)
		}
		if recovered != nil && recovered.TxID >= env.header.TransactionID {
			env.header.TransactionID = recovered.TxID
			env.header.LastPageNumber = recovered.LastPageNumber
			env.header.DataRoot = recovered.Root
			env.nextTxID = recovered.TxID
			env.logger.Info("journal recovery replayed transactions",
				"txid", recovered.TxID, "last_page", recovered.LastPageNumber)
		} else {
			env.logger.Info("journal recovery found nothing newer than the data file header")
		}
	}
	return nil
}

func (env *Environment) Close() error {
	return env.pager.close()
}

// Begin opens a new transaction. A write transaction blocks on the writer
// semaphore: a binary semaphore gates read-write transactions to one at a
// time, while reads never block.
func (env *Environment) Begin(write bool) (*Transaction, error) {
	if write {
		env.writerSem <- struct{}{}
	}
	env.mu.Lock()
	env.nextTxID++
	id := env.nextTxID
	nextPage := pageID(env.header.LastPageNumber + 1)
	rootHeader := env.header.DataRoot
	fsBuf := env.freeBack
	if !env.frontIsLive {
		fsBuf = env.freeFront
	}
	env.mu.Unlock()

	env.mu.Lock()
	env.activeTx[id] = struct{}{}
	env.mu.Unlock()

	txs := &txState{
		id:         id,
		env:        env,
		readOnly:   !write,
		ps:         env.pager.pin(),
		dirtyPages: make(map[pageID]*page),
		dirtyOld:   make(map[pageID]pageID),
		trees:      make(map[string]*treeRef),
		subtrees:   make(map[subKey]*treeRef),
		nextPage:   nextPage,
	}
	if write {
		txs.fsBuf = fsBuf
	}
	txs.rootRef = &treeRef{name: rootTreeName, header: rootHeader}
	txs.trees[rootTreeName] = txs.rootRef

	if env.cfg.JournalEnabled {
		if write {
			if err := env.journal.beginTx(id, uint64(nextPage)); err != nil {
				env.completeTx(txs)
				return nil, err
			}
		} else {
			txs.journalSnapshot = env.journal.snapshot()
		}
	}

	return &Transaction{txs: txs}, nil
}

func (env *Environment) releaseReadTx(txs *txState) error {
	txs.rolledBack = true
	var err error
	if env.cfg.JournalEnabled && txs.journalSnapshot != nil {
		err = env.journal.releaseSnapshot(txs.journalSnapshot)
		txs.journalSnapshot = nil
	}
	env.completeTx(txs)
	return err
}

// completeTx removes txs from the active-transactions table and, for a
// write transaction, releases the writer semaphore acquired in Begin —
// only once the transaction has fully committed or rolled back.
func (env *Environment) completeTx(txs *txState) {
	env.mu.Lock()
	delete(env.activeTx, txs.id)
	env.mu.Unlock()
	if !txs.readOnly {
		<-env.writerSem
	}
}

func (env *Environment) oldestActiveTx() uint64 {
	env.mu.Lock()
	defer env.mu.Unlock()
	oldest := uint64(math.MaxUint64)
	for id := range env.activeTx {
		if id < oldest {
			oldest = id
		}
	}
	return oldest
}

// loadTreeRef resolves a named tree's header, either from the root tree
// (already-created trees) or by creating a fresh empty one.
func (env *Environment) loadTreeRef(txs *txState, name string) (*treeRef, error) {
	if name == rootTreeName {
		return txs.rootRef, nil
	}
	raw, found, err := btreeGet(txs, txs.rootRef.header.Root, []byte(name))
	if err != nil {
		return nil, err
	}
	if !found {
		return &treeRef{name: name}, nil
	}
	h, err := decodeTreeHeader(raw)
	if err != nil {
		return nil, err
	}
	return &treeRef{name: name, header: h}, nil
}

// CreateTree implements `create_tree(txn, name)`.
func (env *Environment) CreateTree(txn *Transaction, name string) error {
	if name == rootTreeName {
		return fmt.Errorf("cowtree: %q is the reserved root tree name", name)
	}
	if _, found, err := btreeGet(txn.txs, txn.txs.rootRef.header.Root, []byte(name)); err != nil {
		return err
	} else if found {
		return ErrTreeExists
	}
	ref := &treeRef{name: name, dirty: true}
	txn.txs.trees[name] = ref
	_, err := btreePut(txn.txs, txn.txs.rootRef, []byte(name), encodeTreeHeader(ref.header))
	return err
}

// DeleteTree implements `delete_tree(txn, name)`.
func (env *Environment) DeleteTree(txn *Transaction, name string) error {
	existed, err := btreeDelete(txn.txs, txn.txs.rootRef, []byte(name))
	if err != nil {
		return err
	}
	if !existed {
		return ErrTreeNotFound
	}
	delete(txn.txs.trees, name)
	return nil
}

// commitDoubleBuffered registers freed pages, flushes dirty pages, copies
// the modified chunks of the live free-space bitmap into its in-memory
// twin, and writes the alternating file-header copy.
func (env *Environment) commitDoubleBuffered(txs *txState) error {
	start := time.Now()
	for _, id := range txs.freed {
		_ = txs.fsBuf.markPage(uint32(id), true)
	}
	for _, id := range txs.sortedDirtyPageIDs() {
		if err := env.pager.write(txs.ps, id, txs.dirtyPages[id].buf); err != nil {
			return err
		}
	}

	env.mu.Lock()
	defer env.mu.Unlock()

	liveFront, liveBack := env.freeFront, env.freeBack
	if env.frontIsLive {
		if _, err := liveFront.copyDirtyPagesTo(liveBack); err != nil {
			return err
		}
		liveFront.clearModified()
		env.frontIsLive = false
	} else {
		if _, err := liveBack.copyDirtyPagesTo(liveFront); err != nil {
			return err
		}
		liveBack.clearModified()
		env.frontIsLive = true
	}

	env.header.TransactionID = txs.id
	env.header.LastPageNumber = uint64(txs.nextPage) - 1
	env.header.DataRoot = txs.rootRef.header

	target := headerPageA
	if txs.id&1 == 1 {
		target = headerPageB
	}
	if err := env.pager.writeRaw(txs.ps, uint64(target)*uint64(env.pageSize), encodeFileHeader(env.header)); err != nil {
		return err
	}
	if err := env.pager.sync(); err != nil {
		return err
	}
	env.stat.txCommitCount.Add(1)
	env.stat.txCommitSumTs.Add(uint64(time.Since(start)))
	return nil
}

// commitJournaled writes dirty pages to the current journal segment,
// finalizes its transaction header with a CRC, and syncs — the main data
// file's own pages are only touched later by the background applier
// (Environment.ApplyJournal). The double-buffered header pages (0/1) are
// still updated and synced on every journaled commit, exactly as in
// commitDoubleBuffered: that checkpoints the commit's metadata (the
// transaction id and tree root) durably, independent of when its data
// pages get migrated out of the journal. Crash recovery still scans every
// journal segment and keeps whichever of the header and the journal
// replay is further ahead.
func (env *Environment) commitJournaled(txs *txState) error {
	start := time.Now()
	for _, id := range txs.sortedDirtyPageIDs() {
		if err := env.journal.writePage(id, txs.dirtyPages[id].buf); err != nil {
			return err
		}
	}
	if err := env.journal.commitTx(uint64(txs.nextPage)-1, txs.rootRef.header); err != nil {
		return err
	}

	env.mu.Lock()
	env.header.TransactionID = txs.id
	env.header.LastPageNumber = uint64(txs.nextPage) - 1
	env.header.DataRoot = txs.rootRef.header
	env.header.Journal.RecentLog = int64(len(env.journal.files)) - 1
	env.header.Journal.LogCount = int64(len(env.journal.files))
	header := env.header
	env.mu.Unlock()

	target := headerPageA
	if txs.id&1 == 1 {
		target = headerPageB
	}
	if err := env.pager.writeRaw(txs.ps, uint64(target)*uint64(env.pageSize), encodeFileHeader(header)); err != nil {
		return err
	}
	if err := env.pager.sync(); err != nil {
		return err
	}
	env.stat.txCommitCount.Add(1)
	env.stat.txCommitSumTs.Add(uint64(time.Since(start)))
	return nil
}

// ApplyJournal runs the background journal-application step, bounded by
// the oldest active reader so pages behind it stay available through the
// journal.
func (env *Environment) ApplyJournal() error {
	if env.journal == nil {
		return nil
	}
	oldest := env.oldestActiveTx()
	retired, applied, err := env.journal.applyUpTo(oldest, func(id pageID, buf []byte) error {
		ps := env.pager.pin()
		if err := env.pager.ensureContinuous(id, 1); err != nil {
			return err
		}
		ps = env.pager.pin()
		return env.pager.write(ps, id, buf)
	})
	if err != nil {
		return err
	}
	if err := env.pager.sync(); err != nil {
		return err
	}
	env.stat.journalSegmentsRetired.Add(uint64(retired))
	env.stat.journalBytesApplied.Add(uint64(applied))
	env.stat.journalOldestPinnedTx.Store(oldest)
	return nil
}

// Snapshot is a long-lived, read-only view of the environment pinned to
// the instant it was created, for a caller that wants to read across
// several trees at one consistent point in time without juggling a
// Transaction's commit/rollback lifecycle directly.
type Snapshot struct {
	txn *Transaction
}

// CreateSnapshot implements create_snapshot(): opens a read transaction
// and hands it back wrapped as a Snapshot. Call Close when done with it
// so any journal file references it took out get released.
func (env *Environment) CreateSnapshot() (*Snapshot, error) {
	txn, err := env.Begin(false)
	if err != nil {
		return nil, err
	}
	return &Snapshot{txn: txn}, nil
}

// Close releases the snapshot's underlying read transaction.
func (s *Snapshot) Close() error {
	return s.txn.Rollback()
}

// SnapshotTree binds a codec-typed read view to a named tree within a
// snapshot. Go methods can't be generic, so this is a free function
// rather than a method on *Snapshot.
func SnapshotTree[K, V any](s *Snapshot, name string, keyCodec Codec[K], valCodec Codec[V]) (*Tx[K, V], error) {
	return OpenTree[K, V](s.txn, name, keyCodec, valCodec)
}

// Backup implements backup(output_stream): it fences out concurrent
// header mutation with a write transaction, pins the current on-disk
// state with a read transaction, and streams pages 0 and 1 verbatim
// followed by pages [2, next_page_number) into w, zstd-compressed since
// the wire format here is a flat page dump rather than anything the
// B+ tree's own codecs apply to. Neither transaction is committed: the
// write transaction exists only to hold the writer semaphore for the
// duration of the copy, and is rolled back once the copy finishes.
func (env *Environment) Backup(w io.Writer) error {
	writeTxn, err := env.Begin(true)
	if err != nil {
		return err
	}
	defer writeTxn.Rollback()

	readTxn, err := env.Begin(false)
	if err != nil {
		return err
	}
	defer readTxn.Rollback()

	enc, err := zstd.NewWriter(w)
	if err != nil {
		return err
	}
	defer enc.Close()

	ps := readTxn.txs.ps
	for _, id := range []pageID{headerPageA, headerPageB} {
		buf, err := env.pager.readRaw(ps, uint64(id)*uint64(env.pageSize), int(env.pageSize))
		if err != nil {
			return err
		}
		if _, err := enc.Write(buf); err != nil {
			return err
		}
	}
	for id := firstDataPg; id < readTxn.txs.nextPage; id++ {
		buf, err := env.pager.readRaw(ps, uint64(id)*uint64(env.pageSize), int(env.pageSize))
		if err != nil {
			return err
		}
		if _, err := enc.Write(buf); err != nil {
			return err
		}
	}
	return enc.Close()
}

// Stats implements `stats()`.
func (env *Environment) Stats() ExportStat {
	return env.stat.export()
}
