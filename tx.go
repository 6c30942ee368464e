package cowtree

import (
	"fmt"
	"sort"
)

// txState is the transaction engine: it owns the dirty pages map, the
// freed-pages set, the per-tree views, and the next-page counter. Tx[K,V]
// is a thin, codec-typed view over one named tree within a txState;
// several Tx[K,V] values can share the same txState.
type txState struct {
	id       uint64
	env      *Environment
	readOnly bool
	ps       *pagerState

	dirtyPages map[pageID]*page
	dirtyOld   map[pageID]pageID
	freed      []pageID
	nextPage   pageID

	trees    map[string]*treeRef
	subtrees map[subKey]*treeRef

	rootRef *treeRef // the root tree: name -> encoded treeHeader

	fsBuf *bitmap

	committed  bool
	rolledBack bool

	// journalSnapshot is the ordered list of (journal file, translation
	// table) pairs captured at begin time for a read transaction, used to
	// resolve pages that only live in the journal so far.
	journalSnapshot []*journalFile
}

func (txs *txState) getPage(id pageID) (*page, error) {
	if newID, ok := txs.dirtyOld[id]; ok {
		id = newID
	}
	if p, ok := txs.dirtyPages[id]; ok {
		return p, nil
	}
	if txs.env.cfg.JournalEnabled {
		if buf, ok := lookupJournalSnapshot(txs.journalSnapshot, id); ok {
			return newPageView(buf), nil
		}
	}
	return txs.env.pager.get(txs.ps, id)
}

func (txs *txState) allocate(n uint32) (pageID, error) {
	if txs.readOnly {
		return 0, ErrTxReadOnly
	}
	if txs.fsBuf != nil {
		if start, ok := txs.fsBuf.tryAllocate(n); ok {
			return pageID(start), nil
		}
	}
	start := txs.nextPage
	if err := txs.env.pager.ensureContinuous(start, n); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrDatabaseFull, err)
	}
	txs.ps = txs.env.pager.pin()
	txs.nextPage += pageID(n)
	return start, nil
}

func (txs *txState) allocatePage(flags pageFlag) (*page, pageID, error) {
	id, err := txs.allocate(1)
	if err != nil {
		return nil, 0, err
	}
	buf := make([]byte, txs.env.pageSize)
	p := newPageView(buf)
	p.resetAsDataPage(id, flags)
	txs.dirtyPages[id] = p
	return p, id, nil
}

func (txs *txState) freePage(id pageID) {
	txs.freed = append(txs.freed, id)
}

// modifyPage implements the copy-on-write rule: if id is already dirty
// (directly or via a prior redirect), return it in place; otherwise
// allocate a new page, copy the old contents in, and record the redirect
// so later lookups by the old number transparently resolve to the copy.
func (txs *txState) modifyPage(id pageID) (*page, error) {
	if txs.readOnly {
		return nil, ErrTxReadOnly
	}
	if newID, ok := txs.dirtyOld[id]; ok {
		return txs.dirtyPages[newID], nil
	}
	if p, ok := txs.dirtyPages[id]; ok {
		return p, nil
	}
	old, err := txs.getPage(id)
	if err != nil {
		return nil, err
	}
	newID, err := txs.allocate(1)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, len(old.buf))
	copy(buf, old.buf)
	np := newPageView(buf)
	np.hdr.ID = newID
	txs.dirtyPages[newID] = np
	txs.dirtyOld[id] = newID
	txs.freePage(id)
	return np, nil
}

// Tx is a codec-typed view over one named tree within a transaction.
type Tx[K, V any] struct {
	txs      *txState
	tree     *namedTree[K, V]
	ref      *treeRef
}

type namedTree[K, V any] struct {
	name     string
	keyCodec Codec[K]
	valCodec Codec[V]
}

func (tx *Tx[K, V]) checkWritable() error {
	if tx.txs.readOnly {
		return ErrTxReadOnly
	}
	if tx.txs.committed || tx.txs.rolledBack {
		return ErrTxDone
	}
	return nil
}

func (tx *Tx[K, V]) Get(key K) (value V, found bool, err error) {
	if tx.txs.committed || tx.txs.rolledBack {
		err = ErrTxDone
		return
	}
	keyBytes, err := tx.tree.keyCodec.Marshal(&key)
	if err != nil {
		return
	}
	raw, found, err := btreeGet(tx.txs, tx.ref.header.Root, keyBytes)
	if err != nil || !found {
		return
	}
	err = tx.tree.valCodec.Unmarshal(raw, &value)
	return
}

func (tx *Tx[K, V]) Put(key K, value V) (UpsertResult, error) {
	if err := tx.checkWritable(); err != nil {
		return 0, err
	}
	keyBytes, err := tx.tree.keyCodec.Marshal(&key)
	if err != nil {
		return 0, err
	}
	valBytes, err := tx.tree.valCodec.Marshal(&value)
	if err != nil {
		return 0, err
	}
	return btreePut(tx.txs, tx.ref, keyBytes, valBytes)
}

func (tx *Tx[K, V]) Del(key K) (existed bool, err error) {
	if err = tx.checkWritable(); err != nil {
		return
	}
	keyBytes, err := tx.tree.keyCodec.Marshal(&key)
	if err != nil {
		return
	}
	return btreeDelete(tx.txs, tx.ref, keyBytes)
}

// MultiAdd implements multi_add(parent_key, value): the parent key's
// value-set gains value as a member.
func (tx *Tx[K, V]) MultiAdd(parentKey K, value V) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	keyBytes, err := tx.tree.keyCodec.Marshal(&parentKey)
	if err != nil {
		return err
	}
	valBytes, err := tx.tree.valCodec.Marshal(&value)
	if err != nil {
		return err
	}
	return multiAdd(tx.txs, tx.ref, keyBytes, valBytes)
}

// MultiIterator implements multi_iterator(parent_key).
func (tx *Tx[K, V]) MultiIterator(parentKey K) ([]V, error) {
	keyBytes, err := tx.tree.keyCodec.Marshal(&parentKey)
	if err != nil {
		return nil, err
	}
	raw, err := multiIterator(tx.txs, tx.ref, keyBytes)
	if err != nil {
		return nil, err
	}
	out := make([]V, len(raw))
	for i, r := range raw {
		if err := tx.tree.valCodec.Unmarshal(r, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Range implements the ordered `iterator(from_key)` contract, calling fn
// for each entry from fromKey onward until fn returns false.
func (tx *Tx[K, V]) Range(fromKey K, fn func(k K, v V) bool) error {
	keyBytes, err := tx.tree.keyCodec.Marshal(&fromKey)
	if err != nil {
		return err
	}
	c, err := newCursor(tx, tx.ref.header.Root, keyBytes)
	if err != nil {
		return err
	}
	for c.Next() {
		k, v, err := c.KeyValue()
		if err != nil {
			return err
		}
		if !fn(k, v) {
			break
		}
	}
	return nil
}

// Transaction is the environment-level handle returned by
// Environment.Begin: callers obtain typed per-tree views from it via
// OpenTree.
type Transaction struct {
	txs *txState
}

// OpenTree binds a codec-typed view to a named tree within txn. A named
// tree lives for as long as its entry in the root tree exists.
func OpenTree[K, V any](txn *Transaction, name string, keyCodec Codec[K], valCodec Codec[V]) (*Tx[K, V], error) {
	ref, ok := txn.txs.trees[name]
	if !ok {
		var err error
		ref, err = txn.txs.env.loadTreeRef(txn.txs, name)
		if err != nil {
			return nil, err
		}
		txn.txs.trees[name] = ref
	}
	return &Tx[K, V]{
		txs:  txn.txs,
		tree: &namedTree[K, V]{name: name, keyCodec: keyCodec, valCodec: valCodec},
		ref:  ref,
	}, nil
}

// Commit flushes multi-value sub-trees and dirty tree headers into the
// root tree, then dispatches to the double-buffered or journaled commit
// path depending on Config.JournalEnabled — the two are mutually
// exclusive durability strategies.
func (txn *Transaction) Commit() error {
	txs := txn.txs
	if txs.committed || txs.rolledBack {
		return ErrTxDone
	}
	if txs.readOnly {
		return txn.env().releaseReadTx(txs)
	}

	// Step 1: flush multi-value sub-trees into their parents.
	for _, ref := range txs.trees {
		if err := txs.flushSubtrees(ref); err != nil {
			return err
		}
	}

	// Step 2: write every dirty named tree's header into the root tree.
	for name, ref := range txs.trees {
		if name == "" || !ref.dirty {
			continue
		}
		keyBytes := []byte(name)
		valBytes := encodeTreeHeader(ref.header)
		if _, err := btreePut(txs, txs.rootRef, keyBytes, valBytes); err != nil {
			return err
		}
	}

	env := txs.env
	if env.cfg.JournalEnabled {
		if err := env.commitJournaled(txs); err != nil {
			return err
		}
	} else {
		if err := env.commitDoubleBuffered(txs); err != nil {
			return err
		}
	}
	txs.committed = true
	env.completeTx(txs)
	return nil
}

// Rollback drops every pinned page and dirty buffer without touching the
// file; the next writer reuses the same end-of-file counter.
func (txn *Transaction) Rollback() error {
	txs := txn.txs
	if txs.committed || txs.rolledBack {
		return ErrTxDone
	}
	if txs.readOnly {
		return txn.env().releaseReadTx(txs)
	}
	txs.rolledBack = true
	txs.dirtyPages = nil
	txs.dirtyOld = nil
	txs.freed = nil
	txn.env().completeTx(txs)
	return nil
}

func (txn *Transaction) env() *Environment { return txn.txs.env }

// sortedDirtyPageIDs returns the dirty page numbers in ascending order so
// callers flush them in a deterministic sequence.
func (txs *txState) sortedDirtyPageIDs() []pageID {
	ids := make([]pageID, 0, len(txs.dirtyPages))
	for id := range txs.dirtyPages {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
