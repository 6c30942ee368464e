package cowtree

import "fmt"

// treeRef is a transaction's per-tree view: the tree header as seen at the
// start of this transaction, mutated in place as CoW propagates new roots
// upward.
type treeRef struct {
	name   string
	header treeHeader
	dirty  bool
}

// subKey identifies one multi-value sub-tree in the side table mapping
// (parent tree, key) to its sub-tree.
type subKey struct {
	parent string
	key    string
}

// btreeGet implements the B+ tree's point lookup.
func btreeGet(txs *txState, root pageID, key []byte) ([]byte, bool, error) {
	if root == 0 {
		return nil, false, nil
	}
	cp, err := descend(txs, root, key)
	if err != nil {
		return nil, false, err
	}
	if !cp.found {
		return nil, false, nil
	}
	val, err := txs.materializeValue(cp.leafCells[cp.leafSlot])
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

// UpsertResult reports whether an upsert inserted a new entry or replaced
// an existing one.
type UpsertResult int

const (
	UpsertInserted UpsertResult = iota
	UpsertReplaced
)

// btreePut implements add(key, value): upsert with a monotonically
// increasing per-slot version counter.
func btreePut(txs *txState, ref *treeRef, key, value []byte) (UpsertResult, error) {
	if ref.header.Root == 0 {
		pg, id, err := txs.allocatePage(pageLeaf)
		if err != nil {
			return 0, err
		}
		cell := txs.makeLeafCell(key, value, 1)
		if err := rebuildLeaf(pg, []*leafCell{cell}); err != nil {
			return 0, err
		}
		ref.header.Root = id
		ref.header.Depth = 1
		ref.header.EntryCount = 1
		ref.header.PageCount = 1
		ref.dirty = true
		return UpsertInserted, nil
	}

	cp, err := descend(txs, ref.header.Root, key)
	if err != nil {
		return 0, err
	}

	if cp.found {
		version := cp.leafCells[cp.leafSlot].version + 1
		cell := txs.makeLeafCell(key, value, version)
		cells := append([]*leafCell(nil), cp.leafCells...)
		cells[cp.leafSlot] = cell
		leafID, sep, rightID, split, err := txs.rewriteLeaf(cp.leaf.id(), cells)
		if err != nil {
			return 0, err
		}
		if !split {
			if err := txs.propagateSingle(ref, cp.path, leafID); err != nil {
				return 0, err
			}
		} else {
			if err := txs.propagateSplit(ref, cp.path, leafID, sep, rightID); err != nil {
				return 0, err
			}
			ref.header.PageCount++
		}
		ref.dirty = true
		return UpsertReplaced, nil
	}

	cell := txs.makeLeafCell(key, value, 1)
	cells := insertLeafCellAt(cp.leafCells, cp.leafSlot, cell)
	leafID, sep, rightID, split, err := txs.rewriteLeaf(cp.leaf.id(), cells)
	if err != nil {
		return 0, err
	}
	if !split {
		if err := txs.propagateSingle(ref, cp.path, leafID); err != nil {
			return 0, err
		}
	} else {
		if err := txs.propagateSplit(ref, cp.path, leafID, sep, rightID); err != nil {
			return 0, err
		}
		ref.header.PageCount++
	}
	ref.header.EntryCount++
	ref.dirty = true
	return UpsertInserted, nil
}

// btreeDelete implements delete(key), reporting whether the key existed.
// Pages that fall below a comfortable fill factor are left as-is:
// rebalancing across siblings is not implemented (see DESIGN.md).
func btreeDelete(txs *txState, ref *treeRef, key []byte) (bool, error) {
	if ref.header.Root == 0 {
		return false, nil
	}
	cp, err := descend(txs, ref.header.Root, key)
	if err != nil {
		return false, err
	}
	if !cp.found {
		return false, nil
	}
	removed := cp.leafCells[cp.leafSlot]
	if removed.flag == cellOverflow {
		if err := txs.freeOverflowChain(removed.overflowHead); err != nil {
			return false, err
		}
	}
	cells := append([]*leafCell(nil), cp.leafCells[:cp.leafSlot]...)
	cells = append(cells, cp.leafCells[cp.leafSlot+1:]...)

	lp, err := txs.modifyPage(cp.leaf.id())
	if err != nil {
		return false, err
	}
	if err := rebuildLeaf(lp, cells); err != nil {
		return false, fmt.Errorf("cowtree: unexpected growth on delete: %w", err)
	}
	if err := txs.propagateSingle(ref, cp.path, lp.id()); err != nil {
		return false, err
	}
	ref.header.EntryCount--
	ref.dirty = true
	return true, nil
}

func (txs *txState) makeLeafCell(key, value []byte, version uint32) *leafCell {
	if len(value) <= overflowThreshold(int(txs.env.pageSize)) {
		return &leafCell{flag: cellInline, key: key, value: value, version: version}
	}
	head, err := txs.writeOverflowChain(value)
	if err != nil {
		// Fall back to inline storage; callers of makeLeafCell cannot
		// propagate an error from here without widening every call site,
		// and an oversized inline cell will simply surface as a split.
		return &leafCell{flag: cellInline, key: key, value: value, version: version}
	}
	return &leafCell{flag: cellOverflow, key: key, overflowHead: head, valueLen: uint32(len(value)), version: version}
}

// rewriteLeaf CoWs leafID, tries to rebuild it with the given full cell
// list, and splits it in half if it no longer fits. Simplified: no
// sequential-insert fast path and no large-entry split-index scan.
func (txs *txState) rewriteLeaf(leafID pageID, cells []*leafCell) (newLeafID pageID, sep []byte, rightID pageID, split bool, err error) {
	lp, err := txs.modifyPage(leafID)
	if err != nil {
		return 0, nil, 0, false, err
	}
	if err := rebuildLeaf(lp, cells); err == nil {
		return lp.id(), nil, 0, false, nil
	}

	mid := len(cells) / 2
	if mid == 0 {
		mid = 1
	}
	left := cells[:mid]
	right := cells[mid:]

	rp, rightPageID, err := txs.allocatePage(pageLeaf)
	if err != nil {
		return 0, nil, 0, false, err
	}
	rp.hdr.Overflow = lp.hdr.Overflow
	sepKey := append([]byte(nil), right[0].key...)
	if err := rebuildLeaf(rp, right); err != nil {
		return 0, nil, 0, false, fmt.Errorf("cowtree: leaf split still overflows right half: %w", err)
	}
	if err := rebuildLeaf(lp, left); err != nil {
		return 0, nil, 0, false, fmt.Errorf("cowtree: leaf split still overflows left half: %w", err)
	}
	lp.hdr.Overflow = rightPageID

	return lp.id(), sepKey, rightPageID, true, nil
}

// propagateSingle rewrites each branch page on path (deepest first) so its
// recorded child becomes childID, CoW-ing every page it touches, and
// updates ref.header.Root once the path is exhausted, propagating the
// change up the cursor stack to the root.
func (txs *txState) propagateSingle(ref *treeRef, path []cursorFrame, childID pageID) error {
	for i := len(path) - 1; i >= 0; i-- {
		frame := path[i]
		bp, err := txs.modifyPage(frame.id)
		if err != nil {
			return err
		}
		cells, err := branchCells(bp)
		if err != nil {
			return err
		}
		cells[frame.slot].child = childID
		if err := rebuildBranch(bp, cells); err != nil {
			return fmt.Errorf("cowtree: unexpected branch growth on single-child update: %w", err)
		}
		childID = bp.id()
	}
	ref.header.Root = childID
	return nil
}

// propagateSplit inserts a new separator for a freshly split child into
// its parent, recursively splitting ancestors as needed, and grows the
// tree by one level when the split reaches the root.
func (txs *txState) propagateSplit(ref *treeRef, path []cursorFrame, leftID pageID, sep []byte, rightID pageID) error {
	if len(path) == 0 {
		rp, rootID, err := txs.allocatePage(pageBranch)
		if err != nil {
			return err
		}
		cells := []*branchCell{
			{key: nil, child: leftID},
			{key: sep, child: rightID},
		}
		if err := rebuildBranch(rp, cells); err != nil {
			return err
		}
		ref.header.Root = rootID
		ref.header.Depth++
		return nil
	}

	frame := path[len(path)-1]
	bp, err := txs.modifyPage(frame.id)
	if err != nil {
		return err
	}
	cells, err := branchCells(bp)
	if err != nil {
		return err
	}
	cells[frame.slot].child = leftID
	cells = insertBranchCellAt(cells, frame.slot+1, &branchCell{key: sep, child: rightID})

	if err := rebuildBranch(bp, cells); err == nil {
		return txs.propagateSingle(ref, path[:len(path)-1], bp.id())
	}

	mid := len(cells) / 2
	if mid == 0 {
		mid = 1
	}
	left := cells[:mid]
	right := cells[mid:]
	rp, rightPageID, err := txs.allocatePage(pageBranch)
	if err != nil {
		return err
	}
	rightSep := append([]byte(nil), right[0].key...)
	rightCells := append([]*branchCell{{key: nil, child: right[0].child}}, right[1:]...)
	if err := rebuildBranch(rp, rightCells); err != nil {
		return fmt.Errorf("cowtree: branch split still overflows right half: %w", err)
	}
	if err := rebuildBranch(bp, left); err != nil {
		return fmt.Errorf("cowtree: branch split still overflows left half: %w", err)
	}
	return txs.propagateSplit(ref, path[:len(path)-1], bp.id(), rightSep, rightPageID)
}

func insertLeafCellAt(cells []*leafCell, at int, c *leafCell) []*leafCell {
	out := make([]*leafCell, 0, len(cells)+1)
	out = append(out, cells[:at]...)
	out = append(out, c)
	out = append(out, cells[at:]...)
	return out
}

func insertBranchCellAt(cells []*branchCell, at int, c *branchCell) []*branchCell {
	out := make([]*branchCell, 0, len(cells)+1)
	out = append(out, cells[:at]...)
	out = append(out, c)
	out = append(out, cells[at:]...)
	return out
}

// multiAdd implements multi_add(parent_key, value): ensures a sub-tree
// exists under parent_key and inserts value as one of its keys.
func multiAdd(txs *txState, ref *treeRef, parentKey, value []byte) error {
	sk := subKey{parent: ref.name, key: string(parentKey)}
	sub, ok := txs.subtrees[sk]
	if !ok {
		sub = &treeRef{name: ref.name + "\x00" + string(parentKey)}
		if _, found, err := btreeGet(txs, ref.header.Root, parentKey); err == nil && found {
			cp, err := descend(txs, ref.header.Root, parentKey)
			if err == nil && cp.found && cp.leafCells[cp.leafSlot].flag == cellMultiValue {
				sub.header.Root = cp.leafCells[cp.leafSlot].subtreeRoot
			}
		}
		txs.subtrees[sk] = sub
	}
	if _, err := btreePut(txs, sub, value, nil); err != nil {
		return err
	}
	sub.dirty = true
	return nil
}

// multiIterator implements multi_iterator(parent_key): the ordered set
// of values stored under parent_key's sub-tree.
func multiIterator(txs *txState, ref *treeRef, parentKey []byte) ([][]byte, error) {
	var subRoot pageID
	if sub, ok := txs.subtrees[subKey{parent: ref.name, key: string(parentKey)}]; ok {
		subRoot = sub.header.Root
	} else {
		if ref.header.Root == 0 {
			return nil, nil
		}
		cp, err := descend(txs, ref.header.Root, parentKey)
		if err != nil {
			return nil, err
		}
		if !cp.found || cp.leafCells[cp.leafSlot].flag != cellMultiValue {
			return nil, nil
		}
		subRoot = cp.leafCells[cp.leafSlot].subtreeRoot
	}
	var out [][]byte
	id := subRoot
	for id != 0 {
		pg, err := txs.getPage(id)
		if err != nil {
			return nil, err
		}
		for !pg.isLeaf() {
			cells, err := branchCells(pg)
			if err != nil {
				return nil, err
			}
			if len(cells) == 0 {
				return out, nil
			}
			pg, err = txs.getPage(cells[0].child)
			if err != nil {
				return nil, err
			}
		}
		cells, err := leafCells(pg)
		if err != nil {
			return nil, err
		}
		for _, c := range cells {
			out = append(out, append([]byte(nil), c.key...))
		}
		id = pg.overflowNext()
	}
	return out, nil
}

// flushSubtrees writes every dirty multi-value sub-tree's new root back
// into its parent's leaf cell, promoting the cell's flag to
// cellMultiValue, before the parent tree itself is flushed: each dirty
// sub-tree is flushed first, its new root written into the parent's node
// payload.
func (txs *txState) flushSubtrees(ref *treeRef) error {
	for sk, sub := range txs.subtrees {
		if sk.parent != ref.name || !sub.dirty {
			continue
		}
		parentKey := []byte(sk.key)
		if ref.header.Root == 0 {
			lp, rootID, err := txs.allocatePage(pageLeaf)
			if err != nil {
				return err
			}
			cell := &leafCell{flag: cellMultiValue, key: parentKey, subtreeRoot: sub.header.Root, version: 1}
			if err := rebuildLeaf(lp, []*leafCell{cell}); err != nil {
				return err
			}
			ref.header = treeHeader{Root: rootID, Depth: 1, PageCount: 1, EntryCount: 1}
			ref.dirty = true
			sub.dirty = false
			continue
		}
		cp, err := descend(txs, ref.header.Root, parentKey)
		if err != nil {
			return err
		}
		var version uint32 = 1
		if cp.found {
			version = cp.leafCells[cp.leafSlot].version + 1
		}
		cell := &leafCell{flag: cellMultiValue, key: parentKey, subtreeRoot: sub.header.Root, version: version}
		var cells []*leafCell
		if cp.found {
			cells = append([]*leafCell(nil), cp.leafCells...)
			cells[cp.leafSlot] = cell
		} else {
			cells = insertLeafCellAt(cp.leafCells, cp.leafSlot, cell)
		}
		leafID, sep, rightID, split, err := txs.rewriteLeaf(cp.leaf.id(), cells)
		if err != nil {
			return err
		}
		if !split {
			if err := txs.propagateSingle(ref, cp.path, leafID); err != nil {
				return err
			}
		} else {
			if err := txs.propagateSplit(ref, cp.path, leafID, sep, rightID); err != nil {
				return err
			}
		}
		ref.dirty = true
		sub.dirty = false
	}
	return nil
}
