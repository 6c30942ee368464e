package cowtree

// cursorFrame is one (page, search position) pair on the path from the
// root to a leaf.
type cursorFrame struct {
	id   pageID
	slot int
}

// cursorPath is the full root-to-leaf path produced by descend. path holds
// one frame per branch page traversed (in root-to-parent order); leaf is
// the terminal leaf page and leafSlot/found describe the search result
// within it.
type cursorPath struct {
	path     []cursorFrame
	leaf     *page
	leafCells []*leafCell
	leafSlot int
	found    bool
}

// descend walks from root to the leaf that should contain key, recording
// the branch slot followed at each level so CoW can rewrite parents on the
// way back up.
func descend(tx *txState, root pageID, key []byte) (*cursorPath, error) {
	cp := &cursorPath{}
	id := root
	for {
		pg, err := tx.getPage(id)
		if err != nil {
			return nil, err
		}
		if pg.isLeaf() {
			cells, err := leafCells(pg)
			if err != nil {
				return nil, err
			}
			slot, found := searchLeaf(cells, key)
			cp.leaf = pg
			cp.leafCells = cells
			cp.leafSlot = slot
			cp.found = found
			return cp, nil
		}
		cells, err := branchCells(pg)
		if err != nil {
			return nil, err
		}
		slot := searchBranch(cells, key)
		cp.path = append(cp.path, cursorFrame{id: id, slot: slot})
		id = cells[slot].child
	}
}

// Cursor is a snapshot-scoped, ordered iterator over a tree's key space.
// It is scoped to a transaction and invalid once that transaction ends.
type Cursor[K, V any] struct {
	tx      *Tx[K, V]
	root    pageID
	leaf    *page
	cells   []*leafCell
	slot    int
	done    bool
}

func newCursor[K, V any](tx *Tx[K, V], root pageID, fromKey []byte) (*Cursor[K, V], error) {
	c := &Cursor[K, V]{tx: tx, root: root}
	if root == 0 {
		c.done = true
		return c, nil
	}
	cp, err := descend(tx.txs, root, fromKey)
	if err != nil {
		return nil, err
	}
	c.leaf = cp.leaf
	c.cells = cp.leafCells
	c.slot = cp.leafSlot
	return c, nil
}

// Next reports whether an entry is available at the cursor's position,
// moving on to the next non-empty leaf when the current one is exhausted,
// and returns false once the tree is exhausted. It does not move past the
// entry; KeyValue does.
func (c *Cursor[K, V]) Next() bool {
	if c.done {
		return false
	}
	if c.slot >= len(c.cells) {
		if !c.advanceLeaf() {
			c.done = true
			return false
		}
	}
	ok := c.slot < len(c.cells)
	if !ok {
		c.done = true
	}
	return ok
}

// advanceLeaf moves to the next leaf page via the tree's overflow-style
// leaf chain field (reused here as a "next leaf" pointer for range scans).
func (c *Cursor[K, V]) advanceLeaf() bool {
	for {
		next := c.leaf.overflowNext()
		if next == 0 {
			return false
		}
		pg, err := c.tx.txs.getPage(next)
		if err != nil {
			return false
		}
		cells, err := leafCells(pg)
		if err != nil {
			return false
		}
		c.leaf = pg
		c.cells = cells
		c.slot = 0
		if len(c.cells) > 0 {
			return true
		}
	}
}

// KeyValue decodes the current entry and moves the cursor past it.
func (c *Cursor[K, V]) KeyValue() (key K, value V, err error) {
	cell := c.cells[c.slot]
	c.slot++
	if err = c.tx.tree.keyCodec.Unmarshal(cell.key, &key); err != nil {
		return
	}
	raw, err := c.tx.txs.materializeValue(cell)
	if err != nil {
		return
	}
	err = c.tx.tree.valCodec.Unmarshal(raw, &value)
	return
}
