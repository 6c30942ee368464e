package cowtree

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// cellFlag tags a leaf cell's payload shape.
type cellFlag uint8

const (
	// cellInline: key + value bytes stored directly in the cell.
	cellInline cellFlag = iota + 1
	// cellOverflow: key inline, value spilled to an overflow chain.
	cellOverflow
	// cellMultiValue: key inline, cell carries the root page of a sub-tree
	// whose keys are this entry's individual values.
	cellMultiValue
)

// overflowThreshold: a value larger than this fraction of a page forces an
// overflow chain rather than an inline cell, so a handful of large values
// can't starve the rest of a leaf page of room.
const overflowThresholdDivisor = 4

func overflowThreshold(pageSize int) int {
	return pageSize / overflowThresholdDivisor
}

// leafCell is the decoded, in-memory form of one leaf-page entry.
type leafCell struct {
	flag cellFlag
	key  []byte
	// value is the inline bytes for cellInline, empty for the others.
	value []byte
	// overflowHead/valueLen apply to cellOverflow.
	overflowHead pageID
	valueLen     uint32
	// subtreeRoot applies to cellMultiValue.
	subtreeRoot pageID
	// version is a per-slot monotonically increasing counter bumped on
	// every upsert; it is stored with the cell and read back only to
	// compute the next version.
	version uint32
}

func (c *leafCell) encodedSize() int {
	// flag(1) + keyLen(2) + key + version(4)
	size := 1 + 2 + len(c.key) + 4
	switch c.flag {
	case cellInline:
		size += 4 + len(c.value)
	case cellOverflow:
		size += 4 + 4
	case cellMultiValue:
		size += 4
	}
	return size
}

func encodeLeafCell(buf []byte, c *leafCell) []byte {
	buf = append(buf, byte(c.flag))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(c.key)))
	buf = append(buf, c.key...)
	buf = binary.BigEndian.AppendUint32(buf, c.version)
	switch c.flag {
	case cellInline:
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(c.value)))
		buf = append(buf, c.value...)
	case cellOverflow:
		buf = binary.BigEndian.AppendUint32(buf, c.valueLen)
		buf = binary.BigEndian.AppendUint32(buf, uint32(c.overflowHead))
	case cellMultiValue:
		buf = binary.BigEndian.AppendUint32(buf, uint32(c.subtreeRoot))
	}
	return buf
}

func decodeLeafCell(b []byte) (*leafCell, error) {
	if len(b) < 7 {
		return nil, fmt.Errorf("cowtree: truncated leaf cell")
	}
	c := &leafCell{flag: cellFlag(b[0])}
	keyLen := binary.BigEndian.Uint16(b[1:3])
	off := 3
	if len(b) < off+int(keyLen)+4 {
		return nil, fmt.Errorf("cowtree: truncated leaf cell key")
	}
	c.key = b[off : off+int(keyLen)]
	off += int(keyLen)
	c.version = binary.BigEndian.Uint32(b[off : off+4])
	off += 4
	switch c.flag {
	case cellInline:
		if len(b) < off+4 {
			return nil, fmt.Errorf("cowtree: truncated inline value length")
		}
		valLen := binary.BigEndian.Uint32(b[off : off+4])
		off += 4
		if len(b) < off+int(valLen) {
			return nil, fmt.Errorf("cowtree: truncated inline value")
		}
		c.value = b[off : off+int(valLen)]
	case cellOverflow:
		if len(b) < off+8 {
			return nil, fmt.Errorf("cowtree: truncated overflow descriptor")
		}
		c.valueLen = binary.BigEndian.Uint32(b[off : off+4])
		c.overflowHead = pageID(binary.BigEndian.Uint32(b[off+4 : off+8]))
	case cellMultiValue:
		if len(b) < off+4 {
			return nil, fmt.Errorf("cowtree: truncated subtree pointer")
		}
		c.subtreeRoot = pageID(binary.BigEndian.Uint32(b[off : off+4]))
	default:
		return nil, fmt.Errorf("cowtree: unknown leaf cell flag %d", c.flag)
	}
	return c, nil
}

// branchCell is the decoded form of one branch-page entry: a separator key
// and the child page it guards. The first entry of every branch page
// carries the sentinel "before all keys" key, represented here as a
// zero-length key.
type branchCell struct {
	key   []byte
	child pageID
}

func (c *branchCell) encodedSize() int {
	return 2 + len(c.key) + 4
}

func encodeBranchCell(buf []byte, c *branchCell) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(c.key)))
	buf = append(buf, c.key...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(c.child))
	return buf
}

func decodeBranchCell(b []byte) (*branchCell, error) {
	if len(b) < 2 {
		return nil, fmt.Errorf("cowtree: truncated branch cell")
	}
	keyLen := binary.BigEndian.Uint16(b[0:2])
	off := 2
	if len(b) < off+int(keyLen)+4 {
		return nil, fmt.Errorf("cowtree: truncated branch cell body")
	}
	c := &branchCell{key: b[off : off+int(keyLen)]}
	off += int(keyLen)
	c.child = pageID(binary.BigEndian.Uint32(b[off : off+4]))
	return c, nil
}

// leafCells decodes every cell of a leaf page in slot order.
func leafCells(p *page) ([]*leafCell, error) {
	offs := p.cellOffsets()
	cells := make([]*leafCell, len(offs))
	for i, off := range offs {
		c, err := decodeLeafCell(p.buf[off:])
		if err != nil {
			return nil, fmt.Errorf("cowtree: page %d cell %d: %w", p.id(), i, err)
		}
		cells[i] = c
	}
	return cells, nil
}

func branchCells(p *page) ([]*branchCell, error) {
	offs := p.cellOffsets()
	cells := make([]*branchCell, len(offs))
	for i, off := range offs {
		c, err := decodeBranchCell(p.buf[off:])
		if err != nil {
			return nil, fmt.Errorf("cowtree: page %d cell %d: %w", p.id(), i, err)
		}
		cells[i] = c
	}
	return cells, nil
}

// searchLeaf finds the slot for key: (index, true) if present, otherwise
// (insertion index, false), following invariant 4 (no duplicate keys).
func searchLeaf(cells []*leafCell, key []byte) (int, bool) {
	lo, hi := 0, len(cells)
	for lo < hi {
		mid := (lo + hi) / 2
		cmp := bytes.Compare(cells[mid].key, key)
		switch {
		case cmp == 0:
			return mid, true
		case cmp < 0:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return lo, false
}

// searchBranch returns the child slot that must be descended into to find
// key: the last separator entry whose key is <= key (slot 0's sentinel key
// always compares <=, so the search never underflows).
func searchBranch(cells []*branchCell, key []byte) int {
	lo, hi := 0, len(cells)
	for lo < hi {
		mid := (lo + hi) / 2
		if mid == 0 || bytes.Compare(cells[mid].key, key) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo - 1
}

// rebuildLeaf rewrites a page's cell area from scratch given an ordered
// cell list; used after insert/delete/split so the offset array and
// Lower/Upper stay consistent.
func rebuildLeaf(p *page, cells []*leafCell) error {
	return rebuildCells(p, pageLeaf, len(cells), func(i int) []byte {
		return encodeLeafCell(nil, cells[i])
	})
}

func rebuildBranch(p *page, cells []*branchCell) error {
	return rebuildCells(p, pageBranch, len(cells), func(i int) []byte {
		return encodeBranchCell(nil, cells[i])
	})
}

func rebuildCells(p *page, flag pageFlag, n int, encode func(i int) []byte) error {
	id := p.id()
	overflow := p.overflowNext()

	offsetsEnd := pageHeaderSize + n*2
	upper := len(p.buf)
	offs := make([]uint16, n)
	payload := make([][]byte, n)
	for i := 0; i < n; i++ {
		b := encode(i)
		upper -= len(b)
		offs[i] = uint16(upper)
		payload[i] = b
	}
	if upper < offsetsEnd {
		return fmt.Errorf("cowtree: page %d overflowed while rebuilding cells (need %d, have %d)",
			id, offsetsEnd-upper, len(p.buf)-offsetsEnd)
	}
	// Cells decoded from this page alias p.buf, so every payload is
	// encoded above before the buffer is cleared.
	clear(p.buf)
	p.hdr.ID = id
	p.hdr.Flags = flag
	p.hdr.Overflow = overflow
	p.hdr.NumCells = uint16(n)
	for i := 0; i < n; i++ {
		copy(p.buf[offs[i]:], payload[i])
	}
	offArea := p.buf[pageHeaderSize:offsetsEnd]
	for i, o := range offs {
		binary.BigEndian.PutUint16(offArea[i*2:], o)
	}
	p.hdr.Lower = uint16(offsetsEnd)
	p.hdr.Upper = uint16(upper)
	return nil
}
