package cowtree

import (
	"encoding/binary"
	"fmt"

	"github.com/pierrec/lz4/v4"
)

// overflowPagePayload returns how many value bytes one overflow page can
// hold: the page body minus the 8-byte prefix (original value length and
// compression flag) used on the first page of the chain. Later pages use
// the same chunk size.
func overflowPagePayload(pageSize int) int {
	return pageSize - pageHeaderSize - 8
}

// writeOverflowChain stores value across one or more overflow pages,
// compressing it first via pierrec/lz4/v4 when Config.CompressOverflow is
// set. It returns the head page id.
func (txs *txState) writeOverflowChain(value []byte) (pageID, error) {
	payload := value
	compressed := false
	if txs.env.cfg.CompressOverflow {
		bound := lz4.CompressBlockBound(len(value))
		dst := make([]byte, bound)
		var c lz4.Compressor
		n, err := c.CompressBlock(value, dst)
		if err != nil {
			return 0, fmt.Errorf("cowtree: lz4 compress overflow value: %w", err)
		}
		if n > 0 && n < len(value) {
			payload = dst[:n]
			compressed = true
		}
	}

	perPage := overflowPagePayload(int(txs.env.pageSize))
	numPages := (len(payload) + perPage - 1) / perPage
	if numPages == 0 {
		numPages = 1
	}
	pages := make([]pageID, numPages)
	for i := range pages {
		id, err := txs.allocate(1)
		if err != nil {
			return 0, err
		}
		pages[i] = id
	}

	for i, id := range pages {
		buf := make([]byte, txs.env.pageSize)
		pg := newPageView(buf)
		flags := pageOverflow
		pg.resetAsDataPage(id, flags)
		if i+1 < len(pages) {
			pg.hdr.Overflow = pages[i+1]
		}
		start := i * perPage
		end := start + perPage
		if end > len(payload) {
			end = len(payload)
		}
		chunk := payload[start:end]
		body := pg.buf[pageHeaderSize:]
		if i == 0 {
			flag := uint32(0)
			if compressed {
				flag = 1
			}
			binary.BigEndian.PutUint32(body[0:4], uint32(len(value)))
			binary.BigEndian.PutUint32(body[4:8], flag)
			copy(body[8:], chunk)
		} else {
			copy(body, chunk)
		}
		pg.hdr.NumCells = uint16(len(chunk))
		txs.dirtyPages[id] = pg
	}
	return pages[0], nil
}

// readOverflowChain reassembles a value previously written by
// writeOverflowChain, decompressing it if the stored flag says so.
func (txs *txState) readOverflowChain(head pageID) ([]byte, error) {
	pg, err := txs.getPage(head)
	if err != nil {
		return nil, err
	}
	body := pg.buf[pageHeaderSize:]
	if len(body) < 8 {
		return nil, fmt.Errorf("cowtree: overflow head page %d truncated", head)
	}
	origLen := binary.BigEndian.Uint32(body[0:4])
	compressed := binary.BigEndian.Uint32(body[4:8]) == 1

	perPage := overflowPagePayload(int(txs.env.pageSize))
	var payload []byte
	cur := pg
	first := true
	for {
		body := cur.buf[pageHeaderSize:]
		n := int(cur.hdr.NumCells)
		if first {
			if n > len(body)-8 {
				return nil, fmt.Errorf("cowtree: overflow page %d cell count out of range", cur.id())
			}
			payload = append(payload, body[8:8+n]...)
			first = false
		} else {
			if n > len(body) {
				return nil, fmt.Errorf("cowtree: overflow page %d cell count out of range", cur.id())
			}
			payload = append(payload, body[:n]...)
		}
		next := cur.overflowNext()
		if next == 0 {
			break
		}
		cur, err = txs.getPage(next)
		if err != nil {
			return nil, err
		}
	}
	_ = perPage

	if !compressed {
		if uint32(len(payload)) != origLen {
			return nil, fmt.Errorf("cowtree: overflow chain at %d: length mismatch", head)
		}
		return payload, nil
	}
	out := make([]byte, origLen)
	n, err := lz4.UncompressBlock(payload, out)
	if err != nil {
		return nil, fmt.Errorf("cowtree: lz4 decompress overflow value: %w", err)
	}
	return out[:n], nil
}

// freeOverflowChain walks and frees every page of a chain as one unit.
func (txs *txState) freeOverflowChain(head pageID) error {
	id := head
	for id != 0 {
		pg, err := txs.getPage(id)
		if err != nil {
			return err
		}
		next := pg.overflowNext()
		txs.freePage(id)
		id = next
	}
	return nil
}

// materializeValue resolves a leaf cell's value regardless of storage
// shape (inline vs. overflow); multi-value cells have no scalar value.
func (txs *txState) materializeValue(c *leafCell) ([]byte, error) {
	switch c.flag {
	case cellInline:
		return c.value, nil
	case cellOverflow:
		return txs.readOverflowChain(c.overflowHead)
	default:
		return nil, fmt.Errorf("cowtree: cell has no scalar value (flag %d)", c.flag)
	}
}
