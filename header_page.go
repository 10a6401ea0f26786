package txbtree

import (
	"bytes"
	"encoding/binary"
)

// headerOverhead is the fixed prefix of a header page: next/prev
// header page numbers, 4 bytes each (spec.md §6 "Header page format").
const headerOverhead = 8

// headerPage is a bitmap describing the allocation state of data
// pages: bit i of header page h corresponds to data page number
// h*slotsPerHeader + i + 1 (spec.md §3 "Header Page"). Header pages
// are chained by next/prev pointers.
type headerPage struct {
	tableID        int
	pageNo         int
	slotsPerHeader int
	nextHeaderNo   int // 0 = none
	prevHeaderNo   int // 0 = none
	bitmap         []byte

	dirty    bool
	dirtyTID TransactionID
}

// newHeaderPage builds a header page with every slot marked used. A
// header page only ever comes into existence lazily, once some data
// page in its range is freed (see BTreeFile.getOrCreateHeaderAt); every
// other data page already covered by its range is live, so the default
// must read as "in use" rather than "free" (mirrors SimpleDB's
// BTreeHeaderPage.init(), which marks all slots used on creation).
// setEmptyPage clears the one bit that earned the page its header.
func newHeaderPage(tableID, pageNo, pageSize int) *headerPage {
	slots := 8 * (pageSize - headerOverhead)
	bitmap := make([]byte, pageSize-headerOverhead)
	for i := range bitmap {
		bitmap[i] = 0xFF
	}
	return &headerPage{
		tableID:        tableID,
		pageNo:         pageNo,
		slotsPerHeader: slots,
		bitmap:         bitmap,
	}
}

func (p *headerPage) ID() PageID {
	return PageID{TableID: p.tableID, PageNo: p.pageNo, Category: HeaderCategory}
}

func (p *headerPage) IsDirty() (bool, TransactionID) { return p.dirty, p.dirtyTID }

func (p *headerPage) SetDirty(tid TransactionID, dirty bool) {
	p.dirty = dirty
	if dirty {
		p.dirtyTID = tid
	}
}

// isSet reports whether data-page slot i (local to this header page)
// is marked used.
func (p *headerPage) isSet(i int) bool {
	return p.bitmap[i/8]&(1<<uint(i%8)) != 0
}

func (p *headerPage) setBit(i int) {
	p.bitmap[i/8] |= 1 << uint(i%8)
}

func (p *headerPage) clearBit(i int) {
	p.bitmap[i/8] &^= 1 << uint(i%8)
}

// nextHeaderID returns the PageID of the next header page in the
// chain, or the zero PageID if this is the last one.
func (p *headerPage) nextHeaderID() PageID {
	if p.nextHeaderNo == 0 {
		return PageID{}
	}
	return PageID{TableID: p.tableID, PageNo: p.nextHeaderNo, Category: HeaderCategory}
}

// findFreeSlot returns the local slot index of the first clear bit, or
// -1 if every slot in this header page is used.
func (p *headerPage) findFreeSlot() int {
	for i := 0; i < p.slotsPerHeader; i++ {
		if !p.isSet(i) {
			return i
		}
	}
	return -1
}

func (p *headerPage) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, int32(p.nextHeaderNo)); err != nil {
		return nil, wrapDbException(IOError, "serializing header page", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, int32(p.prevHeaderNo)); err != nil {
		return nil, wrapDbException(IOError, "serializing header page", err)
	}
	buf.Write(p.bitmap)
	return buf.Bytes(), nil
}

func decodeHeaderPage(tableID, pageNo, pageSize int, raw []byte) (*headerPage, error) {
	p := newHeaderPage(tableID, pageNo, pageSize)
	buf := bytes.NewBuffer(raw)
	var next, prev int32
	if err := binary.Read(buf, binary.LittleEndian, &next); err != nil {
		return nil, wrapDbException(MalformedDataError, "decoding header page", err)
	}
	if err := binary.Read(buf, binary.LittleEndian, &prev); err != nil {
		return nil, wrapDbException(MalformedDataError, "decoding header page", err)
	}
	p.nextHeaderNo = int(next)
	p.prevHeaderNo = int(prev)
	copy(p.bitmap, buf.Bytes())
	return p, nil
}
