package txbtree

import "bytes"

// heapPageHeaderSize is empty: a heap page carries no pointers to
// siblings or a parent, only a slot occupancy bitmap (SPEC_FULL.md §4
// "HeapFile", adapted from the teacher's heap_page.go slotted layout
// but without the column-store/aggregate machinery that file carried).
const heapPageHeaderSize = 0

func heapPageCapacity(pageSize, tupleWidth int) int {
	n := 1
	for {
		bitmapBytes := (n + 7) / 8
		total := heapPageHeaderSize + bitmapBytes + n*tupleWidth
		if total > pageSize {
			return n - 1
		}
		n++
	}
}

type heapPage struct {
	tableID   int
	pageNo    int
	desc      *TupleDesc
	maxSlots  int
	tuples    []*Tuple // index i is nil if slot i is free

	dirty    bool
	dirtyTID TransactionID
}

func newHeapPage(tableID, pageNo, pageSize int, desc *TupleDesc) *heapPage {
	return &heapPage{
		tableID:  tableID,
		pageNo:   pageNo,
		desc:     desc,
		maxSlots: heapPageCapacity(pageSize, desc.width()),
	}
}

func (p *heapPage) ID() PageID {
	return PageID{TableID: p.tableID, PageNo: p.pageNo, Category: HeapCategory}
}

func (p *heapPage) IsDirty() (bool, TransactionID) { return p.dirty, p.dirtyTID }

func (p *heapPage) SetDirty(tid TransactionID, dirty bool) {
	p.dirty = dirty
	if dirty {
		p.dirtyTID = tid
	}
}

func (p *heapPage) numUsedSlots() int {
	n := 0
	for _, t := range p.tuples {
		if t != nil {
			n++
		}
	}
	return n
}

// firstFreeSlot returns the index of the first free slot, or -1 if the
// page is full.
func (p *heapPage) firstFreeSlot() int {
	for i := 0; i < p.maxSlots; i++ {
		if i >= len(p.tuples) || p.tuples[i] == nil {
			return i
		}
	}
	return -1
}

func (p *heapPage) insertAt(slot int, t *Tuple) {
	for len(p.tuples) <= slot {
		p.tuples = append(p.tuples, nil)
	}
	t.Rid = &RecordID{PageID: p.ID(), Slot: slot}
	p.tuples[slot] = t
}

func (p *heapPage) deleteAt(slot int) {
	p.tuples[slot] = nil
}

func (p *heapPage) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)
	bitmapBytes := (p.maxSlots + 7) / 8
	bitmap := make([]byte, bitmapBytes)
	for i := 0; i < len(p.tuples); i++ {
		if p.tuples[i] != nil {
			bitmap[i/8] |= 1 << uint(i%8)
		}
	}
	buf.Write(bitmap)

	tupleWidth := p.desc.width()
	for i := 0; i < p.maxSlots; i++ {
		if i < len(p.tuples) && p.tuples[i] != nil {
			if err := p.tuples[i].writeTo(buf); err != nil {
				return nil, wrapDbException(IOError, "serializing heap page tuple", err)
			}
		} else {
			buf.Write(make([]byte, tupleWidth))
		}
	}
	return buf.Bytes(), nil
}

func decodeHeapPage(tableID, pageNo, pageSize int, desc *TupleDesc, raw []byte) (*heapPage, error) {
	p := newHeapPage(tableID, pageNo, pageSize, desc)
	buf := bytes.NewBuffer(raw)

	bitmapBytes := (p.maxSlots + 7) / 8
	bitmap := make([]byte, bitmapBytes)
	if _, err := buf.Read(bitmap); err != nil {
		return nil, wrapDbException(MalformedDataError, "decoding heap page bitmap", err)
	}
	pid := p.ID()
	for i := 0; i < p.maxSlots; i++ {
		t, err := readTupleFrom(buf, desc)
		if err != nil {
			return nil, wrapDbException(MalformedDataError, "decoding heap page tuple", err)
		}
		if bitmap[i/8]&(1<<uint(i%8)) != 0 {
			t.Rid = &RecordID{PageID: pid, Slot: i}
			p.insertAt(i, t)
		}
	}
	return p, nil
}
