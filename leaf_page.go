package txbtree

import (
	"bytes"
	"encoding/binary"
	"sort"
)

const leafPageHeaderSize = 5 + 4 + 4 // parent_id | left_sibling_id | right_sibling_id

// leafPageCapacity returns the maximum number of tuples a leaf page
// can hold for the given page size and tuple width, following the
// layout in spec.md §6: parent_id | left_sibling_id | right_sibling_id
// | occupancy bitmap (ceil(max_tuples/8) bytes) | max_tuples tuple
// slots.
func leafPageCapacity(pageSize, tupleWidth int) int {
	n := 1
	for {
		bitmapBytes := (n + 7) / 8
		total := leafPageHeaderSize + bitmapBytes + n*tupleWidth
		if total > pageSize {
			return n - 1
		}
		n++
	}
}

// leafPage holds a sorted sequence of tuples on the indexed key field,
// plus parent and sibling pointers (spec.md §3 "Leaf Page"). Tuples
// are kept left-packed and in key order in memory; the membership
// filter is an advisory, unserialized sidecar (SPEC_FULL.md §3.1).
type leafPage struct {
	tableID    int
	pageNo     int
	desc       *TupleDesc
	maxTuples  int

	parentID       PageID
	leftSiblingNo  int
	rightSiblingNo int
	tuples         []*Tuple

	membership *leafMembership

	dirty    bool
	dirtyTID TransactionID
}

func newLeafPage(tableID, pageNo, pageSize int, desc *TupleDesc, filterEnabled bool) *leafPage {
	p := &leafPage{
		tableID:   tableID,
		pageNo:    pageNo,
		desc:      desc,
		maxTuples: leafPageCapacity(pageSize, desc.width()),
	}
	if filterEnabled {
		p.membership = newLeafMembership()
	}
	return p
}

func (p *leafPage) ID() PageID {
	return PageID{TableID: p.tableID, PageNo: p.pageNo, Category: LeafCategory}
}

func (p *leafPage) leftSiblingID() PageID {
	if p.leftSiblingNo == 0 {
		return PageID{}
	}
	return PageID{TableID: p.tableID, PageNo: p.leftSiblingNo, Category: LeafCategory}
}

func (p *leafPage) rightSiblingID() PageID {
	if p.rightSiblingNo == 0 {
		return PageID{}
	}
	return PageID{TableID: p.tableID, PageNo: p.rightSiblingNo, Category: LeafCategory}
}

func (p *leafPage) IsDirty() (bool, TransactionID) { return p.dirty, p.dirtyTID }

func (p *leafPage) SetDirty(tid TransactionID, dirty bool) {
	p.dirty = dirty
	if dirty {
		p.dirtyTID = tid
	}
}

func (p *leafPage) isFull() bool { return len(p.tuples) >= p.maxTuples }

func (p *leafPage) firstKey() Field {
	if len(p.tuples) == 0 {
		return nil
	}
	return p.tuples[0].key()
}

func (p *leafPage) rebuildMembership() {
	if p.membership == nil {
		return
	}
	keys := make([]Field, len(p.tuples))
	for i, t := range p.tuples {
		keys[i] = t.key()
	}
	p.membership.rebuild(keys)
}

// insertSorted inserts t keeping tuples in non-decreasing key order
// and sets t's RecordID to its new slot.
func (p *leafPage) insertSorted(t *Tuple) {
	i := sort.Search(len(p.tuples), func(i int) bool {
		ok, _ := p.tuples[i].key().Compare(GreaterThanOrEqual, t.key())
		return ok
	})
	p.tuples = append(p.tuples, nil)
	copy(p.tuples[i+1:], p.tuples[i:])
	p.tuples[i] = t
	p.renumber()
	if p.membership != nil {
		p.membership.add(t.key())
	}
}

// renumber fixes every tuple's RecordID.Slot to its current array
// index, needed after any insert/delete shifts positions.
func (p *leafPage) renumber() {
	pid := p.ID()
	for i, t := range p.tuples {
		t.Rid = &RecordID{PageID: pid, Slot: i}
	}
}

// deleteAt removes the tuple at slot i.
func (p *leafPage) deleteAt(i int) {
	copy(p.tuples[i:], p.tuples[i+1:])
	p.tuples = p.tuples[:len(p.tuples)-1]
	p.renumber()
	p.rebuildMembership()
}

func (p *leafPage) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := writePageIDRef(buf, p.parentID); err != nil {
		return nil, wrapDbException(IOError, "serializing leaf page", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, int32(p.leftSiblingNo)); err != nil {
		return nil, wrapDbException(IOError, "serializing leaf page", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, int32(p.rightSiblingNo)); err != nil {
		return nil, wrapDbException(IOError, "serializing leaf page", err)
	}

	bitmapBytes := (p.maxTuples + 7) / 8
	bitmap := make([]byte, bitmapBytes)
	for i := 0; i < len(p.tuples); i++ {
		bitmap[i/8] |= 1 << uint(i%8)
	}
	buf.Write(bitmap)

	tupleWidth := p.desc.width()
	for i := 0; i < p.maxTuples; i++ {
		if i < len(p.tuples) {
			if err := p.tuples[i].writeTo(buf); err != nil {
				return nil, wrapDbException(IOError, "serializing leaf page tuple", err)
			}
		} else {
			buf.Write(make([]byte, tupleWidth))
		}
	}
	return buf.Bytes(), nil
}

func decodeLeafPage(tableID, pageNo, pageSize int, desc *TupleDesc, filterEnabled bool, raw []byte) (*leafPage, error) {
	p := newLeafPage(tableID, pageNo, pageSize, desc, filterEnabled)
	buf := bytes.NewBuffer(raw)

	parent, err := readPageIDRef(buf, tableID)
	if err != nil {
		return nil, wrapDbException(MalformedDataError, "decoding leaf page parent", err)
	}
	var left, right int32
	if err := binary.Read(buf, binary.LittleEndian, &left); err != nil {
		return nil, wrapDbException(MalformedDataError, "decoding leaf page left sibling", err)
	}
	if err := binary.Read(buf, binary.LittleEndian, &right); err != nil {
		return nil, wrapDbException(MalformedDataError, "decoding leaf page right sibling", err)
	}
	p.parentID = parent
	p.leftSiblingNo = int(left)
	p.rightSiblingNo = int(right)

	bitmapBytes := (p.maxTuples + 7) / 8
	bitmap := make([]byte, bitmapBytes)
	if _, err := buf.Read(bitmap); err != nil {
		return nil, wrapDbException(MalformedDataError, "decoding leaf page bitmap", err)
	}
	occupied := 0
	for occupied < p.maxTuples && bitmap[occupied/8]&(1<<uint(occupied%8)) != 0 {
		occupied++
	}
	pid := p.ID()
	for i := 0; i < p.maxTuples; i++ {
		t, err := readTupleFrom(buf, desc)
		if err != nil {
			return nil, wrapDbException(MalformedDataError, "decoding leaf page tuple", err)
		}
		if i < occupied {
			t.Rid = &RecordID{PageID: pid, Slot: i}
			p.tuples = append(p.tuples, t)
		}
	}
	p.rebuildMembership()
	return p, nil
}
