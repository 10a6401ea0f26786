package txbtree

import (
	"bytes"
	"encoding/binary"
)

const internalPageHeaderSize = 5 // parent_id: page number int32 + category byte

// internalPageCapacity returns the maximum number of entries an
// internal page can hold for the given page size and key width,
// following the layout in spec.md §6: parent_id | occupancy bitmap
// (ceil((max_entries+1)/8) bytes) | max_entries keys | max_entries+1
// child page numbers + one shared category byte.
func internalPageCapacity(pageSize, keyWidth int) int {
	n := 1
	for {
		bitmapBytes := (n + 1 + 7) / 8
		total := internalPageHeaderSize + bitmapBytes + n*keyWidth + (n+1)*4 + 1
		if total > pageSize {
			return n - 1
		}
		n++
	}
}

// internalPage holds an ordered sequence of entries (key, leftChild,
// rightChild) where adjacent entries share a child, so it is stored as
// numEntries keys and numEntries+1 children. Entries are always kept
// left-packed: a page with numEntries occupied slots has no gaps
// (spec.md §3 "Internal Page").
type internalPage struct {
	tableID      int
	pageNo       int
	pageSize     int
	keyType      DBType
	maxEntries   int
	childCat     Category

	parentID  PageID
	keys      []Field // len == numEntries, at most maxEntries
	children  []int   // len == numEntries+1, at most maxEntries+1; page numbers, same table/category

	dirty    bool
	dirtyTID TransactionID
}

func newInternalPage(tableID, pageNo, pageSize int, keyType DBType, childCat Category) *internalPage {
	maxEntries := internalPageCapacity(pageSize, keyWidthFor(keyType))
	return &internalPage{
		tableID:    tableID,
		pageNo:     pageNo,
		pageSize:   pageSize,
		keyType:    keyType,
		maxEntries: maxEntries,
		childCat:   childCat,
		children:   []int{0},
	}
}

func keyWidthFor(t DBType) int {
	switch t {
	case IntType:
		return 8
	case StringType:
		return StringLength
	default:
		return 8
	}
}

func (p *internalPage) ID() PageID {
	return PageID{TableID: p.tableID, PageNo: p.pageNo, Category: InternalCategory}
}

func (p *internalPage) IsDirty() (bool, TransactionID) { return p.dirty, p.dirtyTID }

func (p *internalPage) SetDirty(tid TransactionID, dirty bool) {
	p.dirty = dirty
	if dirty {
		p.dirtyTID = tid
	}
}

func (p *internalPage) numEntries() int { return len(p.keys) }

func (p *internalPage) childID(i int) PageID {
	if p.children[i] == 0 {
		return PageID{}
	}
	return PageID{TableID: p.tableID, PageNo: p.children[i], Category: p.childCat}
}

func (p *internalPage) setChild(i int, id PageID) {
	p.children[i] = id.PageNo
	if !id.IsNone() {
		p.childCat = id.Category
	}
}

// isFull reports whether the page has no room for one more entry.
func (p *internalPage) isFull() bool { return p.numEntries() >= p.maxEntries }

// insertEntryAt inserts key with the given left/right children at
// position i, shifting later entries right. Used both for ordinary
// inserts and to re-thread entries during split/redistribution.
func (p *internalPage) insertEntryAt(i int, key Field, left, right PageID) {
	p.keys = append(p.keys, nil)
	copy(p.keys[i+1:], p.keys[i:])
	p.keys[i] = key

	p.children = append(p.children, 0)
	copy(p.children[i+2:], p.children[i+1:])
	p.children[i] = left.PageNo
	p.children[i+1] = right.PageNo
	if !left.IsNone() {
		p.childCat = left.Category
	} else if !right.IsNone() {
		p.childCat = right.Category
	}
}

// deleteEntryAt removes the entry at index i along with its right
// child pointer (the left child of entry i becomes the left child of
// what follows it, per spec.md §4.3.5 "Leaf merge ... Delete the
// parent's separator entry (and its right child pointer)").
func (p *internalPage) deleteEntryAt(i int) {
	copy(p.keys[i:], p.keys[i+1:])
	p.keys = p.keys[:len(p.keys)-1]
	copy(p.children[i+1:], p.children[i+2:])
	p.children = p.children[:len(p.children)-1]
}

func (p *internalPage) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := writePageIDRef(buf, p.parentID); err != nil {
		return nil, wrapDbException(IOError, "serializing internal page", err)
	}
	bitmapBytes := (p.maxEntries + 1 + 7) / 8
	bitmap := make([]byte, bitmapBytes)
	for i := 0; i < p.numEntries(); i++ {
		bitmap[i/8] |= 1 << uint(i%8)
	}
	buf.Write(bitmap)

	for i := 0; i < p.maxEntries; i++ {
		if i < len(p.keys) {
			if err := p.keys[i].Serialize(buf); err != nil {
				return nil, wrapDbException(IOError, "serializing internal page key", err)
			}
		} else {
			buf.Write(make([]byte, keyWidthFor(p.keyType)))
		}
	}
	for i := 0; i < p.maxEntries+1; i++ {
		var pn int32
		if i < len(p.children) {
			pn = int32(p.children[i])
		}
		if err := binary.Write(buf, binary.LittleEndian, pn); err != nil {
			return nil, wrapDbException(IOError, "serializing internal page children", err)
		}
	}
	if err := buf.WriteByte(byte(p.childCat)); err != nil {
		return nil, wrapDbException(IOError, "serializing internal page child category", err)
	}
	return buf.Bytes(), nil
}

func decodeInternalPage(tableID, pageNo, pageSize int, keyType DBType, raw []byte) (*internalPage, error) {
	buf := bytes.NewBuffer(raw)
	parent, err := readPageIDRef(buf, tableID)
	if err != nil {
		return nil, wrapDbException(MalformedDataError, "decoding internal page parent", err)
	}
	maxEntries := internalPageCapacity(pageSize, keyWidthFor(keyType))
	bitmapBytes := (maxEntries + 1 + 7) / 8
	bitmap := make([]byte, bitmapBytes)
	if _, err := buf.Read(bitmap); err != nil {
		return nil, wrapDbException(MalformedDataError, "decoding internal page bitmap", err)
	}
	occupied := 0
	for occupied < maxEntries && bitmap[occupied/8]&(1<<uint(occupied%8)) != 0 {
		occupied++
	}

	allKeys := make([]Field, maxEntries)
	for i := 0; i < maxEntries; i++ {
		f, err := readField(buf, FieldType{Ftype: keyType})
		if err != nil {
			return nil, wrapDbException(MalformedDataError, "decoding internal page key", err)
		}
		allKeys[i] = f
	}
	allChildren := make([]int32, maxEntries+1)
	for i := 0; i < maxEntries+1; i++ {
		if err := binary.Read(buf, binary.LittleEndian, &allChildren[i]); err != nil {
			return nil, wrapDbException(MalformedDataError, "decoding internal page children", err)
		}
	}
	childCatByte, err := buf.ReadByte()
	if err != nil {
		return nil, wrapDbException(MalformedDataError, "decoding internal page child category", err)
	}

	p := newInternalPage(tableID, pageNo, pageSize, keyType, Category(childCatByte))
	p.parentID = parent
	p.keys = append([]Field{}, allKeys[:occupied]...)
	p.children = make([]int, occupied+1)
	for i := 0; i <= occupied; i++ {
		p.children[i] = int(allChildren[i])
	}
	return p, nil
}
