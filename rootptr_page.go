package txbtree

import (
	"bytes"
	"encoding/binary"
)

// rootPtrPageSize is the fixed, smaller-than-a-data-page size of page
// 0: two PageID-ish fields, (page number int32 + category byte) each
// (spec.md §6 "Root-pointer page format").
const rootPtrPageSize = (4 + 1) * 2

// rootPtrPage holds the id of the current root (possibly none on an
// empty tree) and the id of the first header page (possibly none).
type rootPtrPage struct {
	tableID int
	rootID  PageID
	headerID PageID

	dirty bool
	dirtyTID TransactionID
}

func newRootPtrPage(tableID int) *rootPtrPage {
	return &rootPtrPage{tableID: tableID}
}

func (p *rootPtrPage) ID() PageID { return rootPtrPageID(p.tableID) }

func (p *rootPtrPage) IsDirty() (bool, TransactionID) { return p.dirty, p.dirtyTID }

func (p *rootPtrPage) SetDirty(tid TransactionID, dirty bool) {
	p.dirty = dirty
	if dirty {
		p.dirtyTID = tid
	}
}

func writePageIDRef(buf *bytes.Buffer, id PageID) error {
	if err := binary.Write(buf, binary.LittleEndian, int32(id.PageNo)); err != nil {
		return err
	}
	return buf.WriteByte(byte(id.Category))
}

func readPageIDRef(buf *bytes.Buffer, tableID int) (PageID, error) {
	var pageNo int32
	if err := binary.Read(buf, binary.LittleEndian, &pageNo); err != nil {
		return PageID{}, err
	}
	cat, err := buf.ReadByte()
	if err != nil {
		return PageID{}, err
	}
	if Category(cat) == CategoryNone {
		return PageID{}, nil
	}
	return PageID{TableID: tableID, PageNo: int(pageNo), Category: Category(cat)}, nil
}

func (p *rootPtrPage) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := writePageIDRef(buf, p.rootID); err != nil {
		return nil, wrapDbException(IOError, "serializing root-ptr page", err)
	}
	if err := writePageIDRef(buf, p.headerID); err != nil {
		return nil, wrapDbException(IOError, "serializing root-ptr page", err)
	}
	return buf.Bytes(), nil
}

func decodeRootPtrPage(tableID int, raw []byte) (*rootPtrPage, error) {
	buf := bytes.NewBuffer(raw)
	p := newRootPtrPage(tableID)
	root, err := readPageIDRef(buf, tableID)
	if err != nil {
		return nil, wrapDbException(MalformedDataError, "decoding root-ptr page", err)
	}
	header, err := readPageIDRef(buf, tableID)
	if err != nil {
		return nil, wrapDbException(MalformedDataError, "decoding root-ptr page", err)
	}
	p.rootID = root
	p.headerID = header
	return p, nil
}
