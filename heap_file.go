package txbtree

import (
	"os"
	"sync"
)

// HeapFile is the supplementary unordered DbFile implementation
// (SPEC_FULL.md §4): no index structure, tuples live wherever they
// first find a free slot, insert scans existing pages before appending
// a new one, delete just clears a slot. It shares the BufferPool/
// LockManager stack with BTreeFile so the Catalog can hold a mix of
// both, exercising DbFile as a genuine interface rather than a single
// concrete type.
type HeapFile struct {
	tableID  int
	pageSize int
	desc     *TupleDesc
	bp       *BufferPool

	mu       sync.Mutex
	file     *os.File
	lock     fileLock
	numPages int
}

// OpenHeapFile opens (creating if necessary) the backing file at path.
func OpenHeapFile(path string, tableID int, desc *TupleDesc, bp *BufferPool, cfg *Config) (*HeapFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, wrapDbException(IOError, "opening heap file", err)
	}
	lock, err := acquireFileLock(f)
	if err != nil {
		f.Close()
		return nil, wrapDbException(IOError, "locking heap file", err)
	}
	info, err := f.Stat()
	if err != nil {
		return nil, wrapDbException(IOError, "statting heap file", err)
	}
	return &HeapFile{
		tableID:  tableID,
		pageSize: cfg.PageSize,
		desc:     desc,
		bp:       bp,
		file:     f,
		lock:     lock,
		numPages: int(info.Size() / int64(cfg.PageSize)),
	}, nil
}

func (f *HeapFile) Close() error {
	f.lock.Unlock()
	return f.file.Close()
}

func (f *HeapFile) ID() int               { return f.tableID }
func (f *HeapFile) TupleDesc() *TupleDesc { return f.desc }
func (f *HeapFile) NumPages() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.numPages
}

func (f *HeapFile) pageID(pageNo int) PageID {
	return PageID{TableID: f.tableID, PageNo: pageNo, Category: HeapCategory}
}

func (f *HeapFile) ReadPage(pid PageID) (Page, error) {
	raw := make([]byte, f.pageSize)
	if _, err := f.file.ReadAt(raw, int64(pid.PageNo)*int64(f.pageSize)); err != nil {
		return nil, wrapDbException(IOError, "reading heap page", err)
	}
	return decodeHeapPage(f.tableID, pid.PageNo, f.pageSize, f.desc, raw)
}

func (f *HeapFile) WritePage(p Page) error {
	raw, err := p.Bytes()
	if err != nil {
		return err
	}
	if len(raw) < f.pageSize {
		padded := make([]byte, f.pageSize)
		copy(padded, raw)
		raw = padded
	}
	if _, err := f.file.WriteAt(raw, int64(p.ID().PageNo)*int64(f.pageSize)); err != nil {
		return wrapDbException(IOError, "writing heap page", err)
	}
	return nil
}

func (f *HeapFile) allocatePage() (*heapPage, error) {
	f.mu.Lock()
	pageNo := f.numPages
	f.numPages++
	f.mu.Unlock()

	p := newHeapPage(f.tableID, pageNo, f.pageSize, f.desc)
	raw, err := p.Bytes()
	if err != nil {
		return nil, err
	}
	if _, err := f.file.WriteAt(raw, int64(pageNo)*int64(f.pageSize)); err != nil {
		return nil, wrapDbException(IOError, "allocating heap page", err)
	}
	return p, nil
}

// InsertTuple scans existing pages under a write lock for a free slot,
// appending a fresh page only once every existing page is full.
func (f *HeapFile) InsertTuple(tid TransactionID, t *Tuple) ([]Page, error) {
	n := f.NumPages()
	for pageNo := 0; pageNo < n; pageNo++ {
		pObj, err := f.bp.GetPage(tid, f, f.pageID(pageNo), ReadWrite)
		if err != nil {
			return nil, err
		}
		hp := pObj.(*heapPage)
		if slot := hp.firstFreeSlot(); slot != -1 {
			hp.insertAt(slot, t)
			hp.SetDirty(tid, true)
			pages := []Page{hp}
			f.bp.InstallDirty(tid, f, pages)
			return pages, nil
		}
	}

	hp, err := f.allocatePage()
	if err != nil {
		return nil, err
	}
	if err := f.bp.AcquireWriteLock(tid, hp.ID()); err != nil {
		return nil, err
	}
	hp.insertAt(0, t)
	hp.SetDirty(tid, true)
	pages := []Page{hp}
	f.bp.InstallDirty(tid, f, pages)
	return pages, nil
}

// DeleteTuple clears t's slot, located by its RecordID.
func (f *HeapFile) DeleteTuple(tid TransactionID, t *Tuple) ([]Page, error) {
	if t.Rid == nil {
		return nil, newDbException(NoSuchTupleError, "tuple has no RecordID")
	}
	pObj, err := f.bp.GetPage(tid, f, t.Rid.PageID, ReadWrite)
	if err != nil {
		return nil, err
	}
	hp := pObj.(*heapPage)
	if t.Rid.Slot < 0 || t.Rid.Slot >= len(hp.tuples) || hp.tuples[t.Rid.Slot] == nil {
		return nil, newDbException(NoSuchTupleError, "record id does not name a live tuple")
	}
	hp.deleteAt(t.Rid.Slot)
	hp.SetDirty(tid, true)
	pages := []Page{hp}
	f.bp.InstallDirty(tid, f, pages)
	return pages, nil
}

// Iterator walks every page in file order, yielding live tuples.
func (f *HeapFile) Iterator(tid TransactionID) (func() (*Tuple, error), error) {
	pageNo := 0
	slot := 0
	var current *heapPage
	n := f.NumPages()

	return func() (*Tuple, error) {
		for {
			if current == nil {
				if pageNo >= n {
					return nil, nil
				}
				pObj, err := f.bp.GetPage(tid, f, f.pageID(pageNo), ReadOnly)
				if err != nil {
					return nil, err
				}
				current = pObj.(*heapPage)
				slot = 0
			}
			for slot < len(current.tuples) {
				t := current.tuples[slot]
				slot++
				if t != nil {
					return t, nil
				}
			}
			current = nil
			pageNo++
		}
	}, nil
}
