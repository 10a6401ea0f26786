package txbtree

import (
	"os"
	"sync"

	"go.uber.org/zap"
)

// BTreeFile is the on-disk B+tree backing a single table (spec.md §3,
// §4.3): page 0 is the root-pointer page, followed by data pages of
// fixed pageSize. Every descent goes find_leaf -> split-if-full ->
// mutate -> rebalance-if-underflow, threading a per-operation dirtySet
// that shadows the buffer pool's cache for the life of the call
// (spec.md §9 "Recursion through a mutable dirty set").
type BTreeFile struct {
	tableID       int
	pageSize      int
	desc          *TupleDesc
	bp            *BufferPool
	filterEnabled bool
	logger        *zap.Logger

	mu           sync.Mutex
	file         *os.File
	lock         fileLock
	numDataPages int
}

// OpenBTreeFile opens (creating if necessary) the backing file at path
// and returns a BTreeFile over it. An empty file is initialized with a
// fresh root-pointer page whose root and header are both none (spec.md
// §3 "Lifecycle": "A brand-new B+tree File has no root").
func OpenBTreeFile(path string, tableID int, desc *TupleDesc, bp *BufferPool, cfg *Config) (*BTreeFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, wrapDbException(IOError, "opening backing file", err)
	}
	lock, err := acquireFileLock(f)
	if err != nil {
		f.Close()
		return nil, wrapDbException(IOError, "locking backing file", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	bf := &BTreeFile{
		tableID:       tableID,
		pageSize:      cfg.PageSize,
		desc:          desc,
		bp:            bp,
		filterEnabled: cfg.MembershipFilterEnabled,
		logger:        logger,
		file:          f,
		lock:          lock,
	}

	info, err := f.Stat()
	if err != nil {
		return nil, wrapDbException(IOError, "statting backing file", err)
	}
	if info.Size() == 0 {
		rp := newRootPtrPage(tableID)
		raw, err := rp.Bytes()
		if err != nil {
			return nil, err
		}
		if _, err := f.WriteAt(raw, 0); err != nil {
			return nil, wrapDbException(IOError, "writing initial root-ptr page", err)
		}
		bf.numDataPages = 0
	} else {
		bf.numDataPages = int((info.Size() - rootPtrPageSize) / int64(bf.pageSize))
	}

	logger.Debug("opened btree file", zap.String("path", path), zap.Int("table", tableID), zap.Int("pages", bf.numDataPages))
	return bf, nil
}

// Close releases the advisory lock and closes the backing file.
func (f *BTreeFile) Close() error {
	f.lock.Unlock()
	return f.file.Close()
}

func (f *BTreeFile) ID() int              { return f.tableID }
func (f *BTreeFile) TupleDesc() *TupleDesc { return f.desc }
func (f *BTreeFile) NumPages() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.numDataPages
}

func (f *BTreeFile) offsetOf(pageNo int) int64 {
	return int64(rootPtrPageSize) + int64(pageNo-1)*int64(f.pageSize)
}

// ReadPage reads and decodes the page named by pid directly from the
// backing file, bypassing the buffer pool cache (the cache calls this
// only on a miss, per spec.md §4.2).
func (f *BTreeFile) ReadPage(pid PageID) (Page, error) {
	if pid.Category == RootPtrCategory {
		raw := make([]byte, rootPtrPageSize)
		if _, err := f.file.ReadAt(raw, 0); err != nil {
			return nil, wrapDbException(IOError, "reading root-ptr page", err)
		}
		return decodeRootPtrPage(f.tableID, raw)
	}

	raw := make([]byte, f.pageSize)
	if _, err := f.file.ReadAt(raw, f.offsetOf(pid.PageNo)); err != nil {
		return nil, wrapDbException(IOError, "reading page", err)
	}
	keyType := f.desc.Fields[f.desc.KeyFieldNo].Ftype
	switch pid.Category {
	case InternalCategory:
		return decodeInternalPage(f.tableID, pid.PageNo, f.pageSize, keyType, raw)
	case LeafCategory:
		return decodeLeafPage(f.tableID, pid.PageNo, f.pageSize, f.desc, f.filterEnabled, raw)
	case HeaderCategory:
		return decodeHeaderPage(f.tableID, pid.PageNo, f.pageSize, raw)
	default:
		return nil, newDbException(IllegalOperationError, "ReadPage: unknown category")
	}
}

// WritePage serializes and writes p to its position in the backing
// file, zero-padding to the full page size.
func (f *BTreeFile) WritePage(p Page) error {
	raw, err := p.Bytes()
	if err != nil {
		return err
	}
	pid := p.ID()
	if pid.Category == RootPtrCategory {
		if _, err := f.file.WriteAt(raw, 0); err != nil {
			return wrapDbException(IOError, "writing root-ptr page", err)
		}
		return nil
	}
	if len(raw) < f.pageSize {
		padded := make([]byte, f.pageSize)
		copy(padded, raw)
		raw = padded
	}
	if _, err := f.file.WriteAt(raw, f.offsetOf(pid.PageNo)); err != nil {
		return wrapDbException(IOError, "writing page", err)
	}
	return nil
}

func (f *BTreeFile) zeroPageOnDisk(pageNo int) error {
	raw := make([]byte, f.pageSize)
	if _, err := f.file.WriteAt(raw, f.offsetOf(pageNo)); err != nil {
		return wrapDbException(IOError, "zeroing new page", err)
	}
	return nil
}

func (f *BTreeFile) allocatePageNo() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.numDataPages++
	return f.numDataPages
}

// ---- transaction-local page access ----

func (f *BTreeFile) getPage(tid TransactionID, dirty *dirtySet, pid PageID, perm Permissions) (Page, error) {
	if p, ok := dirty.get(pid); ok {
		return p, nil
	}
	p, err := f.bp.GetPage(tid, f, pid, perm)
	if err != nil {
		return nil, err
	}
	if perm == ReadWrite {
		dirty.put(p)
	}
	return p, nil
}

// ---- free page management (spec.md §4.3.6) ----

// getEmptyPageNo returns a reusable data page number, setting its bit
// (free -> used) in the first header page with a free slot, or -- if
// every existing header page is full -- appends a fresh page to the
// file without touching any header. The append branch is safe because
// a header page's slots default to used (newHeaderPage): a header
// later created lazily over this page's range, by some future
// setEmptyPage, will not mistake it for free.
func (f *BTreeFile) getEmptyPageNo(tid TransactionID, dirty *dirtySet) (int, error) {
	rpObj, err := f.getPage(tid, dirty, rootPtrPageID(f.tableID), ReadWrite)
	if err != nil {
		return 0, err
	}
	rp := rpObj.(*rootPtrPage)

	index := 0
	headerID := rp.headerID
	for !headerID.IsNone() {
		hObj, err := f.getPage(tid, dirty, headerID, ReadWrite)
		if err != nil {
			return 0, err
		}
		h := hObj.(*headerPage)
		if slot := h.findFreeSlot(); slot != -1 {
			h.setBit(slot)
			h.SetDirty(tid, true)
			dirty.put(h)
			return index*h.slotsPerHeader + slot + 1, nil
		}
		index++
		headerID = h.nextHeaderID()
	}
	return f.allocatePageNo(), nil
}

// getOrCreateHeaderAt walks (creating as needed) the header-page chain
// up to the header page at ordinal position index (0-based).
func (f *BTreeFile) getOrCreateHeaderAt(tid TransactionID, dirty *dirtySet, index int) (*headerPage, error) {
	rpObj, err := f.getPage(tid, dirty, rootPtrPageID(f.tableID), ReadWrite)
	if err != nil {
		return nil, err
	}
	rp := rpObj.(*rootPtrPage)

	var current *headerPage
	if rp.headerID.IsNone() {
		newNo := f.allocatePageNo()
		current = newHeaderPage(f.tableID, newNo, f.pageSize)
		// Lock the new page so that commit flushes it and abort discards it.
		if err := f.bp.AcquireWriteLock(tid, current.ID()); err != nil {
			return nil, err
		}
		rp.headerID = current.ID()
		rp.SetDirty(tid, true)
		dirty.put(rp)
		current.SetDirty(tid, true)
		dirty.put(current)
	} else {
		hObj, err := f.getPage(tid, dirty, rp.headerID, ReadWrite)
		if err != nil {
			return nil, err
		}
		current = hObj.(*headerPage)
	}

	for i := 0; i < index; i++ {
		nextID := current.nextHeaderID()
		if nextID.IsNone() {
			newNo := f.allocatePageNo()
			nh := newHeaderPage(f.tableID, newNo, f.pageSize)
			if err := f.bp.AcquireWriteLock(tid, nh.ID()); err != nil {
				return nil, err
			}
			nh.prevHeaderNo = current.pageNo
			current.nextHeaderNo = newNo
			current.SetDirty(tid, true)
			dirty.put(current)
			nh.SetDirty(tid, true)
			dirty.put(nh)
			current = nh
		} else {
			nObj, err := f.getPage(tid, dirty, nextID, ReadWrite)
			if err != nil {
				return nil, err
			}
			current = nObj.(*headerPage)
		}
	}
	return current, nil
}

// setEmptyPage returns pageNo to the free list by clearing its bit,
// creating header pages along the chain if none yet cover it.
func (f *BTreeFile) setEmptyPage(tid TransactionID, dirty *dirtySet, pageNo int) error {
	slotsPerHeader := 8 * (f.pageSize - headerOverhead)
	index := (pageNo - 1) / slotsPerHeader
	slot := (pageNo - 1) % slotsPerHeader
	h, err := f.getOrCreateHeaderAt(tid, dirty, index)
	if err != nil {
		return err
	}
	h.clearBit(slot)
	h.SetDirty(tid, true)
	dirty.put(h)
	return nil
}

// getEmptyPage allocates a free page number, overwrites its on-disk
// content with zeros, discards any stale cache entry, acquires the
// write lock directly (bypassing GetPage's read path, since there is
// nothing meaningful to read yet), and returns a fresh in-memory page
// of the requested category already installed in dirty.
func (f *BTreeFile) getEmptyPage(tid TransactionID, dirty *dirtySet, category, childCat Category) (Page, error) {
	pageNo, err := f.getEmptyPageNo(tid, dirty)
	if err != nil {
		return nil, err
	}
	pid := PageID{TableID: f.tableID, PageNo: pageNo, Category: category}

	f.bp.DiscardPage(PageID{TableID: f.tableID, PageNo: pageNo, Category: InternalCategory})
	f.bp.DiscardPage(PageID{TableID: f.tableID, PageNo: pageNo, Category: LeafCategory})
	f.bp.DiscardPage(PageID{TableID: f.tableID, PageNo: pageNo, Category: HeaderCategory})

	if err := f.zeroPageOnDisk(pageNo); err != nil {
		return nil, err
	}
	if err := f.bp.AcquireWriteLock(tid, pid); err != nil {
		return nil, err
	}

	var page Page
	switch category {
	case InternalCategory:
		page = newInternalPage(f.tableID, pageNo, f.pageSize, f.desc.Fields[f.desc.KeyFieldNo].Ftype, childCat)
	case LeafCategory:
		page = newLeafPage(f.tableID, pageNo, f.pageSize, f.desc, f.filterEnabled)
	default:
		return nil, newDbException(IllegalOperationError, "getEmptyPage: unsupported category")
	}
	page.SetDirty(tid, true)
	dirty.put(page)
	return page, nil
}

func (f *BTreeFile) freePage(tid TransactionID, dirty *dirtySet, pid PageID) error {
	f.bp.DiscardPage(pid)
	dirty.remove(pid)
	return f.setEmptyPage(tid, dirty, pid.PageNo)
}

func ceilDiv(a, b int) int { return (a + b - 1) / b }

// ---- descent ----

// findLeaf descends from pid to the leaf that does or should contain
// key, taking the leftmost path when key is nil (spec.md §4.3.1
// "find_leaf"). Every internal page visited along the way is fetched
// read-only; only the final leaf is fetched under mode.
func (f *BTreeFile) findLeaf(tid TransactionID, dirty *dirtySet, pid PageID, mode Permissions, key Field) (*leafPage, error) {
	if pid.Category == LeafCategory {
		p, err := f.getPage(tid, dirty, pid, mode)
		if err != nil {
			return nil, err
		}
		return p.(*leafPage), nil
	}

	p, err := f.getPage(tid, dirty, pid, ReadOnly)
	if err != nil {
		return nil, err
	}
	internal := p.(*internalPage)

	childIdx := internal.numEntries()
	if key != nil {
		for i := 0; i < internal.numEntries(); i++ {
			ok, err := internal.keys[i].Compare(GreaterThanOrEqual, key)
			if err != nil {
				return nil, err
			}
			if ok {
				childIdx = i
				break
			}
		}
	} else {
		childIdx = 0
	}
	return f.findLeaf(tid, dirty, internal.childID(childIdx), mode, key)
}

func findChildIndex(p *internalPage, childID PageID) int {
	for i, cno := range p.children {
		if cno == childID.PageNo {
			return i
		}
	}
	return -1
}

func (f *BTreeFile) setParentPointer(tid TransactionID, dirty *dirtySet, childID, newParent PageID) error {
	if childID.IsNone() {
		return nil
	}
	child, err := f.getPage(tid, dirty, childID, ReadWrite)
	if err != nil {
		return err
	}
	switch c := child.(type) {
	case *leafPage:
		if c.parentID != newParent {
			c.parentID = newParent
			c.SetDirty(tid, true)
			dirty.put(c)
		}
	case *internalPage:
		if c.parentID != newParent {
			c.parentID = newParent
			c.SetDirty(tid, true)
			dirty.put(c)
		}
	}
	return nil
}

// ---- insert (spec.md §4.3.2) ----

// InsertTuple inserts t into the tree keyed on t's indexed field,
// splitting the target leaf (and cascading into ancestor internal
// pages) as needed, and returns every page this operation touched.
func (f *BTreeFile) InsertTuple(tid TransactionID, t *Tuple) ([]Page, error) {
	dirty := newDirtySet()

	rpObj, err := f.getPage(tid, dirty, rootPtrPageID(f.tableID), ReadWrite)
	if err != nil {
		return nil, err
	}
	rp := rpObj.(*rootPtrPage)

	if rp.rootID.IsNone() {
		leafObj, err := f.getEmptyPage(tid, dirty, LeafCategory, CategoryNone)
		if err != nil {
			return nil, err
		}
		leaf := leafObj.(*leafPage)
		leaf.parentID = rp.ID()
		leaf.SetDirty(tid, true)
		dirty.put(leaf)
		rp.rootID = leaf.ID()
		rp.SetDirty(tid, true)
		dirty.put(rp)
	}

	leaf, err := f.findLeaf(tid, dirty, rp.rootID, ReadWrite, t.key())
	if err != nil {
		return nil, err
	}
	if leaf.isFull() {
		leaf, err = f.splitLeaf(tid, dirty, leaf, t.key())
		if err != nil {
			return nil, err
		}
	}

	leaf.insertSorted(t)
	leaf.SetDirty(tid, true)
	dirty.put(leaf)

	pages := dirty.touched()
	f.bp.InstallDirty(tid, f, pages)
	return pages, nil
}

// splitLeaf splits a full leaf L in two, threads the new leaf R into
// the sibling chain, pushes a separator entry into L's parent
// (recursively splitting ancestors as needed), and returns whichever
// of L/R should receive newKey (spec.md §4.3.4 "Leaf split").
func (f *BTreeFile) splitLeaf(tid TransactionID, dirty *dirtySet, L *leafPage, newKey Field) (*leafPage, error) {
	rObj, err := f.getEmptyPage(tid, dirty, LeafCategory, CategoryNone)
	if err != nil {
		return nil, err
	}
	R := rObj.(*leafPage)

	moveCount := len(L.tuples) / 2
	split := len(L.tuples) - moveCount
	R.tuples = append(R.tuples, L.tuples[split:]...)
	L.tuples = L.tuples[:split]
	L.renumber()
	R.renumber()
	L.rebuildMembership()
	R.rebuildMembership()

	oldRightID := L.rightSiblingID()
	R.leftSiblingNo = L.pageNo
	R.rightSiblingNo = oldRightID.PageNo
	L.rightSiblingNo = R.pageNo
	if !oldRightID.IsNone() {
		sObj, err := f.getPage(tid, dirty, oldRightID, ReadWrite)
		if err != nil {
			return nil, err
		}
		s := sObj.(*leafPage)
		s.leftSiblingNo = R.pageNo
		s.SetDirty(tid, true)
		dirty.put(s)
	}

	parent, err := f.parentWithEmptySlot(tid, dirty, L.parentID, L.ID(), R.firstKey())
	if err != nil {
		return nil, err
	}
	idx := findChildIndex(parent, L.ID())
	parent.insertEntryAt(idx, R.firstKey(), L.ID(), R.ID())
	parent.SetDirty(tid, true)
	dirty.put(parent)

	L.parentID = parent.ID()
	R.parentID = parent.ID()
	L.SetDirty(tid, true)
	dirty.put(L)
	R.SetDirty(tid, true)
	dirty.put(R)

	ok, err := newKey.Compare(LessThanOrEqual, R.firstKey())
	if err != nil {
		return nil, err
	}
	if ok {
		return L, nil
	}
	return R, nil
}

// parentWithEmptySlot returns an internal page with a free slot that
// is (or, after any necessary ancestor splits, becomes) the parent of
// oldChildID, creating a new internal root if oldChildID's parent is
// currently the root-pointer page (spec.md §4.3.4 "parent_with_empty_slot").
func (f *BTreeFile) parentWithEmptySlot(tid TransactionID, dirty *dirtySet, parentID, oldChildID PageID, key Field) (*internalPage, error) {
	if parentID.Category == RootPtrCategory {
		newRootObj, err := f.getEmptyPage(tid, dirty, InternalCategory, oldChildID.Category)
		if err != nil {
			return nil, err
		}
		newRoot := newRootObj.(*internalPage)
		newRoot.parentID = parentID
		newRoot.children[0] = oldChildID.PageNo

		rpObj, err := f.getPage(tid, dirty, parentID, ReadWrite)
		if err != nil {
			return nil, err
		}
		rp := rpObj.(*rootPtrPage)
		rp.rootID = newRoot.ID()
		rp.SetDirty(tid, true)
		dirty.put(rp)

		if err := f.setParentPointer(tid, dirty, oldChildID, newRoot.ID()); err != nil {
			return nil, err
		}
		newRoot.SetDirty(tid, true)
		dirty.put(newRoot)
		return newRoot, nil
	}

	p, err := f.getPage(tid, dirty, parentID, ReadWrite)
	if err != nil {
		return nil, err
	}
	parent := p.(*internalPage)
	if parent.isFull() {
		return f.splitInternal(tid, dirty, parent, key)
	}
	return parent, nil
}

// splitInternal splits a full internal page L, pushing its median key
// up into L's own parent (recursing as needed) and returns whichever
// of L/R is on the correct side of key (spec.md §4.3.4 "Internal split").
//
// The move is expressed as a direct slice partition rather than the
// repeated rightmost-entry relocation the prose describes; the two are
// equivalent end states, since each step of that procedure only ever
// relocates the next entry in from the right.
func (f *BTreeFile) splitInternal(tid TransactionID, dirty *dirtySet, L *internalPage, key Field) (*internalPage, error) {
	rObj, err := f.getEmptyPage(tid, dirty, InternalCategory, L.childCat)
	if err != nil {
		return nil, err
	}
	R := rObj.(*internalPage)

	n := L.numEntries()
	moveCount := ceilDiv(n+1, 2)
	m := n - moveCount
	if m < 0 {
		m = 0
	}

	pushedKey := L.keys[m]
	movedKeys := append([]Field{}, L.keys[m+1:]...)
	movedChildren := append([]int{}, L.children[m+1:]...)

	L.keys = L.keys[:m]
	L.children = L.children[:m+1]

	R.keys = movedKeys
	R.children = movedChildren

	for _, cno := range R.children {
		if cno == 0 {
			continue
		}
		childID := PageID{TableID: f.tableID, PageNo: cno, Category: R.childCat}
		if err := f.setParentPointer(tid, dirty, childID, R.ID()); err != nil {
			return nil, err
		}
	}

	parent, err := f.parentWithEmptySlot(tid, dirty, L.parentID, L.ID(), pushedKey)
	if err != nil {
		return nil, err
	}
	idx := findChildIndex(parent, L.ID())
	parent.insertEntryAt(idx, pushedKey, L.ID(), R.ID())
	parent.SetDirty(tid, true)
	dirty.put(parent)

	L.parentID = parent.ID()
	R.parentID = parent.ID()
	L.SetDirty(tid, true)
	dirty.put(L)
	R.SetDirty(tid, true)
	dirty.put(R)

	ok, err := key.Compare(LessThan, pushedKey)
	if err != nil {
		return nil, err
	}
	if ok {
		return L, nil
	}
	return R, nil
}

// ---- delete (spec.md §4.3.3) ----

// DeleteTuple removes t (located by its RecordID) from its leaf,
// rebalancing the tree on underflow, and returns every page touched.
func (f *BTreeFile) DeleteTuple(tid TransactionID, t *Tuple) ([]Page, error) {
	if t.Rid == nil {
		return nil, newDbException(NoSuchTupleError, "tuple has no RecordID")
	}
	dirty := newDirtySet()

	leafObj, err := f.getPage(tid, dirty, t.Rid.PageID, ReadWrite)
	if err != nil {
		return nil, err
	}
	leaf := leafObj.(*leafPage)
	if t.Rid.Slot < 0 || t.Rid.Slot >= len(leaf.tuples) {
		return nil, newDbException(NoSuchTupleError, "record id does not name a live tuple")
	}

	leaf.deleteAt(t.Rid.Slot)
	leaf.SetDirty(tid, true)
	dirty.put(leaf)

	if leaf.parentID.Category != RootPtrCategory {
		minLeaf := ceilDiv(leaf.maxTuples, 2)
		if len(leaf.tuples) < minLeaf {
			if err := f.handleLeafUnderflow(tid, dirty, leaf); err != nil {
				return nil, err
			}
		}
	}

	pages := dirty.touched()
	f.bp.InstallDirty(tid, f, pages)
	return pages, nil
}

func (f *BTreeFile) handleLeafUnderflow(tid TransactionID, dirty *dirtySet, leaf *leafPage) error {
	parentObj, err := f.getPage(tid, dirty, leaf.parentID, ReadWrite)
	if err != nil {
		return err
	}
	parent := parentObj.(*internalPage)
	idx := findChildIndex(parent, leaf.ID())

	var left, right *leafPage
	if idx > 0 {
		lo, err := f.getPage(tid, dirty, parent.childID(idx-1), ReadWrite)
		if err != nil {
			return err
		}
		left = lo.(*leafPage)
	}
	if idx < parent.numEntries() {
		ro, err := f.getPage(tid, dirty, parent.childID(idx+1), ReadWrite)
		if err != nil {
			return err
		}
		right = ro.(*leafPage)
	}

	minLeaf := ceilDiv(leaf.maxTuples, 2)

	if left != nil {
		if len(left.tuples)+len(leaf.tuples) >= 2*minLeaf {
			return f.redistributeLeafFromLeft(tid, dirty, leaf, left, parent, idx-1)
		}
		return f.mergeLeaf(tid, dirty, left, leaf, parent, idx-1)
	}
	if right != nil {
		if len(right.tuples)+len(leaf.tuples) >= 2*minLeaf {
			return f.redistributeLeafFromRight(tid, dirty, leaf, right, parent, idx)
		}
		return f.mergeLeaf(tid, dirty, leaf, right, parent, idx)
	}
	return nil
}

func (f *BTreeFile) redistributeLeafFromLeft(tid TransactionID, dirty *dirtySet, deficient, left *leafPage, parent *internalPage, sepIdx int) error {
	moveCount := (len(left.tuples) - len(deficient.tuples)) / 2
	if moveCount < 1 {
		moveCount = 1
	}
	moved := append([]*Tuple{}, left.tuples[len(left.tuples)-moveCount:]...)
	left.tuples = left.tuples[:len(left.tuples)-moveCount]
	deficient.tuples = append(append([]*Tuple{}, moved...), deficient.tuples...)

	left.renumber()
	left.rebuildMembership()
	deficient.renumber()
	deficient.rebuildMembership()

	parent.keys[sepIdx] = deficient.firstKey()

	left.SetDirty(tid, true)
	dirty.put(left)
	deficient.SetDirty(tid, true)
	dirty.put(deficient)
	parent.SetDirty(tid, true)
	dirty.put(parent)
	return nil
}

func (f *BTreeFile) redistributeLeafFromRight(tid TransactionID, dirty *dirtySet, deficient, right *leafPage, parent *internalPage, sepIdx int) error {
	moveCount := (len(right.tuples) - len(deficient.tuples)) / 2
	if moveCount < 1 {
		moveCount = 1
	}
	moved := append([]*Tuple{}, right.tuples[:moveCount]...)
	right.tuples = right.tuples[moveCount:]
	deficient.tuples = append(deficient.tuples, moved...)

	right.renumber()
	right.rebuildMembership()
	deficient.renumber()
	deficient.rebuildMembership()

	parent.keys[sepIdx] = right.firstKey()

	right.SetDirty(tid, true)
	dirty.put(right)
	deficient.SetDirty(tid, true)
	dirty.put(deficient)
	parent.SetDirty(tid, true)
	dirty.put(parent)
	return nil
}

func (f *BTreeFile) mergeLeaf(tid TransactionID, dirty *dirtySet, left, right *leafPage, parent *internalPage, sepIdx int) error {
	left.tuples = append(left.tuples, right.tuples...)
	left.renumber()
	left.rebuildMembership()

	left.rightSiblingNo = right.rightSiblingNo
	rightRightID := right.rightSiblingID()
	if !rightRightID.IsNone() {
		sObj, err := f.getPage(tid, dirty, rightRightID, ReadWrite)
		if err != nil {
			return err
		}
		s := sObj.(*leafPage)
		s.leftSiblingNo = left.pageNo
		s.SetDirty(tid, true)
		dirty.put(s)
	}
	left.SetDirty(tid, true)
	dirty.put(left)

	parent.deleteEntryAt(sepIdx)
	parent.SetDirty(tid, true)
	dirty.put(parent)

	if err := f.freePage(tid, dirty, right.ID()); err != nil {
		return err
	}

	return f.handleInternalUnderflow(tid, dirty, parent)
}

// handleInternalUnderflow checks node (which may be the page whose
// entry count dropped because it just lost an entry to a child merge,
// or an internal page the caller found directly underflowing) and
// rebalances or shrinks the root as needed (spec.md §4.3.5 "Internal
// redistribution", "Internal merge", "Root collapse").
func (f *BTreeFile) handleInternalUnderflow(tid TransactionID, dirty *dirtySet, node *internalPage) error {
	if node.parentID.Category == RootPtrCategory {
		if node.numEntries() == 0 {
			rpObj, err := f.getPage(tid, dirty, node.parentID, ReadWrite)
			if err != nil {
				return err
			}
			rp := rpObj.(*rootPtrPage)
			childID := node.childID(0)
			rp.rootID = childID
			rp.SetDirty(tid, true)
			dirty.put(rp)
			if !childID.IsNone() {
				if err := f.setParentPointer(tid, dirty, childID, rp.ID()); err != nil {
					return err
				}
			}
			return f.freePage(tid, dirty, node.ID())
		}
		return nil
	}

	minInt := ceilDiv(node.maxEntries, 2)
	if node.numEntries() >= minInt {
		return nil
	}

	parentObj, err := f.getPage(tid, dirty, node.parentID, ReadWrite)
	if err != nil {
		return err
	}
	parent := parentObj.(*internalPage)
	idx := findChildIndex(parent, node.ID())

	var left, right *internalPage
	if idx > 0 {
		lo, err := f.getPage(tid, dirty, parent.childID(idx-1), ReadWrite)
		if err != nil {
			return err
		}
		left = lo.(*internalPage)
	}
	if idx < parent.numEntries() {
		ro, err := f.getPage(tid, dirty, parent.childID(idx+1), ReadWrite)
		if err != nil {
			return err
		}
		right = ro.(*internalPage)
	}

	if left != nil {
		if left.numEntries()+node.numEntries()+1 >= 2*minInt {
			return f.redistributeInternalFromLeft(tid, dirty, node, left, parent, idx-1)
		}
		return f.mergeInternal(tid, dirty, left, node, parent, idx-1)
	}
	if right != nil {
		if right.numEntries()+node.numEntries()+1 >= 2*minInt {
			return f.redistributeInternalFromRight(tid, dirty, node, right, parent, idx)
		}
		return f.mergeInternal(tid, dirty, node, right, parent, idx)
	}
	return nil
}

func (f *BTreeFile) redistributeInternalFromLeft(tid TransactionID, dirty *dirtySet, node, left *internalPage, parent *internalPage, sepIdx int) error {
	minNode := ceilDiv(node.maxEntries, 2)
	minLeft := ceilDiv(left.maxEntries, 2)
	for node.numEntries() < minNode && left.numEntries() > minLeft {
		sepKey := parent.keys[sepIdx]
		lastLeftKey := left.keys[left.numEntries()-1]
		lastLeftChild := left.childID(left.numEntries())

		left.keys = left.keys[:len(left.keys)-1]
		left.children = left.children[:len(left.children)-1]

		oldFirstChild := node.childID(0)
		node.insertEntryAt(0, sepKey, lastLeftChild, oldFirstChild)
		if err := f.setParentPointer(tid, dirty, lastLeftChild, node.ID()); err != nil {
			return err
		}
		parent.keys[sepIdx] = lastLeftKey
	}
	left.SetDirty(tid, true)
	dirty.put(left)
	node.SetDirty(tid, true)
	dirty.put(node)
	parent.SetDirty(tid, true)
	dirty.put(parent)
	return nil
}

func (f *BTreeFile) redistributeInternalFromRight(tid TransactionID, dirty *dirtySet, node, right *internalPage, parent *internalPage, sepIdx int) error {
	minNode := ceilDiv(node.maxEntries, 2)
	minRight := ceilDiv(right.maxEntries, 2)
	for node.numEntries() < minNode && right.numEntries() > minRight {
		sepKey := parent.keys[sepIdx]
		firstRightKey := right.keys[0]
		firstRightChild := right.childID(0)

		right.keys = right.keys[1:]
		right.children = right.children[1:]

		oldLastChild := node.childID(node.numEntries())
		node.insertEntryAt(node.numEntries(), sepKey, oldLastChild, firstRightChild)
		if err := f.setParentPointer(tid, dirty, firstRightChild, node.ID()); err != nil {
			return err
		}
		parent.keys[sepIdx] = firstRightKey
	}
	node.SetDirty(tid, true)
	dirty.put(node)
	right.SetDirty(tid, true)
	dirty.put(right)
	parent.SetDirty(tid, true)
	dirty.put(parent)
	return nil
}

func (f *BTreeFile) mergeInternal(tid TransactionID, dirty *dirtySet, left, right *internalPage, parent *internalPage, sepIdx int) error {
	sepKey := parent.keys[sepIdx]

	left.keys = append(left.keys, sepKey)
	left.keys = append(left.keys, right.keys...)
	left.children = append(left.children, right.children...)

	for _, cno := range right.children {
		if cno == 0 {
			continue
		}
		childID := PageID{TableID: f.tableID, PageNo: cno, Category: right.childCat}
		if err := f.setParentPointer(tid, dirty, childID, left.ID()); err != nil {
			return err
		}
	}
	left.SetDirty(tid, true)
	dirty.put(left)

	parent.deleteEntryAt(sepIdx)
	parent.SetDirty(tid, true)
	dirty.put(parent)

	if err := f.freePage(tid, dirty, right.ID()); err != nil {
		return err
	}

	return f.handleInternalUnderflow(tid, dirty, parent)
}

// ---- iteration (spec.md §4.3.7) ----

// Iterator returns a pull-style cursor over every tuple in key order,
// starting from the leftmost leaf.
func (f *BTreeFile) Iterator(tid TransactionID) (func() (*Tuple, error), error) {
	rpObj, err := f.getPage(tid, newDirtySet(), rootPtrPageID(f.tableID), ReadOnly)
	if err != nil {
		return nil, err
	}
	rp := rpObj.(*rootPtrPage)
	if rp.rootID.IsNone() {
		return func() (*Tuple, error) { return nil, nil }, nil
	}
	leaf, err := f.findLeaf(tid, newDirtySet(), rp.rootID, ReadOnly, nil)
	if err != nil {
		return nil, err
	}
	idx := 0
	return func() (*Tuple, error) {
		for {
			if leaf == nil {
				return nil, nil
			}
			if idx < len(leaf.tuples) {
				t := leaf.tuples[idx]
				idx++
				return t, nil
			}
			nextID := leaf.rightSiblingID()
			if nextID.IsNone() {
				return nil, nil
			}
			nObj, err := f.getPage(tid, newDirtySet(), nextID, ReadOnly)
			if err != nil {
				return nil, err
			}
			leaf = nObj.(*leafPage)
			idx = 0
		}
	}, nil
}

// IndexIterator returns a pull-style cursor over tuples whose key
// satisfies `key op value`, seeking directly to the first candidate
// leaf and stopping early for LessThan/LessThanOrEqual once the
// predicate can no longer hold (spec.md §4.3.7 "index_iterator").
func (f *BTreeFile) IndexIterator(tid TransactionID, op BoolOp, value Field) (func() (*Tuple, error), error) {
	rpObj, err := f.getPage(tid, newDirtySet(), rootPtrPageID(f.tableID), ReadOnly)
	if err != nil {
		return nil, err
	}
	rp := rpObj.(*rootPtrPage)
	if rp.rootID.IsNone() {
		return func() (*Tuple, error) { return nil, nil }, nil
	}

	var seekKey Field
	switch op {
	case Equals, GreaterThan, GreaterThanOrEqual:
		seekKey = value
	default:
		seekKey = nil
	}
	leaf, err := f.findLeaf(tid, newDirtySet(), rp.rootID, ReadOnly, seekKey)
	if err != nil {
		return nil, err
	}
	idx := 0
	done := false

	return func() (*Tuple, error) {
		for {
			if done || leaf == nil {
				return nil, nil
			}
			if op == Equals && idx == 0 && leaf.membership != nil && !leaf.membership.mayContain(value) {
				idx = len(leaf.tuples)
			}
			for idx < len(leaf.tuples) {
				t := leaf.tuples[idx]
				idx++
				key := t.key()
				switch op {
				case Equals:
					ok, err := key.Compare(Equals, value)
					if err != nil {
						return nil, err
					}
					if ok {
						return t, nil
					}
					gt, err := key.Compare(GreaterThan, value)
					if err != nil {
						return nil, err
					}
					if gt {
						done = true
						return nil, nil
					}
				case GreaterThan, GreaterThanOrEqual:
					ok, err := key.Compare(op, value)
					if err != nil {
						return nil, err
					}
					if ok {
						return t, nil
					}
				case LessThan, LessThanOrEqual:
					ok, err := key.Compare(op, value)
					if err != nil {
						return nil, err
					}
					if ok {
						return t, nil
					}
					done = true
					return nil, nil
				case NotEquals:
					ok, err := key.Compare(NotEquals, value)
					if err != nil {
						return nil, err
					}
					if ok {
						return t, nil
					}
				}
			}
			nextID := leaf.rightSiblingID()
			if nextID.IsNone() {
				return nil, nil
			}
			nObj, err := f.getPage(tid, newDirtySet(), nextID, ReadOnly)
			if err != nil {
				return nil, err
			}
			leaf = nObj.(*leafPage)
			idx = 0
		}
	}, nil
}
