package txbtree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePage and fakeDbFile give the buffer pool tests a minimal in-memory
// DbFile, isolating them from BTreeFile/HeapFile's on-disk format.
type fakePage struct {
	pid      PageID
	dirty    bool
	dirtyTID TransactionID
}

func (p *fakePage) ID() PageID                           { return p.pid }
func (p *fakePage) IsDirty() (bool, TransactionID)       { return p.dirty, p.dirtyTID }
func (p *fakePage) SetDirty(tid TransactionID, dirty bool) {
	p.dirty = dirty
	if dirty {
		p.dirtyTID = tid
	}
}
func (p *fakePage) Bytes() ([]byte, error) { return []byte{}, nil }

type fakeDbFile struct {
	id     int
	desc   *TupleDesc
	reads  int
	pages  map[PageID]*fakePage
	writes []PageID
}

func newFakeDbFile(id int) *fakeDbFile {
	return &fakeDbFile{id: id, desc: &TupleDesc{}, pages: make(map[PageID]*fakePage)}
}

func (f *fakeDbFile) ID() int               { return f.id }
func (f *fakeDbFile) TupleDesc() *TupleDesc { return f.desc }
func (f *fakeDbFile) NumPages() int         { return len(f.pages) }

func (f *fakeDbFile) ReadPage(pid PageID) (Page, error) {
	f.reads++
	if p, ok := f.pages[pid]; ok {
		return p, nil
	}
	p := &fakePage{pid: pid}
	f.pages[pid] = p
	return p, nil
}

func (f *fakeDbFile) WritePage(p Page) error {
	f.writes = append(f.writes, p.ID())
	return nil
}

func (f *fakeDbFile) InsertTuple(tid TransactionID, t *Tuple) ([]Page, error) { return nil, nil }
func (f *fakeDbFile) DeleteTuple(tid TransactionID, t *Tuple) ([]Page, error) { return nil, nil }
func (f *fakeDbFile) Iterator(tid TransactionID) (func() (*Tuple, error), error) {
	return func() (*Tuple, error) { return nil, nil }, nil
}

func testBufferPool(capacity int) (*BufferPool, *fakeDbFile) {
	lm := NewLockManager(200, 50, nil)
	return NewBufferPool(capacity, lm, nil), newFakeDbFile(1)
}

func TestBufferPoolCachesPage(t *testing.T) {
	bp, file := testBufferPool(10)
	pid := PageID{TableID: 1, PageNo: 1, Category: LeafCategory}

	_, err := bp.GetPage(1, file, pid, ReadOnly)
	require.NoError(t, err)
	_, err = bp.GetPage(1, file, pid, ReadOnly)
	require.NoError(t, err)

	assert.Equal(t, 1, file.reads, "second GetPage should hit the cache")
}

func TestBufferPoolEvictsNonDirtyLRU(t *testing.T) {
	bp, file := testBufferPool(2)
	pidA := PageID{TableID: 1, PageNo: 1, Category: LeafCategory}
	pidB := PageID{TableID: 1, PageNo: 2, Category: LeafCategory}
	pidC := PageID{TableID: 1, PageNo: 3, Category: LeafCategory}

	_, err := bp.GetPage(1, file, pidA, ReadOnly)
	require.NoError(t, err)
	_, err = bp.GetPage(1, file, pidB, ReadOnly)
	require.NoError(t, err)
	_, err = bp.GetPage(1, file, pidC, ReadOnly)
	require.NoError(t, err)

	assert.Len(t, bp.entries, 2)
	_, hasA := bp.entries[pidA]
	assert.False(t, hasA, "oldest page should have been evicted")
}

func TestBufferPoolRefusesToEvictAllDirty(t *testing.T) {
	bp, file := testBufferPool(1)
	pidA := PageID{TableID: 1, PageNo: 1, Category: LeafCategory}
	pidB := PageID{TableID: 1, PageNo: 2, Category: LeafCategory}

	pA, err := bp.GetPage(1, file, pidA, ReadWrite)
	require.NoError(t, err)
	pA.SetDirty(1, true)

	_, err = bp.GetPage(1, file, pidB, ReadOnly)
	require.Error(t, err)
	var dbErr DbException
	require.ErrorAs(t, err, &dbErr)
	assert.Equal(t, BufferPoolFullError, dbErr.Code)
}

func TestBufferPoolTransactionCompleteCommitFlushes(t *testing.T) {
	bp, file := testBufferPool(10)
	pid := PageID{TableID: 1, PageNo: 1, Category: LeafCategory}

	p, err := bp.GetPage(1, file, pid, ReadWrite)
	require.NoError(t, err)
	p.SetDirty(1, true)

	require.NoError(t, bp.TransactionComplete(1, true))
	assert.Contains(t, file.writes, pid)
	assert.False(t, bp.HoldsLock(1, pid))
}

func TestBufferPoolTransactionCompleteAbortDiscards(t *testing.T) {
	bp, file := testBufferPool(10)
	pid := PageID{TableID: 1, PageNo: 1, Category: LeafCategory}

	p, err := bp.GetPage(1, file, pid, ReadWrite)
	require.NoError(t, err)
	p.SetDirty(1, true)

	require.NoError(t, bp.TransactionComplete(1, false))
	assert.Empty(t, file.writes)
	_, cached := bp.entries[pid]
	assert.False(t, cached)
}
