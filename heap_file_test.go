package txbtree

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestHeapFile(t *testing.T, pageSize int) (*HeapFile, *TransactionManager) {
	t.Helper()
	dir := t.TempDir()
	desc := &TupleDesc{Fields: []FieldType{{Fname: "k", Ftype: IntType}}, KeyFieldNo: 0}
	cfg := NewConfig(WithPageSize(pageSize))
	lm := NewLockManager(300*time.Millisecond, 50*time.Millisecond, nil)
	bp := NewBufferPool(cfg.BufferPoolCap, lm, nil)
	f, err := OpenHeapFile(filepath.Join(dir, "t.heap"), 2, desc, bp, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f, NewTransactionManager(bp)
}

func heapScan(t *testing.T, f *HeapFile, txns *TransactionManager) []int64 {
	t.Helper()
	tid := txns.Begin()
	it, err := f.Iterator(tid)
	require.NoError(t, err)
	var got []int64
	for {
		tup, err := it()
		require.NoError(t, err)
		if tup == nil {
			break
		}
		got = append(got, tup.Fields[0].(IntField).Value)
	}
	require.NoError(t, txns.Commit(tid))
	return got
}

func TestHeapFileInsertAndScan(t *testing.T) {
	f, txns := openTestHeapFile(t, 64) // a few tuples per page at tupleWidth 8

	for _, k := range []int64{10, 20, 30} {
		tid := txns.Begin()
		_, err := f.InsertTuple(tid, &Tuple{Desc: f.desc, Fields: []Field{IntField{Value: k}}})
		require.NoError(t, err)
		require.NoError(t, txns.Commit(tid))
	}

	assert.ElementsMatch(t, []int64{10, 20, 30}, heapScan(t, f, txns))
}

// TestHeapFileSpillsToNewPage covers the unordered file's only
// allocation rule: once every existing page is full, insert appends a
// fresh page rather than failing.
func TestHeapFileSpillsToNewPage(t *testing.T) {
	f, txns := openTestHeapFile(t, 32) // small enough that one page holds very few tuples

	const n = 25
	for k := int64(0); k < n; k++ {
		tid := txns.Begin()
		_, err := f.InsertTuple(tid, &Tuple{Desc: f.desc, Fields: []Field{IntField{Value: k}}})
		require.NoError(t, err)
		require.NoError(t, txns.Commit(tid))
	}

	assert.Greater(t, f.NumPages(), 1, "inserting many tuples into a small-paged heap file should allocate more than one page")
	assert.Len(t, heapScan(t, f, txns), n)
}

// TestHeapFileDeleteFreesSlotForReuse covers the free-slot scan: after
// a delete, the next insert should land in the freed slot instead of
// allocating a new page, so page count never shrinks but never grows
// unnecessarily either.
func TestHeapFileDeleteFreesSlotForReuse(t *testing.T) {
	f, txns := openTestHeapFile(t, 64)

	tid := txns.Begin()
	pagesA, err := f.InsertTuple(tid, &Tuple{Desc: f.desc, Fields: []Field{IntField{Value: 1}}})
	require.NoError(t, err)
	require.NoError(t, txns.Commit(tid))
	firstPageID := pagesA[0].ID()

	tid = txns.Begin()
	it, err := f.Iterator(tid)
	require.NoError(t, err)
	tup, err := it()
	require.NoError(t, err)
	require.NotNil(t, tup)
	_, err = f.DeleteTuple(tid, tup)
	require.NoError(t, err)
	require.NoError(t, txns.Commit(tid))

	pagesBefore := f.NumPages()

	tid = txns.Begin()
	pagesB, err := f.InsertTuple(tid, &Tuple{Desc: f.desc, Fields: []Field{IntField{Value: 2}}})
	require.NoError(t, err)
	require.NoError(t, txns.Commit(tid))

	assert.Equal(t, pagesBefore, f.NumPages(), "reusing a freed slot should not allocate a new page")
	assert.Equal(t, firstPageID, pagesB[0].ID())
}

func TestHeapFileDeleteUnknownRecordFails(t *testing.T) {
	f, txns := openTestHeapFile(t, 64)

	tid := txns.Begin()
	_, err := f.InsertTuple(tid, &Tuple{Desc: f.desc, Fields: []Field{IntField{Value: 1}}})
	require.NoError(t, err)
	require.NoError(t, txns.Commit(tid))

	tid = txns.Begin()
	it, err := f.Iterator(tid)
	require.NoError(t, err)
	tup, err := it()
	require.NoError(t, err)
	require.NotNil(t, tup)
	_, err = f.DeleteTuple(tid, tup)
	require.NoError(t, err)

	// Deleting the same already-cleared slot again must fail.
	_, err = f.DeleteTuple(tid, tup)
	require.Error(t, err)
	var dbErr DbException
	require.ErrorAs(t, err, &dbErr)
	assert.Equal(t, NoSuchTupleError, dbErr.Code)
	require.NoError(t, txns.Commit(tid))
}
