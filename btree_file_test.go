package txbtree

import (
	"fmt"
	"math/rand"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// keyOnlyDesc is a single indexed int field, kept narrow so a small
// page size drives leaf/internal capacities down to a handful of
// entries without needing to fake page contents by hand.
func keyOnlyDesc() *TupleDesc {
	return &TupleDesc{Fields: []FieldType{{Fname: "k", Ftype: IntType}}, KeyFieldNo: 0}
}

func openTestBTree(t *testing.T, pageSize int) (*BTreeFile, *BufferPool, *TransactionManager) {
	t.Helper()
	dir := t.TempDir()
	desc := keyOnlyDesc()
	cfg := NewConfig(WithPageSize(pageSize), WithBufferPoolCapacity(1000))
	lm := NewLockManager(300*time.Millisecond, 50*time.Millisecond, cfg.Logger)
	bp := NewBufferPool(cfg.BufferPoolCap, lm, cfg.Logger)
	f, err := OpenBTreeFile(filepath.Join(dir, "t.btree"), 1, desc, bp, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f, bp, NewTransactionManager(bp)
}

func insertKey(t *testing.T, f *BTreeFile, txns *TransactionManager, k int64) {
	t.Helper()
	tid := txns.Begin()
	_, err := f.InsertTuple(tid, &Tuple{Desc: f.desc, Fields: []Field{IntField{Value: k}}})
	require.NoError(t, err)
	require.NoError(t, txns.Commit(tid))
}

func deleteKey(t *testing.T, f *BTreeFile, txns *TransactionManager, k int64) {
	t.Helper()
	tid := txns.Begin()
	it, err := f.IndexIterator(tid, Equals, IntField{Value: k})
	require.NoError(t, err)
	tup, err := it()
	require.NoError(t, err)
	require.NotNil(t, tup, "key %d should exist before delete", k)
	_, err = f.DeleteTuple(tid, tup)
	require.NoError(t, err)
	require.NoError(t, txns.Commit(tid))
}

func scanAllKeys(t *testing.T, f *BTreeFile, txns *TransactionManager) []int64 {
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

// TestRootSplit mirrors spec.md §8's first scenario: with a leaf
// capacity small enough that five insertions overflow a single leaf,
// the root-pointer page's root must become an internal page with two
// leaf children after the fifth insert.
func TestRootSplit(t *testing.T) {
	f, _, txns := openTestBTree(t, 50) // leaf capacity 4 at this page size
	for k := int64(1); k <= 5; k++ {
		insertKey(t, f, txns, k)
	}

	tid := txns.Begin()
	rpObj, err := f.getPage(tid, newDirtySet(), rootPtrPageID(1), ReadOnly)
	require.NoError(t, err)
	rp := rpObj.(*rootPtrPage)
	require.Equal(t, InternalCategory, rp.rootID.Category, "root should have been promoted to an internal page")

	rootObj, err := f.getPage(tid, newDirtySet(), rp.rootID, ReadOnly)
	require.NoError(t, err)
	root := rootObj.(*internalPage)
	assert.Equal(t, 1, root.numEntries())
	assert.Equal(t, LeafCategory, root.childCat)
	require.NoError(t, txns.Commit(tid))

	got := scanAllKeys(t, f, txns)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, got)
}

// TestCascadingSplit mirrors spec.md §8's second scenario: enough
// insertions to force at least one internal split on top of several
// leaf splits. Every tuple must still be reachable in sorted order
// afterward.
func TestCascadingSplit(t *testing.T) {
	f, _, txns := openTestBTree(t, 50)
	for k := int64(1); k <= 21; k++ {
		insertKey(t, f, txns, k)
	}

	got := scanAllKeys(t, f, txns)
	want := make([]int64, 21)
	for i := range want {
		want[i] = int64(i + 1)
	}
	assert.Equal(t, want, got)
}

// TestDeleteMergesAndCollapsesRoot mirrors spec.md §8's merge and root
// collapse scenarios: deleting back down to a handful of keys should
// leave the tree correct (every remaining key still found by scan),
// all the way down to a single-leaf root.
func TestDeleteMergesAndCollapsesRoot(t *testing.T) {
	f, _, txns := openTestBTree(t, 50)
	for k := int64(1); k <= 21; k++ {
		insertKey(t, f, txns, k)
	}
	for k := int64(21); k >= 2; k-- {
		deleteKey(t, f, txns, k)
	}

	got := scanAllKeys(t, f, txns)
	assert.Equal(t, []int64{1}, got)

	tid := txns.Begin()
	rpObj, err := f.getPage(tid, newDirtySet(), rootPtrPageID(1), ReadOnly)
	require.NoError(t, err)
	rp := rpObj.(*rootPtrPage)
	assert.Equal(t, LeafCategory, rp.rootID.Category, "root should have collapsed back to a single leaf")
	require.NoError(t, txns.Commit(tid))
}

// TestFreedPageIsReusedWithoutCorruptingLiveData covers the free-list
// half of spec.md §4.3.6 that merges alone don't exercise: once a page
// has actually been freed and its number handed back out by a later
// insert, every key that was never deleted must still scan back
// correctly. A header page that defaulted its bitmap to "free" instead
// of "used" would let this reuse clobber a still-live page.
func TestFreedPageIsReusedWithoutCorruptingLiveData(t *testing.T) {
	f, _, txns := openTestBTree(t, 50)
	for k := int64(1); k <= 21; k++ {
		insertKey(t, f, txns, k)
	}
	for k := int64(21); k >= 6; k-- {
		deleteKey(t, f, txns, k)
	}
	for k := int64(22); k <= 40; k++ {
		insertKey(t, f, txns, k)
	}

	got := scanAllKeys(t, f, txns)
	want := []int64{1, 2, 3, 4, 5}
	for k := int64(22); k <= 40; k++ {
		want = append(want, k)
	}
	sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })
	assert.Equal(t, want, got)
}

// TestDeleteLastTupleLeavesEmptyRootLeaf covers spec.md §4.3.3's edge
// case: deleting every tuple never empties the tree, it leaves a
// single empty root leaf.
func TestDeleteLastTupleLeavesEmptyRootLeaf(t *testing.T) {
	f, _, txns := openTestBTree(t, 50)
	insertKey(t, f, txns, 1)
	deleteKey(t, f, txns, 1)

	tid := txns.Begin()
	rpObj, err := f.getPage(tid, newDirtySet(), rootPtrPageID(1), ReadOnly)
	require.NoError(t, err)
	rp := rpObj.(*rootPtrPage)
	require.False(t, rp.rootID.IsNone())
	require.Equal(t, LeafCategory, rp.rootID.Category)

	leafObj, err := f.getPage(tid, newDirtySet(), rp.rootID, ReadOnly)
	require.NoError(t, err)
	leaf := leafObj.(*leafPage)
	assert.Empty(t, leaf.tuples)
	require.NoError(t, txns.Commit(tid))
}

// TestConcurrentReadersUnderWriter exercises the buffer pool and lock
// manager together under load: many reader transactions scan while
// inserts proceed, and every reader must see a consistent, sorted
// snapshot with no duplicate keys.
func TestConcurrentReadersUnderWriter(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping load test in -short mode")
	}
	f, _, txns := openTestBTree(t, 256)

	const numKeys = 300
	keys := rand.New(rand.NewSource(1)).Perm(numKeys)

	var wg sync.WaitGroup
	errs := make(chan error, numKeys)
	for _, k := range keys {
		wg.Add(1)
		go func(k int) {
			defer wg.Done()
			tid := txns.Begin()
			_, err := f.InsertTuple(tid, &Tuple{Desc: f.desc, Fields: []Field{IntField{Value: int64(k)}}})
			if err != nil {
				txns.Abort(tid)
				errs <- err
				return
			}
			errs <- txns.Commit(tid)
		}(k)
	}

	const numReaders = 50
	readerErrs := make(chan error, numReaders)
	for i := 0; i < numReaders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tid := txns.Begin()
			it, err := f.Iterator(tid)
			if err != nil {
				txns.Abort(tid)
				readerErrs <- err
				return
			}
			seen := make(map[int64]bool)
			last := int64(-1)
			for {
				tup, err := it()
				if err != nil {
					txns.Abort(tid)
					readerErrs <- err
					return
				}
				if tup == nil {
					break
				}
				k := tup.Fields[0].(IntField).Value
				if seen[k] {
					readerErrs <- fmt.Errorf("duplicate key %d in one scan", k)
					txns.Abort(tid)
					return
				}
				if k < last {
					readerErrs <- fmt.Errorf("scan out of order: %d after %d", k, last)
					txns.Abort(tid)
					return
				}
				seen[k] = true
				last = k
			}
			readerErrs <- txns.Commit(tid)
		}()
	}

	wg.Wait()
	close(errs)
	close(readerErrs)

	aborts := 0
	for err := range errs {
		if err != nil {
			aborts++
		}
	}
	assert.Less(t, aborts, numKeys, "not every writer should have to abort")

	for err := range readerErrs {
		assert.NoError(t, err)
	}

	got := scanAllKeys(t, f, txns)
	sortedCopy := append([]int64{}, got...)
	sort.Slice(sortedCopy, func(i, j int) bool { return sortedCopy[i] < sortedCopy[j] })
	assert.Equal(t, sortedCopy, got, "final scan must be sorted")
	assert.LessOrEqual(t, len(got), numKeys)
}
