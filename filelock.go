package txbtree

// fileLock is an advisory lock held on a BTreeFile's or HeapFile's
// backing file from Open until Close, preventing two processes from
// opening the same table concurrently (SPEC_FULL.md §3.2). It is
// deliberately coarser than the in-process LockManager, which already
// handles page-granular concurrency between transactions in the same
// process.
type fileLock interface {
	Unlock() error
}
