package txbtree

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// pageKey identifies a cached page by the DbFile it came from plus its
// page number, following the teacher's heapHash convention in
// heap_file.go (pageKey is "any" there; here it is the PageID itself,
// which is already table-qualified).
type pageKey = PageID

type cacheEntry struct {
	page     Page
	file     DbFile
	lastUsed time.Time
}

// BufferPool is the sole gateway to pages (spec.md §4.2): a bounded
// LRU cache, the lock-acquisition site, and the dirty-page flush/
// discard manager on transaction completion. It never evicts a dirty
// page (NO-STEAL, spec.md §9 open question): correctness without an
// undo log depends on that.
type BufferPool struct {
	capacity int
	locks    *LockManager
	logger   *zap.Logger

	mu      sync.Mutex
	entries map[pageKey]*cacheEntry
}

// NewBufferPool builds a buffer pool with the given capacity, backed
// by the given lock manager.
func NewBufferPool(capacity int, locks *LockManager, logger *zap.Logger) *BufferPool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BufferPool{
		capacity: capacity,
		locks:    locks,
		logger:   logger,
		entries:  make(map[pageKey]*cacheEntry),
	}
}

// GetPage acquires the requested lock via the lock manager, then
// returns a cached page or reads it from file through the file's
// ReadPage, inserting it into the cache (spec.md §4.2). If the cache
// is full and the page is not cached, one non-dirty page is evicted in
// LRU order; if every cached page is dirty, GetPage fails with
// DbException.
func (bp *BufferPool) GetPage(tid TransactionID, file DbFile, pid PageID, perm Permissions) (Page, error) {
	if perm == ReadWrite {
		if err := bp.locks.AcquireWrite(tid, pid); err != nil {
			return nil, err
		}
	} else {
		if err := bp.locks.AcquireRead(tid, pid); err != nil {
			return nil, err
		}
	}

	bp.mu.Lock()
	defer bp.mu.Unlock()

	if entry, ok := bp.entries[pid]; ok {
		entry.lastUsed = time.Now()
		return entry.page, nil
	}

	if len(bp.entries) >= bp.capacity {
		if !bp.evictLocked() {
			return nil, newDbException(BufferPoolFullError, "no evictable page")
		}
	}

	page, err := file.ReadPage(pid)
	if err != nil {
		return nil, wrapDbException(IOError, "reading page from file", err)
	}
	bp.entries[pid] = &cacheEntry{page: page, file: file, lastUsed: time.Now()}
	return page, nil
}

// evictLocked selects the least-recently-used non-dirty page and
// discards it. bp.mu must be held. Returns false if every cached page
// is dirty.
func (bp *BufferPool) evictLocked() bool {
	var victim pageKey
	var oldest time.Time
	found := false
	for k, e := range bp.entries {
		if dirty, _ := e.page.IsDirty(); dirty {
			continue
		}
		if !found || e.lastUsed.Before(oldest) {
			victim, oldest = k, e.lastUsed
			found = true
		}
	}
	if !found {
		return false
	}
	bp.logger.Debug("evicting page", zap.Stringer("page", victim))
	delete(bp.entries, victim)
	return true
}

// InstallDirty installs pages already mutated by a B+tree operation
// (its dirtySet) into the cache, stamped dirty with tid as the last
// writer. This is how BTreeFile's insert/delete make their results
// visible through the same cache GetPage reads from, per spec.md §4.2
// "mark every returned page dirty ... and install them into the
// cache".
func (bp *BufferPool) InstallDirty(tid TransactionID, file DbFile, pages []Page) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	for _, p := range pages {
		p.SetDirty(tid, true)
		bp.entries[p.ID()] = &cacheEntry{page: p, file: file, lastUsed: time.Now()}
	}
}

// DiscardPage removes a page from the cache unconditionally, without
// flushing it. Used when a page is freed by a merge (spec.md §3
// "Lifecycle": the cache entry for a page returned to the free list is
// discarded) and when BTreeFile hands a page number out again.
func (bp *BufferPool) DiscardPage(pid PageID) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	delete(bp.entries, pid)
}

// HoldsLock reports whether tid holds any lock on pid.
func (bp *BufferPool) HoldsLock(tid TransactionID, pid PageID) bool {
	return bp.locks.Holds(tid, pid)
}

// AcquireWriteLock acquires tid's write lock on pid through the pool's
// lock manager without touching the cache or reading the page. Used by
// BTreeFile when it hands out a brand-new page that has no prior
// on-disk content to read (spec.md §4.3.6 "get_empty_page").
func (bp *BufferPool) AcquireWriteLock(tid TransactionID, pid PageID) error {
	return bp.locks.AcquireWrite(tid, pid)
}

// FlushAllPages writes every dirty cached page back through its
// owning file and clears the dirty bit. A testing/free-page-reuse
// escape hatch, not part of the per-transaction commit path (spec.md
// §4.2).
func (bp *BufferPool) FlushAllPages() error {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	for _, e := range bp.entries {
		if dirty, _ := e.page.IsDirty(); !dirty {
			continue
		}
		if err := e.file.WritePage(e.page); err != nil {
			return wrapDbException(IOError, "flushing page", err)
		}
		e.page.SetDirty(0, false)
	}
	return nil
}

// TransactionComplete ends tid. On commit, every dirty page tid owns
// is flushed to disk and tid's locks are released. On abort, every
// cached page tid touched is discarded without flushing -- safe only
// because the buffer pool never steals a dirty page to disk before
// commit (spec.md §4.2).
func (bp *BufferPool) TransactionComplete(tid TransactionID, commit bool) error {
	pages := bp.locks.PagesLockedBy(tid)

	bp.mu.Lock()
	if commit {
		for _, pid := range pages {
			e, ok := bp.entries[pid]
			if !ok {
				continue
			}
			dirty, owner := e.page.IsDirty()
			if !dirty || owner != tid {
				continue
			}
			if err := e.file.WritePage(e.page); err != nil {
				bp.mu.Unlock()
				return wrapDbException(IOError, "flushing page on commit", err)
			}
			e.page.SetDirty(0, false)
		}
	} else {
		for _, pid := range pages {
			delete(bp.entries, pid)
		}
	}
	bp.mu.Unlock()

	bp.locks.ReleaseAll(tid)
	return nil
}
