package txbtree

import (
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

// pageLockState is the per-page lock state (spec.md §4.1 state
// machine): any number of readers, or a single writer, never both.
type pageLockState struct {
	readers map[TransactionID]struct{}
	writer  TransactionID
	hasWriter bool
}

func newPageLockState() *pageLockState {
	return &pageLockState{readers: make(map[TransactionID]struct{})}
}

// LockManager grants read (shared) or write (exclusive) page-granular
// locks to transactions, with timeout-based deadlock handling
// (spec.md §4.1). It is the only suspension point in the engine
// (spec.md §5): a caller blocked in AcquireRead/AcquireWrite is
// either granted the lock or fails with TransactionAborted after at
// most one timeout interval.
type LockManager struct {
	timeout time.Duration
	jitter  time.Duration
	logger  *zap.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	pages  map[PageID]*pageLockState
	byTxn  map[TransactionID]map[PageID]struct{}
}

// NewLockManager builds a lock manager with the given base timeout and
// jitter bound.
func NewLockManager(timeout, jitter time.Duration, logger *zap.Logger) *LockManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	lm := &LockManager{
		timeout: timeout,
		jitter:  jitter,
		logger:  logger,
		pages:   make(map[PageID]*pageLockState),
		byTxn:   make(map[TransactionID]map[PageID]struct{}),
	}
	lm.cond = sync.NewCond(&lm.mu)
	return lm
}

func (lm *LockManager) randomizedTimeout() time.Duration {
	if lm.jitter <= 0 {
		return lm.timeout
	}
	return lm.timeout + time.Duration(rand.Int63n(int64(lm.jitter)))
}

func (lm *LockManager) recordHeld(tid TransactionID, pid PageID) {
	held, ok := lm.byTxn[tid]
	if !ok {
		held = make(map[PageID]struct{})
		lm.byTxn[tid] = held
	}
	held[pid] = struct{}{}
}

func (lm *LockManager) forgetHeld(tid TransactionID, pid PageID) {
	if held, ok := lm.byTxn[tid]; ok {
		delete(held, pid)
		if len(held) == 0 {
			delete(lm.byTxn, tid)
		}
	}
}

// AcquireRead blocks until a shared lock on pid is granted to tid, or
// aborts tid on timeout. Granted immediately if tid already holds any
// lock on pid, or if no transaction holds the write lock.
func (lm *LockManager) AcquireRead(tid TransactionID, pid PageID) error {
	deadline := time.Now().Add(lm.randomizedTimeout())
	lm.mu.Lock()
	defer lm.mu.Unlock()

	for {
		st := lm.pages[pid]
		if st == nil {
			st = newPageLockState()
			lm.pages[pid] = st
		}
		if _, already := st.readers[tid]; already || st.writer == tid {
			return nil
		}
		if !st.hasWriter {
			st.readers[tid] = struct{}{}
			lm.recordHeld(tid, pid)
			return nil
		}
		if !lm.waitUntil(deadline) {
			lm.logger.Warn("lock acquisition timed out", zap.Any("tid", tid), zap.Stringer("page", pid), zap.String("mode", "read"))
			return TransactionAborted{TID: tid, PageID: pid, Reason: "timed out waiting for read lock"}
		}
	}
}

// AcquireWrite blocks until an exclusive lock on pid is granted to
// tid, or aborts tid on timeout. Granted immediately if tid already
// holds the write lock. If tid holds only a read lock and is the sole
// reader, the lock is upgraded in place; otherwise tid waits like any
// other writer (spec.md §9 open-question resolution).
func (lm *LockManager) AcquireWrite(tid TransactionID, pid PageID) error {
	deadline := time.Now().Add(lm.randomizedTimeout())
	lm.mu.Lock()
	defer lm.mu.Unlock()

	for {
		st := lm.pages[pid]
		if st == nil {
			st = newPageLockState()
			lm.pages[pid] = st
		}
		if st.hasWriter && st.writer == tid {
			return nil
		}
		_, isReader := st.readers[tid]
		soleReader := isReader && len(st.readers) == 1
		noOtherHolders := len(st.readers) == 0 && !st.hasWriter
		if soleReader || noOtherHolders {
			delete(st.readers, tid)
			st.hasWriter = true
			st.writer = tid
			lm.recordHeld(tid, pid)
			return nil
		}
		if !lm.waitUntil(deadline) {
			lm.logger.Warn("lock acquisition timed out", zap.Any("tid", tid), zap.Stringer("page", pid), zap.String("mode", "write"))
			return TransactionAborted{TID: tid, PageID: pid, Reason: "timed out waiting for write lock"}
		}
	}
}

// waitUntil blocks on the condition variable until woken or the
// deadline passes, returning false on expiry. lm.mu must be held.
func (lm *LockManager) waitUntil(deadline time.Time) bool {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return false
	}
	timer := time.AfterFunc(remaining, func() {
		lm.mu.Lock()
		lm.cond.Broadcast()
		lm.mu.Unlock()
	})
	defer timer.Stop()
	lm.cond.Wait()
	return time.Now().Before(deadline)
}

// Release removes whatever lock tid holds on pid, if any.
func (lm *LockManager) Release(tid TransactionID, pid PageID) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.releaseLocked(tid, pid)
	lm.cond.Broadcast()
}

func (lm *LockManager) releaseLocked(tid TransactionID, pid PageID) {
	st, ok := lm.pages[pid]
	if !ok {
		return
	}
	delete(st.readers, tid)
	if st.hasWriter && st.writer == tid {
		st.hasWriter = false
		st.writer = 0
	}
	lm.forgetHeld(tid, pid)
	if len(st.readers) == 0 && !st.hasWriter {
		delete(lm.pages, pid)
	}
}

// ReleaseAll releases every page lock held by tid.
func (lm *LockManager) ReleaseAll(tid TransactionID) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	held := lm.byTxn[tid]
	pages := make([]PageID, 0, len(held))
	for pid := range held {
		pages = append(pages, pid)
	}
	for _, pid := range pages {
		lm.releaseLocked(tid, pid)
	}
	delete(lm.byTxn, tid)
	lm.cond.Broadcast()
}

// Holds reports whether tid holds any lock on pid.
func (lm *LockManager) Holds(tid TransactionID, pid PageID) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	st, ok := lm.pages[pid]
	if !ok {
		return false
	}
	if st.hasWriter && st.writer == tid {
		return true
	}
	_, isReader := st.readers[tid]
	return isReader
}

// Mode reports the lock mode tid holds on pid.
func (lm *LockManager) Mode(tid TransactionID, pid PageID) Permissions {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	st, ok := lm.pages[pid]
	if !ok {
		return ReadOnly
	}
	if st.hasWriter && st.writer == tid {
		return ReadWrite
	}
	return ReadOnly
}

// PagesLockedBy returns the set of pages on which tid holds any lock,
// used by the buffer pool to flush/discard on commit/abort.
func (lm *LockManager) PagesLockedBy(tid TransactionID) []PageID {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	held := lm.byTxn[tid]
	pages := make([]PageID, 0, len(held))
	for pid := range held {
		pages = append(pages, pid)
	}
	return pages
}
