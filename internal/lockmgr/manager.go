package lockmgr

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kvarchive/engine/internal/common"
	"github.com/kvarchive/engine/internal/common/errs"
)

const numBuckets = 64

// waiter is one entry in a lock head's wait queue.
type waiter struct {
	tx      common.TxID
	mode    Mode
	granted chan struct{}
	dead    bool // set by deadlock detection; waiter must abort
}

// holder is a granted lock entry.
type holder struct {
	tx   common.TxID
	mode Mode
}

// lockHead is the state for one LockID: who holds it and who waits.
type lockHead struct {
	holders []holder
	waiters []*waiter
}

type bucket struct {
	mu    sync.Mutex
	heads map[string]*lockHead
}

// Manager is the lock manager for one volume.
type Manager struct {
	buckets [numBuckets]*bucket

	graphMu  sync.Mutex
	waitsFor map[common.TxID]map[common.TxID]bool // edge tx -> tx it waits for
	pending  map[common.TxID]*pendingEntry         // tx -> where it is currently blocked

	watermarks *watermarkTable
}

// pendingEntry locates a blocked transaction's waiter so the deadlock
// detector can force-wake a victim that isn't the transaction currently
// calling Acquire.
type pendingEntry struct {
	b    *bucket
	head *lockHead
	w    *waiter
}

// New creates an empty lock manager.
func New() *Manager {
	m := &Manager{
		waitsFor:   make(map[common.TxID]map[common.TxID]bool),
		pending:    make(map[common.TxID]*pendingEntry),
		watermarks: newWatermarkTable(),
	}
	for i := range m.buckets {
		m.buckets[i] = &bucket{heads: make(map[string]*lockHead)}
	}
	return m
}

func (m *Manager) bucketFor(id LockID) *bucket {
	return m.buckets[id.bucketHash()%numBuckets]
}

func mapKey(id LockID) string {
	var storeBuf [4]byte
	storeBuf[0] = byte(id.Store)
	storeBuf[1] = byte(id.Store >> 8)
	storeBuf[2] = byte(id.Store >> 16)
	storeBuf[3] = byte(id.Store >> 24)
	return string(storeBuf[:]) + string(id.Key)
}

// Acquire blocks until tx is granted mode on id, or returns ErrDeadlock if
// granting it would create a cycle in the waits-for graph, or
// ErrLockTimeout if timeout elapses first.
func (m *Manager) Acquire(ctx context.Context, tx common.TxID, id LockID, mode Mode, timeout time.Duration) error {
	b := m.bucketFor(id)
	key := mapKey(id)

	b.mu.Lock()
	head, ok := b.heads[key]
	if !ok {
		head = &lockHead{}
		b.heads[key] = head
	}

	if m.tryGrantLocked(head, tx, mode) {
		b.mu.Unlock()
		return nil
	}

	w := &waiter{tx: tx, mode: mode, granted: make(chan struct{})}
	head.waiters = append(head.waiters, w)
	blockers := blockingHolders(head, tx, mode)
	b.mu.Unlock()

	m.graphMu.Lock()
	m.pending[tx] = &pendingEntry{b: b, head: head, w: w}
	m.graphMu.Unlock()
	defer func() {
		m.graphMu.Lock()
		delete(m.pending, tx)
		m.graphMu.Unlock()
	}()

	if err := m.addWaitEdges(tx, blockers); err != nil {
		m.removeWaiter(b, head, w)
		return err
	}

	var timer *time.Timer
	var timeoutC <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	select {
	case <-w.granted:
		if w.dead {
			m.clearWaitEdges(tx)
			return errs.Wrapf(errs.ErrDeadlock, "transaction %d chosen as deadlock victim", tx)
		}
		m.clearWaitEdges(tx)
		return nil
	case <-timeoutC:
		m.removeWaiter(b, head, w)
		m.clearWaitEdges(tx)
		return errs.Wrapf(errs.ErrLockTimeout, "lock acquire timed out for tx %d", tx)
	case <-ctx.Done():
		m.removeWaiter(b, head, w)
		m.clearWaitEdges(tx)
		return ctx.Err()
	}
}

// tryGrantLocked attempts to grant mode to tx immediately; caller holds
// b.mu. Returns true if granted (added to holders).
func (m *Manager) tryGrantLocked(head *lockHead, tx common.TxID, mode Mode) bool {
	for i, h := range head.holders {
		if h.tx == tx {
			// Upgrade in place if compatible with all other holders.
			newMode := Supremum(h.mode, mode)
			for j, other := range head.holders {
				if j != i && !Compatible(other.mode, newMode) {
					return false
				}
			}
			head.holders[i].mode = newMode
			return true
		}
	}
	if len(head.waiters) > 0 {
		return false // respect FIFO: don't jump the queue
	}
	for _, h := range head.holders {
		if !Compatible(h.mode, mode) {
			return false
		}
	}
	head.holders = append(head.holders, holder{tx: tx, mode: mode})
	return true
}

func blockingHolders(head *lockHead, tx common.TxID, mode Mode) []common.TxID {
	var out []common.TxID
	for _, h := range head.holders {
		if h.tx != tx && !Compatible(h.mode, mode) {
			out = append(out, h.tx)
		}
	}
	return out
}

// addWaitEdges records tx -> blocker edges and runs deadlock detection
// (youngest-transaction victim, spec §4.D).
func (m *Manager) addWaitEdges(tx common.TxID, blockers []common.TxID) error {
	m.graphMu.Lock()
	defer m.graphMu.Unlock()

	edges, ok := m.waitsFor[tx]
	if !ok {
		edges = make(map[common.TxID]bool)
		m.waitsFor[tx] = edges
	}
	for _, b := range blockers {
		edges[b] = true
	}

	if cycle := m.findCycleLocked(tx); cycle != nil {
		victim := youngest(cycle)
		if victim == tx {
			delete(m.waitsFor, tx)
			return errs.Wrapf(errs.ErrDeadlock, "transaction %d chosen as deadlock victim", tx)
		}
		// The victim is some other transaction already parked in Acquire;
		// force its waiter to wake with dead=true so it aborts instead of
		// waiting for the cycle to resolve on its own.
		m.forceVictimLocked(victim)
	}
	return nil
}

// forceVictimLocked wakes victim's parked waiter, if any, marking it dead so
// its Acquire call returns ErrDeadlock. Caller holds graphMu.
func (m *Manager) forceVictimLocked(victim common.TxID) {
	pe, ok := m.pending[victim]
	if !ok {
		return
	}
	pe.b.mu.Lock()
	defer pe.b.mu.Unlock()
	if pe.w.dead {
		return
	}
	pe.w.dead = true
	for i, cur := range pe.head.waiters {
		if cur == pe.w {
			pe.head.waiters = append(pe.head.waiters[:i], pe.head.waiters[i+1:]...)
			break
		}
	}
	close(pe.w.granted)
	delete(m.waitsFor, victim)
}

// findCycleLocked returns the set of transactions on a cycle reachable from
// start, or nil. Caller holds graphMu.
func (m *Manager) findCycleLocked(start common.TxID) []common.TxID {
	visited := map[common.TxID]bool{}
	var path []common.TxID
	var dfs func(common.TxID) []common.TxID
	dfs = func(cur common.TxID) []common.TxID {
		if cur == start && len(path) > 0 {
			return append([]common.TxID{}, path...)
		}
		if visited[cur] {
			return nil
		}
		visited[cur] = true
		path = append(path, cur)
		for next := range m.waitsFor[cur] {
			if next == start {
				return append(append([]common.TxID{}, path...), start)
			}
			if r := dfs(next); r != nil {
				return r
			}
		}
		path = path[:len(path)-1]
		return nil
	}
	return dfs(start)
}

func youngest(cycle []common.TxID) common.TxID {
	var max common.TxID
	for _, tx := range cycle {
		if tx > max {
			max = tx
		}
	}
	return max
}

func (m *Manager) clearWaitEdges(tx common.TxID) {
	m.graphMu.Lock()
	defer m.graphMu.Unlock()
	delete(m.waitsFor, tx)
}

func (m *Manager) removeWaiter(b *bucket, head *lockHead, w *waiter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, cur := range head.waiters {
		if cur == w {
			head.waiters = append(head.waiters[:i], head.waiters[i+1:]...)
			break
		}
	}
}

// Release drops tx's hold on id and wakes the next compatible waiters.
func (m *Manager) Release(tx common.TxID, id LockID) {
	b := m.bucketFor(id)
	key := mapKey(id)
	b.mu.Lock()
	defer b.mu.Unlock()
	head, ok := b.heads[key]
	if !ok {
		return
	}
	for i, h := range head.holders {
		if h.tx == tx {
			head.holders = append(head.holders[:i], head.holders[i+1:]...)
			break
		}
	}
	m.wakeWaitersLocked(head)
	if len(head.holders) == 0 && len(head.waiters) == 0 {
		delete(b.heads, key)
	}
}

// wakeWaitersLocked grants as many head-of-queue waiters as are mutually
// and currently compatible. Caller holds b.mu.
func (m *Manager) wakeWaitersLocked(head *lockHead) {
	for len(head.waiters) > 0 {
		w := head.waiters[0]
		ok := true
		for _, h := range head.holders {
			if !Compatible(h.mode, w.mode) {
				ok = false
				break
			}
		}
		if !ok {
			break
		}
		head.holders = append(head.holders, holder{tx: w.tx, mode: w.mode})
		head.waiters = head.waiters[1:]
		close(w.granted)
	}
}

var nextTxID atomic.Uint64

// NextTxID hands out monotonically increasing transaction ids, matching the
// "youngest transaction" deadlock-victim rule's assumption that a larger
// TxID means a more recently started transaction.
func NextTxID() common.TxID {
	return common.TxID(nextTxID.Add(1))
}
