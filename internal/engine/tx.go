package engine

import (
	"context"
	"time"

	"github.com/kvarchive/engine/internal/btree"
	"github.com/kvarchive/engine/internal/codec"
	"github.com/kvarchive/engine/internal/common"
	"github.com/kvarchive/engine/internal/common/errs"
	"github.com/kvarchive/engine/internal/lockmgr"
	"github.com/kvarchive/engine/internal/restart"
)

// Tx is one transaction against a Volume: a TxID, the locks it has
// acquired, and the store-granularity intents it has touched, closed by
// exactly one of Commit or Abort (spec §3 "Lifecycle"). lastLSN is the LSN
// of tx's own most recent Insert/Delete, the head of its PrevTxnLSN chain
// Abort walks backward to undo.
type Tx struct {
	vol     *Volume
	id      common.TxID
	held    []lockmgr.LockID
	touched map[common.StoreID]bool
	lastLSN common.LSN
	done    bool
}

// defaultLockTimeout bounds how long Acquire waits before returning
// errs.ErrLockTimeout (spec §5's default deadlock/timeout budget absent an
// explicit per-call override).
const defaultLockTimeout = 5 * time.Second

// Begin starts a new transaction against v, logging a RecBegin record and
// registering it with the active-transaction table the checkpoint loop
// reads from.
func (v *Volume) Begin() (*Tx, error) {
	id := lockmgr.NextTxID()
	lsn, err := v.wal.Append(&codec.LogRecord{Type: codec.RecBegin, TxID: id})
	if err != nil {
		return nil, err
	}
	v.att.Observe(id, lsn)
	return &Tx{vol: v, id: id, touched: make(map[common.StoreID]bool)}, nil
}

func (tx *Tx) lockTimeout() time.Duration {
	if d := tx.vol.cfg.LockAcquireTimeout; d > 0 {
		return d
	}
	return defaultLockTimeout
}

// acquireIntent takes the store-level intent lock (IS for reads, IX for
// writes) once per store per transaction, matching the OKVL intent
// protocol (spec §4.D).
func (tx *Tx) acquireIntent(store common.StoreID, write bool) error {
	if tx.touched[store] {
		return nil
	}
	mode := lockmgr.ModeIS
	if write {
		mode = lockmgr.ModeIX
	}
	id := lockmgr.StoreLock(store)
	if err := tx.vol.locks.Acquire(context.Background(), tx.id, id, mode, tx.lockTimeout()); err != nil {
		return err
	}
	tx.held = append(tx.held, id)
	tx.touched[store] = true
	return nil
}

func (tx *Tx) acquireKey(store common.StoreID, key []byte, mode lockmgr.Mode) error {
	id := lockmgr.KeyLock(store, key)
	if err := tx.vol.locks.Acquire(context.Background(), tx.id, id, mode, tx.lockTimeout()); err != nil {
		return err
	}
	tx.held = append(tx.held, id)
	return nil
}

// withRetry runs op once, and if it fails with ErrConcurrencyConflict
// (spec §4.J: Fix rejected a page still in doubt) drives one catch-up
// RedoAll pass before retrying op exactly once more. This is a coarse,
// whole-operation retry rather than a targeted per-page RedoPage, since
// Tree's internal Fix calls don't surface which pid the gate rejected.
func (tx *Tx) withRetry(op func() error) error {
	err := op()
	if err == nil || !errs.Is(err, errs.ErrConcurrencyConflict) {
		return err
	}
	tx.vol.redoRetryMu.Lock()
	redoErr := restart.RedoAll(tx.vol.pool, tx.vol.cfg.PageSize, 0, tx.vol.logDir(), tx.vol.dpt, tx.vol.redoEndLSN, tx.vol.progress)
	tx.vol.redoRetryMu.Unlock()
	if redoErr != nil {
		return redoErr
	}
	return op()
}

// Insert adds key/val to store under tx, taking an exclusive key lock
// first. The new record's LSN becomes the head of tx's own PrevTxnLSN
// chain, so a later Abort can walk it back out.
func (tx *Tx) Insert(store common.StoreID, key, val []byte) error {
	t := tx.vol.Store(store)
	if t == nil {
		return errs.Wrapf(errs.ErrNotFound, "store %d not open", store)
	}
	if err := tx.acquireIntent(store, true); err != nil {
		return err
	}
	if err := tx.acquireKey(store, key, lockmgr.ModeX); err != nil {
		return err
	}
	tx.vol.att.ObservePage(tx.id, t.RootID())
	var lsn common.LSN
	if err := tx.withRetry(func() error {
		var e error
		lsn, e = t.Insert(tx.id, tx.lastLSN, key, val)
		return e
	}); err != nil {
		return err
	}
	tx.lastLSN = lsn
	tx.vol.att.Observe(tx.id, lsn)
	return nil
}

// Delete removes key from store under tx, chaining onto tx's PrevTxnLSN
// chain the same way Insert does.
func (tx *Tx) Delete(store common.StoreID, key []byte) error {
	t := tx.vol.Store(store)
	if t == nil {
		return errs.Wrapf(errs.ErrNotFound, "store %d not open", store)
	}
	if err := tx.acquireIntent(store, true); err != nil {
		return err
	}
	if err := tx.acquireKey(store, key, lockmgr.ModeX); err != nil {
		return err
	}
	var lsn common.LSN
	if err := tx.withRetry(func() error {
		var e error
		lsn, e = t.Delete(tx.id, tx.lastLSN, key)
		return e
	}); err != nil {
		return err
	}
	tx.lastLSN = lsn
	tx.vol.att.Observe(tx.id, lsn)
	return nil
}

// Search looks up key in store, taking a shared key lock.
func (tx *Tx) Search(store common.StoreID, key []byte) ([]byte, error) {
	t := tx.vol.Store(store)
	if t == nil {
		return nil, errs.Wrapf(errs.ErrNotFound, "store %d not open", store)
	}
	if err := tx.acquireIntent(store, false); err != nil {
		return nil, err
	}
	if err := tx.acquireKey(store, key, lockmgr.ModeS); err != nil {
		return nil, err
	}
	var val []byte
	err := tx.withRetry(func() error {
		var e error
		val, e = t.Search(key)
		return e
	})
	return val, err
}

// Scan opens a forward or backward cursor over store starting at start
// (nil means from the beginning/end), taking the store's shared intent
// lock. Individual key locks are not acquired per visited key: callers
// needing repeatable reads should re-Search keys they intend to act on.
func (tx *Tx) Scan(store common.StoreID, dir btree.Direction, start []byte) (*btree.Cursor, error) {
	t := tx.vol.Store(store)
	if t == nil {
		return nil, errs.Wrapf(errs.ErrNotFound, "store %d not open", store)
	}
	if err := tx.acquireIntent(store, false); err != nil {
		return nil, err
	}
	var cur *btree.Cursor
	err := tx.withRetry(func() error {
		var e error
		cur, e = t.NewCursor(dir, start)
		return e
	})
	return cur, err
}

// Commit logs a RecCommit record, releases every lock tx holds, and
// retires it from the active-transaction table.
func (tx *Tx) Commit() error {
	if tx.done {
		return nil
	}
	lsn, err := tx.vol.wal.Append(&codec.LogRecord{Type: codec.RecCommit, TxID: tx.id})
	if err != nil {
		return err
	}
	tx.vol.att.Observe(tx.id, lsn)
	tx.releaseAll()
	tx.vol.att.End(tx.id)
	tx.done = true
	return nil
}

// Abort logs a RecAbort record, then undoes tx's own effects inline by
// walking its PrevTxnLSN chain backward and writing a compensation record
// for every update it touched (spec §5: "User transaction aborts propagate
// by releasing locks and writing a CLR chain"), before releasing locks and
// retiring it. If Abort itself crashes partway through the chain, a future
// restart's eager UndoAll resumes the same walk from the log: the
// compensation records already durable are never reapplied, since
// UndoLoser jumps straight from a RecCompensation to its PrevTxnLSN.
func (tx *Tx) Abort() error {
	if tx.done {
		return nil
	}
	lsn, err := tx.vol.wal.Append(&codec.LogRecord{Type: codec.RecAbort, TxID: tx.id})
	if err != nil {
		return err
	}
	tx.vol.att.Observe(tx.id, lsn)

	if !tx.lastLSN.IsNull() {
		if err := tx.vol.wal.FlushUntil(tx.lastLSN); err != nil {
			return err
		}
		undoCtx, err := restart.BuildUndoContext(tx.vol.logDir(), tx.lastLSN)
		if err != nil {
			return err
		}
		if err := restart.UndoLoser(tx.vol.pool, tx.vol.cfg.PageSize, 0, tx.vol.wal, undoCtx, tx.id, tx.lastLSN); err != nil {
			return err
		}
	}

	tx.releaseAll()
	tx.vol.att.End(tx.id)
	tx.done = true
	return nil
}

func (tx *Tx) releaseAll() {
	for _, id := range tx.held {
		tx.vol.locks.Release(tx.id, id)
	}
	tx.held = nil
}
