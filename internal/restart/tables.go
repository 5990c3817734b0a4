// Package restart implements Log Analysis & Checkpoint and Instant Restart
// (spec §4.I, §4.J): a forward log scan rebuilds the dirty-page table and
// active-transaction table, the system opens for user transactions
// immediately after, and REDO/UNDO proceed either eagerly or on demand
// behind a concurrency gate. Grounded on the backward-scan recovery
// structure of _examples/original_source/src/sm/log_core.h and the
// DPT/ATT bookkeeping described in the teacher's
// internal/storage/concurrency.go comments on crash recovery, neither of
// which the teacher repo itself implements end to end — this package
// builds the full pass from spec §4.I/§4.J's prose.
package restart

import "github.com/kvarchive/engine/internal/common"

// DirtyPageTable tracks, for every page touched since the last checkpoint,
// the earliest LSN whose effect might still be missing from disk.
type DirtyPageTable struct {
	recLSN map[common.PageID]common.LSN
}

// NewDirtyPageTable returns an empty table.
func NewDirtyPageTable() *DirtyPageTable {
	return &DirtyPageTable{recLSN: make(map[common.PageID]common.LSN)}
}

// Observe records that pid was touched by a redo-eligible record at lsn; the
// entry, once set, never moves (spec §4.I: "if its page is not yet present
// insert with rec_lsn = record.lsn").
func (t *DirtyPageTable) Observe(pid common.PageID, lsn common.LSN) {
	if _, ok := t.recLSN[pid]; !ok {
		t.recLSN[pid] = lsn
	}
}

// PageWritten erases pid once a page_write record shows its on-disk image
// already reflects everything up to the table's rec_lsn (spec §4.I: "erase
// pids whose clean_lsn >= write.lsn").
func (t *DirtyPageTable) PageWritten(pid common.PageID, writeLSN common.LSN) {
	if rec, ok := t.recLSN[pid]; ok && rec.LessEqual(writeLSN) {
		delete(t.recLSN, pid)
	}
}

// RecLSN returns pid's rec_lsn, if it is in the table.
func (t *DirtyPageTable) RecLSN(pid common.PageID) (common.LSN, bool) {
	lsn, ok := t.recLSN[pid]
	return lsn, ok
}

// Pages returns a snapshot of every dirty page id and its rec_lsn, for REDO
// to walk in rec_lsn order (spec §4.J eager REDO policy).
func (t *DirtyPageTable) Pages() map[common.PageID]common.LSN {
	out := make(map[common.PageID]common.LSN, len(t.recLSN))
	for k, v := range t.recLSN {
		out[k] = v
	}
	return out
}

// Len reports how many pages remain dirty.
func (t *DirtyPageTable) Len() int { return len(t.recLSN) }

// InDoubt implements buffer.InDoubtChecker: a page the table still lists is
// one REDO has not yet caught up to.
func (t *DirtyPageTable) InDoubt(pid common.PageID) bool {
	_, ok := t.recLSN[pid]
	return ok
}

// txnState is one active transaction's recovery bookkeeping.
type txnState struct {
	lastLSN common.LSN
	pages   map[common.PageID]bool
}

// ActiveTxnTable tracks every transaction with at least one effect not yet
// known to be committed or aborted.
type ActiveTxnTable struct {
	txns map[common.TxID]*txnState
}

// NewActiveTxnTable returns an empty table.
func NewActiveTxnTable() *ActiveTxnTable {
	return &ActiveTxnTable{txns: make(map[common.TxID]*txnState)}
}

// Observe records that tx's most recent effect is at lsn (spec §4.I: "for
// every update/compensation record by txn T, add T").
func (t *ActiveTxnTable) Observe(tx common.TxID, lsn common.LSN) {
	s := t.state(tx)
	s.lastLSN = lsn
}

// ObservePage records that tx has touched pid, for the lock gate's loser
// lock reacquisition (spec §4.J: "Recovery acquires the loser-held locks
// during log analysis so the gate is implicit").
func (t *ActiveTxnTable) ObservePage(tx common.TxID, pid common.PageID) {
	s := t.state(tx)
	if s.pages == nil {
		s.pages = make(map[common.PageID]bool)
	}
	s.pages[pid] = true
}

func (t *ActiveTxnTable) state(tx common.TxID) *txnState {
	s, ok := t.txns[tx]
	if !ok {
		s = &txnState{}
		t.txns[tx] = s
	}
	return s
}

// Pages returns the set of pages tx is known to have touched.
func (t *ActiveTxnTable) Pages(tx common.TxID) []common.PageID {
	s, ok := t.txns[tx]
	if !ok {
		return nil
	}
	out := make([]common.PageID, 0, len(s.pages))
	for pid := range s.pages {
		out = append(out, pid)
	}
	return out
}

// End removes tx from the table (spec §4.I: "on xct_end(T) remove T").
func (t *ActiveTxnTable) End(tx common.TxID) { delete(t.txns, tx) }

// LastLSN returns tx's most recently observed LSN, the starting point for
// UNDO's backward walk.
func (t *ActiveTxnTable) LastLSN(tx common.TxID) (common.LSN, bool) {
	s, ok := t.txns[tx]
	if !ok {
		return common.LSN{}, false
	}
	return s.lastLSN, true
}

// Losers returns every transaction still active at the end of analysis;
// each must be undone (spec §4.J).
func (t *ActiveTxnTable) Losers() []common.TxID {
	out := make([]common.TxID, 0, len(t.txns))
	for tx := range t.txns {
		out = append(out, tx)
	}
	return out
}

// Len reports how many transactions remain active.
func (t *ActiveTxnTable) Len() int { return len(t.txns) }
