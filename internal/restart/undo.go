package restart

import (
	"fmt"

	"github.com/kvarchive/engine/internal/btree"
	"github.com/kvarchive/engine/internal/buffer"
	"github.com/kvarchive/engine/internal/codec"
	"github.com/kvarchive/engine/internal/common"
)

// undoContext indexes every update/compensation record found by a forward
// scan, so UndoLoser can walk a transaction's PrevTxnLSN chain backward by
// direct lookup instead of re-scanning the log per loser.
type undoContext struct {
	byLSN   map[common.LSN]*codec.LogRecord
	history map[string][]*codec.LogRecord // keyed by pid+key, in ascending LSN order
}

func keyOf(pid common.PageID, key []byte) string {
	return fmt.Sprintf("%d:%s", pid, key)
}

// BuildUndoContext scans dir's log up to and including endLSN and indexes
// every update/compensation record found, for a caller that needs to undo a
// single transaction (e.g. a live Tx.Abort) without performing a full
// restart. The log must already be durable through endLSN — callers reading
// from an in-memory log should flush first.
func BuildUndoContext(dir string, endLSN common.LSN) (*undoContext, error) {
	return buildUndoContext(dir, endLSN)
}

// buildUndoContext scans the whole log once and records every
// RecUpdate/RecCompensation record, in the order encountered (which is LSN
// order, since the log is append-only).
func buildUndoContext(dir string, endLSN common.LSN) (*undoContext, error) {
	ctx := &undoContext{
		byLSN:   make(map[common.LSN]*codec.LogRecord),
		history: make(map[string][]*codec.LogRecord),
	}
	err := forwardScan(dir, endLSN, func(rec *codec.LogRecord) error {
		if rec.Type != codec.RecUpdate && rec.Type != codec.RecCompensation {
			return nil
		}
		ctx.byLSN[rec.OwnLSN] = rec
		_, key, _ := btree.DecodeUpdate(rec)
		k := keyOf(rec.PageID, key)
		ctx.history[k] = append(ctx.history[k], rec)
		return nil
	})
	return ctx, err
}

// priorValue finds the value a key held immediately before the record at
// beforeLSN, by scanning that key's update history for the latest insert
// strictly before beforeLSN. If no such insert exists — the key was deleted
// by a transaction whose insert predates this log entirely, e.g. it was
// carried over from before the oldest retained partition — this
// conservatively restores an empty value rather than fabricating one, since
// the logical payload format carries no page before-image to fall back on
// (DESIGN.md: scope simplification).
func (ctx *undoContext) priorValue(pid common.PageID, key []byte, beforeLSN common.LSN) []byte {
	hist := ctx.history[keyOf(pid, key)]
	for i := len(hist) - 1; i >= 0; i-- {
		rec := hist[i]
		if !rec.OwnLSN.Less(beforeLSN) {
			continue
		}
		insert, _, val := btree.DecodeUpdate(rec)
		if insert {
			return val
		}
		return nil
	}
	return nil
}

// UndoLoser rolls back one loser transaction by walking its update chain
// backward from lastLSN, generating a compensation log record for every
// update undone (spec §4.J). Compensation records are never themselves
// undone: encountering one while walking backward means the record it
// compensated is already rolled back, so the walk jumps straight to
// PrevTxnLSN without reapplying anything.
func UndoLoser(pool *buffer.Pool, pageSize int, store common.StoreID, log Logger, ctx *undoContext, tx common.TxID, lastLSN common.LSN) error {
	cur := lastLSN
	for !cur.IsNull() {
		rec, ok := ctx.byLSN[cur]
		if !ok {
			break
		}
		if rec.Type == codec.RecCompensation {
			cur = rec.PrevTxnLSN
			continue
		}

		insert, key, _ := btree.DecodeUpdate(rec)
		var priorVal []byte
		if !insert {
			priorVal = ctx.priorValue(rec.PageID, key, rec.OwnLSN)
		}
		clrPayload, err := btree.ApplyUndo(pool, pageSize, store, rec, priorVal)
		if err != nil {
			return err
		}
		if _, err := log.Append(&codec.LogRecord{
			Type:       codec.RecCompensation,
			TxID:       tx,
			PrevTxnLSN: rec.PrevTxnLSN,
			PageID:     rec.PageID,
			Payload:    clrPayload,
		}); err != nil {
			return err
		}
		cur = rec.PrevTxnLSN
	}
	if _, err := log.Append(&codec.LogRecord{Type: codec.RecEnd, TxID: tx}); err != nil {
		return err
	}
	return nil
}

// UndoAll rolls back every transaction att found still active at the end
// of analysis (spec §4.J eager UNDO policy: losers are fully rolled back
// before the system is considered recovered).
func UndoAll(pool *buffer.Pool, pageSize int, store common.StoreID, log Logger, dir string, endLSN common.LSN, att *ActiveTxnTable) error {
	losers := att.Losers()
	if len(losers) == 0 {
		return nil
	}
	ctx, err := buildUndoContext(dir, endLSN)
	if err != nil {
		return err
	}
	for _, tx := range losers {
		lastLSN, ok := att.LastLSN(tx)
		if !ok {
			continue
		}
		if err := UndoLoser(pool, pageSize, store, log, ctx, tx, lastLSN); err != nil {
			return err
		}
	}
	return nil
}
