package btree

import (
	"bytes"
	"testing"

	"github.com/kvarchive/engine/internal/codec"
	"github.com/kvarchive/engine/internal/common"
)

func TestEncodeDecodeUpdatePayloadRoundTrip(t *testing.T) {
	payload := encodeUpdatePayload(true, []byte("key"), []byte("val"))
	insert, key, val := decodeUpdatePayload(payload)
	if !insert || string(key) != "key" || string(val) != "val" {
		t.Fatalf("roundtrip insert mismatch: insert=%v key=%q val=%q", insert, key, val)
	}

	payload = encodeUpdatePayload(false, []byte("key"), nil)
	insert, key, val = decodeUpdatePayload(payload)
	if insert || string(key) != "key" || len(val) != 0 {
		t.Fatalf("roundtrip tombstone mismatch: insert=%v key=%q val=%q", insert, key, val)
	}
}

func TestApplyRedoInsertIsIdempotent(t *testing.T) {
	tree := newTestTree(t, codec.DefaultPageSize)
	tx := common.TxID(1)
	if _, err := tree.Insert(tx, common.NullLSN, []byte("k1"), []byte("v1")); err != nil {
		t.Fatalf("insert: %v", err)
	}

	rec := &codec.LogRecord{
		Type:    codec.RecUpdate,
		TxID:    tx,
		PageID:  tree.rootID,
		Payload: encodeUpdatePayload(true, []byte("k1"), []byte("v1-redo")),
		OwnLSN:  common.LSN{Partition: 0, Offset: 99},
	}

	// Apply the same redo twice; the second application must be a no-op,
	// matching the idempotence REDO's "may run more than once" contract.
	if err := ApplyRedo(tree.pool, tree.pageSize, tree.store, rec); err != nil {
		t.Fatalf("redo 1: %v", err)
	}
	if err := ApplyRedo(tree.pool, tree.pageSize, tree.store, rec); err != nil {
		t.Fatalf("redo 2: %v", err)
	}

	got, err := tree.Search([]byte("k1"))
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if !bytes.Equal(got, []byte("v1-redo")) {
		t.Fatalf("search = %q, want %q", got, "v1-redo")
	}
}

func TestApplyUndoReversesInsertAndTombstone(t *testing.T) {
	tree := newTestTree(t, codec.DefaultPageSize)
	tx := common.TxID(1)
	if _, err := tree.Insert(tx, common.NullLSN, []byte("k1"), []byte("v1")); err != nil {
		t.Fatalf("insert: %v", err)
	}

	insertRec := &codec.LogRecord{
		Type:    codec.RecUpdate,
		TxID:    tx,
		PageID:  tree.rootID,
		Payload: encodeUpdatePayload(true, []byte("k1"), []byte("v1")),
	}
	clr, err := ApplyUndo(tree.pool, tree.pageSize, tree.store, insertRec, nil)
	if err != nil {
		t.Fatalf("undo insert: %v", err)
	}
	if insert, key, _ := decodeUpdatePayload(clr); insert || string(key) != "k1" {
		t.Fatalf("expected a tombstone CLR for the undone insert, got insert=%v key=%q", insert, key)
	}
	if _, err := tree.Search([]byte("k1")); err == nil {
		t.Fatalf("expected k1 to be gone after undoing its insert")
	}

	// Undoing a tombstone (a delete) restores the prior value the caller
	// supplies.
	deleteRec := &codec.LogRecord{
		Type:    codec.RecUpdate,
		TxID:    tx,
		PageID:  tree.rootID,
		Payload: encodeUpdatePayload(false, []byte("k1"), nil),
	}
	clr, err = ApplyUndo(tree.pool, tree.pageSize, tree.store, deleteRec, []byte("v1"))
	if err != nil {
		t.Fatalf("undo delete: %v", err)
	}
	if insert, key, val := decodeUpdatePayload(clr); !insert || string(key) != "k1" || string(val) != "v1" {
		t.Fatalf("expected a restoring CLR, got insert=%v key=%q val=%q", insert, key, val)
	}
	got, err := tree.Search([]byte("k1"))
	if err != nil {
		t.Fatalf("search after undo-delete: %v", err)
	}
	if !bytes.Equal(got, []byte("v1")) {
		t.Fatalf("search = %q, want %q", got, "v1")
	}
}
