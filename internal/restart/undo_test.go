package restart

import (
	"testing"

	"github.com/kvarchive/engine/internal/btree"
	"github.com/kvarchive/engine/internal/buffer"
	"github.com/kvarchive/engine/internal/codec"
	"github.com/kvarchive/engine/internal/common"
	"github.com/kvarchive/engine/internal/walog"
)

type counterAlloc struct{ next common.PageID }

func (a *counterAlloc) Allocate() (common.PageID, error) {
	a.next++
	return a.next, nil
}

func TestUndoAllRollsBackLoserInsert(t *testing.T) {
	dir := t.TempDir()
	store := newFakeStore(codec.DefaultPageSize)
	alloc := &counterAlloc{}

	l, err := walog.Open(dir, testWalConfig())
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	pool := buffer.New(store, l, buffer.Config{Capacity: 16}, nil)
	tree, err := btree.Create(pool, l, alloc, common.StoreID(1), store.PageSize())
	if err != nil {
		t.Fatalf("create tree: %v", err)
	}

	tx := common.TxID(7)
	if _, err := tree.Insert(tx, common.NullLSN, []byte("k1"), []byte("v1")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if got, err := tree.Search([]byte("k1")); err != nil || string(got) != "v1" {
		t.Fatalf("search before crash: %v, %q", err, got)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close log: %v", err)
	}

	// Simulate restart: analyze, reopen the log, and undo the loser.
	analysis, err := Analyze(dir)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if len(analysis.ATT.Losers()) != 1 {
		t.Fatalf("expected exactly one loser, got %v", analysis.ATT.Losers())
	}

	l2, err := walog.Resume(dir, testWalConfig(), analysis.ResumePartition, analysis.ResumeOffset)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	defer l2.Close()
	pool2 := buffer.New(store, l2, buffer.Config{Capacity: 16}, nil)
	pool2.SetInDoubtChecker(analysis.DPT)

	if err := UndoAll(pool2, store.PageSize(), common.StoreID(1), l2, dir, analysis.EndLSN, analysis.ATT); err != nil {
		t.Fatalf("undo all: %v", err)
	}

	tree2 := btree.Open(pool2, l2, alloc, common.StoreID(1), store.PageSize(), tree.RootID())
	if _, err := tree2.Search([]byte("k1")); err == nil {
		t.Fatalf("expected k1 to be rolled back after undo")
	}
}
