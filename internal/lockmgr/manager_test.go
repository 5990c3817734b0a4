package lockmgr

import (
	"context"
	"testing"
	"time"

	"github.com/kvarchive/engine/internal/common"
)

func TestAcquireCompatibleSharedLocks(t *testing.T) {
	m := New()
	id := KeyLock(1, []byte("k1"))
	ctx := context.Background()

	if err := m.Acquire(ctx, 1, id, ModeS, 0); err != nil {
		t.Fatalf("tx1 acquire S: %v", err)
	}
	if err := m.Acquire(ctx, 2, id, ModeS, 0); err != nil {
		t.Fatalf("tx2 acquire S: %v", err)
	}
}

func TestAcquireExclusiveBlocksUntilReleased(t *testing.T) {
	m := New()
	id := KeyLock(1, []byte("k1"))
	ctx := context.Background()

	if err := m.Acquire(ctx, 1, id, ModeX, 0); err != nil {
		t.Fatalf("tx1 acquire X: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- m.Acquire(ctx, 2, id, ModeX, 2*time.Second)
	}()

	select {
	case <-done:
		t.Fatalf("tx2 should still be blocked")
	case <-time.After(100 * time.Millisecond):
	}

	m.Release(1, id)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("tx2 acquire after release: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("tx2 never woke after release")
	}
}

func TestAcquireTimesOut(t *testing.T) {
	m := New()
	id := KeyLock(1, []byte("k1"))
	ctx := context.Background()

	if err := m.Acquire(ctx, 1, id, ModeX, 0); err != nil {
		t.Fatalf("tx1 acquire X: %v", err)
	}
	err := m.Acquire(ctx, 2, id, ModeX, 50*time.Millisecond)
	if err == nil {
		t.Fatalf("expected timeout error")
	}
}

func TestDeadlockDetectionPicksYoungestVictim(t *testing.T) {
	m := New()
	idA := KeyLock(1, []byte("a"))
	idB := KeyLock(1, []byte("b"))
	ctx := context.Background()

	if err := m.Acquire(ctx, 1, idA, ModeX, 0); err != nil {
		t.Fatalf("tx1 acquire A: %v", err)
	}
	if err := m.Acquire(ctx, 2, idB, ModeX, 0); err != nil {
		t.Fatalf("tx2 acquire B: %v", err)
	}

	errCh1 := make(chan error, 1)
	go func() {
		errCh1 <- m.Acquire(ctx, 1, idB, ModeX, 5*time.Second)
	}()
	time.Sleep(50 * time.Millisecond)

	err2 := m.Acquire(ctx, 2, idA, ModeX, 5*time.Second)
	if err2 == nil {
		t.Fatalf("expected tx2 (youngest) to be the deadlock victim")
	}
	// A real caller aborts on ErrDeadlock, releasing all of its locks; only
	// then can the surviving transaction make progress.
	m.Release(2, idB)

	select {
	case err1 := <-errCh1:
		if err1 != nil {
			t.Fatalf("tx1 should have been granted B once tx2 aborted: %v", err1)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("tx1's acquire never resolved")
	}
}

func TestELRCLVWatermarkInheritance(t *testing.T) {
	m := New()
	id := KeyLock(1, []byte("k1"))
	ctx := context.Background()

	if err := m.Acquire(ctx, 1, id, ModeX, 0); err != nil {
		t.Fatalf("tx1 acquire X: %v", err)
	}
	commitLSN := common.LSN{Partition: 0, Offset: 42}
	m.ReleaseEarly(1, id, ModeX, ELRCLV, commitLSN)

	if err := m.Acquire(ctx, 2, id, ModeX, 0); err != nil {
		t.Fatalf("tx2 acquire X after early release: %v", err)
	}
	m.InheritWatermark(2, id)
	wm, ok := m.WatermarkFor(2)
	if !ok || wm != commitLSN {
		t.Fatalf("expected tx2 to inherit watermark %v, got %v (ok=%v)", commitLSN, wm, ok)
	}
}
