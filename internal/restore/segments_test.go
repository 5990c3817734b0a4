package restore

import (
	"context"
	"testing"
	"time"

	"github.com/kvarchive/engine/internal/common"
)

func TestSegmentOfAndRange(t *testing.T) {
	const segPages = 4
	if got := SegmentOf(common.PageID(9), segPages); got != Segment(2) {
		t.Fatalf("SegmentOf(9) = %v, want 2", got)
	}
	first, last := Segment(2).Range(segPages)
	if first != 8 || last != 11 {
		t.Fatalf("Range = [%v,%v], want [8,11]", first, last)
	}
}

func TestStateMarkRestoredClearsFailedOnceAllSet(t *testing.T) {
	st := NewState(3)
	if !st.Failed() {
		t.Fatalf("expected a fresh State to start failed")
	}
	st.MarkRestored(0)
	st.MarkRestored(1)
	if st.Failed() != true {
		t.Fatalf("expected still failed with one segment outstanding")
	}
	st.MarkRestored(2)
	if st.Failed() {
		t.Fatalf("expected failed to clear once every segment is restored")
	}
	if !st.CheckRestoreFinished() {
		t.Fatalf("expected CheckRestoreFinished once every bit is set")
	}
}

func TestWaitSegmentUnblocksOnMarkRestored(t *testing.T) {
	st := NewState(2)
	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		done <- st.WaitSegment(ctx, 1)
	}()

	time.Sleep(20 * time.Millisecond)
	st.MarkRestored(1)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("wait segment: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("WaitSegment did not unblock after MarkRestored")
	}
}

func TestWaitSegmentRespectsContextCancellation(t *testing.T) {
	st := NewState(2)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- st.WaitSegment(ctx, 0) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected WaitSegment to report the cancellation")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("WaitSegment did not observe context cancellation")
	}
}
