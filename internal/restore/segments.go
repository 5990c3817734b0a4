// Package restore implements Instant Restore (spec §4.K): after a media
// failure marks a volume failed, user transactions keep running by fetching
// missing segments from a backup and replaying archived log records on
// demand, while a background scheduler restores the remaining segments.
//
// Grounded on _examples/original_source/src/sm/backup_reader.h for the
// BackupReader/BackupPrefetcher hierarchy, and on internal/restart's
// analysis/gate/redo shape (the same engine, one LSN axis earlier) for the
// bitmap-and-gate structure reused here at segment granularity.
package restore

import (
	"context"
	"sync"

	"github.com/kvarchive/engine/internal/common"
)

// Segment is a fixed-size run of page ids, the unit of restore scheduling.
type Segment uint32

// SegmentOf returns the segment containing pid, given segPages pages per
// segment.
func SegmentOf(pid common.PageID, segPages int) Segment {
	return Segment(uint64(pid) / uint64(segPages))
}

// Range returns the inclusive page-id bounds of segment s.
func (s Segment) Range(segPages int) (first, last common.PageID) {
	first = common.PageID(uint64(s) * uint64(segPages))
	last = common.PageID(uint64(s)*uint64(segPages) + uint64(segPages) - 1)
	return first, last
}

// State is the per-volume restore bookkeeping of spec §4.K: a `failed` flag
// and a per-segment `restored` bitmap. Waiters block on WaitSegment until
// the scheduler (elsewhere in this package) flips a bit.
type State struct {
	mu       sync.Mutex
	cond     *sync.Cond
	failed   bool
	segments int
	restored []bool
}

// NewState builds restore bookkeeping for a volume of the given segment
// count, already marked failed (the caller calls MarkFailed at the point of
// detecting media loss; State is only ever constructed as a consequence of
// that).
func NewState(segments int) *State {
	st := &State{failed: true, segments: segments, restored: make([]bool, segments)}
	st.cond = sync.NewCond(&st.mu)
	return st
}

// MarkFailed re-arms a State, for the rare case a volume already restoring
// suffers a second failure. evict is the caller's cue to drop this volume's
// resident buffer-pool frames before restore resumes (spec §4.K:
// "optionally drop all frames for this volume"); State itself holds no
// frames, so eviction is the caller's responsibility — this just resets the
// bitmap.
func (st *State) MarkFailed(evict bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.failed = true
	for i := range st.restored {
		st.restored[i] = false
	}
}

// Failed reports whether the volume is still in restore.
func (st *State) Failed() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.failed
}

// IsRestored reports whether segment s has completed restore.
func (st *State) IsRestored(s Segment) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.restored[s]
}

// MarkRestored flips segment s's bit and wakes every WaitSegment waiter so
// they can recheck. If every segment is now restored, the volume's failed
// flag clears (spec §4.K: "check_restore_finished polls; when all bits are
// set, failed clears").
func (st *State) MarkRestored(s Segment) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.restored[s] = true
	if st.allRestoredLocked() {
		st.failed = false
	}
	st.cond.Broadcast()
}

func (st *State) allRestoredLocked() bool {
	for _, r := range st.restored {
		if !r {
			return false
		}
	}
	return true
}

// CheckRestoreFinished reports whether every segment is restored.
func (st *State) CheckRestoreFinished() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.allRestoredLocked()
}

// WaitSegment blocks until segment s is restored or ctx is done. A fix(pid)
// on an unrestored page calls this after requesting the segment at the
// front of the scheduler's queue (spec §4.K: "blocks on the scheduler,
// pushing the segment to the front").
func (st *State) WaitSegment(ctx context.Context, s Segment) error {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			st.mu.Lock()
			st.cond.Broadcast()
			st.mu.Unlock()
		case <-done:
		}
	}()
	defer close(done)

	st.mu.Lock()
	defer st.mu.Unlock()
	for !st.restored[s] {
		if err := ctx.Err(); err != nil {
			return err
		}
		st.cond.Wait()
	}
	return nil
}

// Segments returns the total segment count.
func (st *State) Segments() int { return st.segments }
