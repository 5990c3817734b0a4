package walog

import (
	"sync"

	"github.com/kvarchive/engine/internal/common"
)

// OldestLSNTracker lets the buffer pool publish the smallest rec_lsn across
// all currently dirty frames. The archiver and partition-reclamation logic
// consult it before treating a partition as reclaimable: a partition holding
// the rec_lsn of some still-dirty page must survive until that page is
// written back (spec §4.C/§4.I interaction).
type OldestLSNTracker struct {
	mu  sync.Mutex
	lsn common.LSN
	set bool
}

// NewOldestLSNTracker returns a tracker reporting no floor yet.
func NewOldestLSNTracker() *OldestLSNTracker {
	return &OldestLSNTracker{}
}

// Update records a candidate oldest rec_lsn. The buffer pool calls this
// whenever it recomputes its dirty-page-table minimum; Update only lowers
// the floor, it never raises it on its own — callers must use Reset when
// the previous floor page is cleaned and a fresh minimum is known.
func (t *OldestLSNTracker) Update(lsn common.LSN) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.set || lsn.Less(t.lsn) {
		t.lsn = lsn
		t.set = true
	}
}

// Reset replaces the floor outright, used when the buffer pool recomputes
// its DPT minimum from scratch (e.g. after a checkpoint).
func (t *OldestLSNTracker) Reset(lsn common.LSN, known bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lsn = lsn
	t.set = known
}

// Get returns the current floor and whether one has been established. No
// floor means no page is known dirty, so every partition is reclaimable as
// far as the buffer pool is concerned.
func (t *OldestLSNTracker) Get() (common.LSN, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lsn, t.set
}
