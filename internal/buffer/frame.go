// Package buffer implements the fixed-frame buffer pool of spec §4.C: fixed
// frames with pin-count, reader/writer latch, dirty bit, rec-LSN, and an
// in-doubt flag set by log analysis until REDO completes for that page.
// Grounded on the teacher's internal/storage/pager.PageBufferPool (LRU
// doubly-linked list, pin-count eviction gate), generalized with
// reader/writer latching, rec-LSN tracking, and write-order dependency
// enforcement, none of which the teacher's pool needed.
package buffer

import (
	"sync"

	"github.com/kvarchive/engine/internal/codec"
	"github.com/kvarchive/engine/internal/common"
)

// FixMode is the latch mode requested by fix.
type FixMode int

const (
	FixShared FixMode = iota
	FixExclusive
)

// Frame is one resident page plus its control block (spec §3 "Buffer
// frame"). The raw page bytes live in Page; callers holding a FrameGuard may
// read or, if latched exclusive, mutate Page directly.
type Frame struct {
	id     common.PageID
	page   []byte
	mu     sync.RWMutex // the frame's reader/writer latch
	pool   *Pool
	pinned int32 // guarded by pool.mu
	dirty  bool  // guarded by pool.mu
	recLSN common.LSN
	inDoubt bool // guarded by pool.mu; cleared when REDO completes for this page

	prev, next *Frame // LRU links, guarded by pool.mu
}

// ID returns the frame's page id.
func (f *Frame) ID() common.PageID { return f.id }

// Page returns the raw page bytes. Caller must hold the frame's latch
// (via the FrameGuard that produced this Frame) for the duration of access.
func (f *Frame) Page() []byte { return f.page }

// RecLSN returns the earliest unflushed log LSN affecting this frame.
func (f *Frame) RecLSN() common.LSN {
	f.pool.mu.Lock()
	defer f.pool.mu.Unlock()
	return f.recLSN
}

// InDoubt reports whether this frame is still awaiting REDO.
func (f *Frame) InDoubt() bool {
	f.pool.mu.Lock()
	defer f.pool.mu.Unlock()
	return f.inDoubt
}

// ClearInDoubt marks REDO complete for this frame (called by restart §4.J).
func (f *Frame) ClearInDoubt() {
	f.pool.mu.Lock()
	defer f.pool.mu.Unlock()
	f.inDoubt = false
}

// MarkDirty records that the frame was just modified under LSN lsn. rec_lsn
// only ever moves earlier on first dirtying, per spec §4.C: "rec_lsn =
// min(rec_lsn, log.curr_lsn)".
func (f *Frame) MarkDirty(lsn common.LSN) {
	f.pool.mu.Lock()
	defer f.pool.mu.Unlock()
	if !f.dirty {
		f.dirty = true
		f.recLSN = lsn
	}
	codec.SetPageChecksum(f.page)
	h := codec.UnmarshalPageHeader(f.page)
	h.LSN = lsn
	codec.MarshalPageHeader(&h, f.page)
	codec.SetPageChecksum(f.page)
}

// IsDirty reports the frame's dirty bit.
func (f *Frame) IsDirty() bool {
	f.pool.mu.Lock()
	defer f.pool.mu.Unlock()
	return f.dirty
}
