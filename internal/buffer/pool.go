package buffer

import (
	"encoding/binary"
	"sync"

	"github.com/kvarchive/engine/internal/codec"
	"github.com/kvarchive/engine/internal/common"
	"github.com/kvarchive/engine/internal/common/errs"
)

// PageWritePayload encodes the target (clean) LSN a RecPageWrite marker
// reflects, read back by log analysis (spec §4.I) to prune its dirty-page
// table: this is the page-LSN the write-back actually flushed, distinct
// from the marker record's own position in the log.
func PageWritePayload(target common.LSN) []byte {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf[0:4], target.Partition)
	binary.LittleEndian.PutUint64(buf[4:12], target.Offset)
	return buf
}

// DecodePageWritePayload is the inverse of PageWritePayload.
func DecodePageWritePayload(payload []byte) common.LSN {
	return common.LSN{
		Partition: binary.LittleEndian.Uint32(payload[0:4]),
		Offset:    binary.LittleEndian.Uint64(payload[4:12]),
	}
}

// LogFlusher is the slice of internal/walog.Log the buffer pool needs: the
// WAL flush-before-write invariant (spec §4.C) requires that before a dirty
// page with page-LSN L is written back, log.flush_until(L) completes. Append
// is used to record a page_write(pid) marker after each successful
// write-back, which log analysis (§4.I) consumes to prune the dirty-page
// table.
type LogFlusher interface {
	FlushUntil(lsn common.LSN) error
	Append(rec *codec.LogRecord) (common.LSN, error)
}

// PageStore is the slice of the volume file the buffer pool needs for
// populating and writing back frames.
type PageStore interface {
	ReadPage(id common.PageID, buf []byte) error
	WritePage(id common.PageID, data []byte) error
	PageSize() int
}

// AdmissionGate is consulted once per Fix of a page still marked in-doubt
// (spec §4.J's two concurrency gates: commit-LSN and lock). Declared here,
// rather than imported from internal/restart, to avoid an import cycle
// (restart already depends on buffer); internal/restart's Gate
// implementations satisfy this interface structurally.
type AdmissionGate interface {
	Admit(f *Frame) error
}

// InDoubtChecker reports whether a page id was left dirty by a crash,
// i.e. whether it appears in restart's dirty-page table. The pool consults
// it exactly once per page, the first time that page is loaded after
// restart, to seed Frame.inDoubt; restart's gate then looks at InDoubt() on
// every Fix to decide whether REDO must catch up before admitting the
// caller.
type InDoubtChecker interface {
	InDoubt(id common.PageID) bool
}

// Config controls pool sizing.
type Config struct {
	// Capacity is the maximum number of resident frames.
	Capacity int
}

// Pool is the fixed-frame buffer pool for one volume.
type Pool struct {
	mu       sync.Mutex
	capacity int
	store    PageStore
	log      LogFlusher

	frames map[common.PageID]*Frame
	head   *Frame // most recently used
	tail   *Frame // least recently used

	// writeOrder[a] = set of frames that must be written before a (a -> b
	// meaning "a after b" reads confusingly, so we store successors: for
	// A -> B meaning "A may not be written before B", writeOrder[A]
	// contains B, i.e. A's dependencies that must flush first).
	writeOrder map[common.PageID]map[common.PageID]bool

	oldest       *walogOldestSetter
	inDoubtCheck InDoubtChecker
	gate         AdmissionGate
}

// walogOldestSetter is satisfied by *walog.OldestLSNTracker; declared as an
// interface here so internal/buffer does not import internal/walog.
type walogOldestSetter interface {
	Update(lsn common.LSN)
}

// New creates a pool backed by store, using log for the flush-before-write
// invariant. oldest, if non-nil, is updated with this pool's dirty-page
// floor whenever it changes (so the log knows which partitions are still
// needed).
func New(store PageStore, log LogFlusher, cfg Config, oldest walogOldestSetter) *Pool {
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = 1024
	}
	return &Pool{
		capacity:   capacity,
		store:      store,
		log:        log,
		frames:     make(map[common.PageID]*Frame, capacity),
		writeOrder: make(map[common.PageID]map[common.PageID]bool),
		oldest:     oldest,
	}
}

// SetInDoubtChecker installs the table consulted when a page is first
// loaded after restart. It must be set before the first Fix of a page that
// might be in doubt; restart.Restart does this immediately after Analyze,
// before returning control to the caller.
func (p *Pool) SetInDoubtChecker(c InDoubtChecker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inDoubtCheck = c
}

// SetGate installs the concurrency gate restart.Restart picks for the
// volume (commit-LSN or lock); must be set before any Fix of a page that
// might still be in-doubt. A nil gate (the default) admits every fix
// unconditionally, matching a volume that was never restarted.
func (p *Pool) SetGate(g AdmissionGate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gate = g
}

// FrameGuard is returned by Fix; callers must call Unfix exactly once.
type FrameGuard struct {
	frame *Frame
	mode  FixMode
}

// Frame returns the underlying frame.
func (g *FrameGuard) Frame() *Frame { return g.frame }

// Unfix releases the latch and decrements the pin count.
func (g *FrameGuard) Unfix() {
	if g.mode == FixExclusive {
		g.frame.mu.Unlock()
	} else {
		g.frame.mu.RUnlock()
	}
	g.frame.pool.mu.Lock()
	g.frame.pinned--
	g.frame.pool.mu.Unlock()
}

// Fix returns a frame for pid, resident and latched in mode, reading it from
// the page store on first access. It returns only once the page is resident
// and the latch is granted (spec §4.C).
func (p *Pool) Fix(id common.PageID, mode FixMode) (*FrameGuard, error) {
	p.mu.Lock()
	f, ok := p.frames[id]
	if !ok {
		var err error
		f, err = p.loadLocked(id)
		if err != nil {
			p.mu.Unlock()
			return nil, err
		}
	} else {
		p.moveToFrontLocked(f)
	}
	f.pinned++
	gate := p.gate
	p.mu.Unlock()

	if gate != nil && f.InDoubt() {
		if err := gate.Admit(f); err != nil {
			p.mu.Lock()
			f.pinned--
			p.mu.Unlock()
			return nil, err
		}
	}

	if mode == FixExclusive {
		f.mu.Lock()
	} else {
		f.mu.RLock()
	}
	return &FrameGuard{frame: f, mode: mode}, nil
}

// loadLocked reads pid from the store into a fresh frame, evicting if
// necessary. Caller must hold p.mu.
func (p *Pool) loadLocked(id common.PageID) (*Frame, error) {
	for len(p.frames) >= p.capacity {
		if !p.evictOneLocked() {
			break // nothing evictable; pool temporarily over capacity
		}
	}
	buf := make([]byte, p.store.PageSize())
	if err := p.store.ReadPage(id, buf); err != nil {
		return nil, err
	}
	h := codec.UnmarshalPageHeader(buf)
	f := &Frame{id: id, page: buf, pool: p, recLSN: h.LSN}
	if p.inDoubtCheck != nil && p.inDoubtCheck.InDoubt(id) {
		f.inDoubt = true
	}
	p.frames[id] = f
	p.pushFrontLocked(f)
	return f, nil
}

// RegisterWriteOrder records that "before" must be written back before
// "after" (e.g. a foster child before its would-be parent, spec §4.C). It
// rejects the registration with ErrWriteOrderLoop if it would introduce a
// cycle.
func (p *Pool) RegisterWriteOrder(after, before common.PageID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.reachesLocked(before, after) {
		return errs.Fatal(errs.Wrapf(errs.ErrWriteOrderLoop,
			"registering %v before %v would cycle", before, after))
	}
	deps, ok := p.writeOrder[after]
	if !ok {
		deps = make(map[common.PageID]bool)
		p.writeOrder[after] = deps
	}
	deps[before] = true
	return nil
}

// reachesLocked reports whether from can reach to by following write-order
// edges (from depends on something that depends on ... that depends on to).
func (p *Pool) reachesLocked(from, to common.PageID) bool {
	if from == to {
		return true
	}
	visited := map[common.PageID]bool{from: true}
	stack := []common.PageID{from}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for dep := range p.writeOrder[cur] {
			if dep == to {
				return true
			}
			if !visited[dep] {
				visited[dep] = true
				stack = append(stack, dep)
			}
		}
	}
	return false
}

// clearWriteOrderLocked drops id's outgoing dependency edges once it has
// been written back.
func (p *Pool) clearWriteOrderLocked(id common.PageID) {
	delete(p.writeOrder, id)
	for _, deps := range p.writeOrder {
		delete(deps, id)
	}
}

// evictOneLocked flushes and removes one unpinned frame honoring
// write-order dependencies: a candidate is only evictable if none of its
// dependencies (pages that must be written first) are still dirty and
// resident. Caller must hold p.mu.
func (p *Pool) evictOneLocked() bool {
	for f := p.tail; f != nil; f = f.prev {
		if f.pinned != 0 {
			continue
		}
		if p.hasUnresolvedDependencyLocked(f.id) {
			continue
		}
		if f.dirty {
			if err := p.flushLocked(f); err != nil {
				continue
			}
		}
		p.unlinkLocked(f)
		delete(p.frames, f.id)
		p.clearWriteOrderLocked(f.id)
		return true
	}
	return false
}

func (p *Pool) hasUnresolvedDependencyLocked(id common.PageID) bool {
	for dep := range p.writeOrder[id] {
		if other, resident := p.frames[dep]; resident && other.dirty {
			return true
		}
	}
	return false
}

// flushLocked enforces the WAL flush-before-write invariant and writes the
// frame back. Caller must hold p.mu; this briefly drops it around I/O.
func (p *Pool) flushLocked(f *Frame) error {
	h := codec.UnmarshalPageHeader(f.page)
	target := h.LSN
	p.mu.Unlock()
	err := p.log.FlushUntil(target)
	p.mu.Lock()
	if err != nil {
		return err
	}
	if err := p.store.WritePage(f.id, f.page); err != nil {
		return err
	}
	f.dirty = false
	p.mu.Unlock()
	_, logErr := p.log.Append(&codec.LogRecord{Type: codec.RecPageWrite, PageID: f.id, Payload: PageWritePayload(target)})
	p.mu.Lock()
	if logErr != nil {
		return logErr
	}
	p.recomputeOldestLocked()
	return nil
}

// recomputeOldestLocked republishes the minimum rec_lsn across all
// currently dirty frames to the shared OldestLSNTracker.
func (p *Pool) recomputeOldestLocked() {
	if p.oldest == nil {
		return
	}
	var min common.LSN
	found := false
	for _, f := range p.frames {
		if f.dirty {
			if !found || f.recLSN.Less(min) {
				min = f.recLSN
				found = true
			}
		}
	}
	if found {
		p.oldest.Update(min)
	}
}

// FlushAll writes back every dirty frame, used by checkpointing and clean
// shutdown. The dirty set is snapshotted up front: flushLocked drops p.mu
// around its I/O, during which a concurrent Fix/evict could otherwise add
// or remove entries from p.frames out from under this range.
func (p *Pool) FlushAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	dirty := make([]*Frame, 0, len(p.frames))
	for _, f := range p.frames {
		if f.dirty {
			dirty = append(dirty, f)
		}
	}
	for _, f := range dirty {
		if !f.dirty {
			continue
		}
		if err := p.flushLocked(f); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pool) moveToFrontLocked(f *Frame) {
	if p.head == f {
		return
	}
	p.unlinkLocked(f)
	p.pushFrontLocked(f)
}

func (p *Pool) pushFrontLocked(f *Frame) {
	f.prev = nil
	f.next = p.head
	if p.head != nil {
		p.head.prev = f
	}
	p.head = f
	if p.tail == nil {
		p.tail = f
	}
}

func (p *Pool) unlinkLocked(f *Frame) {
	if f.prev != nil {
		f.prev.next = f.next
	} else if p.head == f {
		p.head = f.next
	}
	if f.next != nil {
		f.next.prev = f.prev
	} else if p.tail == f {
		p.tail = f.prev
	}
	f.prev, f.next = nil, nil
}
