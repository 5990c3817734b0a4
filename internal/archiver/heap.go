package archiver

import (
	"container/heap"

	"github.com/kvarchive/engine/internal/codec"
	"github.com/kvarchive/engine/internal/common"
	"github.com/kvarchive/engine/internal/common/daemon"
)

// emittedRecord is one record ready for block assembly, with its sort key
// already resolved and its bytes copied out of the arena.
type EmittedRecord struct {
	Run  uint64
	PID  common.PageID
	LSN  common.LSN
	Data []byte
}

// NewEmittedRecord builds an EmittedRecord directly, bypassing the heap
// stage. archscan's merger uses this to feed already-ordered records from a
// higher-level merge straight into a Writer, since a merge output has no
// partition window of its own to assign a run number from; callers that
// merge into a single output run pass run 0.
func NewEmittedRecord(run uint64, pid common.PageID, lsn common.LSN, data []byte) *EmittedRecord {
	return &EmittedRecord{Run: run, PID: pid, LSN: lsn, Data: data}
}

// heapItem is one workspace-resident record pending emission.
type heapItem struct {
	run  uint64
	pid  common.PageID
	lsn  common.LSN
	slot Slot
	size int
}

// minHeap orders items by (run, pid, lsn), matching spec §4.F's "min-heap of
// (run-number, pid, lsn, slot-pointer)". Because run is assigned externally
// from the LSN-partition window rather than derived by comparing to the
// last emitted key, a single heap (not the classical two-heap replacement
// selection split) already emits strictly by run, then by pid, then by lsn.
type minHeap []*heapItem

func (h minHeap) Len() int { return len(h) }
func (h minHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.run != b.run {
		return a.run < b.run
	}
	if a.pid != b.pid {
		return a.pid < b.pid
	}
	return a.lsn.Less(b.lsn)
}
func (h minHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x interface{}) { *h = append(*h, x.(*heapItem)) }
func (h *minHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Heap implements the §4.F ArchiverHeap / replacement-selection stage: it
// buffers incoming records in a fixed-size Arena, assigns each a run number
// from the LSN partition it falls in, and emits them in (run, pid, lsn)
// order as the arena fills or the input is exhausted.
type Heap struct {
	arena             *Arena
	partitionsPerRun  uint32
	highWaterFraction float64

	items minHeap

	in  *daemon.Ring[*codec.LogRecord]
	out *daemon.Ring[*EmittedRecord]
}

// NewHeap constructs a Heap stage with its own arena of the given size.
func NewHeap(arenaSize, arenaIncr, arenaMax int, partitionsPerRun uint32, in *daemon.Ring[*codec.LogRecord], out *daemon.Ring[*EmittedRecord]) *Heap {
	if partitionsPerRun == 0 {
		partitionsPerRun = 1
	}
	return &Heap{
		arena:             NewArena(arenaSize, arenaIncr, arenaMax),
		partitionsPerRun:  partitionsPerRun,
		highWaterFraction: 0.75,
		in:                in,
		out:               out,
	}
}

func (h *Heap) runFor(lsn common.LSN) uint64 {
	return uint64(lsn.Partition / h.partitionsPerRun)
}

func (h *Heap) arenaPressured() bool {
	return float64(h.arena.Used()) >= float64(h.arena.Cap())*h.highWaterFraction
}

// Run is the heap stage's loop: ingest until the arena is under pressure or
// the input is drained, then drain the heap in sorted order, repeating
// until both the input ring and the heap are empty.
func (h *Heap) Run() {
	defer h.out.Finish()

	heap.Init(&h.items)
	inFinished := false

	for {
		if !inFinished {
			rec, ok := h.in.Get()
			if !ok {
				inFinished = true
			} else {
				h.ingest(rec)
			}
		}

		for h.items.Len() > 0 && (inFinished || h.arenaPressured()) {
			item := heap.Pop(&h.items).(*heapItem)
			data := append([]byte(nil), h.arena.Bytes(item.slot)...)
			h.arena.Free(item.slot)
			if !h.out.Put(&EmittedRecord{Run: item.run, PID: item.pid, LSN: item.lsn, Data: data}) {
				return
			}
			if !inFinished && !h.arenaPressured() {
				break
			}
		}

		if inFinished && h.items.Len() == 0 {
			return
		}
	}
}

func (h *Heap) ingest(rec *codec.LogRecord) {
	data := rec.Marshal()
	slot, err := h.arena.Allocate(len(data))
	if err != nil {
		// Arena is exhausted even under pressure; force one emission to
		// make room and retry once.
		if h.items.Len() > 0 {
			item := heap.Pop(&h.items).(*heapItem)
			emitted := append([]byte(nil), h.arena.Bytes(item.slot)...)
			h.arena.Free(item.slot)
			h.out.Put(&EmittedRecord{Run: item.run, PID: item.pid, LSN: item.lsn, Data: emitted})
			slot, err = h.arena.Allocate(len(data))
		}
		if err != nil {
			return
		}
	}
	copy(h.arena.Bytes(slot), data)
	heap.Push(&h.items, &heapItem{run: h.runFor(rec.OwnLSN), pid: rec.PageID, lsn: rec.OwnLSN, slot: slot, size: len(data)})
}
