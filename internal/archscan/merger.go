package archscan

import (
	"container/heap"
	"io"

	"github.com/kvarchive/engine/internal/codec"
)

// mergeItem is one scanner's current head record.
type mergeItem struct {
	rec     *codec.LogRecord
	scanner *RunScanner
}

type mergeHeap []*mergeItem

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	a, b := h[i].rec, h[j].rec
	if a.PageID != b.PageID {
		return a.PageID < b.PageID
	}
	return a.OwnLSN.Less(b.OwnLSN)
}
func (h mergeHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x interface{}) { *h = append(*h, x.(*mergeItem)) }
func (h *mergeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// RunMerger holds a min-heap of (pid, lsn, current-record) across several
// RunScanners, producing one globally sorted stream (spec §4.H).
type RunMerger struct {
	items mergeHeap
}

// NewRunMerger primes the heap with each scanner's first record. Scanners
// already exhausted (empty runs) are simply skipped.
func NewRunMerger(scanners []*RunScanner) (*RunMerger, error) {
	m := &RunMerger{}
	for _, s := range scanners {
		rec, err := s.Next()
		if err == io.EOF {
			continue
		}
		if err != nil {
			return nil, err
		}
		m.items = append(m.items, &mergeItem{rec: rec, scanner: s})
	}
	heap.Init(&m.items)
	return m, nil
}

// Next returns the globally next record across all scanners, or io.EOF once
// every scanner is exhausted.
func (m *RunMerger) Next() (*codec.LogRecord, error) {
	if m.items.Len() == 0 {
		return nil, io.EOF
	}
	top := heap.Pop(&m.items).(*mergeItem)
	rec := top.rec

	next, err := top.scanner.Next()
	if err == io.EOF {
		return rec, nil
	}
	if err != nil {
		return nil, err
	}
	heap.Push(&m.items, &mergeItem{rec: next, scanner: top.scanner})
	return rec, nil
}
