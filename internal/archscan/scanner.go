// Package archscan implements the Archive Scanner & Merger of spec §4.H:
// RunScanner streams one run's records (optionally restricted to a page-id
// range), RunMerger holds a min-heap of scanners to produce a single
// globally sorted stream across runs, and the merge daemon folds N runs at
// level L into one run at level L+1. Grounded on
// internal/archiver.RunReader for the block wire format and on
// _examples/original_source/src/sm/logarchiver.h for the merge-and-retire
// policy.
package archscan

import (
	"io"

	"github.com/kvarchive/engine/internal/archindex"
	"github.com/kvarchive/engine/internal/archiver"
	"github.com/kvarchive/engine/internal/codec"
	"github.com/kvarchive/engine/internal/common"
	"github.com/kvarchive/engine/internal/common/errs"
)

// RunScanner streams records from one run, optionally restricted to
// [firstPID, lastPID], positioned by the run's ArchiveIndex.
type RunScanner struct {
	run      archindex.RunMeta
	reader   *archiver.RunReader
	hasRange bool
	firstPID common.PageID
	lastPID  common.PageID

	lastLSNByPID map[common.PageID]common.LSN
	done         bool
}

// NewRunScanner opens a scanner over run, using its ArchiveIndex to seek
// directly to the first block that may contain firstPID (if a range is
// given).
func NewRunScanner(run archindex.RunMeta, firstPID, lastPID *common.PageID) (*RunScanner, error) {
	var off int64
	if firstPID != nil {
		idx, err := archindex.ReadIndex(archindex.IndexFileName(run.Path))
		if err != nil {
			return nil, err
		}
		if o := idx.First(*firstPID); o >= 0 {
			off = o
		}
	}
	reader, err := archiver.OpenRunReaderAt(run.Path, off)
	if err != nil {
		return nil, err
	}
	s := &RunScanner{run: run, reader: reader, lastLSNByPID: make(map[common.PageID]common.LSN)}
	if firstPID != nil && lastPID != nil {
		s.hasRange = true
		s.firstPID, s.lastPID = *firstPID, *lastPID
	}
	return s, nil
}

// Close releases the underlying file handle.
func (s *RunScanner) Close() error { return s.reader.Close() }

// Peek-less Next returns the next in-range record, or io.EOF. It asserts
// the §4.H ordering contract on every record: for a given pid, LSNs appear
// in strictly increasing order within a run.
func (s *RunScanner) Next() (*codec.LogRecord, error) {
	if s.done {
		return nil, io.EOF
	}
	for {
		rec, err := s.reader.Next()
		if err == io.EOF {
			s.done = true
			return nil, io.EOF
		}
		if err != nil {
			return nil, err
		}
		if s.hasRange && (rec.PageID < s.firstPID || rec.PageID > s.lastPID) {
			continue
		}
		if prev, ok := s.lastLSNByPID[rec.PageID]; ok && !prev.Less(rec.OwnLSN) {
			return nil, errs.Fatal(errs.Wrapf(errs.ErrCorrupt,
				"run %s: pid %v LSN %v not strictly increasing after %v", s.run.Path, rec.PageID, rec.OwnLSN, prev))
		}
		s.lastLSNByPID[rec.PageID] = rec.OwnLSN
		return rec, nil
	}
}
