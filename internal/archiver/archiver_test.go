package archiver

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kvarchive/engine/internal/archindex"
	"github.com/kvarchive/engine/internal/codec"
	"github.com/kvarchive/engine/internal/common"
	"github.com/kvarchive/engine/internal/walog"
)

// readRunRecords replays a finalized run file's self-describing blocks
// (header gives the payload length) back into LogRecords, for assertions.
func readRunRecords(t *testing.T, path string) []*codec.LogRecord {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read run file: %v", err)
	}
	var recs []*codec.LogRecord
	off := 0
	for off < len(data) {
		if off+blockHeaderSize > len(data) {
			break
		}
		_, endOffset, _ := readBlockHeader(data[off : off+blockHeaderSize])
		payload := data[off+blockHeaderSize : off+blockHeaderSize+int(endOffset)]
		p := 0
		for p < len(payload) {
			rec, next, err := codec.Parse(payload, p)
			if err != nil {
				t.Fatalf("parse record in run %s: %v", path, err)
			}
			recs = append(recs, rec)
			p = next
		}
		off += blockHeaderSize + int(endOffset)
	}
	return recs
}

func TestArchiveRangeProducesOrderedRuns(t *testing.T) {
	logDir := t.TempDir()
	archiveDir := t.TempDir()

	cfg := walog.DefaultConfig()
	cfg.PartitionSize = 400 // force several partitions over a handful of records
	log, err := walog.Open(logDir, cfg)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer log.Close()

	pids := []common.PageID{3, 1, 2, 1, 3}
	var lastLSN common.LSN
	for i, pid := range pids {
		rec := &codec.LogRecord{
			Type:    codec.RecUpdate,
			TxID:    common.TxID(1),
			PageID:  pid,
			Payload: []byte{byte(i)},
		}
		lsn, err := log.Append(rec)
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		lastLSN = lsn
	}
	if err := log.FlushUntil(lastLSN); err != nil {
		t.Fatalf("flush: %v", err)
	}
	end := log.WriteLSN()

	archCfg := DefaultConfig()
	archCfg.ArenaSize = 1 << 16
	p := NewPipeline(logDir, archiveDir, archCfg)
	if err := p.ArchiveRange(common.LSN{}, end); err != nil {
		t.Fatalf("archive range: %v", err)
	}

	runs, err := archindex.ListRuns(archiveDir)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) == 0 {
		t.Fatalf("expected at least one run file")
	}
	if err := archindex.CheckContiguous(runs); err != nil {
		t.Fatalf("runs not contiguous: %v", err)
	}

	var total int
	lastSeenByPID := map[common.PageID]common.LSN{}
	for _, r := range runs {
		recs := readRunRecords(t, r.Path)
		for _, rec := range recs {
			if prev, ok := lastSeenByPID[rec.PageID]; ok && !prev.Less(rec.OwnLSN) {
				t.Fatalf("pid %v: LSN %v not strictly increasing after %v", rec.PageID, rec.OwnLSN, prev)
			}
			lastSeenByPID[rec.PageID] = rec.OwnLSN
		}
		total += len(recs)
	}
	if total != len(pids) {
		t.Fatalf("archived %d records, want %d", total, len(pids))
	}

	idxPath := archindex.IndexFileName(runs[0].Path)
	if _, err := os.Stat(idxPath); err != nil {
		t.Fatalf("expected index file at %s: %v", idxPath, err)
	}
	_ = filepath.Base(runs[0].Path)
}
