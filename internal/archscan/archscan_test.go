package archscan

import (
	"io"
	"testing"

	"github.com/kvarchive/engine/internal/archindex"
	"github.com/kvarchive/engine/internal/archiver"
	"github.com/kvarchive/engine/internal/codec"
	"github.com/kvarchive/engine/internal/common"
	"github.com/kvarchive/engine/internal/common/daemon"
)

// writeRun builds one run file at dir directly through archiver.Writer,
// bypassing the rest of the pipeline, so scanner/merger tests don't need a
// live recovery log.
func writeRun(t *testing.T, dir string, level int, recs []*codec.LogRecord) archindex.RunMeta {
	t.Helper()
	ring := daemon.NewRing[*archiver.EmittedRecord](len(recs) + 1)
	w := archiver.NewWriter(dir, archiver.DefaultBlockSize, level, ring)
	done := make(chan struct{})
	go func() { w.Run(); close(done) }()
	for _, rec := range recs {
		ring.Put(archiver.NewEmittedRecord(0, rec.PageID, rec.OwnLSN, rec.Marshal()))
	}
	ring.Finish()
	<-done
	if err := w.Err(); err != nil {
		t.Fatalf("write run: %v", err)
	}
	runs, err := archindex.ListRuns(dir)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) == 0 {
		t.Fatalf("expected a run to be written")
	}
	return runs[len(runs)-1]
}

func rec(pid common.PageID, partition uint32, offset uint64) *codec.LogRecord {
	return &codec.LogRecord{
		Type:    codec.RecUpdate,
		TxID:    common.TxID(1),
		PageID:  pid,
		OwnLSN:  common.LSN{Partition: partition, Offset: offset},
		Payload: []byte{byte(pid)},
	}
}

func TestRunScannerRestrictsByPIDRange(t *testing.T) {
	dir := t.TempDir()
	run := writeRun(t, dir, 0, []*codec.LogRecord{
		rec(1, 0, 10), rec(2, 0, 20), rec(3, 0, 30),
	})

	first, last := common.PageID(2), common.PageID(2)
	s, err := NewRunScanner(run, &first, &last)
	if err != nil {
		t.Fatalf("new scanner: %v", err)
	}
	defer s.Close()

	got, err := s.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if got.PageID != 2 {
		t.Fatalf("got pid %v, want 2", got.PageID)
	}
	if _, err := s.Next(); err != io.EOF {
		t.Fatalf("expected EOF after the single matching record, got %v", err)
	}
}

func TestRunMergerOrdersAcrossRuns(t *testing.T) {
	dirA, dirB := t.TempDir(), t.TempDir()
	runA := writeRun(t, dirA, 0, []*codec.LogRecord{rec(1, 0, 10), rec(3, 0, 15)})
	runB := writeRun(t, dirB, 0, []*codec.LogRecord{rec(2, 0, 12), rec(3, 0, 20)})

	sA, err := NewRunScanner(runA, nil, nil)
	if err != nil {
		t.Fatalf("scanner A: %v", err)
	}
	sB, err := NewRunScanner(runB, nil, nil)
	if err != nil {
		t.Fatalf("scanner B: %v", err)
	}
	defer sA.Close()
	defer sB.Close()

	m, err := NewRunMerger([]*RunScanner{sA, sB})
	if err != nil {
		t.Fatalf("new merger: %v", err)
	}

	var gotPIDs []common.PageID
	for {
		r, err := m.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("merge next: %v", err)
		}
		gotPIDs = append(gotPIDs, r.PageID)
	}

	want := []common.PageID{1, 2, 3, 3}
	if len(gotPIDs) != len(want) {
		t.Fatalf("got %v, want %v", gotPIDs, want)
	}
	for i := range want {
		if gotPIDs[i] != want[i] {
			t.Fatalf("got %v, want %v", gotPIDs, want)
		}
	}
}

func TestMergeDaemonProducesSingleContiguousRun(t *testing.T) {
	dir := t.TempDir()
	runA := writeRun(t, dir, 0, []*codec.LogRecord{rec(1, 0, 10), rec(2, 0, 11)})
	runB := writeRun(t, dir, 0, []*codec.LogRecord{rec(1, 0, 11), rec(3, 0, 12)})

	md := NewMergeDaemon(dir, archiver.DefaultBlockSize, true)
	out, err := md.MergeOnce([]archindex.RunMeta{runA, runB}, 1)
	if err != nil {
		t.Fatalf("merge once: %v", err)
	}
	if out.Level != 1 {
		t.Fatalf("got level %d, want 1", out.Level)
	}
	if out.BeginLSN != runA.BeginLSN || out.EndLSN != runB.EndLSN {
		t.Fatalf("got range [%v,%v], want [%v,%v]", out.BeginLSN, out.EndLSN, runA.BeginLSN, runB.EndLSN)
	}

	runs, err := archindex.ListRuns(dir)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected retired inputs leaving exactly one run, got %d", len(runs))
	}
	if runs[0].Level != 1 {
		t.Fatalf("remaining run is level %d, want 1", runs[0].Level)
	}
}
