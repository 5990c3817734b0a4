package archindex

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kvarchive/engine/internal/common"
)

func writeRun(t *testing.T, dir string, level int, begin, end common.LSN, entries []Entry) RunMeta {
	t.Helper()
	name := RunFileName(level, begin, end)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("run-data"), 0644); err != nil {
		t.Fatalf("write run file: %v", err)
	}
	idx := &RunIndex{BucketSize: 1, Entries: entries}
	if err := WriteIndex(IndexFileName(path), idx); err != nil {
		t.Fatalf("write index: %v", err)
	}
	return RunMeta{Level: level, BeginLSN: begin, EndLSN: end, Path: path}
}

func TestIndexRoundTrip(t *testing.T) {
	dir := t.TempDir()
	entries := []Entry{{Offset: 0, FirstPID: 1}, {Offset: 4096, FirstPID: 50}, {Offset: 8192, FirstPID: 120}}
	writeRun(t, dir, 0, common.LSN{Offset: 0}, common.LSN{Offset: 100}, entries)

	runs, err := ListRuns(dir)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}
	idx, err := ReadIndex(IndexFileName(runs[0].Path))
	if err != nil {
		t.Fatalf("read index: %v", err)
	}
	if off := idx.First(60); off != 4096 {
		t.Fatalf("First(60) = %d, want 4096", off)
	}
	if off := idx.First(0); off != -1 {
		t.Fatalf("First(0) = %d, want -1", off)
	}
}

func TestContiguousRunsPassCheck(t *testing.T) {
	dir := t.TempDir()
	r1 := writeRun(t, dir, 0, common.LSN{Offset: 0}, common.LSN{Offset: 100}, []Entry{{Offset: 0, FirstPID: 1}})
	r2 := writeRun(t, dir, 0, common.LSN{Offset: 100}, common.LSN{Offset: 200}, []Entry{{Offset: 0, FirstPID: 1}})
	if err := CheckContiguous([]RunMeta{r1, r2}); err != nil {
		t.Fatalf("expected no gap, got %v", err)
	}
}

func TestGapIsFatal(t *testing.T) {
	dir := t.TempDir()
	r1 := writeRun(t, dir, 0, common.LSN{Offset: 0}, common.LSN{Offset: 100}, []Entry{{Offset: 0, FirstPID: 1}})
	r2 := writeRun(t, dir, 0, common.LSN{Offset: 150}, common.LSN{Offset: 200}, []Entry{{Offset: 0, FirstPID: 1}})
	if err := CheckContiguous([]RunMeta{r1, r2}); err == nil {
		t.Fatalf("expected archive gap error")
	}
}

func TestNonOverlappingPrefersHigherLevel(t *testing.T) {
	dir := t.TempDir()
	// Two level-0 runs merged into one level-1 run covering the same range.
	writeRun(t, dir, 0, common.LSN{Offset: 0}, common.LSN{Offset: 50}, []Entry{{Offset: 0, FirstPID: 1}})
	writeRun(t, dir, 0, common.LSN{Offset: 50}, common.LSN{Offset: 100}, []Entry{{Offset: 0, FirstPID: 1}})
	writeRun(t, dir, 1, common.LSN{Offset: 0}, common.LSN{Offset: 100}, []Entry{{Offset: 0, FirstPID: 1}})

	runs, err := ListRuns(dir)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	nonOverlap := NonOverlapping(runs)
	if len(nonOverlap) != 1 {
		t.Fatalf("expected 1 surviving run, got %d", len(nonOverlap))
	}
	if nonOverlap[0].Level != 1 {
		t.Fatalf("expected level-1 run to win, got level %d", nonOverlap[0].Level)
	}
}

func TestIncompleteRunSkippedByListing(t *testing.T) {
	dir := t.TempDir()
	// A .tmp run with no paired index must not appear in ListRuns.
	if err := os.WriteFile(filepath.Join(dir, TempRunFileName(0, 1)), []byte("partial"), 0644); err != nil {
		t.Fatalf("write tmp run: %v", err)
	}
	runs, err := ListRuns(dir)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 0 {
		t.Fatalf("expected 0 finalized runs, got %d", len(runs))
	}
}
