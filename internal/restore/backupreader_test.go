package restore

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDummyBackupReaderReturnsZeroedSegment(t *testing.T) {
	r := NewDummyBackupReader(256)
	buf, err := r.Fix(5)
	if err != nil {
		t.Fatalf("fix: %v", err)
	}
	if len(buf) != 256 {
		t.Fatalf("got %d bytes, want 256", len(buf))
	}
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("byte %d = %d, want 0", i, b)
		}
	}
	r.Unfix(5)
	if err := r.Finish(); err != nil {
		t.Fatalf("finish: %v", err)
	}
}

func TestOnDemandReaderReadsSegmentBytes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "backup.img")
	const segBytes = 16
	data := make([]byte, segBytes*3)
	for i := range data {
		data[i] = byte(i)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write backup file: %v", err)
	}

	r, err := OpenOnDemandReader(path, segBytes)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer r.Finish()

	got, err := r.Fix(1)
	if err != nil {
		t.Fatalf("fix: %v", err)
	}
	want := data[segBytes : 2*segBytes]
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("byte %d = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestOnDemandReaderShortReadPastEOFStaysZero(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "backup.img")
	const segBytes = 16
	if err := os.WriteFile(path, make([]byte, segBytes), 0o644); err != nil {
		t.Fatalf("write backup file: %v", err)
	}
	r, err := OpenOnDemandReader(path, segBytes)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer r.Finish()

	got, err := r.Fix(3) // segment 3 is entirely past end-of-file
	if err != nil {
		t.Fatalf("fix: %v", err)
	}
	for i, b := range got {
		if b != 0 {
			t.Fatalf("byte %d = %d, want 0 past EOF", i, b)
		}
	}
}
