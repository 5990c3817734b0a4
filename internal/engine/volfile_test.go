package engine

import (
	"path/filepath"
	"testing"

	"github.com/kvarchive/engine/internal/common"
)

func TestVolumeFileCreateOpenRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vol.db")
	creation := common.LSN{Partition: 0, Offset: 0}
	vf, err := createVolumeFile(path, 4096, creation)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if got := vf.FirstDataPID(); got != 1 {
		t.Fatalf("FirstDataPID = %d, want 1", got)
	}
	pid, err := vf.allocate()
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if pid != 1 {
		t.Fatalf("first allocated pid = %d, want 1", pid)
	}
	if err := vf.close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := openVolumeFile(path, 4096)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.close()
	if got := reopened.NextPageID(); got != 2 {
		t.Fatalf("NextPageID after reopen = %d, want 2 (allocator state must survive a reopen)", got)
	}
}

func TestVolumeFileReadPastExtentIsZeroed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vol.db")
	vf, err := createVolumeFile(path, 4096, common.LSN{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer vf.close()

	buf := make([]byte, 4096)
	for i := range buf {
		buf[i] = 0xff
	}
	if err := vf.ReadPage(7, buf); err != nil {
		t.Fatalf("read past extent: %v", err)
	}
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("byte %d not zeroed: %x", i, b)
		}
	}
}

func TestVolumeFileWritePageRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vol.db")
	vf, err := createVolumeFile(path, 4096, common.LSN{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer vf.close()

	page := make([]byte, 4096)
	for i := range page {
		page[i] = byte(i)
	}
	if err := vf.WritePage(3, page); err != nil {
		t.Fatalf("write: %v", err)
	}
	back := make([]byte, 4096)
	if err := vf.ReadPage(3, back); err != nil {
		t.Fatalf("read: %v", err)
	}
	for i := range page {
		if back[i] != page[i] {
			t.Fatalf("byte %d mismatch: got %x want %x", i, back[i], page[i])
		}
	}
}
