package walog

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kvarchive/engine/internal/common/errs"
)

// partition is a single log partition file: a bounded prefix of the log,
// terminated by a skip record whose LSN advances to the next partition
// (spec §3 "Log partition"). Appends are sequential pwrites at a
// monotonically increasing offset so multiple partitions can be read
// concurrently by the archiver while the active one is still being written.
type partition struct {
	num      uint32
	file     *os.File
	writePos int64
	capacity int64
}

// MakeLogName returns the on-disk file name for log partition n, matching
// the "partition number" naming scheme of spec §3.
func MakeLogName(n uint32) string {
	return fmt.Sprintf("log.%010d", n)
}

func openPartition(dir string, num uint32, capacity int64) (*partition, error) {
	path := filepath.Join(dir, MakeLogName(num))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errs.Wrapf(err, "open partition %d", num)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errs.Wrapf(err, "stat partition %d", num)
	}
	return &partition{num: num, file: f, writePos: info.Size(), capacity: capacity}, nil
}

// remaining returns how many bytes may still be appended before rollover.
func (p *partition) remaining() int64 {
	return p.capacity - p.writePos
}

func (p *partition) append(data []byte) (int64, error) {
	off := p.writePos
	n, err := p.file.WriteAt(data, off)
	if err != nil {
		return 0, errs.Wrapf(err, "append to partition %d", p.num)
	}
	p.writePos += int64(n)
	return off, nil
}

func (p *partition) readAt(off int64, buf []byte) (int, error) {
	n, err := p.file.ReadAt(buf, off)
	if err != nil {
		return n, errs.Wrapf(err, "read partition %d at %d", p.num, off)
	}
	return n, nil
}

func (p *partition) sync() error {
	if err := p.file.Sync(); err != nil {
		return errs.Wrapf(err, "sync partition %d", p.num)
	}
	return nil
}

func (p *partition) close() error {
	return p.file.Close()
}

// openPartitionReadOnly opens an existing, possibly closed, partition file
// purely for reading (archiver / restart / restore scans).
func openPartitionReadOnly(dir string, num uint32) (*os.File, error) {
	path := filepath.Join(dir, MakeLogName(num))
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.Wrapf(err, "open partition %d for read", num)
	}
	return f, nil
}
