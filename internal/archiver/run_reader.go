package archiver

import (
	"io"
	"os"

	"github.com/kvarchive/engine/internal/codec"
	"github.com/kvarchive/engine/internal/common/errs"
)

// RunReader streams the self-describing blocks of one finalized run file
// back into LogRecords, starting at an arbitrary block-aligned file offset
// (as produced by an archindex.Entry). Shared by internal/archscan (§4.H)
// and internal/restore (§4.K) so the block wire format stays in one place.
type RunReader struct {
	f   *os.File
	buf []byte

	payload []byte
	pos     int
}

// OpenRunReaderAt opens path and positions the reader at byte offset off
// (must be the start of a block, e.g. from an ArchiveIndex entry or 0).
func OpenRunReaderAt(path string, off int64) (*RunReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.Wrapf(err, "open run file %s", path)
	}
	r := &RunReader{f: f, buf: make([]byte, DefaultBlockSize+blockHeaderSize)}
	if off > 0 {
		if _, err := f.Seek(off, io.SeekStart); err != nil {
			f.Close()
			return nil, errs.Wrapf(err, "seek run file %s to %d", path, off)
		}
	}
	return r, nil
}

// Close releases the underlying file handle.
func (r *RunReader) Close() error { return r.f.Close() }

// Next returns the next record in the run, or io.EOF once the file is
// exhausted.
func (r *RunReader) Next() (*codec.LogRecord, error) {
	for r.pos >= len(r.payload) {
		if err := r.nextBlock(); err != nil {
			return nil, err
		}
	}
	rec, next, err := codec.Parse(r.payload, r.pos)
	if err != nil {
		return nil, errs.Fatal(errs.Wrapf(errs.ErrCorrupt, "parse run record: %v", err))
	}
	r.pos = next
	return rec, nil
}

func (r *RunReader) nextBlock() error {
	var hdr [blockHeaderSize]byte
	if _, err := io.ReadFull(r.f, hdr[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return io.EOF
		}
		return errs.Wrapf(err, "read block header")
	}
	_, endOffset, _ := readBlockHeader(hdr[:])
	if int(endOffset) > cap(r.buf) {
		r.buf = make([]byte, endOffset)
	}
	payload := r.buf[:endOffset]
	if _, err := io.ReadFull(r.f, payload); err != nil {
		return errs.Fatal(errs.Wrapf(errs.ErrCorrupt, "read block payload: %v", err))
	}
	r.payload = payload
	r.pos = 0
	return nil
}
