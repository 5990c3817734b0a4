package archiver

import (
	"io"
	"os"
	"sync"

	"github.com/kvarchive/engine/internal/common"
	"github.com/kvarchive/engine/internal/common/daemon"
	"github.com/kvarchive/engine/internal/common/logctx"
	"github.com/kvarchive/engine/internal/walog"
)

// rawBlock is one fixed-size chunk of raw log bytes as read from a
// partition file, tagged with where it came from so LogConsumer can
// reconstruct absolute LSNs for the records it parses out.
type rawBlock struct {
	partition uint32
	fileOff   int64
	data      []byte
}

// Reader implements the §4.F Reader stage: it reads fixed-size blocks from
// the durable log between [startLSN, endLSN), following the wait-activate
// model — the caller sets endLSN and calls Activate; the reader scans until
// it reaches endLSN, then parks until reactivated or shut down.
type Reader struct {
	dir       string
	blockSize int
	control   *daemon.Control
	log       *logctx.Logger

	mu       sync.Mutex
	startLSN common.LSN
	endLSN   common.LSN

	out      *daemon.Ring[rawBlock]
	complete chan struct{}
}

// NewReader constructs a Reader over the recovery log directory dir,
// emitting blocks onto out.
func NewReader(dir string, blockSize int, out *daemon.Ring[rawBlock]) *Reader {
	return &Reader{
		dir:       dir,
		blockSize: blockSize,
		control:   daemon.New(),
		log:       logctx.New("archiver.reader"),
		out:       out,
		complete:  make(chan struct{}, 1),
	}
}

// Activate requests the reader scan [start, end) on its next wakeup.
func (r *Reader) Activate(start, end common.LSN) {
	r.mu.Lock()
	r.startLSN, r.endLSN = start, end
	r.mu.Unlock()
	r.control.Activate()
}

// WaitRange blocks until the most recently Activate-d range has been fully
// scanned (or the reader has shut down). It is the synchronous counterpart
// to Activate, used by callers that archive one range at a time rather than
// leaving the pipeline continuously running.
func (r *Reader) WaitRange() {
	<-r.complete
}

// Shutdown stops the reader after its current work unit.
func (r *Reader) Shutdown() { r.control.Shutdown() }

// Run is the reader's daemon loop (spec §5: "lock -> while not activated
// and not shutdown: wait -> take work -> unlock -> do work -> loop").
func (r *Reader) Run() {
	for r.control.WaitActivated() {
		r.mu.Lock()
		start, end := r.startLSN, r.endLSN
		r.mu.Unlock()

		if err := r.scan(start, end); err != nil {
			r.log.Errorf("scan [%v,%v): %v", start, end, err)
		}
		r.control.Deactivate()
		select {
		case r.complete <- struct{}{}:
		default:
		}
	}
	r.out.Finish()
}

// scan reads every partition from start.Partition to end.Partition in
// blockSize chunks, pushing each onto the output ring.
func (r *Reader) scan(start, end common.LSN) error {
	for part := start.Partition; part <= end.Partition; part++ {
		if r.control.ShuttingDown() {
			return nil
		}
		f, err := walog.OpenPartitionForRead(r.dir, part)
		if err != nil {
			return err
		}
		var fromOff int64
		if part == start.Partition {
			fromOff = int64(start.Offset)
		}
		var limit int64 = -1
		if part == end.Partition {
			limit = int64(end.Offset)
		}
		err = r.scanFile(f, part, fromOff, limit)
		f.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *Reader) scanFile(f *os.File, part uint32, fromOff, limit int64) error {
	off := fromOff
	buf := make([]byte, r.blockSize)
	for {
		if limit >= 0 && off >= limit {
			return nil
		}
		rb := buf
		if limit >= 0 && limit-off < int64(len(buf)) {
			rb = buf[:limit-off]
		}
		n, err := f.ReadAt(rb, off)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, rb[:n])
			if !r.out.Put(rawBlock{partition: part, fileOff: off, data: chunk}) {
				return nil
			}
			off += int64(n)
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
