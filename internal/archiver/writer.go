package archiver

import (
	"os"
	"path/filepath"

	"github.com/kvarchive/engine/internal/archindex"
	"github.com/kvarchive/engine/internal/common"
	"github.com/kvarchive/engine/internal/common/daemon"
	"github.com/kvarchive/engine/internal/common/errs"
	"github.com/kvarchive/engine/internal/common/logctx"
)

// Writer implements the §4.F BlockAssembly+Writer stage: it assembles the
// heap's sorted output into fixed-size blocks prefixed with {run,
// end-offset, last-LSN}, opens/closes run files by embedded run number, and
// renames each finished run to encode its LSN range. Each block also
// contributes an entry to the run's ArchiveIndex.
type Writer struct {
	dir       string
	blockSize int
	level     int

	log *logctx.Logger
	in  *daemon.Ring[*EmittedRecord]

	seq uint64
	err error
}

// NewWriter constructs a Writer for the given archive directory and level.
func NewWriter(dir string, blockSize, level int, in *daemon.Ring[*EmittedRecord]) *Writer {
	return &Writer{dir: dir, blockSize: blockSize, level: level, log: logctx.New("archiver.writer"), in: in}
}

// Err returns the first fatal error encountered by Run, if any.
func (w *Writer) Err() error { return w.err }

type runState struct {
	run      uint64
	tmpPath  string
	f        *os.File
	index    []archindex.Entry
	beginLSN common.LSN
	lastLSN  common.LSN
	haveLSN  bool

	block         []byte
	blockStart    int64 // file offset this block will be written at
	blockUsed     int
	blockFirstPID common.PageID
	blockLastLSN  common.LSN
	blockHasData  bool
}

func (w *Writer) newRunState(run uint64) (*runState, error) {
	w.seq++
	tmpPath := filepath.Join(w.dir, archindex.TempRunFileName(w.level, w.seq))
	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, errs.Wrapf(err, "create run file %s", tmpPath)
	}
	return &runState{
		run:     run,
		tmpPath: tmpPath,
		f:       f,
		block:   make([]byte, w.blockSize),
	}, nil
}

func (rs *runState) resetBlock() {
	rs.blockUsed = 0
	rs.blockHasData = false
}

// appendRecord tries to fit data into the current block, flushing it first if
// there is no room (or if data alone exceeds the block payload capacity, in
// which case it is written as an oversized single-record block).
func (w *Writer) appendRecord(rs *runState, rec *EmittedRecord) error {
	payloadCap := w.blockSize - blockHeaderSize
	if !rs.blockHasData {
		rs.blockFirstPID = rec.PID
	}
	if rs.blockUsed+len(rec.Data) > payloadCap && rs.blockHasData {
		if err := w.flushBlock(rs); err != nil {
			return err
		}
		rs.blockFirstPID = rec.PID
	}
	if len(rec.Data) > payloadCap {
		// Oversized single record: written as its own block, no splitting.
		big := make([]byte, blockHeaderSize+len(rec.Data))
		writeBlockHeader(big, rs.run, uint32(len(rec.Data)), rec.LSN)
		copy(big[blockHeaderSize:], rec.Data)
		if err := w.writeBlockBytes(rs, big); err != nil {
			return err
		}
		rs.resetBlock()
		return nil
	}
	copy(rs.block[blockHeaderSize+rs.blockUsed:], rec.Data)
	rs.blockUsed += len(rec.Data)
	rs.blockHasData = true
	rs.blockLastLSN = rec.LSN
	return nil
}

func (w *Writer) flushBlock(rs *runState) error {
	if !rs.blockHasData {
		return nil
	}
	writeBlockHeader(rs.block, rs.run, uint32(rs.blockUsed), rs.blockLastLSN)
	return w.writeBlockBytes(rs, rs.block[:blockHeaderSize+rs.blockUsed])
}

func (w *Writer) writeBlockBytes(rs *runState, data []byte) error {
	rs.index = append(rs.index, archindex.Entry{Offset: rs.blockStart, FirstPID: rs.blockFirstPID})
	n, err := rs.f.WriteAt(data, rs.blockStart)
	if err != nil {
		return errs.Wrapf(err, "write block to %s", rs.tmpPath)
	}
	rs.blockStart += int64(n)
	rs.resetBlock()
	return nil
}

// closeRun flushes any partial block, writes the index, and renames the run
// file to encode its LSN range (spec §4.F).
func (w *Writer) closeRun(rs *runState) error {
	if err := w.flushBlock(rs); err != nil {
		return err
	}
	if err := rs.f.Sync(); err != nil {
		return errs.Wrapf(err, "sync run file %s", rs.tmpPath)
	}
	if err := rs.f.Close(); err != nil {
		return errs.Wrapf(err, "close run file %s", rs.tmpPath)
	}
	finalName := archindex.RunFileName(w.level, rs.beginLSN, rs.lastLSN)
	finalPath := filepath.Join(w.dir, finalName)
	idx := &archindex.RunIndex{BucketSize: w.blockSize, Entries: rs.index}
	if err := archindex.WriteIndex(archindex.IndexFileName(finalPath), idx); err != nil {
		return err
	}
	if err := os.Rename(rs.tmpPath, finalPath); err != nil {
		return errs.Wrapf(err, "rename run file %s -> %s", rs.tmpPath, finalPath)
	}
	return nil
}

// Run drains the heap's emitted-record ring, grouping by run number into
// separate run files, until the ring reports finished.
func (w *Writer) Run() {
	var rs *runState
	haveRun := false

	for {
		rec, ok := w.in.Get()
		if !ok {
			break
		}
		if !haveRun || rec.Run != rs.run {
			if haveRun {
				if err := w.closeRun(rs); err != nil {
					w.err = err
					return
				}
			}
			var err error
			rs, err = w.newRunState(rec.Run)
			if err != nil {
				w.err = err
				return
			}
			haveRun = true
		}
		if !rs.haveLSN || rec.LSN.Less(rs.beginLSN) {
			rs.beginLSN = rec.LSN
		}
		if !rs.haveLSN || rs.lastLSN.Less(rec.LSN) {
			rs.lastLSN = rec.LSN
		}
		rs.haveLSN = true
		if err := w.appendRecord(rs, rec); err != nil {
			w.err = err
			return
		}
	}
	if haveRun {
		if err := w.closeRun(rs); err != nil {
			w.err = err
		}
	}
}
