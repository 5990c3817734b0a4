// Package archiver implements the Log Archiver of spec §4.F: a four-stage
// pipeline (Reader -> LogConsumer -> ArchiverHeap replacement-selection ->
// BlockAssembly+Writer), each stage connected by a bounded
// internal/common/daemon.Ring, continuously turning the tail of the
// recovery log into indexed, immutable run files. Grounded on
// _examples/original_source/src/sm/logarchiver.h for the pipeline shape and
// mem_mgmt.h for the replacement-selection workspace (see arena.go).
package archiver

import (
	"golang.org/x/sync/errgroup"

	"github.com/kvarchive/engine/internal/codec"
	"github.com/kvarchive/engine/internal/common"
	"github.com/kvarchive/engine/internal/common/daemon"
)

// Config controls pipeline sizing. Defaults follow the teacher's pager
// buffer sizes scaled for a secondary log-derived store.
type Config struct {
	BlockSize        int
	RingCapacity     int
	ArenaSize        int
	ArenaIncrement   int
	ArenaMax         int
	PartitionsPerRun uint32
	Level            int
}

// DefaultConfig returns sane defaults for a single-volume archiver.
func DefaultConfig() Config {
	return Config{
		BlockSize:        DefaultBlockSize,
		RingCapacity:     64,
		ArenaSize:        8 << 20,
		ArenaIncrement:   64,
		ArenaMax:         1 << 16,
		PartitionsPerRun: 1,
		Level:            0,
	}
}

// Pipeline owns one archiver run: a reader, consumer, heap, and writer
// connected by rings, each running on its own goroutine under an errgroup
// so a fatal error in any stage cancels the others instead of deadlocking
// on a full ring (spec §2 domain stack: golang.org/x/sync/errgroup).
type Pipeline struct {
	cfg    Config
	reader *Reader
	writer *Writer

	rawRing *daemon.Ring[rawBlock]
	recRing *daemon.Ring[*codec.LogRecord]
	outRing *daemon.Ring[*EmittedRecord]

	g *errgroup.Group
}

// NewPipeline wires a fresh pipeline rooted at logDir (the recovery log's
// directory, scanned directly by the Reader) writing run files into
// archiveDir.
func NewPipeline(logDir, archiveDir string, cfg Config) *Pipeline {
	rawRing := daemon.NewRing[rawBlock](cfg.RingCapacity)
	recRing := daemon.NewRing[*codec.LogRecord](cfg.RingCapacity)
	outRing := daemon.NewRing[*EmittedRecord](cfg.RingCapacity)

	reader := NewReader(logDir, cfg.BlockSize, rawRing)
	consumer := NewLogConsumer(cfg.BlockSize, nil, rawRing, recRing)
	h := NewHeap(cfg.ArenaSize, cfg.ArenaIncrement, cfg.ArenaMax, cfg.PartitionsPerRun, recRing, outRing)
	writer := NewWriter(archiveDir, cfg.BlockSize, cfg.Level, outRing)

	p := &Pipeline{cfg: cfg, reader: reader, writer: writer, rawRing: rawRing, recRing: recRing, outRing: outRing}
	p.g = &errgroup.Group{}
	p.g.Go(func() error { reader.Run(); return nil })
	p.g.Go(func() error { consumer.Run(); return nil })
	p.g.Go(func() error { h.Run(); return nil })
	p.g.Go(func() error { writer.Run(); return nil })
	return p
}

// ArchiveRange activates the reader over [start, end), waits for the full
// range to be scanned, then shuts the pipeline down so every buffered
// record drains through the consumer and heap stages into closed,
// immutable run files. Run boundaries are driven by the LSN-partition
// window (spec §4.F), not by pipeline lifetime, so each call to
// ArchiveRange produces one or more complete runs covering exactly
// [start, end) — the next archiving pass resumes from a fresh Pipeline
// starting at end, preserving the fixed LSN-range -> run mapping that
// makes archiving resumable after a crash.
func (p *Pipeline) ArchiveRange(start, end common.LSN) error {
	p.reader.Activate(start, end)
	p.reader.WaitRange()
	return p.Shutdown()
}

// Shutdown stops every stage after its current work unit and waits for the
// pipeline goroutines to exit, returning the first stage error if any.
func (p *Pipeline) Shutdown() error {
	p.reader.Shutdown()
	err := p.g.Wait()
	if err != nil {
		return err
	}
	return p.writer.Err()
}
