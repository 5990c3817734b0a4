package archscan

import (
	"io"
	"os"
	"path/filepath"

	"github.com/kvarchive/engine/internal/archindex"
	"github.com/kvarchive/engine/internal/archiver"
	"github.com/kvarchive/engine/internal/common/daemon"
	"github.com/kvarchive/engine/internal/common/errs"
)

// MergeDaemon consumes a contiguous set of runs at level L and produces one
// run at level L+1 whose LSN range is their union (spec §4.H). It is driven
// like every other background worker in this engine (ArchiverControl
// pattern): a caller calls MergeOnce whenever it decides enough level-L
// runs have accumulated (policy left to internal/engine, not specified by
// spec §4.H beyond "consumes N runs at level L").
type MergeDaemon struct {
	dir       string
	blockSize int
	retire    bool
}

// NewMergeDaemon constructs a merger rooted at the archive directory. When
// retire is true, input runs (and their index files) are removed once the
// output run has been durably renamed (spec §4.H: "after durable rename,
// inputs are retired").
func NewMergeDaemon(dir string, blockSize int, retire bool) *MergeDaemon {
	return &MergeDaemon{dir: dir, blockSize: blockSize, retire: retire}
}

// MergeOnce merges inputs (assumed already sorted and contiguous at the
// same level, per archindex.CheckContiguous) into a single run at
// outLevel, returning the new run's metadata.
func (d *MergeDaemon) MergeOnce(inputs []archindex.RunMeta, outLevel int) (archindex.RunMeta, error) {
	if len(inputs) == 0 {
		return archindex.RunMeta{}, errs.Wrapf(errs.ErrCorrupt, "merge: no input runs")
	}
	if err := archindex.CheckContiguous(inputs); err != nil {
		return archindex.RunMeta{}, err
	}

	scanners := make([]*RunScanner, 0, len(inputs))
	for _, r := range inputs {
		s, err := NewRunScanner(r, nil, nil)
		if err != nil {
			return archindex.RunMeta{}, err
		}
		scanners = append(scanners, s)
	}
	defer func() {
		for _, s := range scanners {
			s.Close()
		}
	}()

	merger, err := NewRunMerger(scanners)
	if err != nil {
		return archindex.RunMeta{}, err
	}

	ring := daemon.NewRing[*archiver.EmittedRecord](4096)
	writer := archiver.NewWriter(d.dir, d.blockSize, outLevel, ring)
	done := make(chan struct{})
	go func() { writer.Run(); close(done) }()

	for {
		rec, err := merger.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			ring.Finish()
			<-done
			return archindex.RunMeta{}, err
		}
		ring.Put(archiver.NewEmittedRecord(0, rec.PageID, rec.OwnLSN, rec.Marshal()))
	}
	ring.Finish()
	<-done
	if err := writer.Err(); err != nil {
		return archindex.RunMeta{}, err
	}

	beginLSN, endLSN := inputs[0].BeginLSN, inputs[len(inputs)-1].EndLSN
	outPath := filepath.Join(d.dir, archindex.RunFileName(outLevel, beginLSN, endLSN))
	outMeta := archindex.RunMeta{Level: outLevel, BeginLSN: beginLSN, EndLSN: endLSN, Path: outPath}

	if d.retire {
		for _, r := range inputs {
			os.Remove(r.Path)
			os.Remove(archindex.IndexFileName(r.Path))
		}
	}
	return outMeta, nil
}
