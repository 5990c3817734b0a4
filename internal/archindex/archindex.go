// Package archindex implements the Archive Index of spec §4.G: a per-run
// sparse index of {offset, first-pid-in-block}, a binary-searchable probe
// (first/next), whole-directory listing, and the non-overlapping-levels
// listing restore consumes. Grounded on the teacher's
// internal/storage/pager/page.go naming conventions for on-disk metadata
// and on _examples/original_source/src/sm/logarchiver.h's run/level
// bookkeeping.
package archindex

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/kvarchive/engine/internal/common"
	"github.com/kvarchive/engine/internal/common/errs"
)

// Entry is one sparse-index point: the file offset of a block and the first
// page id it carries.
type Entry struct {
	Offset   int64
	FirstPID common.PageID
}

// RunIndex is the full sparse index for one run file.
type RunIndex struct {
	BucketSize int
	Entries    []Entry
}

const indexMagic = "ARCI"

// WriteIndex serializes idx to path (the run file's name with an .idx
// suffix), called once by the writer at run close (spec §4.F).
func WriteIndex(path string, idx *RunIndex) error {
	f, err := os.Create(path)
	if err != nil {
		return errs.Wrapf(err, "create archive index %s", path)
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	w.WriteString(indexMagic)
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(idx.BucketSize))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(idx.Entries)))
	w.Write(hdr[:])
	for _, e := range idx.Entries {
		var rec [16]byte
		binary.LittleEndian.PutUint64(rec[0:8], uint64(e.Offset))
		binary.LittleEndian.PutUint64(rec[8:16], uint64(e.FirstPID))
		w.Write(rec[:])
	}
	if err := w.Flush(); err != nil {
		return errs.Wrapf(err, "flush archive index %s", path)
	}
	return f.Sync()
}

// ReadIndex loads a RunIndex previously written by WriteIndex.
func ReadIndex(path string) (*RunIndex, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrapf(err, "read archive index %s", path)
	}
	if len(data) < 12 || string(data[0:4]) != indexMagic {
		return nil, errs.Fatal(errs.Wrapf(errs.ErrCorrupt, "archive index %s: bad magic", path))
	}
	bucketSize := int(binary.LittleEndian.Uint32(data[4:8]))
	count := int(binary.LittleEndian.Uint32(data[8:12]))
	idx := &RunIndex{BucketSize: bucketSize, Entries: make([]Entry, 0, count)}
	off := 12
	for i := 0; i < count; i++ {
		if off+16 > len(data) {
			return nil, errs.Fatal(errs.Wrapf(errs.ErrCorrupt, "archive index %s: truncated at entry %d", path, i))
		}
		e := Entry{
			Offset:   int64(binary.LittleEndian.Uint64(data[off : off+8])),
			FirstPID: common.PageID(binary.LittleEndian.Uint64(data[off+8 : off+16])),
		}
		idx.Entries = append(idx.Entries, e)
		off += 16
	}
	return idx, nil
}

// First binary-searches for the entry at or before pid, returning the
// corresponding block offset; -1 if pid is below every entry.
func (idx *RunIndex) First(pid common.PageID) int64 {
	n := len(idx.Entries)
	i := sort.Search(n, func(i int) bool { return idx.Entries[i].FirstPID > pid })
	if i == 0 {
		return -1
	}
	return idx.Entries[i-1].Offset
}

// RunMeta describes one immutable run file on disk: its level, LSN range,
// and path. Levels start at 0 (directly from the recovery log) and increase
// as the merge daemon (§4.H) folds runs together.
type RunMeta struct {
	Level    int
	BeginLSN common.LSN
	EndLSN   common.LSN
	Path     string
}

// runNamePattern matches finalized run file names:
// run-<level>-<beginPart>.<beginOff>-<endPart>.<endOff>
var runNamePattern = regexp.MustCompile(`^run-(\d+)-(\d+)\.(\d+)-(\d+)\.(\d+)$`)

// RunFileName returns the finalized on-disk name for a run (spec §4.F:
// "file name is renamed to encode the LSN range of its contents at close").
func RunFileName(level int, begin, end common.LSN) string {
	return fmt.Sprintf("run-%d-%d.%d-%d.%d", level, begin.Partition, begin.Offset, end.Partition, end.Offset)
}

// TempRunFileName returns the provisional name a run is written under before
// its LSN range is known (i.e. before it is closed).
func TempRunFileName(level int, seq uint64) string {
	return fmt.Sprintf("run-%d-%d.tmp", level, seq)
}

// IndexFileName returns the index file name paired with a run file.
func IndexFileName(runFile string) string { return runFile + ".idx" }

// ListRuns scans dir for finalized run files and returns their metadata,
// sorted by level then by begin LSN. Incomplete runs (still carrying a
// .tmp name, or missing their paired .idx file) are skipped — spec §4.F:
// "incomplete runs... are detected by name and truncated/retried" (the
// retry itself is the writer's job on restart; listing simply never
// surfaces them to a reader).
func ListRuns(dir string) ([]RunMeta, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errs.Wrapf(err, "list archive dir %s", dir)
	}
	var runs []RunMeta
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := runNamePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		idxPath := filepath.Join(dir, IndexFileName(e.Name()))
		if _, err := os.Stat(idxPath); err != nil {
			continue
		}
		level, _ := strconv.Atoi(m[1])
		bp, _ := strconv.ParseUint(m[2], 10, 32)
		bo, _ := strconv.ParseUint(m[3], 10, 64)
		ep, _ := strconv.ParseUint(m[4], 10, 32)
		eo, _ := strconv.ParseUint(m[5], 10, 64)
		runs = append(runs, RunMeta{
			Level:    level,
			BeginLSN: common.LSN{Partition: uint32(bp), Offset: bo},
			EndLSN:   common.LSN{Partition: uint32(ep), Offset: eo},
			Path:     filepath.Join(dir, e.Name()),
		})
	}
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].Level != runs[j].Level {
			return runs[i].Level < runs[j].Level
		}
		return runs[i].BeginLSN.Less(runs[j].BeginLSN)
	})
	return runs, nil
}

// CheckContiguous verifies the §4.G invariant for one level's run sequence:
// consecutive runs R_i, R_{i+1} must satisfy R_i.EndLSN == R_{i+1}.BeginLSN.
// A gap is reported as the fatal ErrArchiveGap.
func CheckContiguous(runs []RunMeta) error {
	for i := 1; i < len(runs); i++ {
		if runs[i-1].EndLSN != runs[i].BeginLSN {
			return errs.Fatal(errs.Wrapf(errs.ErrArchiveGap,
				"run %s ends at %v but run %s begins at %v",
				runs[i-1].Path, runs[i-1].EndLSN, runs[i].Path, runs[i].BeginLSN))
		}
	}
	return nil
}

// NonOverlapping selects, for the full LSN history, the highest-level run
// covering each range: once a level-L+1 run has been durably created from a
// set of level-L inputs, restore should scan only the merged run. Runs are
// assumed sorted (as ListRuns returns them); the result is sorted by
// BeginLSN ascending and covers [runs[0].BeginLSN, last.EndLSN) with no
// overlap.
func NonOverlapping(runs []RunMeta) []RunMeta {
	byLevelDesc := append([]RunMeta(nil), runs...)
	sort.Slice(byLevelDesc, func(i, j int) bool {
		if byLevelDesc[i].Level != byLevelDesc[j].Level {
			return byLevelDesc[i].Level > byLevelDesc[j].Level
		}
		return byLevelDesc[i].BeginLSN.Less(byLevelDesc[j].BeginLSN)
	})
	var covered []RunMeta
	overlaps := func(a RunMeta, lo, hi common.LSN) bool {
		return a.BeginLSN.Less(hi) && lo.Less(a.EndLSN)
	}
	for _, r := range byLevelDesc {
		clash := false
		for _, c := range covered {
			if overlaps(c, r.BeginLSN, r.EndLSN) {
				clash = true
				break
			}
		}
		if !clash {
			covered = append(covered, r)
		}
	}
	sort.Slice(covered, func(i, j int) bool { return covered[i].BeginLSN.Less(covered[j].BeginLSN) })
	return covered
}

// Cursor is the result of First/Next: a position within one run's index,
// ready to resume a scan from the corresponding block offset.
type Cursor struct {
	Run    RunMeta
	Offset int64
}

// FindFirst probes the whole archive directory for the run and block offset
// that may contain pid at or after lsn (spec §4.G: "Probe first(pid, lsn) ->
// cursor"). It restricts to the non-overlapping run set so at most one run
// per LSN range is consulted.
func FindFirst(dir string, pid common.PageID, lsn common.LSN) (*Cursor, error) {
	runs, err := ListRuns(dir)
	if err != nil {
		return nil, err
	}
	runs = NonOverlapping(runs)
	for _, r := range runs {
		if r.EndLSN.LessEqual(lsn) {
			continue
		}
		idx, err := ReadIndex(IndexFileName(r.Path))
		if err != nil {
			return nil, err
		}
		off := idx.First(pid)
		if off < 0 {
			off = 0
		}
		return &Cursor{Run: r, Offset: off}, nil
	}
	return nil, nil
}

// Next advances cur to the successor run at the same level whose BeginLSN
// equals cur.Run.EndLSN, provided that successor's range still precedes
// endLSN; returns nil (not an error) once no successor remains or endLSN is
// reached.
func Next(dir string, cur *Cursor, endLSN common.LSN) (*Cursor, error) {
	if endLSN.LessEqual(cur.Run.EndLSN) {
		return nil, nil
	}
	runs, err := ListRuns(dir)
	if err != nil {
		return nil, err
	}
	for _, r := range runs {
		if r.Level == cur.Run.Level && r.BeginLSN == cur.Run.EndLSN {
			return &Cursor{Run: r, Offset: 0}, nil
		}
	}
	return nil, nil
}
