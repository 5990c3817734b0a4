package restore

import (
	"context"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/kvarchive/engine/internal/archindex"
	"github.com/kvarchive/engine/internal/archscan"
	"github.com/kvarchive/engine/internal/btree"
	"github.com/kvarchive/engine/internal/buffer"
	"github.com/kvarchive/engine/internal/codec"
	"github.com/kvarchive/engine/internal/common"
)

// Config controls one volume's restore run (spec §4.K).
type Config struct {
	ArchiveDir   string
	SegmentPages int
	PageSize     int
	Store        common.StoreID
	BackupLSN    common.LSN // the backup's known-consistent LSN
	TargetLSN    common.LSN // replay stops here: the durable LSN at mark_failed time
	Mode         Mode
	Workers      int
}

// noopFlusher satisfies buffer.LogFlusher for the scratch pool restore
// drives: every record it replays was already made durable by the archiver
// before restore began, so flush_until has nothing left to wait for, and the
// page_write markers Append would log have no restart analysis to consume
// them (restore runs against an already-recovered, separately-logged
// volume).
type noopFlusher struct{}

func (noopFlusher) FlushUntil(common.LSN) error { return nil }
func (noopFlusher) Append(*codec.LogRecord) (common.LSN, error) {
	return common.LSN{}, nil
}

// restoreStore feeds ApplyRedo a segment's backup baseline on first read,
// reinitializing a page as a fresh empty leaf if the baseline slice doesn't
// checksum (no backup taken, backup predates this page's allocation, or the
// segment ran past the backup file's length). Writes land on the real
// volume, making FlushAll the act of "restored pages are written back to
// the volume" (spec §4.K step 4).
type restoreStore struct {
	backup   []byte
	first    common.PageID
	pageSize int
	store    common.StoreID
	vol      buffer.PageStore
}

func (rs *restoreStore) ReadPage(id common.PageID, buf []byte) error {
	idx := int(id - rs.first)
	off := idx * rs.pageSize
	if off >= 0 && off+rs.pageSize <= len(rs.backup) {
		copy(buf, rs.backup[off:off+rs.pageSize])
	}
	if codec.VerifyPageChecksum(buf) != nil {
		// No usable backup image for this page: it was either born after
		// the backup was taken or the backup never covered it at all
		// (DummyBackupReader). Stand in for its birth record, which this
		// engine's logical log doesn't carry a physical image for, with a
		// fresh empty leaf.
		empty := &btree.Node{IsLeaf: true}
		page, err := empty.Marshal(rs.pageSize, id, rs.store)
		if err != nil {
			return err
		}
		copy(buf, page)
		codec.SetPageChecksum(buf)
	}
	return nil
}

func (rs *restoreStore) WritePage(id common.PageID, data []byte) error {
	return rs.vol.WritePage(id, data)
}
func (rs *restoreStore) PageSize() int { return rs.pageSize }

// Restorer drives Instant Restore for one failed volume: a segment
// scheduler, a backup reader, and a replay loop over the log archive.
type Restorer struct {
	cfg    Config
	vol    buffer.PageStore
	reader BackupReader
	state  *State
	sched  *Scheduler
}

// NewRestorer builds a restorer for a volume of totalPages pages, already
// marked failed by the caller.
func NewRestorer(cfg Config, vol buffer.PageStore, reader BackupReader, totalPages int) *Restorer {
	segments := (totalPages + cfg.SegmentPages - 1) / cfg.SegmentPages
	state := NewState(segments)
	return &Restorer{cfg: cfg, vol: vol, reader: reader, state: state, sched: NewScheduler(cfg.Mode, state)}
}

// State exposes the restore bitmap and failed flag to the volume owner
// (e.g. to gate user fix(pid) or answer is_failed/check_restore_finished).
func (r *Restorer) State() *State { return r.state }

// RequestPage schedules pid's segment with priority and blocks until that
// segment finishes restoring (spec §4.K: "a user fix(pid) on a page in an
// unrestored segment blocks on the scheduler, pushing the segment to the
// front").
func (r *Restorer) RequestPage(ctx context.Context, pid common.PageID) error {
	seg := SegmentOf(pid, r.cfg.SegmentPages)
	if r.state.IsRestored(seg) {
		return nil
	}
	r.sched.Request(seg)
	return r.state.WaitSegment(ctx, seg)
}

// Run drives the scheduler until every segment is restored or ctx is
// cancelled, fanning restore work out across cfg.Workers goroutines (or 1
// if unset).
func (r *Restorer) Run(ctx context.Context) error {
	workers := r.cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for {
				seg, ok := r.sched.Next(ctx)
				if !ok {
					return nil
				}
				if err := r.restoreSegment(ctx, seg); err != nil {
					return err
				}
			}
		})
	}
	return g.Wait()
}

// relevantRuns lists the archive runs whose LSN range overlaps
// [backupLSN, targetLSN), checking the §4.G contiguity invariant across
// just that slice (an unrelated gap outside the replay window must not
// fail a restore that doesn't need it).
func relevantRuns(dir string, backupLSN, targetLSN common.LSN) ([]archindex.RunMeta, error) {
	runs, err := archindex.ListRuns(dir)
	if err != nil {
		return nil, err
	}
	runs = archindex.NonOverlapping(runs)
	var relevant []archindex.RunMeta
	for _, run := range runs {
		if run.EndLSN.LessEqual(backupLSN) || targetLSN.LessEqual(run.BeginLSN) {
			continue
		}
		relevant = append(relevant, run)
	}
	if err := archindex.CheckContiguous(relevant); err != nil {
		return nil, err
	}
	return relevant, nil
}

// restoreSegment fetches segment s's backup baseline, replays the archived
// records covering its page range up to cfg.TargetLSN, and writes every
// page in the segment back to the volume (spec §4.K steps 1-4).
func (r *Restorer) restoreSegment(ctx context.Context, seg Segment) error {
	backup, err := r.reader.Fix(seg)
	if err != nil {
		return err
	}
	defer r.reader.Unfix(seg)

	first, last := seg.Range(r.cfg.SegmentPages)
	relevant, err := relevantRuns(r.cfg.ArchiveDir, r.cfg.BackupLSN, r.cfg.TargetLSN)
	if err != nil {
		return err
	}

	store := &restoreStore{backup: backup, first: first, pageSize: r.cfg.PageSize, store: r.cfg.Store, vol: r.vol}
	pool := buffer.New(store, noopFlusher{}, buffer.Config{Capacity: r.cfg.SegmentPages + 1}, nil)

	if len(relevant) > 0 {
		scanners := make([]*archscan.RunScanner, 0, len(relevant))
		for _, run := range relevant {
			s, err := archscan.NewRunScanner(run, &first, &last)
			if err != nil {
				return err
			}
			scanners = append(scanners, s)
		}
		defer func() {
			for _, s := range scanners {
				s.Close()
			}
		}()
		merger, err := archscan.NewRunMerger(scanners)
		if err != nil {
			return err
		}
		for {
			rec, err := merger.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				return err
			}
			if rec.OwnLSN.Less(r.cfg.BackupLSN) || r.cfg.TargetLSN.Less(rec.OwnLSN) {
				continue
			}
			if err := btree.ApplyRedo(pool, r.cfg.PageSize, r.cfg.Store, rec); err != nil {
				return err
			}
		}
	}

	if err := pool.FlushAll(); err != nil {
		return err
	}
	// Pages no archived record touched since the backup never got dirtied,
	// so FlushAll skipped them; commit their backup (or freshly-initialized
	// empty-leaf) baseline to the volume directly.
	for pid := first; pid <= last; pid++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		g, err := pool.Fix(pid, buffer.FixShared)
		if err != nil {
			return err
		}
		dirty := g.Frame().IsDirty()
		page := g.Frame().Page()
		var raw []byte
		if !dirty {
			raw = append([]byte(nil), page...)
		}
		g.Unfix()
		if raw != nil {
			if err := r.vol.WritePage(pid, raw); err != nil {
				return err
			}
		}
	}

	r.state.MarkRestored(seg)
	return nil
}
