package restart

import (
	"io"
	"os"

	"github.com/kvarchive/engine/internal/btree"
	"github.com/kvarchive/engine/internal/buffer"
	"github.com/kvarchive/engine/internal/codec"
	"github.com/kvarchive/engine/internal/common"
	"github.com/kvarchive/engine/internal/walog"
)

// forwardScan walks every record from the start of dir's log up to and
// including the record at end, calling visit on each. It is the same
// partition-hopping walk Analyze uses, reused here so REDO never needs its
// own notion of "read one record at an arbitrary LSN" — the log only
// promises sequential readability.
func forwardScan(dir string, end common.LSN, visit func(*codec.LogRecord) error) error {
	for part := uint32(0); ; part++ {
		f, err := walog.OpenPartitionForRead(dir, part)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return err
		}
		if len(data) == 0 && part > 0 {
			return nil
		}

		off := 0
		for {
			rec, next, err := codec.Parse(data, off)
			if err != nil {
				return nil // torn tail: analysis already found the true end
			}
			if err := visit(rec); err != nil {
				return err
			}
			if part > end.Partition || (part == end.Partition && uint64(off) >= end.Offset) {
				return nil
			}
			off = next
			if rec.Type == codec.RecSkip {
				break
			}
		}
	}
}

// RedoAll performs eager REDO (spec §4.J): replay every redo-eligible
// record from the DPT's minimum rec_lsn through endLSN, applying each to
// the page it names. Pages never mentioned in dpt are left untouched:
// their on-disk image is already known current. progress, if non-nil, is
// advanced as the scan proceeds so a concurrently running CommitLSNGate can
// start admitting pages whose rec_lsn has already been passed.
func RedoAll(pool *buffer.Pool, pageSize int, store common.StoreID, dir string, dpt *DirtyPageTable, endLSN common.LSN, progress *RedoProgress) error {
	pages := dpt.Pages()
	if len(pages) == 0 {
		if progress != nil {
			progress.Advance(endLSN)
		}
		return nil
	}

	done := make(map[common.PageID]bool, len(pages))
	err := forwardScan(dir, endLSN, func(rec *codec.LogRecord) error {
		if progress != nil {
			progress.Advance(rec.OwnLSN)
		}
		if !rec.Type.IsRedo() || rec.Type == codec.RecAlloc || rec.Type == codec.RecDealloc || rec.Type == codec.RecFullImage {
			return nil
		}
		recLSN, dirty := dpt.RecLSN(rec.PageID)
		if !dirty || rec.OwnLSN.Less(recLSN) {
			return nil
		}
		if err := btree.ApplyRedo(pool, pageSize, store, rec); err != nil {
			return err
		}
		done[rec.PageID] = true
		return nil
	})
	if err != nil {
		return err
	}

	for pid := range done {
		if g, err := pool.Fix(pid, buffer.FixExclusive); err == nil {
			g.Frame().ClearInDoubt()
			g.Unfix()
		}
	}
	if progress != nil {
		progress.Advance(endLSN)
	}
	return nil
}

// RedoPage performs on-demand, single-page REDO (spec §4.J): recovery of
// just the page a Fix discovered still in-doubt, without waiting for the
// rest of the dirty-page table. It scans the same way RedoAll does but
// only applies records naming pid, which is cheap relative to the whole
// log only when few pages remain in doubt; a volume with a large DPT should
// prefer RedoAll.
func RedoPage(pool *buffer.Pool, pageSize int, store common.StoreID, dir string, pid common.PageID, recLSN, endLSN common.LSN) error {
	err := forwardScan(dir, endLSN, func(rec *codec.LogRecord) error {
		if rec.PageID != pid || !rec.Type.IsRedo() || rec.OwnLSN.Less(recLSN) {
			return nil
		}
		if rec.Type == codec.RecAlloc || rec.Type == codec.RecDealloc || rec.Type == codec.RecFullImage {
			return nil
		}
		return btree.ApplyRedo(pool, pageSize, store, rec)
	})
	if err != nil {
		return err
	}
	g, err := pool.Fix(pid, buffer.FixExclusive)
	if err != nil {
		return err
	}
	g.Frame().ClearInDoubt()
	g.Unfix()
	return nil
}
