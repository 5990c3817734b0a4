package engine

import (
	"github.com/kvarchive/engine/internal/codec"
	"github.com/kvarchive/engine/internal/common"
)

// appender is the slice of internal/walog.Log the allocator needs.
type appender interface {
	Append(rec *codec.LogRecord) (common.LSN, error)
}

// pageAllocator implements internal/btree.Allocator over a volumeFile,
// handing out fresh page ids (spec §3 Lifecycle: "pages are created by
// allocation records, logical store growth"). The volume header (page 0)
// is the durable source of truth for the next free id; the RecAlloc record
// this still appends exists for archive/audit consumers of the log, not for
// this engine's own crash recovery, since a reclaimed (archived-and-
// deleted) log partition would otherwise make page-id recovery from the log
// alone impossible.
type pageAllocator struct {
	file *volumeFile
	log  appender
}

func newPageAllocator(file *volumeFile, log appender) *pageAllocator {
	return &pageAllocator{file: file, log: log}
}

// Allocate implements internal/btree.Allocator.
func (a *pageAllocator) Allocate() (common.PageID, error) {
	pid, err := a.file.allocate()
	if err != nil {
		return 0, err
	}
	if _, err := a.log.Append(&codec.LogRecord{
		Type:   codec.RecAlloc,
		PageID: pid,
	}); err != nil {
		return 0, err
	}
	return pid, nil
}
