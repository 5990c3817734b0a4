// Package codec implements the fixed page header and the variable-length
// log-record wire format of spec §4.A and §6, grounded directly on the
// teacher's internal/storage/pager/page.go (header layout, CRC32-Castagnoli
// checksum discipline) and wal.go (record framing), generalized from a
// single hard-coded record kind to the tagged variant over §3's four record
// shapes (redo-only, undo-only, redo+undo, non-update).
package codec

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/kvarchive/engine/internal/common"
	"github.com/kvarchive/engine/internal/common/errs"
)

// Page size bounds, identical to the teacher's pager package.
const (
	DefaultPageSize = 8192
	MinPageSize     = 4096
	MaxPageSize     = 65536

	// PageHeaderSize is the size of the fixed prefix described in spec §6:
	// pid:u64, store:u32, lsn:(partition:u32, offset:u64), checksum:u32,
	// tag:u8, flags:u8, reserved.
	PageHeaderSize = 40
)

// PageTag identifies the kind of data stored in a page (spec §3: allocation
// / store-node / btree).
type PageTag uint8

const (
	TagVolumeHeader   PageTag = 0x00
	TagAllocation     PageTag = 0x01
	TagBTreeInternal  PageTag = 0x02
	TagBTreeLeaf      PageTag = 0x03
	TagOverflow       PageTag = 0x04
	TagFreeList       PageTag = 0x05
)

// PageHeader is the fixed prefix present at the start of every page.
//
//	[0:8]   PageID     uint64 LE
//	[8:12]  StoreID    uint32 LE
//	[12:16] LSN.Partition uint32 LE
//	[16:24] LSN.Offset    uint64 LE
//	[24:28] Checksum   uint32 LE (CRC32-C, field zeroed during computation)
//	[28]    Tag        uint8
//	[29]    Flags      uint8
//	[30:40] Reserved
type PageHeader struct {
	ID       common.PageID
	Store    common.StoreID
	LSN      common.LSN
	Checksum uint32
	Tag      PageTag
	Flags    uint8
}

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// MarshalPageHeader writes h into the first PageHeaderSize bytes of buf.
func MarshalPageHeader(h *PageHeader, buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], uint64(h.ID))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(h.Store))
	binary.LittleEndian.PutUint32(buf[12:16], h.LSN.Partition)
	binary.LittleEndian.PutUint64(buf[16:24], h.LSN.Offset)
	binary.LittleEndian.PutUint32(buf[24:28], h.Checksum)
	buf[28] = byte(h.Tag)
	buf[29] = h.Flags
	for i := 30; i < PageHeaderSize; i++ {
		buf[i] = 0
	}
}

// UnmarshalPageHeader reads a PageHeader from the first PageHeaderSize bytes
// of buf.
func UnmarshalPageHeader(buf []byte) PageHeader {
	return PageHeader{
		ID:    common.PageID(binary.LittleEndian.Uint64(buf[0:8])),
		Store: common.StoreID(binary.LittleEndian.Uint32(buf[8:12])),
		LSN: common.LSN{
			Partition: binary.LittleEndian.Uint32(buf[12:16]),
			Offset:    binary.LittleEndian.Uint64(buf[16:24]),
		},
		Checksum: binary.LittleEndian.Uint32(buf[24:28]),
		Tag:      PageTag(buf[28]),
		Flags:    buf[29],
	}
}

// ComputePageChecksum computes the CRC32-C of a full page, treating the
// checksum field (bytes 24..28) as zero during computation, exactly as the
// teacher's ComputePageCRC does.
func ComputePageChecksum(page []byte) uint32 {
	h := crc32.New(crcTable)
	h.Write(page[:24])
	h.Write([]byte{0, 0, 0, 0})
	h.Write(page[28:])
	return h.Sum32()
}

// SetPageChecksum computes and writes the checksum into the page header.
func SetPageChecksum(page []byte) {
	c := ComputePageChecksum(page)
	binary.LittleEndian.PutUint32(page[24:28], c)
}

// VerifyPageChecksum validates a page's CRC32-C, returning errs.ErrCorrupt
// (fatal — §7) on mismatch.
func VerifyPageChecksum(page []byte) error {
	if len(page) < PageHeaderSize {
		return errs.Fatal(errs.ErrCorrupt)
	}
	stored := binary.LittleEndian.Uint32(page[24:28])
	computed := ComputePageChecksum(page)
	if stored != computed {
		return errs.Fatal(errs.Wrapf(errs.ErrCorrupt, "page %d: checksum %08x != computed %08x",
			binary.LittleEndian.Uint64(page[0:8]), stored, computed))
	}
	return nil
}

// NewPage allocates a zeroed page buffer of pageSize and writes its header.
func NewPage(pageSize int, tag PageTag, id common.PageID, store common.StoreID) []byte {
	buf := make([]byte, pageSize)
	h := PageHeader{ID: id, Store: store, Tag: tag}
	MarshalPageHeader(&h, buf)
	return buf
}
