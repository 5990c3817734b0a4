package codec

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/kvarchive/engine/internal/common"
	"github.com/kvarchive/engine/internal/common/errs"
)

// RecordType tags the kind of a log record (spec §3: redo-only, undo-only,
// redo+undo, or non-update).
type RecordType uint8

const (
	RecSkip           RecordType = iota // terminates a partition (§3, §4.B)
	RecBegin                            // xct begin (non-update)
	RecCommit                           // xct commit (non-update)
	RecAbort                            // xct abort (non-update)
	RecEnd                              // xct_end (non-update)
	RecTick                             // periodic heartbeat (non-update)
	RecChkptBegin                       // checkpoint marker (non-update, advisory)
	RecChkptEnd                         // checkpoint marker (non-update, advisory)
	RecAlloc                            // page allocation (redo-only, logical store growth)
	RecDealloc                          // page deallocation (redo-only)
	RecPageWrite                        // a page was written back to disk (DPT pruning, §4.I)
	RecFullImage                        // full-page image (redo-only, idempotent)
	RecUpdate                           // generic logical update (redo+undo)
	RecCompensation                     // CLR: redo-only, undo_next points to prior record (§4.J)
)

func (t RecordType) String() string {
	names := [...]string{"Skip", "Begin", "Commit", "Abort", "End", "Tick",
		"ChkptBegin", "ChkptEnd", "Alloc", "Dealloc", "PageWrite", "FullImage",
		"Update", "Compensation"}
	if int(t) < len(names) {
		return names[t]
	}
	return fmt.Sprintf("Unknown(0x%02x)", uint8(t))
}

// IsRedo reports whether this record kind carries redo-applicable effects.
func (t RecordType) IsRedo() bool {
	switch t {
	case RecAlloc, RecDealloc, RecFullImage, RecUpdate, RecCompensation:
		return true
	default:
		return false
	}
}

// IsUndo reports whether this record kind can be compensated (undone).
func (t RecordType) IsUndo() bool {
	switch t {
	case RecUpdate:
		return true
	default:
		return false
	}
}

// IsNonUpdate reports whether the record carries no page effect at all.
func (t RecordType) IsNonUpdate() bool {
	switch t {
	case RecBegin, RecCommit, RecAbort, RecEnd, RecTick, RecChkptBegin, RecChkptEnd:
		return true
	default:
		return false
	}
}

// flag bits
const (
	flagHasPage2 uint8 = 1 << 0
)

// LogRecordHeaderSize is the fixed prefix before the variable payload.
const LogRecordHeaderSize = 80

// LogRecord is the in-memory representation of one log record (spec §3).
type LogRecord struct {
	Type         RecordType
	TxID         common.TxID
	PrevTxnLSN   common.LSN // prior LSN of the same transaction (for UNDO chains)
	PageID       common.PageID
	Page2ID      common.PageID // optional second page (e.g. split siblings)
	HasPage2     bool
	PagePrevLSN  common.LSN // page-LSN chain predecessor for PageID
	Page2PrevLSN common.LSN
	OwnLSN       common.LSN
	Payload      []byte
}

func lsnBytes(buf []byte, lsn common.LSN) {
	binary.LittleEndian.PutUint32(buf[0:4], lsn.Partition)
	binary.LittleEndian.PutUint64(buf[4:12], lsn.Offset)
}

func lsnFromBytes(buf []byte) common.LSN {
	return common.LSN{
		Partition: binary.LittleEndian.Uint32(buf[0:4]),
		Offset:    binary.LittleEndian.Uint64(buf[4:12]),
	}
}

// Marshal encodes rec into its wire format, computing length and CRC.
func (rec *LogRecord) Marshal() []byte {
	total := LogRecordHeaderSize + len(rec.Payload)
	buf := make([]byte, total)

	binary.LittleEndian.PutUint16(buf[0:2], uint16(total))
	buf[2] = byte(rec.Type)
	flags := uint8(0)
	if rec.HasPage2 {
		flags |= flagHasPage2
	}
	buf[3] = flags
	binary.LittleEndian.PutUint64(buf[4:12], uint64(rec.TxID))
	lsnBytes(buf[12:24], rec.PrevTxnLSN)
	binary.LittleEndian.PutUint64(buf[24:32], uint64(rec.PageID))
	binary.LittleEndian.PutUint64(buf[32:40], uint64(rec.Page2ID))
	lsnBytes(buf[40:52], rec.PagePrevLSN)
	lsnBytes(buf[52:64], rec.Page2PrevLSN)
	lsnBytes(buf[64:76], rec.OwnLSN)
	// [76:80] CRC32, computed last over everything else.
	copy(buf[LogRecordHeaderSize:], rec.Payload)

	h := crc32.New(crcTable)
	h.Write(buf[:76])
	h.Write(buf[LogRecordHeaderSize:])
	binary.LittleEndian.PutUint32(buf[76:80], h.Sum32())
	return buf
}

// NeedMoreError is returned by Parse when buf does not yet contain a full
// record; the consumer should accumulate Bytes more and retry (spec §4.A:
// "parse(buf, offset) -> (record, next_offset) | NeedMore(bytes_needed)").
type NeedMoreError struct{ Bytes int }

func (e *NeedMoreError) Error() string {
	return fmt.Sprintf("need %d more bytes to parse record", e.Bytes)
}

// Parse decodes one LogRecord starting at offset in buf. It returns the
// record and the offset of the next record, or a *NeedMoreError if buf is
// too short, or errs.ErrCorrupt if the length/CRC is inconsistent.
func Parse(buf []byte, offset int) (*LogRecord, int, error) {
	avail := len(buf) - offset
	if avail < 2 {
		return nil, 0, &NeedMoreError{Bytes: 2 - avail}
	}
	total := int(binary.LittleEndian.Uint16(buf[offset : offset+2]))
	if total < LogRecordHeaderSize {
		return nil, 0, errs.Fatal(errs.Wrapf(errs.ErrCorrupt, "log record length %d below header size", total))
	}
	if avail < total {
		return nil, 0, &NeedMoreError{Bytes: total - avail}
	}

	rbuf := buf[offset : offset+total]
	storedCRC := binary.LittleEndian.Uint32(rbuf[76:80])
	h := crc32.New(crcTable)
	h.Write(rbuf[:76])
	h.Write(rbuf[LogRecordHeaderSize:])
	if h.Sum32() != storedCRC {
		return nil, 0, errs.Fatal(errs.Wrapf(errs.ErrCorrupt, "log record CRC mismatch at offset %d", offset))
	}

	rec := &LogRecord{
		Type:        RecordType(rbuf[2]),
		HasPage2:    rbuf[3]&flagHasPage2 != 0,
		TxID:        common.TxID(binary.LittleEndian.Uint64(rbuf[4:12])),
		PrevTxnLSN:  lsnFromBytes(rbuf[12:24]),
		PageID:      common.PageID(binary.LittleEndian.Uint64(rbuf[24:32])),
		Page2ID:     common.PageID(binary.LittleEndian.Uint64(rbuf[32:40])),
		PagePrevLSN: lsnFromBytes(rbuf[40:52]),
		Page2PrevLSN: lsnFromBytes(rbuf[52:64]),
		OwnLSN:      lsnFromBytes(rbuf[64:76]),
	}
	if total > LogRecordHeaderSize {
		payload := make([]byte, total-LogRecordHeaderSize)
		copy(payload, rbuf[LogRecordHeaderSize:])
		rec.Payload = payload
	}
	return rec, offset + total, nil
}

// MaxCarryOverBlocks bounds the carry-over buffer a LogConsumer keeps for
// records straddling block boundaries (spec §4.A, §4.F): up to three block
// sizes, since a record's own length header can itself span a block
// boundary before its full length is known.
const MaxCarryOverBlocks = 3

// SkipRecord builds the distinguished record that terminates a log
// partition; its OwnLSN is set by the caller to the first LSN of the next
// partition (spec §3 "Log partition").
func SkipRecord(txID common.TxID, nextPartitionLSN common.LSN) *LogRecord {
	return &LogRecord{Type: RecSkip, TxID: txID, OwnLSN: nextPartitionLSN}
}
