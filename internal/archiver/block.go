package archiver

import (
	"encoding/binary"

	"github.com/kvarchive/engine/internal/common"
)

// DefaultBlockSize is the unit the Reader stage reads and the Writer stage
// emits (spec §4.F: "Reads fixed-size blocks... Emits the heap into
// fixed-size output blocks").
const DefaultBlockSize = 1 << 16 // 64 KiB

// blockHeaderSize is the size of the {run, end-offset, last-LSN} prefix
// written before every output block (spec §4.F).
const blockHeaderSize = 8 + 4 + 12

// writeBlockHeader encodes run, the offset within the block where valid
// data ends, and the LSN of the last record the block carries.
func writeBlockHeader(buf []byte, run uint64, endOffset uint32, lastLSN common.LSN) {
	binary.LittleEndian.PutUint64(buf[0:8], run)
	binary.LittleEndian.PutUint32(buf[8:12], endOffset)
	binary.LittleEndian.PutUint32(buf[12:16], lastLSN.Partition)
	binary.LittleEndian.PutUint64(buf[16:24], lastLSN.Offset)
}

func readBlockHeader(buf []byte) (run uint64, endOffset uint32, lastLSN common.LSN) {
	run = binary.LittleEndian.Uint64(buf[0:8])
	endOffset = binary.LittleEndian.Uint32(buf[8:12])
	lastLSN = common.LSN{
		Partition: binary.LittleEndian.Uint32(buf[12:16]),
		Offset:    binary.LittleEndian.Uint64(buf[16:24]),
	}
	return
}
