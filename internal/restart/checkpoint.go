package restart

import (
	"encoding/binary"

	"github.com/kvarchive/engine/internal/codec"
	"github.com/kvarchive/engine/internal/common"
)

// Logger is the slice of internal/walog.Log a checkpoint needs.
type Logger interface {
	Append(rec *codec.LogRecord) (common.LSN, error)
}

// TakeCheckpoint serializes the current DPT and ATT into a RecChkptEnd
// record, bracketed by a RecChkptBegin marker (spec §4.I: "checkpoints are
// synthetic log records that snapshot DPT + ATT"). Checkpoints are advisory:
// a reader that has never seen one must still recover correctly by scanning
// from the start of the log.
func TakeCheckpoint(log Logger, dpt *DirtyPageTable, att *ActiveTxnTable) (common.LSN, error) {
	if _, err := log.Append(&codec.LogRecord{Type: codec.RecChkptBegin}); err != nil {
		return common.NullLSN, err
	}
	payload := encodeCheckpoint(dpt, att)
	return log.Append(&codec.LogRecord{Type: codec.RecChkptEnd, Payload: payload})
}

func encodeCheckpoint(dpt *DirtyPageTable, att *ActiveTxnTable) []byte {
	pages := dpt.Pages()
	buf := make([]byte, 0, 4+len(pages)*20+4+att.Len()*20)

	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(pages)))
	buf = append(buf, hdr[:]...)
	for pid, lsn := range pages {
		var rec [20]byte
		binary.LittleEndian.PutUint64(rec[0:8], uint64(pid))
		binary.LittleEndian.PutUint32(rec[8:12], lsn.Partition)
		binary.LittleEndian.PutUint64(rec[12:20], lsn.Offset)
		buf = append(buf, rec[:]...)
	}

	attCountOff := len(buf)
	buf = append(buf, hdr[:]...)
	n := uint32(0)
	for tx, lsn := range snapshotATT(att) {
		var rec [20]byte
		binary.LittleEndian.PutUint64(rec[0:8], uint64(tx))
		binary.LittleEndian.PutUint32(rec[8:12], lsn.Partition)
		binary.LittleEndian.PutUint64(rec[12:20], lsn.Offset)
		buf = append(buf, rec[:]...)
		n++
	}
	binary.LittleEndian.PutUint32(buf[attCountOff:attCountOff+4], n)
	return buf
}

func snapshotATT(att *ActiveTxnTable) map[common.TxID]common.LSN {
	out := make(map[common.TxID]common.LSN, len(att.txns))
	for tx, s := range att.txns {
		out[tx] = s.lastLSN
	}
	return out
}

// decodeCheckpoint parses a RecChkptEnd payload back into fresh DPT/ATT
// tables, replacing whatever the forward scan had accumulated up to this
// point: the checkpoint reflects the exact buffer-manager and
// transaction-manager state at the instant it was serialized under a
// log-manager quiesce, so it supersedes partial inference from earlier
// records rather than merging with it.
func decodeCheckpoint(payload []byte) (*DirtyPageTable, *ActiveTxnTable, error) {
	dpt := NewDirtyPageTable()
	att := NewActiveTxnTable()

	off := 0
	if off+4 > len(payload) {
		return dpt, att, nil
	}
	numPages := int(binary.LittleEndian.Uint32(payload[off : off+4]))
	off += 4
	for i := 0; i < numPages; i++ {
		if off+20 > len(payload) {
			return dpt, att, nil
		}
		pid := common.PageID(binary.LittleEndian.Uint64(payload[off : off+8]))
		lsn := common.LSN{
			Partition: binary.LittleEndian.Uint32(payload[off+8 : off+12]),
			Offset:    binary.LittleEndian.Uint64(payload[off+12 : off+20]),
		}
		dpt.recLSN[pid] = lsn
		off += 20
	}

	if off+4 > len(payload) {
		return dpt, att, nil
	}
	numTxns := int(binary.LittleEndian.Uint32(payload[off : off+4]))
	off += 4
	for i := 0; i < numTxns; i++ {
		if off+20 > len(payload) {
			return dpt, att, nil
		}
		tx := common.TxID(binary.LittleEndian.Uint64(payload[off : off+8]))
		lsn := common.LSN{
			Partition: binary.LittleEndian.Uint32(payload[off+8 : off+12]),
			Offset:    binary.LittleEndian.Uint64(payload[off+12 : off+20]),
		}
		att.txns[tx] = &txnState{lastLSN: lsn}
		off += 20
	}
	return dpt, att, nil
}
