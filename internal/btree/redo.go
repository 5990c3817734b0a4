package btree

import (
	"encoding/binary"

	"github.com/kvarchive/engine/internal/buffer"
	"github.com/kvarchive/engine/internal/codec"
	"github.com/kvarchive/engine/internal/common"
)

// encodeUpdatePayload packs a RecUpdate record's logical effect: an upsert
// (insert=true) carries key and val; a tombstone (insert=false) carries only
// key. The key is length-prefixed so the two are never ambiguous on replay,
// unlike a bare concatenation.
func encodeUpdatePayload(insert bool, key, val []byte) []byte {
	flag := byte(0)
	if insert {
		flag = 1
	}
	buf := make([]byte, 0, 5+len(key)+len(val))
	buf = append(buf, flag)
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(key)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, key...)
	buf = append(buf, val...)
	return buf
}

// decodeUpdatePayload is the inverse of encodeUpdatePayload.
func decodeUpdatePayload(payload []byte) (insert bool, key, val []byte) {
	insert = payload[0] == 1
	keyLen := binary.LittleEndian.Uint32(payload[1:5])
	key = payload[5 : 5+keyLen]
	val = payload[5+keyLen:]
	return insert, key, val
}

// DecodeUpdate exposes decodeUpdatePayload to other packages: restart's UNDO
// driver needs it both to recognize which key a RecUpdate touched and to
// recover the value a prior insert of that key carried, to restore it when
// undoing a later delete.
func DecodeUpdate(rec *codec.LogRecord) (insert bool, key, val []byte) {
	return decodeUpdatePayload(rec.Payload)
}

// ApplyRedo re-applies one RecUpdate record directly to the page it names,
// without descending the tree (spec §4.J: "re-apply every redo-eligible
// record from rec_lsn to durable-LSN"). Replay is logical (by key), which
// makes it naturally idempotent: re-inserting the same key/val or
// re-deleting an already-missing key is a no-op on the decoded Node, exactly
// the idempotence spec §4.J's CLR chain relies on. The frame is marked dirty
// under the record's own LSN so a second REDO pass (or a CLR undoing it
// later) sees the correct page-LSN chain.
func ApplyRedo(pool *buffer.Pool, pageSize int, store common.StoreID, rec *codec.LogRecord) error {
	if rec.Type != codec.RecUpdate && rec.Type != codec.RecCompensation {
		return nil
	}
	insert, key, val := decodeUpdatePayload(rec.Payload)

	g, err := pool.Fix(rec.PageID, buffer.FixExclusive)
	if err != nil {
		return err
	}
	defer g.Unfix()

	page := g.Frame().Page()
	if err := codec.VerifyPageChecksum(page); err != nil {
		return err
	}
	n := Unmarshal(page)
	if !n.IsLeaf {
		// Structural (internal-node) records are replayed physically
		// elsewhere; a leaf-shaped update record naming a non-leaf page
		// means the page was since restructured past this LSN, so redo
		// is already subsumed.
		return nil
	}

	idx, found := n.findSlot(key)
	if insert {
		if found {
			n.Vals[idx] = val
			n.InsertLSNs[idx] = rec.OwnLSN
		} else {
			n.Keys = append(n.Keys, nil)
			n.Vals = append(n.Vals, nil)
			n.InsertLSNs = append(n.InsertLSNs, common.LSN{})
			copy(n.Keys[idx+1:], n.Keys[idx:])
			copy(n.Vals[idx+1:], n.Vals[idx:])
			copy(n.InsertLSNs[idx+1:], n.InsertLSNs[idx:])
			n.Keys[idx] = append([]byte{}, key...)
			n.Vals[idx] = append([]byte{}, val...)
			n.InsertLSNs[idx] = rec.OwnLSN
		}
	} else if found {
		n.Keys = append(n.Keys[:idx], n.Keys[idx+1:]...)
		n.Vals = append(n.Vals[:idx], n.Vals[idx+1:]...)
		n.InsertLSNs = append(n.InsertLSNs[:idx], n.InsertLSNs[idx+1:]...)
	}

	encoded, err := n.Marshal(pageSize, rec.PageID, store)
	if err != nil {
		return err
	}
	copy(page, encoded)
	g.Frame().MarkDirty(rec.OwnLSN)
	return nil
}

// ApplyUndo reverses one RecUpdate record by applying its logical inverse
// (an insert is undone by deleting key; a tombstone is undone by restoring
// key with priorVal, which the caller must supply: the value the key held
// before the tombstone). Returns the bytes to carry in the resulting CLR's payload.
func ApplyUndo(pool *buffer.Pool, pageSize int, store common.StoreID, rec *codec.LogRecord, priorVal []byte) ([]byte, error) {
	insert, key, _ := decodeUpdatePayload(rec.Payload)

	g, err := pool.Fix(rec.PageID, buffer.FixExclusive)
	if err != nil {
		return nil, err
	}
	defer g.Unfix()

	page := g.Frame().Page()
	if err := codec.VerifyPageChecksum(page); err != nil {
		return nil, err
	}
	n := Unmarshal(page)
	var clrPayload []byte
	if insert {
		if idx, found := n.findSlot(key); found {
			n.Keys = append(n.Keys[:idx], n.Keys[idx+1:]...)
			n.Vals = append(n.Vals[:idx], n.Vals[idx+1:]...)
			n.InsertLSNs = append(n.InsertLSNs[:idx], n.InsertLSNs[idx+1:]...)
		}
		clrPayload = encodeUpdatePayload(false, key, nil)
	} else {
		idx, found := n.findSlot(key)
		if !found {
			n.Keys = append(n.Keys, nil)
			n.Vals = append(n.Vals, nil)
			n.InsertLSNs = append(n.InsertLSNs, common.LSN{})
			copy(n.Keys[idx+1:], n.Keys[idx:])
			copy(n.Vals[idx+1:], n.Vals[idx:])
			copy(n.InsertLSNs[idx+1:], n.InsertLSNs[idx:])
			n.Keys[idx] = append([]byte{}, key...)
		}
		n.Vals[idx] = append([]byte{}, priorVal...)
		clrPayload = encodeUpdatePayload(true, key, priorVal)
	}

	encoded, err := n.Marshal(pageSize, rec.PageID, store)
	if err != nil {
		return nil, err
	}
	copy(page, encoded)
	return clrPayload, nil
}
