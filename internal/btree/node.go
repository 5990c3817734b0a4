// Package btree implements the B+Tree operator of spec §4.E: fence-keyed
// pages, foster-parent splits, and a cursor with (saved-LSN, saved-pid,
// saved-slot) re-location. Grounded on the teacher's
// internal/storage/pager/btree.go and btree_page.go (slotted variable-length
// key/value records, internal/leaf page split) for the record shapes and
// search/insert control flow, generalized with fence keys and the
// foster-parent split protocol the teacher's single-pass split does not
// need (spec §4.E).
package btree

import (
	"bytes"
	"encoding/binary"

	"github.com/kvarchive/engine/internal/codec"
	"github.com/kvarchive/engine/internal/common"
	"github.com/kvarchive/engine/internal/common/errs"
)

const bodyOffset = codec.PageHeaderSize

// Node is the decoded, in-memory form of one B+Tree page's body (spec §4.E
// "pages carry fence keys ... that unambiguously define the key interval
// owned by the page").
type Node struct {
	IsLeaf bool

	// Low is the inclusive lower fence key; High is the exclusive upper
	// fence key, or HasHigh=false meaning +infinity.
	Low     []byte
	High    []byte
	HasHigh bool

	// Foster is the right-sibling pointer installed by a split before any
	// parent update (spec §4.E "foster-parent pattern"); zero means none.
	// FosterLow is the fence key the foster child owns, i.e. this node's
	// new High once the foster pointer is adopted into the true parent.
	Foster    common.PageID
	FosterLow []byte

	// Internal page contents: len(Children) == len(Seps)+1. Seps[i]
	// separates Children[i] (keys < Seps[i]) from Children[i+1].
	Children []common.PageID
	Seps     [][]byte

	// Leaf page contents.
	Keys       [][]byte
	Vals       [][]byte
	InsertLSNs []common.LSN
	Next       common.PageID // leaf sibling chain, independent of Foster
	Prev       common.PageID
}

func putBytes(buf *bytes.Buffer, b []byte) {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(b)))
	buf.Write(lenBuf[:])
	buf.Write(b)
}

func getBytes(buf []byte, off int) ([]byte, int) {
	n := int(binary.LittleEndian.Uint32(buf[off : off+4]))
	off += 4
	out := make([]byte, n)
	copy(out, buf[off:off+n])
	return out, off + n
}

func putLSN(buf *bytes.Buffer, lsn common.LSN) {
	var b [12]byte
	binary.LittleEndian.PutUint32(b[0:4], lsn.Partition)
	binary.LittleEndian.PutUint64(b[4:12], lsn.Offset)
	buf.Write(b[:])
}

func getLSN(buf []byte, off int) (common.LSN, int) {
	return common.LSN{
		Partition: binary.LittleEndian.Uint32(buf[off : off+4]),
		Offset:    binary.LittleEndian.Uint64(buf[off+4 : off+12]),
	}, off + 12
}

// Marshal encodes n into a fresh page of pageSize, returning
// ErrRecordTooLarge if the encoded body would not fit.
func (n *Node) Marshal(pageSize int, id common.PageID, store common.StoreID) ([]byte, error) {
	var body bytes.Buffer

	flags := byte(0)
	if n.IsLeaf {
		flags |= 1
	}
	if n.HasHigh {
		flags |= 2
	}
	body.WriteByte(flags)
	putBytes(&body, n.Low)
	putBytes(&body, n.High)

	var fosterBuf [8]byte
	binary.LittleEndian.PutUint64(fosterBuf[:], uint64(n.Foster))
	body.Write(fosterBuf[:])
	putBytes(&body, n.FosterLow)

	if n.IsLeaf {
		var sib [16]byte
		binary.LittleEndian.PutUint64(sib[0:8], uint64(n.Next))
		binary.LittleEndian.PutUint64(sib[8:16], uint64(n.Prev))
		body.Write(sib[:])

		var countBuf [4]byte
		binary.LittleEndian.PutUint32(countBuf[:], uint32(len(n.Keys)))
		body.Write(countBuf[:])
		for i := range n.Keys {
			putBytes(&body, n.Keys[i])
			putBytes(&body, n.Vals[i])
			putLSN(&body, n.InsertLSNs[i])
		}
	} else {
		var countBuf [4]byte
		binary.LittleEndian.PutUint32(countBuf[:], uint32(len(n.Children)))
		body.Write(countBuf[:])
		for i, ch := range n.Children {
			var chBuf [8]byte
			binary.LittleEndian.PutUint64(chBuf[:], uint64(ch))
			body.Write(chBuf[:])
			if i < len(n.Seps) {
				putBytes(&body, n.Seps[i])
			}
		}
	}

	if bodyOffset+body.Len() > pageSize {
		return nil, errs.Wrapf(errs.ErrRecordTooLarge, "btree node needs %d bytes, page budget %d", bodyOffset+body.Len(), pageSize)
	}

	tag := codec.TagBTreeInternal
	if n.IsLeaf {
		tag = codec.TagBTreeLeaf
	}
	page := codec.NewPage(pageSize, tag, id, store)
	copy(page[bodyOffset:], body.Bytes())
	return page, nil
}

// Unmarshal decodes a Node from a page previously produced by Marshal.
func Unmarshal(page []byte) *Node {
	buf := page[bodyOffset:]
	off := 0
	flags := buf[off]
	off++
	n := &Node{
		IsLeaf:  flags&1 != 0,
		HasHigh: flags&2 != 0,
	}
	n.Low, off = getBytes(buf, off)
	n.High, off = getBytes(buf, off)

	foster := binary.LittleEndian.Uint64(buf[off : off+8])
	off += 8
	n.Foster = common.PageID(foster)
	n.FosterLow, off = getBytes(buf, off)

	if n.IsLeaf {
		next := binary.LittleEndian.Uint64(buf[off : off+8])
		off += 8
		prev := binary.LittleEndian.Uint64(buf[off : off+8])
		off += 8
		n.Next = common.PageID(next)
		n.Prev = common.PageID(prev)

		count := int(binary.LittleEndian.Uint32(buf[off : off+4]))
		off += 4
		n.Keys = make([][]byte, count)
		n.Vals = make([][]byte, count)
		n.InsertLSNs = make([]common.LSN, count)
		for i := 0; i < count; i++ {
			n.Keys[i], off = getBytes(buf, off)
			n.Vals[i], off = getBytes(buf, off)
			n.InsertLSNs[i], off = getLSN(buf, off)
		}
	} else {
		count := int(binary.LittleEndian.Uint32(buf[off : off+4]))
		off += 4
		n.Children = make([]common.PageID, count)
		n.Seps = make([][]byte, 0, count-1)
		for i := 0; i < count; i++ {
			ch := binary.LittleEndian.Uint64(buf[off : off+8])
			off += 8
			n.Children[i] = common.PageID(ch)
			if i < count-1 {
				var sep []byte
				sep, off = getBytes(buf, off)
				n.Seps = append(n.Seps, sep)
			}
		}
	}
	return n
}

// InRange reports whether key falls within [Low, High).
func (n *Node) InRange(key []byte) bool {
	if bytes.Compare(key, n.Low) < 0 {
		return false
	}
	if n.HasHigh && bytes.Compare(key, n.High) >= 0 {
		return false
	}
	return true
}

// findChild returns the index of the child that should contain key
// (internal nodes only).
func (n *Node) findChild(key []byte) int {
	i := 0
	for i < len(n.Seps) && bytes.Compare(key, n.Seps[i]) >= 0 {
		i++
	}
	return i
}

// findSlot returns the index of key in a leaf's sorted Keys, and whether it
// was found exactly.
func (n *Node) findSlot(key []byte) (int, bool) {
	lo, hi := 0, len(n.Keys)
	for lo < hi {
		mid := (lo + hi) / 2
		c := bytes.Compare(n.Keys[mid], key)
		if c == 0 {
			return mid, true
		} else if c < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, false
}
