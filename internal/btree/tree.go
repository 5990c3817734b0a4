package btree

import (
	"bytes"

	"github.com/kvarchive/engine/internal/buffer"
	"github.com/kvarchive/engine/internal/codec"
	"github.com/kvarchive/engine/internal/common"
	"github.com/kvarchive/engine/internal/common/errs"
)

// Logger is the slice of internal/walog.Log the tree needs to record page
// mutations.
type Logger interface {
	Append(rec *codec.LogRecord) (common.LSN, error)
}

// Allocator hands out fresh page ids for new nodes (store-growth allocation
// records, spec §3 "Lifecycle").
type Allocator interface {
	Allocate() (common.PageID, error)
}

// Tree is one B+Tree index within a store.
type Tree struct {
	pool      *buffer.Pool
	log       Logger
	alloc     Allocator
	store     common.StoreID
	pageSize  int
	rootID    common.PageID
}

// Open attaches a Tree to an existing root page.
func Open(pool *buffer.Pool, log Logger, alloc Allocator, store common.StoreID, pageSize int, rootID common.PageID) *Tree {
	return &Tree{pool: pool, log: log, alloc: alloc, store: store, pageSize: pageSize, rootID: rootID}
}

// Create allocates a fresh, empty root leaf and returns a Tree over it.
func Create(pool *buffer.Pool, log Logger, alloc Allocator, store common.StoreID, pageSize int) (*Tree, error) {
	rootID, err := alloc.Allocate()
	if err != nil {
		return nil, err
	}
	root := &Node{IsLeaf: true}
	if err := writeNode(pool, pageSize, rootID, store, root, common.NullLSN); err != nil {
		return nil, err
	}
	return &Tree{pool: pool, log: log, alloc: alloc, store: store, pageSize: pageSize, rootID: rootID}, nil
}

// RootID returns the current root page id (stable across splits; only a
// root split allocates a *new* root, updating this field).
func (t *Tree) RootID() common.PageID { return t.rootID }

func writeNode(pool *buffer.Pool, pageSize int, id common.PageID, store common.StoreID, n *Node, lsn common.LSN) error {
	page, err := n.Marshal(pageSize, id, store)
	if err != nil {
		return err
	}
	g, err := pool.Fix(id, buffer.FixExclusive)
	if err != nil {
		return err
	}
	defer g.Unfix()
	copy(g.Frame().Page(), page)
	if !lsn.IsNull() {
		g.Frame().MarkDirty(lsn)
	}
	return nil
}

// readNode fixes id shared, decodes it, and unfixes immediately; callers
// that need to mutate the page re-fix exclusively.
func (t *Tree) readNode(id common.PageID) (*Node, error) {
	g, err := t.pool.Fix(id, buffer.FixShared)
	if err != nil {
		return nil, err
	}
	defer g.Unfix()
	if err := codec.VerifyPageChecksum(g.Frame().Page()); err != nil {
		return nil, err
	}
	return Unmarshal(g.Frame().Page()), nil
}

// descend walks from id toward the leaf owning key, transparently following
// foster pointers (a split's right sibling is reachable through its origin
// page's Foster field until adopt() lifts it into the real parent). It
// returns the path of (pageID, node) from root to leaf for use by callers
// that may need to propagate a split upward.
func (t *Tree) descend(key []byte) ([]common.PageID, []*Node, error) {
	var path []common.PageID
	var nodes []*Node
	cur := t.rootID
	for {
		n, err := t.readNode(cur)
		if err != nil {
			return nil, nil, err
		}
		for n.Foster != 0 && n.FosterLow != nil && bytes.Compare(key, n.FosterLow) >= 0 {
			cur = n.Foster
			n, err = t.readNode(cur)
			if err != nil {
				return nil, nil, err
			}
		}
		path = append(path, cur)
		nodes = append(nodes, n)
		if n.IsLeaf {
			return path, nodes, nil
		}
		cur = n.Children[n.findChild(key)]
	}
}

// Search returns the value stored for key, or ErrNotFound.
func (t *Tree) Search(key []byte) ([]byte, error) {
	_, nodes, err := t.descend(key)
	if err != nil {
		return nil, err
	}
	leaf := nodes[len(nodes)-1]
	idx, found := leaf.findSlot(key)
	if !found {
		return nil, errs.ErrNotFound
	}
	return leaf.Vals[idx], nil
}

// Insert adds or overwrites key -> val, logging a redo+undo update record
// (spec §3 log-record shapes) and splitting pages as needed. prevLSN is the
// transaction's own previous update/delete LSN (common.NullLSN if this is
// its first), threaded into the record's PrevTxnLSN field so a future UNDO
// can walk the transaction's logical chain backward; Insert returns the new
// record's LSN for the caller to carry into its next call. Structural
// records a split emits along the way (RecFullImage) are not part of this
// chain — only RecUpdate/RecCompensation records are ever undone.
func (t *Tree) Insert(txID common.TxID, prevLSN common.LSN, key, val []byte) (common.LSN, error) {
	path, nodes, err := t.descend(key)
	if err != nil {
		return common.NullLSN, err
	}
	leaf := nodes[len(nodes)-1]
	leafID := path[len(path)-1]

	idx, found := leaf.findSlot(key)
	lsn, err := t.log.Append(&codec.LogRecord{
		Type:       codec.RecUpdate,
		TxID:       txID,
		PrevTxnLSN: prevLSN,
		PageID:     leafID,
		Payload:    encodeUpdatePayload(true, key, val),
	})
	if err != nil {
		return common.NullLSN, err
	}
	if found {
		leaf.Vals[idx] = val
		leaf.InsertLSNs[idx] = lsn
	} else {
		leaf.Keys = append(leaf.Keys, nil)
		leaf.Vals = append(leaf.Vals, nil)
		leaf.InsertLSNs = append(leaf.InsertLSNs, common.LSN{})
		copy(leaf.Keys[idx+1:], leaf.Keys[idx:])
		copy(leaf.Vals[idx+1:], leaf.Vals[idx:])
		copy(leaf.InsertLSNs[idx+1:], leaf.InsertLSNs[idx:])
		leaf.Keys[idx] = append([]byte{}, key...)
		leaf.Vals[idx] = append([]byte{}, val...)
		leaf.InsertLSNs[idx] = lsn
	}

	if err := writeNode(t.pool, t.pageSize, leafID, t.store, leaf, lsn); err != nil {
		if errs.Is(err, errs.ErrRecordTooLarge) {
			if err := t.handleOverflow(path, nodes, txID); err != nil {
				return common.NullLSN, err
			}
			return lsn, nil
		}
		return common.NullLSN, err
	}
	return lsn, nil
}

// handleOverflow is invoked when a leaf could not accept the entry already
// merged into its in-memory Node: it splits the leaf (the new entry rides
// along with whichever half it sorts into) and adopts the resulting foster
// pointer into the parent.
func (t *Tree) handleOverflow(path []common.PageID, nodes []*Node, txID common.TxID) error {
	leafID := path[len(path)-1]
	leaf := nodes[len(nodes)-1]
	if err := t.splitLeaf(leafID, leaf, txID); err != nil {
		return err
	}
	var parentID common.PageID
	var parentNode *Node
	if len(path) >= 2 {
		parentID = path[len(path)-2]
		parentNode = nodes[len(nodes)-2]
	}
	return t.adopt(parentID, parentNode, leafID, txID)
}

// Delete removes key, logging an update record whose payload carries only
// the key with the insert flag cleared (tombstone). Page merging/rebalancing is not performed: an
// under-occupied page is left in place, matching the scope of spec §4.E
// which specifies split behavior but not a merge counterpart. prevLSN/the
// returned LSN thread the transaction's UNDO chain the same way Insert does.
func (t *Tree) Delete(txID common.TxID, prevLSN common.LSN, key []byte) (common.LSN, error) {
	path, nodes, err := t.descend(key)
	if err != nil {
		return common.NullLSN, err
	}
	leaf := nodes[len(nodes)-1]
	leafID := path[len(path)-1]
	idx, found := leaf.findSlot(key)
	if !found {
		return common.NullLSN, errs.ErrNotFound
	}
	lsn, err := t.log.Append(&codec.LogRecord{
		Type:       codec.RecUpdate,
		TxID:       txID,
		PrevTxnLSN: prevLSN,
		PageID:     leafID,
		Payload:    encodeUpdatePayload(false, key, nil),
	})
	if err != nil {
		return common.NullLSN, err
	}
	leaf.Keys = append(leaf.Keys[:idx], leaf.Keys[idx+1:]...)
	leaf.Vals = append(leaf.Vals[:idx], leaf.Vals[idx+1:]...)
	leaf.InsertLSNs = append(leaf.InsertLSNs[:idx], leaf.InsertLSNs[idx+1:]...)
	if err := writeNode(t.pool, t.pageSize, leafID, t.store, leaf, lsn); err != nil {
		return common.NullLSN, err
	}
	return lsn, nil
}
