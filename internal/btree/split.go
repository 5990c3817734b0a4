package btree

import (
	"github.com/kvarchive/engine/internal/codec"
	"github.com/kvarchive/engine/internal/common"
)

// splitLeaf performs a foster-parent split (spec §4.E): it allocates a new
// right-sibling page holding the upper half of leaf's entries, installs it
// as leaf's Foster pointer (readers that land on leaf and seek a key at or
// past FosterLow transparently hop to the foster child via descend), and
// only afterward does adopt() lift that pointer into the true parent as a
// normal separator + child entry. Until adopt runs, the tree is still fully
// navigable through the foster pointer alone.
func (t *Tree) splitLeaf(leafID common.PageID, leaf *Node, txID common.TxID) error {
	mid := len(leaf.Keys) / 2
	if mid == 0 {
		mid = 1
	}

	newID, err := t.alloc.Allocate()
	if err != nil {
		return err
	}

	right := &Node{
		IsLeaf:     true,
		Low:        append([]byte{}, leaf.Keys[mid]...),
		High:       leaf.High,
		HasHigh:    leaf.HasHigh,
		Keys:       append([][]byte{}, leaf.Keys[mid:]...),
		Vals:       append([][]byte{}, leaf.Vals[mid:]...),
		InsertLSNs: append([]common.LSN{}, leaf.InsertLSNs[mid:]...),
		Next:       leaf.Next,
		Prev:       leafID,
	}

	leaf.Keys = leaf.Keys[:mid]
	leaf.Vals = leaf.Vals[:mid]
	leaf.InsertLSNs = leaf.InsertLSNs[:mid]
	leaf.High = right.Low
	leaf.HasHigh = true
	leaf.Next = newID
	leaf.Foster = newID
	leaf.FosterLow = right.Low

	rightLSN, err := t.log.Append(&codec.LogRecord{Type: codec.RecFullImage, TxID: txID, PageID: newID})
	if err != nil {
		return err
	}
	if err := writeNode(t.pool, t.pageSize, newID, t.store, right, rightLSN); err != nil {
		return err
	}

	leftLSN, err := t.log.Append(&codec.LogRecord{Type: codec.RecFullImage, TxID: txID, PageID: leafID})
	if err != nil {
		return err
	}
	if err := t.pool.RegisterWriteOrder(leafID, newID); err != nil {
		return err
	}
	return writeNode(t.pool, t.pageSize, leafID, t.store, leaf, leftLSN)
}

// adopt lifts childID's foster pointer into parentID as a real separator and
// child entry. If parentID is zero, childID was the root, so a new root is
// allocated with two children instead.
func (t *Tree) adopt(parentID common.PageID, parent *Node, childID common.PageID, txID common.TxID) error {
	child, err := t.readNode(childID)
	if err != nil {
		return err
	}
	if child.Foster == 0 {
		return nil // nothing to adopt, e.g. a concurrent adopt already ran
	}
	fosterID := child.Foster
	fosterLow := child.FosterLow

	if parent == nil {
		newRootID, err := t.alloc.Allocate()
		if err != nil {
			return err
		}
		newRoot := &Node{
			IsLeaf:   false,
			Children: []common.PageID{childID, fosterID},
			Seps:     [][]byte{append([]byte{}, fosterLow...)},
		}
		lsn, err := t.log.Append(&codec.LogRecord{Type: codec.RecFullImage, TxID: txID, PageID: newRootID})
		if err != nil {
			return err
		}
		if err := writeNode(t.pool, t.pageSize, newRootID, t.store, newRoot, lsn); err != nil {
			return err
		}
		t.rootID = newRootID
		return t.clearFoster(childID, txID)
	}

	idx := parent.findChild(fosterLow)
	parent.Children = append(parent.Children, common.PageID(0))
	copy(parent.Children[idx+2:], parent.Children[idx+1:])
	parent.Children[idx+1] = fosterID
	parent.Seps = append(parent.Seps, nil)
	copy(parent.Seps[idx+1:], parent.Seps[idx:])
	parent.Seps[idx] = append([]byte{}, fosterLow...)

	lsn, err := t.log.Append(&codec.LogRecord{Type: codec.RecFullImage, TxID: txID, PageID: parentID})
	if err != nil {
		return err
	}
	if err := writeNode(t.pool, t.pageSize, parentID, t.store, parent, lsn); err != nil {
		return err
	}
	return t.clearFoster(childID, txID)
}

// clearFoster drops childID's foster pointer now that it has a real parent
// entry, re-reading and rewriting the page since the caller's in-memory copy
// may be stale by the time adopt runs.
func (t *Tree) clearFoster(childID common.PageID, txID common.TxID) error {
	child, err := t.readNode(childID)
	if err != nil {
		return err
	}
	child.Foster = 0
	child.FosterLow = nil
	lsn, err := t.log.Append(&codec.LogRecord{Type: codec.RecFullImage, TxID: txID, PageID: childID})
	if err != nil {
		return err
	}
	return writeNode(t.pool, t.pageSize, childID, t.store, child, lsn)
}
