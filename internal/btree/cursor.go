package btree

import (
	"github.com/kvarchive/engine/internal/buffer"
	"github.com/kvarchive/engine/internal/codec"
	"github.com/kvarchive/engine/internal/common"
	"github.com/kvarchive/engine/internal/common/errs"
)

// Direction selects scan order.
type Direction int

const (
	Forward Direction = iota
	Backward
)

// Cursor implements the re-location contract of spec §4.E: between Next
// calls it releases its page latch; the next call re-locates the page by
// saved-LSN, falling back to a page re-search, and finally to a full tree
// traversal if the key has moved off-page entirely.
type Cursor struct {
	tree *Tree
	dir  Direction

	valid   bool
	eof     bool
	pageID  common.PageID
	pageLSN common.LSN
	slot    int
	key     []byte
	val     []byte
}

// NewCursor positions a cursor on the first key >= start (Forward) or on
// the last key <= start (Backward). A nil start means
// "from the beginning" / "from the end".
func (t *Tree) NewCursor(dir Direction, start []byte) (*Cursor, error) {
	c := &Cursor{tree: t, dir: dir}
	if err := c.seek(start); err != nil {
		return nil, err
	}
	return c, nil
}

func headerLSN(page []byte) common.LSN {
	return codec.UnmarshalPageHeader(page).LSN
}

func (c *Cursor) seek(start []byte) error {
	var path []common.PageID
	var nodes []*Node
	var err error
	if start != nil {
		path, nodes, err = c.tree.descend(start)
	} else if c.dir == Forward {
		path, nodes, err = c.tree.descendLeftmost()
	} else {
		path, nodes, err = c.tree.descendRightmost()
	}
	if err != nil {
		return err
	}
	leaf := nodes[len(nodes)-1]
	leafID := path[len(path)-1]

	var idx int
	if start == nil {
		if c.dir == Forward {
			idx = 0
		} else {
			idx = len(leaf.Keys) - 1
		}
	} else if c.dir == Forward {
		idx, _ = leaf.findSlot(start)
	} else {
		i, found := leaf.findSlot(start)
		if found {
			idx = i
		} else {
			idx = i - 1
		}
	}

	return c.land(leafID, leaf, idx)
}

// land positions the cursor at slot idx of leaf (id leafID), advancing into
// sibling pages if idx falls outside the current page's bounds, or setting
// eof if the scan is exhausted in the current direction.
func (c *Cursor) land(leafID common.PageID, leaf *Node, idx int) error {
	for {
		if idx < 0 {
			if leaf.Prev == 0 {
				c.eof = true
				c.valid = false
				return nil
			}
			prevID := leaf.Prev
			prev, err := c.tree.readNode(prevID)
			if err != nil {
				return err
			}
			leafID, leaf, idx = prevID, prev, len(prev.Keys)-1
			continue
		}
		if idx >= len(leaf.Keys) {
			if leaf.Next == 0 {
				c.eof = true
				c.valid = false
				return nil
			}
			nextID := leaf.Next
			next, err := c.tree.readNode(nextID)
			if err != nil {
				return err
			}
			leafID, leaf, idx = nextID, next, 0
			continue
		}
		break
	}

	g, err := c.tree.pool.Fix(leafID, buffer.FixShared)
	if err != nil {
		return err
	}
	lsn := headerLSN(g.Frame().Page())
	g.Unfix()

	c.pageID = leafID
	c.pageLSN = lsn
	c.slot = idx
	c.key = append([]byte{}, leaf.Keys[idx]...)
	c.val = append([]byte{}, leaf.Vals[idx]...)
	c.valid = true
	c.eof = false
	return nil
}

// Valid reports whether the cursor currently points at a key.
func (c *Cursor) Valid() bool { return c.valid && !c.eof }

// EOF reports whether the scan has been exhausted.
func (c *Cursor) EOF() bool { return c.eof }

// Key and Value return the current entry.
func (c *Cursor) Key() []byte   { return c.key }
func (c *Cursor) Value() []byte { return c.val }

// Next re-locates the cursor's page using (saved-LSN, saved-pid,
// saved-slot) and advances one entry in the cursor's direction.
func (c *Cursor) Next() error {
	if c.eof {
		return errs.ErrNotFound
	}

	g, err := c.tree.pool.Fix(c.pageID, buffer.FixShared)
	if err != nil {
		return err
	}
	curLSN := headerLSN(g.Frame().Page())
	page := append([]byte{}, g.Frame().Page()...)
	g.Unfix()

	n := Unmarshal(page)

	var idx int
	switch {
	case curLSN == c.pageLSN:
		idx = c.slot
	default:
		if i, found := n.findSlot(c.key); found {
			idx = i
		} else if n.InRange(c.key) {
			idx = i
		} else {
			// Key moved off-page: repeat a full tree traversal.
			return c.seek(c.key)
		}
	}

	if c.dir == Forward {
		idx++
	} else {
		idx--
	}
	return c.land(c.pageID, n, idx)
}

// descendLeftmost walks from the root following the leftmost child at each
// level.
func (t *Tree) descendLeftmost() ([]common.PageID, []*Node, error) {
	var path []common.PageID
	var nodes []*Node
	cur := t.rootID
	for {
		n, err := t.readNode(cur)
		if err != nil {
			return nil, nil, err
		}
		path = append(path, cur)
		nodes = append(nodes, n)
		if n.IsLeaf {
			return path, nodes, nil
		}
		cur = n.Children[0]
	}
}

// descendRightmost walks from the root following the rightmost child,
// then the foster chain, at each level.
func (t *Tree) descendRightmost() ([]common.PageID, []*Node, error) {
	var path []common.PageID
	var nodes []*Node
	cur := t.rootID
	for {
		n, err := t.readNode(cur)
		if err != nil {
			return nil, nil, err
		}
		for n.Foster != 0 {
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
		cur = n.Children[len(n.Children)-1]
	}
}
