package btree

import (
	"bytes"

	"github.com/kvarchive/engine/internal/common"
	"github.com/kvarchive/engine/internal/common/errs"
)

// promise is what a parent asserts about a child's fence interval.
type promise struct {
	low     []byte
	high    []byte
	hasHigh bool
}

// Verify walks every reachable page and asserts that the fence-key interval
// each child actually carries matches what its parent promised (spec §4.E
// "Verification mode computes a fence-key bitmap across pages and asserts
// every fact matches an expectation"). A mismatch is reported as index
// corruption.
func (t *Tree) Verify() error {
	return t.verifyNode(t.rootID, promise{hasHigh: false})
}

func (t *Tree) verifyNode(id common.PageID, want promise) error {
	n, err := t.readNode(id)
	if err != nil {
		return err
	}

	if !bytes.Equal(n.Low, want.low) {
		return errs.Fatal(errs.Wrapf(errs.ErrCorrupt,
			"page %v: low fence %q does not match parent promise %q", id, n.Low, want.low))
	}
	if n.HasHigh != want.hasHigh || (want.hasHigh && !bytes.Equal(n.High, want.high)) {
		return errs.Fatal(errs.Wrapf(errs.ErrCorrupt,
			"page %v: high fence (has=%v, %q) does not match parent promise (has=%v, %q)",
			id, n.HasHigh, n.High, want.hasHigh, want.high))
	}
	if n.Foster != 0 {
		return errs.Fatal(errs.Wrapf(errs.ErrCorrupt,
			"page %v: unadopted foster pointer present during verification", id))
	}

	if n.IsLeaf {
		for i := 1; i < len(n.Keys); i++ {
			if bytes.Compare(n.Keys[i-1], n.Keys[i]) >= 0 {
				return errs.Fatal(errs.Wrapf(errs.ErrCorrupt,
					"page %v: keys out of order at slot %d", id, i))
			}
		}
		return nil
	}

	for i, child := range n.Children {
		cp := promise{}
		if i == 0 {
			cp.low = n.Low
		} else {
			cp.low = n.Seps[i-1]
		}
		if i == len(n.Children)-1 {
			cp.high, cp.hasHigh = n.High, n.HasHigh
		} else {
			cp.high, cp.hasHigh = n.Seps[i], true
		}
		if err := t.verifyNode(child, cp); err != nil {
			return err
		}
	}
	return nil
}
