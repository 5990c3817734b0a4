// Package lockmgr implements the key-range (OKVL) and store-level intent
// lock manager of spec §4.D: acquire/release with deadlock detection over a
// waits-for graph, and the four Early Lock Release (ELR) policies.
// Grounded on the teacher's internal/storage/mvcc.go for the
// active-transaction bookkeeping shape (map of TxID to a per-transaction
// context guarded by its own mutex, atomic ID allocation) generalized from
// MVCC visibility timestamps to lock holdings and commit-LSN watermarks.
package lockmgr

import "fmt"

// Mode is a lock mode in the key-range lattice. The engine approximates the
// full order-key-value-lock product lattice with the classic five modes
// used for key and store-intent locking (spec §4.D: "Modes form the OKVL
// lattice with intent modes at store granularity"); a ghost/insert mode is
// not modeled separately since an insert is treated as acquiring X on the
// key plus an implicit IX on its enclosing range, the same protocol the
// plain five-mode lattice already provides.
type Mode uint8

const (
	ModeIS Mode = iota // intent-shared, store granularity
	ModeIX             // intent-exclusive, store granularity
	ModeS              // shared, key or key-range
	ModeSIX            // shared + intent-exclusive
	ModeX              // exclusive, key or key-range
)

func (m Mode) String() string {
	switch m {
	case ModeIS:
		return "IS"
	case ModeIX:
		return "IX"
	case ModeS:
		return "S"
	case ModeSIX:
		return "SIX"
	case ModeX:
		return "X"
	default:
		return fmt.Sprintf("Mode(%d)", uint8(m))
	}
}

// compat[a][b] is true if a holder in mode a and a requester in mode b may
// both be granted simultaneously. Standard intent-lock compatibility
// matrix.
var compat = [5][5]bool{
	//        IS     IX     S      SIX    X
	/*IS */ {true, true, true, true, false},
	/*IX */ {true, true, false, false, false},
	/*S  */ {true, false, true, false, false},
	/*SIX*/ {true, false, false, false, false},
	/*X  */ {false, false, false, false, false},
}

// Compatible reports whether held and requested may coexist.
func Compatible(held, requested Mode) bool {
	return compat[held][requested]
}

// Supremum returns the least upper bound of two modes a transaction already
// holds and is re-requesting (lock upgrade), used when a transaction that
// holds S requests X on the same key, etc.
func Supremum(a, b Mode) Mode {
	if a == b {
		return a
	}
	// Any combination involving X dominates.
	if a == ModeX || b == ModeX {
		return ModeX
	}
	set := map[Mode]bool{a: true, b: true}
	if set[ModeS] && (set[ModeIX] || set[ModeSIX]) {
		return ModeSIX
	}
	if set[ModeIS] && set[ModeIX] {
		return ModeIX
	}
	if set[ModeIS] && set[ModeS] {
		return ModeS
	}
	if set[ModeIX] && set[ModeSIX] {
		return ModeSIX
	}
	if set[ModeIS] && set[ModeSIX] {
		return ModeSIX
	}
	// IS/IS, IX/IX, S/S, SIX/SIX already handled by a == b above.
	return ModeX
}
