package lockmgr

import (
	"sync"

	"github.com/kvarchive/engine/internal/common"
)

// ELRMode selects the Early Lock Release policy (spec §4.D).
type ELRMode int

const (
	ELRNone   ELRMode = iota // no early release; locks held to log flush of commit
	ELRSOnly                 // release S locks at commit-decision time
	ELRSX                    // also release X locks once durable-or-pending-durable
	ELRCLV                   // commit-LSN variant: released locks carry a watermark
)

// watermarkTable tracks, per released lock, the commit LSN a transaction
// must wait to become durable before it may itself declare commit, because
// it observed a pending (not-yet-durable) commit through an early-released
// lock (spec §4.D watermark propagation).
type watermarkTable struct {
	mu         sync.Mutex
	perLock    map[string]common.LSN // LockID map-key -> pending commit LSN
	perTx      map[common.TxID]common.LSN
}

func newWatermarkTable() *watermarkTable {
	return &watermarkTable{
		perLock: make(map[string]common.LSN),
		perTx:   make(map[common.TxID]common.LSN),
	}
}

// AttachToLock records that id was released early under a commit that is
// pending durability at commitLSN; a subsequent acquirer of id inherits
// this watermark (CLV mode).
func (t *watermarkTable) AttachToLock(id LockID, commitLSN common.LSN) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := mapKey(id)
	if existing, ok := t.perLock[key]; !ok || existing.Less(commitLSN) {
		t.perLock[key] = commitLSN
	}
}

// Inherit propagates any watermark attached to id onto tx, called when tx
// acquires id after an early release.
func (t *watermarkTable) Inherit(tx common.TxID, id LockID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	wm, ok := t.perLock[mapKey(id)]
	if !ok {
		return
	}
	if existing, has := t.perTx[tx]; !has || existing.Less(wm) {
		t.perTx[tx] = wm
	}
}

// Watermark returns the LSN tx must see durable before declaring its own
// commit, and whether one is outstanding.
func (t *watermarkTable) Watermark(tx common.TxID) (common.LSN, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	wm, ok := t.perTx[tx]
	return wm, ok
}

// ClearTx drops tx's watermark once it has waited for it (or ended without
// committing).
func (t *watermarkTable) ClearTx(tx common.TxID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.perTx, tx)
}

// ReleaseEarly releases id on behalf of tx under the given ELR policy and
// commit LSN (the LSN of tx's own commit record, possibly not yet durable).
// Shared locks release unconditionally under SOnly/SX/CLV; exclusive locks
// only release under SX/CLV, and CLV additionally attaches a watermark so
// the next acquirer inherits the durability dependency.
func (m *Manager) ReleaseEarly(tx common.TxID, id LockID, mode Mode, policy ELRMode, commitLSN common.LSN) {
	switch policy {
	case ELRNone:
		return
	case ELRSOnly:
		if mode == ModeS || mode == ModeIS {
			m.Release(tx, id)
		}
	case ELRSX:
		m.Release(tx, id)
	case ELRCLV:
		if mode == ModeX || mode == ModeSIX {
			m.watermarks.AttachToLock(id, commitLSN)
		}
		m.Release(tx, id)
	}
}

// WatermarkFor returns the commit LSN tx must see durable before it may
// itself declare commit, set by InheritWatermark when tx acquired a lock
// released early under CLV mode.
func (m *Manager) WatermarkFor(tx common.TxID) (common.LSN, bool) {
	return m.watermarks.Watermark(tx)
}

// InheritWatermark is called right after a successful Acquire to propagate
// any watermark attached to id onto tx.
func (m *Manager) InheritWatermark(tx common.TxID, id LockID) {
	m.watermarks.Inherit(tx, id)
}

// ClearWatermark drops tx's watermark once satisfied.
func (m *Manager) ClearWatermark(tx common.TxID) {
	m.watermarks.ClearTx(tx)
}
