package restart

import (
	"testing"

	"github.com/kvarchive/engine/internal/buffer"
	"github.com/kvarchive/engine/internal/codec"
	"github.com/kvarchive/engine/internal/common"
	"github.com/kvarchive/engine/internal/walog"
)

func testWalConfig() walog.Config {
	return walog.Config{
		PartitionSize:     4096,
		FlushTriggerBytes: 1 << 20,
		RingCapacity:      16,
	}
}

func TestAnalyzeRebuildsDPTAndATT(t *testing.T) {
	dir := t.TempDir()
	l, err := walog.Open(dir, testWalConfig())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if _, err := l.Append(&codec.LogRecord{Type: codec.RecBegin, TxID: 1}); err != nil {
		t.Fatalf("append begin: %v", err)
	}
	u1, err := l.Append(&codec.LogRecord{Type: codec.RecUpdate, TxID: 1, PageID: 7, Payload: []byte{1, 3, 0, 0, 0, 'k', 'e', 'y', 'v'}})
	if err != nil {
		t.Fatalf("append update: %v", err)
	}
	if _, err := l.Append(&codec.LogRecord{Type: codec.RecBegin, TxID: 2}); err != nil {
		t.Fatalf("append begin 2: %v", err)
	}
	if _, err := l.Append(&codec.LogRecord{Type: codec.RecCommit, TxID: 1}); err != nil {
		t.Fatalf("append commit: %v", err)
	}
	if _, err := l.Append(&codec.LogRecord{Type: codec.RecEnd, TxID: 1}); err != nil {
		t.Fatalf("append end: %v", err)
	}
	u2, err := l.Append(&codec.LogRecord{Type: codec.RecUpdate, TxID: 2, PageID: 9, Payload: []byte{1, 3, 0, 0, 0, 'k', 'e', 'y', 'v'}})
	if err != nil {
		t.Fatalf("append update 2: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	result, err := Analyze(dir)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}

	if rec7, ok := result.DPT.RecLSN(7); !ok || rec7 != u1 {
		t.Fatalf("expected page 7 dirty at %v, got %v ok=%v", u1, rec7, ok)
	}
	rec9, ok := result.DPT.RecLSN(9)
	if !ok || rec9 != u2 {
		t.Fatalf("expected page 9 dirty at %v, got %v ok=%v", u2, rec9, ok)
	}

	losers := result.ATT.Losers()
	if len(losers) != 1 || losers[0] != common.TxID(2) {
		t.Fatalf("expected tx2 as the only loser, got %v", losers)
	}
	last, ok := result.ATT.LastLSN(2)
	if !ok || last != u2 {
		t.Fatalf("expected tx2's last LSN %v, got %v ok=%v", u2, last, ok)
	}
}

func TestPageWrittenPrunesDirtyPageTable(t *testing.T) {
	dir := t.TempDir()
	l, err := walog.Open(dir, testWalConfig())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	write1, err := l.Append(&codec.LogRecord{Type: codec.RecUpdate, TxID: 1, PageID: 3, Payload: []byte{1, 1, 0, 0, 0, 'k', 'v'}})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := l.Append(&codec.LogRecord{Type: codec.RecPageWrite, PageID: 3, Payload: buffer.PageWritePayload(write1)}); err != nil {
		t.Fatalf("append page write: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	result, err := Analyze(dir)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if _, ok := result.DPT.RecLSN(3); ok {
		t.Fatalf("expected page 3 pruned by its page-write record")
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	dir := t.TempDir()
	l, err := walog.Open(dir, testWalConfig())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if _, err := l.Append(&codec.LogRecord{Type: codec.RecBegin, TxID: 5}); err != nil {
		t.Fatalf("append begin: %v", err)
	}
	u, err := l.Append(&codec.LogRecord{Type: codec.RecUpdate, TxID: 5, PageID: 11, Payload: []byte{1, 1, 0, 0, 0, 'k', 'v'}})
	if err != nil {
		t.Fatalf("append update: %v", err)
	}

	dpt := NewDirtyPageTable()
	dpt.Observe(11, u)
	att := NewActiveTxnTable()
	att.Observe(5, u)
	att.ObservePage(5, 11)

	if _, err := TakeCheckpoint(l, dpt, att); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	result, err := Analyze(dir)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if _, ok := result.DPT.RecLSN(11); !ok {
		t.Fatalf("expected checkpoint snapshot to carry page 11 forward")
	}
	if last, ok := result.ATT.LastLSN(5); !ok || last != u {
		t.Fatalf("expected checkpoint snapshot to carry tx5's last LSN forward, got %v ok=%v", last, ok)
	}
}

func TestCommitLSNGateRejectsUnredoneInDoubtPage(t *testing.T) {
	dpt := NewDirtyPageTable()
	dpt.Observe(1, common.LSN{Partition: 0, Offset: 100})
	progress := NewRedoProgress()
	gate := NewCommitLSNGate(dpt, progress)

	store := newFakeStore(256)
	pool := buffer.New(store, fakeFlusher{}, buffer.Config{Capacity: 4}, nil)
	pool.SetInDoubtChecker(dpt)

	g, err := pool.Fix(1, buffer.FixShared)
	if err != nil {
		t.Fatalf("fix: %v", err)
	}
	if err := gate.Admit(g.Frame()); err == nil {
		t.Fatalf("expected gate to reject an in-doubt page before REDO reaches it")
	}
	g.Unfix()

	progress.Advance(common.LSN{Partition: 0, Offset: 200})

	g, err = pool.Fix(1, buffer.FixShared)
	if err != nil {
		t.Fatalf("fix: %v", err)
	}
	defer g.Unfix()
	if err := gate.Admit(g.Frame()); err != nil {
		t.Fatalf("expected gate to admit once REDO passed the page's rec_lsn: %v", err)
	}
}

// fakeStore is a minimal in-memory buffer.PageStore for tests that only
// need to observe in-doubt bookkeeping, not real page contents.
type fakeStore struct {
	pageSize int
	pages    map[common.PageID][]byte
}

func newFakeStore(pageSize int) *fakeStore {
	return &fakeStore{pageSize: pageSize, pages: make(map[common.PageID][]byte)}
}

func (s *fakeStore) ReadPage(id common.PageID, buf []byte) error {
	if p, ok := s.pages[id]; ok {
		copy(buf, p)
		return nil
	}
	h := codec.PageHeader{ID: id, Tag: codec.TagBTreeLeaf}
	codec.MarshalPageHeader(&h, buf)
	codec.SetPageChecksum(buf)
	return nil
}

func (s *fakeStore) WritePage(id common.PageID, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	s.pages[id] = cp
	return nil
}

func (s *fakeStore) PageSize() int { return s.pageSize }

// fakeFlusher is a no-op buffer.LogFlusher for tests that never dirty a
// frame.
type fakeFlusher struct{}

func (fakeFlusher) FlushUntil(common.LSN) error { return nil }

func (fakeFlusher) Append(rec *codec.LogRecord) (common.LSN, error) {
	return common.LSN{}, nil
}
