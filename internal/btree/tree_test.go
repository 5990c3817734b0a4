package btree

import (
	"sync"
	"testing"

	"github.com/kvarchive/engine/internal/buffer"
	"github.com/kvarchive/engine/internal/codec"
	"github.com/kvarchive/engine/internal/common"
)

// memStore is an in-memory PageStore for tests.
type memStore struct {
	mu       sync.Mutex
	pages    map[common.PageID][]byte
	pageSize int
}

func newMemStore(pageSize int) *memStore {
	return &memStore{pages: make(map[common.PageID][]byte), pageSize: pageSize}
}

func (s *memStore) ReadPage(id common.PageID, buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pages[id]; ok {
		copy(buf, p)
		return nil
	}
	h := codec.PageHeader{ID: id, Tag: codec.TagBTreeLeaf}
	codec.MarshalPageHeader(&h, buf)
	codec.SetPageChecksum(buf)
	return nil
}

func (s *memStore) WritePage(id common.PageID, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.pages[id] = cp
	return nil
}

func (s *memStore) PageSize() int { return s.pageSize }

// fakeLog assigns monotonically increasing LSNs and always reports flush
// as immediately successful.
type fakeLog struct {
	mu  sync.Mutex
	off uint64
}

func (l *fakeLog) Append(rec *codec.LogRecord) (common.LSN, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.off++
	lsn := common.LSN{Partition: 0, Offset: l.off}
	rec.OwnLSN = lsn
	return lsn, nil
}

func (l *fakeLog) FlushUntil(common.LSN) error { return nil }

// counterAlloc hands out sequential page ids starting above the root.
type counterAlloc struct {
	mu   sync.Mutex
	next common.PageID
}

func (a *counterAlloc) Allocate() (common.PageID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.next++
	return a.next, nil
}

func newTestTree(t *testing.T, pageSize int) *Tree {
	t.Helper()
	store := newMemStore(pageSize)
	log := &fakeLog{}
	alloc := &counterAlloc{next: 0}
	pool := buffer.New(store, log, buffer.Config{Capacity: 64}, nil)
	tree, err := Create(pool, log, alloc, common.StoreID(1), pageSize)
	if err != nil {
		t.Fatalf("create tree: %v", err)
	}
	return tree
}

func TestInsertAndSearch(t *testing.T) {
	tree := newTestTree(t, codec.DefaultPageSize)
	tx := common.TxID(1)

	entries := map[string]string{"a1": "d1", "aa2": "d2", "aaaa3": "d3"}
	for k, v := range entries {
		if _, err := tree.Insert(tx, common.NullLSN, []byte(k), []byte(v)); err != nil {
			t.Fatalf("insert %q: %v", k, err)
		}
	}
	for k, v := range entries {
		got, err := tree.Search([]byte(k))
		if err != nil {
			t.Fatalf("search %q: %v", k, err)
		}
		if string(got) != v {
			t.Fatalf("search %q = %q, want %q", k, got, v)
		}
	}
}

func TestForwardScanOrder(t *testing.T) {
	tree := newTestTree(t, codec.DefaultPageSize)
	tx := common.TxID(1)
	keys := []string{"aa3", "aa1", "aa2"}
	for _, k := range keys {
		if _, err := tree.Insert(tx, common.NullLSN, []byte(k), []byte("v-"+k)); err != nil {
			t.Fatalf("insert %q: %v", k, err)
		}
	}

	c, err := tree.NewCursor(Forward, nil)
	if err != nil {
		t.Fatalf("new cursor: %v", err)
	}
	var got []string
	for c.Valid() {
		got = append(got, string(c.Key()))
		if err := c.Next(); err != nil {
			t.Fatalf("next: %v", err)
		}
	}
	want := []string{"aa1", "aa2", "aa3"}
	if len(got) != len(want) {
		t.Fatalf("scan returned %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("scan[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestDeleteThenSearchNotFound(t *testing.T) {
	tree := newTestTree(t, codec.DefaultPageSize)
	tx := common.TxID(1)
	if _, err := tree.Insert(tx, common.NullLSN, []byte("k"), []byte("v")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := tree.Delete(tx, common.NullLSN, []byte("k")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := tree.Search([]byte("k")); err == nil {
		t.Fatalf("expected not-found after delete")
	}
}

func TestSplitUnderSmallPageBudget(t *testing.T) {
	// A tiny page forces splits after only a few inserts.
	tree := newTestTree(t, codec.MinPageSize)
	tx := common.TxID(1)
	for i := 0; i < 200; i++ {
		k := []byte{byte(i >> 8), byte(i)}
		if _, err := tree.Insert(tx, common.NullLSN, k, []byte("value-payload-for-key")); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	for i := 0; i < 200; i++ {
		k := []byte{byte(i >> 8), byte(i)}
		got, err := tree.Search(k)
		if err != nil {
			t.Fatalf("search %d: %v", i, err)
		}
		if string(got) != "value-payload-for-key" {
			t.Fatalf("search %d wrong value: %q", i, got)
		}
	}
	if err := tree.Verify(); err != nil {
		t.Fatalf("verify: %v", err)
	}
}
