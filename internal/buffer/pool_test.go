package buffer

import (
	"sync"

	"github.com/kvarchive/engine/internal/codec"
	"github.com/kvarchive/engine/internal/common"
)

// fakeStore is an in-memory PageStore for tests.
type fakeStore struct {
	mu       sync.Mutex
	pages    map[common.PageID][]byte
	pageSize int
	writes   []common.PageID
}

func newFakeStore(pageSize int) *fakeStore {
	return &fakeStore{pages: make(map[common.PageID][]byte), pageSize: pageSize}
}

func (s *fakeStore) ReadPage(id common.PageID, buf []byte) error {
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

func (s *fakeStore) WritePage(id common.PageID, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.pages[id] = cp
	s.writes = append(s.writes, id)
	return nil
}

func (s *fakeStore) PageSize() int { return s.pageSize }

// fakeLog always reports the flush as immediately successful and assigns
// every appended record (i.e. the page-write records flushLocked emits) a
// fixed, arbitrary LSN; tests here don't assert on it.
type fakeLog struct{}

func (fakeLog) FlushUntil(common.LSN) error { return nil }

func (fakeLog) Append(rec *codec.LogRecord) (common.LSN, error) {
	rec.OwnLSN = common.LSN{Offset: 1}
	return rec.OwnLSN, nil
}

// fakeTracker records Update calls.
type fakeTracker struct {
	mu  sync.Mutex
	got common.LSN
}

func (t *fakeTracker) Update(lsn common.LSN) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.got = lsn
}
