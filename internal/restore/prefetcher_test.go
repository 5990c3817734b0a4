package restore

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestBackupPrefetcherFixReturnsFetchedBytes(t *testing.T) {
	var calls int32
	fetch := func(s Segment) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return []byte{byte(s), byte(s + 1)}, nil
	}
	p := NewBackupPrefetcher(fetch, 4, 2)
	defer p.Finish()

	got, err := p.Fix(1)
	if err != nil {
		t.Fatalf("fix: %v", err)
	}
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("got %v, want [1 2]", got)
	}
	p.Unfix(1)

	// A second Fix of the same segment must be served from cache, not
	// trigger a second fetch.
	if _, err := p.Fix(1); err != nil {
		t.Fatalf("second fix: %v", err)
	}
	p.Unfix(1)

	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("fetch called %d times, want 1", n)
	}
}

func TestBackupPrefetcherPrefetchWarmsCacheBeforeFix(t *testing.T) {
	var calls int32
	fetch := func(s Segment) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return []byte{42}, nil
	}
	p := NewBackupPrefetcher(fetch, 4, 2)
	defer p.Finish()

	p.Prefetch(7, 0)
	// Give the dispatcher a moment to service the hint before Fix arrives.
	time.Sleep(50 * time.Millisecond)

	got, err := p.Fix(7)
	if err != nil {
		t.Fatalf("fix: %v", err)
	}
	if len(got) != 1 || got[0] != 42 {
		t.Fatalf("got %v, want [42]", got)
	}
	p.Unfix(7)
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("fetch called %d times, want 1", n)
	}
}

func TestBackupPrefetcherRetriesAfterTransientFailure(t *testing.T) {
	var calls int32
	fetch := func(s Segment) ([]byte, error) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			return nil, errors.New("transient backup read error")
		}
		return []byte{9}, nil
	}
	p := NewBackupPrefetcher(fetch, 4, 2)
	defer p.Finish()

	got, err := p.Fix(2)
	if err != nil {
		t.Fatalf("fix: %v", err)
	}
	if len(got) != 1 || got[0] != 9 {
		t.Fatalf("got %v, want [9]", got)
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Fatalf("fetch called %d times, want 2 (one failure, one retry)", n)
	}
}
