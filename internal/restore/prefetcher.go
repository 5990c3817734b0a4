package restore

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kvarchive/engine/internal/common/daemon"
)

// slotState mirrors the original BackupPrefetcher's slot array
// (_examples/original_source/src/sm/backup_reader.h): a segment buffer
// moves FREE -> READING -> FIXED -> UNFIXED -> (evictable back to FREE).
type slotState int

const (
	slotFree slotState = iota
	slotReading
	slotFixed
	slotUnfixed
)

type slot struct {
	state    slotState
	data     []byte
	refs     int
	attempts int
	ready    chan struct{}
}

// fetchFunc performs the actual segment read (a plain pread against the
// backup file); BackupPrefetcher adds caching, request coalescing and a
// bounded-concurrency dispatcher on top of it.
type fetchFunc func(Segment) ([]byte, error)

// BackupPrefetcher maintains a bounded cache of prefetched segments "like a
// buffer pool for segments" (spec §4.K step 1), backed by a FIFO request
// queue with priority-insertion for on-demand fixes. Concurrent in-flight
// reads are bounded by a weighted semaphore rather than a fixed goroutine
// pool, so Prefetch hints that arrive faster than the backup device can
// serve them simply queue instead of spawning unbounded readers.
type BackupPrefetcher struct {
	mu       sync.Mutex
	cond     *sync.Cond
	slots    map[Segment]*slot
	order    []Segment // insertion order, for eviction of unfixed slots
	capacity int
	queue    []Segment
	queued   map[Segment]bool

	fetch   fetchFunc
	sem     *semaphore.Weighted
	ctrl    *daemon.Control
	wg      sync.WaitGroup
}

// NewBackupPrefetcher builds a prefetcher caching up to capacity segments,
// with at most concurrency reads in flight at once.
func NewBackupPrefetcher(fetch fetchFunc, capacity int, concurrency int64) *BackupPrefetcher {
	p := &BackupPrefetcher{
		slots:    make(map[Segment]*slot),
		capacity: capacity,
		queued:   make(map[Segment]bool),
		fetch:    fetch,
		sem:      semaphore.NewWeighted(concurrency),
		ctrl:     daemon.New(),
	}
	p.cond = sync.NewCond(&p.mu)
	p.wg.Add(1)
	go p.dispatch()
	return p
}

// Prefetch enqueues a background fetch for s. priority > 0 jumps the
// request to the front of the queue, matching the on-demand-fix path's
// "priority-insertion" in the original.
func (p *BackupPrefetcher) Prefetch(s Segment, priority int) {
	p.mu.Lock()
	if p.queued[s] {
		if priority > 0 {
			p.moveToFrontLocked(s)
		}
		p.mu.Unlock()
		return
	}
	if sl, ok := p.slots[s]; ok && sl.state != slotFree {
		// Already cached, or already being fetched right now by the
		// dispatcher: nothing left to schedule.
		p.mu.Unlock()
		return
	}
	p.enqueueLocked(s, priority > 0)
	p.mu.Unlock()
	p.ctrl.Activate()
}

func (p *BackupPrefetcher) enqueueLocked(s Segment, front bool) {
	p.queued[s] = true
	if front {
		p.queue = append([]Segment{s}, p.queue...)
	} else {
		p.queue = append(p.queue, s)
	}
	if _, ok := p.slots[s]; !ok {
		p.slots[s] = &slot{state: slotFree}
	}
}

func (p *BackupPrefetcher) moveToFrontLocked(s Segment) {
	for i, q := range p.queue {
		if q == s {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			break
		}
	}
	p.queue = append([]Segment{s}, p.queue...)
}

// Fix returns s's cached bytes, triggering and waiting for a fetch if
// necessary. A Fix always jumps the request queue (spec §4.K: "priority
// insertion for on-demand fixes").
func (p *BackupPrefetcher) Fix(s Segment) ([]byte, error) {
	p.mu.Lock()
	sl, ok := p.slots[s]
	if !ok {
		sl = &slot{state: slotFree}
		p.slots[s] = sl
	}
	switch sl.state {
	case slotFixed, slotUnfixed:
		sl.state = slotFixed
		sl.refs++
		data := sl.data
		p.mu.Unlock()
		return data, nil
	case slotReading:
		// Still waiting in queue: jump it to the front. If it's no longer
		// in the queue, the dispatcher has already started fetching it;
		// just wait for the in-flight read instead of scheduling a
		// redundant one.
		ready := sl.ready
		if p.queued[s] {
			p.moveToFrontLocked(s)
		}
		p.mu.Unlock()
		p.ctrl.Activate()
		<-ready
		return p.Fix(s)
	default: // slotFree
		attempts := sl.attempts
		sl.state = slotReading
		sl.ready = make(chan struct{})
		if !p.queued[s] {
			p.enqueueLocked(s, true)
		} else {
			p.moveToFrontLocked(s)
		}
		ready := sl.ready
		p.mu.Unlock()
		if attempts > 0 {
			time.Sleep(backoff(attempts))
		}
		p.ctrl.Activate()
		<-ready
		return p.Fix(s)
	}
}

// Unfix releases a reference taken by Fix. A slot at zero refs becomes
// evictable but its bytes stay cached until eviction is needed.
func (p *BackupPrefetcher) Unfix(s Segment) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sl, ok := p.slots[s]; ok && sl.refs > 0 {
		sl.refs--
		if sl.refs == 0 {
			sl.state = slotUnfixed
		}
	}
}

// dispatch is the prefetcher's ArchiverControl-style worker loop: pop the
// front request, bound in-flight reads with the semaphore, fetch, publish.
func (p *BackupPrefetcher) dispatch() {
	defer p.wg.Done()
	ctx := context.Background()
	for p.ctrl.WaitActivated() {
		p.mu.Lock()
		if len(p.queue) == 0 {
			p.ctrl.Deactivate()
			p.mu.Unlock()
			continue
		}
		s := p.queue[0]
		p.queue = p.queue[1:]
		delete(p.queued, s)
		sl := p.slots[s]
		if sl.state == slotFree {
			sl.state = slotReading
			sl.ready = make(chan struct{})
		}
		p.mu.Unlock()

		if err := p.sem.Acquire(ctx, 1); err != nil {
			continue
		}
		data, err := p.fetch(s)
		p.sem.Release(1)

		p.mu.Lock()
		if err != nil {
			// Leave the slot free so a later Fix/Prefetch retries, with
			// exponential backoff (spec §4.K: "a backup read error retries
			// with exponential backoff").
			sl.state = slotFree
			sl.attempts++
		} else {
			sl.data = data
			sl.state = slotFixed
			sl.attempts = 0
			p.order = append(p.order, s)
			p.evictIfOverCapacityLocked()
		}
		close(sl.ready)
		p.mu.Unlock()
	}
}

// backoff computes a capped exponential delay for the n'th consecutive
// backup read failure on one segment.
func backoff(n int) time.Duration {
	d := 25 * time.Millisecond
	for i := 0; i < n && d < 2*time.Second; i++ {
		d *= 2
	}
	if d > 2*time.Second {
		d = 2 * time.Second
	}
	return d
}

// evictIfOverCapacityLocked drops the oldest unfixed slot once the cache
// exceeds capacity. Caller must hold p.mu.
func (p *BackupPrefetcher) evictIfOverCapacityLocked() {
	for len(p.slots) > p.capacity {
		evicted := false
		for i, s := range p.order {
			sl := p.slots[s]
			if sl != nil && sl.state == slotUnfixed {
				delete(p.slots, s)
				p.order = append(p.order[:i], p.order[i+1:]...)
				evicted = true
				break
			}
		}
		if !evicted {
			return
		}
	}
}

// Finish shuts down the dispatcher goroutine and waits for it to exit.
func (p *BackupPrefetcher) Finish() error {
	p.ctrl.Shutdown()
	p.wg.Wait()
	return nil
}
