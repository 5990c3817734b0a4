// Package daemon implements the ArchiverControl synchronization pattern used
// by every background worker in this engine (log flusher, archiver stages,
// merge daemon, page cleaner, checkpointer, restart worker, restore
// scheduler, backup prefetcher): a mutex + condition variable gated by a
// boolean "activated" flag and a shared shutdown flag.
//
// Grounded on _examples/original_source/src/sm/logarchiver.h's
// ArchiverControl, and on the worker-pool/pipeline shapes in
// internal/storage/concurrency.go (teacher): one goroutine per stage,
// context-free explicit shutdown rather than context.Context cancellation,
// since each daemon's "current work unit" must be allowed to finish before
// it observes shutdown (spec §5, "Cancellation and timeouts").
package daemon

import "sync"

// Control gates a single daemon loop. The worker pattern is:
//
//	for {
//	    c.WaitActivated()
//	    if c.ShuttingDown() { return }
//	    doWork()
//	}
type Control struct {
	mu        sync.Mutex
	cond      *sync.Cond
	activated bool
	shutdown  bool
}

// New returns a fresh, inactive Control.
func New() *Control {
	c := &Control{}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Activate wakes the worker and requests it process its next unit of work.
// Matches ReaderThread::activate(startLSN, endLSN) in the original: the
// caller sets up whatever shared state the worker reads (e.g. endLSN) before
// calling Activate, under its own lock if that state isn't already
// protected by Control's mutex.
func (c *Control) Activate() {
	c.mu.Lock()
	c.activated = true
	c.mu.Unlock()
	c.cond.Broadcast()
}

// WaitActivated blocks until Activate or Shutdown has been called since the
// last WaitActivated/Deactivate. Returns false if the daemon should exit.
func (c *Control) WaitActivated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for !c.activated && !c.shutdown {
		c.cond.Wait()
	}
	return !c.shutdown
}

// Deactivate clears the activated flag once a work unit completes, so the
// next WaitActivated blocks again until explicitly re-activated.
func (c *Control) Deactivate() {
	c.mu.Lock()
	c.activated = false
	c.mu.Unlock()
}

// Shutdown requests every waiter to wake and exit. It does not interrupt
// work already in flight — callers must still observe ShuttingDown() at
// their own loop boundaries (spec §5).
func (c *Control) Shutdown() {
	c.mu.Lock()
	c.shutdown = true
	c.mu.Unlock()
	c.cond.Broadcast()
}

// ShuttingDown reports whether Shutdown has been called.
func (c *Control) ShuttingDown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shutdown
}
