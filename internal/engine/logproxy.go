package engine

import (
	"sync"

	"github.com/kvarchive/engine/internal/codec"
	"github.com/kvarchive/engine/internal/common"
)

// logFlusherProxy lets a buffer.Pool be constructed before the *walog.Log
// it will eventually flush through exists: restart.Restart takes an
// already-built Pool but only resumes the log internally, so OpenVolume
// must hand the pool something satisfying buffer.LogFlusher up front and
// bind it to the real, resumed log once Restart returns.
type logFlusherProxy struct {
	mu  sync.RWMutex
	log interface {
		FlushUntil(common.LSN) error
		Append(*codec.LogRecord) (common.LSN, error)
	}
}

func (p *logFlusherProxy) bind(l interface {
	FlushUntil(common.LSN) error
	Append(*codec.LogRecord) (common.LSN, error)
}) {
	p.mu.Lock()
	p.log = l
	p.mu.Unlock()
}

func (p *logFlusherProxy) FlushUntil(lsn common.LSN) error {
	p.mu.RLock()
	l := p.log
	p.mu.RUnlock()
	if l == nil {
		return nil
	}
	return l.FlushUntil(lsn)
}

func (p *logFlusherProxy) Append(rec *codec.LogRecord) (common.LSN, error) {
	p.mu.RLock()
	l := p.log
	p.mu.RUnlock()
	if l == nil {
		return common.LSN{}, nil
	}
	return l.Append(rec)
}

// oldestProxy mirrors logFlusherProxy for the pool's walogOldestSetter
// hook, bound to the resumed log's real OldestLSNTracker once known.
type oldestProxy struct {
	mu      sync.RWMutex
	tracker interface{ Update(common.LSN) }
}

func (p *oldestProxy) bind(t interface{ Update(common.LSN) }) {
	p.mu.Lock()
	p.tracker = t
	p.mu.Unlock()
}

func (p *oldestProxy) Update(lsn common.LSN) {
	p.mu.RLock()
	t := p.tracker
	p.mu.RUnlock()
	if t != nil {
		t.Update(lsn)
	}
}
