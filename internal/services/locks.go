package services

import (
	"sync"

	"github.com/google/uuid"
)

// recordLocks is a process-local map of escrow id -> held guard. Acquisition
// is non-blocking: a held guard fails immediately instead of queueing, so
// contention surfaces as ErrBusy rather than a lock convoy. The guard is a
// latency optimization only; the store's conditional commit remains the
// cross-process arbiter.
type recordLocks struct {
	mu   sync.Mutex
	held map[uuid.UUID]struct{}
}

func newRecordLocks() *recordLocks {
	return &recordLocks{held: make(map[uuid.UUID]struct{})}
}

func (l *recordLocks) TryAcquire(id uuid.UUID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[id]; ok {
		return false
	}
	l.held[id] = struct{}{}
	return true
}

func (l *recordLocks) Release(id uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, id)
}
