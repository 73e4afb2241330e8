package store

import "sync"

// RerunLocks serializes reruns per submission id. A second rerun for the
// same id while one is in flight is rejected, not queued.
type RerunLocks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewRerunLocks() *RerunLocks {
	return &RerunLocks{held: make(map[string]struct{})}
}

// TryLock acquires the lock for id if free. Never blocks.
func (r *RerunLocks) TryLock(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.held[id]; busy {
		return false
	}
	r.held[id] = struct{}{}
	return true
}

// Unlock releases the lock for id. Unlocking an unheld id is a no-op.
func (r *RerunLocks) Unlock(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.held, id)
}
