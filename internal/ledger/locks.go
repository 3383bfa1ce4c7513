package ledger

import "sync"

// recordLocks serializes event creation per record without a global lock.
// Unrelated records append in parallel; two writers on the same record take
// the same mutex. Entries are never removed; the set of active records in
// one process stays small relative to the cost of refcounting.
type recordLocks struct {
	locks sync.Map
}

func (r *recordLocks) acquire(recordID string) *sync.Mutex {
	value, _ := r.locks.LoadOrStore(recordID, &sync.Mutex{})
	mu := value.(*sync.Mutex)
	mu.Lock()
	return mu
}
