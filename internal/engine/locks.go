package engine

import "sync"

// accountLocks hands out one mutex per account id so that migration and
// sync passes for the same account never run concurrently, while passes
// for different accounts proceed in parallel.
type accountLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func newAccountLocks() *accountLocks {
	return &accountLocks{m: make(map[string]*sync.Mutex)}
}

// forAccount returns the mutex guarding accountID, creating it on first use.
// Locks are never removed; the set of accounts seen by one process is tiny.
func (l *accountLocks) forAccount(accountID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	mu, ok := l.m[accountID]
	if !ok {
		mu = &sync.Mutex{}
		l.m[accountID] = mu
	}
	return mu
}
