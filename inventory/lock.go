package inventory

import (
	"sort"
	"sync"
)

// PoolLocker serializes reconciliation and adjustment per pool inside one
// process. Cross-process exclusion is the store's job (TxOptions.LockKeys).
type PoolLocker struct {
	mu    sync.Mutex
	locks map[PoolID]*sync.Mutex
}

func NewPoolLocker() *PoolLocker {
	return &PoolLocker{locks: make(map[PoolID]*sync.Mutex)}
}

func (l *PoolLocker) get(id PoolID) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[id]
	if !ok {
		m = &sync.Mutex{}
		l.locks[id] = m
	}
	return m
}

// Lock acquires the given pools in ascending id order and returns the
// matching unlock func.
func (l *PoolLocker) Lock(ids ...PoolID) func() {
	sorted := make([]PoolID, 0, len(ids))
	seen := make(map[PoolID]bool, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			sorted = append(sorted, id)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	held := make([]*sync.Mutex, 0, len(sorted))
	for _, id := range sorted {
		m := l.get(id)
		m.Lock()
		held = append(held, m)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}

func lockKeys(ids []PoolID) []string {
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, PoolLockKey(id))
	}
	sort.Strings(keys)
	return keys
}
