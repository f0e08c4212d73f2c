package propagate

import (
	"sort"
	"sync"
)

// pathLocks serialises work on the same path across parallel transfers.
// Entries live as long as the Propagator.
type pathLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newPathLocks() *pathLocks {
	return &pathLocks{locks: make(map[string]*sync.Mutex)}
}

// lock acquires the locks for every non-empty path in a fixed order and
// returns the matching unlock.
func (l *pathLocks) lock(paths ...string) func() {
	var keys []string

	for _, p := range paths {
		if p != "" {
			keys = append(keys, p)
		}
	}

	sort.Strings(keys)

	held := make([]*sync.Mutex, 0, len(keys))

	for i, k := range keys {
		if i > 0 && keys[i-1] == k {
			continue
		}

		l.mu.Lock()
		m, ok := l.locks[k]
		if !ok {
			m = &sync.Mutex{}
			l.locks[k] = m
		}
		l.mu.Unlock()

		m.Lock()
		held = append(held, m)
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}
