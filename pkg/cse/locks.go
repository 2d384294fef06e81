package cse

import "sync"

// lockTable hands out one mutex per resource identifier so the dispatcher
// can serialize the validate-commit-publish sequence of conflicting
// requests. Entries are reference counted and dropped when idle.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*riLock
}

type riLock struct {
	sync.Mutex
	refs int
}

// lock blocks until the identifier's mutex is held and returns the release
// function.
func (t *lockTable) lock(ri string) func() {
	t.mu.Lock()
	if t.locks == nil {
		t.locks = make(map[string]*riLock)
	}
	l := t.locks[ri]
	if l == nil {
		l = &riLock{}
		t.locks[ri] = l
	}
	l.refs++
	t.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		t.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(t.locks, ri)
		}
		t.mu.Unlock()
	}
}
