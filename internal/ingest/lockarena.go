package ingest

import (
	"sync"

	"github.com/google/uuid"
)

// LockArena hands out one mutex per source id and forgets it once nobody
// holds or waits on it.
type LockArena struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*arenaLock
}

type arenaLock struct {
	mu   sync.Mutex
	refs int
}

func NewLockArena() *LockArena {
	return &LockArena{locks: make(map[uuid.UUID]*arenaLock)}
}

// TryLock acquires the lock for id without waiting. The returned func
// releases it.
func (a *LockArena) TryLock(id uuid.UUID) (unlock func(), ok bool) {
	a.mu.Lock()
	l, exists := a.locks[id]
	if !exists {
		l = &arenaLock{}
		a.locks[id] = l
	}
	l.refs++
	a.mu.Unlock()

	if !l.mu.TryLock() {
		a.release(id, l)
		return nil, false
	}
	return func() {
		l.mu.Unlock()
		a.release(id, l)
	}, true
}

func (a *LockArena) release(id uuid.UUID, l *arenaLock) {
	a.mu.Lock()
	defer a.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(a.locks, id)
	}
}

// Len reports how many ids currently have a lock entry.
func (a *LockArena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.locks)
}
