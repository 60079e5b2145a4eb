package storage

import (
	"context"
	"sync"
)

// Locker serializes mutations of a tenant repository. Lock blocks until the
// tenant's lock is held or ctx ends; the returned function releases it and
// is safe to call more than once.
type Locker interface {
	Lock(ctx context.Context, tenant string) (unlock func(), err error)
}

// MemoryLocker is a process-local Locker keyed by tenant.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]*tenantLock
}

type tenantLock struct {
	held chan struct{}
	refs int
}

// NewMemoryLocker constructs an empty in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]*tenantLock)}
}

func (l *MemoryLocker) Lock(ctx context.Context, tenant string) (func(), error) {
	l.mu.Lock()
	lock, ok := l.locks[tenant]
	if !ok {
		lock = &tenantLock{held: make(chan struct{}, 1)}
		l.locks[tenant] = lock
	}
	lock.refs++
	l.mu.Unlock()

	select {
	case lock.held <- struct{}{}:
	case <-ctx.Done():
		l.release(tenant, lock)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-lock.held
			l.release(tenant, lock)
		})
	}, nil
}

func (l *MemoryLocker) release(tenant string, lock *tenantLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock.refs--
	if lock.refs == 0 {
		delete(l.locks, tenant)
	}
}
