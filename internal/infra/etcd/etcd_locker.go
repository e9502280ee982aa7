// internal/infra/etcd/etcd_locker.go
package etcd

import (
	"context"
	"fmt"
	"time"

	"batchops/internal/domain"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

const (
	// LockPrefix roots every advisory lock BatchOps takes over an Upload,
	// preventing two worker processes from running overlapping pipeline
	// stages for the same upload concurrently.
	LockPrefix = "/batchops/locks/uploads/"
	// LockSessionTTL bounds how long a lock survives its holder crashing
	// without releasing it.
	LockSessionTTL = 10 // seconds
)

// etcdLock implements domain.Lock.
type etcdLock struct {
	mutex   *concurrency.Mutex
	session *concurrency.Session
	name    string
}

// Unlock releases the lock and closes its backing session, freeing the
// lease immediately rather than waiting out its TTL.
func (l *etcdLock) Unlock(ctx context.Context) error {
	defer func() {
		if l.session != nil {
			_ = l.session.Close()
		}
	}()

	if err := l.mutex.Unlock(ctx); err != nil {
		return fmt.Errorf("failed to unlock %s: %w", l.name, err)
	}
	return nil
}

// etcdLocker implements domain.Locker over an etcd session-backed mutex.
type etcdLocker struct {
	client *clientv3.Client
}

// NewEtcdLocker creates a new etcdLocker instance.
func NewEtcdLocker(client *clientv3.Client) domain.Locker {
	return &etcdLocker{client: client}
}

// Lock attempts to acquire an advisory lock for name (typically an Upload
// ID), returning domain.ErrLockNotAcquired if another worker already holds
// it.
func (l *etcdLocker) Lock(ctx context.Context, name string) (domain.Lock, error) {
	// Each attempt gets its own session so the lock is released
	// automatically if the holder's process dies without unlocking.
	session, err := concurrency.NewSession(l.client, concurrency.WithTTL(LockSessionTTL))
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd session for lock %s: %w", name, err)
	}

	mutex := concurrency.NewMutex(session, LockPrefix+name)

	tryCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()

	if err := mutex.TryLock(tryCtx); err != nil {
		_ = session.Close()
		if err == concurrency.ErrLocked || err == context.DeadlineExceeded {
			return nil, domain.ErrLockNotAcquired
		}
		return nil, fmt.Errorf("failed to try acquiring etcd lock %s: %w", name, err)
	}

	return &etcdLock{
		mutex:   mutex,
		session: session,
		name:    name,
	}, nil
}
