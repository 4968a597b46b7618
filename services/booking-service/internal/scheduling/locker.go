package scheduling

import (
	"context"
	"sync"

	"github.com/slotchain/slotchain/libs/db"
)

// ProviderLocker serializes availability saves per provider.
type ProviderLocker interface {
	Lock(ctx context.Context, providerID string) (unlock func(), err error)
}

// KeyedMutex is an in-process ProviderLocker.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	ch   chan struct{}
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: map[string]*keyedEntry{}}
}

func (k *KeyedMutex) Lock(ctx context.Context, providerID string) (func(), error) {
	k.mu.Lock()
	e, ok := k.locks[providerID]
	if !ok {
		e = &keyedEntry{ch: make(chan struct{}, 1)}
		k.locks[providerID] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(providerID, e)
		return nil, ctx.Err()
	}
	return func() {
		<-e.ch
		k.release(providerID, e)
	}, nil
}

func (k *KeyedMutex) release(providerID string, e *keyedEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, providerID)
	}
}

// AdvisoryLocker holds a Postgres session advisory lock per provider, so
// saves from different replicas are serialized too.
type AdvisoryLocker struct {
	pool *db.Pool
}

func NewAdvisoryLocker(pool *db.Pool) *AdvisoryLocker {
	return &AdvisoryLocker{pool: pool}
}

func (a *AdvisoryLocker) Lock(ctx context.Context, providerID string) (func(), error) {
	return a.pool.AdvisoryLock(ctx, "availability:"+providerID)
}
