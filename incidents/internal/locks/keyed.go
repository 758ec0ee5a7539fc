package locks

import (
	"context"
	"sync"
)

type keyEntry struct {
	ch   chan struct{}
	refs int
}

// KeyedMutex is an in-process Locker. Entries are dropped once no caller
// holds or waits for them.
type KeyedMutex struct {
	mu      sync.Mutex
	entries map[string]*keyEntry
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{entries: make(map[string]*keyEntry)}
}

func (k *KeyedMutex) ref(key string) *keyEntry {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.entries[key]
	if !ok {
		e = &keyEntry{ch: make(chan struct{}, 1)}
		k.entries[key] = e
	}
	e.refs++
	return e
}

func (k *KeyedMutex) unref(key string, e *keyEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
}

func (k *KeyedMutex) release(key string, e *keyEntry) Unlock {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			k.unref(key, e)
		})
	}
}

// Lock blocks until key is free or ctx is done.
func (k *KeyedMutex) Lock(ctx context.Context, key string) (Unlock, error) {
	e := k.ref(key)
	select {
	case e.ch <- struct{}{}:
		return k.release(key, e), nil
	case <-ctx.Done():
		k.unref(key, e)
		return nil, ctx.Err()
	}
}

// TryLock acquires key only if nobody holds it.
func (k *KeyedMutex) TryLock(_ context.Context, key string) (Unlock, bool, error) {
	e := k.ref(key)
	select {
	case e.ch <- struct{}{}:
		return k.release(key, e), true, nil
	default:
		k.unref(key, e)
		return nil, false, nil
	}
}

// Held reports the number of keys currently tracked.
func (k *KeyedMutex) Held() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}
