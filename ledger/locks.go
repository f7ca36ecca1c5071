package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// KeyLocks serializes work on individual records. Each key is a one-slot
// channel so that waiting can be abandoned when ctx is cancelled. Entries are
// reference counted and dropped when nobody holds or waits for them.
type KeyLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func NewKeyLocks() *KeyLocks {
	return &KeyLocks{locks: make(map[string]*keyLock)}
}

func ClientKey(id ClientID) string { return fmt.Sprintf("client:%d", id) }
func ProductKey(id ProductID) string { return fmt.Sprintf("product:%d", id) }
func SaleKey(id SaleID) string { return fmt.Sprintf("sale:%d", id) }

// Acquire locks every key in sorted order and returns a func releasing them.
// Duplicate keys are locked once. On ctx cancellation, keys already taken are
// released and ctx.Err() is returned.
func (k *KeyLocks) Acquire(ctx context.Context, keys ...string) (func(), error) {
	sorted := uniqueSorted(keys)

	held := make([]*keyLock, 0, len(sorted))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			<-held[i].ch
		}
		k.mu.Lock()
		for i, key := range sorted[:len(held)] {
			k.unref(key, held[i])
		}
		k.mu.Unlock()
	}

	for _, key := range sorted {
		l := k.ref(key)
		select {
		case l.ch <- struct{}{}:
			held = append(held, l)
		case <-ctx.Done():
			k.mu.Lock()
			k.unref(key, l)
			k.mu.Unlock()
			release()
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}

func (k *KeyLocks) ref(key string) *keyLock {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	return l
}

// unref must be called with k.mu held.
func (k *KeyLocks) unref(key string, l *keyLock) {
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}

func uniqueSorted(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, key := range keys {
		if !seen[key] {
			seen[key] = true
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out
}
