package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"
)

// KeyedLocker provides mutual exclusion per key (product ID, purchase order ID).
// Waiting honours the context deadline.
// キー単位の排他制御
type KeyedLocker struct {
	name    string
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	sem  *semaphore.Weighted
	refs int
}

// NewKeyedLocker creates a locker; name is used in error messages
// 新しいキー単位ロックを作成
func NewKeyedLocker(name string) *KeyedLocker {
	return &KeyedLocker{
		name:    name,
		entries: make(map[string]*lockEntry),
	}
}

// Lock blocks until key is free or ctx is done. The returned func releases the lock.
// キーのロックを取得
func (l *KeyedLocker) Lock(ctx context.Context, key string) (func(), error) {
	entry := l.acquireEntry(key)

	if err := ctx.Err(); err != nil {
		l.releaseEntry(key, entry)
		return nil, l.lockError(key, err)
	}
	if err := entry.sem.Acquire(ctx, 1); err != nil {
		l.releaseEntry(key, entry)
		return nil, l.lockError(key, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			entry.sem.Release(1)
			l.releaseEntry(key, entry)
		})
	}, nil
}

// LockAll locks every distinct key in sorted order so that two callers with
// overlapping key sets cannot deadlock.
// 複数キーをソート順にロック
func (l *KeyedLocker) LockAll(ctx context.Context, keys []string) (func(), error) {
	ordered := SortedUnique(keys)
	unlocks := make([]func(), 0, len(ordered))
	unlockAll := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}

	for _, key := range ordered {
		unlock, err := l.Lock(ctx, key)
		if err != nil {
			unlockAll()
			return nil, err
		}
		unlocks = append(unlocks, unlock)
	}
	return unlockAll, nil
}

// Held returns the number of keys currently locked or waited on
func (l *KeyedLocker) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *KeyedLocker) acquireEntry(key string) *lockEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[key]
	if !ok {
		entry = &lockEntry{sem: semaphore.NewWeighted(1)}
		l.entries[key] = entry
	}
	entry.refs++
	return entry
}

func (l *KeyedLocker) releaseEntry(key string, entry *lockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.entries, key)
	}
}

func (l *KeyedLocker) lockError(key string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTimeoutError(l.name+"_lock", key)
	}
	return NewConcurrencyError(l.name+"_lock", key, "ロック取得が中断されました", fmt.Errorf("lock %s: %w", key, err))
}

// SortedUnique returns the distinct non-empty keys in ascending order
func SortedUnique(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
