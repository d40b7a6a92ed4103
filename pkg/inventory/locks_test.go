package inventory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedLocker_ExclusivePerKey(t *testing.T) {
	l := NewKeyedLocker("product")
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "A")
	require.NoError(t, err)

	// 別キーは並行して取得可能
	unlockB, err := l.Lock(ctx, "B")
	require.NoError(t, err)
	unlockB()

	acquired := make(chan struct{})
	go func() {
		u, err := l.Lock(ctx, "A")
		if err == nil {
			close(acquired)
			u()
		}
	}()

	select {
	case <-acquired:
		t.Fatal("同じキーのロックが二重に取得されました")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("ロック解放後も取得できません")
	}
}

func TestKeyedLocker_Timeout(t *testing.T) {
	l := NewKeyedLocker("product")

	unlock, err := l.Lock(context.Background(), "A")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = l.Lock(ctx, "A")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, KindInfrastructure, KindOf(err))
}

func TestKeyedLocker_CancelledIsConflict(t *testing.T) {
	l := NewKeyedLocker("purchase_order")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := l.Lock(ctx, "po-1")
	require.Error(t, err)
	assert.Equal(t, KindConflict, KindOf(err))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestKeyedLocker_LockAllReleasesEntries(t *testing.T) {
	l := NewKeyedLocker("product")

	unlock, err := l.LockAll(context.Background(), []string{"C", "A", "B", "A", ""})
	require.NoError(t, err)
	assert.Equal(t, 3, l.Held())

	unlock()
	unlock() // 二重解放は無視
	assert.Equal(t, 0, l.Held())
}

func TestKeyedLocker_LockAllNoDeadlock(t *testing.T) {
	l := NewKeyedLocker("product")
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		keys := []string{"A", "B", "C"}
		if i%2 == 0 {
			keys = []string{"C", "B", "A"}
		}
		wg.Add(1)
		go func(keys []string) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			unlock, err := l.LockAll(ctx, keys)
			if assert.NoError(t, err) {
				unlock()
			}
		}(keys)
	}
	wg.Wait()
	assert.Equal(t, 0, l.Held())
}

func TestSortedUnique(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, SortedUnique([]string{"c", "a", "", "b", "a"}))
	assert.Empty(t, SortedUnique(nil))
}
