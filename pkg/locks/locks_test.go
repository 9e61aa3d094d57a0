package locks

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestLockSerializesSameKey tests that two holders of the same key never overlap
func TestLockSerializesSameKey(t *testing.T) {
	k := New()
	var inCritical int
	var maxSeen int
	var mu sync.Mutex

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			k.Lock("job-1")
			defer k.Unlock("job-1")

			mu.Lock()
			inCritical++
			if inCritical > maxSeen {
				maxSeen = inCritical
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inCritical--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen)
	assert.Equal(t, 0, k.Len(), "entries released when last holder exits")
}

// TestDifferentKeysDoNotContend tests independent keys proceed concurrently
func TestDifferentKeysDoNotContend(t *testing.T) {
	k := New()
	k.Lock("repo-a")
	defer k.Unlock("repo-a")

	done := make(chan struct{})
	go func() {
		k.Lock("repo-b")
		k.Unlock("repo-b")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different key blocked")
	}
}

// TestTryLock tests non-blocking acquisition
func TestTryLock(t *testing.T) {
	k := New()

	assert.True(t, k.TryLock("pool-x"))
	assert.False(t, k.TryLock("pool-x"), "held key must not be re-acquired")
	assert.True(t, k.TryLock("pool-y"))

	k.Unlock("pool-x")
	assert.True(t, k.TryLock("pool-x"))

	k.Unlock("pool-x")
	k.Unlock("pool-y")
	assert.Equal(t, 0, k.Len())
}

// TestUnlockUnheldPanics tests misuse is loud
func TestUnlockUnheldPanics(t *testing.T) {
	k := New()
	assert.Panics(t, func() { k.Unlock("never-locked") })
}
