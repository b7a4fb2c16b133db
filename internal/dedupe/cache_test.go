// ABOUTME: Tests for the bounded dedupe cache used by the gateway session.
// ABOUTME: Validates first-seen semantics, FIFO eviction, and concurrency safety.

package dedupe

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCache_MarkSeen_FirstTime(t *testing.T) {
	cache := New(100)

	assert.True(t, cache.MarkSeen("msg-1"))
	assert.True(t, cache.Contains("msg-1"))
}

func TestCache_MarkSeen_Duplicate(t *testing.T) {
	cache := New(100)

	assert.True(t, cache.MarkSeen("msg-1"))
	assert.False(t, cache.MarkSeen("msg-1"))
	assert.False(t, cache.MarkSeen("msg-1"))
	assert.Equal(t, 1, cache.Len())
}

func TestCache_Contains_NeverSeen(t *testing.T) {
	cache := New(100)

	assert.False(t, cache.Contains("never-seen"))
}

func TestCache_EvictsOldestAtCapacity(t *testing.T) {
	cache := New(3)

	assert.True(t, cache.MarkSeen("a"))
	assert.True(t, cache.MarkSeen("b"))
	assert.True(t, cache.MarkSeen("c"))

	// Adding a fourth entry evicts "a", the oldest.
	assert.True(t, cache.MarkSeen("d"))
	assert.False(t, cache.Contains("a"))
	assert.True(t, cache.Contains("b"))
	assert.True(t, cache.Contains("d"))
	assert.Equal(t, 3, cache.Len())

	// "a" was evicted, so marking it again counts as first-seen.
	assert.True(t, cache.MarkSeen("a"))
}

func TestCache_DuplicateDoesNotRefreshPosition(t *testing.T) {
	cache := New(2)

	cache.MarkSeen("a")
	cache.MarkSeen("b")

	// Duplicate mark of "a" must not move it to the newest position.
	assert.False(t, cache.MarkSeen("a"))

	// "a" is still the oldest entry and gets evicted first.
	cache.MarkSeen("c")
	assert.False(t, cache.Contains("a"))
	assert.True(t, cache.Contains("b"))
}

func TestCache_FullWindowExample(t *testing.T) {
	cache := New(DefaultMaxSize)

	for i := 1; i <= DefaultMaxSize; i++ {
		assert.True(t, cache.MarkSeen(fmt.Sprintf("m%d", i)))
	}

	// m1 is already present.
	assert.False(t, cache.MarkSeen("m1"))

	// m1001 is new; it evicts m1.
	assert.True(t, cache.MarkSeen("m1001"))
	assert.False(t, cache.Contains("m1"))
	assert.True(t, cache.Contains("m2"))
	assert.Equal(t, DefaultMaxSize, cache.Len())
}

func TestCache_DefaultSize(t *testing.T) {
	cache := New(0)

	assert.Equal(t, DefaultMaxSize, cache.maxSize)
}

func TestCache_ConcurrentAccess(t *testing.T) {
	cache := New(1000)

	var wg sync.WaitGroup
	var mu sync.Mutex
	firstSeen := 0

	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				if cache.MarkSeen(fmt.Sprintf("key-%d", i)) {
					mu.Lock()
					firstSeen++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	// Each distinct key counts as first-seen exactly once across goroutines.
	assert.Equal(t, 100, firstSeen)
}
