package keylock

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLock_SerializesSameKey(t *testing.T) {
	m := New()
	var inside, maxInside int32
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := m.Lock("rx-1|2024-01-15T08:00:00Z")
			defer unlock()

			n := atomic.AddInt32(&inside, 1)
			for {
				cur := atomic.LoadInt32(&maxInside)
				if n <= cur || atomic.CompareAndSwapInt32(&maxInside, cur, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Equal(t, 0, m.Len())
}

func TestLock_DisjointKeysDoNotBlock(t *testing.T) {
	m := New()
	unlockA := m.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := m.Lock("b")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on disjoint key blocked")
	}
}

func TestLock_ReleaseIsIdempotent(t *testing.T) {
	m := New()
	unlock := m.Lock("k")
	unlock()
	unlock()

	assert.Equal(t, 0, m.Len())
	relock := m.Lock("k")
	relock()
}

func TestRLock_SharedHoldersExcludeWriter(t *testing.T) {
	m := New()
	r1 := m.RLock("rx-1")
	r2 := m.RLock("rx-1")

	locked := make(chan struct{})
	go func() {
		unlock := m.Lock("rx-1")
		close(locked)
		unlock()
	}()

	r1()
	select {
	case <-locked:
		t.Fatal("writer entered while a reader held the key")
	case <-time.After(20 * time.Millisecond):
	}
	r2()
	select {
	case <-locked:
	case <-time.After(time.Second):
		t.Fatal("writer never acquired the key")
	}
	assert.Eventually(t, func() bool { return m.Len() == 0 }, time.Second, time.Millisecond)
}
