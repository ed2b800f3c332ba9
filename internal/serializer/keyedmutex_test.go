package serializer

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	k := New()
	var inFlight int32
	var maxInFlight int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := k.Acquire("AAPL")
			defer release()

			cur := atomic.AddInt32(&inFlight, 1)
			for {
				max := atomic.LoadInt32(&maxInFlight)
				if cur <= max || atomic.CompareAndSwapInt32(&maxInFlight, max, cur) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, maxInFlight, "at most one task per key may run at a time")
}

func TestKeyedMutexDifferentKeysDoNotBlock(t *testing.T) {
	k := New()
	releaseA := k.Acquire("AAPL")
	defer releaseA()

	done := make(chan struct{})
	go func() {
		releaseB := k.Acquire("MSFT")
		defer releaseB()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("acquiring a different symbol must not block behind another symbol's holder")
	}
}

func TestKeyedMutexTryAcquire(t *testing.T) {
	k := New()
	release := k.Acquire("TRX")
	_, ok := k.TryAcquire("TRX")
	require.False(t, ok)
	release()

	release2, ok := k.TryAcquire("TRX")
	require.True(t, ok)
	release2()
}
