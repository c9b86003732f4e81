package sync

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSpinlock(t *testing.T) {
	// Substitute the yieldFn with runtime.Gosched to avoid deadlocks while testing
	defer func(origYieldFn func()) { yieldFn = origYieldFn }(yieldFn)
	yieldFn = runtime.Gosched

	var (
		sl         Spinlock
		wg         sync.WaitGroup
		numWorkers = 10
	)

	sl.Acquire()

	if sl.TryToAcquire() != false {
		t.Error("expected TryToAcquire to return false when lock is held")
	}

	wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go func(worker int) {
			sl.Acquire()
			sl.Release()
			wg.Done()
		}(i)
	}

	<-time.After(100 * time.Millisecond)
	sl.Release()
	wg.Wait()

	if !sl.TryToAcquire() {
		t.Error("expected TryToAcquire to succeed on a released lock")
	}
}

type mockController struct {
	enabled  int32
	disables int32
}

func (c *mockController) DisableInterrupts() uintptr {
	atomic.AddInt32(&c.disables, 1)
	return uintptr(atomic.SwapInt32(&c.enabled, 0))
}

func (c *mockController) RestoreInterrupts(state uintptr) {
	atomic.StoreInt32(&c.enabled, int32(state))
}

func TestCriticalSection(t *testing.T) {
	defer func(origYieldFn func()) { yieldFn = origYieldFn }(yieldFn)
	yieldFn = runtime.Gosched

	t.Run("interrupt state", func(t *testing.T) {
		ic := &mockController{enabled: 1}

		var cs CriticalSection
		cs.Init(ic)

		state := cs.Enter()
		if ic.enabled != 0 {
			t.Fatal("expected interrupts to be masked inside the critical section")
		}
		cs.Leave(state)

		if ic.enabled != 1 {
			t.Fatal("expected interrupts to be restored after leaving the critical section")
		}

		// interrupts that were already masked stay masked
		ic.enabled = 0
		cs.Leave(cs.Enter())
		if ic.enabled != 0 {
			t.Fatal("expected interrupts to remain masked")
		}
	})

	t.Run("mutual exclusion", func(t *testing.T) {
		var (
			cs         CriticalSection
			wg         sync.WaitGroup
			counter    int
			numWorkers = 8
			iterations = 500
		)
		cs.Init(&mockController{enabled: 1})

		wg.Add(numWorkers)
		for i := 0; i < numWorkers; i++ {
			go func() {
				defer wg.Done()
				for j := 0; j < iterations; j++ {
					state := cs.Enter()
					counter++
					cs.Leave(state)
				}
			}()
		}
		wg.Wait()

		if exp := numWorkers * iterations; counter != exp {
			t.Fatalf("expected counter to be %d; got %d", exp, counter)
		}
	})

	t.Run("without controller", func(t *testing.T) {
		var cs CriticalSection
		cs.Leave(cs.Enter())
	})
}
