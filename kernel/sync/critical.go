package sync

// InterruptController masks and restores maskable interrupts on the current
// CPU.
type InterruptController interface {
	// DisableInterrupts masks interrupts and returns the previous interrupt
	// state.
	DisableInterrupts() uintptr

	// RestoreInterrupts restores a state returned by DisableInterrupts.
	RestoreInterrupts(state uintptr)
}

// CriticalSection serializes access to memory manager state. Entering it
// masks interrupts, so code running inside cannot be preempted by an
// interrupt handler that touches the same structures, and then acquires a
// spinlock.
//
// A CriticalSection is not re-entrant.
type CriticalSection struct {
	ic   InterruptController
	lock Spinlock
}

// Init attaches the critical section to an interrupt controller.
func (cs *CriticalSection) Init(ic InterruptController) {
	cs.ic = ic
}

// Enter masks interrupts and acquires the lock. The returned value must be
// passed to the matching Leave call.
func (cs *CriticalSection) Enter() uintptr {
	var state uintptr
	if cs.ic != nil {
		state = cs.ic.DisableInterrupts()
	}
	cs.lock.Acquire()
	return state
}

// Leave releases the lock and restores the interrupt state saved by Enter.
func (cs *CriticalSection) Leave(state uintptr) {
	cs.lock.Release()
	if cs.ic != nil {
		cs.ic.RestoreInterrupts(state)
	}
}
