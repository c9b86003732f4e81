// Package cpu exposes the privileged processor instructions used by the
// memory manager. The functions are implemented in assembly and fault if
// invoked outside ring 0.
package cpu

// EnableInterrupts enables interrupt handling.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// SaveFlagsAndDisableInterrupts returns the current value of the flags
// register and then disables interrupt handling.
func SaveFlagsAndDisableInterrupts() uintptr

// RestoreFlags loads the flags register with a value previously returned by
// SaveFlagsAndDisableInterrupts. Interrupts are re-enabled only if they were
// enabled when the flags were saved.
func RestoreFlags(flags uintptr)

// Halt stops instruction execution.
func Halt()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr

// EnablePaging sets the paging bit in CR0. From this point on, every memory
// access is translated using the page directory loaded in CR3.
func EnablePaging()

// ReadCR2 returns the value stored in the CR2 register.
func ReadCR2() uintptr
