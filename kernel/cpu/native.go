package cpu

import "unsafe"

// Native drives the real processor. It satisfies the machine capabilities
// required by the vmm, sync and kmem packages.
type Native struct{}

// ActivePDT returns the physical address loaded in CR3.
func (Native) ActivePDT() uintptr { return ActivePDT() }

// SwitchPDT loads CR3 with pdtPhysAddr.
func (Native) SwitchPDT(pdtPhysAddr uintptr) { SwitchPDT(pdtPhysAddr) }

// EnablePaging sets CR0.PG.
func (Native) EnablePaging() { EnablePaging() }

// FlushTLBEntry invalidates the translation for virtAddr.
func (Native) FlushTLBEntry(virtAddr uintptr) { FlushTLBEntry(virtAddr) }

// ReadCR2 returns the last faulting address.
func (Native) ReadCR2() uintptr { return ReadCR2() }

// DisableInterrupts disables interrupts and returns the previous flags.
func (Native) DisableInterrupts() uintptr { return SaveFlagsAndDisableInterrupts() }

// RestoreInterrupts restores the flags returned by DisableInterrupts.
func (Native) RestoreInterrupts(flags uintptr) { RestoreFlags(flags) }

// Pointer returns addr as a pointer. Addresses issued by the kernel are
// dereferenced as-is; the MMU (if enabled) performs the translation.
func (Native) Pointer(addr uintptr) unsafe.Pointer {
	return unsafe.Pointer(addr)
}
