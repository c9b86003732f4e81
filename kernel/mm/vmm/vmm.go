// Package vmm manages the hardware page tables: it bootstraps paging, edits
// the mappings of active and inactive address spaces and services page
// faults by backing untouched pages with fresh frames.
package vmm

import (
	"github.com/PSanf2/POS-C9/kernel"
	"github.com/PSanf2/POS-C9/kernel/mm"
)

var (
	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	// ErrUnallocatedAccess is reported when a page fault hits an address
	// that the installed FaultFilter does not own.
	ErrUnallocatedAccess = &kernel.Error{Module: "vmm", Message: "access to unallocated virtual address"}

	// ErrProtectionViolation is reported when a page fault hits a present
	// page.
	ErrProtectionViolation = &kernel.Error{Module: "vmm", Message: "page protection violation"}

	errNoHugePageSupport   = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
	errNotBootstrapped     = &kernel.Error{Module: "vmm", Message: "paging has not been bootstrapped"}
	errAlreadyBootstrapped = &kernel.Error{Module: "vmm", Message: "paging is already bootstrapped"}
	errReservedFrameFree   = &kernel.Error{Module: "vmm", Message: "reserved region overlaps a free frame"}
	errReservedVirtRegion  = &kernel.Error{Module: "vmm", Message: "virtual address belongs to a region reserved for page table access"}
	errInvalidDirectory    = &kernel.Error{Module: "vmm", Message: "invalid page directory"}
	errDirectoryInUse      = &kernel.Error{Module: "vmm", Message: "page directory is active or owned by the kernel"}
	errScratchBusy         = &kernel.Error{Module: "vmm", Message: "scratch mapping already in use"}
	errForeignWindowBusy   = &kernel.Error{Module: "vmm", Message: "foreign directory window already in use"}
	errNestedFault         = &kernel.Error{Module: "vmm", Message: "page fault while servicing a page fault"}
	errReservedBitSet      = &kernel.Error{Module: "vmm", Message: "page table has reserved bit set"}
	errUnrecoverableFault  = &kernel.Error{Module: "vmm", Message: "page/gpf fault"}
)

// Machine exposes the MMU controls used by the PageTableManager.
type Machine interface {
	mm.Accessor

	// ActivePDT returns the physical address of the active page directory.
	ActivePDT() uintptr

	// SwitchPDT loads a new page directory and flushes the TLB.
	SwitchPDT(pdtPhysAddr uintptr)

	// EnablePaging turns on address translation.
	EnablePaging()

	// FlushTLBEntry invalidates the cached translation for virtAddr.
	FlushTLBEntry(virtAddr uintptr)

	// ReadCR2 returns the address that caused the last page fault.
	ReadCR2() uintptr
}

// FrameAllocator supplies the physical frames used for page tables and for
// demand paging.
type FrameAllocator interface {
	AllocFrame() (mm.Frame, *kernel.Error)
	FreeFrame(mm.Frame) *kernel.Error
	IsFree(mm.Frame) bool
}

// FaultFilter decides whether a page fault on a non-present page may be
// resolved by allocating a frame.
type FaultFilter interface {
	Owns(virtAddr uintptr) bool
}

// PageTableManager owns the page tables of every address space. A zero
// PageTableManager must be initialized with Init and bootstrapped with
// Bootstrap before it can map pages.
//
// PageTableManager is not re-entrant; callers serialize access to it. The
// page fault handler is the only entry point that may run asynchronously and
// it relies on page tables never being evicted.
type PageTableManager struct {
	machine Machine
	frames  FrameAllocator
	filter  FaultFilter

	kernelPDT PageDirectoryTable

	inFault       bool
	scratchInUse  bool
	foreignInUse  bool
	pagingEnabled bool
}

// Init attaches the manager to the machine it drives and to the frame
// allocator it draws page tables from.
func (m *PageTableManager) Init(machine Machine, frames FrameAllocator) {
	*m = PageTableManager{machine: machine, frames: frames}
}

// SetFaultFilter installs a filter consulted by the page fault handler. A nil
// filter allows demand paging anywhere outside the page table windows.
func (m *PageTableManager) SetFaultFilter(filter FaultFilter) {
	m.filter = filter
}

// KernelDirectory returns the directory created by Bootstrap.
func (m *PageTableManager) KernelDirectory() PageDirectoryTable {
	return m.kernelPDT
}
