package vmm

import "github.com/PSanf2/POS-C9/kernel/mm"

const (
	// entriesPerTable is the number of entries in a page directory or
	// page table.
	entriesPerTable = 1024

	// tableShift is the shift that converts a virtual address into a page
	// directory slot.
	tableShift = 22

	// tableSpan is the amount of address space covered by one page table.
	tableSpan = uintptr(1) << tableShift

	// ptePhysPageMask is a mask that allows us to extract the physical memory
	// address pointed to by a page table entry. For this particular architecture,
	// bits 12-31 contain the physical memory address.
	ptePhysPageMask = uint32(0xfffff000)

	// recursiveSlot is the page directory slot that points back to the
	// directory itself. Through it the active directory is visible at
	// pdtVirtualAddr and its page tables at tablesVirtualAddr.
	recursiveSlot = entriesPerTable - 1

	// foreignSlot is the page directory slot temporarily pointed at an
	// inactive directory so its tables can be edited through
	// foreignTablesVirtualAddr.
	foreignSlot = entriesPerTable - 2

	// scratchSlot is the page directory slot whose table hosts the scratch
	// page. The table is allocated once and shared by every address space.
	scratchSlot = entriesPerTable - 3

	// scratchIndex is the entry inside the scratch table used for the
	// scratch page.
	scratchIndex = entriesPerTable - 1

	pdtVirtualAddr           = uintptr(0xfffff000)
	tablesVirtualAddr        = uintptr(recursiveSlot) << tableShift
	foreignTablesVirtualAddr = uintptr(foreignSlot) << tableShift
	foreignPDTVirtualAddr    = foreignTablesVirtualAddr + recursiveSlot*mm.PageSize
	scratchVirtualAddr       = uintptr(scratchSlot)<<tableShift + scratchIndex*mm.PageSize
)

const (
	// FlagPresent is set when the page is available in memory and not swapped out.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this page. If
	// not set only kernel code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and write-back
	// caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage is set if when using 4Mb pages instead of 4K pages.
	FlagHugePage

	// FlagGlobal if set, prevents the TLB from flushing the cached memory address
	// for this page when the swapping page tables by updating the CR3 register.
	FlagGlobal
)

// FlagDemandAllocated marks pages whose frame was allocated by the page fault
// handler. It uses one of the bits the MMU leaves to the OS.
const FlagDemandAllocated PageTableEntryFlag = 1 << 9
