package vmm

import (
	"github.com/PSanf2/POS-C9/kernel"
	"github.com/PSanf2/POS-C9/kernel/mm"
)

// Map establishes a mapping between a virtual page and a physical memory
// frame in pdt. If the page table that covers page does not exist, a frame is
// allocated for it, cleared through the recursive window and installed.
// Mapping an already mapped page overwrites the previous mapping.
//
// Pages inside the last three directory slots are reserved for page table
// access and cannot be mapped.
func (m *PageTableManager) Map(pdt PageDirectoryTable, page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	if flags&FlagHugePage != 0 {
		return errNoHugePageSupport
	}

	slot, index := splitPage(page)
	if slot >= scratchSlot {
		return errReservedVirtRegion
	}

	return m.withDirectoryView(pdt, func(v directoryView) *kernel.Error {
		pde := v.entry(slot)
		if pde.HasFlags(FlagHugePage) {
			return errNoHugePageSupport
		}

		// Next table does not yet exist; we need to allocate a
		// physical frame for it map it and clear its contents.
		if !pde.HasFlags(FlagPresent) {
			newTableFrame, err := m.frames.AllocFrame()
			if err != nil {
				return err
			}

			*pde = 0
			pde.SetFrame(newTableFrame)
			pde.SetFlags(FlagPresent | FlagRW | (flags & FlagUserAccessible))
			m.machine.FlushTLBEntry(v.tableAddr(slot))
			m.clearPage(v.tableAddr(slot))
		} else {
			// The directory entry must be at least as permissive as
			// any of the pages it covers.
			pde.SetFlags(flags & (FlagRW | FlagUserAccessible))
		}

		pte := &v.table(slot)[index]
		*pte = 0
		pte.SetFrame(frame)
		pte.SetFlags(flags)

		if v.active {
			m.machine.FlushTLBEntry(page.Address())
		}
		return nil
	})
}

// IdentityMapRegion establishes an identity mapping to the physical memory
// region which starts at the given frame and ends at frame + pages(size). The
// size argument is always rounded up to the nearest page boundary.
// IdentityMapRegion returns back the Page that corresponds to the region
// start.
func (m *PageTableManager) IdentityMapRegion(pdt PageDirectoryTable, startFrame mm.Frame, size uintptr, flags PageTableEntryFlag) (mm.Page, *kernel.Error) {
	startPage := mm.Page(startFrame)
	pageCount := mm.Page(mm.AlignUp(size) >> mm.PageShift)

	for curPage := startPage; curPage < startPage+pageCount; curPage++ {
		if err := m.Map(pdt, curPage, mm.Frame(curPage), flags); err != nil {
			return 0, err
		}
	}

	return startPage, nil
}

// Unmap removes the mapping for page from pdt. Unmapping a page that is not
// mapped has no effect. The page table itself is kept even if it becomes
// empty.
func (m *PageTableManager) Unmap(pdt PageDirectoryTable, page mm.Page) *kernel.Error {
	slot, index := splitPage(page)
	if slot >= scratchSlot {
		return errReservedVirtRegion
	}

	return m.withDirectoryView(pdt, func(v directoryView) *kernel.Error {
		pde := v.entry(slot)
		if !pde.HasFlags(FlagPresent) {
			return nil
		}

		if pde.HasFlags(FlagHugePage) {
			return errNoHugePageSupport
		}

		v.table(slot)[index] = 0
		if v.active {
			m.machine.FlushTLBEntry(page.Address())
		}
		return nil
	})
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address.
func (m *PageTableManager) Translate(pdt PageDirectoryTable, virtAddr uintptr) (uintptr, *kernel.Error) {
	physAddr, _, err := m.Lookup(pdt, virtAddr)
	return physAddr, err
}

// Lookup behaves like Translate but also returns the flags of the page table
// entry that maps virtAddr.
func (m *PageTableManager) Lookup(pdt PageDirectoryTable, virtAddr uintptr) (uintptr, PageTableEntryFlag, *kernel.Error) {
	var (
		physAddr uintptr
		flags    PageTableEntryFlag
	)

	err := m.withDirectoryView(pdt, func(v directoryView) *kernel.Error {
		slot, index := splitPage(mm.PageFromAddress(virtAddr))

		pde := v.entry(slot)
		if !pde.HasFlags(FlagPresent) || pde.HasFlags(FlagHugePage) {
			return ErrInvalidMapping
		}

		pte := v.table(slot)[index]
		if !pte.HasFlags(FlagPresent) {
			return ErrInvalidMapping
		}

		// Calculate the physical address by taking the physical frame address and
		// appending the offset from the virtual address
		physAddr = pte.Frame().Address() + PageOffset(virtAddr)
		flags = pte.Flags()
		return nil
	})

	return physAddr, flags, err
}

// PageOffset returns the offset within the page specified by a virtual
// address.
func PageOffset(virtAddr uintptr) uintptr {
	return virtAddr & mm.PageMask
}

// splitPage returns the directory slot and table index for page.
func splitPage(page mm.Page) (slot, index uintptr) {
	return uintptr(page) >> 10, uintptr(page) & (entriesPerTable - 1)
}
