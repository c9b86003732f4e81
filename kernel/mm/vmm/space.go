package vmm

import (
	"unsafe"

	"github.com/PSanf2/POS-C9/kernel"
	"github.com/PSanf2/POS-C9/kernel/mm"
)

// NewAddressSpace allocates a directory that shares the kernel page tables
// (every slot below the foreign window, including the scratch table) and
// carries its own recursive entry. The new directory is not activated.
func (m *PageTableManager) NewAddressSpace() (PageDirectoryTable, *kernel.Error) {
	if !m.pagingEnabled {
		return PageDirectoryTable{}, errNotBootstrapped
	}

	pdtFrame, err := m.frames.AllocFrame()
	if err != nil {
		return PageDirectoryTable{}, err
	}

	err = m.withDirectoryView(m.kernelPDT, func(kv directoryView) *kernel.Error {
		return m.withScratchMapping(pdtFrame, func(page mm.Page) *kernel.Error {
			m.clearPage(page.Address())

			dst := m.tableAt(page.Address())
			kernel.Memcopy(
				uintptr(unsafe.Pointer(kv.entry(0))),
				uintptr(unsafe.Pointer(&dst[0])),
				foreignSlot*unsafe.Sizeof(pageTableEntry(0)),
			)

			dst[recursiveSlot].SetFrame(pdtFrame)
			dst[recursiveSlot].SetFlags(FlagPresent | FlagRW)
			return nil
		})
	})

	if err != nil {
		_ = m.frames.FreeFrame(pdtFrame)
		return PageDirectoryTable{}, err
	}

	return PageDirectoryTable{pdtFrame: pdtFrame, valid: true}, nil
}

// DestroyAddressSpace releases a directory created by NewAddressSpace
// together with the page tables it does not share with the kernel
// directory. Frames mapped by those tables belong to their owner and are not
// released. The kernel directory and the active directory cannot be
// destroyed.
func (m *PageTableManager) DestroyAddressSpace(pdt PageDirectoryTable) *kernel.Error {
	switch {
	case !pdt.valid:
		return errInvalidDirectory
	case pdt.pdtFrame == m.kernelPDT.pdtFrame || m.State(pdt) == Active:
		return errDirectoryInUse
	}

	err := m.withDirectoryView(m.kernelPDT, func(kv directoryView) *kernel.Error {
		return m.withScratchMapping(pdt.pdtFrame, func(page mm.Page) *kernel.Error {
			dir := m.tableAt(page.Address())
			for slot := uintptr(0); slot < scratchSlot; slot++ {
				pde := dir[slot]
				if !pde.HasFlags(FlagPresent) {
					continue
				}

				if kernelPDE := kv.entry(slot); kernelPDE.HasFlags(FlagPresent) && kernelPDE.Frame() == pde.Frame() {
					continue
				}

				if err := m.frames.FreeFrame(pde.Frame()); err != nil {
					return err
				}
			}
			return nil
		})
	})

	if err != nil {
		return err
	}

	return m.frames.FreeFrame(pdt.pdtFrame)
}

// VisitUnmapped reports every region of pdt that is not backed by a present
// mapping. A missing page table yields one table-sized region and a missing
// entry inside a present table yields one page-sized region. Regions are
// reported in increasing address order. The first page of the address space
// and the page table windows at the top are never reported. The scan stops
// when the visitor returns false.
func (m *PageTableManager) VisitUnmapped(pdt PageDirectoryTable, visitor func(start, size uintptr) bool) *kernel.Error {
	return m.withDirectoryView(pdt, func(v directoryView) *kernel.Error {
		for slot := uintptr(0); slot < scratchSlot; slot++ {
			base := slot << tableShift

			pde := v.entry(slot)
			if !pde.HasFlags(FlagPresent) {
				start, size := base, tableSpan
				if start == 0 {
					start, size = mm.PageSize, tableSpan-mm.PageSize
				}

				if !visitor(start, size) {
					return nil
				}
				continue
			}

			if pde.HasFlags(FlagHugePage) {
				continue
			}

			table := v.table(slot)
			for index := uintptr(0); index < entriesPerTable; index++ {
				addr := base + index*mm.PageSize
				if addr == 0 || table[index].HasFlags(FlagPresent) {
					continue
				}

				if !visitor(addr, mm.PageSize) {
					return nil
				}
			}
		}

		return nil
	})
}
