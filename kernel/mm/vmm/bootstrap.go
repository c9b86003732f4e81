package vmm

import (
	"github.com/PSanf2/POS-C9/kernel"
	"github.com/PSanf2/POS-C9/kernel/mm"
)

// Bootstrap builds the kernel page directory and turns paging on. It must be
// called while paging is still disabled: all table memory is accessed through
// physical addresses. Every frame overlapping the reserved ranges (kernel
// image, allocator state, boot structures) is identity mapped together with
// the directory itself, and must already be marked as allocated in the frame
// allocator.
//
// The directory gets its recursive entry and a pre-allocated scratch table
// which is later shared with every address space created by
// NewAddressSpace.
func (m *PageTableManager) Bootstrap(reserved ...mm.Range) (PageDirectoryTable, *kernel.Error) {
	if m.pagingEnabled {
		return PageDirectoryTable{}, errAlreadyBootstrapped
	}

	for _, r := range reserved {
		if r.Size == 0 {
			continue
		}

		for first, last := r.Frames(); first <= last; first++ {
			if m.frames.IsFree(first) {
				return PageDirectoryTable{}, errReservedFrameFree
			}
		}
	}

	pdtFrame, err := m.allocClearedFrame()
	if err != nil {
		return PageDirectoryTable{}, err
	}
	pdt := m.physTable(pdtFrame)

	for _, r := range reserved {
		if r.Size == 0 {
			continue
		}

		for first, last := r.Frames(); first <= last; first++ {
			if err = m.physMap(pdt, mm.Page(first), first); err != nil {
				return PageDirectoryTable{}, err
			}
		}
	}

	if err = m.physMap(pdt, mm.Page(pdtFrame), pdtFrame); err != nil {
		return PageDirectoryTable{}, err
	}

	scratchFrame, err := m.allocClearedFrame()
	if err != nil {
		return PageDirectoryTable{}, err
	}
	pdt[scratchSlot].SetFrame(scratchFrame)
	pdt[scratchSlot].SetFlags(FlagPresent | FlagRW)

	pdt[recursiveSlot].SetFrame(pdtFrame)
	pdt[recursiveSlot].SetFlags(FlagPresent | FlagRW)

	m.machine.SwitchPDT(pdtFrame.Address())
	m.machine.EnablePaging()

	m.pagingEnabled = true
	m.kernelPDT = PageDirectoryTable{pdtFrame: pdtFrame, valid: true}
	return m.kernelPDT, nil
}

// physMap identity maps page to frame in a directory accessed through its
// physical address.
func (m *PageTableManager) physMap(pdt *pageTable, page mm.Page, frame mm.Frame) *kernel.Error {
	slot, index := splitPage(page)
	if slot >= scratchSlot {
		return errReservedVirtRegion
	}

	pde := &pdt[slot]
	if !pde.HasFlags(FlagPresent) {
		tableFrame, err := m.allocClearedFrame()
		if err != nil {
			return err
		}
		pde.SetFrame(tableFrame)
		pde.SetFlags(FlagPresent | FlagRW)
	}

	pte := &m.physTable(pde.Frame())[index]
	*pte = 0
	pte.SetFrame(frame)
	pte.SetFlags(FlagPresent | FlagRW)
	return nil
}

func (m *PageTableManager) allocClearedFrame() (mm.Frame, *kernel.Error) {
	frame, err := m.frames.AllocFrame()
	if err != nil {
		return mm.InvalidFrame, err
	}

	kernel.Memset(uintptr(m.machine.Pointer(frame.Address())), 0, mm.PageSize)
	return frame, nil
}
