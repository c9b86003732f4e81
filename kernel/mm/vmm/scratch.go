package vmm

import (
	"github.com/PSanf2/POS-C9/kernel"
	"github.com/PSanf2/POS-C9/kernel/mm"
)

// withScratchMapping maps frame at the scratch page, invokes fn with that
// page and removes the mapping again on every exit path. Scratch mappings do
// not nest.
func (m *PageTableManager) withScratchMapping(frame mm.Frame, fn func(mm.Page) *kernel.Error) *kernel.Error {
	if !m.pagingEnabled {
		return errNotBootstrapped
	}
	if m.scratchInUse {
		return errScratchBusy
	}
	m.scratchInUse = true

	// The scratch table is reachable through the recursive window of
	// whichever directory is active since all of them share it.
	pte := &m.tableAt(tablesVirtualAddr + scratchSlot*mm.PageSize)[scratchIndex]
	*pte = 0
	pte.SetFrame(frame)
	pte.SetFlags(FlagPresent | FlagRW)
	m.machine.FlushTLBEntry(scratchVirtualAddr)

	defer func() {
		*pte = 0
		m.machine.FlushTLBEntry(scratchVirtualAddr)
		m.scratchInUse = false
	}()

	return fn(mm.PageFromAddress(scratchVirtualAddr))
}
