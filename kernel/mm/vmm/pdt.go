package vmm

import (
	"github.com/PSanf2/POS-C9/kernel"
	"github.com/PSanf2/POS-C9/kernel/mm"
)

// PageDirectoryState describes the lifecycle stage of a page directory.
type PageDirectoryState uint8

const (
	// Uninitialized directories have no backing frame.
	Uninitialized PageDirectoryState = iota

	// Bootstrapped directories are populated but not loaded in the MMU.
	Bootstrapped

	// Active directories are the ones the MMU translates through.
	Active
)

// String implements fmt.Stringer for PageDirectoryState.
func (s PageDirectoryState) String() string {
	switch s {
	case Bootstrapped:
		return "bootstrapped"
	case Active:
		return "active"
	default:
		return "uninitialized"
	}
}

// PageDirectoryTable is a handle to the top-level table of an address space.
// The zero value does not refer to any directory.
type PageDirectoryTable struct {
	pdtFrame mm.Frame
	valid    bool
}

// Frame returns the physical frame holding the directory.
func (pdt PageDirectoryTable) Frame() mm.Frame {
	return pdt.pdtFrame
}

// Valid returns true if the handle refers to a directory.
func (pdt PageDirectoryTable) Valid() bool {
	return pdt.valid
}

// State returns the lifecycle stage of pdt.
func (m *PageTableManager) State(pdt PageDirectoryTable) PageDirectoryState {
	switch {
	case !pdt.valid:
		return Uninitialized
	case m.pagingEnabled && m.machine.ActivePDT() == pdt.pdtFrame.Address():
		return Active
	default:
		return Bootstrapped
	}
}

// CurrentDirectory returns the directory loaded in the MMU.
func (m *PageTableManager) CurrentDirectory() PageDirectoryTable {
	return PageDirectoryTable{pdtFrame: mm.FrameFromAddress(m.machine.ActivePDT()), valid: true}
}

// SwitchDirectory loads pdt into the MMU.
func (m *PageTableManager) SwitchDirectory(pdt PageDirectoryTable) *kernel.Error {
	if !pdt.valid {
		return errInvalidDirectory
	}
	if !m.pagingEnabled {
		return errNotBootstrapped
	}

	m.machine.SwitchPDT(pdt.pdtFrame.Address())
	return nil
}

// directoryView is the only way to reach the entries of a page directory and
// its page tables once paging is enabled. For the active directory it uses
// the recursive slot; for any other directory it goes through the foreign
// slot of the active directory.
type directoryView struct {
	m          *PageTableManager
	pdtAddr    uintptr
	tablesAddr uintptr
	active     bool
}

// entry returns the directory entry for slot.
func (v directoryView) entry(slot uintptr) *pageTableEntry {
	return &v.m.tableAt(v.pdtAddr)[slot]
}

// table returns the page table referenced by the directory entry for slot.
// The entry must be present.
func (v directoryView) table(slot uintptr) *pageTable {
	return v.m.tableAt(v.tablesAddr + slot*mm.PageSize)
}

// tableAddr returns the virtual address the table for slot is visible at.
func (v directoryView) tableAddr(slot uintptr) uintptr {
	return v.tablesAddr + slot*mm.PageSize
}

func (m *PageTableManager) tableAt(virtAddr uintptr) *pageTable {
	return (*pageTable)(m.machine.Pointer(virtAddr))
}

// withDirectoryView invokes fn with a view of pdt. When pdt is not active,
// the foreign slot of the active directory points to it for the duration of
// fn and the TLB is flushed on both transitions.
func (m *PageTableManager) withDirectoryView(pdt PageDirectoryTable, fn func(directoryView) *kernel.Error) *kernel.Error {
	if !m.pagingEnabled {
		return errNotBootstrapped
	}
	if !pdt.valid {
		return errInvalidDirectory
	}

	activeAddr := m.machine.ActivePDT()
	if pdt.pdtFrame.Address() == activeAddr {
		return fn(directoryView{m: m, pdtAddr: pdtVirtualAddr, tablesAddr: tablesVirtualAddr, active: true})
	}

	if m.foreignInUse {
		return errForeignWindowBusy
	}
	m.foreignInUse = true

	foreignEntry := &m.tableAt(pdtVirtualAddr)[foreignSlot]
	*foreignEntry = 0
	foreignEntry.SetFrame(pdt.pdtFrame)
	foreignEntry.SetFlags(FlagPresent | FlagRW)
	m.machine.SwitchPDT(activeAddr)

	defer func() {
		*foreignEntry = 0
		m.machine.SwitchPDT(activeAddr)
		m.foreignInUse = false
	}()

	return fn(directoryView{m: m, pdtAddr: foreignPDTVirtualAddr, tablesAddr: foreignTablesVirtualAddr})
}

// clearPage zeroes the page visible at virtAddr.
func (m *PageTableManager) clearPage(virtAddr uintptr) {
	kernel.Memset(uintptr(m.machine.Pointer(virtAddr)), 0, mm.PageSize)
}

// physTable returns the table stored at a physical frame. It may only be
// used while paging is disabled.
func (m *PageTableManager) physTable(frame mm.Frame) *pageTable {
	return (*pageTable)(m.machine.Pointer(frame.Address()))
}
