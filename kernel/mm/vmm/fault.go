package vmm

import (
	"github.com/PSanf2/POS-C9/kernel"
	"github.com/PSanf2/POS-C9/kernel/gate"
	"github.com/PSanf2/POS-C9/kernel/kfmt"
	"github.com/PSanf2/POS-C9/kernel/mm"
)

// Page fault error code bits pushed by the CPU.
const (
	faultPresent  = 1 << 0
	faultWrite    = 1 << 1
	faultUser     = 1 << 2
	faultReserved = 1 << 3
)

// InstallFaultHandler registers the manager as the page fault handler and
// installs a general protection fault handler that reports the fault.
func (m *PageTableManager) InstallFaultHandler(r gate.Registrar) {
	r.HandleInterrupt(gate.PageFaultException, m)
	r.HandleInterrupt(gate.GPFException, gpfHandler{m})
}

// HandleInterrupt implements gate.Handler for page faults.
func (m *PageTableManager) HandleInterrupt(regs *gate.Registers) {
	m.pageFault(m.machine.ReadCR2(), regs)
}

// pageFault backs the page containing faultAddress with a freshly allocated
// and zeroed frame. Faults on present pages, faults outside the area owned
// by the fault filter and faults that cannot be backed are fatal.
func (m *PageTableManager) pageFault(faultAddress uintptr, regs *gate.Registers) {
	if m.inFault {
		nonRecoverablePageFault(faultAddress, regs, errNestedFault)
	}
	m.inFault = true
	defer func() { m.inFault = false }()

	switch {
	case regs.Info&faultPresent != 0:
		nonRecoverablePageFault(faultAddress, regs, ErrProtectionViolation)
	case regs.Info&faultReserved != 0:
		nonRecoverablePageFault(faultAddress, regs, errReservedBitSet)
	case m.filter != nil && !m.filter.Owns(faultAddress):
		nonRecoverablePageFault(faultAddress, regs, ErrUnallocatedAccess)
	}

	frame, err := m.frames.AllocFrame()
	if err != nil {
		nonRecoverablePageFault(faultAddress, regs, err)
	}

	page := mm.PageFromAddress(faultAddress)
	if err = m.Map(m.CurrentDirectory(), page, frame, FlagPresent|FlagRW|FlagDemandAllocated); err != nil {
		_ = m.frames.FreeFrame(frame)
		nonRecoverablePageFault(faultAddress, regs, err)
	}

	m.clearPage(page.Address())
}

func nonRecoverablePageFault(faultAddress uintptr, regs *gate.Registers, err *kernel.Error) {
	kfmt.Printf("\nPage fault while accessing address: 0x%8x\nReason: ", faultAddress)
	switch {
	case regs.Info == 0:
		kfmt.Printf("read from non-present page")
	case regs.Info == faultPresent:
		kfmt.Printf("page protection violation (read)")
	case regs.Info == faultWrite:
		kfmt.Printf("write to non-present page")
	case regs.Info == faultPresent|faultWrite:
		kfmt.Printf("page protection violation (write)")
	case regs.Info&faultUser != 0:
		kfmt.Printf("page-fault in user-mode")
	case regs.Info&faultReserved != 0:
		kfmt.Printf("page table has reserved bit set")
	default:
		kfmt.Printf("unknown")
	}

	kfmt.Printf("\n\nRegisters:\n")
	regs.DumpTo(kfmt.GetOutputSink())

	panic(err)
}

// gpfHandler reports general protection faults. These occur for various
// reasons:
// - segment errors (privilege, type or limit violations)
// - executing privileged instructions outside ring-0
// - attempts to access reserved or unimplemented CPU registers
type gpfHandler struct {
	m *PageTableManager
}

func (h gpfHandler) HandleInterrupt(regs *gate.Registers) {
	kfmt.Printf("\nGeneral protection fault while accessing address: 0x%x\n", h.m.machine.ReadCR2())
	kfmt.Printf("Registers:\n")
	regs.DumpTo(kfmt.GetOutputSink())

	panic(errUnrecoverableFault)
}
