// Package gate defines the processor state snapshot delivered to exception
// handlers and the capabilities used to route exceptions to the subsystems
// that service them. Building the IDT itself is the job of the boot code.
package gate

import (
	"io"

	"github.com/PSanf2/POS-C9/kernel/kfmt"
)

// Registers contains a snapshot of all register values when an exception or
// interrupt occurs. The layout matches the order in which the entry stubs
// push the registers (pusha followed by the vector info and the frame pushed
// by the CPU).
type Registers struct {
	EDI uint32
	ESI uint32
	EBP uint32
	ESP uint32
	EBX uint32
	EDX uint32
	ECX uint32
	EAX uint32

	// Vector is the interrupt number that triggered the entry stub.
	Vector uint32

	// Info contains the error code for exceptions that push one.
	Info uint32

	// The return frame used by IRET
	EIP     uint32
	CS      uint32
	EFlags  uint32
	UserESP uint32
	SS      uint32
}

// DumpTo outputs the register contents to w.
func (r *Registers) DumpTo(w io.Writer) {
	kfmt.Fprintf(w, "EAX = %8x EBX = %8x\n", r.EAX, r.EBX)
	kfmt.Fprintf(w, "ECX = %8x EDX = %8x\n", r.ECX, r.EDX)
	kfmt.Fprintf(w, "ESI = %8x EDI = %8x\n", r.ESI, r.EDI)
	kfmt.Fprintf(w, "EBP = %8x ESP = %8x\n", r.EBP, r.ESP)
	kfmt.Fprintf(w, "VEC = %8x ERR = %8x\n", r.Vector, r.Info)
	kfmt.Fprintf(w, "\n")
	kfmt.Fprintf(w, "EIP = %8x CS  = %8x\n", r.EIP, r.CS)
	kfmt.Fprintf(w, "USP = %8x SS  = %8x\n", r.UserESP, r.SS)
	kfmt.Fprintf(w, "EFL = %8x\n", r.EFlags)
}

// InterruptNumber describes an x86 interrupt/exception/trap slot.
type InterruptNumber uint8

const (
	// DoubleFault occurs when an exception is unhandled or when an
	// exception occurs while the CPU is trying to call an exception
	// handler.
	DoubleFault = InterruptNumber(8)

	// GPFException occurs when a general protection fault occurs.
	GPFException = InterruptNumber(13)

	// PageFaultException occurs when a page directory or one of its
	// entries is not present or when a privilege and/or RW protection
	// check fails.
	PageFaultException = InterruptNumber(14)
)

// Handler is implemented by subsystems that service an exception.
type Handler interface {
	HandleInterrupt(regs *Registers)
}

// Registrar installs a Handler for an interrupt number.
type Registrar interface {
	HandleInterrupt(intNumber InterruptNumber, handler Handler)
}

// Table is a Registrar backed by a fixed-size table indexed by interrupt
// number. The IDT entry stubs call Dispatch with the saved registers.
type Table struct {
	handlers [256]Handler
}

// HandleInterrupt registers handler for intNumber replacing any previously
// registered handler.
func (t *Table) HandleInterrupt(intNumber InterruptNumber, handler Handler) {
	t.handlers[intNumber] = handler
}

// Dispatch invokes the handler registered for regs.Vector. It returns false
// if no handler is registered.
func (t *Table) Dispatch(regs *Registers) bool {
	h := t.handlers[uint8(regs.Vector)]
	if h == nil {
		return false
	}

	h.HandleInterrupt(regs)
	return true
}
