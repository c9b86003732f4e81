package kmain

import (
	"github.com/PSanf2/POS-C9/kernel"
	"github.com/PSanf2/POS-C9/kernel/cpu"
	"github.com/PSanf2/POS-C9/kernel/driver"
	"github.com/PSanf2/POS-C9/kernel/driver/console"
	"github.com/PSanf2/POS-C9/kernel/gate"
	"github.com/PSanf2/POS-C9/kernel/hal/multiboot"
	"github.com/PSanf2/POS-C9/kernel/kfmt"
	"github.com/PSanf2/POS-C9/kernel/mm/kmem"
)

var (
	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

	// The memory manager state lives in the kernel image so that it is
	// available before any allocator is.
	memoryManager kmem.Manager

	// Exceptions raised by the CPU are routed through this table by the
	// IDT entry stubs.
	interruptTable gate.Table

	ega      console.Ega
	terminal console.Terminal
)

// Kmain is the only Go symbol that is visible (exported) from the rt0 initialization
// code. This function is invoked by the rt0 assembly code after setting up the GDT
// and setting up a a minimal g0 struct that allows Go code using the 4K stack
// allocated by the assembly code.
//
// The rt0 code passes the address of the multiboot info payload provided by the
// bootloader as well as the physical addresses for the kernel start/end.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	var machine cpu.Native

	ega.Init(machine, console.EgaColumns, console.EgaRows, console.EgaFramebuffer)
	driver.Probe(nil, onDriverInit, probeEga)

	bootInfo := multiboot.InfoAt(machine, multibootInfoPtr)
	if err := memoryManager.Init(machine, bootInfo, kernelStart, kernelEnd, &interruptTable, console.EgaRange()); err != nil {
		panic(err)
	}

	memoryManager.Dump(&terminal)

	// Use kfmt.Panic instead of panic to prevent the compiler from
	// treating kfmt.Panic as dead-code and eliminating it.
	kfmt.Panic(errKmainReturned)
}

func probeEga() driver.Driver {
	return &ega
}

// onDriverInit attaches the terminal to the first console that comes up and
// flushes the buffered boot messages to it.
func onDriverInit(drv driver.Driver) {
	cons, ok := drv.(console.Device)
	if !ok || kfmt.GetOutputSink() != nil {
		return
	}

	terminal.AttachTo(cons)
	kfmt.SetOutputSink(&terminal)
}
