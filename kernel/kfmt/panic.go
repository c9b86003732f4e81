package kfmt

import (
	"github.com/PSanf2/POS-C9/kernel"
	"github.com/PSanf2/POS-C9/kernel/cpu"
)

const panicSeparator = "-----------------------------------"

var (
	// cpuHaltFn is mocked by tests and is automatically inlined by the compiler.
	cpuHaltFn = cpu.Halt

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}
)

// Panic reports e on the active sink and halts the CPU; it never returns.
// The kernel build redirects runtime.gopanic here so that panic(err) in any
// package ends up in this function.
//
//go:redirect-from runtime.gopanic
func Panic(e interface{}) {
	err := toKernelError(e)

	Printf("\n%s\n", panicSeparator)
	if err != nil {
		Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	Printf("*** kernel panic: system halted ***\n%s\n", panicSeparator)

	cpuHaltFn()
}

// panicString serves as a redirect target for runtime.throw
//
//go:redirect-from runtime.throw
func panicString(msg string) {
	errRuntimePanic.Message = msg
	Panic(errRuntimePanic)
}

func toKernelError(e interface{}) *kernel.Error {
	switch t := e.(type) {
	case *kernel.Error:
		return t
	case string:
		errRuntimePanic.Message = t
		return errRuntimePanic
	case error:
		errRuntimePanic.Message = t.Error()
		return errRuntimePanic
	}
	return nil
}
