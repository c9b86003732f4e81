package gate

import (
	"bytes"
	"testing"
)

func TestRegistersDumpTo(t *testing.T) {
	regs := Registers{
		EAX:     1,
		EBX:     2,
		ECX:     3,
		EDX:     4,
		ESI:     5,
		EDI:     6,
		EBP:     7,
		ESP:     8,
		Vector:  14,
		Info:    2,
		EIP:     0xc0ffee,
		CS:      0x8,
		EFlags:  0x202,
		UserESP: 0xbadf00d,
		SS:      0x10,
	}

	exp := "EAX = 00000001 EBX = 00000002\nECX = 00000003 EDX = 00000004\nESI = 00000005 EDI = 00000006\nEBP = 00000007 ESP = 00000008\nVEC = 0000000e ERR = 00000002\n\nEIP = 00c0ffee CS  = 00000008\nUSP = 0badf00d SS  = 00000010\nEFL = 00000202\n"

	var buf bytes.Buffer
	regs.DumpTo(&buf)

	if got := buf.String(); got != exp {
		t.Fatalf("expected to get:\n%q\ngot:\n%q", exp, got)
	}
}

type recordingHandler struct {
	calls int
	last  *Registers
}

func (h *recordingHandler) HandleInterrupt(regs *Registers) {
	h.calls++
	h.last = regs
}

func TestTableDispatch(t *testing.T) {
	var (
		table Table
		h     recordingHandler
		regs  = Registers{Vector: uint32(PageFaultException)}
	)

	if table.Dispatch(&regs) {
		t.Fatal("expected Dispatch to return false when no handler is registered")
	}

	table.HandleInterrupt(PageFaultException, &h)
	if !table.Dispatch(&regs) {
		t.Fatal("expected Dispatch to return true")
	}

	if h.calls != 1 || h.last != &regs {
		t.Fatalf("expected handler to be invoked once with the supplied registers; got %d calls", h.calls)
	}

	regs.Vector = uint32(GPFException)
	if table.Dispatch(&regs) {
		t.Fatal("expected Dispatch to return false for a vector without a handler")
	}
}
