package cputest

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/pkg/errors"

	"github.com/PSanf2/POS-C9/kernel/gate"
)

const (
	testDirAddr   = 0x1000
	testTableAddr = 0x2000
)

func newMachine(t *testing.T) *Machine {
	t.Helper()

	m, err := New(64 * pageSize)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := m.Close(); err != nil {
			t.Error(err)
		}
	})
	return m
}

func (m *Machine) putPhys32(phys uintptr, v uint32) {
	binary.LittleEndian.PutUint32(m.ram[phys:], v)
}

// setupPaging builds a directory at testDirAddr whose entry 0 points to a
// table at testTableAddr and enables paging.
func setupPaging(m *Machine, pdeFlags uint32) {
	m.putPhys32(testDirAddr, testTableAddr|pdeFlags)
	m.SwitchPDT(testDirAddr)
	m.EnablePaging()
}

type handlerFunc func(*gate.Registers)

func (f handlerFunc) HandleInterrupt(regs *gate.Registers) { f(regs) }

func TestNew(t *testing.T) {
	if _, err := New(0); err == nil {
		t.Fatal("expected an error for a zero RAM size")
	}

	m, err := New(pageSize + 1)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	if exp := uintptr(2 * pageSize); m.RAMSize() != exp {
		t.Fatalf("expected RAM size to be rounded up to %d; got %d", exp, m.RAMSize())
	}

	if m.PagingEnabled() || !m.InterruptsEnabled() {
		t.Fatal("expected paging to be disabled and interrupts to be enabled")
	}
}

func TestPhysicalAccessWithoutPaging(t *testing.T) {
	m := newMachine(t)

	if err := m.Write(0x10, []byte("frame")); err != nil {
		t.Fatal(err)
	}

	if got := m.PhysBytes(0x10, 5); !bytes.Equal(got, []byte("frame")) {
		t.Fatalf("unexpected physical contents %q", got)
	}

	*(*byte)(m.Pointer(0x20)) = 0xaa
	if got, _ := m.ReadByteAt(0x20); got != 0xaa {
		t.Fatalf("expected to read back 0xaa; got %x", got)
	}

	if _, err := m.Access(m.RAMSize(), false, false); err == nil {
		t.Fatal("expected an error when accessing memory outside of RAM")
	}
}

func TestByteAccessAt(t *testing.T) {
	m := newMachine(t)

	// Virtual byte accessors take an address and must not be mistaken for
	// the stream oriented io interfaces.
	var machine interface{} = m
	if _, ok := machine.(io.ByteReader); ok {
		t.Fatal("expected Machine not to implement io.ByteReader")
	}
	if _, ok := machine.(io.ByteWriter); ok {
		t.Fatal("expected Machine not to implement io.ByteWriter")
	}

	if err := m.WriteByteAt(0x30, 0x5a); err != nil {
		t.Fatal(err)
	}

	got, err := m.ReadByteAt(0x30)
	if err != nil {
		t.Fatal(err)
	}
	if got != 0x5a {
		t.Fatalf("expected to read back 0x5a; got %x", got)
	}
}

func TestTranslation(t *testing.T) {
	m := newMachine(t)
	setupPaging(m, pteFlagPresent|pteFlagRW|pteFlagUser)

	// virtual page 5 -> physical frame 9
	m.putPhys32(testTableAddr+5*4, 9*pageSize|pteFlagPresent)
	copy(m.PhysBytes(9*pageSize, 4), "data")

	buf := make([]byte, 4)
	if err := m.Read(5*pageSize, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "data" {
		t.Fatalf("expected to read %q; got %q", "data", buf)
	}

	specs := []struct {
		write, user bool
		expOK       bool
		expCode     uint32
	}{
		{false, false, true, 0},
		{true, false, true, 0}, // supervisor ignores RW
		{false, true, false, FaultPresent | FaultUser},
		{true, true, false, FaultPresent | FaultWrite | FaultUser},
	}

	for specIndex, spec := range specs {
		phys, code, ok := m.Probe(5*pageSize+3, spec.write, spec.user)
		if ok != spec.expOK || code != spec.expCode {
			t.Errorf("[spec %d] expected (ok: %t, code: %d); got (ok: %t, code: %d)", specIndex, spec.expOK, spec.expCode, ok, code)
		}

		if ok && phys != 9*pageSize+3 {
			t.Errorf("[spec %d] expected physical address %x; got %x", specIndex, 9*pageSize+3, phys)
		}
	}

	if _, code, ok := m.Probe(6*pageSize, true, false); ok || code != FaultWrite {
		t.Fatalf("expected non-present write fault; got (ok: %t, code: %d)", ok, code)
	}

	if _, code, ok := m.Probe(4<<20, false, false); ok || code != 0 {
		t.Fatalf("expected non-present directory fault; got (ok: %t, code: %d)", ok, code)
	}
}

func TestTLB(t *testing.T) {
	m := newMachine(t)
	setupPaging(m, pteFlagPresent|pteFlagRW)

	m.putPhys32(testTableAddr+5*4, 9*pageSize|pteFlagPresent)
	if _, err := m.Access(5*pageSize, false, false); err != nil {
		t.Fatal(err)
	}

	// Remap without flushing; the stale translation must be used
	m.putPhys32(testTableAddr+5*4, 10*pageSize|pteFlagPresent)
	if phys, _ := m.Access(5*pageSize, false, false); phys != 9*pageSize {
		t.Fatalf("expected stale translation to frame 9; got %x", phys)
	}

	m.FlushTLBEntry(5 * pageSize)
	if phys, _ := m.Access(5*pageSize, false, false); phys != 10*pageSize {
		t.Fatalf("expected translation to frame 10 after flush; got %x", phys)
	}

	m.putPhys32(testTableAddr+5*4, 0)
	if m.CachedTranslations() != 1 {
		t.Fatalf("expected 1 cached translation; got %d", m.CachedTranslations())
	}
	m.SwitchPDT(testDirAddr)
	if m.CachedTranslations() != 0 {
		t.Fatal("expected SwitchPDT to flush the TLB")
	}

	if _, _, ok := m.Probe(5*pageSize, false, false); ok {
		t.Fatal("expected unmapped page to be reported as non-present")
	}

	if stats := m.Stats(); stats.TLBHits == 0 || stats.TLBFlushes != 1 || stats.CR3Loads != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestPageFaultDelivery(t *testing.T) {
	m := newMachine(t)
	setupPaging(m, pteFlagPresent|pteFlagRW)

	t.Run("without handler", func(t *testing.T) {
		err := m.WriteByteAt(7*pageSize, 1)
		if errors.Cause(err) != ErrUnhandledFault {
			t.Fatalf("expected ErrUnhandledFault; got %v", err)
		}
	})

	t.Run("handler maps page", func(t *testing.T) {
		var gotRegs gate.Registers
		m.HandleInterrupt(gate.PageFaultException, handlerFunc(func(regs *gate.Registers) {
			gotRegs = *regs
			if m.ReadCR2() != 7*pageSize+1 {
				t.Errorf("expected CR2 to be %x; got %x", 7*pageSize+1, m.ReadCR2())
			}
			m.putPhys32(testTableAddr+7*4, 11*pageSize|pteFlagPresent|pteFlagRW)
		}))

		if err := m.WriteByteAt(7*pageSize+1, 0x42); err != nil {
			t.Fatal(err)
		}

		if gotRegs.Vector != uint32(gate.PageFaultException) || gotRegs.Info != FaultWrite {
			t.Fatalf("unexpected registers: %+v", gotRegs)
		}

		if got := m.PhysBytes(11*pageSize+1, 1)[0]; got != 0x42 {
			t.Fatalf("expected write to land in frame 11; got %x", got)
		}
	})

	t.Run("handler does not resolve", func(t *testing.T) {
		m.HandleInterrupt(gate.PageFaultException, handlerFunc(func(*gate.Registers) {}))

		if _, err := m.ReadByteAt(8 * pageSize); errors.Cause(err) != ErrFaultNotResolved {
			t.Fatalf("expected ErrFaultNotResolved; got %v", err)
		}
	})

	t.Run("kernel pointer access", func(t *testing.T) {
		defer func() {
			if recover() == nil {
				t.Fatal("expected Pointer to panic for an unresolvable fault")
			}
		}()
		m.Pointer(8 * pageSize)
	})
}

func TestInterruptFlag(t *testing.T) {
	m := newMachine(t)

	flags := m.DisableInterrupts()
	if m.InterruptsEnabled() {
		t.Fatal("expected interrupts to be disabled")
	}

	nested := m.DisableInterrupts()
	m.RestoreInterrupts(nested)
	if m.InterruptsEnabled() {
		t.Fatal("expected nested restore to keep interrupts disabled")
	}

	m.RestoreInterrupts(flags)
	if !m.InterruptsEnabled() {
		t.Fatal("expected interrupts to be enabled")
	}
}

func TestClose(t *testing.T) {
	m, err := New(pageSize)
	if err != nil {
		t.Fatal(err)
	}

	if err = m.Close(); err != nil {
		t.Fatal(err)
	}

	if err = m.Close(); err != nil {
		t.Fatalf("expected closing twice to be a no-op; got %v", err)
	}
}
