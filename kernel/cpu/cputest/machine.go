// Package cputest provides a software model of the parts of an i386 CPU that
// the memory manager drives: physical RAM, the CR0/CR2/CR3 control registers,
// a two-level MMU with a translation cache and page-fault delivery to
// registered exception handlers.
//
// The model is strict where the memory manager could get things wrong:
// translations are cached until FlushTLBEntry or SwitchPDT invalidates them,
// so code that forgets to flush observes stale mappings exactly like it would
// on real hardware.
//
// A Machine is not safe for concurrent use.
package cputest

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/PSanf2/POS-C9/kernel/gate"
)

const (
	pageShift = 12
	pageSize  = 1 << pageShift
	pageMask  = pageSize - 1

	pteFlagPresent = 1 << 0
	pteFlagRW      = 1 << 1
	pteFlagUser    = 1 << 2
	pteFlagHuge    = 1 << 7
	pteFrameMask   = 0xfffff000

	cr0FlagPaging = 1 << 31

	// eflagsIF is the interrupt-enable bit of EFLAGS.
	eflagsIF = 1 << 9

	maxRAM = 1 << 32
)

// Page fault error code bits, as pushed by the CPU.
const (
	FaultPresent  = 1 << 0
	FaultWrite    = 1 << 1
	FaultUser     = 1 << 2
	FaultReserved = 1 << 3
)

var (
	// ErrUnhandledFault is returned when an access faults and no page
	// fault handler is registered.
	ErrUnhandledFault = errors.New("page fault without a registered handler")

	// ErrFaultNotResolved is returned when the page fault handler returns
	// without fixing the mapping that caused the fault.
	ErrFaultNotResolved = errors.New("page fault handler did not resolve the fault")
)

// Stats counts events observed by the Machine.
type Stats struct {
	PageFaults  uint64
	TLBHits     uint64
	TLBMisses   uint64
	TLBFlushes  uint64
	CR3Loads    uint64
	PhysAccess  uint64
	Translation uint64
}

type tlbEntry struct {
	frame    uintptr
	writable bool
	user     bool
}

// Machine is a simulated uniprocessor.
type Machine struct {
	// Table routes exceptions raised by the MMU. Machine satisfies
	// gate.Registrar through it.
	gate.Table

	ram []byte

	cr0, cr2, cr3 uintptr
	eflags        uintptr

	tlb   map[uintptr]tlbEntry
	stats Stats
}

// New returns a machine with ramSize bytes of zeroed physical memory, paging
// disabled and interrupts enabled. ramSize is rounded up to a page boundary.
func New(ramSize uintptr) (*Machine, error) {
	ramSize = (ramSize + pageMask) &^ pageMask
	if ramSize == 0 || uint64(ramSize) > maxRAM {
		return nil, errors.Errorf("invalid RAM size %#x", ramSize)
	}

	ram, err := unix.Mmap(-1, 0, int(ramSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, errors.Wrapf(err, "allocating %d bytes of simulated RAM", ramSize)
	}

	return &Machine{
		ram:    ram,
		eflags: eflagsIF,
		tlb:    make(map[uintptr]tlbEntry),
	}, nil
}

// Close releases the simulated RAM. The machine must not be used afterwards.
func (m *Machine) Close() error {
	if m.ram == nil {
		return nil
	}

	err := unix.Munmap(m.ram)
	m.ram = nil
	return errors.Wrap(err, "releasing simulated RAM")
}

// RAMSize returns the amount of physical memory in bytes.
func (m *Machine) RAMSize() uintptr {
	return uintptr(len(m.ram))
}

// Stats returns a snapshot of the event counters.
func (m *Machine) Stats() Stats {
	return m.stats
}

// PhysBytes returns the slice of physical memory [phys, phys+size).
func (m *Machine) PhysBytes(phys, size uintptr) []byte {
	return m.ram[phys : phys+size : phys+size]
}

// ActivePDT returns the physical address loaded in CR3.
func (m *Machine) ActivePDT() uintptr {
	return m.cr3
}

// SwitchPDT loads CR3 and flushes every cached translation.
func (m *Machine) SwitchPDT(pdtPhysAddr uintptr) {
	m.cr3 = pdtPhysAddr &^ pageMask
	m.stats.CR3Loads++
	m.flushAll()
}

// EnablePaging sets CR0.PG.
func (m *Machine) EnablePaging() {
	m.cr0 |= cr0FlagPaging
	m.flushAll()
}

// PagingEnabled returns true if CR0.PG is set.
func (m *Machine) PagingEnabled() bool {
	return m.cr0&cr0FlagPaging != 0
}

// FlushTLBEntry drops the cached translation for virtAddr.
func (m *Machine) FlushTLBEntry(virtAddr uintptr) {
	delete(m.tlb, virtAddr>>pageShift)
	m.stats.TLBFlushes++
}

// ReadCR2 returns the address that caused the last page fault.
func (m *Machine) ReadCR2() uintptr {
	return m.cr2
}

// CachedTranslations returns the number of entries in the TLB.
func (m *Machine) CachedTranslations() int {
	return len(m.tlb)
}

// DisableInterrupts clears EFLAGS.IF and returns the previous flags.
func (m *Machine) DisableInterrupts() uintptr {
	flags := m.eflags
	m.eflags &^= eflagsIF
	return flags
}

// RestoreInterrupts restores flags returned by DisableInterrupts.
func (m *Machine) RestoreInterrupts(flags uintptr) {
	m.eflags = flags
}

// InterruptsEnabled returns true if EFLAGS.IF is set.
func (m *Machine) InterruptsEnabled() bool {
	return m.eflags&eflagsIF != 0
}

func (m *Machine) flushAll() {
	for k := range m.tlb {
		delete(m.tlb, k)
	}
}

// Pointer resolves addr the way a supervisor-mode write would: as a
// physical address while paging is disabled, otherwise through the MMU. A
// translation failure raises a page fault; if that cannot be resolved
// Pointer panics, just like a kernel would triple fault.
//
// The returned pointer is only valid up to the end of the page containing
// addr.
func (m *Machine) Pointer(addr uintptr) unsafe.Pointer {
	phys, err := m.Access(addr, true, false)
	if err != nil {
		panic(errors.Wrapf(err, "kernel access to %#x", addr))
	}
	return unsafe.Pointer(&m.ram[phys])
}

// Access translates virtAddr for the requested access type, delivering a
// page fault to the registered handler and retrying once if the translation
// fails. It returns the physical address that was accessed.
func (m *Machine) Access(virtAddr uintptr, write, user bool) (uintptr, error) {
	if !m.PagingEnabled() {
		return m.checkPhys(virtAddr)
	}

	phys, code, ok := m.translate(virtAddr, write, user, true)
	if ok {
		return m.checkPhys(phys)
	}

	if err := m.raisePageFault(virtAddr, code); err != nil {
		return 0, err
	}

	if phys, _, ok = m.translate(virtAddr, write, user, true); !ok {
		return 0, errors.Wrapf(ErrFaultNotResolved, "access to %#x", virtAddr)
	}
	return m.checkPhys(phys)
}

// Probe translates virtAddr without raising a page fault. If the access
// would fault, ok is false and code holds the error code the CPU would push.
func (m *Machine) Probe(virtAddr uintptr, write, user bool) (phys uintptr, code uint32, ok bool) {
	if !m.PagingEnabled() {
		return virtAddr, 0, true
	}
	return m.translate(virtAddr, write, user, false)
}

// ReadByteAt performs a supervisor read of virtAddr.
func (m *Machine) ReadByteAt(virtAddr uintptr) (byte, error) {
	phys, err := m.Access(virtAddr, false, false)
	if err != nil {
		return 0, err
	}
	return m.ram[phys], nil
}

// WriteByteAt performs a supervisor write of b to virtAddr.
func (m *Machine) WriteByteAt(virtAddr uintptr, b byte) error {
	phys, err := m.Access(virtAddr, true, false)
	if err != nil {
		return err
	}
	m.ram[phys] = b
	return nil
}

// Read fills p with the bytes starting at virtAddr using supervisor reads.
func (m *Machine) Read(virtAddr uintptr, p []byte) error {
	return m.copyPages(virtAddr, p, false, false)
}

// Write copies p to virtAddr using supervisor writes.
func (m *Machine) Write(virtAddr uintptr, p []byte) error {
	return m.copyPages(virtAddr, p, true, false)
}

// UserRead behaves like Read but performs user-mode accesses.
func (m *Machine) UserRead(virtAddr uintptr, p []byte) error {
	return m.copyPages(virtAddr, p, false, true)
}

// UserWrite behaves like Write but performs user-mode accesses.
func (m *Machine) UserWrite(virtAddr uintptr, p []byte) error {
	return m.copyPages(virtAddr, p, true, true)
}

func (m *Machine) copyPages(virtAddr uintptr, p []byte, write, user bool) error {
	for len(p) > 0 {
		phys, err := m.Access(virtAddr, write, user)
		if err != nil {
			return err
		}

		chunk := pageSize - (virtAddr & pageMask)
		if chunk > uintptr(len(p)) {
			chunk = uintptr(len(p))
		}

		if write {
			copy(m.ram[phys:phys+chunk], p[:chunk])
		} else {
			copy(p[:chunk], m.ram[phys:phys+chunk])
		}

		p = p[chunk:]
		virtAddr += chunk
	}
	return nil
}

func (m *Machine) checkPhys(phys uintptr) (uintptr, error) {
	m.stats.PhysAccess++
	if phys >= uintptr(len(m.ram)) {
		return 0, errors.Errorf("physical address %#x outside of RAM (%#x bytes)", phys, len(m.ram))
	}
	return phys, nil
}

// translate walks the active page directory. Successful walks are inserted
// into the TLB when fill is set; non-present entries are never cached.
func (m *Machine) translate(virtAddr uintptr, write, user, fill bool) (uintptr, uint32, bool) {
	var code uint32
	if write {
		code |= FaultWrite
	}
	if user {
		code |= FaultUser
	}

	m.stats.Translation++
	vpn := virtAddr >> pageShift
	if entry, hit := m.tlb[vpn]; hit {
		m.stats.TLBHits++
		if !permitted(entry, write, user) {
			return 0, code | FaultPresent, false
		}
		return entry.frame | (virtAddr & pageMask), code, true
	}
	m.stats.TLBMisses++

	pde := m.readPhys32(m.cr3 + (virtAddr>>22)*4)
	if pde&pteFlagPresent == 0 {
		return 0, code, false
	}

	if pde&pteFlagHuge != 0 {
		return 0, code | FaultReserved, false
	}

	pte := m.readPhys32(uintptr(pde&pteFrameMask) + ((virtAddr>>pageShift)&1023)*4)
	if pte&pteFlagPresent == 0 {
		return 0, code, false
	}

	entry := tlbEntry{
		frame:    uintptr(pte & pteFrameMask),
		writable: pde&pte&pteFlagRW != 0,
		user:     pde&pte&pteFlagUser != 0,
	}

	if !permitted(entry, write, user) {
		return 0, code | FaultPresent, false
	}

	if fill {
		m.tlb[vpn] = entry
	}
	return entry.frame | (virtAddr & pageMask), code, true
}

// permitted applies the i386 protection rules with CR0.WP clear: supervisor
// accesses ignore the RW bit.
func permitted(entry tlbEntry, write, user bool) bool {
	if !user {
		return true
	}
	return entry.user && (!write || entry.writable)
}

func (m *Machine) readPhys32(phys uintptr) uint32 {
	if phys+4 > uintptr(len(m.ram)) {
		panic(errors.Errorf("page walk outside of RAM at %#x", phys))
	}
	return *(*uint32)(unsafe.Pointer(&m.ram[phys]))
}

func (m *Machine) raisePageFault(virtAddr uintptr, code uint32) error {
	m.cr2 = virtAddr
	m.stats.PageFaults++

	regs := gate.Registers{
		Vector: uint32(gate.PageFaultException),
		Info:   code,
		EFlags: uint32(m.eflags),
	}

	if !m.Dispatch(&regs) {
		return errors.Wrapf(ErrUnhandledFault, "access to %#x (error code %d)", virtAddr, code)
	}
	return nil
}
