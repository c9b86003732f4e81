// Package multiboot reads the information block that a multiboot (v1)
// compliant boot loader passes to the kernel.
package multiboot

import (
	"github.com/PSanf2/POS-C9/kernel"
	"github.com/PSanf2/POS-C9/kernel/mm"
)

// Offsets and flags defined by the multiboot v1 information structure.
const (
	flagMemInfo = 1 << 0
	flagMemMap  = 1 << 6

	offFlags      = 0
	offMemLower   = 4
	offMemUpper   = 8
	offMmapLength = 44
	offMmapAddr   = 48

	// Each memory map entry starts with a size field that does not count
	// itself; the payload that follows is packed.
	offEntryBase   = 4
	offEntryLength = 12
	offEntryType   = 20
)

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

// ErrNoMemoryMap is returned when the boot loader did not provide a usable
// memory map.
var ErrNoMemoryMap = &kernel.Error{Module: "multiboot", Message: "boot loader did not provide a memory map"}

// MemRegionVisitor defines a visitor function that gets invoked by VisitMemRegions
// for each memory region provided by the boot loader. The visitor must return true
// to continue or false to abort the scan.
type MemRegionVisitor func(entry *MemoryMapEntry) bool

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "unknown"
	}
}

// Info provides access to a multiboot information block. All addresses
// stored in the block are physical and are resolved through an mm.Accessor.
type Info struct {
	mem  mm.Accessor
	addr uintptr
}

// InfoAt returns an Info for the block located at physical address addr. The
// accessor must resolve physical addresses, so the block has to be read before
// paging is enabled or while it is identity mapped.
func InfoAt(mem mm.Accessor, addr uintptr) Info {
	return Info{mem: mem, addr: addr}
}

// Flags returns the flags word of the information block.
func (i Info) Flags() uint32 {
	return i.readUint32(i.addr + offFlags)
}

// BasicMemory returns the amount of lower and upper memory in kilobytes as
// reported by the BIOS. The last return value is false if the boot loader did
// not provide this information.
func (i Info) BasicMemory() (lowerKb, upperKb uint32, ok bool) {
	if i.Flags()&flagMemInfo == 0 {
		return 0, 0, false
	}
	return i.readUint32(i.addr + offMemLower), i.readUint32(i.addr + offMemUpper), true
}

// VisitMemRegions will invoke the supplied visitor for each memory region that
// is defined by the multiboot info data that we received from the bootloader.
// It returns ErrNoMemoryMap if the block does not include a memory map.
func (i Info) VisitMemRegions(visitor MemRegionVisitor) *kernel.Error {
	if i.Flags()&flagMemMap == 0 {
		return ErrNoMemoryMap
	}

	mapLen := uintptr(i.readUint32(i.addr + offMmapLength))
	if mapLen == 0 {
		return ErrNoMemoryMap
	}

	var (
		entry  MemoryMapEntry
		curPtr = uintptr(i.readUint32(i.addr + offMmapAddr))
		endPtr = curPtr + mapLen
	)

	for curPtr < endPtr {
		entry.PhysAddress = i.readUint64(curPtr + offEntryBase)
		entry.Length = i.readUint64(curPtr + offEntryLength)
		entry.Type = MemoryEntryType(i.readUint32(curPtr + offEntryType))

		// Mark unknown entry types as reserved
		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(&entry) {
			break
		}

		curPtr += uintptr(i.readUint32(curPtr)) + 4
	}

	return nil
}

// MemoryMap is a memory map that is already available as a slice, for
// example one that was copied out of the boot loader data or built by a
// simulator.
type MemoryMap []MemoryMapEntry

// VisitMemRegions invokes visitor for each entry in the map. It returns
// ErrNoMemoryMap if the map is empty.
func (m MemoryMap) VisitMemRegions(visitor MemRegionVisitor) *kernel.Error {
	if len(m) == 0 {
		return ErrNoMemoryMap
	}

	for index := range m {
		entry := m[index]
		if !visitor(&entry) {
			break
		}
	}
	return nil
}

// The info block is packed so 64-bit fields are read as two 32-bit halves.
func (i Info) readUint64(addr uintptr) uint64 {
	return uint64(i.readUint32(addr)) | uint64(i.readUint32(addr+4))<<32
}

func (i Info) readUint32(addr uintptr) uint32 {
	return *(*uint32)(i.mem.Pointer(addr))
}
