// Package kmem ties the physical frame allocator, the page table manager and
// the virtual address space allocator together into a single memory manager
// that is set up once at boot and passed to the code that needs it.
package kmem

import (
	"io"
	"unsafe"

	"github.com/PSanf2/POS-C9/kernel"
	"github.com/PSanf2/POS-C9/kernel/gate"
	"github.com/PSanf2/POS-C9/kernel/hal/multiboot"
	"github.com/PSanf2/POS-C9/kernel/kfmt"
	"github.com/PSanf2/POS-C9/kernel/mm"
	"github.com/PSanf2/POS-C9/kernel/mm/heap"
	"github.com/PSanf2/POS-C9/kernel/mm/pmm"
	"github.com/PSanf2/POS-C9/kernel/mm/vmm"
	"github.com/PSanf2/POS-C9/kernel/sync"
)

// MaxDeviceRanges is the number of device memory ranges Init can identity
// map.
const MaxDeviceRanges = 4

var (
	errTooManyDevices  = &kernel.Error{Module: "kmem", Message: "too many device memory ranges"}
	errNoRoomForBitmap = &kernel.Error{Module: "kmem", Message: "no available memory after the kernel image for the frame bitmap"}
	errInvalidImage    = &kernel.Error{Module: "kmem", Message: "kernel image end precedes its start"}
)

// Machine is the set of CPU capabilities used by the memory manager.
type Machine interface {
	vmm.Machine
	sync.InterruptController
}

// Manager owns all memory management state. The zero value must be set up
// with Init before use. Allocation entry points run with interrupts masked.
type Manager struct {
	Frames pmm.BitmapAllocator
	Paging vmm.PageTableManager
	Heap   heap.Allocator

	cs      sync.CriticalSection
	machine Machine

	// bitmapRange is the physical range holding the frame bitmap.
	bitmapRange mm.Range
}

// Init brings up memory management. It must be called while paging is
// disabled. The frame bitmap is placed right after the kernel image, the
// first frame, the kernel image and the bitmap are reserved and identity
// mapped, paging is enabled and the page fault handler is installed into
// registrar. The heap is seeded with every unmapped region of the kernel
// address space and demand paging is restricted to live heap allocations.
//
// Device memory that must remain accessible after paging is enabled (such as
// the text-mode framebuffer) is passed in devices and identity mapped too.
func (m *Manager) Init(machine Machine, memMap pmm.MemoryMap, kernelStart, kernelEnd uintptr, registrar gate.Registrar, devices ...mm.Range) *kernel.Error {
	switch {
	case kernelEnd < kernelStart:
		return errInvalidImage
	case len(devices) > MaxDeviceRanges:
		return errTooManyDevices
	}

	m.machine = machine
	m.cs.Init(machine)

	words, err := pmm.BitmapWords(memMap)
	if err != nil {
		return err
	}

	m.bitmapRange = mm.Range{
		Start: mm.AlignUp(kernelEnd),
		Size:  uintptr(words) * unsafe.Sizeof(uint64(0)),
	}
	if !isAvailable(memMap, m.bitmapRange) {
		return errNoRoomForBitmap
	}

	bitmap := unsafe.Slice((*uint64)(machine.Pointer(m.bitmapRange.Start)), words)

	var reserved [3 + MaxDeviceRanges]mm.Range
	reserved[0] = mm.Range{Start: 0, Size: mm.PageSize}
	reserved[1] = mm.Range{Start: kernelStart, Size: kernelEnd - kernelStart}
	reserved[2] = m.bitmapRange
	count := 3 + copy(reserved[3:], devices)

	if err = m.Frames.Init(memMap, bitmap, reserved[:count]...); err != nil {
		return err
	}

	m.Paging.Init(machine, &m.Frames)
	pdt, err := m.Paging.Bootstrap(reserved[:count]...)
	if err != nil {
		return err
	}
	m.Paging.InstallFaultHandler(registrar)

	if err = m.Heap.Init(&m.Paging, pdt); err != nil {
		return err
	}
	m.Paging.SetFaultFilter(&m.Heap)

	kfmt.Printf("[kmem] paging enabled, page directory at 0x%x\n", pdt.Frame().Address())
	kfmt.Printf("[kmem] heap: %dKb of virtual address space available\n", uint64(mm.Size(m.Heap.FreeBytes())/mm.Kb))
	return nil
}

// isAvailable returns true if r lies entirely inside a single available
// region of the memory map.
func isAvailable(memMap pmm.MemoryMap, r mm.Range) bool {
	var found bool
	_ = memMap.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type == multiboot.MemAvailable &&
			uint64(r.Start) >= region.PhysAddress &&
			uint64(r.End()) <= region.PhysAddress+region.Length {
			found = true
			return false
		}
		return true
	})
	return found
}

// Malloc reserves size bytes of kernel virtual address space. The memory is
// backed with zeroed frames on first access.
func (m *Manager) Malloc(size uintptr) (uintptr, *kernel.Error) {
	return m.MallocAbove(size, 1, 0)
}

// MallocAligned behaves like Malloc but the returned address is a multiple of
// align.
func (m *Manager) MallocAligned(size, align uintptr) (uintptr, *kernel.Error) {
	return m.MallocAbove(size, align, 0)
}

// MallocAbove behaves like MallocAligned but the returned address is not
// lower than minAddr.
func (m *Manager) MallocAbove(size, align, minAddr uintptr) (uintptr, *kernel.Error) {
	state := m.cs.Enter()
	defer m.cs.Leave(state)

	return m.Heap.MallocAbove(size, align, minAddr)
}

// Free releases an allocation returned by one of the Malloc variants. Pages
// that no longer overlap any allocation are unmapped. Frames that the page
// fault handler allocated for them are returned to the frame allocator;
// frames mapped by the caller are left alone. Once the allocation is found,
// every page is processed and the first frame release error, if any, is
// returned.
func (m *Manager) Free(addr uintptr) *kernel.Error {
	state := m.cs.Enter()
	defer m.cs.Leave(state)

	size, err := m.Heap.Free(addr)
	if err != nil {
		return err
	}

	free, _ := m.Heap.FreeRangeAt(addr)

	// Pages straddling the edges of the merged free range still belong
	// to a neighbouring allocation.
	start, end := mm.AlignDown(addr), mm.AlignUp(addr+size)
	if start < free.Start {
		start += mm.PageSize
	}
	if end > free.End() {
		end -= mm.PageSize
	}

	var (
		pdt      = m.Paging.CurrentDirectory()
		firstErr *kernel.Error
	)
	for page := start; page < end; page += mm.PageSize {
		phys, flags, err := m.Paging.Lookup(pdt, page)
		if err != nil {
			continue
		}

		if err = m.Paging.Unmap(pdt, mm.PageFromAddress(page)); err == nil && flags&vmm.FlagDemandAllocated != 0 {
			err = m.Frames.FreeFrame(mm.FrameFromAddress(phys))
		}

		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// AllocFrame reserves a physical frame.
func (m *Manager) AllocFrame() (mm.Frame, *kernel.Error) {
	state := m.cs.Enter()
	defer m.cs.Leave(state)

	return m.Frames.AllocFrame()
}

// FreeFrame releases a physical frame.
func (m *Manager) FreeFrame(frame mm.Frame) *kernel.Error {
	state := m.cs.Enter()
	defer m.cs.Leave(state)

	return m.Frames.FreeFrame(frame)
}

// BitmapRange returns the physical range holding the frame bitmap.
func (m *Manager) BitmapRange() mm.Range {
	return m.bitmapRange
}

// Dump writes the state of the frame allocator and the heap to w.
func (m *Manager) Dump(w io.Writer) {
	state := m.cs.Enter()
	defer m.cs.Leave(state)

	pw := &kfmt.PrefixWriter{Sink: w, Prefix: []byte("[kmem] ")}

	kfmt.Fprintf(pw, "frames: %d total, %d free\n", m.Frames.TotalFrames(), m.Frames.FreeCount())
	kfmt.Fprintf(pw, "heap: %d bytes free, %d bytes used\n", m.Heap.FreeBytes(), m.Heap.UsedBytes())

	m.Heap.VisitFree(func(start, size uintptr) bool {
		kfmt.Fprintf(pw, "  free [0x%8x - 0x%8x]\n", start, start+size)
		return true
	})
	m.Heap.VisitUsed(func(start, size uintptr) bool {
		kfmt.Fprintf(pw, "  used [0x%8x - 0x%8x]\n", start, start+size)
		return true
	})
}
