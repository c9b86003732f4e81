// Package pmm implements the physical frame allocator.
package pmm

import (
	"math/bits"

	"github.com/PSanf2/POS-C9/kernel"
	"github.com/PSanf2/POS-C9/kernel/hal/multiboot"
	"github.com/PSanf2/POS-C9/kernel/kfmt"
	"github.com/PSanf2/POS-C9/kernel/mm"
)

// maxPhysAddr is the first address past the 32-bit physical address space.
const maxPhysAddr = uint64(1) << 32

var (
	// ErrOutOfMemory is returned when no free frame is left.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}

	// ErrFrameNotAllocated is returned when freeing a frame that is not
	// currently allocated or not tracked by the allocator.
	ErrFrameNotAllocated = &kernel.Error{Module: "pmm", Message: "frame is not allocated"}

	errBitmapTooSmall = &kernel.Error{Module: "pmm", Message: "bitmap storage too small for the reported memory"}
	errNoUsableMemory = &kernel.Error{Module: "pmm", Message: "memory map does not contain any usable region"}
)

// MemoryMap is implemented by sources of the boot memory map.
type MemoryMap interface {
	VisitMemRegions(multiboot.MemRegionVisitor) *kernel.Error
}

// BitmapAllocator tracks the allocation state of every physical frame using a
// flat bitmap: bit i is set if and only if frame i is allocated. Frames that
// the memory map does not report as available RAM, and frames inside reserved
// ranges, stay permanently set. A second bitmap records those permanent
// reservations so that FreeFrame can reject them.
//
// The allocator does not own its bitmap storage; the caller supplies it to
// Init (see BitmapWords for sizing) so the allocator can be set up before any
// other allocator exists.
type BitmapAllocator struct {
	bitmap []uint64

	// reserved has a bit set for every frame that AllocFrame must never
	// hand out.
	reserved []uint64

	// totalFrames is the number of frames covered by the bitmap.
	totalFrames uint32

	// freeCount tracks the available frames so callers can query the
	// remaining capacity without scanning the bitmap.
	freeCount uint32

	initialized bool
}

// BitmapWords returns the number of 64-bit words of bitmap storage that Init
// needs to track every frame up to the end of the highest available region
// in memMap.
func BitmapWords(memMap MemoryMap) (int, *kernel.Error) {
	frames, err := trackedFrames(memMap)
	if err != nil {
		return 0, err
	}
	return 2 * wordsFor(frames), nil
}

func wordsFor(frames uint64) int {
	return int((frames + 63) >> 6)
}

// Init sets up the allocator state using the supplied memory map. Every
// frame that overlaps one of the reserved ranges (kernel image, the bitmap
// storage itself, boot structures) is marked as allocated. Calling Init on an
// already initialized allocator has no effect.
func (alloc *BitmapAllocator) Init(memMap MemoryMap, bitmap []uint64, reserved ...mm.Range) *kernel.Error {
	if alloc.initialized {
		return nil
	}

	frames, err := trackedFrames(memMap)
	if err != nil {
		return err
	}

	words := wordsFor(frames)
	if len(bitmap) < 2*words {
		return errBitmapTooSmall
	}

	alloc.bitmap = bitmap[:words]
	alloc.reserved = bitmap[words : 2*words]
	alloc.totalFrames = uint32(frames)
	alloc.freeCount = 0
	for i := range alloc.bitmap {
		alloc.bitmap[i] = ^uint64(0)
		alloc.reserved[i] = ^uint64(0)
	}

	_ = memMap.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			return true
		}

		// Reported addresses may not be page-aligned; round up to get
		// the start frame and round down to get the end frame
		pageSizeMinus1 := uint64(mm.PageSize - 1)
		startFrame := (region.PhysAddress + pageSizeMinus1) >> mm.PageShift
		endFrame := clampAddr(region.PhysAddress+region.Length) >> mm.PageShift
		for frame := startFrame; frame < endFrame; frame++ {
			clearBit(alloc.reserved, mm.Frame(frame))
			if clearBit(alloc.bitmap, mm.Frame(frame)) {
				alloc.freeCount++
			}
		}
		return true
	})

	for _, r := range reserved {
		alloc.ReserveRange(r)
	}

	alloc.initialized = true
	alloc.printMemoryMap(memMap, reserved)
	return nil
}

// ReserveRange marks every tracked frame overlapping r as permanently
// allocated.
func (alloc *BitmapAllocator) ReserveRange(r mm.Range) {
	if r.Size == 0 {
		return
	}

	first, last := r.Frames()
	for frame := first; frame <= last && uint32(frame) < alloc.totalFrames; frame++ {
		setBit(alloc.reserved, frame)
		if setBit(alloc.bitmap, frame) {
			alloc.freeCount--
		}
	}
}

// AllocFrame reserves the free frame with the lowest index. It returns
// ErrOutOfMemory if every frame is allocated.
func (alloc *BitmapAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	if alloc.freeCount == 0 {
		return mm.InvalidFrame, ErrOutOfMemory
	}

	for wordIndex, word := range alloc.bitmap {
		if word == ^uint64(0) {
			continue
		}

		frame := mm.Frame(wordIndex<<6 + bits.TrailingZeros64(^word))
		if uint32(frame) >= alloc.totalFrames {
			break
		}

		setBit(alloc.bitmap, frame)
		alloc.freeCount--
		return frame, nil
	}

	return mm.InvalidFrame, ErrOutOfMemory
}

// FreeFrame releases a frame previously returned by AllocFrame. Freeing a
// frame that is not allocated (including a double free), that is permanently
// reserved or that lies outside the tracked memory returns
// ErrFrameNotAllocated and leaves the bitmap untouched.
func (alloc *BitmapAllocator) FreeFrame(frame mm.Frame) *kernel.Error {
	if !frame.Valid() || uint32(frame) >= alloc.totalFrames || testBit(alloc.reserved, frame) || !clearBit(alloc.bitmap, frame) {
		return ErrFrameNotAllocated
	}

	alloc.freeCount++
	return nil
}

// IsFree returns true if frame is tracked by the allocator and not allocated.
func (alloc *BitmapAllocator) IsFree(frame mm.Frame) bool {
	if !frame.Valid() || uint32(frame) >= alloc.totalFrames {
		return false
	}
	return !testBit(alloc.bitmap, frame)
}

// IsReserved returns true if frame is permanently allocated: it is not
// available RAM, falls inside a reserved range or is not tracked at all.
func (alloc *BitmapAllocator) IsReserved(frame mm.Frame) bool {
	if !frame.Valid() || uint32(frame) >= alloc.totalFrames {
		return true
	}
	return testBit(alloc.reserved, frame)
}

// FreeCount returns the number of free frames.
func (alloc *BitmapAllocator) FreeCount() uint32 {
	return alloc.freeCount
}

// TotalFrames returns the number of frames covered by the bitmap.
func (alloc *BitmapAllocator) TotalFrames() uint32 {
	return alloc.totalFrames
}

func testBit(bitmap []uint64, frame mm.Frame) bool {
	return bitmap[frame>>6]&(uint64(1)<<(frame&63)) != 0
}

// setBit sets the bit for frame and reports whether it was clear before.
func setBit(bitmap []uint64, frame mm.Frame) bool {
	word, mask := &bitmap[frame>>6], uint64(1)<<(frame&63)
	wasClear := *word&mask == 0
	*word |= mask
	return wasClear
}

// clearBit clears the bit for frame and reports whether it was set before.
func clearBit(bitmap []uint64, frame mm.Frame) bool {
	word, mask := &bitmap[frame>>6], uint64(1)<<(frame&63)
	wasSet := *word&mask != 0
	*word &^= mask
	return wasSet
}

// printMemoryMap prints out the system's memory map and the allocator
// reservations.
func (alloc *BitmapAllocator) printMemoryMap(memMap MemoryMap, reserved []mm.Range) {
	kfmt.Printf("[pmm] system memory map:\n")
	var totalFree mm.Size
	_ = memMap.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		kfmt.Printf("\t[0x%10x - 0x%10x], size: %10d, type: %s\n", region.PhysAddress, region.PhysAddress+region.Length, region.Length, region.Type.String())

		if region.Type == multiboot.MemAvailable {
			totalFree += mm.Size(region.Length)
		}
		return true
	})
	kfmt.Printf("[pmm] available memory: %dKb\n", uint64(totalFree/mm.Kb))
	for _, r := range reserved {
		kfmt.Printf("[pmm] reserved 0x%x - 0x%x\n", r.Start, r.End())
	}
	kfmt.Printf("[pmm] tracking %d frames, %d free\n", alloc.totalFrames, alloc.freeCount)
}

// trackedFrames returns the number of frames between address 0 and the end of
// the highest available region.
func trackedFrames(memMap MemoryMap) (uint64, *kernel.Error) {
	var highest uint64

	err := memMap.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			return true
		}

		if end := clampAddr(region.PhysAddress + region.Length); end > highest {
			highest = end
		}
		return true
	})

	switch {
	case err != nil:
		return 0, err
	case highest < uint64(mm.PageSize):
		return 0, errNoUsableMemory
	}

	return highest >> mm.PageShift, nil
}

func clampAddr(addr uint64) uint64 {
	if addr > maxPhysAddr {
		return maxPhysAddr
	}
	return addr
}
