// Package mm defines the address and size types shared by the physical and
// virtual memory managers.
package mm

import "unsafe"

// Frame describes a physical memory page index.
type Frame uintptr

const (
	// InvalidFrame is returned by page allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = ^Frame(0)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical memory address pointed to by this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f << PageShift)
}

// FrameFromAddress returns a Frame that corresponds to
// the given physical address. This function can handle
// both page-aligned and not aligned addresses. in the
// latter case, the input address will be rounded down
// to the frame that contains it.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame((physAddr &^ PageMask) >> PageShift)
}

// Page describes a virtual memory page index.
type Page uintptr

// Address returns the virtual memory address pointed to by this Page.
func (p Page) Address() uintptr {
	return uintptr(p << PageShift)
}

// PageFromAddress returns a Page that corresponds to the given virtual
// address. This function can handle both page-aligned and not aligned virtual
// addresses. in the latter case, the input address will be rounded down to the
// page that contains it.
func PageFromAddress(virtAddr uintptr) Page {
	return Page((virtAddr &^ PageMask) >> PageShift)
}

// AlignDown rounds addr down to a page boundary.
func AlignDown(addr uintptr) uintptr {
	return addr &^ PageMask
}

// AlignUp rounds addr up to a page boundary.
func AlignUp(addr uintptr) uintptr {
	return (addr + PageMask) &^ PageMask
}

// Range is a half-open [Start, Start+Size) address range.
type Range struct {
	Start uintptr
	Size  uintptr
}

// End returns the first address past the range.
func (r Range) End() uintptr {
	return r.Start + r.Size
}

// Contains returns true if addr falls inside the range.
func (r Range) Contains(addr uintptr) bool {
	return addr >= r.Start && addr-r.Start < r.Size
}

// Overlaps returns true if the two ranges share at least one byte.
func (r Range) Overlaps(other Range) bool {
	return r.Size != 0 && other.Size != 0 &&
		r.Start < other.End() && other.Start < r.End()
}

// Frames returns the first and last frame that overlap the range. The range
// must not be empty.
func (r Range) Frames() (first, last Frame) {
	return FrameFromAddress(r.Start), FrameFromAddress(r.End() - 1)
}

// Accessor turns addresses into dereferenceable pointers. Before paging is
// enabled the addresses are physical; afterwards they are virtual and the MMU
// translates them.
type Accessor interface {
	Pointer(addr uintptr) unsafe.Pointer
}
