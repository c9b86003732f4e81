// Package heap hands out ranges of kernel virtual address space. Ranges are
// tracked by nodes kept in a fixed arena that lives inside the Allocator so
// that the allocator never needs memory from the address space it manages.
// Handing out a range does not back it with physical memory; pages are
// populated on first access by the page fault handler.
package heap

import (
	"github.com/PSanf2/POS-C9/kernel"
	"github.com/PSanf2/POS-C9/kernel/mm"
	"github.com/PSanf2/POS-C9/kernel/mm/list"
	"github.com/PSanf2/POS-C9/kernel/mm/vmm"
)

// NodeCapacity is the number of range nodes available to an Allocator.
const NodeCapacity = 2048

var (
	// ErrOutOfSpace is returned when no free range satisfies a request.
	ErrOutOfSpace = &kernel.Error{Module: "heap", Message: "out of virtual address space"}

	// ErrUnknownAllocation is returned by Free when the address does not
	// match the start of a live allocation.
	ErrUnknownAllocation = &kernel.Error{Module: "heap", Message: "address does not match a live allocation"}

	// ErrInvalidAlignment is returned when the requested alignment is not
	// a power of two.
	ErrInvalidAlignment = &kernel.Error{Module: "heap", Message: "alignment must be a power of two"}

	// ErrInvalidSize is returned for zero-sized requests.
	ErrInvalidSize = &kernel.Error{Module: "heap", Message: "size must be greater than zero"}

	// ErrOutOfNodes is returned when the node arena cannot describe the
	// ranges resulting from a request.
	ErrOutOfNodes = &kernel.Error{Module: "heap", Message: "range node arena exhausted"}
)

// UnmappedWalker reports the regions of an address space that are not
// backed by present mappings. It is implemented by vmm.PageTableManager.
type UnmappedWalker interface {
	VisitUnmapped(pdt vmm.PageDirectoryTable, visitor func(start, size uintptr) bool) *kernel.Error
}

type rangeNode struct {
	link  list.Link
	start uintptr
	size  uintptr
}

func (n *rangeNode) end() uintptr {
	return n.start + n.size
}

// nodeArena stores the range nodes. Slot 0 backs list.Nil and is never
// handed out.
type nodeArena [NodeCapacity + 1]rangeNode

func (a *nodeArena) Link(idx list.Index) *list.Link {
	return &a[idx].link
}

// Allocator is a first-fit allocator of virtual address ranges. Free ranges
// are kept sorted by address and adjacent free ranges are always merged.
// Allocated ranges are kept in a separate list, also sorted by address.
//
// Allocator is not safe for concurrent use.
type Allocator struct {
	nodes nodeArena

	// nextFresh is the lowest arena index that was never handed out.
	nextFresh list.Index

	// nodeLimit caps the usable arena indices; 0 means NodeCapacity.
	nodeLimit list.Index

	pool      list.List
	poolCount int

	free list.List
	used list.List

	freeBytes uintptr
	usedBytes uintptr
}

// Init seeds the allocator with every region of pdt that the walker reports
// as unmapped. Regions are coalesced after seeding. Any previous state is
// discarded.
func (a *Allocator) Init(walker UnmappedWalker, pdt vmm.PageDirectoryTable) *kernel.Error {
	a.reset()

	var seedErr *kernel.Error
	if err := walker.VisitUnmapped(pdt, func(start, size uintptr) bool {
		seedErr = a.addFree(start, size)
		return seedErr == nil
	}); err != nil {
		return err
	}

	if seedErr != nil {
		return seedErr
	}

	a.coalesce()
	return nil
}

// InitRange resets the allocator so that it manages the single free range
// [start, start+size).
func (a *Allocator) InitRange(start, size uintptr) *kernel.Error {
	if size == 0 {
		return ErrInvalidSize
	}

	a.reset()
	return a.addFree(start, size)
}

// Malloc reserves size bytes anywhere in the managed address space.
func (a *Allocator) Malloc(size uintptr) (uintptr, *kernel.Error) {
	return a.MallocAbove(size, 1, 0)
}

// MallocAligned reserves size bytes starting at a multiple of align.
func (a *Allocator) MallocAligned(size, align uintptr) (uintptr, *kernel.Error) {
	return a.MallocAbove(size, align, 0)
}

// MallocAbove reserves size bytes starting at a multiple of align that is not
// lower than minAddr. The first free range (in address order) that can hold
// the request is used. An align value of 0 is treated as 1.
func (a *Allocator) MallocAbove(size, align, minAddr uintptr) (uintptr, *kernel.Error) {
	if size == 0 {
		return 0, ErrInvalidSize
	}

	if align == 0 {
		align = 1
	}

	if align&(align-1) != 0 {
		return 0, ErrInvalidAlignment
	}

	var (
		found   = list.Nil
		addr    uintptr
		nodeErr *kernel.Error
	)

	a.free.Visit(&a.nodes, func(idx list.Index) bool {
		node := &a.nodes[idx]

		candidate := node.start
		if candidate < minAddr {
			candidate = minAddr
		}

		aligned := (candidate + align - 1) &^ (align - 1)
		if aligned < candidate || aligned >= node.end() || node.end()-aligned < size {
			return true
		}

		// Count the extra nodes needed to describe the leftovers
		// before touching any list.
		needed := 0
		if aligned > node.start {
			needed++
		}
		if aligned+size < node.end() {
			needed++
		}
		if needed > a.availableNodes() {
			nodeErr = ErrOutOfNodes
			return false
		}

		found, addr = idx, aligned
		return false
	})

	if nodeErr != nil {
		return 0, nodeErr
	}

	if found == list.Nil {
		return 0, ErrOutOfSpace
	}

	// Split off the low padding; it stays in the free list as its own node.
	if addr > a.nodes[found].start {
		found = a.splitAt(found, addr)
	}

	// Split off the high remainder.
	if a.nodes[found].size > size {
		a.splitAt(found, addr+size)
	}

	a.free.Remove(&a.nodes, found)
	a.insertSorted(&a.used, found)

	a.freeBytes -= size
	a.usedBytes += size
	return addr, nil
}

// Free releases the allocation starting at addr and returns its size. The
// released range is merged with any adjacent free ranges. Addresses that do
// not match the start of a live allocation, including already freed ones,
// are rejected with ErrUnknownAllocation and leave the allocator untouched.
func (a *Allocator) Free(addr uintptr) (uintptr, *kernel.Error) {
	found := list.Nil
	a.used.Visit(&a.nodes, func(idx list.Index) bool {
		if a.nodes[idx].start == addr {
			found = idx
			return false
		}
		return a.nodes[idx].start < addr
	})

	if found == list.Nil {
		return 0, ErrUnknownAllocation
	}

	size := a.nodes[found].size
	a.used.Remove(&a.nodes, found)
	a.insertSorted(&a.free, found)
	a.mergeNeighbors(found)

	a.usedBytes -= size
	a.freeBytes += size
	return size, nil
}

// FreeRangeAt returns the free range that contains addr.
func (a *Allocator) FreeRangeAt(addr uintptr) (mm.Range, bool) {
	return a.find(&a.free, addr)
}

// Owns returns true if addr lies inside a live allocation.
func (a *Allocator) Owns(addr uintptr) bool {
	_, ok := a.find(&a.used, addr)
	return ok
}

// FreeBytes returns the total size of the free ranges.
func (a *Allocator) FreeBytes() uintptr {
	return a.freeBytes
}

// UsedBytes returns the total size of the live allocations.
func (a *Allocator) UsedBytes() uintptr {
	return a.usedBytes
}

// VisitFree invokes visitor for each free range in address order until the
// visitor returns false.
func (a *Allocator) VisitFree(visitor func(start, size uintptr) bool) {
	a.visit(&a.free, visitor)
}

// VisitUsed invokes visitor for each live allocation in address order until
// the visitor returns false.
func (a *Allocator) VisitUsed(visitor func(start, size uintptr) bool) {
	a.visit(&a.used, visitor)
}

func (a *Allocator) visit(l *list.List, visitor func(start, size uintptr) bool) {
	l.Visit(&a.nodes, func(idx list.Index) bool {
		return visitor(a.nodes[idx].start, a.nodes[idx].size)
	})
}

func (a *Allocator) find(l *list.List, addr uintptr) (mm.Range, bool) {
	var (
		r  mm.Range
		ok bool
	)

	l.Visit(&a.nodes, func(idx list.Index) bool {
		node := &a.nodes[idx]
		if addr < node.start {
			return false
		}

		if addr < node.end() {
			r, ok = mm.Range{Start: node.start, Size: node.size}, true
			return false
		}
		return true
	})

	return r, ok
}

func (a *Allocator) reset() {
	a.nextFresh = 1
	a.pool, a.poolCount = list.List{}, 0
	a.free, a.used = list.List{}, list.List{}
	a.freeBytes, a.usedBytes = 0, 0
}

func (a *Allocator) limit() list.Index {
	if a.nodeLimit == 0 || a.nodeLimit > NodeCapacity {
		return NodeCapacity
	}
	return a.nodeLimit
}

func (a *Allocator) availableNodes() int {
	return a.poolCount + int(a.limit()-a.nextFresh+1)
}

// newNode returns a recycled node from the pool or, if the pool is empty,
// the next never-used arena slot.
func (a *Allocator) newNode(start, size uintptr) (list.Index, *kernel.Error) {
	var idx list.Index

	switch {
	case !a.pool.Empty():
		idx = a.pool.First
		a.pool.Remove(&a.nodes, idx)
		a.poolCount--
	case a.nextFresh <= a.limit():
		idx = a.nextFresh
		a.nextFresh++
	default:
		return list.Nil, ErrOutOfNodes
	}

	a.nodes[idx] = rangeNode{start: start, size: size}
	return idx, nil
}

func (a *Allocator) releaseNode(idx list.Index) {
	a.nodes[idx].start, a.nodes[idx].size = 0, 0
	a.pool.InsertFirst(&a.nodes, idx)
	a.poolCount++
}

// addFree records [start, start+size) as free. Ranges arriving in address
// order extend the last free range when adjacent to it.
func (a *Allocator) addFree(start, size uintptr) *kernel.Error {
	if last := a.free.Last; last != list.Nil && a.nodes[last].end() == start {
		a.nodes[last].size += size
		a.freeBytes += size
		return nil
	}

	idx, err := a.newNode(start, size)
	if err != nil {
		return err
	}

	a.insertSorted(&a.free, idx)
	a.freeBytes += size
	return nil
}

// splitAt cuts the free node idx at addr and returns the index of the node
// holding the upper part. The caller guarantees that a node is available.
func (a *Allocator) splitAt(idx list.Index, addr uintptr) list.Index {
	node := &a.nodes[idx]

	upper, _ := a.newNode(addr, node.end()-addr)
	node.size = addr - node.start
	a.free.InsertAfter(&a.nodes, idx, upper)
	return upper
}

func (a *Allocator) insertSorted(l *list.List, idx list.Index) {
	start := a.nodes[idx].start
	for cur := l.First; cur != list.Nil; cur = a.nodes[cur].link.Next {
		if a.nodes[cur].start > start {
			l.InsertBefore(&a.nodes, cur, idx)
			return
		}
	}
	l.InsertLast(&a.nodes, idx)
}

// mergeNeighbors merges the free node idx with its adjacent predecessor and
// successor.
func (a *Allocator) mergeNeighbors(idx list.Index) {
	if next := a.nodes[idx].link.Next; next != list.Nil && a.nodes[idx].end() == a.nodes[next].start {
		a.nodes[idx].size += a.nodes[next].size
		a.free.Remove(&a.nodes, next)
		a.releaseNode(next)
	}

	if prev := a.nodes[idx].link.Prev; prev != list.Nil && a.nodes[prev].end() == a.nodes[idx].start {
		a.nodes[prev].size += a.nodes[idx].size
		a.free.Remove(&a.nodes, idx)
		a.releaseNode(idx)
	}
}

// coalesce merges every pair of adjacent free ranges.
func (a *Allocator) coalesce() {
	for cur := a.free.First; cur != list.Nil; {
		next := a.nodes[cur].link.Next
		if next != list.Nil && a.nodes[cur].end() == a.nodes[next].start {
			a.nodes[cur].size += a.nodes[next].size
			a.free.Remove(&a.nodes, next)
			a.releaseNode(next)
			continue
		}
		cur = next
	}
}
