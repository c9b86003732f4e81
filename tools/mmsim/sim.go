package main

import (
	"io"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/PSanf2/POS-C9/kernel"
	"github.com/PSanf2/POS-C9/kernel/cpu/cputest"
	"github.com/PSanf2/POS-C9/kernel/hal/multiboot"
	"github.com/PSanf2/POS-C9/kernel/kfmt"
	"github.com/PSanf2/POS-C9/kernel/mm"
	"github.com/PSanf2/POS-C9/kernel/mm/heap"
	"github.com/PSanf2/POS-C9/kernel/mm/kmem"
)

const kernelStart = 0x100000

// config controls a simulation run.
type config struct {
	memMap     multiboot.MemoryMap
	kernelSize uintptr
	maxAlloc   uintptr
	seed       int64
	out        io.Writer
}

type allocation struct {
	addr, size uintptr
	pattern    byte

	// touched holds the offsets written with pattern.
	touched []uintptr
}

type counters struct {
	steps      int
	mallocs    int
	frees      int
	touches    int
	outOfSpace int
}

// simulator boots a memory manager on a simulated machine and drives it with
// a random workload, checking the memory manager invariants along the way.
type simulator struct {
	cfg     config
	machine *cputest.Machine
	mem     kmem.Manager
	rng     *rand.Rand

	live      []allocation
	heapTotal uintptr
	counters  counters
}

func newSimulator(cfg config) (*simulator, error) {
	if cfg.maxAlloc == 0 {
		return nil, errors.New("maximum allocation size must be greater than zero")
	}

	ramSize := highestAddress(cfg.memMap)
	if ramSize > 1<<32 {
		return nil, errors.Errorf("memory map ends at %#x; the simulated machine supports up to 4Gb", ramSize)
	}

	machine, err := cputest.New(uintptr(ramSize))
	if err != nil {
		return nil, errors.Wrap(err, "creating simulated machine")
	}

	s := &simulator{
		cfg:     cfg,
		machine: machine,
		rng:     rand.New(rand.NewSource(cfg.seed)),
	}

	kfmt.SetOutputSink(cfg.out)
	if kErr := s.mem.Init(machine, cfg.memMap, kernelStart, kernelStart+cfg.kernelSize, machine); kErr != nil {
		_ = machine.Close()
		return nil, errors.Wrap(kErr, "initializing memory manager")
	}

	s.heapTotal = s.mem.Heap.FreeBytes()
	return s, nil
}

func (s *simulator) Close() error {
	kfmt.SetOutputSink(nil)
	return s.machine.Close()
}

// guard runs fn and turns a kernel panic into an error.
func (s *simulator) guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			switch e := r.(type) {
			case *kernel.Error:
				err = errors.Errorf("kernel panic: [%s] %s", e.Module, e.Message)
			case error:
				err = errors.Wrap(e, "kernel panic")
			default:
				err = errors.Errorf("kernel panic: %v", r)
			}
		}
	}()

	return fn()
}

// malloc reserves size bytes aligned to align.
func (s *simulator) malloc(size, align uintptr) error {
	return s.guard(func() error {
		addr, kErr := s.mem.MallocAligned(size, align)
		switch {
		case kErr == heap.ErrOutOfSpace, kErr == heap.ErrOutOfNodes:
			s.counters.outOfSpace++
			return nil
		case kErr != nil:
			return errors.Wrapf(kErr, "malloc(%#x, %#x)", size, align)
		}

		s.live = append(s.live, allocation{addr: addr, size: size, pattern: byte(s.rng.Intn(255) + 1)})
		s.counters.mallocs++
		return nil
	})
}

// touch writes the pattern of the i-th live allocation to a random offset.
func (s *simulator) touch(i int) error {
	return s.guard(func() error {
		a := &s.live[i]
		offset := uintptr(s.rng.Int63n(int64(a.size)))
		if err := s.machine.WriteByteAt(a.addr+offset, a.pattern); err != nil {
			return errors.Wrapf(err, "touching %#x", a.addr+offset)
		}

		a.touched = append(a.touched, offset)
		s.counters.touches++
		return nil
	})
}

// free releases the i-th live allocation after verifying its contents.
func (s *simulator) free(i int) error {
	return s.guard(func() error {
		a := s.live[i]
		if err := s.verify(a); err != nil {
			return err
		}

		if kErr := s.mem.Free(a.addr); kErr != nil {
			return errors.Wrapf(kErr, "free(%#x)", a.addr)
		}

		s.live = append(s.live[:i], s.live[i+1:]...)
		s.counters.frees++
		return nil
	})
}

// step performs one random operation.
func (s *simulator) step() error {
	s.counters.steps++

	switch op := s.rng.Intn(10); {
	case len(s.live) == 0 || op < 4:
		size := uintptr(s.rng.Int63n(int64(s.cfg.maxAlloc))) + 1
		align := uintptr(1) << uint(s.rng.Intn(int(mm.PageShift)+1))
		return s.malloc(size, align)
	case op < 7:
		return s.touch(s.rng.Intn(len(s.live)))
	default:
		return s.free(s.rng.Intn(len(s.live)))
	}
}

func (s *simulator) verify(a allocation) error {
	for _, offset := range a.touched {
		got, err := s.machine.ReadByteAt(a.addr + offset)
		if err != nil {
			return errors.Wrapf(err, "reading %#x", a.addr+offset)
		}

		if got != a.pattern {
			return errors.Errorf("allocation %#x: byte at offset %#x is %#x; expected %#x", a.addr, offset, got, a.pattern)
		}
	}
	return nil
}

// check verifies the invariants of the frame allocator and the heap and
// that every live allocation still holds the data written to it.
func (s *simulator) check() error {
	var free uint32
	for frame := mm.Frame(0); uint32(frame) < s.mem.Frames.TotalFrames(); frame++ {
		if s.mem.Frames.IsFree(frame) {
			free++
		}
	}
	if free != s.mem.Frames.FreeCount() {
		return errors.Errorf("frame bitmap reports %d free frames; counter says %d", free, s.mem.Frames.FreeCount())
	}

	var (
		prevEnd   uintptr
		freeBytes uintptr
		err       error
	)
	s.mem.Heap.VisitFree(func(start, size uintptr) bool {
		if start <= prevEnd && prevEnd != 0 {
			err = errors.Errorf("free range %#x is not sorted, disjoint and coalesced", start)
			return false
		}
		prevEnd = start + size
		freeBytes += size
		return true
	})
	if err != nil {
		return err
	}

	liveSizes := make(map[uintptr]uintptr, len(s.live))
	for _, a := range s.live {
		liveSizes[a.addr] = a.size
	}

	var usedCount int
	prevEnd = 0
	s.mem.Heap.VisitUsed(func(start, size uintptr) bool {
		usedCount++

		if want, ok := liveSizes[start]; !ok || want != size {
			err = errors.Errorf("used range [%#x, %#x) does not match a live allocation", start, start+size)
			return false
		}

		if start < prevEnd {
			err = errors.Errorf("used range %#x overlaps the previous one", start)
			return false
		}
		prevEnd = start + size

		if _, isFree := s.mem.Heap.FreeRangeAt(start); isFree {
			err = errors.Errorf("used range %#x overlaps a free range", start)
			return false
		}
		return true
	})
	if err != nil {
		return err
	}

	switch {
	case usedCount != len(s.live):
		return errors.Errorf("heap tracks %d allocations; expected %d", usedCount, len(s.live))
	case freeBytes != s.mem.Heap.FreeBytes():
		return errors.Errorf("free ranges add up to %d bytes; counter says %d", freeBytes, s.mem.Heap.FreeBytes())
	case freeBytes+s.mem.Heap.UsedBytes() != s.heapTotal:
		return errors.Errorf("heap accounts for %d bytes; expected %d", freeBytes+s.mem.Heap.UsedBytes(), s.heapTotal)
	}

	return s.guard(func() error {
		for _, a := range s.live {
			if err := s.verify(a); err != nil {
				return err
			}
		}
		return nil
	})
}

// run executes steps random operations checking the invariants after each
// one.
func (s *simulator) run(steps int) error {
	for i := 0; i < steps; i++ {
		if err := s.step(); err != nil {
			return errors.Wrapf(err, "step %d", s.counters.steps)
		}

		if err := s.check(); err != nil {
			return errors.Wrapf(err, "invariant violated after step %d", s.counters.steps)
		}
	}
	return nil
}

// report prints the workload counters and the machine statistics.
func (s *simulator) report(w io.Writer) {
	stats := s.machine.Stats()

	kfmt.Fprintf(w, "steps: %d (malloc %d, touch %d, free %d, out of space %d)\n",
		s.counters.steps, s.counters.mallocs, s.counters.touches, s.counters.frees, s.counters.outOfSpace)
	kfmt.Fprintf(w, "live allocations: %d\n", len(s.live))
	kfmt.Fprintf(w, "page faults: %d, TLB hits: %d, TLB misses: %d, TLB flushes: %d, CR3 loads: %d\n",
		stats.PageFaults, stats.TLBHits, stats.TLBMisses, stats.TLBFlushes, stats.CR3Loads)
	s.mem.Dump(w)
}
