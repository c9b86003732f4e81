package main

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/PSanf2/POS-C9/kernel/hal/multiboot"
)

func TestParseMemoryMap(t *testing.T) {
	specs := []struct {
		input  string
		exp    multiboot.MemoryMap
		expErr string
	}{
		{
			input: `
# base      length     type
0x0         0x9fc00    available
0x9fc00     0x400      reserved
0x100000    0x700000   1
0x7f0000    0x10000    acpi
0x800000    4096       NVS
`,
			exp: multiboot.MemoryMap{
				{PhysAddress: 0, Length: 0x9fc00, Type: multiboot.MemAvailable},
				{PhysAddress: 0x9fc00, Length: 0x400, Type: multiboot.MemReserved},
				{PhysAddress: 0x100000, Length: 0x700000, Type: multiboot.MemAvailable},
				{PhysAddress: 0x7f0000, Length: 0x10000, Type: multiboot.MemAcpiReclaimable},
				{PhysAddress: 0x800000, Length: 4096, Type: multiboot.MemNvs},
			},
		},
		{input: "0x0 0x1000", expErr: "line 1: expected <base> <length> <type>"},
		{input: "# header\nzero 0x1000 available", expErr: "line 2: invalid base address"},
		{input: "0x0 -1 available", expErr: "line 1: invalid length"},
		{input: "0x0 0x1000 usable", expErr: `line 1: unknown region type "usable"`},
		{input: "# nothing here\n\n", expErr: "memory map is empty"},
	}

	for specIndex, spec := range specs {
		memMap, err := parseMemoryMap(strings.NewReader(spec.input))
		if spec.expErr != "" {
			if err == nil || !strings.Contains(err.Error(), spec.expErr) {
				t.Errorf("[spec %d] expected error containing %q; got %v", specIndex, spec.expErr, err)
			}
			continue
		}

		if err != nil {
			t.Errorf("[spec %d] unexpected error: %v", specIndex, err)
			continue
		}

		if len(memMap) != len(spec.exp) {
			t.Errorf("[spec %d] expected %d entries; got %d", specIndex, len(spec.exp), len(memMap))
			continue
		}

		for i := range memMap {
			if memMap[i] != spec.exp[i] {
				t.Errorf("[spec %d] entry %d: expected %+v; got %+v", specIndex, i, spec.exp[i], memMap[i])
			}
		}
	}
}

func TestDefaultMemoryMap(t *testing.T) {
	memMap := defaultMemoryMap(8 << 20)

	if got := highestAddress(memMap); got != 8<<20 {
		t.Fatalf("expected map to end at 8Mb; got %#x", got)
	}

	var available uint64
	for _, entry := range memMap {
		if entry.Type == multiboot.MemAvailable {
			available += entry.Length
		}
	}

	if exp := uint64(0x9fc00 + (8<<20 - 0x100000 - 0x20000)); available != exp {
		t.Fatalf("expected %d available bytes; got %d", exp, available)
	}
}

func newTestSimulator(t *testing.T, seed int64) *simulator {
	t.Helper()

	sim, err := newSimulator(config{
		memMap:     defaultMemoryMap(8 << 20),
		kernelSize: 0x40000,
		maxAlloc:   32 << 10,
		seed:       seed,
		out:        io.Discard,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = sim.Close() })
	return sim
}

func TestSimulatorRun(t *testing.T) {
	sim := newTestSimulator(t, 42)

	if err := sim.run(500); err != nil {
		t.Fatal(err)
	}

	c := sim.counters
	if c.steps != 500 {
		t.Fatalf("expected 500 steps; got %d", c.steps)
	}

	if c.mallocs == 0 || c.frees == 0 || c.touches == 0 {
		t.Fatalf("expected a mix of operations; got %+v", c)
	}

	if exp := c.mallocs - c.frees; len(sim.live) != exp {
		t.Fatalf("expected %d live allocations; got %d", exp, len(sim.live))
	}

	if sim.machine.Stats().PageFaults == 0 {
		t.Fatal("expected touches to be served by demand paging")
	}

	// Releasing everything must give back the whole heap.
	for len(sim.live) > 0 {
		if err := sim.free(0); err != nil {
			t.Fatal(err)
		}
	}

	if got := sim.mem.Heap.FreeBytes(); got != sim.heapTotal {
		t.Fatalf("expected %d free heap bytes; got %d", sim.heapTotal, got)
	}

	if err := sim.check(); err != nil {
		t.Fatal(err)
	}
}

func TestSimulatorDeterministic(t *testing.T) {
	a, b := newTestSimulator(t, 7), newTestSimulator(t, 7)

	for _, sim := range []*simulator{a, b} {
		if err := sim.run(200); err != nil {
			t.Fatal(err)
		}
	}

	if a.counters != b.counters {
		t.Fatalf("expected identical runs; got %+v and %+v", a.counters, b.counters)
	}

	if len(a.live) != len(b.live) {
		t.Fatalf("expected identical live sets; got %d and %d allocations", len(a.live), len(b.live))
	}

	for i := range a.live {
		if a.live[i].addr != b.live[i].addr || a.live[i].size != b.live[i].size {
			t.Fatalf("live allocation %d differs: %+v vs %+v", i, a.live[i], b.live[i])
		}
	}
}

func TestCheckDetectsCorruption(t *testing.T) {
	sim := newTestSimulator(t, 1)

	if err := sim.malloc(64, 1); err != nil {
		t.Fatal(err)
	}

	if err := sim.touch(0); err != nil {
		t.Fatal(err)
	}

	if err := sim.check(); err != nil {
		t.Fatalf("unexpected error before corrupting memory: %v", err)
	}

	a := sim.live[0]
	if err := sim.machine.WriteByteAt(a.addr+a.touched[0], ^a.pattern); err != nil {
		t.Fatal(err)
	}

	if err := sim.check(); err == nil || !strings.Contains(err.Error(), "byte at offset") {
		t.Fatalf("expected corruption to be reported; got %v", err)
	}

	if err := sim.free(0); err == nil {
		t.Fatal("expected free to verify the allocation contents")
	}
}

func TestCheckDetectsUntrackedAllocation(t *testing.T) {
	sim := newTestSimulator(t, 1)

	if _, err := sim.mem.Malloc(128); err != nil {
		t.Fatal(err)
	}

	if err := sim.check(); err == nil || !strings.Contains(err.Error(), "does not match a live allocation") {
		t.Fatalf("expected untracked allocation to be reported; got %v", err)
	}
}

func TestNewSimulatorErrors(t *testing.T) {
	specs := []struct {
		cfg    config
		expErr string
	}{
		{
			cfg:    config{memMap: defaultMemoryMap(8 << 20), kernelSize: 0x1000, out: io.Discard},
			expErr: "maximum allocation size",
		},
		{
			cfg: config{
				memMap:     multiboot.MemoryMap{{PhysAddress: 0, Length: 1 << 33, Type: multiboot.MemAvailable}},
				kernelSize: 0x1000,
				maxAlloc:   16,
				out:        io.Discard,
			},
			expErr: "supports up to 4Gb",
		},
		{
			// The kernel image extends past the end of RAM.
			cfg: config{
				memMap:     defaultMemoryMap(4 << 20),
				kernelSize: 8 << 20,
				maxAlloc:   16,
				out:        io.Discard,
			},
			expErr: "initializing memory manager",
		},
	}

	for specIndex, spec := range specs {
		sim, err := newSimulator(spec.cfg)
		if err == nil {
			_ = sim.Close()
		}

		if err == nil || !strings.Contains(err.Error(), spec.expErr) {
			t.Errorf("[spec %d] expected error containing %q; got %v", specIndex, spec.expErr, err)
		}
	}
}

func TestHandleKey(t *testing.T) {
	sim := newTestSimulator(t, 3)

	var out bytes.Buffer
	for _, key := range "mMtfc" {
		if done, err := handleKey(sim, key, &out); done || err != nil {
			t.Fatalf("key %q: done=%t err=%v", key, done, err)
		}
	}

	if sim.counters.mallocs != 2 || sim.counters.frees != 1 || sim.counters.touches != 1 {
		t.Fatalf("unexpected counters %+v", sim.counters)
	}

	if !strings.Contains(out.String(), "ok") {
		t.Fatalf("expected check output; got %q", out.String())
	}

	out.Reset()
	if _, err := handleKey(sim, 'r', &out); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "live allocations: 1") {
		t.Fatalf("expected report output; got %q", out.String())
	}

	if done, _ := handleKey(sim, 'q', &out); !done {
		t.Fatal("expected q to end the session")
	}
}

func TestHandleKeyWithoutAllocations(t *testing.T) {
	sim := newTestSimulator(t, 3)

	for _, key := range "ft" {
		if _, err := handleKey(sim, key, io.Discard); err == nil {
			t.Errorf("key %q: expected an error with no live allocations", key)
		}
	}
}
