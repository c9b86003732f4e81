// Command mmsim boots the kernel memory manager on a simulated machine and
// exercises it with a random or an interactive workload.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/PSanf2/POS-C9/kernel/hal/multiboot"
)

var (
	ramSize     = flag.Uint64("ram", 16<<20, "amount of simulated RAM in bytes when no memory map is given")
	memMapFile  = flag.String("memmap", "", "file with the memory map to boot with")
	kernelSize  = flag.Uint64("kernel-size", 0x80000, "size of the kernel image loaded at 1Mb")
	seed        = flag.Int64("seed", 1, "seed for the random workload")
	steps       = flag.Int("steps", 10000, "number of random operations to perform")
	maxAlloc    = flag.Uint64("max-alloc", 64<<10, "maximum size of a single allocation")
	interactive = flag.Bool("i", false, "drive the simulator from the keyboard")
	verbose     = flag.Bool("v", false, "show the kernel boot messages")
)

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[mmsim] error: %+v\n", err)
	os.Exit(1)
}

func loadMemoryMap() (multiboot.MemoryMap, error) {
	if *memMapFile == "" {
		if *ramSize < 4<<20 {
			return nil, errors.Errorf("at least 4Mb of RAM are required; got %d bytes", *ramSize)
		}
		return defaultMemoryMap(*ramSize), nil
	}

	f, err := os.Open(*memMapFile)
	if err != nil {
		return nil, errors.Wrap(err, "opening memory map")
	}
	defer f.Close()

	return parseMemoryMap(f)
}

func main() {
	flag.Parse()

	memMap, err := loadMemoryMap()
	if err != nil {
		exit(err)
	}

	var bootLog io.Writer = io.Discard
	if *verbose {
		bootLog = os.Stdout
	}

	sim, err := newSimulator(config{
		memMap:     memMap,
		kernelSize: uintptr(*kernelSize),
		maxAlloc:   uintptr(*maxAlloc),
		seed:       *seed,
		out:        bootLog,
	})
	if err != nil {
		exit(err)
	}
	if *interactive {
		err = runInteractive(sim)
	} else {
		err = sim.run(*steps)
	}

	sim.report(os.Stdout)
	if closeErr := sim.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		exit(err)
	}
}
