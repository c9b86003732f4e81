package main

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/PSanf2/POS-C9/kernel/hal/multiboot"
)

// defaultMemoryMap returns the layout reported by a typical PC BIOS for a
// machine with ramSize bytes of memory.
func defaultMemoryMap(ramSize uint64) multiboot.MemoryMap {
	return multiboot.MemoryMap{
		{PhysAddress: 0, Length: 0x9fc00, Type: multiboot.MemAvailable},
		{PhysAddress: 0x9fc00, Length: 0x400, Type: multiboot.MemReserved},
		{PhysAddress: 0xf0000, Length: 0x10000, Type: multiboot.MemReserved},
		{PhysAddress: 0x100000, Length: ramSize - 0x100000 - 0x20000, Type: multiboot.MemAvailable},
		{PhysAddress: ramSize - 0x20000, Length: 0x20000, Type: multiboot.MemAcpiReclaimable},
	}
}

// parseMemoryMap reads a memory map with one region per line:
//
//	<base> <length> <type>
//
// Numbers accept any prefix understood by strconv.ParseUint. The type is
// either a multiboot type number or one of available, reserved, acpi and nvs.
// Blank lines and lines starting with # are ignored.
func parseMemoryMap(r io.Reader) (multiboot.MemoryMap, error) {
	var (
		memMap  multiboot.MemoryMap
		scanner = bufio.NewScanner(r)
		lineNo  int
	)

	for scanner.Scan() {
		lineNo++

		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, errors.Errorf("line %d: expected <base> <length> <type>; got %q", lineNo, line)
		}

		base, err := strconv.ParseUint(fields[0], 0, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d: invalid base address", lineNo)
		}

		length, err := strconv.ParseUint(fields[1], 0, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d: invalid length", lineNo)
		}

		entryType, err := parseEntryType(fields[2])
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", lineNo)
		}

		memMap = append(memMap, multiboot.MemoryMapEntry{PhysAddress: base, Length: length, Type: entryType})
	}

	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "reading memory map")
	}

	if len(memMap) == 0 {
		return nil, errors.New("memory map is empty")
	}

	return memMap, nil
}

func parseEntryType(s string) (multiboot.MemoryEntryType, error) {
	switch strings.ToLower(s) {
	case "available":
		return multiboot.MemAvailable, nil
	case "reserved":
		return multiboot.MemReserved, nil
	case "acpi":
		return multiboot.MemAcpiReclaimable, nil
	case "nvs":
		return multiboot.MemNvs, nil
	}

	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, errors.Errorf("unknown region type %q", s)
	}
	return multiboot.MemoryEntryType(v), nil
}

// highestAddress returns the end of the highest region in memMap.
func highestAddress(memMap multiboot.MemoryMap) uint64 {
	var highest uint64
	for _, entry := range memMap {
		if end := entry.PhysAddress + entry.Length; end > highest {
			highest = end
		}
	}
	return highest
}
