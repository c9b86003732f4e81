// Package driver defines the interface implemented by device drivers and the
// loop that probes for and initializes them.
package driver

import (
	"io"

	"github.com/PSanf2/POS-C9/kernel"
	"github.com/PSanf2/POS-C9/kernel/kfmt"
)

// Driver is an interface implemented by all drivers.
type Driver interface {
	// DriverName returns the name of the driver.
	DriverName() string

	// DriverVersion returns the driver version.
	DriverVersion() (major uint16, minor uint16, patch uint16)

	// DriverInit initializes the device driver. If the driver init code
	// needs to log some output, it can use the supplied io.Writer in
	// conjunction with a call to kfmt.Fprintf.
	DriverInit(io.Writer) *kernel.Error
}

// ProbeFn is a function that scans for the presence of a particular
// piece of hardware and returns a driver for it, or nil if the hardware is
// not present.
type ProbeFn func() Driver

// prefixBuf holds the log prefix of the driver being initialized. It is a
// fixed array so that probing works before any allocator is available.
type prefixBuf struct {
	data [64]byte
	len  int
}

func (b *prefixBuf) Write(p []byte) (int, error) {
	n := copy(b.data[b.len:], p)
	b.len += n
	return n, nil
}

func (b *prefixBuf) Bytes() []byte {
	return b.data[:b.len]
}

var prefix prefixBuf

// Probe runs each probe function in order and initializes the drivers they
// return. Driver output is written to w (or the early kfmt buffer if w is
// nil) prefixed with the driver name and version. onInit is invoked for each
// driver that initialized successfully. Probe returns the number of
// initialized drivers.
func Probe(w io.Writer, onInit func(Driver), probes ...ProbeFn) int {
	var (
		pw    = kfmt.PrefixWriter{Sink: w}
		count int
	)

	for _, probeFn := range probes {
		drv := probeFn()
		if drv == nil {
			continue
		}

		prefix.len = 0
		major, minor, patch := drv.DriverVersion()
		kfmt.Fprintf(&prefix, "[driver] %s(%d.%d.%d): ", drv.DriverName(), major, minor, patch)
		pw.Prefix = prefix.Bytes()

		if err := drv.DriverInit(&pw); err != nil {
			kfmt.Fprintf(&pw, "init failed: %s\n", err.Message)
			continue
		}

		kfmt.Fprintf(&pw, "initialized\n")
		count++
		if onInit != nil {
			onInit(drv)
		}
	}

	return count
}
