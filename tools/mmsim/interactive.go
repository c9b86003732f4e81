package main

import (
	"io"

	"github.com/mattn/go-tty"
	"github.com/pkg/errors"

	"github.com/PSanf2/POS-C9/kernel/kfmt"
)

const helpText = `keys:
  m  allocate a random block       M  allocate a page-aligned block
  f  free a random allocation      t  touch a random allocation
  s  run 100 random steps          c  check invariants
  d  dump memory manager state     r  print report
  h  help                          q  quit
`

// runInteractive reads single key presses from the terminal and applies the
// matching operation to sim until q is pressed.
func runInteractive(sim *simulator) error {
	term, err := tty.Open()
	if err != nil {
		return errors.Wrap(err, "opening terminal")
	}
	defer term.Close()

	out := term.Output()
	kfmt.Fprintf(out, helpText)

	for {
		key, err := term.ReadRune()
		if err != nil {
			return errors.Wrap(err, "reading key")
		}

		done, err := handleKey(sim, key, out)
		if err != nil {
			kfmt.Fprintf(out, "error: %s\n", err.Error())
			continue
		}
		if done {
			return nil
		}
	}
}

// handleKey applies the operation bound to key. It returns true when the
// session should end.
func handleKey(sim *simulator, key rune, out io.Writer) (bool, error) {
	switch key {
	case 'm':
		size := uintptr(sim.rng.Int63n(int64(sim.cfg.maxAlloc))) + 1
		return false, sim.malloc(size, 1)
	case 'M':
		size := uintptr(sim.rng.Int63n(int64(sim.cfg.maxAlloc))) + 1
		return false, sim.malloc(size, 4096)
	case 'f', 't':
		if len(sim.live) == 0 {
			return false, errors.New("no live allocations")
		}
		i := sim.rng.Intn(len(sim.live))
		if key == 'f' {
			return false, sim.free(i)
		}
		return false, sim.touch(i)
	case 's':
		return false, sim.run(100)
	case 'c':
		if err := sim.check(); err != nil {
			return false, err
		}
		kfmt.Fprintf(out, "ok\n")
	case 'd':
		sim.mem.Dump(out)
	case 'r':
		sim.report(out)
	case 'h', '?':
		kfmt.Fprintf(out, helpText)
	case 'q':
		return true, nil
	}
	return false, nil
}
