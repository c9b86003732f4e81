package console

import (
	"io"
	"unsafe"

	"github.com/PSanf2/POS-C9/kernel"
	"github.com/PSanf2/POS-C9/kernel/kfmt"
	"github.com/PSanf2/POS-C9/kernel/mm"
)

const (
	// EgaFramebuffer is the physical address of the color text-mode
	// framebuffer.
	EgaFramebuffer = uintptr(0xb8000)

	// EgaColumns and EgaRows describe the dimensions of text mode 3.
	EgaColumns = 80
	EgaRows    = 25

	clearChar = byte(' ')
)

var errNoFramebuffer = &kernel.Error{Module: "ega_text", Message: "framebuffer not attached"}

// EgaRange returns the physical memory range occupied by the text-mode
// framebuffer. It must stay identity mapped once paging is enabled.
func EgaRange() mm.Range {
	return mm.Range{Start: EgaFramebuffer, Size: EgaColumns * EgaRows * 2}
}

// Ega implements an EGA-compatible text console. Each cell of the framebuffer
// holds the character in the low byte and the background/foreground colors
// in the high byte.
type Ega struct {
	width  uint16
	height uint16

	fbAddr uintptr
	fb     []uint16
}

// Init attaches the console to the framebuffer at fbAddr.
func (cons *Ega) Init(mem mm.Accessor, width, height uint16, fbAddr uintptr) {
	cons.width = width
	cons.height = height
	cons.fbAddr = fbAddr
	cons.fb = unsafe.Slice((*uint16)(mem.Pointer(fbAddr)), int(width)*int(height))
}

// DriverName returns the name of this driver.
func (cons *Ega) DriverName() string {
	return "ega_text"
}

// DriverVersion returns the version of this driver.
func (cons *Ega) DriverVersion() (uint16, uint16, uint16) {
	return 0, 1, 0
}

// DriverInit clears the console. Init must have been called first.
func (cons *Ega) DriverInit(w io.Writer) *kernel.Error {
	if cons.fb == nil {
		return errNoFramebuffer
	}

	cons.Fill(0, 0, cons.width, cons.height, LightGrey, Black)
	kfmt.Fprintf(w, "%dx%d text console at 0x%x\n", cons.width, cons.height, cons.fbAddr)
	return nil
}

// Dimensions returns the console width and height in characters.
func (cons *Ega) Dimensions() (uint16, uint16) {
	return cons.width, cons.height
}

// Fill clears the specified rectangular region. The region is clipped to the
// console dimensions.
func (cons *Ega) Fill(x, y, width, height uint16, fg, bg Attr) {
	var (
		clr                  = cell(clearChar, fg, bg)
		rowOffset, colOffset int
	)

	if x >= cons.width || y >= cons.height {
		return
	}

	if x+width > cons.width {
		width = cons.width - x
	}
	if y+height > cons.height {
		height = cons.height - y
	}

	rowOffset = int(y)*int(cons.width) + int(x)
	for ; height > 0; height, rowOffset = height-1, rowOffset+int(cons.width) {
		for colOffset = rowOffset; colOffset < rowOffset+int(width); colOffset++ {
			cons.fb[colOffset] = clr
		}
	}
}

// Scroll a particular number of lines to the specified direction. The caller
// is responsible for clearing the lines that scrolled into view.
func (cons *Ega) Scroll(dir ScrollDir, lines uint16) {
	if lines == 0 || lines > cons.height {
		return
	}

	offset := int(lines) * int(cons.width)
	total := int(cons.height) * int(cons.width)

	switch dir {
	case Up:
		for i := 0; i < total-offset; i++ {
			cons.fb[i] = cons.fb[i+offset]
		}
	case Down:
		for i := total - 1; i >= offset; i-- {
			cons.fb[i] = cons.fb[i-offset]
		}
	}
}

// Write a char to the specified location. Writes outside the console are
// ignored.
func (cons *Ega) Write(ch byte, fg, bg Attr, x, y uint16) {
	if x >= cons.width || y >= cons.height {
		return
	}

	cons.fb[int(y)*int(cons.width)+int(x)] = cell(ch, fg, bg)
}

func cell(ch byte, fg, bg Attr) uint16 {
	return uint16((bg&0xf)<<4|(fg&0xf))<<8 | uint16(ch)
}
