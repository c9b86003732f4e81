package console

// DefaultTabWidth is the number of spaces a tab expands to.
const DefaultTabWidth = 4

// Terminal is an io.Writer on top of a console Device. It tracks a cursor
// and interprets the following special characters:
//   - \r (carriage-return)
//   - \n (line-feed)
//   - \b (backspace)
//   - \t (tab; expanded to TabWidth spaces)
//
// When the cursor moves past the last line the console contents scroll up.
type Terminal struct {
	cons Device

	width, height uint16

	// TabWidth controls tab expansion.
	TabWidth uint8

	fg, bg           Attr
	cursorX, cursorY uint16
}

// AttachTo connects the terminal to a console, clears it and moves the
// cursor to the top-left corner.
func (t *Terminal) AttachTo(cons Device) {
	t.cons = cons
	t.width, t.height = cons.Dimensions()
	if t.TabWidth == 0 {
		t.TabWidth = DefaultTabWidth
	}
	if t.fg == t.bg {
		t.fg, t.bg = LightGrey, Black
	}
	t.Clear()
}

// SetColors sets the attributes used for subsequent writes.
func (t *Terminal) SetColors(fg, bg Attr) {
	t.fg, t.bg = fg, bg
}

// Clear clears the console and resets the cursor.
func (t *Terminal) Clear() {
	if t.cons == nil {
		return
	}

	t.cons.Fill(0, 0, t.width, t.height, t.fg, t.bg)
	t.cursorX, t.cursorY = 0, 0
}

// Position returns the current cursor position.
func (t *Terminal) Position() (uint16, uint16) {
	return t.cursorX, t.cursorY
}

// SetPosition moves the cursor to (x, y) clipping it to the console
// dimensions.
func (t *Terminal) SetPosition(x, y uint16) {
	if x >= t.width {
		x = t.width - 1
	}
	if y >= t.height {
		y = t.height - 1
	}
	t.cursorX, t.cursorY = x, y
}

// Write implements io.Writer.
func (t *Terminal) Write(data []byte) (int, error) {
	for _, b := range data {
		_ = t.WriteByte(b)
	}
	return len(data), nil
}

// WriteByte implements io.ByteWriter. Output is discarded while the terminal
// is not attached to a console.
func (t *Terminal) WriteByte(b byte) error {
	if t.cons == nil {
		return nil
	}

	switch b {
	case '\r':
		t.cursorX = 0
	case '\n':
		t.lf()
	case '\b':
		if t.cursorX > 0 {
			t.cursorX--
			t.cons.Write(clearChar, t.fg, t.bg, t.cursorX, t.cursorY)
		}
	case '\t':
		for i := uint8(0); i < t.TabWidth; i++ {
			t.put(' ')
		}
	default:
		t.put(b)
	}

	return nil
}

// put writes b at the cursor and advances it, wrapping at the end of the
// line.
func (t *Terminal) put(b byte) {
	t.cons.Write(b, t.fg, t.bg, t.cursorX, t.cursorY)
	t.cursorX++
	if t.cursorX >= t.width {
		t.lf()
	}
}

// lf moves the cursor to the start of the next line, scrolling the console if
// the cursor is already on the last line.
func (t *Terminal) lf() {
	t.cursorX = 0
	if t.cursorY+1 < t.height {
		t.cursorY++
		return
	}

	t.cons.Scroll(Up, 1)
	t.cons.Fill(0, t.cursorY, t.width, 1, t.fg, t.bg)
}
