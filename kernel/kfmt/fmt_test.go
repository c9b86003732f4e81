package kfmt

import (
	"bytes"
	"fmt"
	"testing"
)

func TestPrintf(t *testing.T) {
	defer func() {
		outputSink = nil
	}()

	// mute vet warnings about malformed printf formatting strings
	printfn := Printf

	specs := []struct {
		fn        func()
		expOutput string
	}{
		{func() { printfn("no args") }, "no args"},
		{func() { printfn("%t %t", true, false) }, "true false"},
		{func() { printfn("%s arg", "STRING") }, "STRING arg"},
		{func() { printfn("%s arg", []byte("BYTES")) }, "BYTES arg"},
		{func() { printfn("'%4s'", "ABC") }, "' ABC'"},
		{func() { printfn("'%2s'", "ABCDE") }, "'ABCDE'"},
		{func() { printfn("%d", uint8(10)) }, "10"},
		{func() { printfn("%o", uint16(0777)) }, "777"},
		{func() { printfn("0x%x", uint32(0xbadf00d)) }, "0xbadf00d"},
		{func() { printfn("0x%8x", uintptr(0x1000)) }, "0x00001000"},
		{func() { printfn("'%6d'", 123) }, "'   123'"},
		{func() { printfn("'%6d'", -123) }, "'  -123'"},
		{func() { printfn("'%d'", int64(-9)) }, "'-9'"},
		{func() { printfn("'%6x'", -0x1a) }, "'-0001a'"},
		{func() { printfn("100%%") }, "100%"},
		{func() { printfn("%d") }, "(MISSING)"},
		{func() { printfn("%t", "not a bool") }, "%!(WRONGTYPE)"},
		{func() { printfn("%d", "not a number") }, "%!(WRONGTYPE)"},
		{func() { printfn("%q", 1) }, "%!(NOVERB)%!(EXTRA)"},
		{func() { printfn("trailing %") }, "trailing %!(NOVERB)"},
		{func() { printfn("%d", 1, 2) }, "1%!(EXTRA)"},
	}

	var buf bytes.Buffer
	SetOutputSink(&buf)

	for specIndex, spec := range specs {
		t.Run(fmt.Sprint(specIndex), func(t *testing.T) {
			buf.Reset()
			spec.fn()

			if got := buf.String(); got != spec.expOutput {
				t.Fatalf("expected to get %q; got %q", spec.expOutput, got)
			}
		})
	}
}

func TestPrintfToEarlyBuffer(t *testing.T) {
	defer func() {
		outputSink = nil
		earlyBuffer = ringBuffer{}
	}()

	SetOutputSink(nil)
	earlyBuffer = ringBuffer{}

	Printf("frame %d\n", 42)
	Fprintf(nil, "early")

	var buf bytes.Buffer
	SetOutputSink(&buf)

	if exp, got := "frame 42\nearly", buf.String(); got != exp {
		t.Fatalf("expected buffered output %q to be flushed; got %q", exp, got)
	}

	if GetOutputSink() != &buf {
		t.Fatal("expected GetOutputSink to return the installed sink")
	}
}
