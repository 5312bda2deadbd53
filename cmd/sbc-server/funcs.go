package main

// The demo routines are hand-assembled amd64 machine code rather than Go
// functions. A captured region is resurrected at its original address in
// a different process with no relocation, so everything in it must be
// fully position-independent; Go-compiled functions are not (their
// stack-growth prologues and GC metadata refer back into this binary).
// Argument and result both travel in AX under the register ABI, so these
// three- and four-byte leaves need no frame and no fixups.

// demoRegionBase is the fixed address the demo region is prepared and
// captured at: far above the segments and runtime heap of any Go binary,
// below the kernel's mmap area, so the range is free in both the server
// and the client that later loads the image.
const demoRegionBase uintptr = 0x500000000000

// routineSlot spaces the routines inside the region so each entry point
// is independently addressable.
const routineSlot = 16

var demoRoutines = [][]byte{
	{0xff, 0xc0, 0xc3},       // increment: inc eax; ret
	{0x01, 0xc0, 0xc3},       // double:    add eax, eax; ret
	{0x83, 0xc0, 0x2a, 0xc3}, // addMeaning: add eax, 42; ret
}
