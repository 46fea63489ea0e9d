// Package regtrace records the general purpose registers of a running
// program immediately before each instruction it executes, producing a
// line oriented log that can be compared against the log of a recompiled
// or lifted version of the same program.
//
// The package does not control processes itself. It is driven by a Host
// (see pkg/proc/native for the ptrace based one) which notifies the
// Tracer of loaded images and newly discovered instructions and lets it
// insert a capture hook before the instructions it wants to record.
//
// Recording is restricted to the image that contains the entry point,
// minus the sections named by the exclusion markers (the PLT by default),
// and starts only once the instruction pointer reaches the entry point.
// Every line has the form
//
//	RIP=0000000000401126 RAX=0000000000401126 RBX=0000000000000000 ...
//
// with values zero padded to twice the pointer size of the traced image.
package regtrace
