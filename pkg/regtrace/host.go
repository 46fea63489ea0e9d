package regtrace

// Hook is called before an instrumented instruction executes, on the
// thread executing it, with that thread's registers.
type Hook func(regs RegisterFile)

// Instruction is an instruction the host has just discovered.
type Instruction interface {
	Address() uint64
	// InsertCallBefore arranges for hook to run every time the
	// instruction is about to execute.
	InsertCallBefore(hook Hook)
}

// Host is the instrumentation engine driving a Tracer.
//
// Image load funcs are called once per image, before any instruction
// belonging to it is discovered. Instruction funcs are called the first
// time an address is executed, and again after FlushCodeCache (or after
// the host evicted the address from its cache). Fini funcs are called once
// when the traced process exits.
type Host interface {
	AddImageLoadFunc(fn func(img *Image))
	AddInstructionFunc(fn func(ins Instruction))
	AddFiniFunc(fn func(exitCode int))
	// FlushCodeCache discards all instrumentation decisions so that every
	// instruction is discovered again.
	FlushCodeCache()
}
