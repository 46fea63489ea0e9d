package regtrace

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// fakeRegs is a RegisterFile backed by a map; missing registers read as 0.
type fakeRegs map[x86asm.Reg]uint64

func (r fakeRegs) Reg(reg x86asm.Reg) (uint64, error) {
	if reg == x86asm.CR0 {
		return 0, fmt.Errorf("register %v not available", reg)
	}
	return r[reg], nil
}

type fakeInstruction struct {
	addr  uint64
	hooks []Hook
}

func (ins *fakeInstruction) Address() uint64 { return ins.addr }

func (ins *fakeInstruction) InsertCallBefore(hook Hook) {
	ins.hooks = append(ins.hooks, hook)
}

// fakeHost is a minimal instrumentation engine: it discovers an address
// the first time it is executed and caches the hooks inserted for it.
type fakeHost struct {
	pc       x86asm.Reg
	imageFns []func(*Image)
	insFns   []func(Instruction)
	finiFns  []func(int)
	cache    map[uint64][]Hook
	flushes  int
}

func newFakeHost(pc x86asm.Reg) *fakeHost {
	return &fakeHost{pc: pc, cache: make(map[uint64][]Hook)}
}

func (h *fakeHost) AddImageLoadFunc(fn func(*Image)) { h.imageFns = append(h.imageFns, fn) }
func (h *fakeHost) AddInstructionFunc(fn func(Instruction)) { h.insFns = append(h.insFns, fn) }
func (h *fakeHost) AddFiniFunc(fn func(int)) { h.finiFns = append(h.finiFns, fn) }

func (h *fakeHost) FlushCodeCache() {
	h.flushes++
	h.cache = make(map[uint64][]Hook)
}

func (h *fakeHost) load(img *Image) {
	for _, fn := range h.imageFns {
		fn(img)
	}
}

func (h *fakeHost) exec(regs fakeRegs) {
	pc := regs[h.pc]
	hooks, ok := h.cache[pc]
	if !ok {
		ins := &fakeInstruction{addr: pc}
		for _, fn := range h.insFns {
			fn(ins)
		}
		hooks = ins.hooks
		h.cache[pc] = hooks
	}
	for _, hook := range hooks {
		hook(regs)
	}
}

func (h *fakeHost) fini(code int) {
	for _, fn := range h.finiFns {
		fn(code)
	}
}
