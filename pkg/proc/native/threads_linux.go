//go:build linux && (amd64 || 386)

package native

import (
	"sort"

	"golang.org/x/arch/x86/x86asm"

	"github.com/regtrace/regtrace/pkg/logflags"
	"github.com/regtrace/regtrace/pkg/proc/linutil"
	"github.com/regtrace/regtrace/pkg/regtrace"
)

// nativeThread is a thread of the traced process.
type nativeThread struct {
	ID int
	// regs holds the registers read at the last stop.
	regs archRegs

	// singleStepping is true if the last resume was a single step.
	singleStepping bool
	// started is false until the initial stop of a new thread has been
	// reported.
	started bool
	// interrupted is true if a SIGSTOP was sent to the thread and has
	// not been reported yet.
	interrupted bool
}

// instruction is the code cache entry of an address.
type instruction struct {
	addr  uint64
	hooks []regtrace.Hook
}

func (ins *instruction) Address() uint64 {
	return ins.addr
}

func (ins *instruction) InsertCallBefore(hook regtrace.Hook) {
	ins.hooks = append(ins.hooks, hook)
}

// visit runs the hooks of the instruction th is about to execute.
// Instructions not in the code cache are discovered first.
func (dbp *Process) visit(th *nativeThread) {
	pc := th.regs.PC()
	var ins *instruction
	if v, ok := dbp.codeCache.Get(pc); ok {
		ins = v.(*instruction)
	} else {
		if !dbp.mapped(pc) {
			dbp.refreshImages()
		}
		ins = &instruction{addr: pc}
		for _, fn := range dbp.instructionFuncs {
			fn(ins)
		}
		dbp.codeCache.Add(pc, ins)
		if logflags.Disasm() {
			dbp.disassemble(th)
		}
	}
	for _, hook := range ins.hooks {
		hook(&th.regs)
	}
}

// mapped returns true if addr was mapped the last time the memory map of
// the process was read.
func (dbp *Process) mapped(addr uint64) bool {
	i := sort.Search(len(dbp.mappings), func(i int) bool {
		return dbp.mappings[i].End > addr
	})
	return i < len(dbp.mappings) && dbp.mappings[i].Contains(addr)
}

// refreshImages reads the memory map of the process and calls the image
// load funcs for every executable file mapped since the last call.
func (dbp *Process) refreshImages() {
	log := logflags.ImagesLogger()
	maps, err := linutil.ReadMaps(dbp.pid)
	if err != nil {
		log.Errorf("could not read memory map of %d: %v", dbp.pid, err)
		return
	}
	sort.Slice(maps, func(i, j int) bool { return maps[i].Start < maps[j].Start })
	dbp.mappings = maps

	for _, im := range linutil.GroupImageMappings(maps) {
		im := im
		low, high := im.Range()
		key := regtrace.AddressRange{Low: low, High: high}.String() + " " + im.Path
		if dbp.images[key] || !hasExecutableMapping(im.Mappings) {
			continue
		}
		dbp.images[key] = true
		img, err := linutil.LoadImage(&im)
		if err != nil {
			log.Debugf("skipping %s: %v", im.Path, err)
			continue
		}
		log.Debugf("image loaded %s", img)
		for _, fn := range dbp.imageLoadFuncs {
			fn(img)
		}
	}
}

func hasExecutableMapping(maps []linutil.Mapping) bool {
	for i := range maps {
		if maps[i].Executable() {
			return true
		}
	}
	return false
}

// disassemble logs the instruction th is about to execute.
func (dbp *Process) disassemble(th *nativeThread) {
	log := logflags.DisasmLogger()
	pc := th.regs.PC()
	buf := make([]byte, 15)
	n, _ := readMemory(th.ID, pc, buf)
	inst, err := x86asm.Decode(buf[:n], decodeMode(&th.regs))
	if err != nil {
		log.Debugf("%#x: %v", pc, err)
		return
	}
	log.Debugf("%#x: %s", pc, x86asm.GNUSyntax(inst, pc, nil))
}
