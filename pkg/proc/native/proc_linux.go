//go:build linux && (amd64 || 386)

package native

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"sync/atomic"
	"syscall"

	lru "github.com/hashicorp/golang-lru"
	sys "golang.org/x/sys/unix"

	"github.com/regtrace/regtrace/pkg/logflags"
	"github.com/regtrace/regtrace/pkg/proc/linutil"
	"github.com/regtrace/regtrace/pkg/regtrace"
)

const (
	personalityGetPersonality = 0xffffffff // argument to pass to personality syscall to get the current personality
	_ADDR_NO_RANDOMIZE        = 0x0040000  // ADDR_NO_RANDOMIZE linux constant
)

// Process is a process traced one instruction at a time. It implements
// regtrace.Host.
type Process struct {
	pid          int
	childProcess bool // this process was launched, not attached to
	ctty         *os.File

	// threads is only accessed on the ptrace thread once Run is called.
	threads map[int]*nativeThread

	ptraceChan     chan func()
	ptraceDoneChan chan interface{}

	imageLoadFuncs   []func(*regtrace.Image)
	instructionFuncs []func(regtrace.Instruction)
	finiFuncs        []func(int)

	codeCache *lru.Cache
	mappings  []linutil.Mapping
	images    map[string]bool

	fastForward func() (uint64, bool)
	bp          *breakpoint
	// stepping is false while threads run freely towards the entry
	// breakpoint.
	stepping bool

	detachRequested atomic.Bool
	exited          bool

	log logflags.Logger
}

type breakpoint struct {
	addr     uint64
	original []byte
	removed  bool
}

var breakpointInstruction = []byte{0xCC}

func newProcess(pid int, cacheSize int) (*Process, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCodeCacheSize
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	dbp := &Process{
		pid:            pid,
		threads:        make(map[int]*nativeThread),
		ptraceChan:     make(chan func()),
		ptraceDoneChan: make(chan interface{}),
		codeCache:      cache,
		images:         make(map[string]bool),
		stepping:       true,
		log:            logflags.PtraceLogger(),
	}
	go dbp.handlePtraceFuncs()
	return dbp, nil
}

// Launch starts cmd stopped at its first instruction. The first entry of
// cmd is the program to run, the rest are its arguments.
func Launch(cmd []string, cfg LaunchConfig) (*Process, error) {
	if len(cmd) == 0 {
		return nil, errors.New("no command to launch")
	}
	var (
		process *exec.Cmd
		err     error
	)

	dbp, err := newProcess(0, cfg.CodeCacheSize)
	if err != nil {
		return nil, err
	}
	dbp.execPtraceFunc(func() {
		if cfg.DisableASLR {
			oldPersonality, _, err := syscall.Syscall(sys.SYS_PERSONALITY, personalityGetPersonality, 0, 0)
			if err == syscall.Errno(0) {
				newPersonality := oldPersonality | _ADDR_NO_RANDOMIZE
				syscall.Syscall(sys.SYS_PERSONALITY, newPersonality, 0, 0)
				defer syscall.Syscall(sys.SYS_PERSONALITY, oldPersonality, 0, 0)
			}
		}

		process = exec.Command(cmd[0])
		process.Args = cmd
		process.Stdin = orDefault(cfg.Stdin, os.Stdin)
		process.Stdout = orDefault(cfg.Stdout, os.Stdout)
		process.Stderr = orDefault(cfg.Stderr, os.Stderr)
		process.SysProcAttr = &syscall.SysProcAttr{
			Ptrace:  true,
			Setpgid: true,
		}
		if cfg.TTY != "" {
			dbp.ctty, err = attachProcessToTTY(process, cfg.TTY)
			if err != nil {
				return
			}
		}
		if cfg.Wd != "" {
			process.Dir = cfg.Wd
		}
		err = process.Start()
	})
	if err != nil {
		dbp.postExit()
		return nil, err
	}
	dbp.pid = process.Process.Pid
	dbp.childProcess = true
	dbp.log.Debugf("launched %s as process %d", cmd[0], dbp.pid)

	dbp.execPtraceFunc(func() {
		if _, _, err = dbp.waitFor(dbp.pid); err != nil {
			err = fmt.Errorf("waiting for target execve failed: %s", err)
			return
		}
		err = dbp.addThread(dbp.pid, true)
	})
	if err != nil {
		_ = sys.Kill(-dbp.pid, sys.SIGKILL)
		dbp.postExit()
		return nil, err
	}
	return dbp, nil
}

func orDefault(f, def *os.File) *os.File {
	if f == nil {
		return def
	}
	return f
}

// Attach stops every thread of an existing process. Instructions are
// traced from the point where each thread was stopped.
func Attach(pid int, cacheSize int) (*Process, error) {
	dbp, err := newProcess(pid, cacheSize)
	if err != nil {
		return nil, err
	}
	dbp.execPtraceFunc(func() { err = dbp.attachThreads() })
	if err != nil {
		dbp.execPtraceFunc(func() {
			for tid := range dbp.threads {
				_ = ptraceDetach(tid, 0)
			}
		})
		dbp.postExit()
		return nil, err
	}
	return dbp, nil
}

func (dbp *Process) attachThreads() error {
	if err := ptraceAttach(dbp.pid); err != nil {
		return fmt.Errorf("could not attach to %d: %w", dbp.pid, err)
	}
	if _, _, err := dbp.waitFor(dbp.pid); err != nil {
		return err
	}
	if err := dbp.addThread(dbp.pid, true); err != nil {
		return err
	}
	tids, _ := filepath.Glob(fmt.Sprintf("/proc/%d/task/*", dbp.pid))
	for _, tidpath := range tids {
		tid, err := strconv.Atoi(filepath.Base(tidpath))
		if err != nil {
			return err
		}
		if tid == dbp.pid {
			continue
		}
		if err := ptraceAttach(tid); err != nil {
			if err == sys.EPERM {
				// already traced through PTRACE_O_TRACECLONE
				continue
			}
			return fmt.Errorf("could not attach to thread %d: %w", tid, err)
		}
		_, status, err := dbp.waitFor(tid)
		if err != nil {
			return err
		}
		if status.Exited() || status.Signaled() {
			continue
		}
		if err := dbp.addThread(tid, true); err != nil {
			return err
		}
	}
	return nil
}

// Pid returns the process ID.
func (dbp *Process) Pid() int {
	return dbp.pid
}

// AddImageLoadFunc implements regtrace.Host.
func (dbp *Process) AddImageLoadFunc(fn func(img *regtrace.Image)) {
	dbp.imageLoadFuncs = append(dbp.imageLoadFuncs, fn)
}

// AddInstructionFunc implements regtrace.Host.
func (dbp *Process) AddInstructionFunc(fn func(ins regtrace.Instruction)) {
	dbp.instructionFuncs = append(dbp.instructionFuncs, fn)
}

// AddFiniFunc implements regtrace.Host.
func (dbp *Process) AddFiniFunc(fn func(exitCode int)) {
	dbp.finiFuncs = append(dbp.finiFuncs, fn)
}

// FlushCodeCache implements regtrace.Host.
func (dbp *Process) FlushCodeCache() {
	dbp.codeCache.Purge()
}

// FastForward lets the process run at full speed until it executes the
// address returned by entry. It is only effective if entry returns true
// once the images mapped at launch are known and the address belongs to
// one of them.
func (dbp *Process) FastForward(entry func() (uint64, bool)) {
	dbp.fastForward = entry
}

// Run traces the process until it exits and returns its exit status. If
// the process is killed by a signal the exit status is 128 plus the
// signal number.
// Cancelling ctx kills a launched process and detaches from an attached
// one.
func (dbp *Process) Run(ctx context.Context) (exitCode int, err error) {
	if dbp.exited {
		return 0, ErrProcessExited
	}
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			dbp.requestStop()
		case <-done:
		}
	}()

	dbp.execPtraceFunc(func() {
		if err = dbp.start(); err != nil {
			if dbp.childProcess {
				_ = sys.Kill(-dbp.pid, sys.SIGKILL)
			}
			return
		}
		exitCode, err = dbp.loop()
	})
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	for _, fn := range dbp.finiFuncs {
		fn(exitCode)
	}
	dbp.postExit()
	return exitCode, err
}

func (dbp *Process) requestStop() {
	if dbp.childProcess {
		dbp.log.Debugf("killing process %d", dbp.pid)
		_ = sys.Kill(-dbp.pid, sys.SIGKILL)
		return
	}
	dbp.log.Debugf("detaching from process %d", dbp.pid)
	dbp.detachRequested.Store(true)
	// wakes up the event loop if every thread is blocked
	_ = sys.Tgkill(dbp.pid, dbp.pid, sys.SIGSTOP)
}

// start delivers the images already mapped, plants the entry breakpoint
// and resumes every thread.
func (dbp *Process) start() error {
	dbp.refreshImages()
	if dbp.fastForward != nil {
		if addr, ok := dbp.fastForward(); ok && dbp.mapped(addr) {
			if err := dbp.setBreakpoint(addr); err != nil {
				dbp.log.Warnf("could not fast forward to %#x: %v", addr, err)
			} else {
				dbp.log.Debugf("running until %#x", addr)
				dbp.stepping = false
			}
		}
	}
	for _, th := range dbp.threads {
		if err := dbp.resume(th, 0, true); err != nil {
			return err
		}
	}
	return nil
}

func (dbp *Process) loop() (int, error) {
	for {
		wpid, status, err := dbp.waitFor(-1)
		if err != nil {
			return 0, fmt.Errorf("wait err %s", err)
		}
		if status.Exited() || status.Signaled() {
			delete(dbp.threads, wpid)
			if wpid != dbp.pid {
				continue
			}
			if status.Signaled() {
				dbp.log.Debugf("process %d killed by %s", wpid, status.Signal())
				return 128 + int(status.Signal()), nil
			}
			return status.ExitStatus(), nil
		}
		if !status.Stopped() {
			continue
		}

		th, ok := dbp.threads[wpid]
		if !ok {
			// the initial stop of a new thread can be reported before
			// the clone event of its parent
			if err := dbp.addThread(wpid, false); err != nil {
				return 0, err
			}
			th = dbp.threads[wpid]
		}

		if dbp.detachRequested.Load() {
			return 0, dbp.detach(th, status)
		}
		if err := dbp.handleStop(th, status); err != nil {
			if err == sys.ESRCH {
				// the thread was killed, wait will report it
				continue
			}
			return 0, err
		}
	}
}

func (dbp *Process) handleStop(th *nativeThread, status *sys.WaitStatus) error {
	sig := status.StopSignal()
	switch {
	case sig == sys.SIGTRAP && status.TrapCause() == sys.PTRACE_EVENT_CLONE:
		cloned, err := sys.PtraceGetEventMsg(th.ID)
		if err != nil {
			return err
		}
		if _, ok := dbp.threads[int(cloned)]; !ok {
			dbp.threads[int(cloned)] = &nativeThread{ID: int(cloned)}
		}
		if logflags.Ptrace() {
			dbp.log.Debugf("thread %d created thread %d", th.ID, cloned)
		}
		return dbp.resume(th, 0, false)

	case sig == sys.SIGTRAP && status.TrapCause() == sys.PTRACE_EVENT_EXEC:
		dbp.log.Warnf("process %d called execve, discarding known images", dbp.pid)
		// every other thread is gone and the exec'ing thread now has the
		// process ID
		th = &nativeThread{ID: dbp.pid, started: true}
		dbp.threads = map[int]*nativeThread{dbp.pid: th}
		dbp.mappings = nil
		dbp.images = make(map[string]bool)
		dbp.bp = nil
		dbp.stepping = true
		dbp.FlushCodeCache()
		return dbp.resume(th, 0, true)

	case sig == sys.SIGSTOP && (th.interrupted || !th.started):
		th.interrupted = false
		th.started = true
		return dbp.resume(th, 0, true)

	case sig == sys.SIGTRAP && !th.singleStepping:
		if err := ptraceGetRegs(th.ID, &th.regs); err != nil {
			return err
		}
		if dbp.bp != nil && th.regs.PC()-1 == dbp.bp.addr {
			return dbp.entryReached(th)
		}
		return dbp.resume(th, int(sig), false)

	case sig == sys.SIGTRAP:
		return dbp.resume(th, 0, true)
	}

	if logflags.Ptrace() {
		dbp.log.Debugf("forwarding %s to thread %d", sig, th.ID)
	}
	return dbp.resume(th, int(sig), false)
}

// entryReached is called when th stops on the entry breakpoint. From now
// on every thread is traced.
func (dbp *Process) entryReached(th *nativeThread) error {
	setPC(&th.regs, dbp.bp.addr)
	if err := ptraceSetRegs(th.ID, &th.regs); err != nil {
		return err
	}
	if dbp.bp.removed {
		// another thread hit the breakpoint before it was removed
		return dbp.resume(th, 0, true)
	}
	if err := dbp.clearBreakpoint(th.ID); err != nil {
		return err
	}
	dbp.log.Debugf("thread %d reached %#x, tracing every thread", th.ID, dbp.bp.addr)
	dbp.stepping = true
	for _, other := range dbp.threads {
		if other == th || !other.started || other.interrupted {
			continue
		}
		if err := sys.Tgkill(dbp.pid, other.ID, sys.SIGSTOP); err != nil {
			dbp.log.Debugf("could not stop thread %d: %v", other.ID, err)
			continue
		}
		other.interrupted = true
	}
	return dbp.resume(th, 0, true)
}

// resume restarts a stopped thread. If visit is true the thread is
// stopped before an instruction that has not been visited yet.
func (dbp *Process) resume(th *nativeThread, sig int, visit bool) error {
	if !dbp.stepping {
		th.singleStepping = false
		return ptraceCont(th.ID, sig)
	}
	if visit {
		if err := ptraceGetRegs(th.ID, &th.regs); err != nil {
			return err
		}
		dbp.visit(th)
	}
	th.singleStepping = true
	return ptraceSingleStep(th.ID, sig)
}

func (dbp *Process) setBreakpoint(addr uint64) error {
	tid := dbp.pid
	original := make([]byte, len(breakpointInstruction))
	if _, err := readMemory(tid, addr, original); err != nil {
		return err
	}
	if _, err := writeMemory(tid, addr, breakpointInstruction); err != nil {
		return err
	}
	dbp.bp = &breakpoint{addr: addr, original: original}
	return nil
}

func (dbp *Process) clearBreakpoint(tid int) error {
	if dbp.bp == nil || dbp.bp.removed {
		return nil
	}
	if _, err := writeMemory(tid, dbp.bp.addr, dbp.bp.original); err != nil {
		return fmt.Errorf("could not clear breakpoint at %#x: %w", dbp.bp.addr, err)
	}
	dbp.bp.removed = true
	return nil
}

// detach stops every thread and detaches from it. cur is the thread that
// reported status.
func (dbp *Process) detach(cur *nativeThread, status *sys.WaitStatus) error {
	if err := dbp.clearBreakpoint(cur.ID); err != nil {
		return err
	}
	// requestStop sent a SIGSTOP to the thread group leader
	if leader, ok := dbp.threads[dbp.pid]; ok {
		leader.interrupted = true
	}

	sig := 0
	switch s := status.StopSignal(); {
	case s == sys.SIGSTOP && cur.interrupted:
		cur.interrupted = false
	case s == sys.SIGSTOP && !cur.started:
	case s != sys.SIGTRAP:
		sig = int(s)
	}

	for _, th := range dbp.threads {
		if th == cur || !th.started || th.interrupted {
			continue
		}
		if err := sys.Tgkill(dbp.pid, th.ID, sys.SIGSTOP); err == nil {
			th.interrupted = true
		}
	}

	if cur.interrupted {
		dbp.drainStop(cur, sig)
	} else {
		_ = ptraceDetach(cur.ID, sig)
	}
	for _, th := range dbp.threads {
		if th == cur {
			continue
		}
		dbp.drainStop(th, 0)
	}
	dbp.log.Debugf("detached from process %d", dbp.pid)
	return nil
}

// drainStop waits for the SIGSTOP sent to th and detaches from it.
func (dbp *Process) drainStop(th *nativeThread, sig int) {
	if err := ptraceCont(th.ID, sig); err != nil && err != sys.ESRCH {
		// already in a stop that was not reported yet
		dbp.log.Debugf("continuing thread %d: %v", th.ID, err)
	}
	for {
		_, status, err := dbp.waitFor(th.ID)
		if err != nil || status.Exited() || status.Signaled() {
			return
		}
		s := status.StopSignal()
		if s == sys.SIGSTOP {
			_ = ptraceDetach(th.ID, 0)
			return
		}
		fwd := 0
		if s != sys.SIGTRAP {
			fwd = int(s)
		}
		if err := ptraceCont(th.ID, fwd); err != nil {
			return
		}
	}
}

func (dbp *Process) addThread(tid int, started bool) error {
	if err := ptraceSetOptions(tid); err != nil && err != sys.ESRCH {
		return fmt.Errorf("could not set options for new traced thread %d %s", tid, err)
	}
	dbp.threads[tid] = &nativeThread{ID: tid, started: started}
	return nil
}

func (dbp *Process) waitFor(pid int) (int, *sys.WaitStatus, error) {
	var s sys.WaitStatus
	for {
		wpid, err := sys.Wait4(pid, &s, sys.WALL, nil)
		if err == sys.EINTR {
			continue
		}
		return wpid, &s, err
	}
}

// handlePtraceFuncs runs ptrace requests on a single goroutine locked to
// its OS thread: ptrace(2) expects every request after PTRACE_ATTACH to
// come from the thread that attached.
func (dbp *Process) handlePtraceFuncs() {
	runtime.LockOSThread()

	for fn := range dbp.ptraceChan {
		fn()
		dbp.ptraceDoneChan <- nil
	}
}

func (dbp *Process) execPtraceFunc(fn func()) {
	dbp.ptraceChan <- fn
	<-dbp.ptraceDoneChan
}

func (dbp *Process) postExit() {
	if dbp.exited {
		return
	}
	dbp.exited = true
	close(dbp.ptraceChan)
	close(dbp.ptraceDoneChan)
	if dbp.ctty != nil {
		dbp.ctty.Close()
	}
}
