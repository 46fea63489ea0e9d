//go:build linux && (amd64 || 386)

package native

import (
	"syscall"

	sys "golang.org/x/sys/unix"
)

// ptraceAttach executes the sys.PtraceAttach call.
func ptraceAttach(pid int) error {
	return sys.PtraceAttach(pid)
}

// ptraceDetach calls ptrace(PTRACE_DETACH).
func ptraceDetach(tid, sig int) error {
	_, _, err := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_DETACH, uintptr(tid), 1, uintptr(sig), 0, 0)
	if err != syscall.Errno(0) {
		return err
	}
	return nil
}

// ptraceCont executes ptrace PTRACE_CONT
func ptraceCont(tid, sig int) error {
	return sys.PtraceCont(tid, sig)
}

// ptraceSingleStep executes ptrace PTRACE_SINGLESTEP
func ptraceSingleStep(pid, sig int) error {
	_, _, e1 := sys.Syscall6(sys.SYS_PTRACE, uintptr(sys.PTRACE_SINGLESTEP), uintptr(pid), uintptr(0), uintptr(sig), 0, 0)
	if e1 != 0 {
		return e1
	}
	return nil
}

// ptraceSetOptions enables the ptrace events the tracer handles.
func ptraceSetOptions(tid int) error {
	return sys.PtraceSetOptions(tid, sys.PTRACE_O_TRACECLONE|sys.PTRACE_O_TRACEEXEC)
}

// readMemory reads len(data) bytes at addr. It stops at the first
// unreadable word and returns the number of bytes read.
func readMemory(tid int, addr uint64, data []byte) (int, error) {
	return sys.PtracePeekData(tid, uintptr(addr), data)
}

// writeMemory writes data at addr, even in read-only text pages.
func writeMemory(tid int, addr uint64, data []byte) (int, error) {
	return sys.PtracePokeData(tid, uintptr(addr), data)
}
