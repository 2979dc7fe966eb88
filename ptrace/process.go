// Package ptrace wraps the Linux ptrace(2) capability set the state
// machine is parameterized over: waiting for tracee events, continuing
// threads, single-stepping, and peeking/poking the tracee's memory and
// registers.
package ptrace

import (
	"fmt"
	"io/ioutil"
	"strconv"
	"syscall"

	"github.com/brask/covtrace"
)

// Process is a thread or process ID, traced via the ptrace(2) syscall family
type Process int

// Threads returns the thread IDs of the process, read from /proc/<pid>/task
func (pid Process) Threads() ([]Process, error) {
	tasks, err := ioutil.ReadDir(fmt.Sprintf("/proc/%d/task", pid))
	if err != nil {
		return nil, covtrace.Errorf("process not found: %d", pid)
	}

	threads := make([]Process, 0, len(tasks))
	for _, task := range tasks {
		tid, err := strconv.Atoi(task.Name())
		if err != nil {
			continue
		}
		threads = append(threads, Process(tid))
	}

	return threads, nil
}

// Wait blocks until any thread in pgid's process group changes state.
// Used by the state machine's Wait state (§5: "the engine suspends only
// inside the wait primitive in state Wait").
func Wait(pgid int) (Process, syscall.WaitStatus, error) {
	var status syscall.WaitStatus

	wpid, err := syscall.Wait4(-pgid, &status, syscall.WALL, nil)
	if err != nil {
		return 0, status, covtrace.Error(err)
	}
	if wpid <= 0 {
		// defensive: wait4 without WNOHANG should not return this, but the
		// state machine's Wait state is specified to tolerate it (see §4.4)
		return 0, status, nil
	}

	return Process(wpid), status, nil
}

// TryWait polls pgid's process group without blocking. Used only by the
// Start state before any breakpoint has been armed.
func TryWait(pgid int) (Process, syscall.WaitStatus, bool, error) {
	var status syscall.WaitStatus

	wpid, err := syscall.Wait4(-pgid, &status, syscall.WALL|syscall.WNOHANG, nil)
	if err != nil {
		return 0, status, false, covtrace.Error(err)
	}

	return Process(wpid), status, wpid > 0, nil
}

// Cont continues the thread with no pending signal
func (pid Process) Cont() error {
	return covtrace.Error(syscall.PtraceCont(int(pid), 0))
}

// ContWithSig continues the thread, delivering sig (0 for none)
func (pid Process) ContWithSig(sig syscall.Signal) error {
	return covtrace.Error(syscall.PtraceCont(int(pid), int(sig)))
}

// SingleStep executes a single instruction in the thread and stops it again
func (pid Process) SingleStep() error {
	return covtrace.Error(syscall.PtraceSingleStep(int(pid)))
}

// Detach stops tracing the thread, letting it run free
func (pid Process) Detach() error {
	return covtrace.Error(syscall.PtraceDetach(int(pid)))
}

// SetOptions sets ptrace options (PTRACE_O_*) on the thread
func (pid Process) SetOptions(options int) error {
	return covtrace.Error(syscall.PtraceSetOptions(int(pid), options))
}

// GetEventMsg returns the auxiliary message for the last ptrace-stop (e.g.
// the new PID for a PTRACE_EVENT_CLONE/FORK/VFORK stop)
func (pid Process) GetEventMsg() (uint, error) {
	msg, err := syscall.PtraceGetEventMsg(int(pid))
	return msg, covtrace.Error(err)
}

// GetRegs reads the thread's general purpose registers
func (pid Process) GetRegs() (*syscall.PtraceRegs, error) {
	var regs syscall.PtraceRegs
	if err := syscall.PtraceGetRegs(int(pid), &regs); err != nil {
		return nil, covtrace.Error(err)
	}
	return &regs, nil
}

// SetRegs writes the thread's general purpose registers
func (pid Process) SetRegs(regs *syscall.PtraceRegs) error {
	return covtrace.Error(syscall.PtraceSetRegs(int(pid), regs))
}

// GetPC returns the thread's program counter
func (pid Process) GetPC() (uintptr, error) {
	regs, err := pid.GetRegs()
	if err != nil {
		return 0, covtrace.Error(err)
	}
	return uintptr(regs.Rip), nil
}

// SetPC sets the thread's program counter
func (pid Process) SetPC(pc uintptr) error {
	regs, err := pid.GetRegs()
	if err != nil {
		return covtrace.Error(err)
	}
	regs.Rip = uint64(pc)
	return pid.SetRegs(regs)
}

// PeekData reads len(out) bytes of the thread's memory at addr
func (pid Process) PeekData(addr uintptr, out []byte) error {
	n, err := syscall.PtracePeekData(int(pid), addr, out)
	if err != nil {
		return covtrace.Error(err)
	}
	if n != len(out) {
		return covtrace.Errorf("peeked %d bytes at %#x, wanted %d", n, addr, len(out))
	}
	return nil
}

// PokeData writes data to the thread's memory at addr
func (pid Process) PokeData(addr uintptr, data []byte) error {
	n, err := syscall.PtracePokeData(int(pid), addr, data)
	if err != nil {
		return covtrace.Error(err)
	}
	if n != len(data) {
		return covtrace.Errorf("poked %d bytes at %#x, wanted %d", n, addr, len(data))
	}
	return nil
}

