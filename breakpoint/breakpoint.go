// Package breakpoint implements the Breakpoint Manager (§4.3): software
// breakpoints installed by patching a trap instruction into the tracee's
// text, and the restore/step/rearm protocol that fires them.
package breakpoint

import (
	"bytes"
	"syscall"

	"github.com/brask/covtrace"
	"github.com/brask/covtrace/arch"
	"github.com/brask/covtrace/ptrace"
)

var trapSize = uintptr(len(arch.TrapInstruction))
var emptyInstr = make([]byte, len(arch.TrapInstruction))

// TrapSize returns the length in bytes of the platform trap instruction
func TrapSize() uintptr {
	return trapSize
}

// Breakpoint is a software breakpoint at one address in the tracee
type Breakpoint struct {
	addr      uintptr
	armed     bool
	savedByte []byte
	pending   map[ptrace.Process]struct{}
	hitBefore bool
}

// New returns an installed (armed) breakpoint at addr in pid's address space
func New(pid ptrace.Process, addr uintptr) (*Breakpoint, error) {
	bp := &Breakpoint{
		addr:    addr,
		pending: make(map[ptrace.Process]struct{}),
	}

	if err := bp.arm(pid); err != nil {
		return nil, covtrace.Error(err)
	}

	return bp, nil
}

// Address returns the breakpoint's address
func (bp *Breakpoint) Address() uintptr {
	return bp.addr
}

// Armed reports whether the trap instruction is currently patched in
func (bp *Breakpoint) Armed() bool {
	return bp.armed
}

func (bp *Breakpoint) arm(pid ptrace.Process) error {
	saved := make([]byte, trapSize)
	if err := pid.PeekData(bp.addr, saved); err != nil {
		return covtrace.WithKind(err, covtrace.ErrInstrument)
	}

	if bytes.Equal(saved, arch.TrapInstruction) {
		// another breakpoint already occupies this exact address
		return covtrace.Errorf("address clash: breakpoint already armed at %#x", bp.addr)
	}

	if err := pid.PokeData(bp.addr, arch.TrapInstruction); err != nil {
		return covtrace.WithKind(err, covtrace.ErrInstrument)
	}

	bp.savedByte = saved
	bp.armed = true
	return nil
}

func (bp *Breakpoint) disarm(pid ptrace.Process) error {
	if !bp.armed {
		return nil
	}

	if err := pid.PokeData(bp.addr, bp.savedByte); err != nil {
		return covtrace.Error(err)
	}

	bp.armed = false
	return nil
}

// OnHit implements the restore/rewind/single-step/rearm protocol of §4.3.
// thread must already be stopped with its PC one trap instruction past
// bp.addr. enableRefire requests the breakpoint be rearmed so it can fire
// again (hit-count accuracy); otherwise it stays disarmed (one-shot).
//
// It returns fresh=true the first time any thread hits this address (the
// record is kept per breakpoint, not per thread; used for one-shot "hit at
// least once" counting when enableRefire is false), and fresh=true every
// time when enableRefire is true (every pass re-counts).
func (bp *Breakpoint) OnHit(pid ptrace.Process, enableRefire bool) (fresh bool, err error) {
	fresh = enableRefire || !bp.hitBefore
	bp.hitBefore = true

	bp.pending[pid] = struct{}{}
	defer delete(bp.pending, pid)

	if err := bp.disarm(pid); err != nil {
		return false, covtrace.Error(err)
	}

	if err := pid.SetPC(bp.addr); err != nil {
		return false, covtrace.Error(err)
	}

	if err := bp.stepPast(pid); err != nil {
		return false, covtrace.Error(err)
	}

	if enableRefire {
		if err := bp.arm(pid); err != nil {
			return false, covtrace.Error(err)
		}
	}

	return fresh, nil
}

// stepPast single-steps the thread until its PC has left the trap's
// instruction window. The caller has already restored the original
// instruction, so each step executes real code rather than re-trapping.
func (bp *Breakpoint) stepPast(pid ptrace.Process) error {
	for {
		if err := pid.SingleStep(); err != nil {
			return covtrace.Error(err)
		}

		// registers can only be read once the step-complete stop has arrived
		var status syscall.WaitStatus
		if _, err := syscall.Wait4(int(pid), &status, syscall.WALL, nil); err != nil {
			return covtrace.Error(err)
		}

		pc, err := pid.GetPC()
		if err != nil {
			return covtrace.Error(err)
		}

		if pc >= bp.addr+trapSize || pc < bp.addr {
			return nil
		}
	}
}

// ThreadKilled drops any pending-step bookkeeping for a thread that has
// exited, so a stale entry can't be mistaken for an in-flight step.
func (bp *Breakpoint) ThreadKilled(pid ptrace.Process) {
	delete(bp.pending, pid)
}

// Pending reports whether any thread is currently mid-step past this
// breakpoint (§3: the window where a second thread reaching this address
// would execute the original instruction and silently miss the trap).
func (bp *Breakpoint) Pending() bool {
	return len(bp.pending) > 0
}

// Remove permanently disarms the breakpoint, restoring the original byte.
func (bp *Breakpoint) Remove(pid ptrace.Process) error {
	return covtrace.Error(bp.disarm(pid))
}
