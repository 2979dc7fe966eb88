// Package engine implements the State Machine (§4.4): the event-driven
// protocol that drives one tracee from its initial trap through breakpoint
// hits, thread lifecycle events, and signals, to termination.
package engine

import (
	"debug/elf"
	"errors"
	"fmt"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/brask/covtrace"
	"github.com/brask/covtrace/breakpoint"
	"github.com/brask/covtrace/launch"
	"github.com/brask/covtrace/ptrace"
	"github.com/brask/covtrace/resolve"
	"github.com/brask/covtrace/trace"
)

type state int

const (
	stateStart state = iota
	stateInitialise
	stateWait
	stateStopped
	stateEnd
	stateUnrecoverable
	stateAbort
)

func (s state) String() string {
	switch s {
	case stateStart:
		return "Start"
	case stateInitialise:
		return "Initialise"
	case stateWait:
		return "Wait"
	case stateStopped:
		return "Stopped"
	case stateEnd:
		return "End"
	case stateUnrecoverable:
		return "Unrecoverable"
	case stateAbort:
		return "Abort"
	default:
		return "?"
	}
}

const followOptions = syscall.PTRACE_O_TRACECLONE |
	syscall.PTRACE_O_TRACEFORK |
	syscall.PTRACE_O_TRACEVFORK |
	syscall.PTRACE_O_TRACEEXEC |
	syscall.PTRACE_O_TRACEEXIT

// engine owns the single tracee root's state-machine run, per §9's "model
// as a single engine struct owning both [TraceMap and breakpoints]".
type engine struct {
	cfg Config
	log *logrus.Entry

	root ptrace.Process
	pgid int

	binaryPath     string
	coverable      map[trace.SourceLocation]struct{}
	relocationBase uintptr

	traceMap    *trace.TraceMap
	breakpoints *breakpoint.Manager

	threadCount     int
	warnedDowngrade bool

	current       ptrace.Process
	currentStatus syscall.WaitStatus

	diagnostic      string
	unrecoverableAs error
	abortAs         error
	exitCode        int
}

// Run launches binaryPath as a traced child rooted at manifestDir, drives
// it to completion, and returns the resulting TraceMap and whether the
// tracee's root thread exited with code 0 (§6).
//
// coverable is the externally-supplied set of (file, line) pairs this run
// should attempt to instrument. relocationBase, if non-zero, is added to
// every address the Address Resolver reads from debug info, overriding
// auto-detection. If zero and the binary is position-independent (ET_DYN),
// the engine computes the base itself from the tracee's own memory mapping
// once it is parked at its initial post-exec trap, before any breakpoint is
// installed (§3, §4.1) — see initialise's effectiveRelocationBase.
func Run(binaryPath, manifestDir string, coverable map[trace.SourceLocation]struct{}, relocationBase uintptr, cfg Config) (*trace.TraceMap, bool, error) {
	log := logrus.WithField("component", "engine")

	root, err := launch.Launch(binaryPath, manifestDir, launch.Config{
		RunIgnored: cfg.RunIgnored,
		Verbose:    cfg.Verbose,
		Varargs:    cfg.Varargs,
	})
	if err != nil {
		return nil, false, covtrace.WithKind(err, covtrace.ErrLaunch)
	}

	e := &engine{
		cfg:            cfg,
		log:            log,
		root:           root,
		pgid:           int(root),
		binaryPath:     binaryPath,
		coverable:      coverable,
		relocationBase: relocationBase,
		breakpoints:    breakpoint.NewManager(root),
	}

	return e.run()
}

func (e *engine) run() (*trace.TraceMap, bool, error) {
	st := stateStart

	for {
		var next state
		switch st {
		case stateStart:
			next = e.start()
		case stateInitialise:
			next = e.initialise()
		case stateWait:
			next = e.wait()
		case stateStopped:
			next = e.stopped()
		case stateEnd:
			return e.traceMap, e.exitCode == 0, nil
		case stateUnrecoverable:
			err := covtrace.Errorf("tracing ended unrecoverably: %s (coverage may be incomplete)", e.diagnostic)
			kind := e.unrecoverableAs
			if kind == nil {
				kind = covtrace.ErrFatal
			}
			return e.traceMap, false, covtrace.WithKind(err, kind)
		case stateAbort:
			e.breakpoints.RemoveAll()
			_ = e.root.Cont()
			kind := e.abortAs
			if kind == nil {
				kind = covtrace.ErrInstrument
			}
			return nil, false, covtrace.WithKind(covtrace.Errorf("%s", e.diagnostic), kind)
		}
		st = next
	}
}

// start polls for the tracee's initial post-exec trap (§4.4's Start row).
func (e *engine) start() state {
	for {
		pid, status, gotEvent, err := ptrace.TryWait(e.pgid)
		if err != nil {
			e.diagnostic = "wait failed during startup"
			return stateUnrecoverable
		}
		if !gotEvent {
			continue
		}

		// TrapCause() must be 0 (a plain signal-delivery trap): a
		// PTRACE_EVENT_*-tagged SIGTRAP here is not the tracee's own initial
		// trap (e.g. the Go runtime's sysmon thread cloning inside the
		// trampoline, if PTRACE_O_TRACECLONE were ever armed this early) and
		// must be let through rather than mistaken for it.
		if status.Stopped() && status.StopSignal() == syscall.SIGTRAP && status.TrapCause() == 0 {
			e.current = pid
			e.currentStatus = status
			return stateInitialise
		}

		if status.Exited() || status.Signaled() {
			// the trampoline died before completing its exec into the real
			// tracee image: §4.2's ExecFailed ("child fails to replace image
			// -> parent observes immediate exit with nonzero status")
			e.diagnostic = "tracee failed to start (exec into test binary failed before reaching its entry trap)"
			e.unrecoverableAs = covtrace.ErrLaunch
			return stateUnrecoverable
		}

		// unexpected stop before the tracee's own exec completed: let it run and retry
		_ = pid.Cont()
	}
}

// initialise resolves the TraceMap and installs every resolvable
// breakpoint before the tracee is allowed to run (§3: "TraceMap is
// constructed once per test binary immediately after launch, before the
// tracee resumes from its initial trap"; §4.4 Initialise row). Resolving
// here, rather than before the state machine starts, is what lets
// effectiveRelocationBase read the tracee's own memory mapping: the
// process is parked at its initial trap with the real binary's image
// already loaded, but has not yet been continued.
func (e *engine) initialise() state {
	tm, err := resolve.Resolve(e.binaryPath, e.coverable, e.effectiveRelocationBase())
	if err != nil {
		e.diagnostic = fmt.Sprintf("resolving debug info: %v", err)
		e.abortAs = covtrace.ErrBuildInput
		return stateAbort
	}
	e.traceMap = tm

	if err := e.root.SetOptions(followOptions); err != nil {
		e.diagnostic = "failed to enable thread/process following"
		return stateUnrecoverable
	}

	for _, t := range e.traceMap.All() {
		if !t.HasAddress() {
			continue
		}

		addr := uintptr(*t.Address)
		if err := e.breakpoints.Install(addr); err != nil {
			if errors.Is(err, covtrace.ErrInstrument) {
				e.diagnostic = "cannot patch tracee memory; binary is likely position-independent (link with -no-pie or equivalent)"
				return stateAbort
			}

			// address clash: two source lines resolved to the same address (Transient, §7)
			if e.cfg.Verbose {
				e.log.WithError(err).WithField("addr", addr).Warn("breakpoint address clash, ignoring")
			}
		}
	}

	if err := e.root.Cont(); err != nil {
		e.diagnostic = "failed to continue tracee after installing breakpoints"
		return stateUnrecoverable
	}

	return stateWait
}

// effectiveRelocationBase returns the caller-supplied relocationBase if set,
// otherwise auto-detects the load bias from the tracee's own mapping when
// the binary is position-independent. It must only be called from
// Initialise, while e.current is parked at the tracee's initial trap and
// before the tracee has resumed (§3) — the real binary's image is loaded
// by then, so /proc/<pid>/maps already reflects it. Detection failures fall
// back to 0 and surface later as an Instrument-kind abort when breakpoint
// installation finds the resulting addresses unwritable (§7).
func (e *engine) effectiveRelocationBase() uintptr {
	if e.relocationBase != 0 {
		return e.relocationBase
	}

	f, err := elf.Open(e.binaryPath)
	if err != nil {
		return 0
	}
	defer f.Close()
	if f.Type != elf.ET_DYN {
		return 0
	}

	abs, err := filepath.Abs(e.binaryPath)
	if err != nil {
		abs = e.binaryPath
	}

	base, err := e.current.RelocationBase(abs)
	if err != nil {
		if e.cfg.Verbose {
			e.log.WithError(err).Warn("failed to auto-detect PIE relocation base; addresses may be wrong")
		}
		return 0
	}
	return base
}

// wait blocks for the next tracee event (§5: "the engine suspends only
// inside the wait primitive in state Wait").
func (e *engine) wait() state {
	pid, status, err := ptrace.Wait(e.pgid)
	if err != nil {
		e.diagnostic = "wait failed"
		return stateUnrecoverable
	}
	if pid == 0 {
		// defensive StillAlive case; §4.4's Wait row keeps waiting
		return stateWait
	}

	e.current = pid
	e.currentStatus = status
	return stateStopped
}

// stopped classifies the most recent event and decides the action (§4.4's
// Stopped row is the only place event classification lives).
func (e *engine) stopped() state {
	status := e.currentStatus
	pid := e.current

	if status.Exited() || status.Signaled() {
		e.breakpoints.ThreadKilled(pid)

		if pid == e.root {
			code := -1
			if status.Exited() {
				code = status.ExitStatus()
			}
			e.exitCode = code
			return stateEnd
		}

		if e.threadCount > 0 {
			e.threadCount--
		}
		return stateWait
	}

	if !status.Stopped() {
		e.diagnostic = "unclassifiable wait status"
		return stateUnrecoverable
	}

	sig := status.StopSignal()

	switch sig {
	case syscall.SIGTRAP:
		return e.stoppedTrap(status, pid)

	case syscall.SIGSTOP:
		_ = pid.Cont()
		return stateWait

	case syscall.SIGSEGV:
		e.diagnostic = "tracee segfault"
		return stateUnrecoverable

	default:
		if e.cfg.ForwardSignals {
			_ = pid.ContWithSig(sig)
		} else {
			_ = pid.Cont()
		}
		return stateWait
	}
}

func (e *engine) stoppedTrap(status syscall.WaitStatus, pid ptrace.Process) state {
	switch status.TrapCause() {
	case syscall.PTRACE_EVENT_CLONE:
		e.threadCount++
		_ = pid.Cont()
		return stateWait

	case syscall.PTRACE_EVENT_FORK, syscall.PTRACE_EVENT_VFORK:
		// do not follow forked children; only the root tracee is instrumented
		_ = pid.Cont()
		return stateWait

	case syscall.PTRACE_EVENT_EXEC:
		// a subprocess spawned by the test replaced its own image: stop
		// tracing it so it isn't mistaken for the instrumented binary
		_ = pid.Detach()
		return stateWait

	case syscall.PTRACE_EVENT_EXIT:
		_ = pid.Cont()
		return stateWait

	case 0x80: // PTRACE_EVENT_STOP, which syscall does not define on amd64
		// group-stop delivered through the trace; just let it continue
		_ = pid.Cont()
		return stateWait

	default:
		return e.stoppedBreakpointTrap(pid)
	}
}

func (e *engine) stoppedBreakpointTrap(pid ptrace.Process) state {
	pc, err := pid.GetPC()
	if err != nil {
		if e.cfg.Verbose {
			e.log.WithError(err).Warn("failed to read PC after trap, continuing")
		}
		_ = pid.Cont()
		return stateWait
	}

	addr := pc - breakpoint.TrapSize()
	bp, known := e.breakpoints.Get(addr)
	if !known {
		_ = pid.Cont()
		return stateWait
	}

	enableRefire := e.cfg.Count && e.threadCount < 2
	if e.cfg.Count && !enableRefire && !e.warnedDowngrade {
		e.warnedDowngrade = true
		e.log.Warn("a second thread appeared; downgrading hit counting to one-shot for remaining breakpoints")
	}

	fresh, err := bp.OnHit(pid, enableRefire)
	if err != nil {
		// Transient: failed restore or step; attempt to continue regardless (§7)
		if e.cfg.Verbose {
			e.log.WithError(err).WithField("addr", addr).Warn("breakpoint hit handling failed, continuing")
		}
		_ = pid.Cont()
		return stateWait
	}

	if fresh {
		if t, ok := e.traceMap.TraceForAddress(trace.Address(addr)); ok {
			t.Stats.Line++
		}
	}

	_ = pid.Cont()
	return stateWait
}
