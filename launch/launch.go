// Package launch implements the Tracee Launcher (§4.2): it starts the test
// binary under ptrace with address-space randomization disabled, so that
// addresses recorded by the Address Resolver match the addresses the
// tracee actually executes at.
//
// Go's stdlib syscall.SysProcAttr has no ASLR knob (personality(2) isn't
// exposed there), so disabling it can't happen in the parent's fork/exec
// call the way Ptrace:true can. Instead the launcher re-execs itself: the
// parent starts a copy of its own binary under SysProcAttr{Ptrace: true},
// and that copy, on seeing the trampoline marker, disables its own ASLR
// and execs the real tracee in its place. Because the trampoline process
// is already ptrace-traced when it execs, the parent's wait loop observes
// the post-exec SIGTRAP exactly as if it had exec'd the tracee directly.
package launch

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/brask/covtrace"
	"github.com/brask/covtrace/ptrace"
)

// trampolineEnvVar marks a re-exec'd process as the ASLR-disabling
// trampoline rather than a normal invocation of this binary.
const trampolineEnvVar = "COVTRACE_TRAMPOLINE_EXEC"

// Config controls how the tracee is invoked (§6).
type Config struct {
	// RunIgnored appends --ignored to the tracee's argv.
	RunIgnored bool
	// Verbose suppresses --quiet and sets RUST_BACKTRACE=1 in the tracee's env.
	Verbose bool
	// Varargs is appended to the tracee's argv after the engine's own flags.
	Varargs []string
}

// Argv builds the tracee's argument vector per §6's bit-exact rule:
// binary path, then --ignored if requested, then --quiet unless verbose,
// then the caller-supplied varargs.
func (c Config) Argv(binaryPath string) []string {
	argv := []string{binaryPath}
	if c.RunIgnored {
		argv = append(argv, "--ignored")
	}
	if !c.Verbose {
		argv = append(argv, "--quiet")
	}
	argv = append(argv, c.Varargs...)
	return argv
}

// Env builds the tracee's environment per §6: inherit the current
// environment, prepend RUST_TEST_THREADS=1, and add RUST_BACKTRACE=1 when verbose.
func (c Config) Env() []string {
	env := append([]string{"RUST_TEST_THREADS=1"}, os.Environ()...)
	if c.Verbose {
		env = append(env, "RUST_BACKTRACE=1")
	}
	return env
}

// Launch starts binaryPath as a traced child: ASLR disabled, working
// directory set to manifestDir, PTRACE_TRACEME requested before the tracee
// image replaces the trampoline. It returns the tracee's pid once the
// initial post-exec SIGTRAP has been delivered and the caller may begin
// driving the state machine's wait loop.
func Launch(binaryPath, manifestDir string, cfg Config) (ptrace.Process, error) {
	self, err := os.Executable()
	if err != nil {
		return 0, covtrace.WithKind(err, covtrace.ErrLaunch)
	}

	argv := cfg.Argv(binaryPath)
	env := append(cfg.Env(),
		trampolineEnvVar+"=1",
		"COVTRACE_TRAMPOLINE_TARGET="+binaryPath,
	)

	cmd := exec.Command(self, argv[1:]...)
	cmd.Dir = manifestDir
	cmd.Env = env
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Ptrace: true, Setpgid: true}

	if err := cmd.Start(); err != nil {
		return 0, covtrace.WithKind(err, covtrace.ErrLaunch)
	}

	pgid := cmd.Process.Pid
	pid := ptrace.Process(cmd.Process.Pid)

	// The trampoline stops on SIGTRAP twice: once immediately after
	// PTRACE_TRACEME+execve into the trampoline image itself (delivered by
	// the Go runtime's Ptrace:true handling), and once again after the
	// trampoline's own execve into the real tracee. Consume the first here
	// so the caller's wait loop only ever sees tracee stops.
	//
	// Deliberately do not call SetOptions here: the trampoline's own Go
	// runtime spawns an extra OS thread (sysmon) via clone(CLONE_THREAD)
	// before RunTrampoline ever execs into the real tracee, and if
	// PTRACE_O_TRACECLONE were already armed at that point, that clone
	// would deliver a PTRACE_EVENT_CLONE-tagged SIGTRAP that could be
	// mistaken for the tracee's initial trap. execve() always kills every
	// thread but the caller, so the clone is gone by the time the real
	// image is in place; the engine arms the full option set itself, once,
	// in Initialise, after the real trap is confirmed.
	if _, _, err := ptrace.Wait(pgid); err != nil {
		return 0, covtrace.WithKind(err, covtrace.ErrLaunch)
	}

	if err := pid.Cont(); err != nil {
		return 0, covtrace.WithKind(err, covtrace.ErrLaunch)
	}

	return pid, nil
}

// RunTrampoline is the entry point a re-exec'd process must call from its
// own main() before anything else runs. It reports false when the current
// process is a normal invocation and the caller should proceed with its
// regular main(); it never returns when it is the trampoline, since it
// execs the real tracee in its place.
func RunTrampoline() bool {
	if os.Getenv(trampolineEnvVar) == "" {
		return false
	}

	runtime.LockOSThread()

	if err := unix.Personality(unix.ADDR_NO_RANDOMIZE); err != nil {
		os.Exit(fatalTrampolineExit(err))
	}

	target := os.Getenv("COVTRACE_TRAMPOLINE_TARGET")
	if target == "" {
		os.Exit(fatalTrampolineExit(covtrace.Errorf("missing trampoline target")))
	}

	abs, err := filepath.Abs(target)
	if err != nil {
		os.Exit(fatalTrampolineExit(err))
	}

	argv := append([]string{abs}, os.Args[1:]...)
	env := os.Environ()

	if err := syscall.Exec(abs, argv, env); err != nil {
		os.Exit(fatalTrampolineExit(err))
	}

	panic("unreachable: syscall.Exec returned without error")
}

func fatalTrampolineExit(err error) int {
	os.Stderr.WriteString(covtrace.WithKind(err, covtrace.ErrLaunch).Error() + "\n")
	return 1
}
