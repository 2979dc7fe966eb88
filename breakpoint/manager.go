package breakpoint

import (
	"github.com/brask/covtrace"
	"github.com/brask/covtrace/ptrace"
)

// Manager owns the set of installed breakpoints for one tracee. It is
// accessed only from the engine's goroutine (§5: no cross-thread locking
// needed), so no synchronization is provided.
type Manager struct {
	pid ptrace.Process
	bps map[uintptr]*Breakpoint
}

// NewManager returns an empty breakpoint table for the tracee's root thread
func NewManager(pid ptrace.Process) *Manager {
	return &Manager{
		pid: pid,
		bps: make(map[uintptr]*Breakpoint),
	}
}

// Install arms a breakpoint at addr. An address clash (two source lines
// resolved to the same address) is reported as an error the caller is
// expected to treat as Transient (§7): log under verbose and continue.
func (m *Manager) Install(addr uintptr) error {
	if _, exists := m.bps[addr]; exists {
		return covtrace.Errorf("address clash: breakpoint already exists at %#x", addr)
	}

	bp, err := New(m.pid, addr)
	if err != nil {
		return covtrace.Error(err)
	}

	m.bps[addr] = bp
	return nil
}

// Get returns the breakpoint at addr, if one is installed
func (m *Manager) Get(addr uintptr) (*Breakpoint, bool) {
	bp, ok := m.bps[addr]
	return bp, ok
}

// Len returns the number of installed breakpoints
func (m *Manager) Len() int {
	return len(m.bps)
}

// ThreadKilled notifies every breakpoint that a thread has exited, so
// stale pending-step state doesn't linger (§4.4: "tracee root thread
// exited -> notify breakpoints of thread death").
func (m *Manager) ThreadKilled(pid ptrace.Process) {
	for _, bp := range m.bps {
		bp.ThreadKilled(pid)
	}
}

// RemoveAll disarms every breakpoint, restoring original bytes. Errors are
// collected but do not stop the sweep: the tracee may already be gone.
func (m *Manager) RemoveAll() error {
	var errs []error
	for addr, bp := range m.bps {
		if err := bp.Remove(m.pid); err != nil {
			errs = append(errs, covtrace.Errorf("removing breakpoint at %#x: %v", addr, err))
		}
	}
	m.bps = make(map[uintptr]*Breakpoint)
	return covtrace.MergeErrors(errs)
}
