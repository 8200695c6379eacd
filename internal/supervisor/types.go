// Package supervisor drives the ptrace-based syscall-filtering loop: it
// forks the target, attaches as tracer, dispatches wait events across a
// growing tree of traced processes, and combines stack attribution with
// policy lookup into a verdict.
package supervisor

import (
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/Use-Tusk/tracefence/internal/memmap"
	"github.com/Use-Tusk/tracefence/internal/policy"
)

// ExitKind discriminates the two terminal outcomes of a supervised run.
type ExitKind int

const (
	// Exited means the root child ran to completion under its own exit code.
	Exited ExitKind = iota
	// IllegalSyscall means a tracee attempted a syscall blocked by policy,
	// and was killed before it could complete it.
	IllegalSyscall
)

// ChildExit is the terminal result of a supervised run.
type ChildExit struct {
	Kind ExitKind

	// ExitCode is valid when Kind == Exited.
	ExitCode int

	// Syscall and ObjectPath are valid when Kind == IllegalSyscall.
	Syscall    policy.Syscall
	ObjectPath string
}

func (e ChildExit) String() string {
	switch e.Kind {
	case Exited:
		return "Exited(" + strconv.Itoa(e.ExitCode) + ")"
	case IllegalSyscall:
		return "IllegalSyscall(" + policy.SyscallName(e.Syscall) + ", " + e.ObjectPath + ")"
	default:
		return "ChildExit(unknown)"
	}
}

// tracee is the per-traced-process state the supervisor maintains.
type tracee struct {
	PID            int
	Maps           *memmap.MemoryMap
	IgnoreNextStop bool
}

// Supervisor holds the state of one supervised run: known tracees, the root
// child's identifier, and its recorded exit code once observed.
type Supervisor struct {
	Policy *policy.Policy

	// Logger, when non-nil, receives one debug-level line per dispatched
	// wait-status event. A nil Logger disables per-event logging entirely.
	Logger *logrus.Logger

	tracees      map[int]*tracee
	root         int
	rootExitCode *int
}

// New returns a Supervisor that will enforce p against every tracee.
func New(p *policy.Policy) *Supervisor {
	return &Supervisor{
		Policy:  p,
		tracees: make(map[int]*tracee),
	}
}
