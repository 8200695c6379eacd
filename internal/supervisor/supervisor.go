//go:build linux && arm64

package supervisor

import (
	"fmt"
	"os/exec"
	"runtime"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/Use-Tusk/tracefence/internal/memmap"
	"github.com/Use-Tusk/tracefence/internal/policy"
	"github.com/Use-Tusk/tracefence/internal/stackwalk"
	"github.com/Use-Tusk/tracefence/internal/superror"
)

// mapInvalidatingSyscalls are the syscalls that can change a tracee's
// address-space layout, so its cached MemoryMap must be refreshed before
// attribution on every entry into one of them.
var mapInvalidatingSyscalls = mustSyscalls("execve", "execveat", "clone", "mmap", "munmap", "mremap")

func mustSyscalls(names ...string) map[policy.Syscall]struct{} {
	set := make(map[policy.Syscall]struct{}, len(names))
	for _, name := range names {
		sc, ok := policy.SyscallByName(name)
		if !ok {
			panic("supervisor: unknown syscall name in map-invalidation list: " + name)
		}
		set[sc] = struct{}{}
	}
	return set
}

const ptraceOptions = unix.PTRACE_O_EXITKILL |
	unix.PTRACE_O_TRACESYSGOOD |
	unix.PTRACE_O_TRACEFORK |
	unix.PTRACE_O_TRACEVFORK |
	unix.PTRACE_O_TRACECLONE |
	unix.PTRACE_O_TRACEEXEC

// tracesysgood is the PTRACE_O_TRACESYSGOOD marker OR'd into SIGTRAP on a
// syscall-stop, letting the loop tell syscall-stops apart from ordinary
// signal-delivery-stops.
const tracesysgood = 0x80

// Execute forks path with args and env under ptrace, attaches as tracer,
// and drives the event loop to completion, enforcing p.
//
// The calling goroutine is pinned to its OS thread for the duration of the
// run: every ptrace(2) call on a tracee must originate from the thread
// registered as its tracer.
func Execute(path string, args []string, env []string, p *policy.Policy) (ChildExit, error) {
	return ExecuteWithLogger(path, args, env, p, nil)
}

// ExecuteWithLogger is Execute with a logger that receives one debug-level
// line per dispatched wait-status event. Pass nil for logger to disable
// per-event logging, equivalent to calling Execute directly.
func ExecuteWithLogger(path string, args []string, env []string, p *policy.Policy, logger *logrus.Logger) (ChildExit, error) {
	if err := checkKernelVersion(); err != nil {
		return ChildExit{}, err
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	s := New(p)
	s.Logger = logger
	return s.run(path, args, env)
}

// logEvent emits a debug-level line for one dispatched wait-status event, if
// a Logger is configured.
func (s *Supervisor) logEvent(pid int, kind string) {
	if s.Logger == nil {
		return
	}
	s.Logger.WithFields(logrus.Fields{"pid": pid, "event": kind}).Debug("dispatched event")
}

func (s *Supervisor) run(path string, args []string, env []string) (ChildExit, error) {
	cmd := exec.Command(path, args...)
	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{Ptrace: true}

	if err := cmd.Start(); err != nil {
		return ChildExit{}, superror.OS("supervisor.run", fmt.Errorf("starting target %q: %w", path, err))
	}
	pid := cmd.Process.Pid
	s.root = pid

	var status unix.WaitStatus
	if _, err := unix.Wait4(pid, &status, 0, nil); err != nil {
		return ChildExit{}, superror.OS("supervisor.run", fmt.Errorf("waiting for initial stop of %d: %w", pid, err))
	}
	if !status.Stopped() {
		return ChildExit{}, superror.Invariant("supervisor.run", fmt.Errorf("expected initial ptrace stop for pid %d, got status %v", pid, status))
	}

	if err := unix.PtraceSetOptions(pid, ptraceOptions); err != nil {
		return ChildExit{}, superror.OS("supervisor.run", fmt.Errorf("setting ptrace options on %d: %w", pid, err))
	}

	maps, err := memmap.FromPID(pid)
	if err != nil {
		return ChildExit{}, err
	}
	s.tracees[pid] = &tracee{PID: pid, Maps: maps}

	if err := unix.PtraceSyscall(pid, 0); err != nil {
		return ChildExit{}, superror.OS("supervisor.run", fmt.Errorf("resuming %d: %w", pid, err))
	}

	return s.loop()
}

func (s *Supervisor) loop() (ChildExit, error) {
	for {
		var status unix.WaitStatus
		wpid, err := unix.Wait4(-1, &status, 0, nil)
		if err != nil {
			if err == unix.ECHILD { //nolint:errorlint // unix.Wait4 returns bare syscall.Errno
				if s.rootExitCode == nil {
					return ChildExit{}, superror.Invariant("supervisor.loop", fmt.Errorf("no traceable children remain but root exit code was never recorded"))
				}
				return ChildExit{Kind: Exited, ExitCode: *s.rootExitCode}, nil
			}
			return ChildExit{}, superror.OS("supervisor.loop", err)
		}

		switch {
		case status.Exited():
			s.logEvent(wpid, "exited")
			code := status.ExitStatus()
			if wpid == s.root {
				s.rootExitCode = &code
			}
			delete(s.tracees, wpid)
			continue

		case status.Signaled():
			s.logEvent(wpid, "signaled")
			delete(s.tracees, wpid)
			continue

		case status.Stopped() && isSyscallStop(status):
			s.logEvent(wpid, "syscall-stop")
			exit, fatal, err := s.handleSyscallStop(wpid)
			if err != nil {
				return ChildExit{}, err
			}
			if fatal {
				return exit, nil
			}
			continue

		case status.Stopped() && isEventStop(status):
			s.logEvent(wpid, "event-stop")
			if err := s.handleEventStop(wpid, status); err != nil {
				return ChildExit{}, err
			}
			continue

		case status.Stopped():
			s.logEvent(wpid, "signal-stop")
			if err := s.handleSignalStop(wpid, status); err != nil {
				return ChildExit{}, err
			}
			continue

		default:
			return ChildExit{}, superror.Invariant("supervisor.loop", fmt.Errorf("unexpected wait status %v for pid %d", status, wpid))
		}
	}
}

// isSyscallStop reports whether status is a syscall-entry/exit stop, as
// opposed to an ordinary signal-delivery-stop or a ptrace event-stop. Set
// with PTRACE_O_TRACESYSGOOD, the kernel delivers these as SIGTRAP with the
// high bit (0x80) set, rather than bare SIGTRAP.
func isSyscallStop(status unix.WaitStatus) bool {
	return status.StopSignal() == syscall.SIGTRAP|tracesysgood
}

// isEventStop reports whether status is a ptrace event-stop (exec, fork,
// vfork, clone), which the kernel also delivers as a bare SIGTRAP but with
// a non-zero TrapCause.
func isEventStop(status unix.WaitStatus) bool {
	return status.StopSignal() == syscall.SIGTRAP && status.TrapCause() != 0
}

func (s *Supervisor) handleSignalStop(pid int, status unix.WaitStatus) error {
	sig := status.StopSignal()
	t, ok := s.tracees[pid]

	if sig == syscall.SIGSTOP && ok && t.IgnoreNextStop {
		t.IgnoreNextStop = false
		return unixErr("supervisor.handleSignalStop", unix.PtraceSyscall(pid, 0))
	}
	return unixErr("supervisor.handleSignalStop", unix.PtraceSyscall(pid, int(sig)))
}

func (s *Supervisor) handleEventStop(pid int, status unix.WaitStatus) error {
	switch status.TrapCause() {
	case unix.PTRACE_EVENT_EXEC:
		return unixErr("supervisor.handleEventStop", unix.PtraceSyscall(pid, 0))

	case unix.PTRACE_EVENT_FORK, unix.PTRACE_EVENT_VFORK, unix.PTRACE_EVENT_CLONE:
		childPID, err := unix.PtraceGetEventMsg(pid)
		if err != nil {
			return superror.OS("supervisor.handleEventStop", fmt.Errorf("reading new child pid from %d: %w", pid, err))
		}

		newPID := int(childPID)
		if existing, ok := s.tracees[newPID]; ok && existing.IgnoreNextStop {
			return superror.Invariant("supervisor.handleEventStop", fmt.Errorf("pid %d already marked ignore-next-stop", newPID))
		}
		s.tracees[newPID] = &tracee{PID: newPID, IgnoreNextStop: true}

		return unixErr("supervisor.handleEventStop", unix.PtraceSyscall(pid, 0))

	default:
		return superror.Invariant("supervisor.handleEventStop", fmt.Errorf("unrecognized ptrace event %d for pid %d", status.TrapCause(), pid))
	}
}

// handleSyscallStop runs the per-syscall decision pipeline of §4.D.3. It
// returns an IllegalSyscall ChildExit with fatal=true when the call is
// blocked, and a zero ChildExit with fatal=false once the tracee is resumed.
func (s *Supervisor) handleSyscallStop(pid int) (ChildExit, bool, error) {
	t, ok := s.tracees[pid]
	if !ok {
		t = &tracee{PID: pid}
		s.tracees[pid] = t
	}
	if t.Maps == nil {
		maps, err := memmap.FromPID(pid)
		if err != nil {
			return ChildExit{}, false, err
		}
		t.Maps = maps
	}

	regs, err := stackwalk.ReadRegs(pid)
	if err != nil {
		return ChildExit{}, false, err
	}
	sc := policy.Syscall(uint32(regs.Syscall))

	if _, invalidate := mapInvalidatingSyscalls[sc]; invalidate {
		maps, err := memmap.FromPID(pid)
		if err != nil {
			return ChildExit{}, false, err
		}
		t.Maps = maps
	}

	w := stackwalk.NewWalker(pid, regs)
	for {
		frame, ok, err := w.Next()
		if err != nil {
			return ChildExit{}, false, err
		}
		if !ok {
			break
		}

		objPath, found := t.Maps.Lookup(frame.PC)
		if !found {
			continue
		}

		switch s.Policy.Check(objPath, sc) {
		case policy.Allowed:
			return s.resume(pid)
		case policy.Blocked:
			if err := unix.Kill(pid, unix.SIGKILL); err != nil {
				return ChildExit{}, false, superror.OS("supervisor.handleSyscallStop", fmt.Errorf("killing blocked tracee %d: %w", pid, err))
			}
			return ChildExit{Kind: IllegalSyscall, Syscall: sc, ObjectPath: objPath}, true, nil
		}
	}

	// Default-allow: the walk yielded only Unknown verdicts.
	return s.resume(pid)
}

func (s *Supervisor) resume(pid int) (ChildExit, bool, error) {
	if err := unix.PtraceSyscall(pid, 0); err != nil {
		return ChildExit{}, false, superror.OS("supervisor.resume", fmt.Errorf("resuming %d: %w", pid, err))
	}
	return ChildExit{}, false, nil
}

func unixErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return superror.OS(op, err)
}
