//go:build linux && arm64

// Package tracefence provides a public API for running a target process
// under syscall-filtering supervision.
package tracefence

import (
	"github.com/sirupsen/logrus"

	"github.com/Use-Tusk/tracefence/internal/policy"
	"github.com/Use-Tusk/tracefence/internal/supervisor"
)

// Policy is the per-object allow/block syscall policy enforced against a
// supervised run.
type Policy = policy.Policy

// Syscall identifies a syscall by its arm64 number.
type Syscall = policy.Syscall

// ExitKind discriminates the two terminal outcomes of a supervised run.
type ExitKind = supervisor.ExitKind

// ChildExit is the terminal result of a supervised run.
type ChildExit = supervisor.ChildExit

const (
	Exited         = supervisor.Exited
	IllegalSyscall = supervisor.IllegalSyscall
)

// NewPolicy returns an empty Policy with no objects configured.
func NewPolicy() *Policy {
	return policy.New()
}

// LoadPolicy reads a JSONC policy file, resolving any extends chain, and
// returns the fully merged Policy.
func LoadPolicy(path string) (*Policy, error) {
	return policy.Load(path)
}

// SyscallByName resolves a syscall's arm64 mnemonic (e.g. "write") to its
// number.
func SyscallByName(name string) (Syscall, bool) {
	return policy.SyscallByName(name)
}

// Execute runs path under ptrace supervision, enforcing p against every
// tracee in the process tree it spawns, and blocks until no traced process
// remains or a tracee is killed for an illegal syscall.
func Execute(path string, args []string, env []string, p *Policy) (ChildExit, error) {
	return supervisor.Execute(path, args, env, p)
}

// ExecuteWithLogger is Execute with a logger that receives one debug-level
// line per dispatched wait-status event.
func ExecuteWithLogger(path string, args []string, env []string, p *Policy, logger *logrus.Logger) (ChildExit, error) {
	return supervisor.ExecuteWithLogger(path, args, env, p, logger)
}
