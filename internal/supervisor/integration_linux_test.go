//go:build linux && arm64

package supervisor

import (
	"os"
	"strings"
	"testing"

	"github.com/Use-Tusk/tracefence/internal/memmap"
	"github.com/Use-Tusk/tracefence/internal/policy"
)

// skipIfPtraceUnavailable runs a minimal attach/detach cycle and skips the
// calling test if ptrace isn't usable in this environment (e.g. a container
// without CAP_SYS_PTRACE).
func skipIfPtraceUnavailable(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/bin/true"); err != nil {
		t.Skip("skipping: /bin/true not present")
	}
	if _, err := Execute("/bin/true", nil, os.Environ(), policy.New()); err != nil {
		t.Skipf("skipping: ptrace not usable in this environment: %v", err)
	}
}

func TestExecuteEmptyPolicyExitsCleanly(t *testing.T) {
	skipIfPtraceUnavailable(t)

	exit, err := Execute("/bin/true", nil, os.Environ(), policy.New())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if exit.Kind != Exited || exit.ExitCode != 0 {
		t.Fatalf("Execute = %v, want Exited(0)", exit)
	}
}

func TestExecuteNonzeroExitCodeIsPreserved(t *testing.T) {
	skipIfPtraceUnavailable(t)

	if _, err := os.Stat("/bin/false"); err != nil {
		t.Skip("skipping: /bin/false not present")
	}

	exit, err := Execute("/bin/false", nil, os.Environ(), policy.New())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if exit.Kind != Exited || exit.ExitCode != 1 {
		t.Fatalf("Execute = %v, want Exited(1)", exit)
	}
}

// findOwnLibC locates the libc object backing the current process, the same
// way the supervisor would attribute a syscall made from within it. Used to
// build a policy entry against a real, present-on-disk shared object instead
// of a path fabricated for the test.
func findOwnLibC(t *testing.T) string {
	t.Helper()
	m, err := memmap.FromPID(os.Getpid())
	if err != nil {
		t.Skipf("skipping: could not read own memory map: %v", err)
	}
	for _, r := range m.Files {
		if strings.Contains(r.Path, "libc.so") {
			return r.Path
		}
	}
	t.Skip("skipping: no libc.so mapping found, likely a statically linked test binary")
	return ""
}

func TestExecuteBlockedWriteKillsTracee(t *testing.T) {
	skipIfPtraceUnavailable(t)

	libc := findOwnLibC(t)
	writeSyscall, ok := policy.SyscallByName("write")
	if !ok {
		t.Fatal("write syscall not registered")
	}

	p := policy.New()
	p.Block(libc, writeSyscall)

	// /bin/echo writes its argument via libc's write(2) wrapper, so the
	// syscall-entry PC is attributed to libc itself.
	if _, err := os.Stat("/bin/echo"); err != nil {
		t.Skip("skipping: /bin/echo not present")
	}

	exit, err := Execute("/bin/echo", []string{"hello"}, os.Environ(), p)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if exit.Kind != IllegalSyscall || exit.Syscall != writeSyscall || exit.ObjectPath != libc {
		t.Fatalf("Execute = %v, want IllegalSyscall(write, %q)", exit, libc)
	}
}

func TestExecuteAllowOverridesBlock(t *testing.T) {
	skipIfPtraceUnavailable(t)

	libc := findOwnLibC(t)
	writeSyscall, ok := policy.SyscallByName("write")
	if !ok {
		t.Fatal("write syscall not registered")
	}

	p := policy.New()
	p.Block(libc, writeSyscall)
	p.Allow(libc, writeSyscall)

	if _, err := os.Stat("/bin/echo"); err != nil {
		t.Skip("skipping: /bin/echo not present")
	}

	exit, err := Execute("/bin/echo", []string{"hello"}, os.Environ(), p)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if exit.Kind != Exited || exit.ExitCode != 0 {
		t.Fatalf("Execute = %v, want Exited(0)", exit)
	}
}
