//go:build arm64

package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Use-Tusk/tracefence/internal/superror"
)

func writeTempPolicy(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("writing temp policy %s: %v", path, err)
	}
	return path
}

func TestLoadResolvesSyscallNames(t *testing.T) {
	dir := t.TempDir()
	path := writeTempPolicy(t, dir, "policy.jsonc", `{
		// block write on the wrapper library, per the illegal-syscall scenario
		"shared_objects": {
			"/usr/lib/libprintf_wrapper.so": {
				"block": ["write"]
			}
		}
	}`)

	p, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	write, ok := SyscallByName("write")
	if !ok {
		t.Fatalf("write syscall not found in table")
	}
	if got := p.Check("/usr/lib/libprintf_wrapper.so", write); got != Blocked {
		t.Fatalf("Check(write) = %v, want Blocked", got)
	}
}

func TestLoadUnrecognizedSyscallNameIsInvariantError(t *testing.T) {
	dir := t.TempDir()
	path := writeTempPolicy(t, dir, "policy.jsonc", `{
		"shared_objects": {
			"/lib/libc.so.6": { "allow": ["not_a_real_syscall"] }
		}
	}`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("Load: expected error for unrecognized syscall name")
	}
	if !superror.Is(err, superror.KindInvariant) {
		t.Fatalf("Load error kind = %v, want KindInvariant", err)
	}
}

func TestLoadResolvesExtends(t *testing.T) {
	dir := t.TempDir()
	writeTempPolicy(t, dir, "base.jsonc", `{
		"shared_objects": {
			"/lib/libc.so.6": { "allow": ["read", "write"] }
		}
	}`)
	path := writeTempPolicy(t, dir, "override.jsonc", `{
		"extends": "./base.jsonc",
		"shared_objects": {
			"/lib/libc.so.6": { "block": ["execve"] }
		}
	}`)

	p, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	read, _ := SyscallByName("read")
	write, _ := SyscallByName("write")
	execve, _ := SyscallByName("execve")

	if got := p.Check("/lib/libc.so.6", read); got != Allowed {
		t.Fatalf("Check(read) after extends = %v, want Allowed", got)
	}
	if got := p.Check("/lib/libc.so.6", write); got != Allowed {
		t.Fatalf("Check(write) after extends = %v, want Allowed", got)
	}
	if got := p.Check("/lib/libc.so.6", execve); got != Blocked {
		t.Fatalf("Check(execve) after extends = %v, want Blocked", got)
	}
}

func TestLoadDetectsExtendsCycle(t *testing.T) {
	dir := t.TempDir()
	writeTempPolicy(t, dir, "a.jsonc", `{ "extends": "./b.jsonc", "shared_objects": {} }`)
	path := writeTempPolicy(t, dir, "b.jsonc", `{ "extends": "./a.jsonc", "shared_objects": {} }`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("Load: expected cycle detection error")
	}
}

func TestLoadEmptyFileYieldsEmptyPolicy(t *testing.T) {
	dir := t.TempDir()
	path := writeTempPolicy(t, dir, "empty.jsonc", "")

	p, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(p.Objects) != 0 {
		t.Fatalf("expected empty Policy, got %d objects", len(p.Objects))
	}
}
