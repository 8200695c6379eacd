//go:build arm64

package policy

import "testing"

func TestSyscallByNameKnownNumbers(t *testing.T) {
	cases := map[string]Syscall{
		"read":     63,
		"write":    64,
		"openat":   56,
		"close":    57,
		"execve":   221,
		"execveat": 281,
		"clone":    220,
		"clone3":   435,
		"mmap":     222,
		"munmap":   215,
		"mremap":   216,
		"connect":  203,
	}
	for name, want := range cases {
		got, ok := SyscallByName(name)
		if !ok {
			t.Errorf("SyscallByName(%q): not found", name)
			continue
		}
		if got != want {
			t.Errorf("SyscallByName(%q) = %d, want %d", name, got, want)
		}
	}
}

func TestSyscallByNameUnknown(t *testing.T) {
	if _, ok := SyscallByName("not_a_syscall"); ok {
		t.Fatal("SyscallByName: expected false for unknown name")
	}
}

func TestSyscallNameRoundTrip(t *testing.T) {
	sc, ok := SyscallByName("write")
	if !ok {
		t.Fatal("write not found")
	}
	if got := SyscallName(sc); got != "write" {
		t.Fatalf("SyscallName(%d) = %q, want %q", sc, got, "write")
	}
}
