//go:build linux && arm64

package stackwalk

import (
	"os"
	"os/exec"
	"runtime"
	"syscall"
	"testing"

	"golang.org/x/sys/unix"
)

// attachTraced starts target under ptrace and stops it at its initial
// post-execve SIGTRAP, mirroring how the supervisor attaches to a tracee.
func attachTraced(t *testing.T, target string) int {
	t.Helper()
	runtime.LockOSThread()
	t.Cleanup(runtime.UnlockOSThread)

	cmd := exec.Command(target)
	cmd.SysProcAttr = &syscall.SysProcAttr{Ptrace: true}
	if err := cmd.Start(); err != nil {
		t.Skipf("skipping: could not start traced process (likely no ptrace capability): %v", err)
	}

	var status unix.WaitStatus
	if _, err := unix.Wait4(cmd.Process.Pid, &status, 0, nil); err != nil {
		t.Fatalf("Wait4 on initial stop: %v", err)
	}
	if !status.Stopped() {
		t.Fatalf("expected initial ptrace stop, got status %v", status)
	}

	t.Cleanup(func() {
		_ = unix.Kill(cmd.Process.Pid, unix.SIGKILL)
		_, _ = unix.Wait4(cmd.Process.Pid, nil, 0, nil)
	})

	return cmd.Process.Pid
}

func TestReadRegsAndWalkAtEntryStop(t *testing.T) {
	if _, err := os.Stat("/bin/true"); err != nil {
		t.Skip("skipping: /bin/true not present")
	}
	pid := attachTraced(t, "/bin/true")

	regs, err := ReadRegs(pid)
	if err != nil {
		t.Fatalf("ReadRegs: %v", err)
	}
	if regs.PC == 0 {
		t.Fatalf("ReadRegs: PC is zero at entry stop")
	}

	w := NewWalker(pid, regs)
	frames, err := Collect(w)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(frames) == 0 {
		t.Fatalf("Collect: expected at least the current PC as a frame")
	}
	if frames[0].PC != regs.PC {
		t.Fatalf("first frame PC = 0x%x, want 0x%x", frames[0].PC, regs.PC)
	}
}

func TestWalkerStopsAtZeroFramePointer(t *testing.T) {
	w := &Walker{pid: 0, pc: 1, lr: 2, fp: 0}

	f1, ok, err := w.Next()
	if err != nil || !ok || f1.PC != 1 {
		t.Fatalf("first Next() = (%+v, %v, %v), want (PC:1, true, nil)", f1, ok, err)
	}
	f2, ok, err := w.Next()
	if err != nil || !ok || f2.PC != 2 {
		t.Fatalf("second Next() = (%+v, %v, %v), want (PC:2, true, nil)", f2, ok, err)
	}
	_, ok, err = w.Next()
	if err != nil || ok {
		t.Fatalf("third Next() with fp=0 = (ok:%v, err:%v), want (false, nil)", ok, err)
	}
}
