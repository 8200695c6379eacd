//go:build linux && arm64

// Package stackwalk walks a traced AArch64 process's call stack using the
// frame-pointer convention: x29 holds the frame pointer, and the two words
// at [FP, FP+8] are [savedFP, savedLR] for the caller's frame.
package stackwalk

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/Use-Tusk/tracefence/internal/superror"
)

// nrPRStatus selects the general-purpose register set in PTRACE_GETREGSET,
// per include/uapi/linux/elf.h.
const nrPRStatus = 1

// maxFrames bounds the frame-pointer chain walk. A real stack terminates at
// FP == 0; this cap exists only to stop a corrupted or adversarially built
// frame chain from looping the supervisor forever.
const maxFrames = 4096

// Regs is the subset of a tracee's registers a frame walk needs.
type Regs struct {
	PC      uint64
	LR      uint64 // x30
	FP      uint64 // x29
	Syscall uint64 // x8
}

// ReadRegs fetches the current general-purpose registers of the given
// tracee via PTRACE_GETREGSET.
func ReadRegs(pid int) (Regs, error) {
	var raw unix.PtraceRegsArm64
	if err := unix.PtraceGetRegSetArm64(pid, nrPRStatus, &raw); err != nil {
		return Regs{}, superror.OS("stackwalk.ReadRegs", err)
	}
	return Regs{
		PC:      raw.Pc,
		LR:      raw.Regs[30],
		FP:      raw.Regs[29],
		Syscall: raw.Regs[8],
	}, nil
}

// Frame is one return address in a walked call stack.
type Frame struct {
	PC uint64
}

// Walker is a lazy pull-iterator over a tracee's call stack: each call to
// Next advances one frame, rather than building the whole stack eagerly.
// This mirrors how the supervisor consumes it — stop as soon as a frame's
// owning object yields a decisive policy verdict.
type Walker struct {
	pid   int
	pc    uint64
	lr    uint64
	fp    uint64
	phase int
	depth int
	done  bool
}

// NewWalker seeds a Walker from a snapshot of the tracee's registers at a
// syscall-entry stop.
func NewWalker(pid int, regs Regs) *Walker {
	return &Walker{pid: pid, pc: regs.PC, lr: regs.LR, fp: regs.FP}
}

// Next returns the next frame in walk order: first the current PC, then the
// link register, then each saved return address up the frame-pointer
// chain. It returns ok=false once the chain terminates (fp == 0, a saved LR
// of 0, or the depth cap is reached — treated the same as fp reaching 0),
// or the frame record can't be read, in which case err is non-nil and the
// walk should be treated as having failed, not merely ended.
func (w *Walker) Next() (Frame, bool, error) {
	if w.done {
		return Frame{}, false, nil
	}

	switch w.phase {
	case 0:
		w.phase = 1
		return Frame{PC: w.pc}, true, nil

	case 1:
		w.phase = 2
		return Frame{PC: w.lr}, true, nil

	default:
		if w.fp == 0 {
			w.done = true
			return Frame{}, false, nil
		}
		if w.depth >= maxFrames {
			w.done = true
			return Frame{}, false, nil
		}
		w.depth++

		record := make([]byte, 16)
		n, err := unix.PtracePeekData(w.pid, uintptr(w.fp), record)
		if err != nil {
			w.done = true
			return Frame{}, false, superror.OS("stackwalk.Walker.Next", err)
		}
		if n != len(record) {
			w.done = true
			return Frame{}, false, superror.Invariant("stackwalk.Walker.Next", fmt.Errorf("short frame-record read at 0x%x: got %d bytes, want %d", w.fp, n, len(record)))
		}

		savedFP := binary.LittleEndian.Uint64(record[0:8])
		savedLR := binary.LittleEndian.Uint64(record[8:16])
		w.fp = savedFP

		if savedLR == 0 {
			w.done = true
			return Frame{}, false, nil
		}
		return Frame{PC: savedLR}, true, nil
	}
}

// Collect drains a Walker into a slice of return addresses, in walk order.
func Collect(w *Walker) ([]Frame, error) {
	var frames []Frame
	for {
		f, ok, err := w.Next()
		if err != nil {
			return frames, err
		}
		if !ok {
			return frames, nil
		}
		frames = append(frames, f)
	}
}
