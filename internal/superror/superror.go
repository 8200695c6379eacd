// Package superror provides the fatal-error taxonomy for the supervisor.
//
// Three kinds carry meaning beyond the wrapped error: KindParse for
// malformed input (a /proc/{pid}/maps snapshot, a policy file or its extends
// chain, a kernel release string), KindOS for any failed syscall/ptrace/
// wait/fork/exec, and KindInvariant for states the kernel should never put
// the supervisor in. A Policy verdict of Blocked is never an Error — it is
// reported as a ChildExit, not returned as a failure.
package superror

import "errors"

// Kind classifies a fatal supervisor error.
type Kind int

const (
	// KindParse indicates malformed input: a procfs maps snapshot, a policy
	// file or its extends chain, or a kernel release string.
	KindParse Kind = iota
	// KindOS indicates a failed OS-interface call (fork, exec, wait, ptrace, procfs read).
	KindOS
	// KindInvariant indicates an unexpected wait status or tracing event,
	// or another state the supervisor's own bookkeeping says cannot happen.
	KindInvariant
)

// String returns a human-readable name for the kind.
func (k Kind) String() string {
	switch k {
	case KindParse:
		return "parse error"
	case KindOS:
		return "os-interface error"
	case KindInvariant:
		return "invariant violation"
	default:
		return "unknown error"
	}
}

// Error is a fatal supervisor error: one of the three taxonomy kinds above,
// tagged with the operation that failed and an optional wrapped cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches another *Error with the same Kind and reports false for any
// other target; errors.Is then goes on to the wrapped error through Unwrap.
func (e *Error) Is(target error) bool {
	if e == nil {
		return target == nil
	}
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// New creates a fatal Error of the given kind for operation op, wrapping err.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Parse wraps err as a KindParse Error for operation op.
func Parse(op string, err error) *Error { return New(KindParse, op, err) }

// OS wraps err as a KindOS Error for operation op.
func OS(op string, err error) *Error { return New(KindOS, op, err) }

// Invariant wraps err as a KindInvariant Error for operation op.
func Invariant(op string, err error) *Error { return New(KindInvariant, op, err) }

// Is reports whether err is a fatal Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
