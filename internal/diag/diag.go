// Package diag provides the structured diagnostic logging used by
// cmd/tracefence to report supervised-run events and failures.
package diag

import (
	"os"

	"github.com/sirupsen/logrus"

	"github.com/Use-Tusk/tracefence/internal/policy"
	"github.com/Use-Tusk/tracefence/internal/superror"
	"github.com/Use-Tusk/tracefence/internal/supervisor"
)

// New builds a logger writing structured lines to stderr. debug raises the
// level so per-event dispatch lines are emitted in addition to the final
// summary.
func New(debug bool) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if debug {
		l.SetLevel(logrus.DebugLevel)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	return l
}

// Summary logs the terminal ChildExit of a supervised run at info level.
func Summary(l *logrus.Logger, exit supervisor.ChildExit) {
	fields := logrus.Fields{"kind": exit.Kind}
	switch exit.Kind {
	case supervisor.Exited:
		fields["exit_code"] = exit.ExitCode
	case supervisor.IllegalSyscall:
		fields["syscall"] = policy.SyscallName(exit.Syscall)
		fields["object"] = exit.ObjectPath
	}
	l.WithFields(fields).Info(exit.String())
}

// Fatal logs a fatal supervisor error with its taxonomy kind, at error level.
func Fatal(l *logrus.Logger, err *superror.Error) {
	l.WithFields(logrus.Fields{"kind": err.Kind.String(), "op": err.Op}).Error(err.Error())
}
