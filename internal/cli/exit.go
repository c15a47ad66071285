package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/agentsh/oslayer/internal/crash"
)

// Exit codes. The 126 and 127 values follow the shell convention for a
// child that could not be started.
const (
	exitFailure       = 1
	exitUsage         = 2
	exitNotExecutable = 126
	exitNotFound      = 127
)

// ExitError carries the exit code a command wants for the process. A
// supervised child's own non-zero code travels as an ExitError with no
// message.
type ExitError struct {
	code    int
	message string
}

func exitWith(code int, format string, args ...any) *ExitError {
	return &ExitError{code: code, message: fmt.Sprintf(format, args...)}
}

func childExit(code int) *ExitError { return &ExitError{code: code} }

func (e *ExitError) Error() string {
	if e == nil {
		return ""
	}
	if e.message != "" {
		return e.message
	}
	return "exit status " + strconv.Itoa(e.code)
}

func (e *ExitError) Code() int {
	if e == nil {
		return exitFailure
	}
	return e.code
}

func (e *ExitError) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// exitStatus maps a command result to a process exit code and the line to
// print for it, if any.
func exitStatus(err error) (int, string) {
	if err == nil {
		return 0, ""
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code(), ee.Message()
	}
	return exitFailure, err.Error()
}

// Main runs the oslayer command line and returns the process exit code.
// Failures go straight to stderr: the configured logger either does not
// exist yet or has been closed by the time the command returns.
func Main(ctx context.Context, version string, args []string) int {
	root := NewRoot(version)
	root.SetArgs(args)
	code, msg := exitStatus(root.ExecuteContext(ctx))
	if msg != "" {
		crash.WriteStderr("oslayer: ", msg, "\n")
	}
	return code
}
