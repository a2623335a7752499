package resolve

import (
	"bytes"
	"fmt"
)

// traceError is implemented by errors that can render a terser form for
// verbose trace output.
type traceError interface {
	traceString() string
}

// UserError reports a problem with the caller's inputs: an invalid
// workspace root (not private, or nohoist misuse), duplicate workspace
// names, a missing required name/version, an unknown or private workspace
// package, a package the registry does not have, or a range no exotic
// resolver claims. Surfaced to the user; exit non-zero. Frozen-lockfile
// violations and invalid mutex specifiers are not UserErrors: they are
// reported as frozenViolationError and as a plain error from
// mutex.FromSpecifier.
type UserError struct {
	Message string
}

func (e *UserError) Error() string { return e.Message }

func userFailure(format string, args ...interface{}) *UserError {
	return &UserError{Message: fmt.Sprintf(format, args...)}
}

// ConstraintError reports that no version satisfies a required range, or
// that flat mode could not reconcile a set of ranges to one version.
type ConstraintError struct {
	Pattern    string
	Candidates []string
	Reason     string
}

func (e *ConstraintError) Error() string {
	if len(e.Candidates) == 0 {
		return fmt.Sprintf("no versions found for %q: %s", e.Pattern, e.Reason)
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "no version of %q satisfies constraints (%s); candidates considered:", e.Pattern, e.Reason)
	for _, c := range e.Candidates {
		fmt.Fprintf(&buf, "\n\t%s", c)
	}
	return buf.String()
}

func (e *ConstraintError) traceString() string {
	return fmt.Sprintf("unsatisfiable %q: %s", e.Pattern, e.Reason)
}

// NetworkError wraps a failure propagated from a Registry Backend after
// its own retries are exhausted.
type NetworkError struct {
	Pattern string
	Cause   error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error resolving %q: %v", e.Pattern, e.Cause)
}

func (e *NetworkError) Unwrap() error { return e.Cause }

// ProcessTermError reports a spawned helper process (an exotic resolver
// that execs a VCS binary) exiting non-zero; ExitCode becomes the run's
// exit code.
type ProcessTermError struct {
	Command  string
	ExitCode int
	Cause    error
}

func (e *ProcessTermError) Error() string {
	return fmt.Sprintf("command %q exited %d: %v", e.Command, e.ExitCode, e.Cause)
}

// UnexpectedError wraps any other failure. Its presence should trigger a
// bug-report dump (see DumpBugReport) at the call site that first observes
// it.
type UnexpectedError struct {
	Cause error
}

func (e *UnexpectedError) Error() string {
	return fmt.Sprintf("unexpected error: %v", e.Cause)
}

func (e *UnexpectedError) Unwrap() error { return e.Cause }

// frozenViolationError is raised when frozen mode would otherwise allow a
// fresh (lockfile-changing) resolution.
type frozenViolationError struct {
	Pattern string
}

func (e *frozenViolationError) Error() string {
	return fmt.Sprintf("cannot resolve %q: lockfile is frozen and this pattern would change it", e.Pattern)
}
