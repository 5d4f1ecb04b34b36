package session

import (
	"fmt"
)

var (
	ErrSessionShutdown = fmt.Errorf("session has been shut down")
)

// StartError reports that a kernel could not be started or primed while
// creating a session. Fatal to that label's creation.
type StartError struct {
	Label    string
	FullName string
	Cause    error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("failed to start kernel \"%s\" for label \"%s\": %v", e.FullName, e.Label, e.Cause)
}

func (e *StartError) Unwrap() error {
	return e.Cause
}

// RestartError reports that a dead kernel could not be brought back.
type RestartError struct {
	Label    string
	FullName string
	Cause    error
}

func (e *RestartError) Error() string {
	return fmt.Sprintf("failed to restart kernel \"%s\" for label \"%s\": %v", e.FullName, e.Label, e.Cause)
}

func (e *RestartError) Unwrap() error {
	return e.Cause
}

// DirectoryChangeError reports a failed working-directory change on the
// remote kernel. It is recorded on the session rather than returned:
// execution proceeds in whatever directory the kernel was already in.
type DirectoryChangeError struct {
	Label     string
	Directory string
	ErrName   string
	ErrValue  string
}

func (e *DirectoryChangeError) Error() string {
	return fmt.Sprintf("os.chdir(%q) on %s failed: %s: %s", e.Directory, e.Label, e.ErrName, e.ErrValue)
}

// ExecutionError reports that the remote kernel raised while executing
// code. Captured results are left as they were.
type ExecutionError struct {
	Label    string
	FullName string
	ErrName  string
	ErrValue string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution of code on %s (%s) failed: %s: %s", e.Label, e.FullName, e.ErrName, e.ErrValue)
}

// TimeoutError reports that a kernel round trip did not complete within
// the session's request timeout. Distinct from ExecutionError: the
// remote side never answered at all.
type TimeoutError struct {
	Label     string
	Operation string
	Cause     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out waiting for %s reply from %s: %v", e.Operation, e.Label, e.Cause)
}

func (e *TimeoutError) Unwrap() error {
	return e.Cause
}
