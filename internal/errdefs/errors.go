package errdefs

import (
	"errors"
	"fmt"
)

// Kind classifies a worker failure. The set is closed on purpose: callers
// branch on kind, not on message text.
type Kind string

const (
	KindConfig      Kind = "config"      // invalid or missing configuration, detected before spawn
	KindPermission  Kind = "permission"  // lock/data directory ownership or mode violation
	KindTimeout     Kind = "timeout"     // readiness or shutdown deadline exhausted
	KindSubprocess  Kind = "subprocess"  // child exited non-zero or crashed during startup
	KindUnavailable Kind = "unavailable" // unexpected OS-level failure (resolution, privileged port, ...)
)

// WorkerError is the typed failure surfaced by managers and their helpers.
// It carries a kind, a message, and optionally the underlying OS error.
type WorkerError struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *WorkerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *WorkerError) Unwrap() error { return e.Err }

// New constructs a WorkerError without an underlying cause.
func New(kind Kind, format string, args ...any) *WorkerError {
	return &WorkerError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap constructs a WorkerError around an underlying cause.
func Wrap(kind Kind, err error, format string, args ...any) *WorkerError {
	return &WorkerError{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// DatabaseError refines WorkerError for backend-specific conditions
// (initdb failure, on-disk format mismatch, handshake rejected by the
// server). Stderr holds captured diagnostic output when available.
type DatabaseError struct {
	WorkerError
	Stderr string
}

func (e *DatabaseError) Error() string {
	s := e.WorkerError.Error()
	if e.Stderr != "" {
		return s + ": " + e.Stderr
	}
	return s
}

// Unwrap exposes the embedded WorkerError so errors.As can match either type.
func (e *DatabaseError) Unwrap() error { return &e.WorkerError }

// NewDatabase constructs a DatabaseError with captured stderr output.
func NewDatabase(kind Kind, stderr, format string, args ...any) *DatabaseError {
	return &DatabaseError{
		WorkerError: WorkerError{Kind: kind, Msg: fmt.Sprintf(format, args...)},
		Stderr:      stderr,
	}
}

// IsKind reports whether err is a WorkerError (or DatabaseError) of the
// given kind.
func IsKind(err error, kind Kind) bool {
	var we *WorkerError
	if errors.As(err, &we) {
		return we.Kind == kind
	}
	return false
}
