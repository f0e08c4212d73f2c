package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
)

// Journal and identity errors.
var (
	ErrJournalNotFound = errors.New("journal not found")
	ErrJournalExists   = errors.New("journal already exists")
	ErrFolderSharing   = errors.New("folder sharing detected: journal belongs to a different account or remote folder")
)

// Run control errors.
var (
	ErrRunInProgress = errors.New("a sync run is already active for this root")
	ErrPaused        = errors.New("sync root is paused")
	ErrAborted       = errors.New("sync run aborted")
	ErrCircuitOpen   = errors.New("too many identical failures, run stopped")
	ErrUnknownRoot   = errors.New("unknown sync root")
)

// Client errors.
var (
	ErrAuth         = errors.New("authentication failed")
	ErrWrongAccount = errors.New("signed in as a different account")
)

// Server/transport errors.
var (
	ErrRemoteFolderGone  = errors.New("remote folder no longer exists")
	ErrRemoteNotFound    = errors.New("remote entry not found")
	ErrPrecondition      = errors.New("remote entry changed since it was listed")
	ErrChangedDuringSync = errors.New("local entry changed during sync")
)

// Kind classifies an error for the sync engine. Conflicts are not errors
// and have no kind.
type Kind int

const (
	// KindUnknown fails the affected path without retry. The run continues.
	KindUnknown Kind = iota

	// KindConfig is an invalid root or daemon configuration.
	KindConfig

	// KindIdentityMismatch means the journal is bound to a different
	// account or remote folder. The root is blocked.
	KindIdentityMismatch

	// KindRetryable covers transient failures: timeouts, throttling, 5xx.
	KindRetryable

	// KindFatal aborts the run: auth failures, missing remote folder,
	// disk full, permission denied.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindIdentityMismatch:
		return "identity_mismatch"
	case KindRetryable:
		return "retryable"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error attaches a Kind and optional operation and path to a cause.
type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Path != "":
		return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return e.Err.Error()
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable marks err as transient.
func Retryable(err error) error {
	return wrap(KindRetryable, err)
}

// Fatal marks err as run-aborting.
func Fatal(err error) error {
	return wrap(KindFatal, err)
}

// Config marks err as a configuration error.
func Config(err error) error {
	return wrap(KindConfig, err)
}

// IdentityMismatch marks err as a journal identity mismatch.
func IdentityMismatch(err error) error {
	return wrap(KindIdentityMismatch, err)
}

// Op wraps err with an operation name and path, keeping its kind.
func Op(op, path string, err error) error {
	if err == nil {
		return nil
	}

	return &Error{Kind: KindOf(err), Op: op, Path: path, Err: err}
}

func wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}

	return &Error{Kind: kind, Err: err}
}

// KindOf classifies err. Explicit wrappers win over the well-known
// causes recognised below.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var e *Error
	if errors.As(err, &e) && e.Kind != KindUnknown {
		return e.Kind
	}

	switch {
	case errors.Is(err, ErrFolderSharing):
		return KindIdentityMismatch
	case errors.Is(err, ErrAuth), errors.Is(err, ErrWrongAccount), errors.Is(err, ErrRemoteFolderGone):
		return KindFatal
	case errors.Is(err, syscall.ENOSPC), errors.Is(err, os.ErrPermission):
		return KindFatal
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return KindRetryable
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindRetryable
	}

	return KindUnknown
}

// IsRetryable reports whether err should be retried.
func IsRetryable(err error) bool {
	return KindOf(err) == KindRetryable
}

// IsFatal reports whether err aborts the run. Configuration and identity
// errors are fatal for the run as well.
func IsFatal(err error) bool {
	switch KindOf(err) {
	case KindFatal, KindConfig, KindIdentityMismatch:
		return true
	default:
		return false
	}
}

// Cause returns the innermost error in the chain. Used to compare
// failures by root cause independent of path.
func Cause(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}

		err = next
	}
}
