// Package errors defines the error taxonomy raised by the driver core:
// NOT_FOUND, NOT_DIR, IS_DIR/NOT_EMPTY, EXISTS, READ_ONLY/ACCES, NO_SPACE,
// INVAL, CORRUPT_FS, and IO_ERROR. Every public entry point in this module
// returns one of these, wrapped with a message or an underlying error,
// rather than a bare string, so callers can use errors.Is against the
// sentinels below.
package errors

import (
	"fmt"
	"syscall"
)

// DiskoError is a taxonomy kind. Each kind is declared as a package-level
// constant below; it is itself a valid, zero-allocation error.
type DiskoError string

const (
	ErrNotFound           = DiskoError("no such file or directory")
	ErrNotDir             = DiskoError("not a directory")
	ErrIsDir              = DiskoError("is a directory")
	ErrNotEmpty           = DiskoError("directory not empty")
	ErrExists             = DiskoError("file exists")
	ErrReadOnly           = DiskoError("read-only file system")
	ErrAccess             = DiskoError("permission denied")
	ErrNoSpace            = DiskoError("no space left on device")
	ErrInvalidArgument    = DiskoError("invalid argument")
	ErrFileSystemCorrupt  = DiskoError("structure needs cleaning")
	ErrIOFailed           = DiskoError("input/output error")
)

// Errno returns the syscall.Errno a host VFS adapter should surface for this
// kind. CORRUPT_FS has no exact POSIX analogue; EUCLEAN is what fsck tooling
// conventionally reports for "needs cleaning".
func (e DiskoError) Errno() syscall.Errno {
	switch e {
	case ErrNotFound:
		return syscall.ENOENT
	case ErrNotDir:
		return syscall.ENOTDIR
	case ErrIsDir:
		return syscall.EISDIR
	case ErrNotEmpty:
		return syscall.ENOTEMPTY
	case ErrExists:
		return syscall.EEXIST
	case ErrReadOnly:
		return syscall.EROFS
	case ErrAccess:
		return syscall.EACCES
	case ErrNoSpace:
		return syscall.ENOSPC
	case ErrInvalidArgument:
		return syscall.EINVAL
	case ErrFileSystemCorrupt:
		return syscall.EUCLEAN
	case ErrIOFailed:
		return syscall.EIO
	default:
		return syscall.EIO
	}
}

func (e DiskoError) Error() string {
	return string(e)
}

// WithMessage attaches context to a taxonomy kind without losing its
// identity: errors.Is(result, ErrNotFound) still holds afterwards.
func (e DiskoError) WithMessage(message string) DriverError {
	return customDriverError{
		message: fmt.Sprintf("%s: %s", string(e), message),
		kind:    e,
	}
}

// WrapError wraps an underlying error, preserving the taxonomy kind's
// identity and chaining to the wrapped error via Unwrap.
func (e DiskoError) WrapError(err error) DriverError {
	return customDriverError{
		message: fmt.Sprintf("%s: %s", string(e), err.Error()),
		kind:    e,
		wrapped: err,
	}
}

// Is lets errors.Is(wrapped, ErrNotFound) succeed through a chain of
// WithMessage/WrapError calls.
func (e DiskoError) Is(target error) bool {
	other, ok := target.(DiskoError)
	return ok && other == e
}

// DriverError is a DiskoError enriched with a specific message and,
// possibly, a wrapped underlying error. This is what every core function
// actually returns; the bare DiskoError constants exist as comparison
// targets for errors.Is.
type DriverError interface {
	error
	WithMessage(message string) DriverError
	WrapError(err error) DriverError
	Unwrap() error
	Errno() syscall.Errno
}

type customDriverError struct {
	message string
	kind    DiskoError
	wrapped error
}

func (e customDriverError) Error() string {
	return e.message
}

func (e customDriverError) WithMessage(message string) DriverError {
	return customDriverError{
		message: fmt.Sprintf("%s: %s", e.message, message),
		kind:    e.kind,
		wrapped: e.wrapped,
	}
}

func (e customDriverError) WrapError(err error) DriverError {
	return customDriverError{
		message: fmt.Sprintf("%s: %s", e.message, err.Error()),
		kind:    e.kind,
		wrapped: err,
	}
}

// Unwrap exposes both the taxonomy kind and the wrapped error to errors.Is
// and errors.As.
func (e customDriverError) Unwrap() error {
	if e.wrapped != nil {
		return wrappedPair{kind: e.kind, wrapped: e.wrapped}
	}
	return e.kind
}

func (e customDriverError) Errno() syscall.Errno {
	return e.kind.Errno()
}

// wrappedPair lets errors.Is walk into both the taxonomy kind and the
// originally wrapped error from a single Unwrap call.
type wrappedPair struct {
	kind    DiskoError
	wrapped error
}

func (p wrappedPair) Error() string         { return p.wrapped.Error() }
func (p wrappedPair) Is(target error) bool  { return p.kind.Is(target) }
func (p wrappedPair) Unwrap() error         { return p.wrapped }
