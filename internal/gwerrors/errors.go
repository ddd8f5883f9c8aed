// Package gwerrors implements the POSIX errno taxonomy the gateway maps
// every Backend and Dispatcher failure onto before it crosses the Kernel
// Bridge boundary.
package gwerrors

import (
	"errors"
	"fmt"
	"syscall"
)

// Error wraps a syscall.Errno so it satisfies the standard error interface
// while still being recoverable with errors.As/errors.Is and translatable
// to fuse.Errno (itself a syscall.Errno) at the dispatcher boundary.
type Error struct {
	Errno syscall.Errno
	// Op and Msg are for logs only; they never affect the errno returned to
	// the kernel.
	Op  string
	Msg string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Errno)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Errno, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Errno
}

func newf(errno syscall.Errno, op, format string, args ...any) *Error {
	return &Error{Errno: errno, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// NotFound corresponds to ENOENT: the named child, or the inode itself, does
// not exist in the Backend's namespace.
func NotFound(op, format string, args ...any) *Error {
	return newf(syscall.ENOENT, op, format, args...)
}

// NotADirectory corresponds to ENOTDIR.
func NotADirectory(op, format string, args ...any) *Error {
	return newf(syscall.ENOTDIR, op, format, args...)
}

// IsADirectory corresponds to EISDIR.
func IsADirectory(op, format string, args ...any) *Error {
	return newf(syscall.EISDIR, op, format, args...)
}

// NameTooLong corresponds to ENAMETOOLONG. Logged at a lower severity than
// other errors since it's an expected, caller-triggerable condition.
func NameTooLong(op, format string, args ...any) *Error {
	return newf(syscall.ENAMETOOLONG, op, format, args...)
}

// OutOfMemory corresponds to ENOMEM.
func OutOfMemory(op, format string, args ...any) *Error {
	return newf(syscall.ENOMEM, op, format, args...)
}

// InvalidArgument corresponds to EINVAL.
func InvalidArgument(op, format string, args ...any) *Error {
	return newf(syscall.EINVAL, op, format, args...)
}

// Overflow corresponds to E2BIG.
func Overflow(op, format string, args ...any) *Error {
	return newf(syscall.E2BIG, op, format, args...)
}

// NotEmpty corresponds to ENOTEMPTY. Also logged at a lower severity, like
// NameTooLong.
func NotEmpty(op, format string, args ...any) *Error {
	return newf(syscall.ENOTEMPTY, op, format, args...)
}

// Exists corresponds to EEXIST, used when a Backend precondition failure
// (an if-generation-match that didn't match) indicates the target already
// exists.
func Exists(op, format string, args ...any) *Error {
	return newf(syscall.EEXIST, op, format, args...)
}

// FromBackend wraps an opaque Backend/IO failure that doesn't map to any of
// the above as a generic EIO, keeping the original error's text in Msg
// (Unwrap yields the EIO errno, not the original error). An error that is
// already an *Error is returned unchanged.
func FromBackend(op string, err error) *Error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return existing
	}
	return &Error{Errno: syscall.EIO, Op: op, Msg: err.Error()}
}

// IsExpected reports whether err is one of the taxonomy members that should
// be logged at a lower severity (NameTooLong, NotEmpty) rather than as a
// hard error, per the gateway's error handling design.
func IsExpected(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Errno == syscall.ENAMETOOLONG || e.Errno == syscall.ENOTEMPTY
}

// Errno extracts the underlying syscall.Errno from err, defaulting to EIO
// for errors that were never constructed through this package.
func Errno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Errno
	}
	return syscall.EIO
}
