package gwerrors

import (
	"errors"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConstructorsMapToExpectedErrno(t *testing.T) {
	cases := []struct {
		name string
		err  *Error
		want syscall.Errno
	}{
		{"NotFound", NotFound("LookUpInode", "child %q", "foo"), syscall.ENOENT},
		{"NotADirectory", NotADirectory("OpenDir", "ino %d", 5), syscall.ENOTDIR},
		{"IsADirectory", IsADirectory("ReadFile", "ino %d", 5), syscall.EISDIR},
		{"NameTooLong", NameTooLong("MkDir", "name %q", "x"), syscall.ENAMETOOLONG},
		{"OutOfMemory", OutOfMemory("Write", ""), syscall.ENOMEM},
		{"InvalidArgument", InvalidArgument("ReadSymlink", "not a symlink"), syscall.EINVAL},
		{"Overflow", Overflow("Write", "size %d", 1<<40), syscall.E2BIG},
		{"NotEmpty", NotEmpty("RmDir", "dir %q", "x"), syscall.ENOTEMPTY},
		{"Exists", Exists("CreateFile", "precondition failed"), syscall.EEXIST},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, c.err.Errno)
			assert.True(t, errors.Is(c.err.Unwrap(), c.want))
		})
	}
}

func TestFromBackendWrapsOpaqueErrorAsEIO(t *testing.T) {
	underlying := errors.New("connection reset")
	wrapped := FromBackend("Read", underlying)
	assert.Equal(t, syscall.EIO, wrapped.Errno)
	assert.Contains(t, wrapped.Error(), "connection reset")
}

func TestFromBackendPassesThroughExistingError(t *testing.T) {
	original := NotFound("LookUpInode", "missing")
	wrapped := FromBackend("LookUpInode", original)
	assert.Same(t, original, wrapped)
}

func TestFromBackendNilIsNil(t *testing.T) {
	assert.Nil(t, FromBackend("op", nil))
}

func TestIsExpectedOnlyForLowSeverityMembers(t *testing.T) {
	assert.True(t, IsExpected(NameTooLong("op", "")))
	assert.True(t, IsExpected(NotEmpty("op", "")))
	assert.False(t, IsExpected(NotFound("op", "")))
	assert.False(t, IsExpected(errors.New("plain")))
}

func TestErrnoDefaultsToEIOForForeignErrors(t *testing.T) {
	assert.Equal(t, syscall.Errno(0), Errno(nil))
	assert.Equal(t, syscall.EIO, Errno(errors.New("plain")))
	assert.Equal(t, syscall.ENOENT, Errno(NotFound("op", "")))
}
