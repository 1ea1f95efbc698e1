package errors_test

import (
	stderrors "errors"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/theanurin/emphatic-fs/errors"
)

func TestDiskoErrorWithMessage(t *testing.T) {
	newErr := errors.ErrExists.WithMessage("/A.TXT")
	assert.Equal(t, "file exists: /A.TXT", newErr.Error())
	assert.ErrorIs(t, newErr, errors.ErrExists)
}

func TestDiskoErrorWrap(t *testing.T) {
	originalErr := stderrors.New("short write")
	newErr := errors.ErrIOFailed.WrapError(originalErr)

	assert.Equal(t, "input/output error: short write", newErr.Error())
	assert.ErrorIs(t, newErr, errors.ErrIOFailed)
	assert.ErrorIs(t, newErr, originalErr)
}

func TestErrnoMapping(t *testing.T) {
	cases := map[errors.DiskoError]syscall.Errno{
		errors.ErrNotFound:          syscall.ENOENT,
		errors.ErrNotDir:            syscall.ENOTDIR,
		errors.ErrNotEmpty:          syscall.ENOTEMPTY,
		errors.ErrReadOnly:          syscall.EROFS,
		errors.ErrAccess:            syscall.EACCES,
		errors.ErrNoSpace:           syscall.ENOSPC,
		errors.ErrInvalidArgument:   syscall.EINVAL,
		errors.ErrFileSystemCorrupt: syscall.EUCLEAN,
		errors.ErrIOFailed:          syscall.EIO,
	}

	for kind, want := range cases {
		assert.Equal(t, want, kind.Errno(), "wrong errno for %q", kind)
	}
}

func TestDiskoErrorNotConfusedWithDifferentKind(t *testing.T) {
	newErr := errors.ErrExists.WithMessage("dup")
	assert.False(t, stderrors.Is(newErr, errors.ErrNotFound))
}
