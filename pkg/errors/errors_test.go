package errors

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaults(t *testing.T) {
	err := New(CodeQuotaExceeded, "vault full")
	assert.Equal(t, CategoryResource, err.Category)
	assert.False(t, err.Retryable)
	assert.Equal(t, "QUOTA_EXCEEDED: vault full", err.Error())
}

func TestTransientIsRetryableByDefault(t *testing.T) {
	err := New(CodeTransient, "s3 timeout")
	assert.True(t, err.Retryable)
}

func TestWithComponentOperationFormatsError(t *testing.T) {
	err := New(CodeIOError, "write failed").WithComponent("vault").WithOperation("write")
	assert.Equal(t, "[vault:write] IO_ERROR: write failed", err.Error())
}

func TestUnwrapAndIs(t *testing.T) {
	cause := stderrors.New("disk full")
	err := New(CodeIOError, "write failed").WithCause(cause)

	require.ErrorIs(t, err, cause)

	var target *VaultError
	require.True(t, stderrors.As(err, &target))

	other := New(CodeIOError, "different message")
	assert.True(t, err.Is(other))

	notIO := New(CodeNotFound, "x")
	assert.False(t, err.Is(notIO))
}

func TestToErrnoMapping(t *testing.T) {
	cases := map[Code]Errno{
		CodeNotFound:         ErrnoNoEnt,
		CodeAlreadyExists:    ErrnoExist,
		CodePermissionDenied: ErrnoAcces,
		CodeInvalidArgument:  ErrnoInval,
		CodeQuotaExceeded:    ErrnoDquot,
		CodeIOError:          ErrnoIO,
		CodeIntegrityError:   ErrnoIO,
		CodeTransient:        ErrnoAgain,
	}
	for code, want := range cases {
		assert.Equal(t, want, ToErrno(code), "code=%s", code)
	}
}

func TestWithContextAndDetailAreIndependentPerError(t *testing.T) {
	err := New(CodeInvalidArgument, "bad path")
	err.WithContext("path", "/a/b").WithDetail("offset", 13)

	assert.Equal(t, "/a/b", err.Context["path"])
	assert.Equal(t, 13, err.Details["offset"])

	other := New(CodeInvalidArgument, "other")
	assert.Empty(t, other.Context)
}

func TestJSONIncludesCodeAndComponent(t *testing.T) {
	err := New(CodeFatal, "ms unavailable").WithComponent("store")
	js := err.JSON()
	assert.Contains(t, js, `"code":"FATAL"`)
	assert.Contains(t, js, `"component":"store"`)
}
