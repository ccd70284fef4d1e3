package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	sentinel := New(CodeNotFound, "missing")
	err := New(CodeNotFound, "other message", WithMetadata("id", "42"))

	assert.True(t, stdErrors.Is(err, sentinel))
	assert.False(t, stdErrors.Is(err, New(CodeConflict, "")))

	wrapped := fmt.Errorf("outer: %w", err)
	assert.True(t, stdErrors.Is(wrapped, sentinel))
	assert.Equal(t, CodeNotFound, CodeOf(wrapped))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := stdErrors.New("connection reset")
	err := Wrap(CodeStorageFailure, cause, "write journal")

	require.ErrorIs(t, err, cause)
	assert.Equal(t, "[STORAGE_FAILURE] write journal: connection reset", err.Error())
	assert.True(t, RetryableError(err))
	assert.True(t, ShouldAlert(err))
	assert.Equal(t, SeverityCritical, SeverityOf(err))
}

func TestOverridesAndMetadata(t *testing.T) {
	err := New(CodeInvalidArgument, "bad", WithMetadata("b", "2"), WithMetadata("a", "1"),
		WithRetryable(true), WithAlert(true), WithSeverity(SeverityCritical))

	assert.Equal(t, "[INVALID_ARGUMENT] bad (a=1, b=2)", err.Error())
	assert.True(t, err.Retryable())
	assert.True(t, err.ShouldAlert())
	assert.Equal(t, SeverityCritical, err.Severity())

	md := err.Metadata()
	md["a"] = "changed"
	assert.Equal(t, "1", err.Metadata()["a"])
}

func TestRegisterAndFallback(t *testing.T) {
	code := Code("TEST_REGISTERED")
	Register(code, Attributes{Message: "registered", Severity: SeverityWarning, Retryable: true})

	err := New(code, "")
	assert.Equal(t, "registered", err.Message())
	assert.True(t, err.Retryable())

	unknown := New(Code("NEVER_REGISTERED"), "")
	assert.Equal(t, AttributesOf(CodeUnknown).Message, unknown.Message())
	assert.Equal(t, CodeUnknown, CodeOf(stdErrors.New("plain")))
}
