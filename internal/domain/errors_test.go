package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainErrorFormat(t *testing.T) {
	err := NewDomainError("Registry.Get", ErrNotFound, "job 01HX")
	want := "Registry.Get: job 01HX: not found"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorFormatNoDetail(t *testing.T) {
	err := NewDomainError("Runner.Start", ErrSpawn, "")
	want := "Runner.Start: spawn failed"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorUnwrap(t *testing.T) {
	err := NewDomainError("Registry.Transition", ErrInvalidTransition, "Succeeded -> Running")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Error("errors.Is should match ErrInvalidTransition")
	}
}

func TestDomainErrorAs(t *testing.T) {
	err := fmt.Errorf("submit: %w", NewSubSystemError("runner", "Runner.Start", ErrSpawn, "empty argv"))
	var de *DomainError
	if !errors.As(err, &de) {
		t.Fatal("errors.As should match *DomainError")
	}
	if de.Op != "Runner.Start" {
		t.Errorf("Op = %q, want %q", de.Op, "Runner.Start")
	}
}

// --- ErrorCode tests ---

func TestErrorCodeOf_DirectSentinel(t *testing.T) {
	assert.Equal(t, CodeSpawn, ErrorCodeOf(ErrSpawn))
	assert.Equal(t, CodeInvalidTransition, ErrorCodeOf(ErrInvalidTransition))
	assert.Equal(t, CodeRateLimit, ErrorCodeOf(ErrRateLimit))
	assert.Equal(t, CodeGatewayAuth, ErrorCodeOf(ErrGatewayAuthFailed))
}

func TestErrorCodeOf_SubSystem(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"job not found", NewSubSystemError("jobs", "Registry.Get", ErrNotFound, "x"), CodeJobNotFound},
		{"executable not found", NewSubSystemError("runner", "Runner.Start", ErrExecutableNotFound, "ansible"), CodeExecutableNotFound},
		{"executable denied", NewSubSystemError("runner", "Runner.Start", ErrExecutableDenied, "/bin/x"), CodeExecutableDenied},
		{"engine unavailable", NewSubSystemError("runner", "Runner.Start", ErrEngineUnavailable, ""), CodeEngineUnavailable},
		{"plain spawn", NewSubSystemError("runner", "Runner.Start", ErrSpawn, "empty argv"), CodeSpawn},
		{"transition", NewSubSystemError("jobs", "Registry.Transition", ErrInvalidTransition, ""), CodeJobTransition},
		{"bad request", NewSubSystemError("command", "Playbook.Build", ErrInvalidInput, "playbook is required"), CodeRequestInvalid},
		{"bad filter", NewSubSystemError("filter", "CompileFilter", ErrInvalidInput, ""), CodeInvalidFilter},
		{"unknown subsystem falls back", NewSubSystemError("nope", "Op", ErrNotFound, ""), CodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ErrorCodeOf(tt.err))
		})
	}
}

func TestErrorCodeOf_WrappedDomainError(t *testing.T) {
	err := fmt.Errorf("handler: %w", NewSubSystemError("jobs", "Registry.Get", ErrNotFound, "x"))
	assert.Equal(t, CodeJobNotFound, ErrorCodeOf(err))
}

func TestErrorCodeOf_WrappedSentinel(t *testing.T) {
	wrapped := fmt.Errorf("context: %w", ErrSpawn)
	assert.Equal(t, CodeSpawn, ErrorCodeOf(wrapped))
}

func TestErrorCodeOf_UnknownError(t *testing.T) {
	assert.Equal(t, CodeUnknown, ErrorCodeOf(fmt.Errorf("some random error")))
}

func TestErrorCodeOf_Nil(t *testing.T) {
	assert.Equal(t, CodeUnknown, ErrorCodeOf(nil))
}

func TestDomainError_CodeUnknownSentinel(t *testing.T) {
	err := NewDomainError("Op", fmt.Errorf("custom"), "detail")
	assert.Equal(t, CodeUnknown, err.Code())
}

func TestDomainError_CodeWrappedInner(t *testing.T) {
	err := NewSubSystemError("jobs", "Service.start", fmt.Errorf("lookup: %w", ErrInvalidTransition), "")
	assert.Equal(t, CodeInvalidTransition, err.Code())
}

func TestAllSentinelsHaveCodes(t *testing.T) {
	require.NotEmpty(t, errorCodeMap)
	for sentinel, code := range errorCodeMap {
		assert.NotEmpty(t, code, "sentinel %v has empty code", sentinel)
		assert.NotEqual(t, CodeUnknown, code, "sentinel %v maps to UNKNOWN", sentinel)
	}
}

func TestNewSubSystemError_Format(t *testing.T) {
	err := NewSubSystemError("jobs", "Registry.Get", ErrNotFound, "job-123")
	// SubSystem is metadata, not included in Error() output.
	assert.Equal(t, "Registry.Get: job-123: not found", err.Error())
	assert.Equal(t, "jobs", err.SubSystem)
}

func TestSpawnSentinelsWrapErrSpawn(t *testing.T) {
	for _, err := range []error{ErrExecutableNotFound, ErrExecutableDenied, ErrEngineUnavailable} {
		assert.True(t, errors.Is(err, ErrSpawn), err.Error())
	}
}

func TestAuthSentinel_GatewayWrapsAuthInvalid(t *testing.T) {
	assert.True(t, errors.Is(ErrGatewayAuthFailed, ErrAuthInvalid))
	assert.True(t, errors.Is(ErrGatewayAuthFailed, ErrGatewayAuthFailed))
}

// --- WrapOp tests ---

func TestWrapOp_Nil(t *testing.T) {
	assert.Nil(t, WrapOp("anything", nil))
}

func TestWrapOp_Chain(t *testing.T) {
	inner := WrapOp("inner", ErrSpawn)
	outer := WrapOp("outer", inner)
	assert.Equal(t, "outer: inner: spawn failed", outer.Error())
	assert.True(t, errors.Is(outer, ErrSpawn))
	assert.Equal(t, CodeSpawn, ErrorCodeOf(outer))
}

// --- IsRetryableError tests ---

func TestIsRetryableError(t *testing.T) {
	assert.True(t, IsRetryableError(ErrRateLimit))
	assert.True(t, IsRetryableError(NewSubSystemError("runner", "Runner.Start", ErrEngineUnavailable, "breaker open")))
	assert.False(t, IsRetryableError(ErrSpawn))
	assert.False(t, IsRetryableError(ErrInvalidInput))
	assert.False(t, IsRetryableError(nil))
}
