package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainErrorFormat(t *testing.T) {
	err := NewDomainError("Registry.Get", ErrUnknownTool, "tool 'foo'")
	want := "Registry.Get: tool 'foo': unknown tool"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorFormatNoDetail(t *testing.T) {
	err := NewDomainError("Runner.New", ErrConfiguration, "")
	want := "Runner.New: invalid configuration"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorUnwrap(t *testing.T) {
	err := NewDomainError("Registry.Register", ErrDuplicateTool, "fetch")
	if !errors.Is(err, ErrDuplicateTool) {
		t.Error("errors.Is should match ErrDuplicateTool")
	}
}

func TestDomainErrorAs(t *testing.T) {
	err := NewDomainError("Executor.Execute", ErrInlineFailure, "analyze")
	var de *DomainError
	if !errors.As(err, &de) {
		t.Fatal("errors.As should match *DomainError")
	}
	if de.Op != "Executor.Execute" {
		t.Errorf("Op = %q, want %q", de.Op, "Executor.Execute")
	}
}

func TestWrapOp(t *testing.T) {
	assert.NoError(t, WrapOp("op", nil))

	err := WrapOp("Store.Save", ErrStore)
	assert.EqualError(t, err, "Store.Save: pass store operation failed")
	assert.ErrorIs(t, err, ErrStore)
}

func TestUnresolvedReferenceError(t *testing.T) {
	err := &UnresolvedReferenceError{Ref: "fetch.body.status", Reason: "step not in context"}
	assert.ErrorIs(t, err, ErrUnresolvedReference)
	assert.Equal(t, "unresolved reference: fetch.body.status: step not in context", err.Error())

	bare := &UnresolvedReferenceError{Ref: "${PROJECT_ID}"}
	assert.Equal(t, "unresolved reference: ${PROJECT_ID}", bare.Error())

	wrapped := fmt.Errorf("argument build_id: %w", err)
	assert.Equal(t, CodeUnresolvedReference, ErrorCodeOf(wrapped))
}

func TestIsRetryableError(t *testing.T) {
	assert.True(t, IsRetryableError(fmt.Errorf("call: %w", ErrTimeout)))
	assert.True(t, IsRetryableError(ErrRateLimit))
	assert.True(t, IsRetryableError(NewDomainError("Invoke", ErrCircuitOpen, "fetch")))
	assert.False(t, IsRetryableError(ErrToolFailure))
	assert.False(t, IsRetryableError(nil))
}

// --- ErrorCode tests ---

func TestErrorCodeOf_DirectSentinel(t *testing.T) {
	assert.Equal(t, CodeUnknownTool, ErrorCodeOf(ErrUnknownTool))
	assert.Equal(t, CodeDuplicateTool, ErrorCodeOf(ErrDuplicateTool))
	assert.Equal(t, CodeRateLimit, ErrorCodeOf(ErrRateLimit))
	assert.Equal(t, CodeConfiguration, ErrorCodeOf(ErrConfiguration))
}

func TestErrorCodeOf_DomainError(t *testing.T) {
	err := NewDomainError("Registry.Get", ErrUnknownTool, "tool 'foo'")
	assert.Equal(t, CodeUnknownTool, ErrorCodeOf(err))
}

func TestErrorCodeOf_WrappedError(t *testing.T) {
	wrapped := fmt.Errorf("context: %w", ErrCircuitOpen)
	assert.Equal(t, CodeCircuitOpen, ErrorCodeOf(wrapped))
}

func TestErrorCodeOf_Precedence(t *testing.T) {
	// A timeout carried inside a tool failure reports the timeout.
	err := fmt.Errorf("%w: %w", ErrToolFailure, ErrTimeout)
	assert.Equal(t, CodeTimeout, ErrorCodeOf(err))
}

func TestErrorCodeOf_UnknownError(t *testing.T) {
	assert.Equal(t, CodeUnknown, ErrorCodeOf(fmt.Errorf("some random error")))
}

func TestErrorCodeOf_Nil(t *testing.T) {
	assert.Equal(t, CodeUnknown, ErrorCodeOf(nil))
}

func TestDomainError_Code(t *testing.T) {
	err := NewDomainError("Loader.Load", ErrConfigLoad, "workflows/a.yaml")
	assert.Equal(t, CodeConfigLoad, err.Code())
}

func TestDomainError_CodeUnknownSentinel(t *testing.T) {
	err := NewDomainError("Op", fmt.Errorf("custom"), "detail")
	assert.Equal(t, CodeUnknown, err.Code())
}

func TestAllSentinelsHaveCodes(t *testing.T) {
	require.NotEmpty(t, errorCodeMap)
	for sentinel, code := range errorCodeMap {
		assert.NotEmpty(t, code, "sentinel %v has empty code", sentinel)
		assert.NotEqual(t, CodeUnknown, code, "sentinel %v maps to UNKNOWN", sentinel)
	}
	for _, sentinel := range codePrecedence {
		_, ok := errorCodeMap[sentinel]
		assert.True(t, ok, "sentinel %v missing from errorCodeMap", sentinel)
	}
}

// --- NewSubSystemError tests ---

func TestNewSubSystemError_Format(t *testing.T) {
	err := NewSubSystemError("workflow", "Load", ErrNotFound, "deploy")
	// SubSystem is metadata, not included in Error() output.
	assert.Equal(t, "Load: deploy: not found", err.Error())
	assert.Equal(t, "workflow", err.SubSystem)
}

func TestNewSubSystemError_Unwrap(t *testing.T) {
	err := NewSubSystemError("tool", "Invoke", ErrTimeout, "")
	assert.True(t, errors.Is(err, ErrTimeout))
}

func TestNewDomainError_NoSubSystem(t *testing.T) {
	err := NewDomainError("Op", ErrUnknownTool, "x")
	assert.Equal(t, "", err.SubSystem)
}

// --- SubSystem-aware ErrorCodeOf tests ---

func TestErrorCodeOf_SubSystem(t *testing.T) {
	tests := []struct {
		subsystem string
		sentinel  error
		want      ErrorCode
	}{
		{"workflow", ErrNotFound, CodeWorkflowNotFound},
		{"inline", ErrNotFound, CodeInlineNotFound},
		{"tool", ErrTimeout, CodeToolTimeout},
		{"workflow", ErrInvalidInput, CodeWorkflowInvalid},
		{"tool", ErrInvalidInput, CodeToolInvalidArgs},
		{"response", ErrToolFailure, CodeToolInvalidResponse},
		{"status", ErrToolFailure, CodeToolHTTPStatus},
	}
	for _, tt := range tests {
		t.Run(string(tt.want), func(t *testing.T) {
			err := NewSubSystemError(tt.subsystem, "Op", tt.sentinel, "")
			assert.Equal(t, tt.want, ErrorCodeOf(err))
		})
	}
}

func TestErrorCodeOf_SubSystemFallback(t *testing.T) {
	// Unknown subsystem falls back to category code.
	err := NewSubSystemError("unknown-subsystem", "Op", ErrNotFound, "")
	assert.Equal(t, CodeNotFound, ErrorCodeOf(err))
}

func TestErrorCodeOf_WrappedSubSystemError(t *testing.T) {
	inner := NewSubSystemError("tool", "Invoke", ErrTimeout, "fetch_build")
	wrapped := fmt.Errorf("step wait_for_build: %w", inner)
	assert.Equal(t, CodeToolTimeout, ErrorCodeOf(wrapped))
}
