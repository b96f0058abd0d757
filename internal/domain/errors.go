package domain

import (
	"errors"
	"fmt"
)

// Category sentinels, used with NewSubSystemError for subsystem-specific errors.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrDuplicate    = fmt.Errorf("duplicate")
	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrInvalidInput = fmt.Errorf("invalid input")
)

// Sentinel errors for the engine.
var (
	// Registry misuse. Fatal at workflow construction time, never during a run.
	ErrDuplicateTool = fmt.Errorf("tool already registered")
	ErrUnknownTool   = fmt.Errorf("unknown tool")

	// ErrUnresolvedReference is returned when a template or guard refers to data
	// that is not present in the execution context or parameter set.
	ErrUnresolvedReference = fmt.Errorf("unresolved reference")

	// Step-level failures. Captured in the StepResult, never propagated out of a pass.
	ErrToolFailure   = fmt.Errorf("tool invocation failed")
	ErrInlineFailure = fmt.Errorf("inline computation failed")
	ErrCircuitOpen   = fmt.Errorf("circuit breaker open")
	ErrRateLimit     = fmt.Errorf("rate limit exceeded")
	ErrSSRFBlocked   = fmt.Errorf("request to private/reserved IP blocked")

	// ErrConfiguration marks an invalid workflow or engine configuration.
	// The runner refuses to start.
	ErrConfiguration = fmt.Errorf("invalid configuration")
	ErrConfigLoad    = fmt.Errorf("failed to load configuration")
	ErrDecryption    = fmt.Errorf("decryption failed")
	ErrEncryption    = fmt.Errorf("encryption operation failed")
	ErrStore         = fmt.Errorf("pass store operation failed")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Registry.Get")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "workflow", "tool"); used for ErrorCode dispatch
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
// Use this with category sentinels (ErrNotFound, ErrTimeout, etc.) so that ErrorCodeOf
// can map the combination of sentinel + subsystem to a specific ErrorCode.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is a transient error that may succeed on a later pass.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrRateLimit) || errors.Is(err, ErrCircuitOpen)
}

// UnresolvedReferenceError reports the reference that could not be resolved.
// It matches ErrUnresolvedReference with errors.Is.
type UnresolvedReferenceError struct {
	Ref    string // reference text, e.g. "fetch.body.status" or "${PROJECT_ID}"
	Reason string // why resolution failed
}

func (e *UnresolvedReferenceError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s: %s", ErrUnresolvedReference, e.Ref)
	}
	return fmt.Sprintf("%s: %s: %s", ErrUnresolvedReference, e.Ref, e.Reason)
}

func (e *UnresolvedReferenceError) Unwrap() error { return ErrUnresolvedReference }

// ErrorCode is a machine-parseable error category for logs, step results and pass records.
type ErrorCode string

const (
	CodeUnknown             ErrorCode = "UNKNOWN"
	CodeNotFound            ErrorCode = "NOT_FOUND"
	CodeDuplicate           ErrorCode = "DUPLICATE"
	CodeTimeout             ErrorCode = "TIMEOUT"
	CodeInvalidInput        ErrorCode = "INVALID_INPUT"
	CodeDuplicateTool       ErrorCode = "DUPLICATE_TOOL"
	CodeUnknownTool         ErrorCode = "UNKNOWN_TOOL"
	CodeUnresolvedReference ErrorCode = "UNRESOLVED_REFERENCE"
	CodeToolFailure         ErrorCode = "TOOL_FAILURE"
	CodeInlineFailure       ErrorCode = "INLINE_FAILURE"
	CodeCircuitOpen         ErrorCode = "CIRCUIT_OPEN"
	CodeRateLimit           ErrorCode = "RATE_LIMIT"
	CodeSSRFBlocked         ErrorCode = "SSRF_BLOCKED"
	CodeConfiguration       ErrorCode = "CONFIGURATION"
	CodeConfigLoad          ErrorCode = "CONFIG_LOAD"
	CodeDecryption          ErrorCode = "DECRYPTION"
	CodeEncryption          ErrorCode = "ENCRYPTION"
	CodeStore               ErrorCode = "STORE"

	// Subsystem-specific codes used by subSystemCodeMap.
	CodeWorkflowNotFound    ErrorCode = "WORKFLOW_NOT_FOUND"
	CodeWorkflowInvalid     ErrorCode = "WORKFLOW_INVALID"
	CodeInlineNotFound      ErrorCode = "INLINE_NOT_FOUND"
	CodeToolTimeout         ErrorCode = "TOOL_TIMEOUT"
	CodeToolInvalidArgs     ErrorCode = "TOOL_INVALID_ARGUMENTS"
	CodeToolInvalidResponse ErrorCode = "TOOL_INVALID_RESPONSE"
	CodeToolHTTPStatus      ErrorCode = "TOOL_HTTP_STATUS"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:            CodeNotFound,
	ErrDuplicate:           CodeDuplicate,
	ErrTimeout:             CodeTimeout,
	ErrInvalidInput:        CodeInvalidInput,
	ErrDuplicateTool:       CodeDuplicateTool,
	ErrUnknownTool:         CodeUnknownTool,
	ErrUnresolvedReference: CodeUnresolvedReference,
	ErrToolFailure:         CodeToolFailure,
	ErrInlineFailure:       CodeInlineFailure,
	ErrCircuitOpen:         CodeCircuitOpen,
	ErrRateLimit:           CodeRateLimit,
	ErrSSRFBlocked:         CodeSSRFBlocked,
	ErrConfiguration:       CodeConfiguration,
	ErrConfigLoad:          CodeConfigLoad,
	ErrDecryption:          CodeDecryption,
	ErrEncryption:          CodeEncryption,
	ErrStore:               CodeStore,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"workflow": CodeWorkflowNotFound,
		"inline":   CodeInlineNotFound,
	},
	ErrTimeout: {
		"tool": CodeToolTimeout,
	},
	ErrInvalidInput: {
		"workflow": CodeWorkflowInvalid,
		"tool":     CodeToolInvalidArgs,
	},
	ErrToolFailure: {
		"response": CodeToolInvalidResponse,
		"status":   CodeToolHTTPStatus,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// For DomainErrors with a SubSystem, it also checks the subSystemCodeMap
// to resolve category sentinels to specific codes.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code := de.Code(); code != CodeUnknown {
			return code
		}
	}

	// Most specific sentinels first so that a timeout wrapped in a tool
	// failure reports TIMEOUT rather than TOOL_FAILURE.
	for _, sentinel := range codePrecedence {
		if errors.Is(err, sentinel) {
			return errorCodeMap[sentinel]
		}
	}

	return CodeUnknown
}

// codePrecedence orders sentinels for the errors.Is walk in ErrorCodeOf.
var codePrecedence = []error{
	ErrUnresolvedReference,
	ErrTimeout,
	ErrCircuitOpen,
	ErrRateLimit,
	ErrSSRFBlocked,
	ErrDuplicateTool,
	ErrUnknownTool,
	ErrInvalidInput,
	ErrInlineFailure,
	ErrToolFailure,
	ErrConfiguration,
	ErrConfigLoad,
	ErrDecryption,
	ErrEncryption,
	ErrStore,
	ErrNotFound,
	ErrDuplicate,
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
// If SubSystem is set, checks the subSystemCodeMap for a specific code.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
