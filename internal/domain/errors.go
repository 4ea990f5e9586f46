package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Use with NewSubSystemError so that ErrorCodeOf can resolve
// a subsystem-specific code.
var (
	ErrNotFound          = fmt.Errorf("not found")
	ErrDuplicate         = fmt.Errorf("duplicate")
	ErrTimeout           = fmt.Errorf("operation timed out")
	ErrLimitReached      = fmt.Errorf("limit reached")
	ErrPermissionDenied  = fmt.Errorf("permission denied")
	ErrDisabled          = fmt.Errorf("disabled")
	ErrInvalidInput      = fmt.Errorf("invalid input")
	ErrUnavailable       = fmt.Errorf("temporarily unavailable")
	ErrSpawn             = fmt.Errorf("spawn failed")
	ErrInvalidTransition = fmt.Errorf("invalid state transition")
)

// Sentinel errors for the domain layer.
var (
	ErrConfigLoad  = fmt.Errorf("failed to load configuration")
	ErrDecryption  = fmt.Errorf("decryption failed")
	ErrAuthInvalid = fmt.Errorf("authentication failed")
	ErrRateLimit   = fmt.Errorf("rate limit exceeded")

	ErrGatewayAuthFailed = fmt.Errorf("gateway: %w", ErrAuthInvalid)

	// Spawn errors. All wrap ErrSpawn.
	ErrExecutableNotFound = fmt.Errorf("executable not found: %w", ErrSpawn)
	ErrExecutableDenied   = fmt.Errorf("executable permission denied: %w", ErrSpawn)
	ErrEngineUnavailable  = fmt.Errorf("engine unavailable: %w", ErrSpawn)
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Registry.Transition")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "jobs", "runner"); used for ErrorCode dispatch
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

// IsRetryableError reports whether err is a transient error that may succeed on retry.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrEngineUnavailable) ||
		errors.Is(err, ErrRateLimit) || errors.Is(err, ErrLimitReached)
}

// ErrorCode is a machine-parseable error category for monitoring and API responses.
type ErrorCode string

const (
	CodeUnknown       ErrorCode = "UNKNOWN"
	CodeConfigLoad    ErrorCode = "CONFIG_LOAD"
	CodeDecryption    ErrorCode = "DECRYPTION"
	CodeAuthInvalid   ErrorCode = "AUTH_INVALID"
	CodeGatewayAuth   ErrorCode = "GATEWAY_AUTH"
	CodeRateLimit     ErrorCode = "RATE_LIMIT"
	CodeInvalidFilter ErrorCode = "INVALID_FILTER"

	// Subsystem-specific codes used by subSystemCodeMap.
	CodeJobNotFound        ErrorCode = "JOB_NOT_FOUND"
	CodeJobTransition      ErrorCode = "JOB_INVALID_TRANSITION"
	CodeJobQueueFull       ErrorCode = "JOB_QUEUE_FULL"
	CodeExecutableNotFound ErrorCode = "EXECUTABLE_NOT_FOUND"
	CodeExecutableDenied   ErrorCode = "EXECUTABLE_PERMISSION_DENIED"
	CodeEngineUnavailable  ErrorCode = "ENGINE_UNAVAILABLE"
	CodePlaybookExists     ErrorCode = "PLAYBOOK_EXISTS"
	CodePlaybookInvalid    ErrorCode = "PLAYBOOK_INVALID"
	CodeRequestInvalid     ErrorCode = "INVALID_REQUEST"
	CodeHistoryDisabled    ErrorCode = "HISTORY_DISABLED"

	// Category error codes, used when no subsystem-specific code matches.
	CodeNotFound          ErrorCode = "NOT_FOUND"
	CodeDuplicate         ErrorCode = "DUPLICATE"
	CodeTimeout           ErrorCode = "TIMEOUT"
	CodeLimitReached      ErrorCode = "LIMIT_REACHED"
	CodePermissionDenied  ErrorCode = "PERMISSION_DENIED"
	CodeDisabled          ErrorCode = "DISABLED"
	CodeInvalidInput      ErrorCode = "INVALID_INPUT"
	CodeUnavailable       ErrorCode = "UNAVAILABLE"
	CodeSpawn             ErrorCode = "SPAWN_ERROR"
	CodeInvalidTransition ErrorCode = "INVALID_TRANSITION"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:          CodeNotFound,
	ErrDuplicate:         CodeDuplicate,
	ErrTimeout:           CodeTimeout,
	ErrLimitReached:      CodeLimitReached,
	ErrPermissionDenied:  CodePermissionDenied,
	ErrDisabled:          CodeDisabled,
	ErrInvalidInput:      CodeInvalidInput,
	ErrUnavailable:       CodeUnavailable,
	ErrSpawn:             CodeSpawn,
	ErrInvalidTransition: CodeInvalidTransition,

	ErrConfigLoad:        CodeConfigLoad,
	ErrDecryption:        CodeDecryption,
	ErrAuthInvalid:       CodeAuthInvalid,
	ErrRateLimit:         CodeRateLimit,
	ErrGatewayAuthFailed: CodeGatewayAuth,

	ErrExecutableNotFound: CodeExecutableNotFound,
	ErrExecutableDenied:   CodeExecutableDenied,
	ErrEngineUnavailable:  CodeEngineUnavailable,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"jobs": CodeJobNotFound,
	},
	ErrInvalidTransition: {
		"jobs": CodeJobTransition,
	},
	ErrLimitReached: {
		"jobs": CodeJobQueueFull,
	},
	ErrDuplicate: {
		"playbook": CodePlaybookExists,
	},
	ErrInvalidInput: {
		"command":  CodeRequestInvalid,
		"playbook": CodePlaybookInvalid,
		"filter":   CodeInvalidFilter,
	},
	ErrDisabled: {
		"history": CodeHistoryDisabled,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
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

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
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
	for sentinel, code := range errorCodeMap {
		if errors.Is(e.Err, sentinel) {
			return code
		}
	}
	return CodeUnknown
}
