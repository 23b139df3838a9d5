package domain

import (
	"errors"
	"fmt"
)

// Category sentinels, used with NewSubSystemError for subsystem-specific errors.
var (
	ErrNotFound      = fmt.Errorf("not found")
	ErrDuplicate     = fmt.Errorf("duplicate")
	ErrTimeout       = fmt.Errorf("operation timed out")
	ErrLimitReached  = fmt.Errorf("limit reached")
	ErrInvalidInput  = fmt.Errorf("invalid input")
	ErrUnavailable   = fmt.Errorf("unavailable")
	ErrRemoteFailure = fmt.Errorf("remote call failed")
)

// Sentinel errors for the harness.
var (
	ErrConfigLoad       = fmt.Errorf("failed to load configuration")
	ErrNodeNotReady     = fmt.Errorf("node did not come up")
	ErrNodeExited       = fmt.Errorf("node process exited")
	ErrNodeNotStarted   = fmt.Errorf("node is not running")
	ErrNotSubscribePort = fmt.Errorf("not a subscribe port, please set ckb `tcp_listen_address` to use subscribe rpc feature")
	ErrNotSynced        = fmt.Errorf("nodes are not synchronized")
	ErrNotConnected     = fmt.Errorf("peers are not connected")
	ErrCircuitOpen      = fmt.Errorf("rpc circuit open")
	ErrJournalWrite     = fmt.Errorf("journal write failed")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Node.Start")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "process", "rpc"); used for ErrorCode dispatch
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
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrCircuitOpen)
}

// ErrorCode is a machine-parseable error category for logs and exit codes.
type ErrorCode string

const (
	CodeUnknown          ErrorCode = "UNKNOWN"
	CodeConfigLoad       ErrorCode = "CONFIG_LOAD"
	CodeNodeNotReady     ErrorCode = "NODE_NOT_READY"
	CodeNodeExited       ErrorCode = "NODE_EXITED"
	CodeNodeNotStarted   ErrorCode = "NODE_NOT_STARTED"
	CodeNotSubscribePort ErrorCode = "NOT_SUBSCRIBE_PORT"
	CodeNotSynced        ErrorCode = "NOT_SYNCED"
	CodeNotConnected     ErrorCode = "NOT_CONNECTED"
	CodeCircuitOpen      ErrorCode = "CIRCUIT_OPEN"
	CodeJournalWrite     ErrorCode = "JOURNAL_WRITE"

	// Subsystem-specific codes resolved through subSystemCodeMap.
	CodeProcessNotFound    ErrorCode = "PROCESS_NOT_FOUND"
	CodeProcessMaxSessions ErrorCode = "PROCESS_MAX_SESSIONS"
	CodeProcessNotRunning  ErrorCode = "PROCESS_NOT_RUNNING"
	CodeRPCTimeout         ErrorCode = "RPC_TIMEOUT"
	CodeRPCRemote          ErrorCode = "RPC_REMOTE"
	CodeRPCUnavailable     ErrorCode = "RPC_UNAVAILABLE"
	CodeSchedulerTask      ErrorCode = "SCHEDULER_UNKNOWN_TASK"

	// Category error codes, the fallback when no subsystem-specific code matches.
	CodeNotFound      ErrorCode = "NOT_FOUND"
	CodeDuplicate     ErrorCode = "DUPLICATE"
	CodeTimeout       ErrorCode = "TIMEOUT"
	CodeLimitReached  ErrorCode = "LIMIT_REACHED"
	CodeInvalidInput  ErrorCode = "INVALID_INPUT"
	CodeUnavailable   ErrorCode = "UNAVAILABLE"
	CodeRemoteFailure ErrorCode = "REMOTE_FAILURE"
)

var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:      CodeNotFound,
	ErrDuplicate:     CodeDuplicate,
	ErrTimeout:       CodeTimeout,
	ErrLimitReached:  CodeLimitReached,
	ErrInvalidInput:  CodeInvalidInput,
	ErrUnavailable:   CodeUnavailable,
	ErrRemoteFailure: CodeRemoteFailure,

	ErrConfigLoad:       CodeConfigLoad,
	ErrNodeNotReady:     CodeNodeNotReady,
	ErrNodeExited:       CodeNodeExited,
	ErrNodeNotStarted:   CodeNodeNotStarted,
	ErrNotSubscribePort: CodeNotSubscribePort,
	ErrNotSynced:        CodeNotSynced,
	ErrNotConnected:     CodeNotConnected,
	ErrCircuitOpen:      CodeCircuitOpen,
	ErrJournalWrite:     CodeJournalWrite,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"process":   CodeProcessNotFound,
		"scheduler": CodeSchedulerTask,
	},
	ErrLimitReached: {
		"process": CodeProcessMaxSessions,
	},
	ErrInvalidInput: {
		"process": CodeProcessNotRunning,
	},
	ErrTimeout: {
		"rpc": CodeRPCTimeout,
	},
	ErrRemoteFailure: {
		"rpc": CodeRPCRemote,
	},
	ErrUnavailable: {
		"rpc": CodeRPCUnavailable,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// Subsystem-tagged DomainErrors resolve through subSystemCodeMap first.
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
