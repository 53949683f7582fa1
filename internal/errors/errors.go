package errors

import (
	stdErrors "errors"
	"fmt"
	"sync"
)

// Code is the stable identifier carried by every pipeline error. Codes are
// part of the receipt contract: callers switch on them, so they never change.
type Code string

// Severity describes how bad an error is, for alerting and audit purposes.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

const (
	CodeUnknown          Code = "UNKNOWN"
	CodeValidation       Code = "VALIDATION"
	CodePolicyDenied     Code = "POLICY_DENIED"
	CodeRPCDown          Code = "RPC_DOWN"
	CodeInvalidToken     Code = "INVALID_TOKEN"
	CodeNotPaid          Code = "NOT_PAID"
	CodeAlreadyExecuted  Code = "ALREADY_EXECUTED"
	CodeExpired          Code = "EXPIRED"
	CodeAuthAlreadyUsed  Code = "AUTH_ALREADY_USED"
	CodeConflict         Code = "CONFLICT"
	CodeTimeout          Code = "TIMEOUT"
	CodeRetriesExhausted Code = "RETRIES_EXHAUSTED"
	CodeStorageFailure   Code = "STORAGE_FAILURE"
	CodeFacilitator      Code = "FACILITATOR_FAILURE"
)

// Attributes give each code a default message and behaviour.
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
	Alert     bool
}

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown:          {Message: "unknown error", Severity: SeverityCritical, Alert: true},
		CodeValidation:       {Message: "malformed request", Severity: SeverityInfo},
		CodePolicyDenied:     {Message: "denied by policy", Severity: SeverityInfo},
		CodeRPCDown:          {Message: "chain rpc unreachable", Severity: SeverityWarning, Retryable: true, Alert: true},
		CodeInvalidToken:     {Message: "asset contract is not a valid token", Severity: SeverityWarning},
		CodeNotPaid:          {Message: "no settled payment for intent", Severity: SeverityInfo},
		CodeAlreadyExecuted:  {Message: "intent already executed", Severity: SeverityInfo},
		CodeExpired:          {Message: "intent session expired", Severity: SeverityInfo},
		CodeAuthAlreadyUsed:  {Message: "payment authorization already used", Severity: SeverityWarning},
		CodeConflict:         {Message: "conflicting payment state", Severity: SeverityWarning, Alert: true},
		CodeTimeout:          {Message: "operation timed out", Severity: SeverityWarning, Retryable: true, Alert: true},
		CodeRetriesExhausted: {Message: "retries exhausted", Severity: SeverityWarning, Alert: true},
		CodeStorageFailure:   {Message: "storage failure", Severity: SeverityCritical, Retryable: true, Alert: true},
		CodeFacilitator:      {Message: "facilitator request failed", Severity: SeverityWarning, Retryable: true},
	}
)

// Register lets a package add or override code attributes during init.
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf returns the attributes of a code, falling back to UNKNOWN.
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error is the unified error type used across the pipeline.
type Error struct {
	code     Code
	message  string
	cause    error
	metadata map[string]string
}

// Option mutates an Error during construction.
type Option func(*Error)

// WithMetadata attaches a key/value pair for logging and audit.
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// New builds an Error with the given code. An empty message takes the
// registered default.
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap annotates an underlying error with a code.
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is reports whether target carries the same code, so errors.Is works on
// sentinel values built with New.
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.code == t.code
}

// Code returns the error code.
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message returns the human-readable message without the cause chain.
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Metadata returns a copy of the attached metadata.
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	clone := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		clone[k] = v
	}
	return clone
}

// Retryable reports whether the registered attributes mark this code retryable.
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	return AttributesOf(e.code).Retryable
}

// From extracts the unified error type from an error chain.
func From(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var target *Error
	if stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf returns the code of any error, UNKNOWN when it is not an *Error.
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// RetryableError reports whether any error is retryable by its code.
func RetryableError(err error) bool {
	if e, ok := From(err); ok {
		return e.Retryable()
	}
	return false
}
