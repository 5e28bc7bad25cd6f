package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass tells a reader of a failed run whether running again may help.
// Runs themselves never retry.
type ErrorClass string

const (
	// ErrorClassTransient covers network blips and 5xx answers.
	ErrorClassTransient ErrorClass = "transient"
	// ErrorClassThrottled covers 429 answers and exhausted quotas.
	ErrorClassThrottled ErrorClass = "throttled"
	// ErrorClassConflict covers held provisioning locks and 409 answers.
	ErrorClassConflict ErrorClass = "conflict"
	// ErrorClassPermanent covers everything a rerun cannot fix, e.g. bad
	// configuration or a failed command.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Error codes carried by EngineError.Code.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodePermissionDenied = "PERMISSION_DENIED"
	ErrCodeRateLimited      = "RATE_LIMITED"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeStepFailed       = "STEP_FAILED"
	ErrCodeConditionError   = "CONDITION_ERROR"
	ErrCodeCommandFailed    = "COMMAND_FAILED"
	ErrCodeCancelled        = "CANCELLED"
	ErrCodeLocked           = "LOCKED"
)

// EngineError is a classified failure of a step, a gate or a cloud call.
// Its class and code end up in the step result and in the error metrics.
// nolint:revive // engine.EngineError reads better than engine.Error at call sites
type EngineError struct {
	Class   ErrorClass `json:"class"`
	Message string     `json:"message"`
	Code    string     `json:"code,omitempty"`

	// Resource is the step key, file or Azure resource involved.
	Resource  string `json:"resource,omitempty"`
	Operation string `json:"operation,omitempty"`

	Err     error                  `json:"-"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *EngineError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Class, e.Message)

	var where []string
	if e.Resource != "" {
		where = append(where, "resource="+e.Resource)
	}
	if e.Operation != "" {
		where = append(where, "operation="+e.Operation)
	}
	if len(where) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(where, ", "))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *EngineError) Unwrap() error { return e.Err }

// Is matches another EngineError with the same class and code, so
// errors.Is(err, &EngineError{Class: ErrorClassConflict, Code: ErrCodeLocked})
// finds a held lock anywhere in the chain.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	return ok && e.Class == t.Class && e.Code == t.Code
}

func newError(class ErrorClass, message string, err error) *EngineError {
	return &EngineError{Class: class, Message: message, Err: err}
}

func NewTransientError(message string, err error) *EngineError {
	return newError(ErrorClassTransient, message, err)
}

func NewThrottledError(message string, err error) *EngineError {
	return newError(ErrorClassThrottled, message, err)
}

func NewConflictError(message string, err error) *EngineError {
	return newError(ErrorClassConflict, message, err)
}

func NewPermanentError(message string, err error) *EngineError {
	return newError(ErrorClassPermanent, message, err)
}

func (e *EngineError) WithResource(resource string) *EngineError {
	e.Resource = resource
	return e
}

func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = map[string]interface{}{}
	}
	e.Details[key] = value
	return e
}

// ClassOf returns the class of err. Unclassified errors are permanent.
func ClassOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ErrorClassPermanent
}

func IsPermanent(err error) bool {
	return err != nil && ClassOf(err) == ErrorClassPermanent
}

// IsRetryable reports whether a later run may succeed where this one failed.
func IsRetryable(err error) bool {
	return err != nil && ClassOf(err) != ErrorClassPermanent
}

// HasCode reports whether err carries an EngineError with the given code.
func HasCode(err error, code string) bool {
	var e *EngineError
	return errors.As(err, &e) && e.Code == code
}

// AsEngineError classifies err for a step result. An existing
// classification is kept and only gains code when it has none.
func AsEngineError(err error, code string) *EngineError {
	if err == nil {
		return nil
	}
	var e *EngineError
	if errors.As(err, &e) {
		if e.Code == "" {
			e.Code = code
		}
		return e
	}
	return NewPermanentError("step failed", err).WithCode(code)
}
