// Package errors provides unified error handling for the marketplace core.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unique error code.
type ErrorCode string

const (
	// Authentication errors (1xxx)
	ErrCodeUnauthorized     ErrorCode = "AUTH_1001"
	ErrCodeInvalidSignature ErrorCode = "AUTH_1002"
	ErrCodeTimestampStale   ErrorCode = "AUTH_1003"
	ErrCodeNonceReplayed    ErrorCode = "AUTH_1004"
	ErrCodeAgentInactive    ErrorCode = "AUTH_1005"

	// Authorization errors (2xxx)
	ErrCodeForbidden         ErrorCode = "AUTHZ_2001"
	ErrCodeInsufficientFunds ErrorCode = "AUTHZ_2002"
	ErrCodeWrongParty        ErrorCode = "AUTHZ_2003"

	// Validation errors (3xxx)
	ErrCodeInvalidInput     ErrorCode = "VAL_3001"
	ErrCodeMissingParameter ErrorCode = "VAL_3002"
	ErrCodeInvalidFormat    ErrorCode = "VAL_3003"
	ErrCodeOutOfRange       ErrorCode = "VAL_3004"
	ErrCodeSchemaInvalid    ErrorCode = "VAL_3005"

	// Resource errors (4xxx)
	ErrCodeNotFound      ErrorCode = "RES_4001"
	ErrCodeAlreadyExists ErrorCode = "RES_4002"
	ErrCodeConflict      ErrorCode = "RES_4003"

	// Service errors (5xxx)
	ErrCodeInternal          ErrorCode = "SVC_5001"
	ErrCodeDatabaseError     ErrorCode = "SVC_5002"
	ErrCodeDependencyError   ErrorCode = "SVC_5003"
	ErrCodeTimeout           ErrorCode = "SVC_5004"
	ErrCodeRateLimitExceeded ErrorCode = "SVC_5005"
	ErrCodePayloadTooLarge   ErrorCode = "SVC_5006"

	// Job lifecycle errors (6xxx)
	ErrCodeInvalidTransition ErrorCode = "JOB_6001"
	ErrCodeRoundsExceeded    ErrorCode = "JOB_6002"
	ErrCodeCriteriaHashStale ErrorCode = "JOB_6003"
	ErrCodeCriteriaLocked    ErrorCode = "JOB_6004"

	// Escrow errors (7xxx)
	ErrCodeEscrowNotFunded ErrorCode = "ESCROW_7001"
	ErrCodeEscrowConflict  ErrorCode = "ESCROW_7002"

	// Verification errors (8xxx)
	ErrCodeUnsupportedExpression ErrorCode = "VERIFY_8001"
	ErrCodeSandboxTimeout        ErrorCode = "VERIFY_8002"
)

// ServiceError represents a structured error with code, message, and HTTP status.
type ServiceError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

// Error implements the error interface.
func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// WithDetails adds additional details to the error.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new ServiceError.
func New(code ErrorCode, message string, httpStatus int) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: httpStatus}
}

// Wrap wraps an existing error with a ServiceError.
func Wrap(code ErrorCode, message string, httpStatus int, err error) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: httpStatus, Err: err}
}

// Authentication errors.
//
// All of these surface as the single reason "authentication failed" so a
// caller cannot use the response to distinguish bad signature from
// missing agent from stale timestamp.

func AuthenticationFailed() *ServiceError {
	return New(ErrCodeUnauthorized, "authentication failed", http.StatusForbidden)
}

// Authorization errors.

func Forbidden(message string) *ServiceError {
	return New(ErrCodeForbidden, message, http.StatusForbidden)
}

func InsufficientFunds(required, available string) *ServiceError {
	return New(ErrCodeInsufficientFunds, "insufficient balance", http.StatusConflict).
		WithDetails("required", required).
		WithDetails("available", available)
}

func WrongParty(operation string) *ServiceError {
	return New(ErrCodeWrongParty, "caller is not authorized to perform this operation", http.StatusForbidden).
		WithDetails("operation", operation)
}

// Validation errors.

func InvalidInput(field, reason string) *ServiceError {
	return New(ErrCodeInvalidInput, "invalid input", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("reason", reason)
}

func MissingParameter(param string) *ServiceError {
	return New(ErrCodeMissingParameter, "missing required parameter", http.StatusBadRequest).
		WithDetails("parameter", param)
}

func InvalidFormat(field, expected string) *ServiceError {
	return New(ErrCodeInvalidFormat, "invalid format", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("expected", expected)
}

func OutOfRange(field string, minValue, maxValue interface{}) *ServiceError {
	return New(ErrCodeOutOfRange, "value out of range", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("min", minValue).
		WithDetails("max", maxValue)
}

func SchemaInvalid(reason string) *ServiceError {
	return New(ErrCodeSchemaInvalid, "request does not satisfy schema", http.StatusUnprocessableEntity).
		WithDetails("reason", reason)
}

// Resource errors.

func NotFound(resource, id string) *ServiceError {
	return New(ErrCodeNotFound, "resource not found", http.StatusNotFound).
		WithDetails("resource", resource).
		WithDetails("id", id)
}

func AlreadyExists(resource, id string) *ServiceError {
	return New(ErrCodeAlreadyExists, "resource already exists", http.StatusConflict).
		WithDetails("resource", resource).
		WithDetails("id", id)
}

func Conflict(message string) *ServiceError {
	return New(ErrCodeConflict, message, http.StatusConflict)
}

// Service errors.

func Internal(message string, err error) *ServiceError {
	return Wrap(ErrCodeInternal, message, http.StatusInternalServerError, err)
}

func DatabaseError(operation string, err error) *ServiceError {
	return Wrap(ErrCodeDatabaseError, "database operation failed", http.StatusInternalServerError, err).
		WithDetails("operation", operation)
}

func DependencyError(dependency string, err error) *ServiceError {
	return Wrap(ErrCodeDependencyError, "external dependency failed", http.StatusBadGateway, err).
		WithDetails("dependency", dependency)
}

func Timeout(operation string) *ServiceError {
	return New(ErrCodeTimeout, "operation timed out", http.StatusGatewayTimeout).
		WithDetails("operation", operation)
}

func RateLimitExceeded(limit int, retryAfterSeconds int) *ServiceError {
	return New(ErrCodeRateLimitExceeded, "rate limit exceeded", http.StatusTooManyRequests).
		WithDetails("limit", limit).
		WithDetails("retry_after_seconds", retryAfterSeconds)
}

func PayloadTooLarge(limitBytes int64) *ServiceError {
	return New(ErrCodePayloadTooLarge, "request body too large", http.StatusRequestEntityTooLarge).
		WithDetails("limit_bytes", limitBytes)
}

// Job lifecycle errors.

func InvalidTransition(from, to string) *ServiceError {
	return New(ErrCodeInvalidTransition, "invalid job state transition", http.StatusConflict).
		WithDetails("from", from).
		WithDetails("to", to)
}

func RoundsExceeded(maxRounds int) *ServiceError {
	return New(ErrCodeRoundsExceeded, "negotiation round limit exceeded", http.StatusConflict).
		WithDetails("max_rounds", maxRounds)
}

func CriteriaHashStale() *ServiceError {
	return New(ErrCodeCriteriaHashStale, "presented acceptance criteria hash does not match the locked criteria", http.StatusConflict)
}

func CriteriaLocked() *ServiceError {
	return New(ErrCodeCriteriaLocked, "acceptance criteria cannot change after first acceptance", http.StatusConflict)
}

// Escrow errors.

func EscrowNotFunded() *ServiceError {
	return New(ErrCodeEscrowNotFunded, "escrow is not in funded state", http.StatusConflict)
}

func EscrowConflict(reason string) *ServiceError {
	return New(ErrCodeEscrowConflict, reason, http.StatusConflict)
}

// Verification errors.

func UnsupportedExpression(reason string) *ServiceError {
	return New(ErrCodeUnsupportedExpression, "unsupported", http.StatusBadRequest).
		WithDetails("reason", reason)
}

func SandboxTimeout() *ServiceError {
	return New(ErrCodeSandboxTimeout, "sandbox execution timed out", http.StatusGatewayTimeout)
}

// Helper functions.

// IsServiceError checks if an error is a ServiceError.
func IsServiceError(err error) bool {
	var serviceErr *ServiceError
	return errors.As(err, &serviceErr)
}

// GetServiceError extracts a ServiceError from an error chain.
func GetServiceError(err error) *ServiceError {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr
	}
	return nil
}

// GetHTTPStatus returns the HTTP status code for an error.
func GetHTTPStatus(err error) int {
	if serviceErr := GetServiceError(err); serviceErr != nil {
		return serviceErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
