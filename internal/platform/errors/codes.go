// Package errors provides structured error handling with per-code HTTP mapping.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Validation errors
	CodeValidation Code = "VALIDATION"

	// Event journal errors
	CodeConcurrencyConflict Code = "CONCURRENCY_CONFLICT"
	CodeCorruptEvent        Code = "CORRUPT_EVENT"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"

	// OTP errors
	CodeOtpInvalid          Code = "OTP_INVALID"
	CodeOtpExpired          Code = "OTP_EXPIRED"
	CodeOtpAttemptsExceeded Code = "OTP_ATTEMPTS_EXCEEDED"

	// Workflow errors
	CodeRequestAlreadyPending Code = "REQUEST_ALREADY_PENDING"
	CodeUnauthorized          Code = "UNAUTHORIZED"
	CodeAlreadyProcessed      Code = "ALREADY_PROCESSED"
	CodeRequestExpired        Code = "REQUEST_EXPIRED"
)

// HTTPStatus maps domain codes to HTTP status codes.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeValidation, CodeOtpInvalid:
		return http.StatusBadRequest

	case CodeNotFound:
		return http.StatusNotFound

	case CodeUnauthorized:
		return http.StatusForbidden

	case CodeConcurrencyConflict, CodeAlreadyProcessed, CodeRequestAlreadyPending:
		return http.StatusConflict

	case CodeOtpExpired, CodeRequestExpired:
		return http.StatusGone

	case CodeOtpAttemptsExceeded:
		return http.StatusTooManyRequests

	default:
		return http.StatusInternalServerError
	}
}
