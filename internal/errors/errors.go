// Package errors provides unified error handling with structured error codes
// shared across the assistant's core and its collaborator clients.
package errors

import "fmt"

// ErrorCode classifies every failure the assistant can produce or observe.
type ErrorCode uint8

const (
	CodeUnknown ErrorCode = iota
	CodeInternal
	CodeCalibration       // calibration window too short, defaults applied
	CodeNetwork           // collaborator unreachable or transport-level failure
	CodeModel             // collaborator reached but produced an error
	CodeEmptyAudio        // recording contained no usable speech
	CodeDeviceUnavailable // audio input/output hardware failure
	CodeRace              // transition attempted against a stale state
	CodeTimeout
	CodeCancelled
	CodeConfigInvalid
)

var codeNames = [...]string{
	CodeUnknown:           "UNKNOWN",
	CodeInternal:          "INTERNAL",
	CodeCalibration:       "CALIBRATION",
	CodeNetwork:           "NETWORK",
	CodeModel:             "MODEL",
	CodeEmptyAudio:        "EMPTY_AUDIO",
	CodeDeviceUnavailable: "DEVICE_UNAVAILABLE",
	CodeRace:              "RACE",
	CodeTimeout:           "TIMEOUT",
	CodeCancelled:         "CANCELLED",
	CodeConfigInvalid:     "CONFIG_INVALID",
}

func (c ErrorCode) String() string {
	if int(c) < len(codeNames) {
		return codeNames[c]
	}
	return "UNKNOWN"
}

// AppError is the base error type with structured code and metadata.
type AppError struct {
	Code     ErrorCode
	Message  string
	Metadata map[string]string
	Cause    error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	s := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if len(e.Metadata) > 0 {
		s += fmt.Sprintf(" %v", e.Metadata)
	}
	if e.Cause != nil {
		s += fmt.Sprintf(" caused by: %v", e.Cause)
	}
	return s
}

// Unwrap returns the underlying cause for errors.Is/As.
func (e *AppError) Unwrap() error { return e.Cause }

// New creates a new AppError with the given code and message.
func New(code ErrorCode, msg string) *AppError {
	return &AppError{Code: code, Message: msg}
}

// Newf creates a new AppError with formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with an AppError.
func Wrap(err error, code ErrorCode, msg string) *AppError {
	return &AppError{Code: code, Message: msg, Cause: err}
}

// Wrapf wraps an existing error with formatted message.
func Wrapf(err error, code ErrorCode, format string, args ...interface{}) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...), Cause: err}
}

// WithMetadata adds metadata to an AppError.
func (e *AppError) WithMetadata(key, value string) *AppError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// CodeOf extracts the error code, walking the cause chain.
func CodeOf(err error) ErrorCode {
	for err != nil {
		if appErr, ok := err.(*AppError); ok {
			return appErr.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return CodeUnknown
}

// IsCode checks if an error carries a specific error code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// IsRetryable returns true if the error is potentially transient.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case CodeNetwork, CodeTimeout, CodeDeviceUnavailable:
		return true
	default:
		return false
	}
}
