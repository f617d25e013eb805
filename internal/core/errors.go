// Package core holds the transport-neutral failure type shared by the
// lifecycle controller, the gateway and the HTTP router.
package core

import (
	"errors"
	"fmt"
	"net/http"
)

// Failure codes surfaced to callers.
const (
	CodeMissingTenantKey    = "MissingTenantKey"
	CodeInvalidTenantKey    = "InvalidTenantKey"
	CodeInstanceStartFailed = "InstanceStartFailed"
	CodeInstanceUnreachable = "InstanceUnreachable"
	CodeMetadataWriteFailed = "MetadataWriteFailed"
	CodeInvalidMetadata     = "InvalidMetadata"
	CodeRequestTooLarge     = "RequestTooLarge"
	CodeMethodNotAllowed    = "MethodNotAllowed"
	CodeUnauthorized        = "Unauthorized"
	CodeInternalError       = "InternalError"
)

// Failure captures transport-neutral error details that adapters can map to
// HTTP or other protocols.
type Failure struct {
	Code       string
	Detail     string
	RetryAfter int64 // seconds
	HTTPStatus int   // optional hint for HTTP adapters
	Err        error // underlying cause, never rendered to callers
}

func (f Failure) Error() string {
	if f.Detail != "" {
		return fmt.Sprintf("%s: %s", f.Code, f.Detail)
	}
	return f.Code
}

// Unwrap exposes the underlying cause to errors.Is / errors.As.
func (f Failure) Unwrap() error { return f.Err }

// Status returns the HTTP status for f, falling back to the code table.
func (f Failure) Status() int {
	if f.HTTPStatus != 0 {
		return f.HTTPStatus
	}
	return StatusForCode(f.Code)
}

// StatusForCode maps a failure code to its HTTP status.
func StatusForCode(code string) int {
	switch code {
	case CodeMissingTenantKey, CodeInvalidTenantKey, CodeInvalidMetadata:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case CodeRequestTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeInstanceUnreachable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// NewFailure builds a Failure with the default status for code.
func NewFailure(code, detail string, cause error) Failure {
	return Failure{Code: code, Detail: detail, HTTPStatus: StatusForCode(code), Err: cause}
}

// AsFailure extracts a Failure from err.
func AsFailure(err error) (Failure, bool) {
	var f Failure
	if errors.As(err, &f) {
		return f, true
	}
	var fp *Failure
	if errors.As(err, &fp) && fp != nil {
		return *fp, true
	}
	return Failure{}, false
}

// HasCode reports whether err carries a Failure with code.
func HasCode(err error, code string) bool {
	f, ok := AsFailure(err)
	return ok && f.Code == code
}
