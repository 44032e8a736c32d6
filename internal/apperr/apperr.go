// Package apperr defines the error taxonomy shared by the rule engines, the stores and the HTTP
// layer. Every failure that reaches a client carries a stable code and reason.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure by who is at fault.
type Kind string

const (
	KindValidation Kind = "validation"
	KindConflict   Kind = "conflict"
	KindNotFound   Kind = "not_found"
	KindDependency Kind = "dependency"
	KindInternal   Kind = "internal"
)

// Code is the externally visible error code. Clients match on it, so values never change.
type Code string

const (
	CodeDuplicateEmail    Code = "ERR-01"
	CodeMissingFields     Code = "ERR-02"
	CodeAdminLimitReached Code = "ERR-03"
	CodeUserNotFound      Code = "ERR-04"
	CodeInvalidEmail      Code = "ERR-05"
	CodeInternal          Code = "ERR-06"
	CodeInvalidRole       Code = "ERR-07"
	CodeInvalidStatus     Code = "ERR-08"

	CodeAmountOutOfRange     Code = "ERR-MULTA-01"
	CodeInvalidDebtor        Code = "ERR-MULTA-02"
	CodeUnknownMaterial      Code = "ERR-MULTA-03"
	CodeInvalidFineKind      Code = "ERR-MULTA-04"
	CodeNotFoundOrNotPending Code = "ERR-MULTA-06"
	CodeFineInternal         Code = "ERR-MULTA-99"

	CodeInvalidSettings Code = "ERR-CONF-01"
	CodeStaleSettings   Code = "ERR-CONF-02"

	CodeComplaintNotFound   Code = "ERR-QUEJA-01"
	CodeInvalidComplaint    Code = "ERR-QUEJA-02"
	CodeInvalidComplaintSet Code = "ERR-QUEJA-03"

	CodeMaterialNotFound Code = "ERR-MAT-01"

	CodeBadCredentials Code = "ERR-AUTH-01"
	CodeAccountLocked  Code = "ERR-AUTH-02"
	CodeRateLimited    Code = "ERR-AUTH-03"

	CodeBadRequest Code = "ERR-REQ-01"
)

// Error is the typed failure returned across package boundaries.
type Error struct {
	Kind    Kind
	Code    Code
	Reason  string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Reason, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s (%s): %s", e.Reason, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches two *Error values by code, so sentinels can be compared with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code && e.Reason == t.Reason
}

// WithMessage returns a copy carrying a more specific message.
func (e *Error) WithMessage(format string, args ...any) *Error {
	c := *e
	c.Message = fmt.Sprintf(format, args...)
	return &c
}

func Validation(code Code, reason, msg string) *Error {
	return &Error{Kind: KindValidation, Code: code, Reason: reason, Message: msg}
}

func Conflict(code Code, reason, msg string) *Error {
	return &Error{Kind: KindConflict, Code: code, Reason: reason, Message: msg}
}

func NotFound(code Code, reason, msg string) *Error {
	return &Error{Kind: KindNotFound, Code: code, Reason: reason, Message: msg}
}

// Dependency wraps a collaborator failure (database, cache, mail relay).
func Dependency(err error, msg string) *Error {
	return &Error{Kind: KindDependency, Code: CodeInternal, Reason: "DependencyFailure", Message: msg, Err: err}
}

// Internal wraps anything unanticipated.
func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Code: CodeInternal, Reason: "Internal", Message: "internal server error", Err: err}
}

// From converts any error into an *Error, defaulting to Internal.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err)
}

// HTTPStatus maps a kind to its response status.
func HTTPStatus(err *Error) int {
	switch err.Code {
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeBadCredentials:
		return http.StatusUnauthorized
	case CodeAccountLocked:
		return http.StatusForbidden
	}

	switch err.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindDependency:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
