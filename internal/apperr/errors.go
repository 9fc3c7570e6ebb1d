// Package apperr defines the error taxonomy shared by services and handlers.
//
// Every expected failure is an *Error carrying a sentinel Kind (used for
// status mapping) and a stable machine-readable Code (used by clients).
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel kinds, stable for errors.Is and for mapping to HTTP status codes.
var (
	ErrValidation     = errors.New("validation_error")
	ErrNotFound       = errors.New("not_found")
	ErrConflict       = errors.New("conflict")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrSessionExpired = errors.New("session_expired")
)

// Predeclared errors. Compare with errors.Is; matching is by Code, so copies
// carrying a different Op or cause still match.
var (
	ErrBadCredential      = &Error{Kind: ErrUnauthorized, Code: "bad_credential", Message: "invalid credentials"}
	ErrAccountNotFound    = &Error{Kind: ErrNotFound, Code: "account_not_found", Message: "account not found"}
	ErrInactive           = &Error{Kind: ErrForbidden, Code: "account_inactive", Message: "account is not active, contact an administrator"}
	ErrTokenInvalid       = &Error{Kind: ErrUnauthorized, Code: "token_invalid", Message: "missing or invalid token"}
	ErrTokenExpired       = &Error{Kind: ErrUnauthorized, Code: "token_expired", Message: "token has expired"}
	ErrNotLoggedIn        = &Error{Kind: ErrUnauthorized, Code: "not_logged_in", Message: "account is not logged in"}
	ErrSessionIdle        = &Error{Kind: ErrSessionExpired, Code: "session_expired", Message: "session expired due to inactivity, please login again"}
	ErrNoOpenSession      = &Error{Kind: ErrNotFound, Code: "no_open_session", Message: "no open session found"}
	ErrInsufficientRole   = &Error{Kind: ErrForbidden, Code: "insufficient_role", Message: "admin access required"}
	ErrInvalidDeviceToken = &Error{Kind: ErrUnauthorized, Code: "invalid_device_token", Message: "invalid device token"}
)

const codeInternal = "internal_error"

// Error is a typed operation error with a stable Kind + Code contract.
// Message is safe to show to clients; Err is never exposed.
type Error struct {
	Op      string
	Kind    error
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code
	}
	if e.Op != "" {
		msg = fmt.Sprintf("%s: %s", e.Op, msg)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap exposes both the kind and the underlying cause.
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// Is matches another *Error with the same Code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code != "" && t.Code == e.Code
}

// WithOp returns a copy of e tagged with the operation name.
func (e *Error) WithOp(op string) *Error {
	cp := *e
	cp.Op = op
	return &cp
}

// Wrap returns a copy of e carrying cause as its underlying error.
func (e *Error) Wrap(cause error) *Error {
	cp := *e
	cp.Err = cause
	return &cp
}

// Validation reports malformed or missing input.
func Validation(op, code, message string) *Error {
	return &Error{Op: op, Kind: ErrValidation, Code: code, Message: message}
}

// Conflict reports a duplicate value for a unique field such as "email" or "username".
func Conflict(op, field string) *Error {
	return &Error{
		Op:      op,
		Kind:    ErrConflict,
		Code:    field + "_taken",
		Message: field + " already registered",
	}
}

// NotFound reports a missing resource other than an account.
func NotFound(op, resource string) *Error {
	return &Error{Op: op, Kind: ErrNotFound, Code: resource + "_not_found", Message: resource + " not found"}
}

// HTTPStatus maps an error to its response status. Unknown errors are 500.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrSessionExpired):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// Public returns the code and client-safe message for err.
func Public(err error) (code, message string) {
	var e *Error
	if errors.As(err, &e) && e.Code != "" {
		msg := e.Message
		if msg == "" {
			msg = e.Code
		}
		return e.Code, msg
	}
	return codeInternal, "internal server error"
}

// IsKind reports whether err carries the given sentinel kind.
func IsKind(err, kind error) bool { return errors.Is(err, kind) }
