// Package apperr is the error taxonomy shared by the messaging services.
// Callers match on kind with errors.Is against the exported sentinels.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindAccessDenied   Kind = "ACCESS_DENIED"
	KindValidation     Kind = "VALIDATION"
	KindUploadFailed   Kind = "UPLOAD_FAILED"
	KindNotFound       Kind = "NOT_FOUND"
	KindTransientStore Kind = "TRANSIENT_STORE"
)

type Error struct {
	Kind    Kind   `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports a match when target is an *Error of the same kind with no
// message, which is how the sentinels below are declared.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

var (
	ErrAccessDenied   = &Error{Kind: KindAccessDenied}
	ErrValidation     = &Error{Kind: KindValidation}
	ErrUploadFailed   = &Error{Kind: KindUploadFailed}
	ErrNotFound       = &Error{Kind: KindNotFound}
	ErrTransientStore = &Error{Kind: KindTransientStore}
)

// AccessDenied never says whether the conversation is missing or the user
// is not a participant.
func AccessDenied() error {
	return &Error{Kind: KindAccessDenied, Message: "you do not have permission to access this conversation"}
}

func Validation(msg string) error {
	return &Error{Kind: KindValidation, Message: msg}
}

func UploadFailed(msg string, cause error) error {
	return &Error{Kind: KindUploadFailed, Message: msg, Cause: cause}
}

func NotFound(msg string) error {
	return &Error{Kind: KindNotFound, Message: msg}
}

func Transient(msg string, cause error) error {
	return &Error{Kind: KindTransientStore, Message: msg, Cause: cause}
}

// KindOf returns the kind of the first *Error in the chain, or
// KindTransientStore for foreign errors.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindTransientStore
}

func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindAccessDenied:
		return http.StatusForbidden
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindUploadFailed:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
