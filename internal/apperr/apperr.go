// Package apperr defines the typed error taxonomy shared by the compliance
// engine. Errors are sentinel values that callers wrap with fmt.Errorf and
// classify with errors.Is or KindOf.
package apperr

import (
	"errors"
	"fmt"
)

// Kind groups errors by how a caller is expected to react to them.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindOrdering       Kind = "ordering"
	KindAuthorization  Kind = "authorization"
	KindStateIntegrity Kind = "state_integrity"
	KindNotFound       Kind = "not_found"
	KindInternal       Kind = "internal"
)

// Error is a classified engine error. Two Errors match under errors.Is when
// their codes are equal, so a detailed copy still matches its sentinel.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Field   string
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

// Is reports whether target carries the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrValidation = &Error{Kind: KindValidation, Code: "VALIDATION_FAILED", Message: "validation failed"}

	ErrOutOfOrder       = &Error{Kind: KindOrdering, Code: "OUT_OF_ORDER", Message: "event precedes the latest logged event beyond clock-skew tolerance"}
	ErrDuplicateRequest = &Error{Kind: KindOrdering, Code: "DUPLICATE_REQUEST", Message: "a pending edit request already exists for this event"}
	ErrRequestDecided   = &Error{Kind: KindOrdering, Code: "REQUEST_DECIDED", Message: "edit request has already been decided"}

	ErrSelfApproval = &Error{Kind: KindAuthorization, Code: "SELF_APPROVAL_NOT_PERMITTED", Message: "co-driver or carrier official approval required"}
	ErrForbidden    = &Error{Kind: KindAuthorization, Code: "FORBIDDEN", Message: "operation not permitted for this role"}

	ErrIncompleteHistory = &Error{Kind: KindStateIntegrity, Code: "INCOMPLETE_HISTORY", Message: "log starts inside an active duty period; a baseline state is required"}
	ErrLogTampered       = &Error{Kind: KindStateIntegrity, Code: "LOG_TAMPERED", Message: "event hash chain does not verify"}

	ErrUnknownDriver = &Error{Kind: KindNotFound, Code: "UNKNOWN_DRIVER", Message: "driver is not registered"}
	ErrNotFound      = &Error{Kind: KindNotFound, Code: "NOT_FOUND", Message: "record not found"}
)

// Validation returns a validation error naming the offending field.
func Validation(field, message string) error {
	return &Error{Kind: KindValidation, Code: ErrValidation.Code, Message: message, Field: field}
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindInternal when err is not classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the code of the first *Error in err's chain.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "INTERNAL"
}
