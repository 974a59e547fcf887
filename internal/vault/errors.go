package vault

import (
	"errors"
	"fmt"
)

// Kind is the stable error classification callers receive. Messages may
// change; kinds do not.
type Kind string

const (
	KindValidation          Kind = "validation_error"
	KindAccessDenied        Kind = "access_denied"
	KindNotFound            Kind = "not_found"
	KindIntegrityFailure    Kind = "integrity_failure"
	KindKeyUnavailable      Kind = "key_unavailable"
	KindKeyPermissionDenied Kind = "key_permission_denied"
	KindStorageFailure      Kind = "storage_failure"
	KindRetentionViolation  Kind = "retention_violation"
)

// Error is the typed failure returned by every vault operation. The
// correlation id joins the caller-visible failure to the server-side logs
// and audit events; stack detail never leaves the process.
type Error struct {
	Kind          Kind
	Message       string
	CorrelationID string
	cause         error
}

func (e *Error) Error() string {
	if e.CorrelationID != "" {
		return fmt.Sprintf("%s: %s (correlation %s)", e.Kind, e.Message, e.CorrelationID)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

func newError(kind Kind, correlationID, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, CorrelationID: correlationID, cause: cause}
}

// KindOf extracts the classification from err, or empty for untyped
// errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
