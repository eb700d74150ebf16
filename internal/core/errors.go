package core

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across all layers. Callers classify with errors.Is;
// every layer wraps with fmt.Errorf("...: %w", err) so the chain survives.
var (
	// ErrInvalidCredential means the credential could not be verified at all.
	ErrInvalidCredential = errors.New("invalid credential")

	// ErrCredentialExpired means the credential verified but is past expiry.
	ErrCredentialExpired = errors.New("credential expired")

	// ErrNotFound means the session, message, or memory key does not exist
	// (or, for memory, exists but is past its expiry).
	ErrNotFound = errors.New("not found")

	// ErrSessionArchived means a write was attempted against an archived
	// session.
	ErrSessionArchived = errors.New("session archived")

	// ErrPermission means the caller is authenticated but not authorized for
	// the target scope or owner.
	ErrPermission = errors.New("permission denied")

	// ErrConflict means a uniqueness invariant was violated under a
	// concurrent write.
	ErrConflict = errors.New("conflict")

	// ErrTimeout means a persistence call exceeded its configured bound.
	// The operation may be retried.
	ErrTimeout = errors.New("operation timed out")
)

// ValidationError reports malformed input on a specific field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Validationf builds a ValidationError for a field.
func Validationf(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// StorageError wraps a backend failure. It is fatal for the current
// operation only; the caller may retry.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Storagef wraps err as a StorageError for the named operation.
func Storagef(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

// Retryable reports whether the caller may reasonably retry the operation.
// Only timeouts and backend failures qualify; every other error in the
// taxonomy is deterministic.
func Retryable(err error) bool {
	if errors.Is(err, ErrTimeout) {
		return true
	}
	var se *StorageError
	return errors.As(err, &se)
}
