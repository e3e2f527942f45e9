// Package errs defines the error taxonomy shared by the engine's stores,
// loader, evaluator and HTTP boundary.
package errs

import (
	"errors"
	"fmt"
)

// ErrNotFound reports an unknown policy id or a missing policy file.
var ErrNotFound = errors.New("not found")

// ValidationError reports a malformed policy document or request context.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return "validation: " + e.Msg }

// Validationf builds a ValidationError from a format string.
func Validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// IntegrityError reports a broken audit hash chain. It is never expected in
// normal operation and must be treated as a hard operational alarm.
type IntegrityError struct {
	Seq int64
	Msg string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity: record %d: %s", e.Seq, e.Msg)
}

// StorageError wraps an underlying persistence failure.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return "storage: " + e.Op + ": " + e.Err.Error() }

func (e *StorageError) Unwrap() error { return e.Err }

// Storage wraps err in a StorageError unless it is nil or already part of
// the taxonomy (NotFound stays NotFound across store boundaries).
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func IsIntegrity(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}
