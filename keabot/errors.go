package keabot

import (
	"errors"
	"fmt"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when a user, tag, media item or file
	// lookup finds nothing.
	ErrNotFound = errors.New("not found")

	ErrUnknownEvent = errors.New("unknown event kind")

	errAttachmentTooLarge = errors.New("attachment exceeds maximum size")
)

// ValidationError is returned when user input is rejected before any
// storage mutation. Message is safe to show to the user.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func newValidationError(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// StorageError wraps a database or filesystem failure with the name of
// the operation that failed.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// storageError wraps err as a StorageError, mapping gorm's
// record-not-found to ErrNotFound.
func storageError(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	var ve *ValidationError
	if errors.As(err, &ve) || errors.Is(err, ErrNotFound) {
		return err
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return &StorageError{Op: op, Err: err}
}
