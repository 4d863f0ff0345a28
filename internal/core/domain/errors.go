package domain

import (
	"errors"
	"fmt"
)

var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrQuotaExceeded    = errors.New("upload quota exceeded")
	ErrVersionConflict  = errors.New("version conflict")
	ErrDuplicateEvent   = errors.New("duplicate event")
	ErrInvalidInput     = errors.New("invalid input")
	ErrUnauthorized     = errors.New("unauthorized")

	// ErrTransient marks stage failures worth retrying with backoff;
	// ErrPermanent marks failures that move the document straight to Failed.
	ErrTransient = errors.New("transient failure")
	ErrPermanent = errors.New("permanent failure")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}
