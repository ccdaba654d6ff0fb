package app

import (
	"errors"
	"fmt"
)

// ErrConversionSkipped reports that anonymous-post adoption did not run
// because the destination session could not be resolved to a live member.
// Callers surface it as a possibly-incomplete transition; it never fails
// the surrounding registration.
var ErrConversionSkipped = errors.New("post conversion skipped: destination session is not a live member session")

// DomainError carries the HTTP status, a stable machine-readable code, and an
// optional details payload (a field-to-message map for validation failures).
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}
