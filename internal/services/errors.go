package services

import (
	"errors"
	"fmt"
	"net/http"
)

// ValidationError reports malformed or semantically invalid input.
// It is always raised before any storage mutation begins.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

func validationErrorf(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// NotFoundError reports that a referenced account or transaction does not
// exist or is not owned by the caller. Ownership misses are deliberately
// indistinguishable from missing rows.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

// InactiveAccountError reports an attempt to reference a soft-deleted
// account in a new transaction.
type InactiveAccountError struct {
	AccountID string
}

func (e *InactiveAccountError) Error() string {
	return fmt.Sprintf("account %s is inactive", e.AccountID)
}

// ConsistencyError reports state that the transaction log cannot explain,
// e.g. a stored transaction referencing an account that no longer exists.
type ConsistencyError struct {
	Reason string
}

func (e *ConsistencyError) Error() string { return e.Reason }

// ErrorStatus maps ledger errors onto HTTP status codes for the handler
// layer. Anything unrecognized is a 500.
func ErrorStatus(err error) int {
	var (
		validationErr  *ValidationError
		notFoundErr    *NotFoundError
		inactiveErr    *InactiveAccountError
		consistencyErr *ConsistencyError
	)
	switch {
	case errors.As(err, &validationErr):
		return http.StatusBadRequest
	case errors.As(err, &notFoundErr):
		return http.StatusNotFound
	case errors.As(err, &inactiveErr):
		return http.StatusForbidden
	case errors.As(err, &consistencyErr):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
