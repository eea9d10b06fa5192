package services

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by the store when a referenced row does not exist.
var ErrNotFound = errors.New("record not found")

// ActionErrorKind classifies why an action failed.
type ActionErrorKind string

const (
	KindNotFound          ActionErrorKind = "not_found"
	KindValidationMissing ActionErrorKind = "validation_missing"
	KindDispatchFailure   ActionErrorKind = "dispatch_failure"
	KindStorageFailure    ActionErrorKind = "storage_failure"
	KindUnsupported       ActionErrorKind = "unsupported_action"
)

// ActionError is the failure recorded for one action attempt.
type ActionError struct {
	Kind ActionErrorKind
	Err  error
}

func (e *ActionError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return e.Err.Error()
}

func (e *ActionError) Unwrap() error { return e.Err }

func newActionError(kind ActionErrorKind, format string, args ...interface{}) *ActionError {
	return &ActionError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// storageActionError classifies a store error: ErrNotFound becomes
// not_found, anything else is a storage failure.
func storageActionError(what string, err error) *ActionError {
	if errors.Is(err, ErrNotFound) {
		return &ActionError{Kind: KindNotFound, Err: fmt.Errorf("%s not found", what)}
	}
	return &ActionError{Kind: KindStorageFailure, Err: fmt.Errorf("load %s: %w", what, err)}
}
