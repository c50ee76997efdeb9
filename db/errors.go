package db

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind is the user-visible classification of a failed probe, open or activation.
type ErrorKind string

const (
	KindNone             ErrorKind = ""
	KindTimeout          ErrorKind = "Timeout"
	KindAuthFailed       ErrorKind = "AuthFailed"
	KindHostUnreachable  ErrorKind = "HostUnreachable"
	KindDatabaseNotFound ErrorKind = "DatabaseNotFound"
	KindUnknown          ErrorKind = "Unknown"

	KindValidation        ErrorKind = "ValidationError"
	KindPersistence       ErrorKind = "PersistenceError"
	KindPoolUnavailable   ErrorKind = "PoolUnavailable"
	KindActivationAborted ErrorKind = "ActivationAborted"
	KindNotFound          ErrorKind = "NotFound"
)

// Sentinel errors
var (
	ErrConfigNotFound    = errors.New("database configuration not found")
	ErrValidation        = errors.New("invalid database configuration")
	ErrProbeFailed       = errors.New("connection probe failed")
	ErrPersistence       = errors.New("configuration store write failed")
	ErrPoolUnavailable   = errors.New("connection pool unavailable")
	ErrActivationAborted = errors.New("activation aborted")
)

// ValidationError reports a rejected configuration field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// ProbeError carries the classified reason a connection attempt failed.
// Message is redacted and intended for logs only.
type ProbeError struct {
	Kind    ErrorKind
	Message string
}

func (e *ProbeError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("connection probe failed: %s", e.Kind)
	}
	return fmt.Sprintf("connection probe failed: %s: %s", e.Kind, e.Message)
}

func (e *ProbeError) Unwrap() error { return ErrProbeFailed }

// PersistenceError wraps a failed config store operation.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("config store %s failed: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() []error { return []error{ErrPersistence, e.Err} }

// ActivationError reports the step at which an activation stopped. The
// previous configuration remains active whenever one is returned.
type ActivationError struct {
	Step string
	Err  error
}

func (e *ActivationError) Error() string {
	return fmt.Sprintf("activation failed at %s: %v", e.Step, e.Err)
}

func (e *ActivationError) Unwrap() error { return e.Err }

// KindOf maps any error returned by this module to its ErrorKind.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}

	var probeErr *ProbeError
	switch {
	case errors.As(err, &probeErr):
		return probeErr.Kind
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrConfigNotFound):
		return KindNotFound
	case errors.Is(err, ErrActivationAborted):
		return KindActivationAborted
	case errors.Is(err, ErrPersistence):
		return KindPersistence
	case errors.Is(err, ErrPoolUnavailable):
		return KindPoolUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}
	return KindUnknown
}
