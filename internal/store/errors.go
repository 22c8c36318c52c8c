package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/arkiv/chain-event-relay/internal/record"
)

type ErrorKind int

const (
	ConnectionUnavailable ErrorKind = iota + 1
	ValidationFailed
	Timeout
)

func (k ErrorKind) String() string {
	switch k {
	case ConnectionUnavailable:
		return "connection_unavailable"
	case ValidationFailed:
		return "validation_failed"
	case Timeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// StoreError is returned by Writer implementations.
type StoreError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *StoreError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("store %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("store %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Is matches another StoreError by kind, so errors.Is(err, ErrTimeout) works.
func (e *StoreError) Is(target error) bool {
	t, ok := target.(*StoreError)
	return ok && t.Kind == e.Kind
}

func (e *StoreError) Retryable() bool {
	return e.Kind == ConnectionUnavailable || e.Kind == Timeout
}

var (
	ErrConnectionUnavailable = &StoreError{Kind: ConnectionUnavailable}
	ErrValidationFailed      = &StoreError{Kind: ValidationFailed}
	ErrTimeout               = &StoreError{Kind: Timeout}
)

// QueryError is returned by Reader implementations.
type QueryError struct {
	Kind       ErrorKind
	Collection string
	Err        error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query %s: %s: %v", e.Collection, e.Kind, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a store failure worth another attempt.
func IsRetryable(err error) bool {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return false
}

// classify maps a backend error onto a kind. Anything not recognised as a timeout or a
// rejected row counts as the backend being unreachable.
func classify(err error) ErrorKind {
	var verr record.ValidationError
	if errors.As(err, &verr) {
		return ValidationFailed
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		switch pgErr.Code[:2] {
		case "22", "23":
			return ValidationFailed
		}
		if pgErr.Code == "57014" {
			return Timeout
		}
	}
	return ConnectionUnavailable
}

func writeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Kind: classify(err), Op: op, Err: err}
}

func readErr(collection string, err error) error {
	if err == nil {
		return nil
	}
	var qe *QueryError
	if errors.As(err, &qe) {
		return err
	}
	return &QueryError{Kind: classify(err), Collection: collection, Err: err}
}
