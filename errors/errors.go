// Package errors provides error handling for mspsync.
//
// It re-exports github.com/cockroachdb/errors so that every package gets stack
// traces, wrapping and attached details from a single import:
//
//	if err := store.MarkRunning(ctx, job.ID); err != nil {
//	    return errors.Wrapf(err, "failed to mark job %s running", job.ID)
//	}
//
//	err = errors.WithDetail(err, fmt.Sprintf("Tenant: %s", job.TenantID))
//
// Sentinels below are matched with errors.Is after any amount of wrapping.
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// Hints and details
var (
	WithHint           = crdb.WithHint
	WithHintf          = crdb.WithHintf
	WithDetail         = crdb.WithDetail
	WithDetailf        = crdb.WithDetailf
	WithSecondaryError = crdb.WithSecondaryError
)

// Error inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenDetails = crdb.FlattenDetails
)

// Combining
var (
	CombineErrors    = crdb.CombineErrors
	AssertionFailedf = crdb.AssertionFailedf
)

// Sentinel errors shared by the store, scheduler and stage packages.
var (
	// ErrNotFound indicates the requested record does not exist
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates malformed input
	ErrInvalidRequest = New("invalid request")

	// ErrConflict indicates a uniqueness violation (e.g. entity already mirrored)
	ErrConflict = New("resource conflict")

	// ErrInvalidAction indicates a job action that is not sync.<entityType>
	ErrInvalidAction = New("invalid job action")

	// ErrUnknownIntegration indicates no descriptor is registered for an integration id
	ErrUnknownIntegration = New("unknown integration")

	// ErrUnknownEntityType indicates an integration does not support an entity type
	ErrUnknownEntityType = New("unsupported entity type")

	// ErrClosed indicates use of a closed bus or component
	ErrClosed = New("closed")
)

// IsNotFoundError reports whether err is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsConflictError reports whether err is or wraps ErrConflict.
func IsConflictError(err error) bool {
	return err != nil && Is(err, ErrConflict)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrapf(ErrNotFound, format, args...)
}

// NewInvalidRequestError creates an invalid-request error with a formatted message
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Wrapf(ErrInvalidRequest, format, args...)
}
