package storage

import "errors"

// Common errors returned by the storage layer and the engines built on it.
//
// Callers should match with errors.Is; every error that crosses a package
// boundary wraps exactly one of these sentinels so the failure kind survives
// wrapping.
var (
	// ErrNotFound is returned when a node, edge, or vector id is absent.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateUnique is returned when a write violates a declared
	// unique field index.
	ErrDuplicateUnique = errors.New("unique index violation")

	// ErrMissingEndpoint is returned when an edge references a node that
	// does not exist.
	ErrMissingEndpoint = errors.New("edge endpoint not found")

	// ErrInvalidArgument is returned for malformed parameters, such as a
	// negative depth, a damping factor outside [0,1], or an empty embedding.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrStorageFault is returned when the underlying key-value store
	// fails. Write transactions abort entirely; no partial state is kept.
	ErrStorageFault = errors.New("storage fault")

	// ErrWriteBusy is returned in non-blocking mode when another writer
	// holds the write lock.
	ErrWriteBusy = errors.New("writer busy")

	// ErrCancelled is returned when an operation observes context
	// cancellation. No partial results are surfaced.
	ErrCancelled = errors.New("cancelled")

	// ErrClosed is returned for operations against a closed engine.
	ErrClosed = errors.New("storage closed")
)
