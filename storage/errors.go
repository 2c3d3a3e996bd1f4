package storage

import "errors"

var (
	// ErrNotConfigured is returned by every operation on a nil Store.
	ErrNotConfigured = errors.New("storage: store not configured")
	// ErrNotFound is returned when no non-deleted row matches the lookup.
	ErrNotFound = errors.New("storage: peer not found")
	// ErrIDTaken is returned by ChangeID when the target id already exists.
	ErrIDTaken = errors.New("storage: id already taken")
	// ErrCircuitOpen is returned without touching the database while the
	// circuit breaker is open.
	ErrCircuitOpen = errors.New("storage: circuit breaker open")
	// ErrConnUnhealthy wraps a failed liveness probe on a checked-out
	// connection.
	ErrConnUnhealthy = errors.New("storage: connection failed liveness probe")
	// ErrPathRequired is returned when a file-backed store has no path.
	ErrPathRequired = errors.New("storage: database path must be configured")
	// ErrUnsupportedDriver is returned for driver names other than sqlite and
	// postgres.
	ErrUnsupportedDriver = errors.New("storage: unsupported database driver")
)
