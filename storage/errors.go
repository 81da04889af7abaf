package storage

import "errors"

// Storage error constants
var (
	// ErrDatabaseClosed is returned when attempting to use a closed gateway
	ErrDatabaseClosed = errors.New("database is closed")

	// ErrWriterStopped is returned when enqueueing after the async writer stopped
	ErrWriterStopped = errors.New("persistence writer stopped")

	// ErrQueueFull is returned when the write queue has no room
	ErrQueueFull = errors.New("persistence queue full")

	// ErrUnsupportedBackend is returned for an unknown persistence backend name
	ErrUnsupportedBackend = errors.New("unsupported persistence backend")
)
