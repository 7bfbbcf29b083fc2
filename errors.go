package electrumd

import "errors"

var (
	// ErrShuttingDown signals that the service received a shutdown
	// request.
	ErrShuttingDown = errors.New("electrumd shutting down")

	// ErrEmptyIndex is returned by queries that need at least one
	// tracked header before any has been synced.
	ErrEmptyIndex = errors.New("index has no headers yet")
)
