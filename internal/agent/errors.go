package agent

import "errors"

var (
	// ErrUnavailable means the vendor CLI could not be resolved.
	ErrUnavailable = errors.New("agent tool unavailable")
	// ErrSpawnFailure wraps any error raised while starting the process.
	ErrSpawnFailure = errors.New("agent spawn failed")
	// ErrInputClosed means the process input sink no longer accepts writes.
	ErrInputClosed = errors.New("agent input closed")
	// ErrUnknownVendor is returned by ParseVendor.
	ErrUnknownVendor = errors.New("unknown agent vendor")
)
