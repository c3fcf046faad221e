package core

import "errors"

var (
	// ErrNoResources is returned when a bounded table or queue is full.
	ErrNoResources = errors.New("no resources")
	// ErrInvalidParameter is returned for nil, duplicate or out-of-range arguments.
	ErrInvalidParameter = errors.New("invalid parameter")
	// ErrBusError reports a wire-level failure. It is never fatal.
	ErrBusError = errors.New("bus error")
	// ErrConflict marks an address collision. It does not leave the protocol layer.
	ErrConflict = errors.New("address conflict")
	// ErrCancelled is returned by a driver that declines a packet so that
	// dispatch continues with the next candidate.
	ErrCancelled = errors.New("cancelled")
)
