package models

import "errors"

var (
	// ErrValidation marks malformed or missing input. Never retried.
	ErrValidation = errors.New("validation error")

	// ErrUnauthorized is returned for missing, invalid or under-privileged credentials.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrUpstream is returned when a store, queue, auth service or mail transport is unreachable.
	ErrUpstream = errors.New("upstream unavailable")

	// ErrTransform is returned when a source blob cannot be decoded or encoded.
	ErrTransform = errors.New("transform failed")

	// ErrRollback is returned when a compensating delete fails and a blob is leaked.
	ErrRollback = errors.New("rollback failed")

	// ErrBlobNotFound is returned by content stores for unknown ids.
	ErrBlobNotFound = errors.New("blob not found")
)
