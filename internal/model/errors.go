package model

import "errors"

var (
	// ErrStreamRequired is returned when a session start request is missing the stream reference.
	ErrStreamRequired = errors.New("stream reference is required")

	// ErrSessionNotFound is returned when a session is not found.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExists is returned when a session with the same ID is already registered.
	ErrSessionExists = errors.New("session already exists")

	// ErrUnauthorized is returned when a request carries no user identity.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden is returned when access to a resource is forbidden.
	ErrForbidden = errors.New("forbidden")

	// ErrConcurrencyLimit is returned when the maximum number of concurrent sessions is reached.
	ErrConcurrencyLimit = errors.New("concurrent session limit exceeded")

	// ErrConnectionClosed is returned when writing to a push connection that is already closed.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrQueueFull is returned when a push connection cannot accept more frames.
	ErrQueueFull = errors.New("connection send queue full")
)
