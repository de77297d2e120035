// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package syncerr defines the error taxonomy shared by the sync engine.
//
// Every failure the engine can produce falls into one Class. The class
// decides propagation: validation and passphrase errors surface at once,
// transient errors are retried, conflicts trigger a resync, channel errors
// only drive reconnection.
package syncerr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// =============================================================================
// SENTINELS
// =============================================================================

var (
	// ErrOffline is returned when an operation needs the network while the
	// connectivity monitor reports offline.
	ErrOffline = errors.New("offline: no network connectivity")

	// ErrPassphraseMissing is returned when an offline mutation needs the
	// encrypted queue but no passphrase is held.
	ErrPassphraseMissing = errors.New("offline saving needs an encryption passphrase")

	// ErrNotFound is returned when a referenced entity does not exist locally.
	ErrNotFound = errors.New("not found")
)

// =============================================================================
// TYPED ERRORS
// =============================================================================

// ValidationError reports bad input. It is handled locally and never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Invalid builds a ValidationError.
func Invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// StatusError is a non-2xx reply from the API collaborator. Status carries
// the HTTP code explicitly so classification never depends on message text.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("request failed with status %d", e.Status)
	}
	return fmt.Sprintf("request failed with status %d: %s", e.Status, e.Message)
}

// ExhaustedError is returned once the retry budget is spent.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// ChannelError is a real-time connection failure. It drives reconnection
// and is never returned from a mutation.
type ChannelError struct {
	Op  string
	Err error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("realtime %s: %v", e.Op, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// =============================================================================
// CLASSIFICATION
// =============================================================================

// Class groups errors by how the engine reacts to them.
type Class int

const (
	ClassNone Class = iota
	ClassValidation
	ClassOffline
	ClassPassphraseMissing
	ClassConflict
	ClassTransient
	ClassChannel
	ClassCanceled
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassValidation:
		return "validation"
	case ClassOffline:
		return "offline"
	case ClassPassphraseMissing:
		return "passphrase_missing"
	case ClassConflict:
		return "conflict"
	case ClassTransient:
		return "transient"
	case ClassChannel:
		return "channel"
	case ClassCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// Classify maps err onto its Class. Anything unrecognised is transient.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}

	var verr *ValidationError
	var cerr *ChannelError
	switch {
	case errors.As(err, &verr):
		return ClassValidation
	case errors.Is(err, ErrPassphraseMissing):
		return ClassPassphraseMissing
	case errors.Is(err, ErrOffline):
		return ClassOffline
	case IsConflict(err):
		return ClassConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ClassCanceled
	case errors.As(err, &cerr):
		return ClassChannel
	default:
		return ClassTransient
	}
}

// IsConflict reports whether err carries a 409 Conflict or 412
// Precondition Failed status.
func IsConflict(err error) bool {
	var serr *StatusError
	if !errors.As(err, &serr) {
		return false
	}
	return serr.Status == http.StatusConflict || serr.Status == http.StatusPreconditionFailed
}

// Retryable reports whether a failed attempt may be retried.
func Retryable(err error) bool {
	return Classify(err) == ClassTransient
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var serr *StatusError
	if errors.As(err, &serr) {
		return serr.Status
	}
	return 0
}
