// SPDX-FileCopyrightText: Copyright (C) 2025 the forloop developers
// SPDX-License-Identifier: AGPL-3.0-only

package session

import (
	"fmt"
)

// Event is the terminal outcome of a request, delivered exactly once on
// the handle's event channel.
type Event interface {
	// String returns a human readable description of the event.
	String() string
}

// CompletedEvent carries the decoded response payload.
type CompletedEvent struct {
	// Payload is the response payload with shaping stripped.
	Payload []byte
}

// String returns a human readable description.
func (e *CompletedEvent) String() string {
	return fmt.Sprintf("Completed{%d bytes}", len(e.Payload))
}

// FailedEvent carries the typed error that aborted the request.  The
// request is aborted fail-closed; there is never a degraded-but-working
// outcome.
type FailedEvent struct {
	// Err is the sub-component error, unmodified.
	Err error
}

// String returns a human readable description.
func (e *FailedEvent) String() string {
	return fmt.Sprintf("Failed{%v}", e.Err)
}

// CancelledEvent signals caller-initiated cancellation.  It is not a
// failure, but all request resources have still been released.
type CancelledEvent struct{}

// String returns a human readable description.
func (e *CancelledEvent) String() string {
	return "Cancelled"
}

// Err returns ErrRequestCancelled, so callers that funnel all terminal
// outcomes through one error path see a typed cause.
func (e *CancelledEvent) Err() error {
	return ErrRequestCancelled
}
