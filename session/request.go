// SPDX-FileCopyrightText: Copyright (C) 2025 the forloop developers
// SPDX-License-Identifier: AGPL-3.0-only

package session

import (
	"context"
	"net/url"
	"sync"

	"github.com/forloop/veil/identity"
)

// State is a request lifecycle state.
type State uint32

const (
	// StateCreated is the initial state after submission.
	StateCreated State = iota

	// StateIdentityAssigned means the navigation identity is resolved.
	StateIdentityAssigned

	// StateCircuitAllocated means a fresh circuit is bound to the request.
	StateCircuitAllocated

	// StateShapingPlanned means the shaping profile is sampled.
	StateShapingPlanned

	// StateInFlight means bytes are moving.
	StateInFlight

	// StateCompleted is the successful terminal outcome.
	StateCompleted

	// StateFailed is the fail-closed terminal outcome.
	StateFailed

	// StateCancelled is the caller-initiated terminal outcome.
	StateCancelled

	// StateReleased means all request resources are discarded.  It is
	// terminal and irreversible.
	StateReleased
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateIdentityAssigned:
		return "IdentityAssigned"
	case StateCircuitAllocated:
		return "CircuitAllocated"
	case StateShapingPlanned:
		return "ShapingPlanned"
	case StateInFlight:
		return "InFlight"
	case StateCompleted:
		return "Completed"
	case StateFailed:
		return "Failed"
	case StateCancelled:
		return "Cancelled"
	case StateReleased:
		return "Released"
	default:
		return "Unknown"
	}
}

// Handle is the opaque correlation token returned to the caller.  It
// carries no identifying content.
type Handle struct {
	id       uint64
	uri      *url.URL
	navID    string
	topLevel bool

	mu    sync.Mutex
	state State

	eventCh  chan Event
	delivery *identity.Delivery
	cancel   context.CancelFunc
}

// ID returns the handle's local identifier.
func (h *Handle) ID() uint64 { return h.id }

// NavigationID returns the owning navigation's identifier.
func (h *Handle) NavigationID() string { return h.navID }

// IsTopLevel reports whether this is a top-level navigation request.
func (h *Handle) IsTopLevel() bool { return h.topLevel }

// URI returns the target URI.
func (h *Handle) URI() *url.URL { return h.uri }

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) setState(s State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateReleased {
		// Released is terminal and irreversible.
		return
	}
	h.state = s
}

// Events returns the channel delivering the request's single terminal
// event.
func (h *Handle) Events() <-chan Event {
	return h.eventCh
}

// Identity returns the one-shot identity delivery channel for a top-level
// navigation, to be consumed by the render collaborator before any page
// logic runs.  It returns nil for sub-resource requests.
func (h *Handle) Identity() <-chan *identity.Bundle {
	if h.delivery == nil {
		return nil
	}
	return h.delivery.Ch()
}

// Cancel requests cooperative cancellation.  It may be called from any
// state; once the request has reached a terminal state it has no effect.
func (h *Handle) Cancel() {
	h.cancel()
}
