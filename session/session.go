// SPDX-FileCopyrightText: Copyright (C) 2025 the forloop developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package session drives the per-request anonymization lifecycle: it
// accepts submissions from the UI shell, coordinates identity synthesis,
// circuit allocation and traffic shaping into one atomic lifecycle, and
// reports exactly one terminal outcome per request.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"golang.org/x/sync/errgroup"
	"gopkg.in/op/go-logging.v1"

	"github.com/forloop/veil/circuit"
	"github.com/forloop/veil/config"
	"github.com/forloop/veil/core/log"
	"github.com/forloop/veil/core/worker"
	"github.com/forloop/veil/identity"
	"github.com/forloop/veil/shaping"
)

var (
	// ErrRequestCancelled is the terminal error of a cancelled request.
	ErrRequestCancelled = errors.New("session: request cancelled")

	// ErrInvalidRequest is returned by Submit on a malformed target URI.
	ErrInvalidRequest = errors.New("session: invalid request")

	// ErrUnknownNavigation is returned when a sub-resource request names
	// a navigation with no cached identity.
	ErrUnknownNavigation = errors.New("session: unknown navigation")

	// ErrHalted is returned by Submit after the session has been halted.
	ErrHalted = errors.New("session: halted")
)

// Session is the policy orchestrator.  It retains no state across
// requests beyond the in-flight set and the per-navigation identity
// cache, which is cleared when the navigation ends.
type Session struct {
	worker.Worker

	cfg         *config.Config
	circuits    *circuit.Manager
	synthesizer *identity.Synthesizer
	shaper      *shaping.Shaper
	log         *logging.Logger

	mu            sync.Mutex
	navIdentities map[string]*identity.Identity
	inFlight      map[uint64]*Handle
	nextID        uint64
	halted        bool
}

// New creates a Session over the given collaborators.
func New(cfg *config.Config, circuits *circuit.Manager, synthesizer *identity.Synthesizer, shaper *shaping.Shaper, logBackend *log.Backend) *Session {
	return &Session{
		cfg:           cfg,
		circuits:      circuits,
		synthesizer:   synthesizer,
		shaper:        shaper,
		log:           logBackend.GetLogger("session"),
		navIdentities: make(map[string]*identity.Identity),
		inFlight:      make(map[uint64]*Handle),
	}
}

// Submit accepts an outbound request.  A top-level submission triggers
// identity generation; a sub-resource submission reuses the navigation's
// cached identity.  Either kind gets a fresh circuit and a fresh shaping
// profile.  The returned handle delivers exactly one terminal event.
func (s *Session) Submit(rawURI, navigationID string, isTopLevel bool) (*Handle, error) {
	u, err := url.Parse(rawURI)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRequest, rawURI)
	}
	if navigationID == "" {
		return nil, fmt.Errorf("%w: empty navigation id", ErrInvalidRequest)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Debug.SubmitDeadline())

	s.mu.Lock()
	if s.halted {
		s.mu.Unlock()
		cancel()
		return nil, ErrHalted
	}
	s.nextID++
	h := &Handle{
		id:       s.nextID,
		uri:      u,
		navID:    navigationID,
		topLevel: isTopLevel,
		state:    StateCreated,
		eventCh:  make(chan Event, 1),
		cancel:   cancel,
	}
	if isTopLevel {
		h.delivery = identity.NewDelivery()
	}
	s.inFlight[h.id] = h
	s.mu.Unlock()

	s.log.Debugf("Submitted request %d for navigation %q (top-level: %v)", h.id, navigationID, isTopLevel)
	s.Go(func() {
		defer cancel()
		s.run(ctx, h)
	})
	return h, nil
}

// EndNavigation discards the navigation's identity.  Sub-resource
// requests submitted afterwards for the same navigation fail closed.
func (s *Session) EndNavigation(navigationID string) {
	s.mu.Lock()
	delete(s.navIdentities, navigationID)
	s.mu.Unlock()
	s.log.Debugf("Ended navigation %q", navigationID)
}

// InFlightCount returns the number of requests not yet released.
func (s *Session) InFlightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inFlight)
}

// Halt cancels every in-flight request and stops the session.
func (s *Session) Halt() {
	s.mu.Lock()
	s.halted = true
	handles := make([]*Handle, 0, len(s.inFlight))
	for _, h := range s.inFlight {
		handles = append(handles, h)
	}
	s.mu.Unlock()
	for _, h := range handles {
		h.Cancel()
	}
	s.Worker.Halt()
}

// run drives one request through its lifecycle.  Exactly one terminal
// event is emitted, and the circuit is released exactly once no matter
// where the lifecycle stops.
func (s *Session) run(ctx context.Context, h *Handle) {
	var circ *circuit.Circuit
	defer func() {
		if circ != nil {
			s.circuits.Release(circ)
		}
		if h.delivery != nil {
			// No-op if the bundle was already delivered.
			h.delivery.Abandon()
		}
		h.setState(StateReleased)
		s.mu.Lock()
		delete(s.inFlight, h.id)
		s.mu.Unlock()
		s.log.Debugf("Released request %d", h.id)
	}()

	// Identity resolution and circuit allocation proceed concurrently;
	// both must succeed before the request advances.
	var id *identity.Identity
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c, err := s.circuits.Allocate(gctx, hintFor(h.uri))
		if err != nil {
			return err
		}
		circ = c
		return nil
	})
	g.Go(func() error {
		if h.topLevel {
			newID, err := s.synthesizer.Synthesize()
			if err != nil {
				return err
			}
			id = newID
			return nil
		}
		s.mu.Lock()
		cached, ok := s.navIdentities[h.navID]
		s.mu.Unlock()
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownNavigation, h.navID)
		}
		id = cached
		return nil
	})
	if err := g.Wait(); err != nil {
		s.terminal(ctx, h, err)
		return
	}
	if err := ctx.Err(); err != nil {
		s.terminal(ctx, h, err)
		return
	}

	h.setState(StateIdentityAssigned)
	if h.topLevel {
		s.mu.Lock()
		s.navIdentities[h.navID] = id
		s.mu.Unlock()

		// One-shot synchronous delivery to the render collaborator,
		// before any page-originated logic can run.  The channel closes
		// after this; a page cannot re-request a fresh sample.
		h.delivery.Deliver(&identity.Bundle{
			Identity:     id,
			Capabilities: identity.CapabilityTable(id),
		})
	}

	h.setState(StateCircuitAllocated)

	profile, err := s.shaper.Plan(id)
	if err != nil {
		s.terminal(ctx, h, err)
		return
	}
	h.setState(StateShapingPlanned)

	kind := classifyResource(h.uri, h.topLevel)
	frame, err := s.shaper.ApplyOutbound(profile, buildRequest(id, h.uri, kind))
	if err != nil {
		s.terminal(ctx, h, err)
		return
	}

	h.setState(StateInFlight)

	if err := s.shaper.Wait(ctx, profile); err != nil {
		s.terminal(ctx, h, err)
		return
	}
	if err := circ.Send(ctx, frame); err != nil {
		s.terminal(ctx, h, err)
		return
	}
	reply, err := circ.Recv(ctx)
	if err != nil {
		s.terminal(ctx, h, err)
		return
	}
	payload, err := s.shaper.StripInbound(profile, reply)
	if err != nil {
		s.terminal(ctx, h, err)
		return
	}

	h.setState(StateCompleted)
	h.eventCh <- &CompletedEvent{Payload: payload}
	s.log.Debugf("Request %d completed with %d payload bytes", h.id, len(payload))
}

// terminal maps an error to the caller-visible outcome.  Sub-component
// errors pass through unmodified; only cooperative cancellation is
// translated to the Cancelled outcome.
func (s *Session) terminal(ctx context.Context, h *Handle, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		h.setState(StateCancelled)
		h.eventCh <- &CancelledEvent{}
		s.log.Debugf("Request %d cancelled", h.id)
		return
	}
	h.setState(StateFailed)
	h.eventCh <- &FailedEvent{Err: err}
	s.log.Warningf("Request %d failed: %v", h.id, err)
}
