// SPDX-FileCopyrightText: Copyright (C) 2025 the forloop developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package circuit builds and tears down per-request multi-hop transport
// paths over a shared relay pool.
package circuit

import (
	"context"
	"sync"

	"github.com/forloop/veil/relay"
	"github.com/forloop/veil/transport"
)

// Info is the status surface of an allocated circuit, for display only.
type Info struct {
	// EntryCountry is the entry guard's geolocation hint.
	EntryCountry string

	// ExitCountry is the exit relay's geolocation hint.
	ExitCountry string

	// Hops is the path length.
	Hops int
}

// Circuit is an established multi-hop path bound to exactly one request.
// It is never reused across requests; Release destroys it.
type Circuit struct {
	id   uint64
	hops []*relay.Descriptor
	conn transport.Conn
	mgr  *Manager

	releaseOnce sync.Once
}

// ID returns the circuit's local identifier.
func (c *Circuit) ID() uint64 { return c.id }

// Guard returns the entry guard descriptor.
func (c *Circuit) Guard() *relay.Descriptor { return c.hops[0] }

// Middle returns the middle relay descriptor.
func (c *Circuit) Middle() *relay.Descriptor { return c.hops[1] }

// Exit returns the exit relay descriptor.
func (c *Circuit) Exit() *relay.Descriptor { return c.hops[len(c.hops)-1] }

// Hops returns the full hop list in path order.
func (c *Circuit) Hops() []*relay.Descriptor {
	out := make([]*relay.Descriptor, len(c.hops))
	copy(out, c.hops)
	return out
}

// Info returns the circuit's display info.
func (c *Circuit) Info() *Info {
	return &Info{
		EntryCountry: c.Guard().CountryCode,
		ExitCountry:  c.Exit().CountryCode,
		Hops:         len(c.hops),
	}
}

// Send writes one shaped frame to the circuit.
func (c *Circuit) Send(ctx context.Context, frame []byte) error {
	return c.conn.Send(ctx, frame)
}

// Recv reads one shaped frame from the circuit.
func (c *Circuit) Recv(ctx context.Context) ([]byte, error) {
	return c.conn.Recv(ctx)
}
