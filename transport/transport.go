// SPDX-FileCopyrightText: Copyright (C) 2025 the forloop developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package transport defines the boundary to the external
// anonymization-network client, which owns relay connections and the raw
// multi-hop wire protocol.
package transport

import (
	"context"

	"github.com/forloop/veil/relay"
)

// Client is the connection-establishment surface of the
// anonymization-network client.
type Client interface {
	// OpenPath performs the multi-hop handshake through the given relays,
	// in hop order, and returns an established connection.  OpenPath MUST
	// honor ctx cancellation at every network round-trip and release any
	// partially established hops before returning.
	OpenPath(ctx context.Context, hops []*relay.Descriptor) (Conn, error)
}

// Conn is an established multi-hop connection.
type Conn interface {
	// Send writes one shaped frame to the connection.
	Send(ctx context.Context, frame []byte) error

	// Recv reads one shaped frame from the connection.
	Recv(ctx context.Context) ([]byte, error)

	// Close tears the connection down.  Close is idempotent.
	Close() error
}
