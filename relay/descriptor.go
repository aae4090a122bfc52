// SPDX-FileCopyrightText: Copyright (C) 2025 the forloop developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package relay provides the client-side view of the anonymization
// network's relay directory: descriptors, exit policies, and weighted
// relay selection.
package relay

import (
	"errors"
	"fmt"
	"net"

	"github.com/fxamacker/cbor/v2"
)

// Flags describes the roles a relay is willing to serve in.
type Flags uint8

const (
	// FlagGuard marks a relay as a suitable entry guard.
	FlagGuard Flags = 1 << iota

	// FlagExit marks a relay as a suitable exit.
	FlagExit
)

// IsGuard returns true if the guard flag is set.
func (f Flags) IsGuard() bool { return f&FlagGuard != 0 }

// IsExit returns true if the exit flag is set.
func (f Flags) IsExit() bool { return f&FlagExit != 0 }

// PortRange is an inclusive TCP port range.
type PortRange struct {
	// Low is the first port of the range.
	Low uint16

	// High is the last port of the range.
	High uint16
}

// Contains returns true if port falls within the range.
func (r *PortRange) Contains(port uint16) bool {
	return port >= r.Low && port <= r.High
}

// ExitPolicy describes the destinations a relay is willing to exit to.
// An empty AcceptPorts list rejects everything.
type ExitPolicy struct {
	// AcceptPorts is the list of accepted destination port ranges.
	AcceptPorts []PortRange

	// RejectIPv6 is set if the relay will not exit to IPv6 destinations.
	RejectIPv6 bool
}

// AllowsPort returns true if the policy accepts the destination port.
func (p *ExitPolicy) AllowsPort(port uint16) bool {
	for i := range p.AcceptPorts {
		if p.AcceptPorts[i].Contains(port) {
			return true
		}
	}
	return false
}

// Allows returns true if the policy accepts the destination port and
// address family.
func (p *ExitPolicy) Allows(port uint16, wantIPv6 bool) bool {
	if wantIPv6 && p.RejectIPv6 {
		return false
	}
	return p.AllowsPort(port)
}

// Descriptor is a description of a given relay, as supplied by the
// anonymization-network client's directory.
type Descriptor struct {
	// Name is the human readable (descriptive) relay identifier.
	Name string

	// IdentityHash is the hash of the relay's identity key.
	IdentityHash [32]byte

	// Addresses is the list of address/port combinations the relay
	// listens on.
	Addresses []string

	// Bandwidth is the relay's advertised bandwidth weight.
	Bandwidth uint64

	// Stability is the relay's measured uptime fraction in [0, 1].
	Stability float64

	// Flags describes the roles the relay is willing to serve in.
	Flags Flags

	// ExitPolicy is only meaningful for relays with the exit flag set.
	ExitPolicy ExitPolicy

	// CountryCode is a best-effort two letter geolocation hint.
	CountryCode string
}

// Weight returns the descriptor's selection weight, its bandwidth scaled
// by its stability.
func (d *Descriptor) Weight() float64 {
	w := float64(d.Bandwidth) * d.Stability
	if w < 0 {
		return 0
	}
	return w
}

// HasIPv6 returns true if the relay advertises at least one IPv6 address.
func (d *Descriptor) HasIPv6() bool {
	for _, addr := range d.Addresses {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			host = addr
		}
		ip := net.ParseIP(host)
		if ip != nil && ip.To4() == nil {
			return true
		}
	}
	return false
}

func (d *Descriptor) String() string {
	return fmt.Sprintf("%s:%x", d.Name, d.IdentityHash[:8])
}

func (d *Descriptor) validate() error {
	if d.Name == "" {
		return errors.New("relay: descriptor missing name")
	}
	if len(d.Addresses) == 0 {
		return fmt.Errorf("relay: descriptor %s has no addresses", d.Name)
	}
	if d.Stability < 0 || d.Stability > 1 {
		return fmt.Errorf("relay: descriptor %s has stability outside [0, 1]", d.Name)
	}
	return nil
}

// MarshalBinary serializes the descriptor for directory interchange.
func (d *Descriptor) MarshalBinary() ([]byte, error) {
	// The method-less alias keeps cbor from calling MarshalBinary again.
	type alias Descriptor
	return cbor.Marshal((*alias)(d))
}

// UnmarshalBinary deserializes the descriptor.
func (d *Descriptor) UnmarshalBinary(data []byte) error {
	type alias Descriptor
	return cbor.Unmarshal(data, (*alias)(d))
}
