// SPDX-FileCopyrightText: Copyright (C) 2025 the forloop developers
// SPDX-License-Identifier: AGPL-3.0-only

package relay

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var (
	// ErrNoRelays is returned when a directory has no relay fitting a
	// selection constraint.
	ErrNoRelays = errors.New("relay: no candidate relays")
)

// Directory is a consistent snapshot of the live relay set, supplied (not
// computed) by the anonymization-network client.
type Directory struct {
	// Epoch identifies the consensus interval the snapshot belongs to.
	Epoch uint64

	// Relays is the full relay list.
	Relays []*Descriptor
}

// Validate checks the directory for well-formedness.
func (d *Directory) Validate() error {
	if len(d.Relays) == 0 {
		return errors.New("relay: directory is empty")
	}
	seen := make(map[[32]byte]bool)
	for _, desc := range d.Relays {
		if err := desc.validate(); err != nil {
			return err
		}
		if seen[desc.IdentityHash] {
			return fmt.Errorf("relay: duplicate descriptor %s", desc)
		}
		seen[desc.IdentityHash] = true
	}
	return nil
}

// Guards returns the relays usable as entry guards.
func (d *Directory) Guards() []*Descriptor {
	var out []*Descriptor
	for _, desc := range d.Relays {
		if desc.Flags.IsGuard() {
			out = append(out, desc)
		}
	}
	return out
}

// Middles returns the relays usable for the middle hop.  Any relay may
// serve as a middle.
func (d *Directory) Middles() []*Descriptor {
	out := make([]*Descriptor, len(d.Relays))
	copy(out, d.Relays)
	return out
}

// Exits returns the exit-flagged relays whose policy accepts the given
// destination port and address family.
func (d *Directory) Exits(port uint16, wantIPv6 bool) []*Descriptor {
	var out []*Descriptor
	for _, desc := range d.Relays {
		if !desc.Flags.IsExit() {
			continue
		}
		if !desc.ExitPolicy.Allows(port, wantIPv6) {
			continue
		}
		if wantIPv6 && !desc.HasIPv6() {
			continue
		}
		out = append(out, desc)
	}
	return out
}

// MarshalBinary serializes the directory for interchange.
func (d *Directory) MarshalBinary() ([]byte, error) {
	// The method-less alias keeps cbor from calling MarshalBinary again.
	type alias Directory
	return cbor.Marshal((*alias)(d))
}

// UnmarshalBinary deserializes the directory.
func (d *Directory) UnmarshalBinary(data []byte) error {
	type alias Directory
	return cbor.Unmarshal(data, (*alias)(d))
}
