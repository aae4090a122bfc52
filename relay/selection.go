// SPDX-FileCopyrightText: Copyright (C) 2025 the forloop developers
// SPDX-License-Identifier: AGPL-3.0-only

package relay

import (
	mrand "math/rand"
)

// Pick selects one relay from candidates via bandwidth-and-stability
// weighted random selection, skipping anything in the exclude set.  The
// exclude set is keyed by identity hash.  Returns ErrNoRelays if nothing
// is selectable.
func Pick(rng *mrand.Rand, candidates []*Descriptor, exclude map[[32]byte]bool) (*Descriptor, error) {
	var usable []*Descriptor
	var total float64
	for _, d := range candidates {
		if exclude != nil && exclude[d.IdentityHash] {
			continue
		}
		if d.Weight() <= 0 {
			continue
		}
		usable = append(usable, d)
		total += d.Weight()
	}
	if len(usable) == 0 {
		return nil, ErrNoRelays
	}

	target := rng.Float64() * total
	for _, d := range usable {
		target -= d.Weight()
		if target <= 0 {
			return d, nil
		}
	}

	// Floating point accumulation can leave a sliver of target.
	return usable[len(usable)-1], nil
}
