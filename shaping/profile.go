// SPDX-FileCopyrightText: Copyright (C) 2025 the forloop developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package shaping implements per-request traffic shaping: payload padding
// to fixed size buckets and per-packet jitter.  It raises the cost of
// casual size/timing correlation; it is not a defense against a global
// passive adversary.
package shaping

import (
	"errors"
	"fmt"
	"time"
)

// ErrProfileInvalid indicates a malformed shaping profile.  This is an
// internal invariant violation; the owning request must be aborted rather
// than partially shaped.
var ErrProfileInvalid = errors.New("shaping: profile invalid")

// DefaultBuckets is the default size bucket table.  Frames larger than
// the last bucket are rounded up to the next multiple of it.
var DefaultBuckets = []int{512, 1024, 2048, 4096, 8192, 16384, 32768, 65536}

// DefaultJitterMax is the default upper jitter bound per packet.
const DefaultJitterMax = 250 * time.Millisecond

// Profile is a per-request shaping profile.  Profiles are resampled for
// every request, including sub-resources of the same navigation, so
// identical payloads produce different shaped byte sequences on different
// occasions.
type Profile struct {
	// Buckets is the ascending size bucket table.
	Buckets []int

	// JitterMax is the upper bound of the per-packet pre-send delay.
	JitterMax time.Duration

	// seed keys the padding keystream for this request.
	seed [32]byte
}

func (p *Profile) validate() error {
	if p == nil {
		return fmt.Errorf("%w: nil profile", ErrProfileInvalid)
	}
	if len(p.Buckets) == 0 {
		return fmt.Errorf("%w: empty bucket table", ErrProfileInvalid)
	}
	prev := 0
	for _, b := range p.Buckets {
		if b <= prev {
			return fmt.Errorf("%w: bucket table not strictly ascending", ErrProfileInvalid)
		}
		prev = b
	}
	if p.JitterMax < 0 {
		return fmt.Errorf("%w: negative jitter bound", ErrProfileInvalid)
	}
	var zero [32]byte
	if p.seed == zero {
		return fmt.Errorf("%w: unkeyed padding seed", ErrProfileInvalid)
	}
	return nil
}

// bucketFor returns the frame size to pad to for a frame of n bytes.
func (p *Profile) bucketFor(n int) int {
	for _, b := range p.Buckets {
		if n <= b {
			return b
		}
	}
	last := p.Buckets[len(p.Buckets)-1]
	return ((n + last - 1) / last) * last
}
