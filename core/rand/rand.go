// SPDX-FileCopyrightText: Copyright (C) 2025 the forloop developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package rand provides math/rand sources seeded from the system entropy
// pool, along with distribution helpers used for timing obfuscation.
package rand

import (
	"crypto/rand"
	"encoding/binary"
	"math"
	mrand "math/rand"
)

// NewMath returns a math/rand Rand instance seeded from the cryptographic
// random number source.  The returned Rand is NOT suitable for key
// material, only for non-security-critical sampling such as relay
// selection weights and jitter intervals.
func NewMath() *mrand.Rand {
	var seed [8]byte
	if _, err := rand.Read(seed[:]); err != nil {
		panic("rand: failed to read entropy pool: " + err.Error())
	}
	return mrand.New(mrand.NewSource(int64(binary.BigEndian.Uint64(seed[:]))))
}

// Exp returns a value drawn from an exponential distribution with the
// provided rate parameter lambda, in milliseconds.
func Exp(rng *mrand.Rand, lambda float64) float64 {
	return rng.ExpFloat64() / lambda
}

// Uint64 returns a uniformly distributed uint64 read from the
// cryptographic random number source.
func Uint64() (uint64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

// Intn returns a uniformly distributed integer in [0, n) read from the
// cryptographic random number source.  n must be greater than zero.
func Intn(n int) (int, error) {
	if n <= 0 {
		panic("rand: Intn called with non-positive bound")
	}
	// Rejection sample to avoid modulo bias.
	max := math.MaxUint64 - (math.MaxUint64 % uint64(n))
	for {
		v, err := Uint64()
		if err != nil {
			return 0, err
		}
		if v < max {
			return int(v % uint64(n)), nil
		}
	}
}
