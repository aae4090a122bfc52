// SPDX-FileCopyrightText: Copyright (C) 2025 the forloop developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package identity synthesizes per-navigation fingerprint identities from
// a curated table of mutually-consistent browser profiles.
package identity

import (
	"fmt"
)

// Screen is a spoofed screen geometry bucket.
type Screen struct {
	// Width is the reported screen width in pixels.
	Width int

	// Height is the reported screen height in pixels.
	Height int

	// ColorDepth is the reported color depth in bits.
	ColorDepth int

	// PixelRatio is the reported device pixel ratio.
	PixelRatio int
}

func (s Screen) String() string {
	return fmt.Sprintf("%dx%dx%d@%d", s.Width, s.Height, s.ColorDepth, s.PixelRatio)
}

// Identity is a self-consistent bundle of fingerprint-relevant values.
// It is owned by exactly one navigation and must be treated as read-only
// once synthesized; sub-resource requests share the same instance.
type Identity struct {
	// UserAgent is the synthetic User-Agent string.
	UserAgent string

	// AcceptLanguage is the Accept-Language header value.
	AcceptLanguage string

	// Platform is the navigator.platform value.
	Platform string

	// Screen is the screen geometry bucket.
	Screen Screen

	// HardwareConcurrency is the reported logical CPU core count.
	HardwareConcurrency int

	// DeviceMemory is the reported device memory in GiB.
	DeviceMemory int

	// TimezoneOffset is the reported offset from UTC in minutes.
	TimezoneOffset int

	// CanvasSeed keys the canvas noise generator.
	CanvasSeed uint64

	// WebGLSeed keys the WebGL noise generator.
	WebGLSeed uint64

	// AudioSeed keys the AudioContext noise generator.
	AudioSeed uint64
}

// Equal returns true if the two identities are field-for-field identical.
func (id *Identity) Equal(other *Identity) bool {
	if id == nil || other == nil {
		return id == other
	}
	return *id == *other
}

func (id *Identity) String() string {
	return fmt.Sprintf("identity{%s %s tz=%d}", id.Platform, id.Screen, id.TimezoneOffset)
}
