// SPDX-FileCopyrightText: Copyright (C) 2025 the forloop developers
// SPDX-License-Identifier: AGPL-3.0-only

package identity

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"gopkg.in/op/go-logging.v1"

	"github.com/forloop/veil/core/log"
)

// ErrGenerationFailure is returned when an identity cannot be synthesized.
// Callers MUST treat it as fatal to the navigation; substituting a fixed
// default identity would itself become a super-fingerprint.
var ErrGenerationFailure = errors.New("identity: generation failure")

// Synthesizer draws identities from a profile allow-list using an
// external entropy source.
type Synthesizer struct {
	table   []Profile
	entropy io.Reader
	log     *logging.Logger
}

// NewSynthesizer creates a Synthesizer.  The table is copied; entropy is
// typically crypto/rand.Reader.
func NewSynthesizer(table []Profile, entropy io.Reader, logBackend *log.Backend) (*Synthesizer, error) {
	for i := range table {
		if !table[i].validate() {
			return nil, fmt.Errorf("%w: malformed profile at index %d", ErrGenerationFailure, i)
		}
	}
	t := make([]Profile, len(table))
	copy(t, table)
	return &Synthesizer{
		table:   t,
		entropy: entropy,
		log:     logBackend.GetLogger("identity"),
	}, nil
}

// Synthesize produces a fresh identity for one top-level navigation.  It
// fails closed: an empty allow-list or entropy failure yields
// ErrGenerationFailure, never a default identity.
func (s *Synthesizer) Synthesize() (*Identity, error) {
	if len(s.table) == 0 {
		return nil, fmt.Errorf("%w: profile allow-list is empty", ErrGenerationFailure)
	}

	idx, err := s.draw(len(s.table))
	if err != nil {
		return nil, fmt.Errorf("%w: entropy source: %v", ErrGenerationFailure, err)
	}
	p := &s.table[idx]

	tzIdx, err := s.draw(len(p.TimezoneOffsets))
	if err != nil {
		return nil, fmt.Errorf("%w: entropy source: %v", ErrGenerationFailure, err)
	}

	canvasSeed, err := s.seed()
	if err != nil {
		return nil, err
	}
	webglSeed, err := s.seed()
	if err != nil {
		return nil, err
	}
	audioSeed, err := s.seed()
	if err != nil {
		return nil, err
	}

	id := &Identity{
		UserAgent:      p.UserAgent,
		AcceptLanguage: p.AcceptLanguage,
		Platform:       p.Platform,
		Screen: Screen{
			Width:      p.ScreenWidth,
			Height:     p.ScreenHeight,
			ColorDepth: p.ColorDepth,
			PixelRatio: p.PixelRatio,
		},
		HardwareConcurrency: p.HardwareConcurrency,
		DeviceMemory:        p.DeviceMemory,
		TimezoneOffset:      p.TimezoneOffsets[tzIdx],
		CanvasSeed:          canvasSeed,
		WebGLSeed:           webglSeed,
		AudioSeed:           audioSeed,
	}
	s.log.Debugf("Synthesized %s", id)
	return id, nil
}

// draw returns a uniform index in [0, n) from the entropy source.
func (s *Synthesizer) draw(n int) (int, error) {
	if n <= 0 {
		return 0, errors.New("empty selection set")
	}
	var b [8]byte
	if _, err := io.ReadFull(s.entropy, b[:]); err != nil {
		return 0, err
	}
	return int(binary.BigEndian.Uint64(b[:]) % uint64(n)), nil
}

// seed returns a nonzero 64 bit noise seed from the entropy source.
func (s *Synthesizer) seed() (uint64, error) {
	var b [8]byte
	for {
		if _, err := io.ReadFull(s.entropy, b[:]); err != nil {
			return 0, fmt.Errorf("%w: entropy source: %v", ErrGenerationFailure, err)
		}
		if v := binary.BigEndian.Uint64(b[:]); v != 0 {
			return v, nil
		}
	}
}
