// SPDX-FileCopyrightText: Copyright (C) 2025 the forloop developers
// SPDX-License-Identifier: AGPL-3.0-only

package shaping

import (
	"context"
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20"
	"gopkg.in/op/go-logging.v1"

	"github.com/forloop/veil/core/log"
	"github.com/forloop/veil/core/rand"
	"github.com/forloop/veil/identity"
)

const frameVersion = 1

// frameHeader precedes the payload inside every shaped frame.
type frameHeader struct {
	Version uint8  `cbor:"v"`
	Length  uint32 `cbor:"n"`
	Nonce   []byte `cbor:"x"`
}

// Shaper plans and applies per-request traffic shaping profiles.
type Shaper struct {
	buckets   []int
	jitterMax time.Duration
	entropy   io.Reader
	log       *logging.Logger
}

// New creates a Shaper.  buckets must be strictly ascending; a nil slice
// selects DefaultBuckets.
func New(buckets []int, jitterMax time.Duration, logBackend *log.Backend) (*Shaper, error) {
	if buckets == nil {
		buckets = DefaultBuckets
	}
	if jitterMax < 0 {
		return nil, fmt.Errorf("%w: negative jitter bound", ErrProfileInvalid)
	}
	prev := 0
	for _, b := range buckets {
		if b <= prev {
			return nil, fmt.Errorf("%w: bucket table not strictly ascending", ErrProfileInvalid)
		}
		prev = b
	}
	bs := make([]int, len(buckets))
	copy(bs, buckets)
	return &Shaper{
		buckets:   bs,
		jitterMax: jitterMax,
		entropy:   crand.Reader,
		log:       logBackend.GetLogger("shaping"),
	}, nil
}

// Plan samples a fresh shaping profile for one request.  The identity is
// required because planning happens strictly after identity assignment,
// but the profile is sampled independently of it: tying transport shaping
// to the navigation identity would link sub-resource requests.
func (s *Shaper) Plan(id *identity.Identity) (*Profile, error) {
	if id == nil {
		return nil, fmt.Errorf("%w: profile planned before identity assignment", ErrProfileInvalid)
	}
	p := &Profile{
		Buckets:   s.buckets,
		JitterMax: s.jitterMax,
	}
	if _, err := io.ReadFull(s.entropy, p.seed[:]); err != nil {
		return nil, fmt.Errorf("%w: seed entropy: %v", ErrProfileInvalid, err)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// ApplyOutbound wraps payload into a shaped frame padded up to the
// profile's size bucket.
func (s *Shaper) ApplyOutbound(p *Profile, payload []byte) ([]byte, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	nonce := make([]byte, chacha20.NonceSize)
	if _, err := io.ReadFull(s.entropy, nonce); err != nil {
		return nil, fmt.Errorf("%w: nonce entropy: %v", ErrProfileInvalid, err)
	}

	hdr, err := cbor.Marshal(&frameHeader{
		Version: frameVersion,
		Length:  uint32(len(payload)),
		Nonce:   nonce,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: header encoding: %v", ErrProfileInvalid, err)
	}

	used := 2 + len(hdr) + len(payload)
	total := p.bucketFor(used)

	frame := make([]byte, total)
	binary.BigEndian.PutUint16(frame[0:2], uint16(len(hdr)))
	copy(frame[2:], hdr)
	copy(frame[2+len(hdr):], payload)

	// Fill the tail with keystream bytes so padding is indistinguishable
	// from ciphertext.
	pad := frame[used:]
	if len(pad) > 0 {
		c, err := chacha20.NewUnauthenticatedCipher(p.seed[:], nonce)
		if err != nil {
			return nil, fmt.Errorf("%w: padding cipher: %v", ErrProfileInvalid, err)
		}
		c.XORKeyStream(pad, pad)
	}

	s.log.Debugf("Shaped %d byte payload into %d byte frame", len(payload), total)
	return frame, nil
}

// StripInbound exactly inverts ApplyOutbound, recovering the payload from
// a shaped frame.
func (s *Shaper) StripInbound(p *Profile, frame []byte) ([]byte, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	if len(frame) < 2 {
		return nil, fmt.Errorf("%w: truncated frame", ErrProfileInvalid)
	}
	hdrLen := int(binary.BigEndian.Uint16(frame[0:2]))
	if 2+hdrLen > len(frame) {
		return nil, fmt.Errorf("%w: header length exceeds frame", ErrProfileInvalid)
	}

	var hdr frameHeader
	if err := cbor.Unmarshal(frame[2:2+hdrLen], &hdr); err != nil {
		return nil, fmt.Errorf("%w: header decoding: %v", ErrProfileInvalid, err)
	}
	if hdr.Version != frameVersion {
		return nil, fmt.Errorf("%w: unknown frame version %d", ErrProfileInvalid, hdr.Version)
	}

	start := 2 + hdrLen
	end := start + int(hdr.Length)
	if end > len(frame) {
		return nil, fmt.Errorf("%w: payload length exceeds frame", ErrProfileInvalid)
	}

	payload := make([]byte, hdr.Length)
	copy(payload, frame[start:end])
	return payload, nil
}

// Delay draws the pre-send delay for one packet, uniform in
// [0, JitterMax].  The delay is sampled independently per packet; a fixed
// per-request offset would be a detectable constant.
func (s *Shaper) Delay(p *Profile) time.Duration {
	if p.JitterMax <= 0 {
		return 0
	}
	rng := rand.NewMath()
	return time.Duration(rng.Int63n(int64(p.JitterMax) + 1))
}

// Wait applies one sampled pre-send delay, honoring ctx cancellation.
func (s *Shaper) Wait(ctx context.Context, p *Profile) error {
	d := s.Delay(p)
	if d == 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
