// SPDX-FileCopyrightText: Copyright (C) 2025 the forloop developers
// SPDX-License-Identifier: AGPL-3.0-only

package session

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/forloop/veil/circuit"
	"github.com/forloop/veil/config"
	"github.com/forloop/veil/core/log"
	"github.com/forloop/veil/identity"
	"github.com/forloop/veil/relay"
	"github.com/forloop/veil/shaping"
	"github.com/forloop/veil/transport"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Circuit.RetryBound = 3
	cfg.Circuit.BackoffBaseMsec = 1
	cfg.Circuit.BackoffCapMsec = 5
	cfg.Circuit.WarmEntries = 0
	cfg.Shaping.JitterMaxMsec = 1
	return cfg
}

func testDirectory() *relay.Directory {
	dir := &relay.Directory{Epoch: 1}
	add := func(name string, flags relay.Flags) {
		d := &relay.Descriptor{
			Name:      name,
			Addresses: []string{"192.0.2.1:9001"},
			Bandwidth: 1000,
			Stability: 0.9,
			Flags:     flags,
		}
		copy(d.IdentityHash[:], name)
		if flags.IsExit() {
			d.ExitPolicy = relay.ExitPolicy{
				AcceptPorts: []relay.PortRange{{Low: 80, High: 80}, {Low: 443, High: 443}},
			}
		}
		dir.Relays = append(dir.Relays, d)
	}
	for i := 0; i < 2; i++ {
		add(fmt.Sprintf("guard%d", i), relay.FlagGuard)
	}
	for i := 0; i < 6; i++ {
		add(fmt.Sprintf("middle%d", i), 0)
	}
	for i := 0; i < 4; i++ {
		add(fmt.Sprintf("exit%d", i), relay.FlagExit)
	}
	return dir
}

func newTestSession(t *testing.T, cfg *config.Config, table []identity.Profile, entropy io.Reader) (*Session, *transport.Loopback) {
	backend := log.NewForTest()
	client := transport.NewLoopback()

	mgr, err := circuit.New(cfg.Circuit, client, testDirectory(), backend)
	require.NoError(t, err)
	t.Cleanup(mgr.Halt)

	synth, err := identity.NewSynthesizer(table, entropy, backend)
	require.NoError(t, err)

	shaper, err := shaping.New(cfg.Shaping.SizeBuckets, cfg.Shaping.JitterMax(), backend)
	require.NoError(t, err)

	s := New(cfg, mgr, synth, shaper, backend)
	t.Cleanup(s.Halt)
	return s, client
}

func waitEvent(t *testing.T, h *Handle) Event {
	select {
	case ev := <-h.Events():
		return ev
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for terminal event")
		return nil
	}
}

func waitReleased(t *testing.T, s *Session) {
	require.Eventually(t, func() bool {
		return s.InFlightCount() == 0
	}, 5*time.Second, time.Millisecond)
}

func TestTopLevelRequestCompletes(t *testing.T) {
	s, _ := newTestSession(t, testConfig(), identity.DefaultTable(), rand.Reader)

	h, err := s.Submit("https://example.com/", "nav-1", true)
	require.NoError(t, err)

	bundle, ok := <-h.Identity()
	require.True(t, ok)
	require.NotNil(t, bundle.Identity)
	require.NotEmpty(t, bundle.Capabilities["navigator.userAgent"])

	ev := waitEvent(t, h)
	done, ok := ev.(*CompletedEvent)
	require.True(t, ok, "unexpected event %v", ev)

	// The echoed payload is the shaped HTTP request, so navigation
	// coherence is observable on the wire.
	require.True(t, bytes.Contains(done.Payload, []byte("GET / HTTP/1.1")))
	require.True(t, bytes.Contains(done.Payload, []byte(bundle.Identity.UserAgent)))

	waitReleased(t, s)
	require.Equal(t, StateReleased, h.State())
	require.Equal(t, 0, s.circuits.LiveCount())
}

func TestSequentialNavigationsAreUnlinkable(t *testing.T) {
	s, client := newTestSession(t, testConfig(), identity.DefaultTable(), rand.Reader)

	h1, err := s.Submit("https://example.com/", "nav-1", true)
	require.NoError(t, err)
	b1, ok := <-h1.Identity()
	require.True(t, ok)
	_, isDone := waitEvent(t, h1).(*CompletedEvent)
	require.True(t, isDone)
	waitReleased(t, s)

	h2, err := s.Submit("https://example.com/", "nav-2", true)
	require.NoError(t, err)
	b2, ok := <-h2.Identity()
	require.True(t, ok)
	_, isDone = waitEvent(t, h2).(*CompletedEvent)
	require.True(t, isDone)
	waitReleased(t, s)

	// Fresh fingerprint seeds per navigation.
	require.NotEqual(t, b1.Identity.CanvasSeed, b2.Identity.CanvasSeed)
	require.NotEqual(t, b1.Identity.WebGLSeed, b2.Identity.WebGLSeed)

	// Middle and exit relays are disjoint across the two navigations.
	paths := client.OpenedPaths()
	require.Len(t, paths, 2)
	require.NotEqual(t, paths[0][1].IdentityHash, paths[1][1].IdentityHash)
	require.NotEqual(t, paths[0][2].IdentityHash, paths[1][2].IdentityHash)
}

func TestSubResourceReusesNavigationIdentity(t *testing.T) {
	s, client := newTestSession(t, testConfig(), identity.DefaultTable(), rand.Reader)

	h1, err := s.Submit("https://example.com/", "nav-1", true)
	require.NoError(t, err)
	bundle, ok := <-h1.Identity()
	require.True(t, ok)
	_, isDone := waitEvent(t, h1).(*CompletedEvent)
	require.True(t, isDone)
	waitReleased(t, s)

	h2, err := s.Submit("https://example.com/logo.png", "nav-1", false)
	require.NoError(t, err)
	require.Nil(t, h2.Identity())

	ev := waitEvent(t, h2)
	done, isDone := ev.(*CompletedEvent)
	require.True(t, isDone, "unexpected event %v", ev)
	waitReleased(t, s)

	// Same identity as the owning navigation, observable in the headers.
	require.True(t, bytes.Contains(done.Payload, []byte(bundle.Identity.UserAgent)))
	require.True(t, bytes.Contains(done.Payload, []byte("Accept: image/avif,image/webp,*/*")))

	// But a fresh circuit of its own.
	paths := client.OpenedPaths()
	require.Len(t, paths, 2)
	require.NotEqual(t, paths[0][1].IdentityHash, paths[1][1].IdentityHash)
	require.NotEqual(t, paths[0][2].IdentityHash, paths[1][2].IdentityHash)
}

func TestSubResourceUnknownNavigationFailsClosed(t *testing.T) {
	s, _ := newTestSession(t, testConfig(), identity.DefaultTable(), rand.Reader)

	h, err := s.Submit("https://example.com/a.js", "nav-unknown", false)
	require.NoError(t, err)

	ev := waitEvent(t, h)
	failed, ok := ev.(*FailedEvent)
	require.True(t, ok, "unexpected event %v", ev)
	require.ErrorIs(t, failed.Err, ErrUnknownNavigation)

	waitReleased(t, s)
	require.Equal(t, 0, s.circuits.LiveCount())
}

func TestEndNavigationDropsIdentity(t *testing.T) {
	s, _ := newTestSession(t, testConfig(), identity.DefaultTable(), rand.Reader)

	h1, err := s.Submit("https://example.com/", "nav-1", true)
	require.NoError(t, err)
	<-h1.Identity()
	waitEvent(t, h1)
	waitReleased(t, s)

	s.EndNavigation("nav-1")

	h2, err := s.Submit("https://example.com/a.css", "nav-1", false)
	require.NoError(t, err)
	failed, ok := waitEvent(t, h2).(*FailedEvent)
	require.True(t, ok)
	require.ErrorIs(t, failed.Err, ErrUnknownNavigation)
}

func TestCircuitFailureFailsClosed(t *testing.T) {
	s, client := newTestSession(t, testConfig(), identity.DefaultTable(), rand.Reader)
	client.FailNext(100, errors.New("relay handshake failure"))

	h, err := s.Submit("https://example.com/", "nav-1", true)
	require.NoError(t, err)

	failed, ok := waitEvent(t, h).(*FailedEvent)
	require.True(t, ok)
	require.ErrorIs(t, failed.Err, circuit.ErrUnavailable)

	waitReleased(t, s)

	// No identity escapes a failed request.
	_, delivered := <-h.Identity()
	require.False(t, delivered)
	require.Equal(t, 0, s.circuits.LiveCount())
}

func TestIdentityFailureFailsClosed(t *testing.T) {
	// Empty allow-list table: synthesis must fail and the request must
	// terminate without sending a byte.
	s, _ := newTestSession(t, testConfig(), nil, rand.Reader)

	h, err := s.Submit("https://example.com/", "nav-1", true)
	require.NoError(t, err)

	failed, ok := waitEvent(t, h).(*FailedEvent)
	require.True(t, ok)
	require.ErrorIs(t, failed.Err, identity.ErrGenerationFailure)

	waitReleased(t, s)
	_, delivered := <-h.Identity()
	require.False(t, delivered)
	require.Equal(t, 0, s.circuits.LiveCount())
}

func TestCancellationMidAllocation(t *testing.T) {
	s, client := newTestSession(t, testConfig(), identity.DefaultTable(), rand.Reader)
	client.HandshakeDelay = time.Second

	h, err := s.Submit("https://example.com/", "nav-1", true)
	require.NoError(t, err)
	h.Cancel()

	ev := waitEvent(t, h)
	cev, cancelled := ev.(*CancelledEvent)
	require.True(t, cancelled, "unexpected event %v", ev)
	require.ErrorIs(t, cev.Err(), ErrRequestCancelled)

	waitReleased(t, s)
	require.Equal(t, StateReleased, h.State())
	require.Equal(t, 0, s.circuits.LiveCount())

	// The identity channel closes without ever delivering a bundle.
	_, delivered := <-h.Identity()
	require.False(t, delivered)
}

func TestCancelAfterCompletionIsHarmless(t *testing.T) {
	s, _ := newTestSession(t, testConfig(), identity.DefaultTable(), rand.Reader)

	h, err := s.Submit("https://example.com/", "nav-1", true)
	require.NoError(t, err)
	<-h.Identity()
	_, ok := waitEvent(t, h).(*CompletedEvent)
	require.True(t, ok)
	waitReleased(t, s)

	h.Cancel()
	require.Equal(t, StateReleased, h.State())
}

func TestSubmitRejectsMalformedRequests(t *testing.T) {
	s, _ := newTestSession(t, testConfig(), identity.DefaultTable(), rand.Reader)

	_, err := s.Submit("not a uri", "nav-1", true)
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, err = s.Submit("/relative/path", "nav-1", true)
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, err = s.Submit("https://example.com/", "", true)
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestSubmitAfterHalt(t *testing.T) {
	s, _ := newTestSession(t, testConfig(), identity.DefaultTable(), rand.Reader)
	s.Halt()

	_, err := s.Submit("https://example.com/", "nav-1", true)
	require.ErrorIs(t, err, ErrHalted)
}

func TestHaltCancelsInFlight(t *testing.T) {
	s, client := newTestSession(t, testConfig(), identity.DefaultTable(), rand.Reader)
	client.HandshakeDelay = time.Second

	h, err := s.Submit("https://example.com/", "nav-1", true)
	require.NoError(t, err)

	s.Halt()

	_, cancelled := waitEvent(t, h).(*CancelledEvent)
	require.True(t, cancelled)
	require.Equal(t, 0, s.circuits.LiveCount())
}
