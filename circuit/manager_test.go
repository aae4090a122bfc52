// SPDX-FileCopyrightText: Copyright (C) 2025 the forloop developers
// SPDX-License-Identifier: AGPL-3.0-only

package circuit

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/forloop/veil/config"
	"github.com/forloop/veil/core/log"
	"github.com/forloop/veil/relay"
	"github.com/forloop/veil/transport"
)

func testCircuitConfig() *config.Circuit {
	cfg := config.Default()
	cfg.Circuit.RetryBound = 3
	cfg.Circuit.BackoffBaseMsec = 1
	cfg.Circuit.BackoffCapMsec = 5
	cfg.Circuit.HandshakeTimeout = 2
	cfg.Circuit.WarmEntries = 0
	return cfg.Circuit
}

func testDirectory(guards, middles, exits int) *relay.Directory {
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
	for i := 0; i < guards; i++ {
		add(fmt.Sprintf("guard%d", i), relay.FlagGuard)
	}
	for i := 0; i < middles; i++ {
		add(fmt.Sprintf("middle%d", i), 0)
	}
	for i := 0; i < exits; i++ {
		add(fmt.Sprintf("exit%d", i), relay.FlagExit)
	}
	return dir
}

func newTestManager(t *testing.T, cfg *config.Circuit, dir *relay.Directory) (*Manager, *transport.Loopback) {
	client := transport.NewLoopback()
	m, err := New(cfg, client, dir, log.NewForTest())
	require.NoError(t, err)
	t.Cleanup(m.Halt)
	return m, client
}

func TestAllocateBuildsThreeHopPath(t *testing.T) {
	m, _ := newTestManager(t, testCircuitConfig(), testDirectory(2, 4, 2))

	c, err := m.Allocate(context.Background(), nil)
	require.NoError(t, err)
	defer m.Release(c)

	require.Len(t, c.Hops(), 3)
	require.True(t, c.Guard().Flags.IsGuard())
	require.True(t, c.Exit().Flags.IsExit())
	require.NotEqual(t, c.Guard().IdentityHash, c.Middle().IdentityHash)
	require.NotEqual(t, c.Middle().IdentityHash, c.Exit().IdentityHash)
	require.Equal(t, 1, m.LiveCount())
}

func TestAllocateRetriesUntilBoundExhausted(t *testing.T) {
	m, client := newTestManager(t, testCircuitConfig(), testDirectory(2, 4, 2))
	client.FailNext(100, errors.New("relay handshake failure"))

	_, err := m.Allocate(context.Background(), nil)
	require.ErrorIs(t, err, ErrUnavailable)

	// The number of handshake attempts equals the configured bound.
	require.Equal(t, 3, client.OpenAttempts())
	require.Equal(t, 0, m.LiveCount())
}

func TestAllocateSucceedsAfterTransientFailures(t *testing.T) {
	m, client := newTestManager(t, testCircuitConfig(), testDirectory(2, 4, 2))
	client.FailNext(2, errors.New("connection reset"))

	c, err := m.Allocate(context.Background(), nil)
	require.NoError(t, err)
	defer m.Release(c)
	require.Equal(t, 3, client.OpenAttempts())
}

func TestLiveCircuitsAreDisjoint(t *testing.T) {
	m, _ := newTestManager(t, testCircuitConfig(), testDirectory(2, 6, 4))

	c1, err := m.Allocate(context.Background(), nil)
	require.NoError(t, err)
	defer m.Release(c1)

	c2, err := m.Allocate(context.Background(), nil)
	require.NoError(t, err)
	defer m.Release(c2)

	require.NotEqual(t, c1.Middle().IdentityHash, c2.Middle().IdentityHash)
	require.NotEqual(t, c1.Exit().IdentityHash, c2.Exit().IdentityHash)
}

func TestSequentialCircuitsAreDisjoint(t *testing.T) {
	m, _ := newTestManager(t, testCircuitConfig(), testDirectory(2, 6, 4))

	c1, err := m.Allocate(context.Background(), nil)
	require.NoError(t, err)
	m1, e1 := c1.Middle().IdentityHash, c1.Exit().IdentityHash
	m.Release(c1)

	c2, err := m.Allocate(context.Background(), nil)
	require.NoError(t, err)
	defer m.Release(c2)

	require.NotEqual(t, m1, c2.Middle().IdentityHash)
	require.NotEqual(t, e1, c2.Exit().IdentityHash)
}

func TestSmallPoolRelaxesDisjointness(t *testing.T) {
	// With a single exit, liveness wins over disjointness.
	m, _ := newTestManager(t, testCircuitConfig(), testDirectory(2, 3, 1))

	c1, err := m.Allocate(context.Background(), nil)
	require.NoError(t, err)
	defer m.Release(c1)

	c2, err := m.Allocate(context.Background(), nil)
	require.NoError(t, err)
	defer m.Release(c2)

	require.Equal(t, c1.Exit().IdentityHash, c2.Exit().IdentityHash)
}

func TestReleaseIsIdempotent(t *testing.T) {
	m, _ := newTestManager(t, testCircuitConfig(), testDirectory(2, 4, 2))

	c, err := m.Allocate(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, 1, m.LiveCount())

	m.Release(c)
	m.Release(c)
	m.Release(nil)
	require.Equal(t, 0, m.LiveCount())

	// The underlying connection is gone.
	require.Error(t, c.Send(context.Background(), []byte("x")))
}

func TestAllocateAbortsOnCancellation(t *testing.T) {
	m, client := newTestManager(t, testCircuitConfig(), testDirectory(2, 4, 2))
	client.HandshakeDelay = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := m.Allocate(ctx, nil)
	require.ErrorIs(t, err, context.Canceled)
	require.Less(t, time.Since(start), 500*time.Millisecond)
	require.Equal(t, 0, m.LiveCount())
	require.Empty(t, client.OpenedPaths())
}

func TestAllocateExitPolicyHonored(t *testing.T) {
	m, _ := newTestManager(t, testCircuitConfig(), testDirectory(2, 4, 2))

	// No exit in the pool accepts port 25, so allocation must fail
	// closed after the retry bound.
	_, err := m.Allocate(context.Background(), &Hint{Port: 25})
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestAllocateWithoutDirectory(t *testing.T) {
	client := transport.NewLoopback()
	m, err := New(testCircuitConfig(), client, nil, log.NewForTest())
	require.NoError(t, err)
	defer m.Halt()

	_, err = m.Allocate(context.Background(), nil)
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestWarmGuardsPreferred(t *testing.T) {
	cfg := testCircuitConfig()
	cfg.WarmEntries = 2
	m, client := newTestManager(t, cfg, testDirectory(2, 4, 2))

	// Wait for the warm worker to establish its guard connections.
	require.Eventually(t, func() bool {
		return client.OpenAttempts() >= 2
	}, time.Second, 5*time.Millisecond)

	c, err := m.Allocate(context.Background(), nil)
	require.NoError(t, err)
	defer m.Release(c)
	require.True(t, c.Guard().Flags.IsGuard())
}
