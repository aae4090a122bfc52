// SPDX-FileCopyrightText: Copyright (C) 2025 the forloop developers
// SPDX-License-Identifier: AGPL-3.0-only

package retry

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDelayGrowsExponentially(t *testing.T) {
	require.Equal(t, 100*time.Millisecond, Delay(100*time.Millisecond, 10*time.Second, 0, 0))
	require.Equal(t, 200*time.Millisecond, Delay(100*time.Millisecond, 10*time.Second, 0, 1))
	require.Equal(t, 400*time.Millisecond, Delay(100*time.Millisecond, 10*time.Second, 0, 2))
}

func TestDelayCapped(t *testing.T) {
	require.Equal(t, 2*time.Second, Delay(time.Second, 2*time.Second, 0, 5))
}

func TestDelayJitterBounds(t *testing.T) {
	base := 100 * time.Millisecond
	for i := 0; i < 32; i++ {
		d := Delay(base, 10*time.Second, 0.2, 0)
		require.GreaterOrEqual(t, d, 80*time.Millisecond)
		require.LessOrEqual(t, d, 120*time.Millisecond)
	}
}

func TestPolicyExhausted(t *testing.T) {
	p := &Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Second}
	require.False(t, p.Exhausted(0))
	require.False(t, p.Exhausted(2))
	require.True(t, p.Exhausted(3))
}

func TestIsTransientError(t *testing.T) {
	require.False(t, IsTransientError(nil))
	require.True(t, IsTransientError(errors.New("connection refused")))
	require.True(t, IsTransientError(errors.New("read tcp: i/o timeout")))
	require.True(t, IsTransientError(errors.New("relay handshake failure")))
	require.False(t, IsTransientError(errors.New("descriptor malformed")))
}
