// SPDX-FileCopyrightText: Copyright (C) 2025 the forloop developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package retry provides shared bounded retry logic with exponential
// backoff for network operations.
package retry

import (
	"math"
	"net"
	"strings"
	"time"

	"github.com/forloop/veil/core/rand"
)

// Default retry configuration constants.
const (
	// DefaultMaxAttempts is the default maximum number of attempts.
	DefaultMaxAttempts = 3

	// DefaultBaseDelay is the default base delay between retries.
	DefaultBaseDelay = 500 * time.Millisecond

	// DefaultMaxDelay is the default maximum delay between retries.
	DefaultMaxDelay = 10 * time.Second

	// DefaultJitter is the default jitter factor (0.0 to 1.0).
	DefaultJitter = 0.2
)

// Policy is a bounded retry policy.  The zero value is not valid, use
// NewPolicy.
type Policy struct {
	// MaxAttempts is the maximum number of attempts, inclusive of the
	// initial one.
	MaxAttempts int

	// BaseDelay is the backoff delay before the second attempt.
	BaseDelay time.Duration

	// MaxDelay caps the backoff delay.
	MaxDelay time.Duration

	// Jitter is the multiplicative jitter factor applied to each delay.
	Jitter float64
}

// NewPolicy returns a Policy populated with the package defaults.
func NewPolicy() *Policy {
	return &Policy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		Jitter:      DefaultJitter,
	}
}

// Delay returns the backoff delay to apply after the given zero-based
// attempt number.
func (p *Policy) Delay(attempt int) time.Duration {
	return Delay(p.BaseDelay, p.MaxDelay, p.Jitter, attempt)
}

// Exhausted returns true if the given zero-based attempt number is past
// the policy bound.
func (p *Policy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}

// Delay calculates the delay for a given retry attempt using exponential
// backoff with jitter.
func Delay(baseDelay, maxDelay time.Duration, jitter float64, attempt int) time.Duration {
	delay := float64(baseDelay) * math.Pow(2, float64(attempt))

	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}

	if jitter > 0 {
		r := rand.NewMath()
		jitterFactor := 1 - jitter + r.Float64()*2*jitter
		delay *= jitterFactor
	}

	return time.Duration(delay)
}

// IsTransientError returns true if the error is likely transient and worth
// retrying.  This includes network timeouts, connection refused, connection
// reset, etc.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}

	transientPatterns := []string{
		"connection refused",
		"connection reset",
		"connection timed out",
		"timeout",
		"temporary failure",
		"no route to host",
		"network is unreachable",
		"i/o timeout",
		"eof",
		"broken pipe",
		"connection closed",
		"handshake failure",
	}

	lowerErr := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(lowerErr, pattern) {
			return true
		}
	}

	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return true
	}

	return false
}
