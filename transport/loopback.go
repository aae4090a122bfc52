// SPDX-FileCopyrightText: Copyright (C) 2025 the forloop developers
// SPDX-License-Identifier: AGPL-3.0-only

package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/forloop/veil/relay"
)

// ErrConnClosed is returned on use of a closed loopback connection.
var ErrConnClosed = errors.New("transport: connection closed")

// Loopback is an in-memory Client used by tests and the demo daemon.
// Frames sent on a loopback connection are echoed back by Recv, optionally
// transformed by a handler.
type Loopback struct {
	sync.Mutex

	// HandshakeDelay simulates per-hop handshake latency.
	HandshakeDelay time.Duration

	handler    func([]byte) []byte
	failures   int
	failureErr error
	attempts   int
	opened     [][]*relay.Descriptor
}

// NewLoopback creates a Loopback transport.
func NewLoopback() *Loopback {
	return &Loopback{}
}

// SetHandler installs a frame transformation applied between Send and the
// matching Recv.  The default is an identity transform.
func (l *Loopback) SetHandler(fn func([]byte) []byte) {
	l.Lock()
	defer l.Unlock()
	l.handler = fn
}

// FailNext makes the next n OpenPath calls fail with err.
func (l *Loopback) FailNext(n int, err error) {
	l.Lock()
	defer l.Unlock()
	l.failures = n
	l.failureErr = err
}

// OpenedPaths returns the hop sets of every successful OpenPath call, in
// order.
func (l *Loopback) OpenedPaths() [][]*relay.Descriptor {
	l.Lock()
	defer l.Unlock()
	out := make([][]*relay.Descriptor, len(l.opened))
	copy(out, l.opened)
	return out
}

// OpenAttempts returns the total number of OpenPath calls, including
// failed ones.
func (l *Loopback) OpenAttempts() int {
	l.Lock()
	defer l.Unlock()
	return l.attempts
}

// OpenPath implements Client.
func (l *Loopback) OpenPath(ctx context.Context, hops []*relay.Descriptor) (Conn, error) {
	l.Lock()
	l.attempts++
	delay := l.HandshakeDelay
	if l.failures > 0 {
		l.failures--
		err := l.failureErr
		l.Unlock()
		if err == nil {
			err = errors.New("transport: simulated handshake failure")
		}
		return nil, err
	}
	l.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.Lock()
	path := make([]*relay.Descriptor, len(hops))
	copy(path, hops)
	l.opened = append(l.opened, path)
	handler := l.handler
	l.Unlock()

	return &loopbackConn{
		handler: handler,
		queue:   make(chan []byte, 16),
		done:    make(chan struct{}),
	}, nil
}

type loopbackConn struct {
	handler   func([]byte) []byte
	queue     chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (c *loopbackConn) Send(ctx context.Context, frame []byte) error {
	out := make([]byte, len(frame))
	copy(out, frame)
	if c.handler != nil {
		out = c.handler(out)
	}

	// A select with a ready queue case would race the done case; check
	// the closed state first so Send after Close always errors.
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	select {
	case <-c.done:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	case c.queue <- out:
		return nil
	}
}

func (c *loopbackConn) Recv(ctx context.Context) ([]byte, error) {
	select {
	case <-c.done:
		return nil, ErrConnClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case frame := <-c.queue:
		return frame, nil
	}
}

func (c *loopbackConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}
