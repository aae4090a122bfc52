// SPDX-FileCopyrightText: Copyright (C) 2025 the forloop developers
// SPDX-License-Identifier: AGPL-3.0-only

package circuit

import (
	"context"
	"errors"
	"fmt"
	mrand "math/rand"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/forloop/veil/config"
	"github.com/forloop/veil/core/log"
	"github.com/forloop/veil/core/rand"
	"github.com/forloop/veil/core/retry"
	"github.com/forloop/veil/core/worker"
	"github.com/forloop/veil/relay"
	"github.com/forloop/veil/transport"
)

var (
	// ErrUnavailable is returned when the path construction retry bound
	// is exhausted.  The caller must abort fail-closed; there is no
	// unprotected fallback.
	ErrUnavailable = errors.New("circuit: unavailable, retry bound exhausted")

	// ErrNoDirectory is returned when no relay directory has been
	// supplied yet.
	ErrNoDirectory = errors.New("circuit: no relay directory")
)

// Hint carries the destination properties that constrain exit selection.
type Hint struct {
	// Port is the destination TCP port.
	Port uint16

	// WantIPv6 is set if the destination is an IPv6 literal.
	WantIPv6 bool
}

type warmEntry struct {
	guard *relay.Descriptor
	conn  transport.Conn
}

// Manager maintains the shared relay pool state and allocates one fresh
// circuit per request.
type Manager struct {
	worker.Worker

	cfg    *config.Circuit
	client transport.Client
	policy *retry.Policy
	log    *logging.Logger

	// mu serializes pool bookkeeping only.  Path handshakes for a given
	// request proceed without holding it, so allocation latency for one
	// request does not block another's.
	mu        sync.Mutex
	directory *relay.Directory
	live      map[uint64]*Circuit
	warm      []*warmEntry
	warmNext  int
	nextID    uint64

	// recentMiddle and recentExit record the previous allocation's relay
	// choices.  Excluding them alongside the live set keeps back to back
	// requests disjoint even when the first circuit is already released.
	recentMiddle [32]byte
	recentExit   [32]byte
	haveRecent   bool
}

// New creates a Manager over the given transport and relay directory.
// The directory may be updated later via SetDirectory.
func New(cfg *config.Circuit, client transport.Client, dir *relay.Directory, logBackend *log.Backend) (*Manager, error) {
	if dir != nil {
		if err := dir.Validate(); err != nil {
			return nil, err
		}
	}
	m := &Manager{
		cfg:    cfg,
		client: client,
		policy: &retry.Policy{
			MaxAttempts: cfg.RetryBound,
			BaseDelay:   cfg.BackoffBase(),
			MaxDelay:    cfg.BackoffCap(),
			Jitter:      retry.DefaultJitter,
		},
		log:       logBackend.GetLogger("circuit"),
		directory: dir,
		live:      make(map[uint64]*Circuit),
	}
	m.Go(m.warmWorker)
	return m, nil
}

// SetDirectory installs a new relay directory snapshot.
func (m *Manager) SetDirectory(dir *relay.Directory) error {
	if err := dir.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.directory = dir
	m.mu.Unlock()
	m.log.Noticef("Installed relay directory for epoch %d with %d relays", dir.Epoch, len(dir.Relays))
	return nil
}

// Allocate builds a fresh circuit for one request.  On mid-construction
// failure it retries with exponential backoff up to the configured bound,
// then returns ErrUnavailable.  Allocation is cooperatively abortable via
// ctx; a cancelled allocation releases anything partially acquired before
// returning.
func (m *Manager) Allocate(ctx context.Context, hint *Hint) (*Circuit, error) {
	if hint == nil {
		hint = &Hint{Port: 443}
	}

	var lastErr error
	for attempt := 0; !m.policy.Exhausted(attempt); attempt++ {
		if attempt > 0 {
			handshakeRetries.Inc()
			delay := m.policy.Delay(attempt - 1)
			m.log.Debugf("Backing off %v before attempt %d", delay, attempt+1)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-m.HaltCh():
				timer.Stop()
				return nil, ErrUnavailable
			case <-timer.C:
			}
		}

		c, err := m.attempt(ctx, hint)
		if err == nil {
			return c, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		m.log.Warningf("Path construction attempt %d failed: %v", attempt+1, err)
		lastErr = err
	}

	allocationFailures.Inc()
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrUnavailable, m.policy.MaxAttempts, lastErr)
}

// attempt performs one path selection and handshake.
func (m *Manager) attempt(ctx context.Context, hint *Hint) (*Circuit, error) {
	hops, err := m.selectPath(hint)
	if err != nil {
		return nil, err
	}

	hctx, cancel := context.WithTimeout(ctx, m.cfg.HandshakeDeadline())
	defer cancel()

	conn, err := m.client.OpenPath(hctx, hops)
	if err != nil {
		return nil, err
	}

	// The handshake can race a cancellation; never hand a circuit to a
	// request that is already being torn down.
	if err := ctx.Err(); err != nil {
		conn.Close()
		return nil, err
	}

	m.mu.Lock()
	m.nextID++
	c := &Circuit{
		id:   m.nextID,
		hops: hops,
		conn: conn,
		mgr:  m,
	}
	m.live[c.id] = c
	m.mu.Unlock()

	allocationsTotal.Inc()
	liveCircuits.Inc()
	m.log.Debugf("Allocated circuit %d: %v -> %v -> %v", c.id, c.Guard(), c.Middle(), c.Exit())
	return c, nil
}

// selectPath picks guard, middle and exit under the pool lock.  Middle
// and exit relays are chosen disjoint from every live circuit when an
// alternative exists; under a small relay pool the exclusion is relaxed
// rather than failing the request, enforcing "no accidental reuse" rather
// than provable impossibility of reuse.
func (m *Manager) selectPath(hint *Hint) ([]*relay.Descriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dir := m.directory
	if dir == nil || len(dir.Relays) == 0 {
		return nil, ErrNoDirectory
	}

	liveMiddles := make(map[[32]byte]bool)
	liveExits := make(map[[32]byte]bool)
	for _, c := range m.live {
		liveMiddles[c.Middle().IdentityHash] = true
		liveExits[c.Exit().IdentityHash] = true
	}
	if m.haveRecent {
		liveMiddles[m.recentMiddle] = true
		liveExits[m.recentExit] = true
	}

	rng := rand.NewMath()

	guard, err := m.pickGuard(rng, dir)
	if err != nil {
		return nil, fmt.Errorf("circuit: no usable guard: %v", err)
	}

	exclude := func(sets ...map[[32]byte]bool) map[[32]byte]bool {
		out := make(map[[32]byte]bool)
		for _, s := range sets {
			for k := range s {
				out[k] = true
			}
		}
		return out
	}
	self := map[[32]byte]bool{guard.IdentityHash: true}

	exits := dir.Exits(hint.Port, hint.WantIPv6)
	exit, err := relay.Pick(rng, exits, exclude(self, liveExits))
	if errors.Is(err, relay.ErrNoRelays) {
		m.log.Warningf("Exit pool too small for disjoint selection, relaxing live-set exclusion")
		exit, err = relay.Pick(rng, exits, self)
	}
	if err != nil {
		return nil, fmt.Errorf("circuit: no usable exit for port %d: %v", hint.Port, err)
	}
	self[exit.IdentityHash] = true

	middle, err := relay.Pick(rng, dir.Middles(), exclude(self, liveMiddles))
	if errors.Is(err, relay.ErrNoRelays) {
		m.log.Warningf("Middle pool too small for disjoint selection, relaxing live-set exclusion")
		middle, err = relay.Pick(rng, dir.Middles(), self)
	}
	if err != nil {
		return nil, fmt.Errorf("circuit: no usable middle: %v", err)
	}

	m.recentMiddle = middle.IdentityHash
	m.recentExit = exit.IdentityHash
	m.haveRecent = true

	return []*relay.Descriptor{guard, middle, exit}, nil
}

// pickGuard prefers a warm entry guard, falling back to weighted
// selection over the directory's guard set.  Caller holds m.mu.
func (m *Manager) pickGuard(rng *mrand.Rand, dir *relay.Directory) (*relay.Descriptor, error) {
	if len(m.warm) > 0 {
		e := m.warm[m.warmNext%len(m.warm)]
		m.warmNext++
		return e.guard, nil
	}
	return relay.Pick(rng, dir.Guards(), nil)
}

// Release immediately tears the circuit down.  It is idempotent, and
// there is deliberately no linger-for-reuse policy: the added setup cost
// for subsequent requests is the price of non-correlation.
func (m *Manager) Release(c *Circuit) {
	if c == nil {
		return
	}
	c.releaseOnce.Do(func() {
		m.mu.Lock()
		delete(m.live, c.id)
		m.mu.Unlock()
		c.conn.Close()
		liveCircuits.Dec()
		m.log.Debugf("Released circuit %d", c.id)
	})
}

// LiveCount returns the number of currently live circuits.
func (m *Manager) LiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// warmWorker establishes the configured number of warm entry guard
// connections and holds them until Halt.
func (m *Manager) warmWorker() {
	m.mu.Lock()
	dir := m.directory
	want := m.cfg.WarmEntries
	m.mu.Unlock()

	if dir != nil && want > 0 {
		rng := rand.NewMath()
		chosen := make(map[[32]byte]bool)
		for i := 0; i < want; i++ {
			guard, err := relay.Pick(rng, dir.Guards(), chosen)
			if err != nil {
				break
			}
			chosen[guard.IdentityHash] = true

			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.HandshakeDeadline())
			conn, err := m.client.OpenPath(ctx, []*relay.Descriptor{guard})
			cancel()
			if err != nil {
				m.log.Warningf("Failed to warm guard %v: %v", guard, err)
				continue
			}

			m.mu.Lock()
			m.warm = append(m.warm, &warmEntry{guard: guard, conn: conn})
			m.mu.Unlock()
			warmGuards.Inc()
			m.log.Debugf("Warmed entry guard %v", guard)
		}
	}

	<-m.HaltCh()

	m.mu.Lock()
	warm := m.warm
	m.warm = nil
	m.mu.Unlock()
	for _, e := range warm {
		e.conn.Close()
		warmGuards.Dec()
	}
}
