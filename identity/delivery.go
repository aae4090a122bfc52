// SPDX-FileCopyrightText: Copyright (C) 2025 the forloop developers
// SPDX-License-Identifier: AGPL-3.0-only

package identity

import (
	"sync"
)

// Bundle is what the render collaborator receives at navigation start:
// the identity and its derived capability table.
type Bundle struct {
	// Identity is the navigation's synthetic identity.
	Identity *Identity

	// Capabilities maps capability names to their replacement values,
	// fixed for the lifetime of the navigation.
	Capabilities map[string]string
}

// Delivery is a one-shot identity delivery channel.  Exactly one bundle
// is ever sent, after which the channel is closed so page logic cannot
// compare multiple samples to detect the spoofing mechanism.
type Delivery struct {
	ch        chan *Bundle
	deliverMu sync.Mutex
	delivered bool
	closed    bool
}

// NewDelivery creates an undelivered Delivery.
func NewDelivery() *Delivery {
	return &Delivery{
		ch: make(chan *Bundle, 1),
	}
}

// Ch returns the receive side.  It yields at most one bundle and is then
// closed.
func (d *Delivery) Ch() <-chan *Bundle {
	return d.ch
}

// Deliver sends the bundle and closes the channel.  Only the first call
// has any effect; it returns false on subsequent calls or after Abandon.
func (d *Delivery) Deliver(b *Bundle) bool {
	d.deliverMu.Lock()
	defer d.deliverMu.Unlock()
	if d.delivered || d.closed {
		return false
	}
	d.delivered = true
	d.closed = true
	d.ch <- b
	close(d.ch)
	return true
}

// Abandon closes the channel without delivering, for navigations that are
// cancelled before identity assignment completes.
func (d *Delivery) Abandon() {
	d.deliverMu.Lock()
	defer d.deliverMu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	close(d.ch)
}

// Delivered reports whether a bundle was sent.
func (d *Delivery) Delivered() bool {
	d.deliverMu.Lock()
	defer d.deliverMu.Unlock()
	return d.delivered
}
