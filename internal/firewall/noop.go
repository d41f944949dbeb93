// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package firewall

import (
	"context"
	"net"
	"sync"
	"time"
)

// noopBackend records intent without touching any kernel. It backs
// non-Linux builds and the simulation path, where the rest of the
// pipeline still wants Block/Unblock to succeed.
type noopBackend struct {
	mu      sync.Mutex
	members map[string]time.Time // ip -> expiry (zero = no TTL)
}

func newNoopBackend() *noopBackend {
	return &noopBackend{members: make(map[string]time.Time)}
}

// NewNoopBackend returns a backend that records bans without touching
// the kernel. The replay verb uses it so re-analyzing a capture can
// never enforce anything.
func NewNoopBackend() Backend {
	return newNoopBackend()
}

func (b *noopBackend) EnsureBase(ctx context.Context) error { return nil }
func (b *noopBackend) SupportsSets() bool                   { return true }

func (b *noopBackend) AddSetElement(ctx context.Context, ip net.IP, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.members[ip.String()] = time.Now().Add(ttl)
	return nil
}

func (b *noopBackend) RemoveSetElement(ctx context.Context, ip net.IP) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.members, ip.String())
	return nil
}

func (b *noopBackend) AddDropRule(ctx context.Context, ip net.IP) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.members[ip.String()] = time.Time{}
	return nil
}

func (b *noopBackend) RemoveDropRule(ctx context.Context, ip net.IP) error {
	return b.RemoveSetElement(ctx, ip)
}

func (b *noopBackend) Close() error { return nil }
