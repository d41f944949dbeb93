// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package firewall enforces temporary IP bans through the kernel
// packet filter. The preferred backend is a pair of nftables deny sets
// with native per-element timeouts; hosts without set support fall
// back to one drop rule per address. Blocking also flushes the
// address's conntrack state so already-open connections die with the
// ban.
package firewall

import (
	"context"
	"net"
	"sync"
	"time"

	"grimm.is/rampart/internal/errors"
	"grimm.is/rampart/internal/logging"
	"grimm.is/rampart/internal/netutil"
)

// Method names the enforcement primitive that applied a ban.
type Method string

const (
	MethodSet  Method = "set"  // nftables set element with kernel TTL
	MethodRule Method = "rule" // per-address drop rule, expiry driven by the ledger
	MethodNoop Method = "noop" // stub backend, records intent only
)

// Backend drives one enforcement primitive family. Implementations
// must be idempotent: re-adding an existing member or re-installing
// base rules is not an error.
type Backend interface {
	// EnsureBase installs the table, chains, sets, and the rules that
	// consult them. Safe to call on every start.
	EnsureBase(ctx context.Context) error
	// SupportsSets reports whether TTL-capable deny sets are usable.
	// Probed during EnsureBase.
	SupportsSets() bool
	// AddSetElement adds ip to the deny set with a kernel-side TTL.
	AddSetElement(ctx context.Context, ip net.IP, ttl time.Duration) error
	// RemoveSetElement removes ip from the deny set.
	RemoveSetElement(ctx context.Context, ip net.IP) error
	// AddDropRule inserts a per-address drop rule (set-less fallback).
	AddDropRule(ctx context.Context, ip net.IP) error
	// RemoveDropRule removes the per-address drop rule.
	RemoveDropRule(ctx context.Context, ip net.IP) error
	Close() error
}

// Flusher severs existing connection-tracking state for an address.
type Flusher interface {
	Flush(ctx context.Context, ip net.IP) error
}

// Options configure an Adapter.
type Options struct {
	// Backend overrides the platform backend (tests).
	Backend Backend
	// Flusher overrides the conntrack flusher (tests). A nil flusher
	// on non-Linux builds disables flushing.
	Flusher Flusher
	// Self recognizes the host's own addresses and attached networks.
	Self *netutil.HostAddrs
	// CallTimeout bounds every kernel interaction.
	CallTimeout time.Duration
	Logger      *logging.Logger
}

func (o *Options) fill() {
	if o.Backend == nil {
		o.Backend = platformBackend()
	}
	if o.Flusher == nil {
		o.Flusher = platformFlusher()
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = logging.Default()
	}
}

// Adapter validates targets and drives the backend. Safe for
// concurrent use; Block and Unblock are called from queue workers.
type Adapter struct {
	backend Backend
	flusher Flusher
	self    *netutil.HostAddrs
	timeout time.Duration
	logger  *logging.Logger

	mu     sync.RWMutex
	method Method

	flushWG sync.WaitGroup
}

// NewAdapter builds an Adapter. Call Setup before the first Block.
func NewAdapter(opts Options) *Adapter {
	opts.fill()
	return &Adapter{
		backend: opts.Backend,
		flusher: opts.Flusher,
		self:    opts.Self,
		timeout: opts.CallTimeout,
		logger:  opts.Logger.WithComponent("firewall"),
		method:  MethodNoop,
	}
}

// Setup installs base rules and resolves which primitive to use. The
// base install is idempotent, so restarts re-issue it unconditionally.
func (a *Adapter) Setup(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	if err := a.backend.EnsureBase(ctx); err != nil {
		return errors.Wrap(err, errors.KindEnforcement, "install base firewall rules")
	}

	method := MethodRule
	if a.backend.SupportsSets() {
		method = MethodSet
	}
	if _, stub := a.backend.(*noopBackend); stub {
		method = MethodNoop
	}

	a.mu.Lock()
	a.method = method
	a.mu.Unlock()

	a.logger.Info("Firewall adapter ready", "method", string(method))
	return nil
}

// Method returns the enforcement primitive in use.
func (a *Adapter) Method() Method {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.method
}

// ValidateTarget rejects addresses the agent must never ban: its own,
// loopback, multicast, link-local, unspecified, and broadcast. This
// check runs before any mutation, so an invalid target leaves no
// trace anywhere.
func (a *Adapter) ValidateTarget(ip net.IP) error {
	if ip == nil {
		return errors.New(errors.KindInvalidTarget, "nil address")
	}
	if netutil.IsReserved(ip) {
		return errors.Errorf(errors.KindInvalidTarget, "refusing to ban reserved address %s", ip)
	}
	if a.self != nil {
		if a.self.IsSelf(ip) {
			return errors.Errorf(errors.KindInvalidTarget, "refusing to ban own address %s", ip)
		}
		if netutil.IsBroadcast(ip, a.self.LocalNets()) {
			return errors.Errorf(errors.KindInvalidTarget, "refusing to ban broadcast address %s", ip)
		}
	}
	return nil
}

// Block bans ip for ttl and reports the method that applied it. The
// conntrack flush runs asynchronously; a flush failure never fails
// the ban.
func (a *Adapter) Block(ctx context.Context, ip net.IP, ttl time.Duration) (Method, error) {
	if err := a.ValidateTarget(ip); err != nil {
		return "", err
	}

	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	method := a.Method()
	var err error
	switch method {
	case MethodSet:
		err = a.backend.AddSetElement(callCtx, ip, ttl)
	case MethodRule:
		err = a.backend.AddDropRule(callCtx, ip)
	default:
		err = a.backend.AddSetElement(callCtx, ip, ttl)
	}
	if err != nil {
		return "", errors.Wrapf(err, errors.KindEnforcement, "block %s", ip)
	}

	a.flushAsync(ip)
	a.logger.Info("Address blocked", "ip", ip.String(), "ttl", ttl.String(), "method", string(method))
	return method, nil
}

// Unblock lifts the ban on ip, removing it from whichever primitive
// holds it, and flushes conntrack again so the unban is immediate.
func (a *Adapter) Unblock(ctx context.Context, ip net.IP) error {
	if ip == nil {
		return errors.New(errors.KindInvalidTarget, "nil address")
	}

	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	var err error
	switch a.Method() {
	case MethodSet:
		err = a.backend.RemoveSetElement(callCtx, ip)
	case MethodRule:
		err = a.backend.RemoveDropRule(callCtx, ip)
	default:
		err = a.backend.RemoveSetElement(callCtx, ip)
	}
	if err != nil {
		return errors.Wrapf(err, errors.KindEnforcement, "unblock %s", ip)
	}

	a.flushAsync(ip)
	a.logger.Info("Address unblocked", "ip", ip.String())
	return nil
}

// flushAsync severs existing connections for ip off the calling path.
func (a *Adapter) flushAsync(ip net.IP) {
	if a.flusher == nil {
		return
	}
	a.flushWG.Add(1)
	go func() {
		defer a.flushWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()
		if err := a.flusher.Flush(ctx, ip); err != nil {
			a.logger.WithError(err).Debug("Conntrack flush failed", "ip", ip.String())
		}
	}()
}

// Close waits for in-flight flushes and releases the backend.
func (a *Adapter) Close() error {
	a.flushWG.Wait()
	return a.backend.Close()
}
