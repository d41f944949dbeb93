// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package rdns resolves offender addresses to hostnames for event
// enrichment. Lookups are cached, positive and negative alike, so an
// attack burst costs one PTR query.
package rdns

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"

	"grimm.is/rampart/internal/clock"
	"grimm.is/rampart/internal/errors"
	"grimm.is/rampart/internal/logging"
)

const (
	DefaultTimeout  = 2 * time.Second
	DefaultCacheTTL = 10 * time.Minute
	defaultMaxCache = 4096
)

// Options configure a Resolver.
type Options struct {
	// Servers to query, host:port. Empty reads /etc/resolv.conf.
	Servers  []string
	Timeout  time.Duration
	CacheTTL time.Duration
	Clock    clock.Clock
	Logger   *logging.Logger
}

func (o *Options) fill() {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = DefaultCacheTTL
	}
	if o.Clock == nil {
		o.Clock = clock.System
	}
	if o.Logger == nil {
		o.Logger = logging.Default()
	}
}

type cacheEntry struct {
	name    string
	expires time.Time
}

// Resolver answers reverse-DNS lookups with caching.
type Resolver struct {
	mu    sync.Mutex
	cache map[string]cacheEntry

	servers []string
	client  *dns.Client
	opts    Options
}

// New builds a Resolver. With no configured servers it falls back to
// the system resolver configuration, and to localhost when that is
// unreadable.
func New(opts Options) *Resolver {
	opts.fill()
	opts.Logger = opts.Logger.WithComponent("rdns")

	servers := opts.Servers
	if len(servers) == 0 {
		if cc, err := dns.ClientConfigFromFile("/etc/resolv.conf"); err == nil {
			for _, s := range cc.Servers {
				servers = append(servers, s+":"+cc.Port)
			}
		}
	}
	if len(servers) == 0 {
		servers = []string{"127.0.0.1:53"}
	}

	return &Resolver{
		cache:   make(map[string]cacheEntry),
		servers: servers,
		client:  &dns.Client{Timeout: opts.Timeout},
		opts:    opts,
	}
}

// Lookup returns the PTR name for an address, or "" when it has none.
// Failures are cached as empty so the pipeline retries at most once
// per TTL.
func (r *Resolver) Lookup(ctx context.Context, ip string) string {
	now := r.opts.Clock.Now()

	r.mu.Lock()
	if e, ok := r.cache[ip]; ok && now.Before(e.expires) {
		r.mu.Unlock()
		return e.name
	}
	r.mu.Unlock()

	name := r.query(ctx, ip)

	r.mu.Lock()
	if len(r.cache) >= defaultMaxCache {
		for k, e := range r.cache {
			if !now.Before(e.expires) {
				delete(r.cache, k)
			}
		}
		// Still full after evicting expired entries: start over.
		if len(r.cache) >= defaultMaxCache {
			r.cache = make(map[string]cacheEntry)
		}
	}
	r.cache[ip] = cacheEntry{name: name, expires: now.Add(r.opts.CacheTTL)}
	r.mu.Unlock()

	return name
}

func (r *Resolver) query(ctx context.Context, ip string) string {
	ptrZone, err := dns.ReverseAddr(ip)
	if err != nil {
		return ""
	}

	msg := new(dns.Msg)
	msg.SetQuestion(ptrZone, dns.TypePTR)

	for _, server := range r.servers {
		resp, _, err := r.client.ExchangeContext(ctx, msg, server)
		if err != nil {
			r.opts.Logger.WithError(errors.Wrap(err, errors.KindUnavailable, "ptr query")).
				Debug("Reverse lookup failed", "ip", ip, "server", server)
			continue
		}
		if resp.Rcode != dns.RcodeSuccess {
			return ""
		}
		for _, rr := range resp.Answer {
			if ptr, ok := rr.(*dns.PTR); ok {
				return strings.TrimSuffix(ptr.Ptr, ".")
			}
		}
		return ""
	}
	return ""
}
