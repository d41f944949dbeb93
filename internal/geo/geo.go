// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package geo maps offender addresses to country codes from a local
// MaxMind database. Enrichment is optional: with no database
// configured every lookup returns "".
package geo

import (
	"net"
	"sync"

	"github.com/oschwald/geoip2-golang"

	"grimm.is/rampart/internal/errors"
	"grimm.is/rampart/internal/logging"
)

// Resolver answers country lookups. The zero value and nil are both
// usable and always return "".
type Resolver struct {
	mu     sync.Mutex
	reader *geoip2.Reader
	logger *logging.Logger
}

// Open loads a GeoLite2/GeoIP2 country or city database. An empty
// path returns a disabled resolver and no error.
func Open(path string, logger *logging.Logger) (*Resolver, error) {
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.WithComponent("geo")
	if path == "" {
		return &Resolver{logger: logger}, nil
	}

	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindUnavailable, "open geoip database %s", path)
	}
	logger.Info("GeoIP database loaded", "path", path)
	return &Resolver{reader: reader, logger: logger}, nil
}

// Enabled reports whether a database is loaded.
func (r *Resolver) Enabled() bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reader != nil
}

// Country returns the ISO 3166-1 code for an address, or "" when the
// resolver is disabled or the address is unknown.
func (r *Resolver) Country(ip string) string {
	if r == nil {
		return ""
	}
	addr := net.ParseIP(ip)
	if addr == nil {
		return ""
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reader == nil {
		return ""
	}
	rec, err := r.reader.Country(addr)
	if err != nil {
		r.logger.WithError(err).Debug("GeoIP lookup failed", "ip", ip)
		return ""
	}
	return rec.Country.IsoCode
}

// Close releases the database.
func (r *Resolver) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reader == nil {
		return nil
	}
	err := r.reader.Close()
	r.reader = nil
	return err
}
