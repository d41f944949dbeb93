// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package rdns

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/rampart/internal/clock"
	"grimm.is/rampart/internal/testutil"
)

// ptrServer runs a local DNS server answering every PTR query with
// the given name and counting queries.
func ptrServer(t *testing.T, name string, queries *atomic.Int32) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	mux := dns.NewServeMux()
	mux.HandleFunc(".", func(w dns.ResponseWriter, r *dns.Msg) {
		queries.Add(1)
		m := new(dns.Msg)
		m.SetReply(r)
		if name != "" {
			m.Answer = append(m.Answer, &dns.PTR{
				Hdr: dns.RR_Header{
					Name: r.Question[0].Name, Rrtype: dns.TypePTR,
					Class: dns.ClassINET, Ttl: 60,
				},
				Ptr: dns.Fqdn(name),
			})
		}
		w.WriteMsg(m)
	})

	srv := &dns.Server{PacketConn: pc, Handler: mux}
	go srv.ActivateAndServe()
	t.Cleanup(func() { srv.Shutdown() })
	return pc.LocalAddr().String()
}

func TestLookupResolvesAndCaches(t *testing.T) {
	var queries atomic.Int32
	addr := ptrServer(t, "scanner.example.com", &queries)

	logger, _ := testutil.Logger()
	clk := clock.NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	r := New(Options{Servers: []string{addr}, Clock: clk, Logger: logger})

	got := r.Lookup(context.Background(), "203.0.113.7")
	assert.Equal(t, "scanner.example.com", got)

	r.Lookup(context.Background(), "203.0.113.7")
	r.Lookup(context.Background(), "203.0.113.7")
	assert.Equal(t, int32(1), queries.Load(), "repeat lookups come from cache")

	clk.Advance(11 * time.Minute)
	r.Lookup(context.Background(), "203.0.113.7")
	assert.Equal(t, int32(2), queries.Load(), "expired entry re-queries")
}

func TestLookupNegativeCached(t *testing.T) {
	var queries atomic.Int32
	addr := ptrServer(t, "", &queries)

	logger, _ := testutil.Logger()
	clk := clock.NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	r := New(Options{Servers: []string{addr}, Clock: clk, Logger: logger})

	assert.Equal(t, "", r.Lookup(context.Background(), "203.0.113.9"))
	r.Lookup(context.Background(), "203.0.113.9")
	assert.Equal(t, int32(1), queries.Load(), "empty answer is cached too")
}

func TestLookupBadAddress(t *testing.T) {
	logger, _ := testutil.Logger()
	r := New(Options{Servers: []string{"127.0.0.1:1"}, Logger: logger})
	assert.Equal(t, "", r.Lookup(context.Background(), "not-an-ip"))
}
