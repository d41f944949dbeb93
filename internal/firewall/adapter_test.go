// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package firewall

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/rampart/internal/errors"
	"grimm.is/rampart/internal/netutil"
	"grimm.is/rampart/internal/testutil"
)

// fakeBackend records calls and can refuse set support.
type fakeBackend struct {
	mu       sync.Mutex
	sets     bool
	setAdds  []string
	setDels  []string
	ruleAdds []string
	ruleDels []string
	lastTTL  time.Duration
}

func (f *fakeBackend) EnsureBase(ctx context.Context) error { return nil }
func (f *fakeBackend) SupportsSets() bool                   { return f.sets }
func (f *fakeBackend) AddSetElement(ctx context.Context, ip net.IP, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setAdds = append(f.setAdds, ip.String())
	f.lastTTL = ttl
	return nil
}
func (f *fakeBackend) RemoveSetElement(ctx context.Context, ip net.IP) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setDels = append(f.setDels, ip.String())
	return nil
}
func (f *fakeBackend) AddDropRule(ctx context.Context, ip net.IP) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ruleAdds = append(f.ruleAdds, ip.String())
	return nil
}
func (f *fakeBackend) RemoveDropRule(ctx context.Context, ip net.IP) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ruleDels = append(f.ruleDels, ip.String())
	return nil
}
func (f *fakeBackend) Close() error { return nil }

// fakeFlusher records which addresses were flushed.
type fakeFlusher struct {
	mu      sync.Mutex
	flushed []string
}

func (f *fakeFlusher) Flush(ctx context.Context, ip net.IP) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushed = append(f.flushed, ip.String())
	return nil
}

func testSelf() *netutil.HostAddrs {
	self := netutil.NewHostAddrs()
	_, lan, _ := net.ParseCIDR("192.168.1.0/24")
	self.SetForTest([]net.IP{net.ParseIP("192.168.1.10")}, []*net.IPNet{lan})
	return self
}

func newTestAdapter(t *testing.T, backend *fakeBackend) (*Adapter, *fakeFlusher) {
	t.Helper()
	logger, _ := testutil.Logger()
	flusher := &fakeFlusher{}
	a := NewAdapter(Options{
		Backend: backend,
		Flusher: flusher,
		Self:    testSelf(),
		Logger:  logger,
	})
	require.NoError(t, a.Setup(context.Background()))
	t.Cleanup(func() { a.Close() })
	return a, flusher
}

func TestBlockUsesSetsWhenAvailable(t *testing.T) {
	backend := &fakeBackend{sets: true}
	a, flusher := newTestAdapter(t, backend)

	method, err := a.Block(context.Background(), net.ParseIP("203.0.113.7"), 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, MethodSet, method)

	backend.mu.Lock()
	assert.Equal(t, []string{"203.0.113.7"}, backend.setAdds)
	assert.Equal(t, 30*time.Minute, backend.lastTTL)
	assert.Empty(t, backend.ruleAdds)
	backend.mu.Unlock()

	a.Close() // waits for the async flush
	flusher.mu.Lock()
	assert.Equal(t, []string{"203.0.113.7"}, flusher.flushed)
	flusher.mu.Unlock()
}

func TestBlockFallsBackToRules(t *testing.T) {
	backend := &fakeBackend{sets: false}
	a, _ := newTestAdapter(t, backend)

	method, err := a.Block(context.Background(), net.ParseIP("203.0.113.7"), 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, MethodRule, method)

	backend.mu.Lock()
	assert.Equal(t, []string{"203.0.113.7"}, backend.ruleAdds)
	assert.Empty(t, backend.setAdds)
	backend.mu.Unlock()

	require.NoError(t, a.Unblock(context.Background(), net.ParseIP("203.0.113.7")))
	backend.mu.Lock()
	assert.Equal(t, []string{"203.0.113.7"}, backend.ruleDels)
	backend.mu.Unlock()
}

func TestBlockRejectsInvalidTargets(t *testing.T) {
	backend := &fakeBackend{sets: true}
	a, _ := newTestAdapter(t, backend)

	cases := []struct {
		name string
		ip   string
	}{
		{"loopback", "127.0.0.1"},
		{"loopback v6", "::1"},
		{"limited broadcast", "255.255.255.255"},
		{"directed broadcast", "192.168.1.255"},
		{"own address", "192.168.1.10"},
		{"multicast", "224.0.0.1"},
		{"unspecified", "0.0.0.0"},
		{"link local", "169.254.1.1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := a.Block(context.Background(), net.ParseIP(tc.ip), time.Minute)
			require.Error(t, err)
			assert.True(t, errors.IsKind(err, errors.KindInvalidTarget), "want InvalidTarget, got %v", err)
		})
	}

	// No mutation may have happened for any of them.
	backend.mu.Lock()
	defer backend.mu.Unlock()
	assert.Empty(t, backend.setAdds)
	assert.Empty(t, backend.ruleAdds)
}

func TestBlockNilAddress(t *testing.T) {
	a, _ := newTestAdapter(t, &fakeBackend{sets: true})
	_, err := a.Block(context.Background(), nil, time.Minute)
	assert.True(t, errors.IsKind(err, errors.KindInvalidTarget))
}

func TestUnblockFlushesConntrack(t *testing.T) {
	a, flusher := newTestAdapter(t, &fakeBackend{sets: true})

	ip := net.ParseIP("203.0.113.7")
	_, err := a.Block(context.Background(), ip, time.Minute)
	require.NoError(t, err)
	require.NoError(t, a.Unblock(context.Background(), ip))

	a.Close()
	flusher.mu.Lock()
	defer flusher.mu.Unlock()
	assert.Len(t, flusher.flushed, 2, "block and unblock each flush")
}
