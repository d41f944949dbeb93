// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package sentinel

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/rampart/internal/alerting"
	"grimm.is/rampart/internal/capture"
	"grimm.is/rampart/internal/classify"
	"grimm.is/rampart/internal/clock"
	"grimm.is/rampart/internal/config"
	"grimm.is/rampart/internal/firewall"
	"grimm.is/rampart/internal/freq"
	"grimm.is/rampart/internal/ledger"
	"grimm.is/rampart/internal/metrics"
	"grimm.is/rampart/internal/netutil"
	"grimm.is/rampart/internal/queue"
	"grimm.is/rampart/internal/testutil"
	"grimm.is/rampart/internal/throttle"
)

// fakeSource feeds hand-built frames into the pipeline.
type fakeSource struct {
	frames chan capture.Frame
	closed atomic.Bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{frames: make(chan capture.Frame, 256)}
}

func (f *fakeSource) Start(ctx context.Context) error { return nil }
func (f *fakeSource) Frames() <-chan capture.Frame    { return f.frames }
func (f *fakeSource) Dropped() uint64                 { return 0 }
func (f *fakeSource) Stop() {
	if f.closed.CompareAndSwap(false, true) {
		close(f.frames)
	}
}

func (f *fakeSource) send(data []byte, ts time.Time) {
	f.frames <- capture.Frame{Data: data, Timestamp: ts}
}

// memBackend is an in-memory firewall backend recording every call.
type memBackend struct {
	mu      sync.Mutex
	added   []string
	removed []string
}

func (b *memBackend) EnsureBase(ctx context.Context) error { return nil }
func (b *memBackend) SupportsSets() bool                   { return true }
func (b *memBackend) AddSetElement(ctx context.Context, ip net.IP, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.added = append(b.added, ip.String())
	return nil
}
func (b *memBackend) RemoveSetElement(ctx context.Context, ip net.IP) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removed = append(b.removed, ip.String())
	return nil
}
func (b *memBackend) AddDropRule(ctx context.Context, ip net.IP) error    { return nil }
func (b *memBackend) RemoveDropRule(ctx context.Context, ip net.IP) error { return nil }
func (b *memBackend) Close() error                                        { return nil }

func (b *memBackend) addedIPs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.added...)
}

func (b *memBackend) removedIPs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.removed...)
}

type nopFlusher struct{}

func (nopFlusher) Flush(ctx context.Context, ip net.IP) error { return nil }

// harness assembles a full pipeline around fakes.
type harness struct {
	src     *fakeSource
	backend *memBackend
	svc     *Service
	ledger  *ledger.Ledger
	emitter *alerting.Emitter
	thr     *throttle.Manager
	clk     *clock.MockClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger, _ := testutil.Logger()
	clk := clock.NewMockClock(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC))
	ctx := context.Background()

	self := netutil.NewHostAddrs()
	_, localNet, err := net.ParseCIDR("192.168.1.0/24")
	require.NoError(t, err)
	self.SetForTest([]net.IP{net.ParseIP("192.168.1.10")}, []*net.IPNet{localNet})

	backend := &memBackend{}
	fw := firewall.NewAdapter(firewall.Options{
		Backend: backend, Flusher: nopFlusher{}, Self: self, Logger: logger,
	})
	require.NoError(t, fw.Setup(ctx))

	led := ledger.New(ledger.Options{Clock: clk, Logger: logger})
	thr := throttle.NewManager(throttle.Options{IsBanned: led.IsBanned, Clock: clk, Logger: logger})

	q := queue.New(queue.Options{Workers: 2, Clock: clk, Logger: logger})
	q.Start(ctx)
	t.Cleanup(q.Stop)

	em := alerting.NewEmitter(alerting.Options{Clock: clk, Logger: logger})
	em.Start(ctx)
	t.Cleanup(em.Stop)

	policies := config.NewPolicyStore(config.Policy{
		Window:              time.Minute,
		Threshold:           100,
		BanDuration:         30 * time.Minute,
		UseFirewall:         true,
		AutoBlockConfidence: 0.7,
		Thresholds:          classify.DefaultThresholds(),
	})

	src := newFakeSource()
	svc, err := New(Options{
		Source:   src,
		Tracker:  freq.NewTracker(freq.Options{Clock: clk, Logger: logger}),
		Throttle: thr,
		Queue:    q,
		Firewall: fw,
		Ledger:   led,
		Emitter:  em,
		Metrics:  metrics.New(),
		Policies: policies,
		Self:     self,
		Clock:    clk,
		Logger:   logger,
	})
	require.NoError(t, err)
	require.NoError(t, svc.Start(ctx))
	t.Cleanup(svc.Stop)

	return &harness{src: src, backend: backend, svc: svc, ledger: led, emitter: em, thr: thr, clk: clk}
}

func (h *harness) eventTypes() map[alerting.Type]int {
	out := make(map[alerting.Type]int)
	for _, ev := range h.emitter.History() {
		out[ev.Type]++
	}
	return out
}

func TestFloodTriggersAlertAndAutoBan(t *testing.T) {
	h := newHarness(t)
	attacker := "203.0.113.50"

	data := testutil.TCPFrame(t, attacker, "192.168.1.10", testutil.FrameOpts{})
	for i := 0; i < 30; i++ {
		h.src.send(data, h.clk.Now())
	}

	assert.Eventually(t, func() bool {
		return h.ledger.IsBanned(attacker)
	}, 3*time.Second, 10*time.Millisecond, "flood source should end up banned")

	rec, ok := h.ledger.Get(attacker)
	require.True(t, ok)
	assert.Equal(t, []string{"set"}, rec.Methods)
	assert.Equal(t, h.clk.Now().Add(30*time.Minute), rec.ExpiresAt)

	assert.Eventually(t, func() bool {
		types := h.eventTypes()
		return types[alerting.EventIntrusionDetected] >= 1 && types[alerting.EventIPBlocked] == 1
	}, 3*time.Second, 10*time.Millisecond)

	// One ban per source, no matter how many frames arrived.
	assert.Equal(t, []string{attacker}, h.backend.addedIPs())
}

func TestSelfTrafficNeverAlerts(t *testing.T) {
	h := newHarness(t)

	data := testutil.TCPFrame(t, "192.168.1.10", "203.0.113.9", testutil.FrameOpts{})
	for i := 0; i < 50; i++ {
		h.src.send(data, h.clk.Now())
	}
	h.src.Stop()
	h.svc.Wait()

	assert.False(t, h.ledger.IsBanned("192.168.1.10"))
	assert.Empty(t, h.emitter.History())
	assert.Empty(t, h.backend.addedIPs())
}

func TestSecondAttackTypeDoesNotRebanUntilManualUnban(t *testing.T) {
	h := newHarness(t)
	attacker := "203.0.113.51"

	tcp := testutil.TCPFrame(t, attacker, "192.168.1.10", testutil.FrameOpts{})
	for i := 0; i < 30; i++ {
		h.src.send(tcp, h.clk.Now())
	}
	assert.Eventually(t, func() bool {
		return h.ledger.IsBanned(attacker)
	}, 3*time.Second, 10*time.Millisecond)
	require.Len(t, h.backend.addedIPs(), 1)

	// The ban holds; further floods from the same source are not
	// re-enforced.
	for i := 0; i < 30; i++ {
		h.src.send(tcp, h.clk.Now())
	}
	h.src.Stop()
	h.svc.Wait()
	assert.Len(t, h.backend.addedIPs(), 1)
}

func TestManualUnbanLiftsEnforcementAndStartsGrace(t *testing.T) {
	h := newHarness(t)
	attacker := "203.0.113.52"

	data := testutil.TCPFrame(t, attacker, "192.168.1.10", testutil.FrameOpts{})
	for i := 0; i < 30; i++ {
		h.src.send(data, h.clk.Now())
	}
	require.Eventually(t, func() bool {
		return h.ledger.IsBanned(attacker)
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, h.svc.Unban(context.Background(), attacker))

	assert.False(t, h.ledger.IsBanned(attacker))
	assert.Equal(t, []string{attacker}, h.backend.removedIPs())
	assert.True(t, h.thr.IsInGracePeriod(attacker))

	assert.Eventually(t, func() bool {
		return h.eventTypes()[alerting.EventBanLifted] == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestUnbanErrors(t *testing.T) {
	h := newHarness(t)
	assert.Error(t, h.svc.Unban(context.Background(), "not-an-ip"))
	assert.Error(t, h.svc.Unban(context.Background(), "203.0.113.99"), "no active ban")
}

func TestBanExpiryLiftsEnforcement(t *testing.T) {
	h := newHarness(t)

	h.svc.HandleBanExpiry(ledger.TempBanRecord{IP: "203.0.113.53", Reason: "dos detected"})

	assert.Eventually(t, func() bool {
		removed := h.backend.removedIPs()
		return len(removed) == 1 && removed[0] == "203.0.113.53"
	}, 2*time.Second, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		return h.eventTypes()[alerting.EventBanLifted] == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBlockHandlerDropsInvalidTargetWithoutRetry(t *testing.T) {
	h := newHarness(t)

	job := &queue.Job{
		Type:    queue.TypeBlockIP,
		Payload: &blockRequest{IP: "127.0.0.1", Attack: classify.AttackDoS, TTL: time.Minute},
	}
	err := h.svc.handleBlock(context.Background(), job)

	assert.NoError(t, err, "invalid targets must not be retried")
	_, ok := h.ledger.Get("127.0.0.1")
	assert.False(t, ok, "no ledger entry for a refused ban")
	assert.Empty(t, h.backend.addedIPs())
}
