// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
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
	"grimm.is/rampart/internal/sentinel"
	"grimm.is/rampart/internal/testutil"
	"grimm.is/rampart/internal/throttle"
)

// idleSource satisfies capture.Source without producing frames.
type idleSource struct {
	frames chan capture.Frame
}

func (s *idleSource) Start(ctx context.Context) error { return nil }
func (s *idleSource) Frames() <-chan capture.Frame    { return s.frames }
func (s *idleSource) Dropped() uint64                 { return 0 }
func (s *idleSource) Stop()                           { close(s.frames) }

// recordBackend is an in-memory firewall backend.
type recordBackend struct{ removed []string }

func (b *recordBackend) EnsureBase(ctx context.Context) error { return nil }
func (b *recordBackend) SupportsSets() bool                   { return true }
func (b *recordBackend) AddSetElement(ctx context.Context, ip net.IP, ttl time.Duration) error {
	return nil
}
func (b *recordBackend) RemoveSetElement(ctx context.Context, ip net.IP) error {
	b.removed = append(b.removed, ip.String())
	return nil
}
func (b *recordBackend) AddDropRule(ctx context.Context, ip net.IP) error    { return nil }
func (b *recordBackend) RemoveDropRule(ctx context.Context, ip net.IP) error { return nil }
func (b *recordBackend) Close() error                                        { return nil }

type noFlush struct{}

func (noFlush) Flush(ctx context.Context, ip net.IP) error { return nil }

type apiHarness struct {
	ts       *httptest.Server
	srv      *Server
	token    string
	ledger   *ledger.Ledger
	emitter  *alerting.Emitter
	policies *config.PolicyStore
	clk      *clock.MockClock
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	logger, _ := testutil.Logger()
	clk := clock.NewMockClock(time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC))
	ctx := context.Background()

	self := netutil.NewHostAddrs()
	self.SetForTest([]net.IP{net.ParseIP("192.168.1.10")}, nil)

	fw := firewall.NewAdapter(firewall.Options{
		Backend: &recordBackend{}, Flusher: noFlush{}, Self: self, Logger: logger,
	})
	require.NoError(t, fw.Setup(ctx))

	led := ledger.New(ledger.Options{Clock: clk, Logger: logger})
	thr := throttle.NewManager(throttle.Options{IsBanned: led.IsBanned, Clock: clk, Logger: logger})

	q := queue.New(queue.Options{Workers: 1, Clock: clk, Logger: logger})
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

	svc, err := sentinel.New(sentinel.Options{
		Source:   &idleSource{frames: make(chan capture.Frame)},
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

	srv, err := NewServer(Options{
		AuthToken: "swordfish",
		Sentinel:  svc,
		Ledger:    led,
		Emitter:   em,
		Policies:  policies,
		Metrics:   metrics.New(),
		Clock:     clk,
		Logger:    logger,
	})
	require.NoError(t, err)
	srv.hub.Start(ctx)
	t.Cleanup(srv.hub.Stop)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &apiHarness{ts: ts, srv: srv, token: "swordfish", ledger: led, emitter: em, policies: policies, clk: clk}
}

func (h *apiHarness) do(t *testing.T, method, path string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, h.ts.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+h.token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestAuthRequired(t *testing.T) {
	h := newAPIHarness(t)

	resp, err := http.Get(h.ts.URL + "/api/status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Get(h.ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode, "healthz is unauthenticated")

	resp = h.do(t, http.MethodGet, "/api/status", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBansListAndUnban(t *testing.T) {
	h := newAPIHarness(t)
	now := h.clk.Now()
	require.NoError(t, h.ledger.Put(ledger.TempBanRecord{
		IP: "203.0.113.80", Reason: "dos detected", AttackType: classify.AttackDoS,
		BlockedAt: now, ExpiresAt: now.Add(time.Hour), Methods: []string{"set"},
	}))

	var listing struct {
		Count int                    `json:"count"`
		Bans  []ledger.TempBanRecord `json:"bans"`
	}
	decode(t, h.do(t, http.MethodGet, "/api/bans", nil), &listing)
	require.Equal(t, 1, listing.Count)
	assert.Equal(t, "203.0.113.80", listing.Bans[0].IP)

	resp := h.do(t, http.MethodPost, "/api/bans/203.0.113.80/unban", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, h.ledger.IsBanned("203.0.113.80"))

	resp = h.do(t, http.MethodPost, "/api/bans/203.0.113.80/unban", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "second unban finds nothing")
}

func TestPolicyRoundTrip(t *testing.T) {
	h := newAPIHarness(t)

	var dto policyDTO
	decode(t, h.do(t, http.MethodGet, "/api/policy", nil), &dto)
	assert.Equal(t, 30, dto.BanMinutes)

	dto.BanMinutes = 45
	dto.UseFirewall = false
	body, err := json.Marshal(dto)
	require.NoError(t, err)

	resp := h.do(t, http.MethodPut, "/api/policy", body)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	applied := h.policies.Load()
	assert.Equal(t, 45*time.Minute, applied.BanDuration)
	assert.False(t, applied.UseFirewall)
}

func TestPolicyRejectsBadInput(t *testing.T) {
	h := newAPIHarness(t)

	resp := h.do(t, http.MethodPut, "/api/policy", []byte(`{not json`))
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = h.do(t, http.MethodPut, "/api/policy",
		[]byte(`{"window_seconds":60,"ban_minutes":30,"auto_block_confidence":1.5}`))
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEventsEndpoint(t *testing.T) {
	h := newAPIHarness(t)
	h.emitter.Emit(alerting.NewBanLifted("203.0.113.81", h.clk.Now()))

	require.Eventually(t, func() bool {
		return len(h.emitter.History()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	var listing struct {
		Count  int              `json:"count"`
		Events []alerting.Event `json:"events"`
	}
	decode(t, h.do(t, http.MethodGet, "/api/events", nil), &listing)
	require.Equal(t, 1, listing.Count)
	assert.Equal(t, alerting.EventBanLifted, listing.Events[0].Type)
}

func TestEventStreamDeliversOverWebSocket(t *testing.T) {
	h := newAPIHarness(t)

	wsURL := "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/api/events/stream?token=" + h.token
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	require.Eventually(t, func() bool { return h.srv.hub.Clients() == 1 },
		2*time.Second, 10*time.Millisecond)

	h.emitter.Emit(alerting.NewIPBlocked("203.0.113.82", "dos detected", "set", h.clk.Now()))

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var ev alerting.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, alerting.EventIPBlocked, ev.Type)
	assert.Equal(t, "203.0.113.82", ev.IP)
}
