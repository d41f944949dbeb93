// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package throttle

import (
	"testing"
	"time"

	"grimm.is/rampart/internal/classify"
	"grimm.is/rampart/internal/clock"
)

func newTestManager(banned func(string) bool) (*Manager, *clock.MockClock) {
	clk := clock.NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	m := NewManager(Options{
		IsBanned: banned,
		Clock:    clk,
	})
	return m, clk
}

func TestShouldAlertFirstAlwaysPasses(t *testing.T) {
	m, clk := newTestManager(nil)

	if !m.ShouldAlert("10.0.0.1", classify.AttackDoS) {
		t.Fatal("first alert for a pair must pass")
	}
	if m.ShouldAlert("10.0.0.1", classify.AttackDoS) {
		t.Error("second alert inside the window must be throttled")
	}

	// A different attack type from the same source is a new pair.
	if !m.ShouldAlert("10.0.0.1", classify.AttackPortScan) {
		t.Error("first alert for a second pair must pass")
	}

	clk.Advance(DefaultAlertInterval + time.Millisecond)
	if !m.ShouldAlert("10.0.0.1", classify.AttackDoS) {
		t.Error("alert after the window elapses must pass")
	}
}

func TestShouldBlockRespectsLedger(t *testing.T) {
	bannedIPs := map[string]bool{"10.0.0.9": true}
	m, _ := newTestManager(func(src string) bool { return bannedIPs[src] })

	if m.ShouldBlock("10.0.0.9", classify.AttackDoS) {
		t.Error("already-banned source must not block again")
	}
	if !m.ShouldBlock("10.0.0.1", classify.AttackDoS) {
		t.Error("clean source should be blockable")
	}
}

func TestShouldBlockInflight(t *testing.T) {
	m, _ := newTestManager(nil)

	if !m.BeginBlock("10.0.0.1") {
		t.Fatal("first BeginBlock must claim")
	}
	if m.BeginBlock("10.0.0.1") {
		t.Error("second BeginBlock must lose the race")
	}
	if m.ShouldBlock("10.0.0.1", classify.AttackDoS) {
		t.Error("in-flight source must not be blockable")
	}

	m.EndBlock("10.0.0.1", classify.AttackDoS, false)
	if !m.ShouldBlock("10.0.0.1", classify.AttackDoS) {
		t.Error("failed ban should leave the source blockable")
	}
}

func TestOneBanPerAttackType(t *testing.T) {
	m, _ := newTestManager(nil)

	if !m.ShouldBlock("10.0.0.1", classify.AttackDoS) {
		t.Fatal("fresh source should be blockable")
	}
	m.BeginBlock("10.0.0.1")
	m.EndBlock("10.0.0.1", classify.AttackDoS, true)

	if m.ShouldBlock("10.0.0.1", classify.AttackDoS) {
		t.Error("same attack type must never auto-ban twice")
	}
	if !m.ShouldBlock("10.0.0.1", classify.AttackPortScan) {
		t.Error("a different attack type is still eligible")
	}

	// Manual unban resets eligibility, after the grace period.
	m.OnManualUnban("10.0.0.1")
	if m.ShouldBlock("10.0.0.1", classify.AttackDoS) {
		t.Error("grace period must suppress re-banning")
	}
}

func TestGracePeriod(t *testing.T) {
	m, clk := newTestManager(nil)

	m.OnManualUnban("10.0.0.1")
	if !m.IsInGracePeriod("10.0.0.1") {
		t.Fatal("grace starts immediately after unban")
	}

	clk.Advance(DefaultGracePeriod - time.Second)
	if !m.IsInGracePeriod("10.0.0.1") {
		t.Error("still inside grace")
	}
	if m.ShouldBlock("10.0.0.1", classify.AttackDoS) {
		t.Error("ShouldBlock must refuse during grace")
	}

	clk.Advance(2 * time.Second)
	if m.IsInGracePeriod("10.0.0.1") {
		t.Error("grace should have elapsed")
	}
	if !m.ShouldBlock("10.0.0.1", classify.AttackDoS) {
		t.Error("source is eligible again after grace")
	}
}

func TestManualUnbanClearsAlertHistory(t *testing.T) {
	m, _ := newTestManager(nil)

	m.ShouldAlert("10.0.0.1", classify.AttackDoS)
	if m.ShouldAlert("10.0.0.1", classify.AttackDoS) {
		t.Fatal("second alert should be throttled")
	}

	m.OnManualUnban("10.0.0.1")
	if !m.ShouldAlert("10.0.0.1", classify.AttackDoS) {
		t.Error("unban must reset the first-occurrence guarantee")
	}
}

func TestSweepClearsStuckInflight(t *testing.T) {
	m, clk := newTestManager(nil)

	m.BeginBlock("10.0.0.1")
	clk.Advance(DefaultInflightTimeout + time.Second)
	m.sweep(clk.Now())

	if !m.BeginBlock("10.0.0.1") {
		t.Error("sweep must force-clear a stuck in-flight marker")
	}
}
