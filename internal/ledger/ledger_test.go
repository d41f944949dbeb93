// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ledger

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/rampart/internal/classify"
	"grimm.is/rampart/internal/clock"
	"grimm.is/rampart/internal/errors"
	"grimm.is/rampart/internal/state"
)

func testClock() *clock.MockClock {
	return clock.NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
}

func ban(ip string, clk clock.Clock, ttl time.Duration) TempBanRecord {
	return TempBanRecord{
		IP:         ip,
		Reason:     "dos attack detected",
		AttackType: classify.AttackDoS,
		BlockedAt:  clk.Now(),
		ExpiresAt:  clk.Now().Add(ttl),
		Methods:    []string{"set"},
	}
}

func TestPutGetRemove(t *testing.T) {
	clk := testClock()
	l := New(Options{Clock: clk})

	require.NoError(t, l.Put(ban("203.0.113.7", clk, 30*time.Minute)))

	rec, ok := l.Get("203.0.113.7")
	require.True(t, ok)
	assert.Equal(t, classify.AttackDoS, rec.AttackType)
	assert.True(t, l.IsBanned("203.0.113.7"))

	l.Remove("203.0.113.7")
	assert.False(t, l.IsBanned("203.0.113.7"))
}

func TestSecondActiveBanRejected(t *testing.T) {
	clk := testClock()
	l := New(Options{Clock: clk})

	require.NoError(t, l.Put(ban("203.0.113.7", clk, 30*time.Minute)))

	err := l.Put(ban("203.0.113.7", clk, time.Hour))
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindConflict))

	// The original record must win.
	rec, ok := l.Get("203.0.113.7")
	require.True(t, ok)
	assert.Equal(t, clk.Now().Add(30*time.Minute), rec.ExpiresAt)
}

func TestConcurrentPutsExactlyOneWins(t *testing.T) {
	clk := testClock()
	l := New(Options{Clock: clk})

	var wg sync.WaitGroup
	var mu sync.Mutex
	okCount := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Put(ban("203.0.113.7", clk, 30*time.Minute)) == nil {
				mu.Lock()
				okCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, okCount, "exactly one concurrent Put may succeed")
}

func TestExpiryAndReban(t *testing.T) {
	clk := testClock()
	l := New(Options{Clock: clk})

	require.NoError(t, l.Put(ban("203.0.113.7", clk, 30*time.Minute)))
	clk.Advance(31 * time.Minute)

	assert.False(t, l.IsBanned("203.0.113.7"), "expired ban must read as lifted")
	require.NoError(t, l.Put(ban("203.0.113.7", clk, 30*time.Minute)),
		"a lapsed ban must not reject a new one")
}

func TestListActiveFiltersAndOrders(t *testing.T) {
	clk := testClock()
	l := New(Options{Clock: clk})

	require.NoError(t, l.Put(ban("203.0.113.1", clk, 5*time.Minute)))
	clk.Advance(time.Minute)
	require.NoError(t, l.Put(ban("203.0.113.2", clk, time.Hour)))
	clk.Advance(time.Minute)
	require.NoError(t, l.Put(ban("203.0.113.3", clk, time.Hour)))

	clk.Advance(10 * time.Minute) // first ban lapses
	active := l.ListActive(clk.Now())
	require.Len(t, active, 2)
	assert.Equal(t, "203.0.113.2", active[0].IP, "oldest first")
	assert.Equal(t, "203.0.113.3", active[1].IP)
}

func TestSweepNotifiesExpired(t *testing.T) {
	clk := testClock()
	var mu sync.Mutex
	var lifted []string
	l := New(Options{
		Clock: clk,
		OnExpired: func(rec TempBanRecord) {
			mu.Lock()
			lifted = append(lifted, rec.IP)
			mu.Unlock()
		},
	})

	require.NoError(t, l.Put(ban("203.0.113.7", clk, time.Minute)))
	clk.Advance(2 * time.Minute)
	l.sweep(clk.Now())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"203.0.113.7"}, lifted)
}

func TestPersistenceAcrossRestart(t *testing.T) {
	clk := testClock()
	path := filepath.Join(t.TempDir(), "state.db")
	store, err := state.OpenWithClock(path, clk)
	require.NoError(t, err)

	l := New(Options{Store: store, Clock: clk})
	require.NoError(t, l.Put(ban("203.0.113.7", clk, 30*time.Minute)))
	require.NoError(t, l.Put(ban("203.0.113.8", clk, time.Minute)))
	require.NoError(t, store.Close())

	clk.Advance(5 * time.Minute) // second ban lapses before the "restart"
	store2, err := state.OpenWithClock(path, clk)
	require.NoError(t, err)
	defer store2.Close()

	l2 := New(Options{Store: store2, Clock: clk})
	assert.True(t, l2.IsBanned("203.0.113.7"), "active ban must survive restart")
	assert.False(t, l2.IsBanned("203.0.113.8"), "lapsed ban must not be restored")
}

func TestStoreFailureDegradesNotFails(t *testing.T) {
	clk := testClock()
	store, err := state.OpenWithClock(filepath.Join(t.TempDir(), "state.db"), clk)
	require.NoError(t, err)

	l := New(Options{Store: store, Clock: clk})
	require.NoError(t, store.Close()) // simulate the store going away

	require.NoError(t, l.Put(ban("203.0.113.7", clk, 30*time.Minute)),
		"a dead store must not fail the ban")
	assert.True(t, l.IsBanned("203.0.113.7"), "memory mode keeps serving")
	assert.True(t, l.Degraded())
}
