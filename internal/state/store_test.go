// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package state

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/rampart/internal/clock"
	"grimm.is/rampart/internal/errors"
)

func openTestStore(t *testing.T) (*SQLiteStore, *clock.MockClock) {
	t.Helper()
	clk := clock.NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s, err := OpenWithClock(filepath.Join(t.TempDir(), "state.db"), clk)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, clk
}

func TestSetGetRoundtrip(t *testing.T) {
	s, _ := openTestStore(t)

	require.NoError(t, s.Set("bans", "ban:10.0.0.1", []byte(`{"ip":"10.0.0.1"}`)))

	got, err := s.Get("bans", "ban:10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, `{"ip":"10.0.0.1"}`, string(got))

	// Overwrite replaces.
	require.NoError(t, s.Set("bans", "ban:10.0.0.1", []byte(`{"ip":"10.0.0.1","v":2}`)))
	got, err = s.Get("bans", "ban:10.0.0.1")
	require.NoError(t, err)
	assert.Contains(t, string(got), `"v":2`)
}

func TestGetMissingIsNotFound(t *testing.T) {
	s, _ := openTestStore(t)

	_, err := s.Get("bans", "ban:10.0.0.1")
	assert.True(t, errors.IsKind(err, errors.KindNotFound))
}

func TestTTLExpiry(t *testing.T) {
	s, clk := openTestStore(t)

	expires := clk.Now().Add(time.Minute)
	require.NoError(t, s.SetTTL("bans", "ban:10.0.0.1", []byte("x"), expires))

	_, err := s.Get("bans", "ban:10.0.0.1")
	require.NoError(t, err)

	clk.Advance(time.Minute + time.Second)
	_, err = s.Get("bans", "ban:10.0.0.1")
	assert.True(t, errors.IsKind(err, errors.KindNotFound), "expired key must read as missing")

	keys, err := s.ListKeys("bans")
	require.NoError(t, err)
	assert.Empty(t, keys, "expired keys must not enumerate")
}

func TestListOrderedByInsertion(t *testing.T) {
	s, clk := openTestStore(t)

	require.NoError(t, s.Set("bans", "ban:10.0.0.3", []byte("c")))
	clk.Advance(time.Second)
	require.NoError(t, s.Set("bans", "ban:10.0.0.1", []byte("a")))
	clk.Advance(time.Second)
	require.NoError(t, s.Set("bans", "ban:10.0.0.2", []byte("b")))

	keys, err := s.ListKeys("bans")
	require.NoError(t, err)
	assert.Equal(t, []string{"ban:10.0.0.3", "ban:10.0.0.1", "ban:10.0.0.2"}, keys)

	values, err := s.List("bans")
	require.NoError(t, err)
	require.Len(t, values, 3)
	assert.Equal(t, "c", string(values[0]))
}

func TestBucketsIsolate(t *testing.T) {
	s, _ := openTestStore(t)

	require.NoError(t, s.Set("bans", "k", []byte("ban")))
	require.NoError(t, s.Set("meta", "k", []byte("meta")))

	got, err := s.Get("bans", "k")
	require.NoError(t, err)
	assert.Equal(t, "ban", string(got))

	require.NoError(t, s.Delete("bans", "k"))
	_, err = s.Get("bans", "k")
	assert.Error(t, err)

	got, err = s.Get("meta", "k")
	require.NoError(t, err)
	assert.Equal(t, "meta", string(got))
}

func TestPurgeRemovesExpiredRows(t *testing.T) {
	s, clk := openTestStore(t)

	require.NoError(t, s.SetTTL("bans", "short", []byte("x"), clk.Now().Add(time.Minute)))
	require.NoError(t, s.SetTTL("bans", "long", []byte("y"), clk.Now().Add(time.Hour)))
	require.NoError(t, s.Set("bans", "forever", []byte("z")))

	clk.Advance(10 * time.Minute)
	n, err := s.Purge(clk.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	keys, err := s.ListKeys("bans")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"long", "forever"}, keys)
}
