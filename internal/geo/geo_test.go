// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/rampart/internal/testutil"
)

func TestDisabledResolver(t *testing.T) {
	logger, _ := testutil.Logger()
	r, err := Open("", logger)
	require.NoError(t, err)
	assert.False(t, r.Enabled())
	assert.Equal(t, "", r.Country("203.0.113.7"))
	assert.NoError(t, r.Close())
}

func TestNilResolverIsSafe(t *testing.T) {
	var r *Resolver
	assert.False(t, r.Enabled())
	assert.Equal(t, "", r.Country("203.0.113.7"))
	assert.NoError(t, r.Close())
}

func TestMissingDatabase(t *testing.T) {
	logger, _ := testutil.Logger()
	_, err := Open("/nonexistent/geoip.mmdb", logger)
	assert.Error(t, err)
}
