// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerServesCounters(t *testing.T) {
	m := New()
	m.PacketsProcessed.Add(42)
	m.Intrusions.WithLabelValues("dos").Inc()
	m.BansApplied.WithLabelValues("set").Inc()
	m.QueueDepth.WithLabelValues("critical").Set(3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, "rampart_packets_processed_total 42")
	assert.Contains(t, body, `rampart_intrusions_total{attack_type="dos"} 1`)
	assert.Contains(t, body, `rampart_bans_applied_total{method="set"} 1`)
	assert.Contains(t, body, `rampart_queue_depth{priority="critical"} 3`)
}

func TestInstancesAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.PacketsProcessed.Add(5)

	rec := httptest.NewRecorder()
	b.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	for _, line := range strings.Split(rec.Body.String(), "\n") {
		if strings.HasPrefix(line, "rampart_packets_processed_total") {
			assert.Equal(t, "rampart_packets_processed_total 0", line)
		}
	}
}
