package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	m := New()

	assert.NotNil(t, m.RequestsTotal)
	assert.NotNil(t, m.RequestDuration)
	assert.NotNil(t, m.RequestsInFlight)
	assert.NotNil(t, m.SyncItemsTotal)
	assert.NotNil(t, m.SyncDuration)
	assert.NotNil(t, m.FeedClients)
	assert.NotNil(t, m.FeedBroadcast)

	// Each instance owns its registry, so two can coexist.
	assert.NotPanics(t, func() { New() })
}

func TestRecordSyncItem(t *testing.T) {
	m := New()

	m.RecordSyncItem(KindCreated, OutcomeApplied)
	m.RecordSyncItem(KindCreated, OutcomeApplied)
	m.RecordSyncItem(KindUpdated, OutcomeConflict)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.SyncItemsTotal.WithLabelValues(KindCreated, OutcomeApplied)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SyncItemsTotal.WithLabelValues(KindUpdated, OutcomeConflict)))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.SyncItemsTotal.WithLabelValues(KindDeleted, OutcomeApplied)))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordSyncItem(KindDeleted, OutcomeConflict)
		m.RecordSync(time.Second)
	})
}

func TestHandler(t *testing.T) {
	m := New()
	m.RecordRequest("GET", "GET /tasks", "200", 10*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(string(body), "tasksync_http_requests_total"))
}
