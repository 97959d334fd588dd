package telemetry

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordDelivery(t *testing.T) {
	before := testutil.ToFloat64(webhookDeliveries.WithLabelValues("fundedDeal.created", "delivered"))

	RecordDelivery("fundedDeal.created", "delivered", true, 120*time.Millisecond)

	after := testutil.ToFloat64(webhookDeliveries.WithLabelValues("fundedDeal.created", "delivered"))
	assert.Equal(t, before+1, after)
}

func TestHandler(t *testing.T) {
	RecordEventProcessed("new")
	RecordLockContention()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, string(body), "webhook_events_processed_total")
	assert.Contains(t, string(body), "webhook_lock_contention_total")
}
