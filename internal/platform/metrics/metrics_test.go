package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/tiendaflow/api/internal/platform/inbox"
)

func TestRegistryRecorders(t *testing.T) {
	r := NewRegistry()

	r.CacheLookup(true)
	r.CacheLookup(false)
	r.CacheLookup(false)
	r.CacheError("get")
	r.InboxDepth(inbox.StateDead, 3)
	r.WebhookReceived("payment")
	r.WebhookReceived("")
	r.WebhookEnqueueFailed()
	r.ReconcileObserved("applied", 150*time.Millisecond)

	require.Equal(t, 1.0, testutil.ToFloat64(r.CacheRequests.WithLabelValues("hit")))
	require.Equal(t, 2.0, testutil.ToFloat64(r.CacheRequests.WithLabelValues("miss")))
	require.Equal(t, 1.0, testutil.ToFloat64(r.CacheErrors.WithLabelValues("get")))
	require.Equal(t, 3.0, testutil.ToFloat64(r.InboxMessages.WithLabelValues("dead")))
	require.Equal(t, 1.0, testutil.ToFloat64(r.WebhooksReceived.WithLabelValues("unknown")))
	require.Equal(t, 1.0, testutil.ToFloat64(r.EnqueueFailures))
	require.Equal(t, 1.0, testutil.ToFloat64(r.Reconciliations.WithLabelValues("applied")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	r := NewRegistry()
	r.ReconcileObserved("stale", time.Millisecond)

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), `tiendaflow_reconcile_total{outcome="stale"} 1`)
	require.Contains(t, string(body), "tiendaflow_reconcile_duration_seconds_bucket")
}
