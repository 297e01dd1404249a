package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusCounters(t *testing.T) {
	prom := NewPrometheus()
	prom.Metrics.OrdersPlaced.Inc()
	prom.Metrics.OrdersFailed.Inc()
	prom.Metrics.LeverageUpdateFailed.Inc()
	prom.Metrics.CancelFailed.Inc()
	prom.Metrics.SessionsDeferred.Inc()
	prom.Metrics.PendingResumed.Inc()
	prom.Metrics.InfoRateLimited.Inc()
	prom.Metrics.InfoRateLimited.Inc()
	prom.Metrics.AlertsSent.Inc()

	assertCounter(t, prom.counters["orders_placed_total"], 1)
	assertCounter(t, prom.counters["orders_failed_total"], 1)
	assertCounter(t, prom.counters["leverage_update_failed_total"], 1)
	assertCounter(t, prom.counters["cancel_failed_total"], 1)
	assertCounter(t, prom.counters["sessions_deferred_total"], 1)
	assertCounter(t, prom.counters["pending_orders_resumed_total"], 1)
	assertCounter(t, prom.counters["info_rate_limited_total"], 2)
	assertCounter(t, prom.counters["alerts_sent_total"], 1)
}

func TestPrometheusHandlerExposesNamespace(t *testing.T) {
	prom := NewPrometheus()
	prom.Metrics.OrdersPlaced.Inc()
	rec := httptest.NewRecorder()
	prom.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "hl_chat_trader_orders_placed_total 1") {
		t.Fatalf("expected counter in exposition, got %s", body)
	}
}

func assertCounter(t *testing.T, counter prometheus.Counter, expected float64) {
	t.Helper()
	if got := testutil.ToFloat64(counter); got != expected {
		t.Fatalf("expected %v, got %v", expected, got)
	}
}
