package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "hl_chat_trader"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type Prometheus struct {
	Metrics *Metrics

	registry *prometheus.Registry
	counters map[string]prometheus.Counter
}

var counterHelp = []struct {
	name string
	help string
}{
	{"orders_placed_total", "Total number of orders accepted by the exchange."},
	{"orders_failed_total", "Total number of order placements that returned an error."},
	{"leverage_update_failed_total", "Total number of best-effort leverage updates that failed."},
	{"cancel_failed_total", "Total number of individual order cancellations that failed."},
	{"sessions_deferred_total", "Total number of sessions parked behind an authorization step."},
	{"pending_orders_resumed_total", "Total number of parked orders re-executed after authorization."},
	{"info_rate_limited_total", "Total number of info requests retried after a rate limit."},
	{"alerts_sent_total", "Total number of monitor alerts delivered."},
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	counters := make(map[string]prometheus.Counter, len(counterHelp))
	for _, c := range counterHelp {
		counter := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      c.name,
			Help:      c.help,
		})
		registry.MustRegister(counter)
		counters[c.name] = counter
	}

	m := &Metrics{
		OrdersPlaced:         promCounter{counters["orders_placed_total"]},
		OrdersFailed:         promCounter{counters["orders_failed_total"]},
		LeverageUpdateFailed: promCounter{counters["leverage_update_failed_total"]},
		CancelFailed:         promCounter{counters["cancel_failed_total"]},
		SessionsDeferred:     promCounter{counters["sessions_deferred_total"]},
		PendingResumed:       promCounter{counters["pending_orders_resumed_total"]},
		InfoRateLimited:      promCounter{counters["info_rate_limited_total"]},
		AlertsSent:           promCounter{counters["alerts_sent_total"]},
	}

	return &Prometheus{
		Metrics:  m,
		registry: registry,
		counters: counters,
	}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
