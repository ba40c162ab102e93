package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ton_escrow"

// Metrics stores Prometheus collectors used across the service.
type Metrics struct {
	Transitions       *prometheus.CounterVec
	Settlements       *prometheus.CounterVec
	ReferralPayouts   *prometheus.CounterVec
	Withdrawals       *prometheus.CounterVec
	Deposits          *prometheus.CounterVec
	CustodyTransfers  *prometheus.CounterVec
	Notifications     *prometheus.CounterVec
	TonAPIRequests    *prometheus.CounterVec
	TonAPILatency     *prometheus.HistogramVec
	SweepRuns         *prometheus.CounterVec
	SweepRowsAffected *prometheus.CounterVec
	HTTPRequests      *prometheus.CounterVec
}

var (
	regOnce  sync.Once
	instance *Metrics
)

// Default builds and registers the collectors once per process.
func Default() *Metrics {
	regOnce.Do(func() {
		counter := func(name, help string, labels ...string) *prometheus.CounterVec {
			return prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      name,
				Help:      help,
			}, labels)
		}

		instance = &Metrics{
			Transitions:       counter("escrow_transitions_total", "Escrow status transitions applied.", "from", "to"),
			Settlements:       counter("settlements_total", "Settlement attempts by outcome.", "currency", "outcome"),
			ReferralPayouts:   counter("referral_payouts_total", "Referral rewards credited.", "level", "currency"),
			Withdrawals:       counter("withdrawals_total", "Withdrawal operations by outcome.", "method", "outcome"),
			Deposits:          counter("deposits_total", "Deposit operations by outcome.", "method", "outcome"),
			CustodyTransfers:  counter("custody_transfers_total", "Custody wallet transfers by outcome.", "outcome"),
			Notifications:     counter("notifications_total", "Notification deliveries by kind and status.", "kind", "status"),
			TonAPIRequests:    counter("tonapi_requests_total", "TonAPI requests by endpoint and status.", "endpoint", "status"),
			SweepRuns:         counter("sweep_runs_total", "Periodic sweep runs by status.", "sweep", "status"),
			SweepRowsAffected: counter("sweep_rows_total", "Rows changed by periodic sweeps.", "sweep"),
			HTTPRequests:      counter("http_requests_total", "Admin and webhook HTTP requests.", "route", "code"),
			TonAPILatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tonapi_request_duration_seconds",
				Help:      "Latency distribution for TonAPI requests.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"endpoint"}),
		}

		prometheus.MustRegister(
			instance.Transitions,
			instance.Settlements,
			instance.ReferralPayouts,
			instance.Withdrawals,
			instance.Deposits,
			instance.CustodyTransfers,
			instance.Notifications,
			instance.TonAPIRequests,
			instance.TonAPILatency,
			instance.SweepRuns,
			instance.SweepRowsAffected,
			instance.HTTPRequests,
		)
	})
	return instance
}

// Handler exposes the default registry.
func Handler() http.Handler {
	Default()
	return promhttp.Handler()
}
