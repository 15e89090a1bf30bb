package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the service's prometheus registry. It doubles as the
// orchestrator's observer.
type Metrics struct {
	registry           *prometheus.Registry
	claimsTotal        *prometheus.CounterVec
	submissionsTotal   *prometheus.CounterVec
	sponsorshipsTotal  *prometheus.CounterVec
	retryAttemptsTotal *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	claims := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "claimdrop_claims_total",
		Help: "Claims created, by result",
	}, []string{"result"})

	submissions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "claimdrop_submissions_total",
		Help: "Signed transaction submissions, by operation and result",
	}, []string{"op", "result"})

	sponsorships := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "claimdrop_sponsorships_total",
		Help: "Fee sponsorship attempts, by outcome",
	}, []string{"outcome"})

	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "claimdrop_retry_attempts_total",
		Help: "Ledger read retry attempts",
	}, []string{"result"})

	r := prometheus.NewRegistry()
	r.MustRegister(claims, submissions, sponsorships, retries)

	return &Metrics{
		registry:           r,
		claimsTotal:        claims,
		submissionsTotal:   submissions,
		sponsorshipsTotal:  sponsorships,
		retryAttemptsTotal: retries,
	}
}

// trackRegistrySize exports the number of live registry records.
func (m *Metrics) trackRegistrySize(size func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "claimdrop_registry_records",
		Help: "Claim records held by the registry",
	}, func() float64 { return float64(size()) }))
}

func (m *Metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) incClaim(result string) {
	m.claimsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveSubmission(op, result string) {
	m.submissionsTotal.WithLabelValues(op, result).Inc()
}

func (m *Metrics) ObserveSponsorship(outcome string) {
	m.sponsorshipsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveRetry(result string) {
	m.retryAttemptsTotal.WithLabelValues(result).Inc()
}
