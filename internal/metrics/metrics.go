package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MintMetrics groups the collectors exported by the mint-service and the replicator.
type MintMetrics struct {
	requests           *prometheus.CounterVec
	mintDuration       *prometheus.HistogramVec
	reconciliationDebt prometheus.Counter
	replicatedRows     prometheus.Counter
}

var (
	mintOnce     sync.Once
	mintRegistry *MintMetrics
)

// Mint returns the process-wide collectors, registering them on first use.
func Mint() *MintMetrics {
	mintOnce.Do(func() {
		mintRegistry = newMintMetrics()
		prometheus.MustRegister(
			mintRegistry.requests,
			mintRegistry.mintDuration,
			mintRegistry.reconciliationDebt,
			mintRegistry.replicatedRows,
		)
	})
	return mintRegistry
}

func newMintMetrics() *MintMetrics {
	return &MintMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ptmint_requests_total",
			Help: "Mint requests by terminal outcome.",
		}, []string{"outcome"}),
		mintDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ptmint_mint_duration_seconds",
			Help:    "Time from mint submission to confirmation or failure.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300},
		}, []string{"result"}),
		reconciliationDebt: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ptmint_reconciliation_debt_total",
			Help: "Confirmed mints whose ledger update could not be applied.",
		}),
		replicatedRows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ptmint_replication_rows_total",
			Help: "Locate rows copied by the replication job.",
		}),
	}
}

func (m *MintMetrics) ObserveOutcome(outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.requests.WithLabelValues(outcome).Inc()
}

func (m *MintMetrics) ObserveMintDuration(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	if result == "" {
		result = "unknown"
	}
	m.mintDuration.WithLabelValues(result).Observe(elapsed.Seconds())
}

func (m *MintMetrics) IncReconciliationDebt() {
	if m == nil {
		return
	}
	m.reconciliationDebt.Inc()
}

func (m *MintMetrics) AddReplicatedRows(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.replicatedRows.Add(float64(n))
}
